package playout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/skald/internal/events"
	"github.com/friendsincode/skald/internal/mixer"
	"github.com/friendsincode/skald/internal/pcm"
)

const testFrameBytes = 4096

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// stubSrc produces a fixed number of frames, optionally pacing each read.
type stubSrc struct {
	frames int
	delay  time.Duration
	val    int16 // sample level, 0 means the default 100
	reads  int
}

func (s *stubSrc) Next(buf []byte) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.reads >= s.frames {
		return io.EOF
	}
	s.reads++
	v := s.val
	if v == 0 {
		v = 100
	}
	for i := 0; i+1 < len(buf); i += 2 {
		pcm.PutSample(buf, i, v)
	}
	return nil
}

func (s *stubSrc) Close() error { return nil }

// stubMedia maps event paths to decoder behavior: n frames, a negative
// count meaning the open fails, pacing per frame, optional per-path
// sample level.
type stubMedia struct {
	frames map[string]int
	vals   map[string]int16
	delay  time.Duration
}

func (m stubMedia) factory(_ context.Context, ev AudioEvent) (mixer.FrameSource, error) {
	n, ok := m.frames[ev.Path]
	if !ok || n < 0 {
		return nil, errors.New("unreadable media")
	}
	return &stubSrc{frames: n, delay: m.delay, val: m.vals[ev.Path]}, nil
}

// countSink is a primary that counts frames, failing after failAt writes
// when failAt is non negative. Each frame's first sample is kept so tests
// can check what actually aired.
type countSink struct {
	mu      sync.Mutex
	writes  int
	failAt  int
	samples []int16
}

func newCountSink() *countSink { return &countSink{failAt: -1} }

func (s *countSink) Name() string                  { return "test" }
func (s *countSink) Start(_ context.Context) error { return nil }
func (s *countSink) Stop() error                   { return nil }
func (s *countSink) Healthy() bool                 { return true }

func (s *countSink) WriteFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt >= 0 && s.writes >= s.failAt {
		return errors.New("device gone")
	}
	s.writes++
	s.samples = append(s.samples, pcm.Sample(frame, 0))
	return nil
}

func (s *countSink) firstSamples() []int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int16(nil), s.samples...)
}

// recorder captures segment callbacks with the engine state observed at
// callback time.
type recorder struct {
	mu         sync.Mutex
	entries    []string
	stamps     []time.Time
	states     []PlaybackState
	onFinished func(ev AudioEvent)
	engine     *Engine
}

func (r *recorder) OnSegmentStarted(ev AudioEvent) {
	r.mu.Lock()
	r.entries = append(r.entries, "started:"+ev.ID)
	r.stamps = append(r.stamps, time.Now())
	r.states = append(r.states, r.engine.State())
	r.mu.Unlock()
}

func (r *recorder) OnSegmentFinished(ev AudioEvent) {
	r.mu.Lock()
	r.entries = append(r.entries, "finished:"+ev.ID)
	r.stamps = append(r.stamps, time.Now())
	r.states = append(r.states, r.engine.State())
	r.mu.Unlock()
	if r.onFinished != nil {
		r.onFinished(ev)
	}
}

func (r *recorder) trace() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.entries...)
}

type engineHarness struct {
	engine *Engine
	sink   *countSink
	rec    *recorder
	bus    *events.Bus
	states <-chan events.Payload
	cancel context.CancelFunc
	done   chan error
	exited chan struct{}
}

func newHarness(t *testing.T, media stubMedia, xfadeFrames int) *engineHarness {
	t.Helper()
	bus := events.NewBus()
	states := bus.Subscribe(events.EventStateChanged)

	m := mixer.New(mixer.Config{FrameBytes: testFrameBytes, CrossfadeFrames: xfadeFrames}, zerolog.Nop())
	snk := newCountSink()
	if err := m.Register(snk, mixer.RolePrimary); err != nil {
		t.Fatalf("register sink: %v", err)
	}

	eng := New(Config{FrameBytes: testFrameBytes, CrossfadeFrames: xfadeFrames}, m, media.factory, zerolog.Nop(), bus)
	rec := &recorder{engine: eng}
	eng.SetListener(rec)

	return &engineHarness{engine: eng, sink: snk, rec: rec, bus: bus, states: states, done: make(chan error, 1), exited: make(chan struct{})}
}

func (h *engineHarness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.done <- h.engine.Run(ctx)
		close(h.exited)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.exited:
		case <-time.After(5 * time.Second):
			t.Error("engine did not exit")
		}
	})
}

// stateTrace drains the buffered state change events seen so far.
func (h *engineHarness) stateTrace() []string {
	var trace []string
	for {
		select {
		case p := <-h.states:
			trace = append(trace, fmt.Sprintf("%s>%s", p["from"], p["to"]))
		default:
			return trace
		}
	}
}

func song(id, path string, dur time.Duration) AudioEvent {
	return AudioEvent{ID: id, Kind: SegmentSong, Path: path, Duration: dur}
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, stubMedia{frames: map[string]int{}}, 0)

	if err := h.engine.Enqueue(AudioEvent{Kind: "video", Path: "x"}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("unknown kind: got %v", err)
	}
	if err := h.engine.Enqueue(AudioEvent{Kind: SegmentSong}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("empty path: got %v", err)
	}
	if err := h.engine.Enqueue(AudioEvent{Kind: SegmentSong, Path: "x", Gain: -1}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("negative gain: got %v", err)
	}
	if err := h.engine.Enqueue(AudioEvent{Kind: SegmentSong, Path: "x", Gain: 1.5}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("gain above unity: got %v", err)
	}
	if h.engine.QueueLen() != 0 {
		t.Fatal("invalid events must not land in the queue")
	}

	if err := h.engine.Enqueue(song("", "ok", 0)); err != nil {
		t.Fatalf("valid enqueue: %v", err)
	}
	q := h.engine.Queue()
	if len(q) != 1 || q[0].ID == "" {
		t.Fatalf("expected one queued event with an assigned id, got %+v", q)
	}
}

func TestTwoSongsHardCutAlternation(t *testing.T) {
	t.Parallel()

	media := stubMedia{frames: map[string]int{"a.mp3": 3, "b.mp3": 3}}
	h := newHarness(t, media, 0)
	if err := h.engine.Enqueue(song("a", "a.mp3", 0)); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Enqueue(song("b", "b.mp3", 0)); err != nil {
		t.Fatal(err)
	}
	h.run(t)

	waitFor(t, 3*time.Second, func() bool { return len(h.rec.trace()) >= 4 })

	want := []string{"started:a", "finished:a", "started:b", "finished:b"}
	got := h.rec.trace()
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("event %d = %s, want %s (full: %v)", i, got[i], w, got)
		}
	}
	waitFor(t, time.Second, func() bool { return h.engine.State() == StateIdle })
}

func TestHardCutBoundaryAirsNoSilence(t *testing.T) {
	t.Parallel()

	media := stubMedia{
		frames: map[string]int{"a.mp3": 2, "b.mp3": 2},
		vals:   map[string]int16{"a.mp3": 100, "b.mp3": 200},
	}
	h := newHarness(t, media, 0)
	if err := h.engine.Enqueue(song("a", "a.mp3", 0)); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Enqueue(song("b", "b.mp3", 0)); err != nil {
		t.Fatal(err)
	}
	h.run(t)

	waitFor(t, 3*time.Second, func() bool { return len(h.sink.firstSamples()) >= 4 })

	// b's first frame must land directly after a's last: the queue was
	// never empty, so no idle silence may slip in between.
	want := []int16{100, 100, 200, 200}
	got := h.sink.firstSamples()[:4]
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("aired sample %d = %d, want %d (full: %v)", i, got[i], w, got)
		}
	}
}

func TestStateTraceThroughIdleGap(t *testing.T) {
	t.Parallel()

	media := stubMedia{frames: map[string]int{"a.mp3": 2, "b.mp3": 2}}
	h := newHarness(t, media, 0)
	if err := h.engine.Enqueue(song("a", "a.mp3", 0)); err != nil {
		t.Fatal(err)
	}
	h.run(t)

	waitFor(t, 3*time.Second, func() bool { return h.engine.State() == StateIdle && len(h.rec.trace()) >= 2 })

	if err := h.engine.Enqueue(song("b", "b.mp3", 0)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool { return len(h.rec.trace()) >= 4 })
	waitFor(t, time.Second, func() bool { return h.engine.State() == StateIdle })

	trace := h.stateTrace()
	want := []string{
		"IDLE>PLAYING_SONG",
		"PLAYING_SONG>IDLE",
		"IDLE>PLAYING_SONG",
		"PLAYING_SONG>IDLE",
	}
	if len(trace) != len(want) {
		t.Fatalf("state trace %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("state trace %v, want %v", trace, want)
		}
	}
}

func TestCrossfadeWindowStates(t *testing.T) {
	t.Parallel()

	// Ten frame songs with a three frame window: the fade opens after
	// frame seven and promotes on the tenth.
	dur := 10 * pcm.FrameDuration(testFrameBytes)
	media := stubMedia{frames: map[string]int{"a.mp3": 10, "b.mp3": 10}}
	h := newHarness(t, media, 3)
	if err := h.engine.Enqueue(song("a", "a.mp3", dur)); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Enqueue(song("b", "b.mp3", dur)); err != nil {
		t.Fatal(err)
	}
	h.run(t)

	waitFor(t, 3*time.Second, func() bool { return len(h.rec.trace()) >= 4 })
	waitFor(t, time.Second, func() bool { return h.engine.State() == StateIdle })

	want := []string{"started:a", "finished:a", "started:b", "finished:b"}
	got := h.rec.trace()
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("event %d = %s, want %s (full: %v)", i, got[i], w, got)
		}
	}

	trace := h.stateTrace()
	wantTrace := []string{
		"IDLE>PLAYING_SONG",
		"PLAYING_SONG>TRANSITIONING",
		"TRANSITIONING>PLAYING_SONG",
		"PLAYING_SONG>IDLE",
	}
	if len(trace) != len(wantTrace) {
		t.Fatalf("state trace %v, want %v", trace, wantTrace)
	}
	for i := range wantTrace {
		if trace[i] != wantTrace[i] {
			t.Fatalf("state trace %v, want %v", trace, wantTrace)
		}
	}

	// The incoming segment reports TRANSITIONING at its start callback.
	h.rec.mu.Lock()
	stateAtB := h.rec.states[2]
	h.rec.mu.Unlock()
	if stateAtB != StateTransitioning {
		t.Fatalf("state at started:b = %s, want TRANSITIONING", stateAtB)
	}
}

func TestTransitionHandoffIsFast(t *testing.T) {
	t.Parallel()

	media := stubMedia{frames: map[string]int{"a.mp3": 2, "b.mp3": 2}}
	h := newHarness(t, media, 0)
	if err := h.engine.Enqueue(song("a", "a.mp3", 0)); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Enqueue(song("b", "b.mp3", 0)); err != nil {
		t.Fatal(err)
	}
	h.run(t)

	waitFor(t, 3*time.Second, func() bool { return len(h.rec.trace()) >= 4 })

	h.rec.mu.Lock()
	gap := h.rec.stamps[2].Sub(h.rec.stamps[1])
	h.rec.mu.Unlock()
	if gap > 10*time.Millisecond {
		t.Fatalf("handoff between segments took %v", gap)
	}
}

func TestUnplayableEventStillFiresBothCallbacks(t *testing.T) {
	t.Parallel()

	media := stubMedia{frames: map[string]int{"good.mp3": 2, "broken.mp3": -1}}
	h := newHarness(t, media, 0)
	if err := h.engine.Enqueue(song("bad", "broken.mp3", 0)); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Enqueue(song("ok", "good.mp3", 0)); err != nil {
		t.Fatal(err)
	}
	h.run(t)

	waitFor(t, 3*time.Second, func() bool { return len(h.rec.trace()) >= 4 })

	want := []string{"started:bad", "finished:bad", "started:ok", "finished:ok"}
	got := h.rec.trace()
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("event %d = %s, want %s (full: %v)", i, got[i], w, got)
		}
	}
}

func TestDrainPlaysQueuedOutroOnly(t *testing.T) {
	t.Parallel()

	media := stubMedia{
		frames: map[string]int{"long.mp3": 2000, "outro.mp3": 2, "next.mp3": 2, "talk.mp3": 2},
		delay:  time.Millisecond,
	}
	h := newHarness(t, media, 0)
	if err := h.engine.Enqueue(song("cur", "long.mp3", 0)); err != nil {
		t.Fatal(err)
	}
	h.run(t)
	waitFor(t, 3*time.Second, func() bool { return h.engine.State() == StatePlayingSong })

	if err := h.engine.Enqueue(AudioEvent{ID: "talk", Kind: SegmentTalk, Path: "talk.mp3"}); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Enqueue(AudioEvent{ID: "out", Kind: SegmentOutro, Path: "outro.mp3"}); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Enqueue(song("next", "next.mp3", 0)); err != nil {
		t.Fatal(err)
	}

	h.engine.BeginDrain()

	if err := h.engine.Enqueue(song("late", "next.mp3", 0)); !errors.Is(err, ErrDraining) {
		t.Fatalf("enqueue during drain: got %v", err)
	}

	q := h.engine.Queue()
	if len(q) != 1 || q[0].Kind != SegmentOutro {
		t.Fatalf("drain must keep only queued outros, queue: %+v", q)
	}

	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("drained engine must exit cleanly, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not finish draining")
	}

	got := h.rec.trace()
	want := []string{"started:cur", "finished:cur", "started:out", "finished:out"}
	if len(got) != len(want) {
		t.Fatalf("trace %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("trace %v, want %v", got, want)
		}
	}
}

func TestDrainAcceptsOwedOutro(t *testing.T) {
	t.Parallel()

	media := stubMedia{
		frames: map[string]int{"long.mp3": 2000, "outro.mp3": 2},
		delay:  time.Millisecond,
	}
	h := newHarness(t, media, 0)
	if err := h.engine.Enqueue(song("cur", "long.mp3", 0)); err != nil {
		t.Fatal(err)
	}
	h.run(t)
	waitFor(t, 3*time.Second, func() bool { return h.engine.State() == StatePlayingSong })

	h.engine.BeginDrain()

	if err := h.engine.Enqueue(AudioEvent{ID: "owed", Kind: SegmentOutro, Path: "outro.mp3"}); err != nil {
		t.Fatalf("outro during drain: got %v", err)
	}

	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("drained engine must exit cleanly, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not finish draining")
	}

	got := h.rec.trace()
	want := []string{"started:cur", "finished:cur", "started:owed", "finished:owed"}
	if len(got) != len(want) {
		t.Fatalf("trace %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("trace %v, want %v", got, want)
		}
	}
}

func TestPrimaryFailureIsTerminal(t *testing.T) {
	t.Parallel()

	media := stubMedia{frames: map[string]int{"a.mp3": 100}}
	h := newHarness(t, media, 0)
	h.sink.failAt = 2
	if err := h.engine.Enqueue(song("a", "a.mp3", 0)); err != nil {
		t.Fatal(err)
	}
	h.run(t)

	select {
	case err := <-h.done:
		if err == nil {
			t.Fatal("expected run to return the primary failure")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop on primary failure")
	}

	if h.engine.State() != StateError {
		t.Fatalf("state = %s, want ERROR", h.engine.State())
	}
	if err := h.engine.Enqueue(song("b", "a.mp3", 0)); !errors.Is(err, ErrStopped) {
		t.Fatalf("enqueue after stop: got %v", err)
	}
}

func TestTalkPlaysAsIntroState(t *testing.T) {
	t.Parallel()

	media := stubMedia{frames: map[string]int{"talk.mp3": 500}, delay: time.Millisecond}
	h := newHarness(t, media, 0)
	if err := h.engine.Enqueue(AudioEvent{ID: "t", Kind: SegmentTalk, Path: "talk.mp3"}); err != nil {
		t.Fatal(err)
	}
	h.run(t)

	waitFor(t, 3*time.Second, func() bool { return h.engine.State() == StatePlayingIntro })
	cur, ok := h.engine.Current()
	if !ok || cur.ID != "t" {
		t.Fatalf("current = %+v, %v", cur, ok)
	}
}
