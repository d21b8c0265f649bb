package mixer

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/friendsincode/skald/internal/pcm"
)

const testFrameBytes = 64

// fakeSrc emits frames where every sample holds val, then io.EOF.
type fakeSrc struct {
	frames int
	val    int16
	failAt int // 1-based read index that returns a hard error, 0 for never
	reads  int
	closed bool
}

func (f *fakeSrc) Next(buf []byte) error {
	f.reads++
	if f.failAt > 0 && f.reads == f.failAt {
		return errors.New("decoder crashed")
	}
	if f.reads > f.frames {
		return io.EOF
	}
	for i := 0; i+1 < len(buf); i += 2 {
		pcm.PutSample(buf, i, f.val)
	}
	return nil
}

func (f *fakeSrc) Close() error {
	f.closed = true
	return nil
}

type fakeSink struct {
	name   string
	frames [][]byte
	err    error
}

func (s *fakeSink) Name() string                  { return s.name }
func (s *fakeSink) Start(_ context.Context) error { return nil }
func (s *fakeSink) Stop() error                   { return nil }
func (s *fakeSink) Healthy() bool                 { return true }

func (s *fakeSink) WriteFrame(f []byte) error {
	if s.err != nil {
		return s.err
	}
	cp := make([]byte, len(f))
	copy(cp, f)
	s.frames = append(s.frames, cp)
	return nil
}

func newTestMixer(t *testing.T, xfade int) (*Mixer, *fakeSink) {
	t.Helper()
	m := New(Config{FrameBytes: testFrameBytes, CrossfadeFrames: xfade, DuckLevel: 0.25}, zerolog.Nop())
	prim := &fakeSink{name: "prim"}
	if err := m.Register(prim, RolePrimary); err != nil {
		t.Fatalf("register primary: %v", err)
	}
	return m, prim
}

func firstSample(t *testing.T, frame []byte) int16 {
	t.Helper()
	if len(frame) < 2 {
		t.Fatal("short frame")
	}
	return pcm.Sample(frame, 0)
}

func TestTickEmitsSilenceWhenIdle(t *testing.T) {
	t.Parallel()

	m, prim := newTestMixer(t, 4)
	res, err := m.Tick()
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !res.Wrote || res.SegmentEnded {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := firstSample(t, prim.frames[0]); got != 0 {
		t.Fatalf("idle tick must emit silence, got sample %d", got)
	}
}

func TestSegmentPlaysToEOFThenEnds(t *testing.T) {
	t.Parallel()

	m, prim := newTestMixer(t, 4)
	src := &fakeSrc{frames: 2, val: 1000}
	m.BeginSegment(src, SegmentOptions{})

	for i := 0; i < 2; i++ {
		res, err := m.Tick()
		if err != nil || !res.Wrote || res.SegmentEnded {
			t.Fatalf("tick %d: res=%+v err=%v", i, res, err)
		}
		if got := firstSample(t, prim.frames[i]); got != 1000 {
			t.Fatalf("tick %d sample %d, want 1000", i, got)
		}
	}

	res, err := m.Tick()
	if err != nil {
		t.Fatalf("eof tick: %v", err)
	}
	if !res.SegmentEnded {
		t.Fatal("expected segment end at EOF")
	}
	if !src.closed {
		t.Fatal("source must be closed at segment end")
	}
	if m.Active() {
		t.Fatal("mixer must be idle after segment end")
	}
	if res.Wrote || len(prim.frames) != 2 {
		t.Fatalf("eof tick must air nothing, got %d frames", len(prim.frames))
	}
}

func TestHardCutBoundaryAirsNoGapFrame(t *testing.T) {
	t.Parallel()

	m, prim := newTestMixer(t, 4)
	m.BeginSegment(&fakeSrc{frames: 2, val: 100}, SegmentOptions{})
	for i := 0; i < 2; i++ {
		if _, err := m.Tick(); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	res, err := m.Tick()
	if err != nil {
		t.Fatalf("eof tick: %v", err)
	}
	if !res.SegmentEnded || res.Wrote {
		t.Fatalf("boundary tick must end without airing, got %+v", res)
	}

	m.BeginSegment(&fakeSrc{frames: 2, val: 200}, SegmentOptions{})
	for i := 0; i < 2; i++ {
		if _, err := m.Tick(); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}

	want := []int16{100, 100, 200, 200}
	if len(prim.frames) != len(want) {
		t.Fatalf("aired %d frames, want %d", len(prim.frames), len(want))
	}
	for i, w := range want {
		if got := firstSample(t, prim.frames[i]); got != w {
			t.Fatalf("frame %d sample %d, want %d", i, got, w)
		}
	}
}

func TestSegmentGain(t *testing.T) {
	t.Parallel()

	m, prim := newTestMixer(t, 4)
	m.BeginSegment(&fakeSrc{frames: 1, val: 1000}, SegmentOptions{Gain: 0.5})
	if _, err := m.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := firstSample(t, prim.frames[0]); got != 500 {
		t.Fatalf("gain 0.5 gave sample %d, want 500", got)
	}
}

func TestDuckingAttenuatesMusicOnly(t *testing.T) {
	t.Parallel()

	m, prim := newTestMixer(t, 4)
	m.BeginSegment(&fakeSrc{frames: 8, val: 1000}, SegmentOptions{})

	m.SetDucked(true)
	m.SetDucked(true) // repeated set must not compound
	if _, err := m.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := firstSample(t, prim.frames[0]); got != 250 {
		t.Fatalf("ducked music sample %d, want 250", got)
	}

	m.SetDucked(false)
	if _, err := m.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := firstSample(t, prim.frames[1]); got != 1000 {
		t.Fatalf("unducked music sample %d, want 1000", got)
	}

	m.BeginSegment(&fakeSrc{frames: 2, val: 1000}, SegmentOptions{Speech: true})
	m.SetDucked(true)
	if _, err := m.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := firstSample(t, prim.frames[2]); got != 1000 {
		t.Fatalf("speech must bypass ducking, got %d", got)
	}
}

func TestCrossfadeRampAndPromotion(t *testing.T) {
	t.Parallel()

	m, prim := newTestMixer(t, 4)
	cur := &fakeSrc{frames: 100, val: 1000}
	next := &fakeSrc{frames: 100, val: -1000}
	m.BeginSegment(cur, SegmentOptions{})
	if err := m.BeginCrossfade(next, SegmentOptions{}); err != nil {
		t.Fatalf("begin crossfade: %v", err)
	}

	want := []int16{500, 0, -500, -1000}
	for i, w := range want {
		res, err := m.Tick()
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if got := firstSample(t, prim.frames[i]); got != w {
			t.Fatalf("tick %d sample %d, want %d", i, got, w)
		}
		if i < len(want)-1 && res.Promoted {
			t.Fatalf("promoted too early at tick %d", i)
		}
		if i == len(want)-1 && !res.Promoted {
			t.Fatal("expected promotion on the window's last frame")
		}
	}

	if !cur.closed {
		t.Fatal("outgoing source must be closed on promotion")
	}
	if m.Crossfading() {
		t.Fatal("window must be finished")
	}

	if _, err := m.Tick(); err != nil {
		t.Fatalf("post-window tick: %v", err)
	}
	if got := firstSample(t, prim.frames[4]); got != -1000 {
		t.Fatalf("post-window sample %d, want full incoming level", got)
	}
}

func TestCrossfadePromotesEarlyWhenOutgoingRunsDry(t *testing.T) {
	t.Parallel()

	m, prim := newTestMixer(t, 4)
	m.BeginSegment(&fakeSrc{frames: 1, val: 1000}, SegmentOptions{})
	if err := m.BeginCrossfade(&fakeSrc{frames: 100, val: -1000}, SegmentOptions{}); err != nil {
		t.Fatalf("begin crossfade: %v", err)
	}

	if _, err := m.Tick(); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	res, err := m.Tick()
	if err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if !res.Promoted {
		t.Fatal("expected early promotion when the outgoing source hit EOF")
	}
	if res.SegmentEnded {
		t.Fatal("incoming segment is still playing, nothing ended")
	}
	if got := firstSample(t, prim.frames[1]); got != -1000 {
		t.Fatalf("post-promotion sample %d, want -1000", got)
	}
}

func TestCrossfadeIncomingDiesInsideWindow(t *testing.T) {
	t.Parallel()

	m, prim := newTestMixer(t, 4)
	m.BeginSegment(&fakeSrc{frames: 100, val: 1000}, SegmentOptions{})
	if err := m.BeginCrossfade(&fakeSrc{frames: 100, val: -1000, failAt: 1}, SegmentOptions{}); err != nil {
		t.Fatalf("begin crossfade: %v", err)
	}

	res, err := m.Tick()
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !res.Promoted || !res.SegmentEnded {
		t.Fatalf("expected handover and end in one tick, got %+v", res)
	}
	if res.SourceErr == nil {
		t.Fatal("expected the source failure to surface")
	}
	if m.Active() {
		t.Fatal("mixer must be idle after the incoming segment died")
	}
	if got := firstSample(t, prim.frames[0]); got != 1000 {
		t.Fatalf("tick sample %d, want the outgoing frame", got)
	}
}

func TestSourceFailureEndsSegment(t *testing.T) {
	t.Parallel()

	m, _ := newTestMixer(t, 4)
	m.BeginSegment(&fakeSrc{frames: 10, val: 1000, failAt: 2}, SegmentOptions{})
	if _, err := m.Tick(); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	res, err := m.Tick()
	if err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if !res.SegmentEnded || res.SourceErr == nil {
		t.Fatalf("expected failed segment to end with its error, got %+v", res)
	}
}

func TestPrimaryFailureAbortsTick(t *testing.T) {
	t.Parallel()

	m := New(Config{FrameBytes: testFrameBytes}, zerolog.Nop())
	if err := m.Register(&fakeSink{name: "prim", err: errors.New("device gone")}, RolePrimary); err != nil {
		t.Fatalf("register primary: %v", err)
	}
	sec := &fakeSink{name: "sec"}
	if err := m.Register(sec, RoleSecondary); err != nil {
		t.Fatalf("register secondary: %v", err)
	}

	if _, err := m.Tick(); err == nil {
		t.Fatal("expected primary failure to surface from Tick")
	}
	if len(sec.frames) != 0 {
		t.Fatal("secondaries must not receive a frame the primary rejected")
	}
}

func TestSecondaryFailureIsIsolated(t *testing.T) {
	t.Parallel()

	m, prim := newTestMixer(t, 4)
	if err := m.Register(&fakeSink{name: "sec", err: errors.New("relay down")}, RoleSecondary); err != nil {
		t.Fatalf("register secondary: %v", err)
	}
	m.BeginSegment(&fakeSrc{frames: 10, val: 1000}, SegmentOptions{})

	for i := 0; i < 10; i++ {
		if _, err := m.Tick(); err != nil {
			t.Fatalf("tick %d must ignore secondary failure: %v", i, err)
		}
	}
	if len(prim.frames) != 10 {
		t.Fatalf("primary received %d frames, want 10", len(prim.frames))
	}
}

func TestRegisterRejectsSecondPrimary(t *testing.T) {
	t.Parallel()

	m, _ := newTestMixer(t, 4)
	if err := m.Register(&fakeSink{name: "other"}, RolePrimary); err == nil {
		t.Fatal("expected second primary registration to fail")
	}
}

func TestBeginCrossfadeRequiresActiveSegment(t *testing.T) {
	t.Parallel()

	m, _ := newTestMixer(t, 4)
	if err := m.BeginCrossfade(&fakeSrc{frames: 1}, SegmentOptions{}); err == nil {
		t.Fatal("expected crossfade without an active segment to fail")
	}
}

func TestResetClosesSources(t *testing.T) {
	t.Parallel()

	m, _ := newTestMixer(t, 4)
	cur := &fakeSrc{frames: 10, val: 1}
	next := &fakeSrc{frames: 10, val: 2}
	m.BeginSegment(cur, SegmentOptions{})
	if err := m.BeginCrossfade(next, SegmentOptions{}); err != nil {
		t.Fatalf("begin crossfade: %v", err)
	}
	m.Reset()
	if !cur.closed || !next.closed {
		t.Fatal("reset must close both sources")
	}
	if m.Active() || m.Crossfading() {
		t.Fatal("reset must leave the mixer idle")
	}
}
