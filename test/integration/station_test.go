/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package integration exercises the full playout chain: DJ brain feeding the
// engine, engine mixing into sinks, state flowing over the event bus.
package integration

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/friendsincode/skald/internal/config"
	"github.com/friendsincode/skald/internal/dj"
	"github.com/friendsincode/skald/internal/events"
	"github.com/friendsincode/skald/internal/library"
	"github.com/friendsincode/skald/internal/mixer"
	"github.com/friendsincode/skald/internal/playout"
	"github.com/friendsincode/skald/internal/speech"
)

const frameBytes = 256

// memSink collects every frame it is handed.
type memSink struct {
	name string
	mu   sync.Mutex
	n    int
}

func (s *memSink) Name() string                    { return s.name }
func (s *memSink) Start(ctx context.Context) error { return nil }
func (s *memSink) Stop() error                     { return nil }
func (s *memSink) Healthy() bool                   { return true }

func (s *memSink) WriteFrame(frame []byte) error {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
	return nil
}

func (s *memSink) frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// stubSource yields a fixed number of frames per segment.
type stubSource struct{ left int }

func (s *stubSource) Next(buf []byte) error {
	if s.left <= 0 {
		return io.EOF
	}
	s.left--
	for i := range buf {
		buf[i] = 1
	}
	return nil
}

func (s *stubSource) Close() error { return nil }

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// musicDir creates a throwaway library. The files only need names; the
// decoder is stubbed.
func musicDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func openStateDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

type station struct {
	engine  *playout.Engine
	brain   *dj.Brain
	mix     *mixer.Mixer
	primary *memSink
	stream  *memSink
	bus     *events.Bus
	done    chan error
	cancel  context.CancelFunc
}

func startStation(t *testing.T) *station {
	t.Helper()

	dir := musicDir(t, "Anvil Chorus - Iron Band.mp3", "Longship - Saga.mp3", "Mead Hall - Skalds.mp3")

	bus := events.NewBus()
	mix := mixer.New(mixer.Config{FrameBytes: frameBytes, CrossfadeFrames: 2}, zerolog.Nop())

	primary := &memSink{name: "alsa"}
	stream := &memSink{name: "stream"}
	if err := mix.Register(primary, mixer.RolePrimary); err != nil {
		t.Fatal(err)
	}
	if err := mix.Register(stream, mixer.RoleSecondary); err != nil {
		t.Fatal(err)
	}

	engine := playout.New(playout.Config{FrameBytes: frameBytes, CrossfadeFrames: 2},
		mix,
		func(ctx context.Context, ev playout.AudioEvent) (mixer.FrameSource, error) {
			return &stubSource{left: 8}, nil
		},
		zerolog.Nop(), bus)

	tracks, err := library.NewScanner([]string{dir}, nil, zerolog.Nop()).Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(tracks) != 3 {
		t.Fatalf("scanned %d tracks, want 3", len(tracks))
	}

	store, err := dj.NewStore(openStateDB(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("dj store: %v", err)
	}
	slots, err := dj.NewSlotSchedule(nil, time.Now())
	if err != nil {
		t.Fatalf("slots: %v", err)
	}

	brain := dj.New(dj.Options{
		Profile:  *config.DefaultProfile(),
		Engine:   engine,
		Selector: library.NewSelector(tracks, nil),
		Fallback: library.NewSelector(nil, nil),
		Cache:    speech.NewCache(t.TempDir(), time.Minute, zerolog.Nop()),
		Store:    store,
		Slots:    slots,
		Bus:      bus,
		Logger:   zerolog.Nop(),
	})
	engine.SetListener(brain)

	ctx, cancel := context.WithCancel(context.Background())
	brain.StationStart(ctx)

	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	st := &station{
		engine: engine, brain: brain, mix: mix,
		primary: primary, stream: stream, bus: bus,
		done: done, cancel: cancel,
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	})
	return st
}

func TestStationPlaysContinuously(t *testing.T) {
	st := startStation(t)

	// The brain keeps the queue primed, so segments keep flowing without
	// any external scheduling.
	waitFor(t, 10*time.Second, func() bool {
		return st.brain.Counters().SongsPlayed >= 3
	})

	if st.primary.frames() == 0 {
		t.Error("primary sink received no audio")
	}
	if st.stream.frames() == 0 {
		t.Error("secondary sink received no audio")
	}
	if len(st.brain.History(10)) < 3 {
		t.Errorf("history holds %d entries, want >= 3", len(st.brain.History(10)))
	}
}

func TestSecondaryNeverOutrunsPrimary(t *testing.T) {
	st := startStation(t)

	waitFor(t, 10*time.Second, func() bool {
		return st.primary.frames() >= 20
	})

	// Fan-out is primary first, so the stream copy can never be ahead.
	if p, s := st.primary.frames(), st.stream.frames(); s > p {
		t.Errorf("secondary saw %d frames, primary only %d", s, p)
	}
}

func TestDuckAppliesWithoutInterruptingPlayback(t *testing.T) {
	st := startStation(t)

	waitFor(t, 10*time.Second, func() bool {
		return st.primary.frames() >= 5
	})

	st.mix.SetDucked(true)
	if !st.mix.Ducked() {
		t.Fatal("duck flag not set")
	}
	before := st.primary.frames()
	waitFor(t, 5*time.Second, func() bool {
		return st.primary.frames() > before
	})
	st.mix.SetDucked(false)
}

func TestDrainStopsAfterCurrentSegments(t *testing.T) {
	st := startStation(t)

	waitFor(t, 10*time.Second, func() bool {
		return st.brain.Counters().SongsPlayed >= 1
	})

	st.engine.BeginDrain()
	if err := st.engine.Enqueue(playout.AudioEvent{Kind: playout.SegmentSong, Path: "/x.mp3", Duration: time.Minute}); err == nil {
		t.Error("enqueue must be refused while draining")
	}

	select {
	case err := <-st.done:
		st.done <- err // cleanup re-checks this channel
		if err != nil {
			t.Fatalf("drain ended with error: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("engine did not finish draining")
	}
}
