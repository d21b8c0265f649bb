/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/skald/internal/events"
	"github.com/friendsincode/skald/internal/mixer"
	"github.com/friendsincode/skald/internal/pcm"
)

// maxStartAttempts bounds how many unplayable queue items one loop
// iteration will burn through before yielding.
const maxStartAttempts = 4

// DecoderFactory opens a frame source for an event. Factories are expected
// to fail fast; a failed open turns the event into a zero frame segment.
type DecoderFactory func(ctx context.Context, ev AudioEvent) (mixer.FrameSource, error)

// SegmentListener observes segment boundaries. Callbacks run on the playout
// goroutine, so implementations must return quickly and touch only data
// they already have in memory; slow work belongs on their own goroutines.
type SegmentListener interface {
	OnSegmentStarted(ev AudioEvent)
	OnSegmentFinished(ev AudioEvent)
}

// Config sets the engine's fixed audio clock parameters.
type Config struct {
	FrameBytes      int
	CrossfadeFrames int
}

// Engine drives playback from a single goroutine inside Run. Enqueue,
// BeginDrain, and the query methods are safe from any goroutine and never
// block on audio work.
type Engine struct {
	cfg    Config
	mix    *mixer.Mixer
	decode DecoderFactory
	logger zerolog.Logger
	bus    *events.Bus

	listener SegmentListener

	state atomic.Int32

	mu       sync.Mutex
	queue    []AudioEvent
	current  *AudioEvent
	draining bool
	stopped  bool

	// Playout goroutine only.
	framesSeen int
	xfadeAt    int
}

func New(cfg Config, mix *mixer.Mixer, decode DecoderFactory, logger zerolog.Logger, bus *events.Bus) *Engine {
	if cfg.FrameBytes <= 0 {
		cfg.FrameBytes = pcm.DefaultFrameBytes
	}
	return &Engine{
		cfg:     cfg,
		mix:     mix,
		decode:  decode,
		logger:  logger,
		bus:     bus,
		xfadeAt: -1,
	}
}

// SetListener installs the segment observer. Must be called before Run.
func (e *Engine) SetListener(l SegmentListener) { e.listener = l }

// State returns the engine's current playback state.
func (e *Engine) State() PlaybackState {
	return PlaybackState(e.state.Load())
}

// Enqueue validates ev and appends it to the queue. It never blocks on
// playback and never disturbs the currently playing segment.
func (e *Engine) Enqueue(ev AudioEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	// A drain still owes the finished song its outro; other segments are
	// refused so the queue can empty.
	if e.draining && ev.Kind != SegmentOutro {
		return ErrDraining
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	e.queue = append(e.queue, ev)
	return nil
}

// Queue returns a copy of the pending events.
func (e *Engine) Queue() []AudioEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]AudioEvent, len(e.queue))
	copy(out, e.queue)
	return out
}

func (e *Engine) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Current returns the most recently started segment, if one is playing.
func (e *Engine) Current() (AudioEvent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return AudioEvent{}, false
	}
	return *e.current, true
}

// BeginDrain starts a graceful stop: new enqueues are rejected, the playing
// segment finishes, queued outros still play, and everything else queued is
// discarded. Run returns once the queue is empty.
func (e *Engine) BeginDrain() {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true
	kept := e.queue[:0]
	discarded := 0
	for _, ev := range e.queue {
		if ev.Kind == SegmentOutro {
			kept = append(kept, ev)
		} else {
			discarded++
		}
	}
	e.queue = kept
	e.mu.Unlock()

	e.logger.Info().Int("discarded", discarded).Msg("drain started, only queued outros will play")
	e.bus.Publish(events.EventStationStopping, events.Payload{"discarded": discarded})
}

// Draining reports whether a graceful stop is in progress.
func (e *Engine) Draining() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draining
}

// Run executes the playout loop until the context ends, a drain completes,
// or the primary sink fails. Pacing comes from the decoder's real-time
// output and the primary sink's consumption; idle ticks sleep one frame.
func (e *Engine) Run(ctx context.Context) error {
	defer e.markStopped()
	e.logger.Info().Msg("playout engine started")
	e.setState(StateIdle)
	frameDur := pcm.FrameDuration(e.cfg.FrameBytes)

	for {
		select {
		case <-ctx.Done():
			e.mix.Reset()
			e.logger.Info().Msg("playout engine stopped")
			return ctx.Err()
		default:
		}

		if !e.mix.Active() {
			if !e.startNext(ctx) {
				if e.Draining() && e.QueueLen() == 0 {
					e.setState(StateIdle)
					e.logger.Info().Msg("drain complete, playout engine exiting")
					return nil
				}
				e.setState(StateIdle)
				if _, err := e.mix.Tick(); err != nil {
					return e.fatal(err)
				}
				time.Sleep(frameDur)
				continue
			}
		}

		res, err := e.mix.Tick()
		if err != nil {
			return e.fatal(err)
		}
		if res.SourceErr != nil {
			e.logger.Warn().Err(res.SourceErr).Msg("segment source failed mid stream")
		}
		if res.Wrote && e.mix.Active() {
			e.framesSeen++
		}
		if res.Promoted {
			if cur, ok := e.Current(); ok {
				e.setState(stateForKind(cur.Kind))
			}
		}
		if res.SegmentEnded {
			e.finishCurrent()
			if !e.startNext(ctx) {
				e.setState(StateIdle)
			}
			continue
		}
		e.maybeCrossfade(ctx)
	}
}

// startNext dequeues and starts the next playable segment. Unplayable
// events still produce their started and finished pair so listeners can
// account for them, then the loop moves on.
func (e *Engine) startNext(ctx context.Context) bool {
	for attempts := 0; attempts < maxStartAttempts; attempts++ {
		ev, ok := e.pop()
		if !ok {
			return false
		}
		src, err := e.decode(ctx, ev)
		if err != nil {
			e.logger.Warn().Err(err).Str("path", ev.Path).Str("kind", string(ev.Kind)).Msg("segment unplayable, skipping")
			e.setCurrent(ev)
			e.setState(stateForKind(ev.Kind))
			e.fireStarted(ev)
			e.finishCurrent()
			continue
		}
		e.setCurrent(ev)
		e.framesSeen = 0
		e.xfadeAt = e.crossfadePoint(ev)
		e.mix.BeginSegment(src, mixer.SegmentOptions{Gain: ev.Gain, Speech: ev.Speech()})
		e.setState(stateForKind(ev.Kind))
		e.fireStarted(ev)
		return true
	}
	return false
}

// maybeCrossfade begins blending into the next song once the playing song
// is a window's length from its probed end. Only song to song boundaries
// fade; everything else cuts.
func (e *Engine) maybeCrossfade(ctx context.Context) {
	if e.xfadeAt < 0 || e.framesSeen < e.xfadeAt || e.mix.Crossfading() || e.Draining() {
		return
	}
	ev, ok := e.popIfSong()
	if !ok {
		return
	}
	src, err := e.decode(ctx, ev)
	if err != nil {
		e.logger.Warn().Err(err).Str("path", ev.Path).Msg("crossfade candidate failed to open, cutting at segment end instead")
		e.pushFront(ev)
		e.xfadeAt = -1
		return
	}
	if err := e.mix.BeginCrossfade(src, mixer.SegmentOptions{Gain: ev.Gain}); err != nil {
		_ = src.Close()
		e.pushFront(ev)
		e.xfadeAt = -1
		return
	}

	// From the listener's point of view the outgoing song is done the
	// moment the window opens; its tail plays under the incoming one.
	if prev, ok := e.takeCurrent(); ok {
		e.fireFinished(prev)
	}
	e.setCurrent(ev)
	e.framesSeen = 0
	e.xfadeAt = e.crossfadePoint(ev)
	e.setState(StateTransitioning)
	e.fireStarted(ev)
}

// crossfadePoint returns the frame index at which to open the window, or -1
// when the segment must end with a cut.
func (e *Engine) crossfadePoint(ev AudioEvent) int {
	if ev.Kind != SegmentSong || ev.Duration <= 0 || e.cfg.CrossfadeFrames <= 0 {
		return -1
	}
	total := pcm.FramesFor(ev.Duration, e.cfg.FrameBytes)
	at := total - e.cfg.CrossfadeFrames
	if at <= 0 {
		return -1
	}
	return at
}

func (e *Engine) finishCurrent() {
	cur, ok := e.takeCurrent()
	if !ok {
		return
	}
	e.framesSeen = 0
	e.xfadeAt = -1
	e.fireFinished(cur)
}

func (e *Engine) fatal(err error) error {
	e.mix.Reset()
	e.setState(StateError)
	e.logger.Error().Err(err).Msg("primary output failed, stopping playout")
	e.bus.Publish(events.EventEngineError, events.Payload{"error": err.Error()})
	return err
}

func (e *Engine) setState(s PlaybackState) {
	old := PlaybackState(e.state.Swap(int32(s)))
	if old == s {
		return
	}
	e.logger.Debug().Str("from", old.String()).Str("to", s.String()).Msg("playback state changed")
	e.bus.Publish(events.EventStateChanged, events.Payload{
		"from": old.String(),
		"to":   s.String(),
	})
}

func (e *Engine) fireStarted(ev AudioEvent) {
	if e.listener != nil {
		e.listener.OnSegmentStarted(ev)
	}
	e.bus.Publish(events.EventSegmentStarted, events.Payload{
		"id":     ev.ID,
		"kind":   string(ev.Kind),
		"path":   ev.Path,
		"title":  ev.Title,
		"artist": ev.Artist,
	})
}

func (e *Engine) fireFinished(ev AudioEvent) {
	if e.listener != nil {
		e.listener.OnSegmentFinished(ev)
	}
	e.bus.Publish(events.EventSegmentFinished, events.Payload{
		"id":     ev.ID,
		"kind":   string(ev.Kind),
		"path":   ev.Path,
		"title":  ev.Title,
		"artist": ev.Artist,
	})
}

func (e *Engine) markStopped() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
}

func (e *Engine) pop() (AudioEvent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return AudioEvent{}, false
	}
	ev := e.queue[0]
	e.queue = e.queue[1:]
	return ev, true
}

// popIfSong atomically dequeues the head only when it is a song, so a
// concurrent drain cannot slip a non song into the crossfade path.
func (e *Engine) popIfSong() (AudioEvent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 || e.queue[0].Kind != SegmentSong {
		return AudioEvent{}, false
	}
	ev := e.queue[0]
	e.queue = e.queue[1:]
	return ev, true
}

func (e *Engine) pushFront(ev AudioEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = append([]AudioEvent{ev}, e.queue...)
}

func (e *Engine) setCurrent(ev AudioEvent) {
	e.mu.Lock()
	e.current = &ev
	e.mu.Unlock()
}

func (e *Engine) takeCurrent() (AudioEvent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return AudioEvent{}, false
	}
	cur := *e.current
	e.current = nil
	return cur, true
}
