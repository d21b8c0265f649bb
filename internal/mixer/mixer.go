/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package mixer blends decoded PCM into a single output stream and fans it
// out to the registered sinks. It owns per segment gain, the crossfade
// window, and operator ducking.
package mixer

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/friendsincode/skald/internal/pcm"
	"github.com/friendsincode/skald/internal/sink"
)

// FrameSource produces PCM frames one at a time. Next returns io.EOF when
// the stream is exhausted; any other error ends the stream too.
type FrameSource interface {
	Next(buf []byte) error
	Close() error
}

// Role says how a sink participates in fanout.
type Role int

const (
	// RolePrimary is the one sink whose failure stops the station.
	RolePrimary Role = iota
	// RoleSecondary sinks must absorb their own failures.
	RoleSecondary
)

// SegmentOptions sets per segment mix parameters.
type SegmentOptions struct {
	Gain   float64 // 0 means unity
	Speech bool    // speech is exempt from ducking
}

// TickResult reports what one mixer tick did. SegmentEnded always refers to
// the most recently started segment; a tick that only detects the end
// fans nothing out (Wrote is false).
type TickResult struct {
	Wrote        bool
	SegmentEnded bool
	Promoted     bool  // a crossfade completed and the incoming segment took over
	SourceErr    error // non-EOF source failure; the segment is already over
}

type channel struct {
	src    FrameSource
	gain   float64
	speech bool
}

// Config sets the fixed mix parameters for a run.
type Config struct {
	FrameBytes      int
	CrossfadeFrames int
	DuckLevel       float64
}

// Mixer is confined to the playout goroutine, except SetDucked and Ducked
// which may be called from anywhere.
type Mixer struct {
	frameBytes  int
	xfadeFrames int
	duckLevel   float64
	logger      zerolog.Logger

	primary     sink.Sink
	secondaries []sink.Sink

	cur      *channel
	next     *channel
	xfadePos int

	ducked atomic.Bool

	bufA    []byte
	bufB    []byte
	out     []byte
	silence []byte
}

func New(cfg Config, logger zerolog.Logger) *Mixer {
	if cfg.FrameBytes <= 0 {
		cfg.FrameBytes = pcm.DefaultFrameBytes
	}
	if cfg.CrossfadeFrames <= 0 {
		cfg.CrossfadeFrames = 48
	}
	if cfg.DuckLevel <= 0 || cfg.DuckLevel > 1 {
		cfg.DuckLevel = 0.25
	}
	return &Mixer{
		frameBytes:  cfg.FrameBytes,
		xfadeFrames: cfg.CrossfadeFrames,
		duckLevel:   cfg.DuckLevel,
		logger:      logger,
		bufA:        make([]byte, cfg.FrameBytes),
		bufB:        make([]byte, cfg.FrameBytes),
		out:         make([]byte, cfg.FrameBytes),
		silence:     make([]byte, cfg.FrameBytes),
	}
}

// Register adds a sink to the fanout. Exactly one primary must be
// registered before ticking starts.
func (m *Mixer) Register(s sink.Sink, role Role) error {
	if s == nil {
		return errors.New("nil sink")
	}
	switch role {
	case RolePrimary:
		if m.primary != nil {
			return errors.New("primary sink already registered")
		}
		m.primary = s
	case RoleSecondary:
		m.secondaries = append(m.secondaries, s)
	default:
		return fmt.Errorf("unknown sink role %d", role)
	}
	return nil
}

// BeginSegment replaces whatever is playing with src, cutting without a
// fade. Any in-flight crossfade is abandoned.
func (m *Mixer) BeginSegment(src FrameSource, opts SegmentOptions) {
	if m.next != nil {
		_ = m.next.src.Close()
		m.next = nil
	}
	if m.cur != nil {
		_ = m.cur.src.Close()
	}
	m.xfadePos = 0
	m.cur = newChannel(src, opts)
}

// BeginCrossfade starts blending src in over the configured window. The
// current segment keeps playing underneath until the window completes.
func (m *Mixer) BeginCrossfade(src FrameSource, opts SegmentOptions) error {
	if m.cur == nil {
		return errors.New("no active segment to fade from")
	}
	if m.next != nil {
		return errors.New("crossfade already in progress")
	}
	m.next = newChannel(src, opts)
	m.xfadePos = 0
	return nil
}

func newChannel(src FrameSource, opts SegmentOptions) *channel {
	gain := opts.Gain
	if gain <= 0 {
		gain = 1.0
	}
	return &channel{src: src, gain: gain, speech: opts.Speech}
}

// Active reports whether a segment is currently feeding the mix.
func (m *Mixer) Active() bool { return m.cur != nil }

// Crossfading reports whether a blend window is in progress.
func (m *Mixer) Crossfading() bool { return m.next != nil }

// SetDucked attenuates non speech audio while true. Setting the same state
// again is a no-op.
func (m *Mixer) SetDucked(v bool) { m.ducked.Store(v) }

func (m *Mixer) Ducked() bool { return m.ducked.Load() }

// Reset drops all sources without fanning anything out.
func (m *Mixer) Reset() {
	if m.cur != nil {
		_ = m.cur.src.Close()
		m.cur = nil
	}
	if m.next != nil {
		_ = m.next.src.Close()
		m.next = nil
	}
	m.xfadePos = 0
}

// Tick produces at most one output frame and fans it out. With no active
// segment it emits silence so every sink keeps real-time cadence; the one
// tick that detects a segment's end writes nothing, leaving the slot for
// the next segment's first frame. The returned error is always a primary
// sink failure and is fatal.
func (m *Mixer) Tick() (TickResult, error) {
	var res TickResult

	if m.cur == nil {
		copy(m.out, m.silence)
		res.Wrote = true
		return res, m.fanout(m.out)
	}

	if m.next != nil {
		return m.tickCrossfade()
	}

	if err := m.cur.src.Next(m.bufA); err != nil {
		if !errors.Is(err, io.EOF) {
			res.SourceErr = err
		}
		_ = m.cur.src.Close()
		m.cur = nil
		res.SegmentEnded = true
		// Nothing airs on the boundary tick. The caller starts the next
		// segment and its first frame takes this slot, so back-to-back
		// segments cut without a gap frame between them.
		return res, nil
	}

	m.applyLevels(m.bufA, m.cur)
	copy(m.out, m.bufA)
	res.Wrote = true
	return res, m.fanout(m.out)
}

func (m *Mixer) tickCrossfade() (TickResult, error) {
	var res TickResult

	if err := m.cur.src.Next(m.bufA); err != nil {
		// Outgoing segment ran dry inside the window: hand over at once.
		_ = m.cur.src.Close()
		m.cur, m.next, m.xfadePos = m.next, nil, 0
		res.Promoted = true

		if err := m.cur.src.Next(m.bufA); err != nil {
			if !errors.Is(err, io.EOF) {
				res.SourceErr = err
			}
			_ = m.cur.src.Close()
			m.cur = nil
			res.SegmentEnded = true
			return res, nil
		}
		m.applyLevels(m.bufA, m.cur)
		copy(m.out, m.bufA)
		res.Wrote = true
		return res, m.fanout(m.out)
	}
	m.applyLevels(m.bufA, m.cur)

	if err := m.next.src.Next(m.bufB); err != nil {
		// Incoming segment died before the window completed. It owns the
		// most recent start, so hand over and end it in the same tick.
		if !errors.Is(err, io.EOF) {
			res.SourceErr = err
		}
		_ = m.next.src.Close()
		_ = m.cur.src.Close()
		m.cur, m.next, m.xfadePos = nil, nil, 0
		res.Promoted = true
		res.SegmentEnded = true
		copy(m.out, m.bufA)
		res.Wrote = true
		return res, m.fanout(m.out)
	}
	m.applyLevels(m.bufB, m.next)

	m.xfadePos++
	p := float64(m.xfadePos) / float64(m.xfadeFrames)
	if p > 1 {
		p = 1
	}
	pcm.Mix(m.bufA, m.bufB, m.out, 1-p, p)
	res.Wrote = true

	if m.xfadePos >= m.xfadeFrames {
		_ = m.cur.src.Close()
		m.cur, m.next, m.xfadePos = m.next, nil, 0
		res.Promoted = true
	}
	return res, m.fanout(m.out)
}

func (m *Mixer) applyLevels(frame []byte, ch *channel) {
	gain := ch.gain
	if m.ducked.Load() && !ch.speech {
		gain *= m.duckLevel
	}
	if gain != 1.0 {
		pcm.ApplyGain(frame, gain)
	}
}

// fanout writes the frame to the primary first; its error aborts the tick
// before any secondary sees the frame. Secondaries are contract bound to
// absorb failures, so a non nil return from one is only logged.
func (m *Mixer) fanout(frame []byte) error {
	if m.primary == nil {
		return errors.New("no primary sink registered")
	}
	if err := m.primary.WriteFrame(frame); err != nil {
		return fmt.Errorf("primary sink %s: %w", m.primary.Name(), err)
	}
	for _, s := range m.secondaries {
		if err := s.WriteFrame(frame); err != nil {
			m.logger.Warn().Err(err).Str("sink", s.Name()).Msg("secondary sink rejected frame")
		}
	}
	return nil
}
