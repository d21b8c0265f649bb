/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playout runs the station's audio loop: a queue of segments, a
// state machine, and the frame clock that drives the mixer.
package playout

import (
	"errors"
	"fmt"
	"time"
)

// SegmentKind labels what a queued item is, which decides its playback
// state, its ducking exemption, and whether it may crossfade.
type SegmentKind string

const (
	SegmentSong  SegmentKind = "song"
	SegmentIntro SegmentKind = "intro"
	SegmentOutro SegmentKind = "outro"
	SegmentTalk  SegmentKind = "talk"
)

var (
	// ErrInvalidEvent rejects malformed enqueue requests without touching
	// playback.
	ErrInvalidEvent = errors.New("invalid audio event")
	// ErrDraining rejects enqueues once a graceful stop has begun.
	ErrDraining = errors.New("engine draining")
	// ErrStopped rejects enqueues after the engine loop has exited.
	ErrStopped = errors.New("engine stopped")
)

// AudioEvent is one queued playout item.
type AudioEvent struct {
	ID     string
	Kind   SegmentKind
	Path   string
	Title  string
	Artist string
	// Gain scales the segment's samples, within [0, 1]. Zero means
	// unity, so a fully muted segment is not expressible.
	Gain float64
	// Duration is the probed media length, zero when unknown. Songs with a
	// known duration are eligible for crossfading into the next song.
	Duration time.Duration
}

// Validate reports whether the event can be queued at all.
func (ev AudioEvent) Validate() error {
	switch ev.Kind {
	case SegmentSong, SegmentIntro, SegmentOutro, SegmentTalk:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, ev.Kind)
	}
	if ev.Path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidEvent)
	}
	if ev.Gain < 0 || ev.Gain > 1 {
		return fmt.Errorf("%w: gain %v out of range", ErrInvalidEvent, ev.Gain)
	}
	if ev.Duration < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidEvent)
	}
	return nil
}

// Speech reports whether the event carries spoken audio, which plays at
// full level while the mix is ducked.
func (ev AudioEvent) Speech() bool {
	return ev.Kind != SegmentSong
}
