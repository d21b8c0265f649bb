/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package sink carries mixed PCM frames out of the process: to the sound
// card, to stream relays, and to recorders.
package sink

import (
	"context"
	"io"
	"sync"
)

// Sink consumes the mixer's output frames. WriteFrame is called from the
// playout loop once per tick, so implementations for non critical outputs
// must buffer internally and never block.
type Sink interface {
	Name() string
	Start(ctx context.Context) error
	WriteFrame(frame []byte) error
	Stop() error
	Healthy() bool
}

// launcher starts an output child process, returning its stdin and a stop
// function that reaps it. Tests substitute in-memory writers here.
type launcher func(ctx context.Context) (io.WriteCloser, func() error, error)

// frameRing is a bounded FIFO of PCM frames. When full, pushing evicts the
// oldest frame so the newest audio survives an outage.
type frameRing struct {
	mu     sync.Mutex
	frames [][]byte
	head   int
	count  int
	drops  uint64
}

func newFrameRing(capacity int) *frameRing {
	if capacity < 1 {
		capacity = 1
	}
	return &frameRing{frames: make([][]byte, capacity)}
}

// push copies frame into the ring. Reports whether an old frame was evicted
// to make room.
func (r *frameRing) push(frame []byte) bool {
	cp := make([]byte, len(frame))
	copy(cp, frame)

	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := false
	if r.count == len(r.frames) {
		r.frames[r.head] = nil
		r.head = (r.head + 1) % len(r.frames)
		r.count--
		r.drops++
		dropped = true
	}
	tail := (r.head + r.count) % len(r.frames)
	r.frames[tail] = cp
	r.count++
	return dropped
}

// pop removes and returns the oldest frame.
func (r *frameRing) pop() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return nil, false
	}
	f := r.frames[r.head]
	r.frames[r.head] = nil
	r.head = (r.head + 1) % len(r.frames)
	r.count--
	return f, true
}

func (r *frameRing) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// dropped returns the total number of frames evicted since creation.
func (r *frameRing) dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drops
}
