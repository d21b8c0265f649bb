/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package pcm defines the canonical frame format shared by every stage of
// the playout pipeline: signed 16-bit little-endian samples, two channels,
// 48 kHz. All decoders produce this format and all sinks consume it.
package pcm

import (
	"fmt"
	"time"
)

const (
	SampleRate     = 48000
	Channels       = 2
	BytesPerSample = 2

	// BytesPerTick is the size of one interleaved sample pair.
	BytesPerTick = Channels * BytesPerSample

	// Frame size bounds. A frame is the unit of all pipeline processing;
	// its size is picked once per run and never changes afterwards.
	MinFrameBytes     = 4096
	MaxFrameBytes     = 8192
	DefaultFrameBytes = 4096
)

// ValidateFrameBytes reports whether n is usable as the per-run frame size.
func ValidateFrameBytes(n int) error {
	if n < MinFrameBytes || n > MaxFrameBytes {
		return fmt.Errorf("frame size %d out of range [%d, %d]", n, MinFrameBytes, MaxFrameBytes)
	}
	if n%BytesPerTick != 0 {
		return fmt.Errorf("frame size %d not a multiple of %d", n, BytesPerTick)
	}
	return nil
}

// FrameDuration returns the wall-clock span one frame covers.
func FrameDuration(frameBytes int) time.Duration {
	samples := frameBytes / BytesPerTick
	return time.Duration(samples) * time.Second / SampleRate
}

// FramesFor returns how many whole frames cover d, rounding down.
func FramesFor(d time.Duration, frameBytes int) int {
	fd := FrameDuration(frameBytes)
	if fd <= 0 || d <= 0 {
		return 0
	}
	return int(d / fd)
}

// Silence returns a zeroed frame of the given size.
func Silence(frameBytes int) []byte {
	return make([]byte, frameBytes)
}

// ApplyGain scales samples in place. Gain 1.0 is a no-op; values are
// clamped to the int16 range after scaling.
func ApplyGain(frame []byte, gain float64) {
	if gain == 1.0 {
		return
	}
	for i := 0; i+1 < len(frame); i += 2 {
		s := int16(uint16(frame[i]) | uint16(frame[i+1])<<8)
		m := int32(float64(s) * gain)
		if m > 32767 {
			m = 32767
		} else if m < -32768 {
			m = -32768
		}
		u := uint16(int16(m))
		frame[i] = byte(u & 0xff)
		frame[i+1] = byte((u >> 8) & 0xff)
	}
}

// Mix blends two equal-length S16LE buffers into out at the given volumes.
// Clamps to [-32768, 32767].
func Mix(a, b, out []byte, av, bv float64) {
	for i := 0; i+1 < len(out); i += 2 {
		as := int16(uint16(a[i]) | uint16(a[i+1])<<8)
		bs := int16(uint16(b[i]) | uint16(b[i+1])<<8)
		m := int32(float64(as)*av + float64(bs)*bv)
		if m > 32767 {
			m = 32767
		} else if m < -32768 {
			m = -32768
		}
		u := uint16(int16(m))
		out[i] = byte(u & 0xff)
		out[i+1] = byte((u >> 8) & 0xff)
	}
}

// Sample reads the little-endian sample starting at frame[i].
func Sample(frame []byte, i int) int16 {
	return int16(uint16(frame[i]) | uint16(frame[i+1])<<8)
}

// PutSample writes s into frame at byte offset i.
func PutSample(frame []byte, i int, s int16) {
	u := uint16(s)
	frame[i] = byte(u & 0xff)
	frame[i+1] = byte((u >> 8) & 0xff)
}
