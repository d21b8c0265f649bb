/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package archive records the mixed program output as rotating WAV
// chunks and ships finished chunks to an object store.
package archive

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/friendsincode/skald/internal/pcm"
)

// wavHeaderSize is the canonical PCM WAV header length.
const wavHeaderSize = 44

// writeWAVHeader emits a header for s16le interleaved audio at the
// fixed pipeline rate. dataLen may be zero for a chunk still open.
func writeWAVHeader(w io.Writer, dataLen uint32) error {
	var h [wavHeaderSize]byte
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], 36+dataLen)
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(h[22:24], pcm.Channels)
	binary.LittleEndian.PutUint32(h[24:28], pcm.SampleRate)
	binary.LittleEndian.PutUint32(h[28:32], pcm.SampleRate*pcm.BytesPerTick)
	binary.LittleEndian.PutUint16(h[32:34], pcm.BytesPerTick)
	binary.LittleEndian.PutUint16(h[34:36], 8*pcm.BytesPerSample)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], dataLen)
	_, err := w.Write(h[:])
	return err
}

// chunkFile is one open WAV chunk in the spool directory.
type chunkFile struct {
	f       *os.File
	path    string
	started time.Time
	dataLen int64
	frames  int
}

// createChunk opens a new chunk. seq disambiguates chunks rotated
// within the same second.
func createChunk(dir string, started time.Time, seq int) (*chunkFile, error) {
	name := fmt.Sprintf("%s_%04d.wav", started.UTC().Format("20060102T150405Z"), seq)
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create chunk: %w", err)
	}
	if err := writeWAVHeader(f, 0); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write chunk header: %w", err)
	}
	return &chunkFile{f: f, path: path, started: started}, nil
}

func (c *chunkFile) writeFrame(frame []byte) error {
	n, err := c.f.Write(frame)
	c.dataLen += int64(n)
	if err != nil {
		return err
	}
	c.frames++
	return nil
}

// duration is the audio length recorded so far.
func (c *chunkFile) duration() time.Duration {
	ticks := c.dataLen / int64(pcm.BytesPerTick)
	return time.Duration(ticks) * time.Second / pcm.SampleRate
}

// close patches the RIFF and data sizes and closes the file.
func (c *chunkFile) close() error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(36+c.dataLen))
	if _, err := c.f.WriteAt(buf[:], 4); err != nil {
		c.f.Close()
		return err
	}
	binary.LittleEndian.PutUint32(buf[:], uint32(c.dataLen))
	if _, err := c.f.WriteAt(buf[:], 40); err != nil {
		c.f.Close()
		return err
	}
	return c.f.Close()
}

// discard closes and removes a chunk that should not be kept.
func (c *chunkFile) discard() {
	c.f.Close()
	os.Remove(c.path)
}
