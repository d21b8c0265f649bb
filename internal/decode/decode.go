/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package decode turns media files into the station's canonical PCM stream
// by driving a GStreamer pipeline as a child process.
package decode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/skald/internal/pcm"
)

// ErrDecode marks failures to produce PCM from a media file, either because
// the decoder process could not start or because the stream broke mid file.
var ErrDecode = errors.New("decode failure")

// Options configures how decoder processes are launched.
type Options struct {
	GStreamerBin string
	Logger       zerolog.Logger
}

// Decoder streams S16LE PCM frames from a single media file. It is not safe
// for concurrent use; the playout loop is its only caller.
type Decoder struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	cancel context.CancelFunc
	r      io.Reader
	done   bool
}

// Open launches a decoder for path. The child decodes in real time and
// writes raw PCM to its stdout.
func Open(ctx context.Context, path string, opts Options) (*Decoder, error) {
	bin := opts.GStreamerBin
	if bin == "" {
		bin = "gst-launch-1.0"
	}

	// Real-time decode to S16LE PCM on stdout.
	pipeline := fmt.Sprintf(
		`filesrc location=%q ! decodebin ! audioconvert ! audioresample ! audio/x-raw,format=S16LE,rate=%d,channels=%d ! identity sync=true ! fdsink fd=1`,
		path, pcm.SampleRate, pcm.Channels,
	)

	cmdCtx, cancel := context.WithCancel(ctx)
	shellCmd := fmt.Sprintf("%s -e %s", bin, pipeline)
	cmd := exec.CommandContext(cmdCtx, "sh", "-c", shellCmd)
	cmd.Stderr = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrDecode, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start %s: %v", ErrDecode, path, err)
	}

	opts.Logger.Debug().Int("pid", cmd.Process.Pid).Str("pipeline", pipeline).Msg("decoder started")

	return &Decoder{cmd: cmd, stdout: stdout, cancel: cancel, r: stdout}, nil
}

// NewFromReader wraps an existing PCM byte stream. Used by tests and by
// pre-rendered sources that bypass the subprocess pipeline.
func NewFromReader(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next fills buf with the next PCM frame. A short final read is zero padded
// so callers always see whole frames. Returns io.EOF once the stream is
// exhausted.
func (d *Decoder) Next(buf []byte) error {
	if d.done {
		return io.EOF
	}
	n, err := io.ReadFull(d.r, buf)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		// Partial last frame: pad with silence and deliver it.
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		d.done = true
		return nil
	case errors.Is(err, io.EOF):
		d.done = true
		return io.EOF
	default:
		d.done = true
		return fmt.Errorf("%w: read pcm: %v", ErrDecode, err)
	}
}

// Close stops the decoder process and releases its pipes. Safe to call more
// than once and on decoders that already hit EOF.
func (d *Decoder) Close() error {
	if d == nil {
		return nil
	}
	d.done = true
	if d.cancel != nil {
		d.cancel()
	}
	if d.stdout != nil {
		_ = d.stdout.Close()
	}
	if d.cmd != nil && d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
		_ = d.cmd.Wait()
	}
	return nil
}

var durationRe = regexp.MustCompile(`Duration: (\d+):(\d{2}):(\d{2})\.(\d+)`)

// ProbeDuration asks gst-discoverer for the playable length of path. Callers
// treat an error as "duration unknown" and degrade to cut transitions.
func ProbeDuration(ctx context.Context, bin, path string) (time.Duration, error) {
	if bin == "" {
		bin = "gst-discoverer-1.0"
	}
	out, err := exec.CommandContext(ctx, bin, path).CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", path, err)
	}
	d, ok := parseDiscovererDuration(string(out))
	if !ok {
		return 0, fmt.Errorf("probe %s: no duration in discoverer output", path)
	}
	return d, nil
}

func parseDiscovererDuration(out string) (time.Duration, bool) {
	m := durationRe.FindStringSubmatch(out)
	if m == nil {
		return 0, false
	}
	h, _ := strconv.Atoi(m[1])
	min, _ := strconv.Atoi(m[2])
	sec, _ := strconv.Atoi(m[3])

	frac := m[4]
	if len(frac) > 9 {
		frac = frac[:9]
	}
	for len(frac) < 9 {
		frac += "0"
	}
	ns, _ := strconv.Atoi(frac)

	d := time.Duration(h)*time.Hour +
		time.Duration(min)*time.Minute +
		time.Duration(sec)*time.Second +
		time.Duration(ns)*time.Nanosecond
	return d, true
}
