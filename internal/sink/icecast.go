/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/friendsincode/skald/internal/events"
	"github.com/friendsincode/skald/internal/pcm"
)

// IcecastConfig describes the stream relay target.
type IcecastConfig struct {
	URL            string // base server URL, e.g. http://icecast:8000
	Mount          string
	SourcePassword string
	FFmpegBin      string
	BitrateKbps    int
	FrameBytes     int
	// Buffer is how much audio the ring holds while the relay is down.
	Buffer time.Duration
}

// Icecast relays frames to an Icecast mount through an ffmpeg encoder child.
// WriteFrame never blocks and never fails: frames queue in a bounded ring
// and the oldest audio is evicted when the relay cannot keep up. A separate
// drain goroutine feeds the encoder and reconnects with backoff.
type Icecast struct {
	cfg      IcecastConfig
	frameDur time.Duration
	silence  []byte
	ring     *frameRing
	logger   zerolog.Logger
	bus      *events.Bus
	launch   launcher

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// pending holds a frame popped from the ring whose write failed, so it
	// is retried first after reconnecting. Touched only by the drain worker.
	pending []byte

	mu       sync.Mutex
	healthy  bool
	stdin    io.WriteCloser
	stopProc func() error
}

func NewIcecast(cfg IcecastConfig, logger zerolog.Logger, bus *events.Bus) *Icecast {
	if cfg.FFmpegBin == "" {
		cfg.FFmpegBin = "ffmpeg"
	}
	if cfg.BitrateKbps <= 0 {
		cfg.BitrateKbps = 128
	}
	if cfg.FrameBytes <= 0 {
		cfg.FrameBytes = pcm.DefaultFrameBytes
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1500 * time.Millisecond
	}
	s := &Icecast{
		cfg:      cfg,
		frameDur: pcm.FrameDuration(cfg.FrameBytes),
		silence:  pcm.Silence(cfg.FrameBytes),
		ring:     newFrameRing(pcm.FramesFor(cfg.Buffer, cfg.FrameBytes)),
		logger:   logger,
		bus:      bus,
		done:     make(chan struct{}),
	}
	s.launch = s.launchFFmpeg
	return s
}

func (s *Icecast) Name() string { return "icecast" }

// Start brings up the drain worker. A relay that is down at start is not an
// error; the worker keeps retrying in the background.
func (s *Icecast) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	if err := s.connect(); err != nil {
		s.logger.Warn().Err(err).Msg("stream relay unavailable at start, will retry")
	}
	go s.run()
	return nil
}

// WriteFrame queues a frame for the relay. Always returns nil.
func (s *Icecast) WriteFrame(frame []byte) error {
	if s.ring.push(frame) {
		if d := s.ring.dropped(); d == 1 || d%256 == 0 {
			s.logger.Debug().Uint64("dropped_total", d).Msg("stream ring full, evicting oldest frame")
			s.bus.Publish(events.EventSinkDropped, events.Payload{
				"sink":          s.Name(),
				"dropped_total": d,
			})
		}
	}
	return nil
}

func (s *Icecast) Stop() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.disconnect()
	return nil
}

func (s *Icecast) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

func (s *Icecast) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.frameDur)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		if !s.Healthy() {
			if !s.reconnect() {
				return
			}
			continue
		}

		if err := s.drainTick(); err != nil {
			s.logger.Warn().Err(err).Msg("stream write failed, disconnecting")
			s.disconnect()
			s.bus.Publish(events.EventSinkDegraded, events.Payload{
				"sink":  s.Name(),
				"error": err.Error(),
			})
		}
	}
}

// drainTick flushes every queued frame to the encoder, or one silence frame
// when there is nothing queued so the encoder keeps real-time cadence.
func (s *Icecast) drainTick() error {
	s.mu.Lock()
	w := s.stdin
	s.mu.Unlock()
	if w == nil {
		return errors.New("encoder not running")
	}

	wrote := false
	if s.pending != nil {
		if _, err := w.Write(s.pending); err != nil {
			return err
		}
		s.pending = nil
		wrote = true
	}

	n := s.ring.len()
	for i := 0; i < n; i++ {
		f, ok := s.ring.pop()
		if !ok {
			break
		}
		if _, err := w.Write(f); err != nil {
			s.pending = f
			return err
		}
		wrote = true
	}

	if !wrote {
		_, err := w.Write(s.silence)
		return err
	}
	return nil
}

// reconnect blocks until the relay is back or the sink is stopped. Reports
// false only when the context ended.
func (s *Icecast) reconnect() bool {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	if err := backoff.Retry(s.connect, backoff.WithContext(b, s.ctx)); err != nil {
		return false
	}
	s.logger.Info().Uint64("dropped_total", s.ring.dropped()).Msg("stream relay reconnected")
	s.bus.Publish(events.EventSinkRecovered, events.Payload{"sink": s.Name()})
	return true
}

func (s *Icecast) connect() error {
	stdin, stop, err := s.launch(s.ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.stdin, s.stopProc, s.healthy = stdin, stop, true
	s.mu.Unlock()
	return nil
}

func (s *Icecast) disconnect() {
	s.mu.Lock()
	stdin, stop := s.stdin, s.stopProc
	s.stdin, s.stopProc, s.healthy = nil, nil, false
	s.mu.Unlock()
	if stdin != nil {
		_ = stdin.Close()
	}
	if stop != nil {
		_ = stop()
	}
}

func (s *Icecast) sourceURL() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse icecast url: %w", err)
	}
	host := u.Host
	if host == "" {
		host = s.cfg.URL
	}
	return fmt.Sprintf("icecast://source:%s@%s%s", s.cfg.SourcePassword, host, s.cfg.Mount), nil
}

func (s *Icecast) launchFFmpeg(ctx context.Context) (io.WriteCloser, func() error, error) {
	target, err := s.sourceURL()
	if err != nil {
		return nil, nil, err
	}
	cmd := exec.CommandContext(ctx, s.cfg.FFmpegBin,
		"-hide_banner",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(pcm.SampleRate),
		"-ac", strconv.Itoa(pcm.Channels),
		"-i", "-",
		"-c:a", "libmp3lame",
		"-b:a", fmt.Sprintf("%dk", s.cfg.BitrateKbps),
		"-content_type", "audio/mpeg",
		"-f", "mp3",
		target,
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("ffmpeg stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	s.logger.Debug().Int("pid", cmd.Process.Pid).Str("mount", s.cfg.Mount).Msg("ffmpeg encoder started")
	stop := func() error {
		_ = stdin.Close()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return cmd.Wait()
	}
	return stdin, stop, nil
}
