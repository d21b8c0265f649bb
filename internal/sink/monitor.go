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
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/friendsincode/skald/internal/events"
	"github.com/friendsincode/skald/internal/pcm"
)

// MonitorConfig describes the low-latency monitor encoder.
type MonitorConfig struct {
	GStreamerBin string // gst-launch-1.0 binary
	RTPHost      string // where the Opus RTP goes, normally 127.0.0.1
	RTPPort      int    // must match the WebRTC broadcaster's listener
	FrameBytes   int
	// Buffer is how much audio the ring holds while the encoder is down.
	Buffer time.Duration
}

// Monitor encodes frames to Opus RTP through a GStreamer child and sends them
// to the local WebRTC broadcaster. Like the stream relay it never blocks the
// mix loop: frames queue in a bounded ring, the oldest audio is dropped under
// pressure, and a drain worker restarts the encoder with backoff when it dies.
type Monitor struct {
	cfg      MonitorConfig
	frameDur time.Duration
	silence  []byte
	ring     *frameRing
	logger   zerolog.Logger
	bus      *events.Bus
	launch   launcher

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// pending is a popped frame whose write failed, retried after restart.
	// Touched only by the drain worker.
	pending []byte

	mu       sync.Mutex
	healthy  bool
	stdin    io.WriteCloser
	stopProc func() error
}

func NewMonitor(cfg MonitorConfig, logger zerolog.Logger, bus *events.Bus) *Monitor {
	if cfg.GStreamerBin == "" {
		cfg.GStreamerBin = "gst-launch-1.0"
	}
	if cfg.RTPHost == "" {
		cfg.RTPHost = "127.0.0.1"
	}
	if cfg.RTPPort == 0 {
		cfg.RTPPort = 5004
	}
	if cfg.FrameBytes <= 0 {
		cfg.FrameBytes = pcm.DefaultFrameBytes
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 500 * time.Millisecond
	}
	s := &Monitor{
		cfg:      cfg,
		frameDur: pcm.FrameDuration(cfg.FrameBytes),
		silence:  pcm.Silence(cfg.FrameBytes),
		ring:     newFrameRing(pcm.FramesFor(cfg.Buffer, cfg.FrameBytes)),
		logger:   logger,
		bus:      bus,
		done:     make(chan struct{}),
	}
	s.launch = s.launchGStreamer
	return s
}

func (s *Monitor) Name() string { return "monitor" }

// Start brings up the drain worker. An encoder that fails to launch at start
// is not an error; the worker keeps retrying in the background.
func (s *Monitor) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	if err := s.connect(); err != nil {
		s.logger.Warn().Err(err).Msg("monitor encoder unavailable at start, will retry")
	}
	go s.run()
	return nil
}

// WriteFrame queues a frame for the encoder. Always returns nil.
func (s *Monitor) WriteFrame(frame []byte) error {
	if s.ring.push(frame) {
		if d := s.ring.dropped(); d == 1 || d%256 == 0 {
			s.logger.Debug().Uint64("dropped_total", d).Msg("monitor ring full, evicting oldest frame")
			s.bus.Publish(events.EventSinkDropped, events.Payload{
				"sink":          s.Name(),
				"dropped_total": d,
			})
		}
	}
	return nil
}

func (s *Monitor) Stop() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.disconnect()
	return nil
}

func (s *Monitor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

func (s *Monitor) run() {
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
			if !s.restart() {
				return
			}
			continue
		}

		if err := s.drainTick(); err != nil {
			s.logger.Warn().Err(err).Msg("monitor write failed, restarting encoder")
			s.disconnect()
			s.bus.Publish(events.EventSinkDegraded, events.Payload{
				"sink":  s.Name(),
				"error": err.Error(),
			})
		}
	}
}

// drainTick flushes every queued frame to the encoder, or one silence frame
// when there is nothing queued so the RTP stream keeps real-time cadence.
func (s *Monitor) drainTick() error {
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

// restart blocks until the encoder is back or the sink is stopped. Reports
// false only when the context ended.
func (s *Monitor) restart() bool {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = 0

	if err := backoff.Retry(s.connect, backoff.WithContext(b, s.ctx)); err != nil {
		return false
	}
	s.logger.Info().Uint64("dropped_total", s.ring.dropped()).Msg("monitor encoder restarted")
	s.bus.Publish(events.EventSinkRecovered, events.Payload{"sink": s.Name()})
	return true
}

func (s *Monitor) connect() error {
	stdin, stop, err := s.launch(s.ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.stdin, s.stopProc, s.healthy = stdin, stop, true
	s.mu.Unlock()
	return nil
}

func (s *Monitor) disconnect() {
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

func (s *Monitor) launchGStreamer(ctx context.Context) (io.WriteCloser, func() error, error) {
	caps := fmt.Sprintf("audio/x-raw,format=S16LE,rate=%d,channels=%d,layout=interleaved",
		pcm.SampleRate, pcm.Channels)
	cmd := exec.CommandContext(ctx, s.cfg.GStreamerBin,
		"-q",
		"fdsrc", "fd=0",
		"!", "rawaudioparse", "use-sink-caps=false",
		"format=pcm", "pcm-format=s16le",
		"sample-rate="+strconv.Itoa(pcm.SampleRate),
		"num-channels="+strconv.Itoa(pcm.Channels),
		"!", "audioconvert",
		"!", caps,
		"!", "opusenc", "bitrate=96000", "frame-size=20",
		"!", "rtpopuspay", "pt=111",
		"!", "udpsink",
		"host="+s.cfg.RTPHost,
		"port="+strconv.Itoa(s.cfg.RTPPort),
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("gstreamer stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start gstreamer: %w", err)
	}
	s.logger.Debug().Int("pid", cmd.Process.Pid).Int("port", s.cfg.RTPPort).Msg("monitor encoder started")
	stop := func() error {
		_ = stdin.Close()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return cmd.Wait()
	}
	return stdin, stop, nil
}
