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

	"github.com/rs/zerolog"

	"github.com/friendsincode/skald/internal/pcm"
)

// ErrPrimaryDown marks an unrecoverable failure of the primary output. The
// playout loop treats it as fatal for the whole station.
var ErrPrimaryDown = errors.New("primary sink down")

// ALSA plays frames on the local sound card through an aplay child process.
// A broken pipe gets exactly one immediate relaunch; if that relaunch or the
// retried write fails too, the sink reports ErrPrimaryDown and stays down.
type ALSA struct {
	device string
	bin    string
	logger zerolog.Logger
	launch launcher

	mu    sync.Mutex
	ctx   context.Context
	stdin io.WriteCloser
	stop  func() error
	fatal bool
}

func NewALSA(device, bin string, logger zerolog.Logger) *ALSA {
	a := &ALSA{device: device, bin: bin, logger: logger}
	a.launch = a.launchAplay
	return a
}

func (a *ALSA) Name() string { return "alsa" }

func (a *ALSA) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ctx = ctx
	stdin, stop, err := a.launch(ctx)
	if err != nil {
		a.fatal = true
		return fmt.Errorf("%w: start aplay: %v", ErrPrimaryDown, err)
	}
	a.stdin, a.stop = stdin, stop
	a.logger.Info().Str("device", a.device).Msg("alsa output started")
	return nil
}

func (a *ALSA) WriteFrame(frame []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fatal {
		return ErrPrimaryDown
	}
	if a.stdin == nil {
		return fmt.Errorf("%w: not started", ErrPrimaryDown)
	}

	_, err := a.stdin.Write(frame)
	if err == nil {
		return nil
	}
	a.logger.Warn().Err(err).Msg("aplay write failed, relaunching")

	// One immediate relaunch per failure, then the failure is fatal.
	if err := a.relaunchLocked(); err != nil {
		a.fatal = true
		return fmt.Errorf("%w: relaunch: %v", ErrPrimaryDown, err)
	}
	if _, err := a.stdin.Write(frame); err != nil {
		a.fatal = true
		return fmt.Errorf("%w: write after relaunch: %v", ErrPrimaryDown, err)
	}
	return nil
}

func (a *ALSA) relaunchLocked() error {
	if a.stop != nil {
		_ = a.stop()
	}
	stdin, stop, err := a.launch(a.ctx)
	if err != nil {
		return err
	}
	a.stdin, a.stop = stdin, stop
	return nil
}

func (a *ALSA) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stdin != nil {
		_ = a.stdin.Close()
		a.stdin = nil
	}
	if a.stop != nil {
		err := a.stop()
		a.stop = nil
		return err
	}
	return nil
}

func (a *ALSA) Healthy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.fatal && a.stdin != nil
}

func (a *ALSA) launchAplay(ctx context.Context) (io.WriteCloser, func() error, error) {
	cmd := exec.CommandContext(ctx, a.bin,
		"-q",
		"-t", "raw",
		"-f", "S16_LE",
		"-r", strconv.Itoa(pcm.SampleRate),
		"-c", strconv.Itoa(pcm.Channels),
		"-D", a.device,
		"-",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("aplay stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start aplay: %w", err)
	}
	a.logger.Debug().Int("pid", cmd.Process.Pid).Msg("aplay started")
	stop := func() error {
		_ = stdin.Close()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return cmd.Wait()
	}
	return stdin, stop, nil
}
