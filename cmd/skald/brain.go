/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"gorm.io/gorm"

	"github.com/friendsincode/skald/internal/config"
	"github.com/friendsincode/skald/internal/decode"
	"github.com/friendsincode/skald/internal/dj"
	"github.com/friendsincode/skald/internal/events"
	"github.com/friendsincode/skald/internal/library"
	"github.com/friendsincode/skald/internal/speech"
)

// speechCacheTTL is how long the speech asset index is trusted before the
// directory is re-read.
const speechCacheTTL = time.Minute

// buildBrain scans the media library and assembles the DJ around it.
func buildBrain(ctx context.Context, prof *config.Profile, database *gorm.DB, engine dj.Enqueuer, bus *events.Bus) (*dj.Brain, error) {
	probe := func(ctx context.Context, path string) (time.Duration, error) {
		return decode.ProbeDuration(ctx, cfg.GstDiscovererBin, path)
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	music, err := library.NewScanner(cfg.MusicDirs, probe, logger).Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan music dirs: %w", err)
	}
	if len(music) == 0 {
		logger.Warn().Strs("dirs", cfg.MusicDirs).Msg("music library is empty")
	}
	selector := library.NewSelector(music, rng)

	fallbackTracks, err := library.NewScanner([]string{cfg.FallbackDir}, probe, logger).Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan fallback dir: %w", err)
	}
	fallback := library.NewSelector(fallbackTracks, rng)

	speechCache := speech.NewCache(cfg.SpeechDir, speechCacheTTL, logger)

	var generator *speech.Client
	if cfg.SpeechServiceURL != "" {
		generator, err = speech.NewClient(cfg.SpeechServiceURL, cfg.SpeechVoice, logger)
		if err != nil {
			return nil, fmt.Errorf("speech client: %w", err)
		}
	}

	store, err := dj.NewStore(database, logger)
	if err != nil {
		return nil, fmt.Errorf("dj store: %w", err)
	}

	slots, err := dj.NewSlotSchedule(prof.TalkSlots, time.Now())
	if err != nil {
		return nil, fmt.Errorf("talk slots: %w", err)
	}

	return dj.New(dj.Options{
		Profile:   *prof,
		Engine:    engine,
		Selector:  selector,
		Fallback:  fallback,
		Cache:     speechCache,
		Generator: generator,
		Store:     store,
		Slots:     slots,
		Bus:       bus,
		Logger:    logger,
		RNG:       rng,
	}), nil
}
