/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/skald/internal/dj"
	"github.com/friendsincode/skald/internal/events"
	"github.com/friendsincode/skald/internal/playout"
)

// historyDepth is how many recent plays the published history holds.
const historyDepth = 20

// Publisher mirrors the live playout state into Redis on every segment
// boundary. It reads from the engine and brain instead of trusting event
// payloads, so a missed event only delays the next refresh.
type Publisher struct {
	cache  *Cache
	engine *playout.Engine
	brain  *dj.Brain
	bus    *events.Bus
	logger zerolog.Logger
}

// NewPublisher wires the state publisher. Brain may be nil; history is then
// left unpublished.
func NewPublisher(c *Cache, engine *playout.Engine, brain *dj.Brain, bus *events.Bus, logger zerolog.Logger) *Publisher {
	return &Publisher{
		cache:  c,
		engine: engine,
		brain:  brain,
		bus:    bus,
		logger: logger.With().Str("component", "cache-publisher").Logger(),
	}
}

// Run refreshes the published state on segment boundaries until ctx ends.
// On station stop the now-playing key is cleared so readers see silence
// instead of a stale segment.
func (p *Publisher) Run(ctx context.Context) {
	if !p.cache.IsAvailable() {
		p.logger.Debug().Msg("cache unavailable, state publisher idle")
		return
	}

	started := p.bus.Subscribe(events.EventSegmentStarted)
	finished := p.bus.Subscribe(events.EventSegmentFinished)
	stopping := p.bus.Subscribe(events.EventStationStopping)
	defer func() {
		p.bus.Unsubscribe(events.EventSegmentStarted, started)
		p.bus.Unsubscribe(events.EventSegmentFinished, finished)
		p.bus.Unsubscribe(events.EventStationStopping, stopping)
	}()

	p.refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-started:
			p.refresh(ctx)
		case <-finished:
			p.refresh(ctx)
		case <-stopping:
			cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = p.cache.ClearNowPlaying(cctx)
			cancel()
		}
	}
}

func (p *Publisher) refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if cur, ok := p.engine.Current(); ok {
		_ = p.cache.SetNowPlaying(ctx, &NowPlaying{
			State:     p.engine.State().String(),
			Kind:      string(cur.Kind),
			Title:     cur.Title,
			Artist:    cur.Artist,
			Path:      cur.Path,
			StartedAt: time.Now(),
			Duration:  cur.Duration.Milliseconds(),
		})
	} else {
		_ = p.cache.ClearNowPlaying(ctx)
	}

	queue := p.engine.Queue()
	items := make([]QueueItem, len(queue))
	for i, ev := range queue {
		items[i] = QueueItem{Kind: string(ev.Kind), Title: ev.Title, Artist: ev.Artist}
	}
	_ = p.cache.SetQueue(ctx, items)

	if p.brain != nil {
		var hist []HistoryItem
		for _, h := range p.brain.History(historyDepth) {
			hist = append(hist, HistoryItem{Title: h.Title, Artist: h.Artist, PlayedAt: h.PlayedAt})
		}
		_ = p.cache.SetHistory(ctx, hist)
	}
}
