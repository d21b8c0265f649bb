/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package dj

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/friendsincode/skald/internal/speech"
	"github.com/friendsincode/skald/internal/telemetry"
)

// outroVariants is how many outro takes are rendered per song.
const outroVariants = 2

// genTimeout bounds one tickler's worth of rendering.
const genTimeout = 2 * time.Minute

type ticklerResult struct {
	tickler Tickler
	err     error
}

// runWorker consumes ticklers one at a time and reports outcomes. It is
// the only goroutine that talks to the rendering service, so the playback
// path never waits on the network.
func (b *Brain) runWorker(ctx context.Context) {
	defer close(b.workerDone)
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-b.work:
			if !ok {
				return
			}
			sctx, span := telemetry.StartSpan(ctx, "dj", "tickler."+string(t.Kind))
			err := b.execute(sctx, t)
			if err != nil {
				telemetry.RecordError(span, err)
			}
			span.End()
			select {
			case b.results <- ticklerResult{tickler: t, err: err}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *Brain) execute(ctx context.Context, t Tickler) error {
	ctx, cancel := context.WithTimeout(ctx, genTimeout)
	defer cancel()

	switch t.Kind {
	case TicklerGenerateIntro:
		dest := filepath.Join(b.cache.Dir(), speech.AssetName(t.Slug, speech.KindIntro, 0))
		req := speech.JobRequest{Kind: speech.KindIntro, Text: introText(b.stationName, t.Title, t.Artist)}
		if err := b.gen.Generate(ctx, req, dest); err != nil {
			return err
		}
	case TicklerGenerateOutros:
		for i := 1; i <= outroVariants; i++ {
			dest := filepath.Join(b.cache.Dir(), speech.AssetName(t.Slug, speech.KindOutro, i))
			req := speech.JobRequest{Kind: speech.KindOutro, Text: outroText(t.Title, t.Artist, i)}
			if err := b.gen.Generate(ctx, req, dest); err != nil {
				return err
			}
		}
	case TicklerRefillGenericIntros:
		for i, text := range genericIntroTexts(b.stationName) {
			dest := filepath.Join(b.cache.Dir(), speech.AssetName(speech.GenericSlug, speech.KindIntro, i+1))
			req := speech.JobRequest{Kind: speech.KindIntro, Text: text}
			if err := b.gen.Generate(ctx, req, dest); err != nil {
				return err
			}
		}
	case TicklerPrepTalkSlot:
		dest := filepath.Join(b.cache.Dir(), speech.AssetName(t.Slug, speech.KindIntro, 0))
		req := speech.JobRequest{Kind: speech.KindIntro, Text: t.Script}
		if err := b.gen.Generate(ctx, req, dest); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown tickler kind %q", t.Kind)
	}
	return b.cache.Refresh()
}

func introText(station, title, artist string) string {
	if artist == "" {
		return fmt.Sprintf("Up next on %s: %s.", station, title)
	}
	return fmt.Sprintf("Up next on %s: %s, by %s.", station, title, artist)
}

func outroText(title, artist string, variant int) string {
	who := title
	if artist != "" {
		who = fmt.Sprintf("%s, by %s", title, artist)
	}
	if variant%2 == 0 {
		return fmt.Sprintf("You just heard %s.", who)
	}
	return fmt.Sprintf("That was %s.", who)
}

func genericIntroTexts(station string) []string {
	return []string{
		fmt.Sprintf("You are listening to %s.", station),
		fmt.Sprintf("More music coming right up on %s.", station),
		fmt.Sprintf("This is %s, thanks for tuning in.", station),
	}
}
