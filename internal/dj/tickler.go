/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package dj decides what the station plays next and keeps the spoken
// assets it needs topped up. It reacts to playout lifecycle callbacks:
// segment boundaries pick the next events from what is already on disk,
// and the stretches in between run the deferred generation work.
package dj

import (
	"fmt"

	"github.com/google/uuid"
)

// TicklerKind tags the deferred work a tickler carries.
type TicklerKind string

const (
	TicklerGenerateIntro       TicklerKind = "generate_intro"
	TicklerGenerateOutros      TicklerKind = "generate_outros"
	TicklerRefillGenericIntros TicklerKind = "refill_generic_intros"
	TicklerPrepTalkSlot        TicklerKind = "prep_talk_slot"
)

// maxTicklerAttempts bounds retries before a tickler is dropped.
const maxTicklerAttempts = 3

// Tickler is one unit of deferred asset work, created at a segment
// boundary when a wanted asset was missing and executed later, off the
// playback path. Executing the same tickler twice renders to the same
// filenames, so repeats are harmless.
type Tickler struct {
	ID       string
	Kind     TicklerKind
	Slug     string // asset slug for track-bound kinds
	Title    string
	Artist   string
	Slot     string // talk slot name for TicklerPrepTalkSlot
	Script   string
	Attempts int
}

func newTickler(kind TicklerKind) Tickler {
	return Tickler{ID: uuid.NewString(), Kind: kind}
}

// DedupeKey identifies the need a tickler serves, independent of its ID.
// Two ticklers with equal keys generate the same files.
func (t Tickler) DedupeKey() string {
	return fmt.Sprintf("%s|%s|%s", t.Kind, t.Slug, t.Slot)
}
