/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package dj

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/friendsincode/skald/internal/config"
	"github.com/friendsincode/skald/internal/library"
)

// SlotSchedule evaluates the profile's recurring talk slots. A slot whose
// rule has an occurrence inside a polled interval becomes due and is
// injected at the next song boundary.
type SlotSchedule struct {
	slots []scheduledSlot
}

type scheduledSlot struct {
	slot config.TalkSlot
	rule *rrule.RRule
}

// NewSlotSchedule parses every slot's recurrence rule. Rules start
// counting occurrences from dtstart.
func NewSlotSchedule(slots []config.TalkSlot, dtstart time.Time) (*SlotSchedule, error) {
	s := &SlotSchedule{}
	for _, ts := range slots {
		rr, err := rrule.StrToRRule(ts.RRule)
		if err != nil {
			return nil, fmt.Errorf("talk slot %q: invalid rrule: %w", ts.Name, err)
		}
		rr.DTStart(dtstart)
		s.slots = append(s.slots, scheduledSlot{slot: ts, rule: rr})
	}
	return s, nil
}

// Due returns the slots with at least one occurrence in (since, now].
func (s *SlotSchedule) Due(since, now time.Time) []config.TalkSlot {
	if s == nil {
		return nil
	}
	var due []config.TalkSlot
	for _, sc := range s.slots {
		occ := sc.rule.Between(since, now, true)
		// Between is inclusive on both ends; an occurrence exactly at
		// the previous poll time was already reported then.
		for _, o := range occ {
			if o.After(since) {
				due = append(due, sc.slot)
				break
			}
		}
	}
	return due
}

// SlotSlug derives the cache slug a slot's rendered asset is stored under.
func SlotSlug(name string) string {
	return "talk_" + library.Slugify(name)
}
