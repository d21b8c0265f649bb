/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package dj

import (
	"time"

	"github.com/friendsincode/skald/internal/config"
)

// Default wall-clock spacing for per-track speech when not talking.
const (
	defaultIntroCooldown = 3 * time.Minute
	defaultOutroCooldown = 5 * time.Minute
)

// Cadence holds the pacing rules for speech between songs: how often the
// host talks, and how closely intros and outros may follow each other.
type Cadence struct {
	MinSongsBetweenTalk int
	TalkBaseProbability float64
	TalkMaxProbability  float64
	TalkRampSongs       int
	IntroCooldown       time.Duration
	OutroCooldown       time.Duration
}

// CadenceFromProfile lifts the profile tuning into a Cadence.
func CadenceFromProfile(p config.Profile) Cadence {
	return Cadence{
		MinSongsBetweenTalk: p.DJ.MinSongsBetweenTalk,
		TalkBaseProbability: p.DJ.TalkBaseProbability,
		TalkMaxProbability:  p.DJ.TalkMaxProbability,
		TalkRampSongs:       p.DJ.TalkRampSongs,
		IntroCooldown:       defaultIntroCooldown,
		OutroCooldown:       defaultOutroCooldown,
	}
}

// TalkProbability returns the chance of a talk break after songsSinceTalk
// consecutive songs. Zero below the minimum, then a linear ramp up to the
// maximum at TalkRampSongs.
func (c Cadence) TalkProbability(songsSinceTalk int) float64 {
	if songsSinceTalk < c.MinSongsBetweenTalk {
		return 0
	}
	if songsSinceTalk >= c.TalkRampSongs {
		return c.TalkMaxProbability
	}
	span := float64(c.TalkRampSongs - c.MinSongsBetweenTalk)
	pos := float64(songsSinceTalk - c.MinSongsBetweenTalk)
	return c.TalkBaseProbability + (c.TalkMaxProbability-c.TalkBaseProbability)*pos/span
}

// TalkDue rolls the cadence: roll is a uniform sample from [0,1).
func (c Cadence) TalkDue(songsSinceTalk int, roll float64) bool {
	return roll < c.TalkProbability(songsSinceTalk)
}

// IntroAllowed reports whether enough time has passed since the last intro.
func (c Cadence) IntroAllowed(now, lastIntro time.Time) bool {
	return now.Sub(lastIntro) >= c.IntroCooldown
}

// OutroAllowed reports whether enough time has passed since the last outro.
func (c Cadence) OutroAllowed(now, lastOutro time.Time) bool {
	return now.Sub(lastOutro) >= c.OutroCooldown
}
