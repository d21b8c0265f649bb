/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile holds the editorial configuration of a station: identity, cadence
// tuning, mix levels, and scheduled talk slots. It is loaded from a YAML file
// so operators can edit it without touching the process environment.
type Profile struct {
	Station struct {
		Name    string `yaml:"name"`
		Tagline string `yaml:"tagline"`
	} `yaml:"station"`

	DJ struct {
		// Minimum number of songs between two talk segments.
		MinSongsBetweenTalk int `yaml:"min_songs_between_talk"`
		// Talk probability at the minimum spacing and the number of songs
		// at which the probability reaches its ceiling.
		TalkBaseProbability float64 `yaml:"talk_base_probability"`
		TalkMaxProbability  float64 `yaml:"talk_max_probability"`
		TalkRampSongs       int     `yaml:"talk_ramp_songs"`
		// How far back repeat avoidance looks when picking the next song.
		HistoryWindow int `yaml:"history_window"`
	} `yaml:"dj"`

	Levels struct {
		MusicGain  float64 `yaml:"music_gain"`
		SpeechGain float64 `yaml:"speech_gain"`
		DuckLevel  float64 `yaml:"duck_level"`
	} `yaml:"levels"`

	TalkSlots []TalkSlot `yaml:"talk_slots"`
}

// TalkSlot schedules a recurring spoken segment, such as a top of the hour
// station ident. RRule follows RFC 5545 recurrence syntax.
type TalkSlot struct {
	Name   string `yaml:"name"`
	RRule  string `yaml:"rrule"`
	Script string `yaml:"script"`
}

// DefaultProfile returns the tuning used when no profile file is configured.
func DefaultProfile() *Profile {
	p := &Profile{}
	p.Station.Name = "Skald"
	p.DJ.MinSongsBetweenTalk = 3
	p.DJ.TalkBaseProbability = 0.20
	p.DJ.TalkMaxProbability = 0.85
	p.DJ.TalkRampSongs = 8
	p.DJ.HistoryWindow = 50
	p.Levels.MusicGain = 1.0
	p.Levels.SpeechGain = 1.0
	p.Levels.DuckLevel = 0.25
	return p
}

// LoadProfile reads and validates a YAML profile. An empty path returns the
// defaults.
func LoadProfile(path string) (*Profile, error) {
	p := DefaultProfile()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return p, nil
}

func (p *Profile) validate() error {
	if p.DJ.MinSongsBetweenTalk < 0 {
		return fmt.Errorf("dj.min_songs_between_talk must not be negative")
	}
	if p.DJ.TalkBaseProbability < 0 || p.DJ.TalkBaseProbability > 1 {
		return fmt.Errorf("dj.talk_base_probability must be within [0, 1]")
	}
	if p.DJ.TalkMaxProbability < p.DJ.TalkBaseProbability || p.DJ.TalkMaxProbability > 1 {
		return fmt.Errorf("dj.talk_max_probability must be within [talk_base_probability, 1]")
	}
	if p.DJ.TalkRampSongs <= p.DJ.MinSongsBetweenTalk {
		return fmt.Errorf("dj.talk_ramp_songs must be greater than dj.min_songs_between_talk")
	}
	if p.DJ.HistoryWindow < 1 {
		return fmt.Errorf("dj.history_window must be at least 1")
	}
	for _, g := range []struct {
		name string
		v    float64
	}{
		{"levels.music_gain", p.Levels.MusicGain},
		{"levels.speech_gain", p.Levels.SpeechGain},
		{"levels.duck_level", p.Levels.DuckLevel},
	} {
		if g.v < 0 || g.v > 1 {
			return fmt.Errorf("%s must be within [0, 1]", g.name)
		}
	}
	for i, slot := range p.TalkSlots {
		if slot.RRule == "" {
			return fmt.Errorf("talk_slots[%d]: rrule must be provided", i)
		}
		if slot.Script == "" {
			return fmt.Errorf("talk_slots[%d]: script must be provided", i)
		}
	}
	return nil
}
