/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

// PlaybackState is the engine's coarse position in its playback cycle.
type PlaybackState int32

const (
	StateIdle PlaybackState = iota
	StatePlayingIntro
	StatePlayingSong
	StatePlayingOutro
	StateTransitioning
	StateError
)

func (s PlaybackState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePlayingIntro:
		return "PLAYING_INTRO"
	case StatePlayingSong:
		return "PLAYING_SONG"
	case StatePlayingOutro:
		return "PLAYING_OUTRO"
	case StateTransitioning:
		return "TRANSITIONING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// stateForKind maps a starting segment to its playback state. Talk segments
// share the intro state: both are the DJ speaking between songs.
func stateForKind(k SegmentKind) PlaybackState {
	switch k {
	case SegmentIntro, SegmentTalk:
		return StatePlayingIntro
	case SegmentOutro:
		return StatePlayingOutro
	default:
		return StatePlayingSong
	}
}
