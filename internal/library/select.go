/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package library

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
)

// ErrNoCandidates means the selector has nothing it is allowed to play.
var ErrNoCandidates = errors.New("library: no candidates")

// Selector picks the next track to play. Tracks absent from the recent
// history rank first, then the least recently played; ties break on path so
// the same inputs always produce the same order.
type Selector struct {
	mu     sync.Mutex
	tracks []Track
	rng    *rand.Rand // nil disables jitter
	jitter int
}

// NewSelector builds a selector over tracks. A non-nil rng adds variety by
// picking uniformly among the top ranked candidates instead of always the
// first.
func NewSelector(tracks []Track, rng *rand.Rand) *Selector {
	s := &Selector{rng: rng, jitter: 5}
	s.SetTracks(tracks)
	return s
}

// SetTracks replaces the candidate pool, typically after a rescan.
func (s *Selector) SetTracks(tracks []Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = make([]Track, len(tracks))
	copy(s.tracks, tracks)
}

// Len reports the candidate pool size.
func (s *Selector) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracks)
}

// Tracks returns a copy of the candidate pool.
func (s *Selector) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Pick chooses the next track given the play history, most recent first.
// Tracks in the history are avoided, but when everything has been played
// recently the oldest entry is allowed again rather than going silent.
func (s *Selector) Pick(history []string) (Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.tracks) == 0 {
		return Track{}, ErrNoCandidates
	}

	recency := make(map[string]int, len(history))
	for i, p := range history {
		if _, seen := recency[p]; !seen {
			recency[p] = i
		}
	}

	ranked := make([]Track, len(s.tracks))
	copy(ranked, s.tracks)
	sort.Slice(ranked, func(i, j int) bool {
		ri, iPlayed := recency[ranked[i].Path]
		rj, jPlayed := recency[ranked[j].Path]
		if iPlayed != jPlayed {
			return !iPlayed
		}
		if iPlayed && ri != rj {
			return ri > rj
		}
		return ranked[i].Path < ranked[j].Path
	})

	// Jitter only shuffles within the unplayed candidates so a fresh track
	// is never skipped for a recently played one.
	window := 1
	if s.rng != nil {
		for window < len(ranked) && window < s.jitter {
			if _, played := recency[ranked[window].Path]; played {
				break
			}
			window++
		}
	}
	if window > 1 {
		return ranked[s.rng.Intn(window)], nil
	}
	return ranked[0], nil
}
