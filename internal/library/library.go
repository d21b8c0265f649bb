/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package library indexes the station's media directories and picks what
// plays next.
package library

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Track is one playable media file.
type Track struct {
	Path     string
	Title    string
	Artist   string
	Duration time.Duration // zero when the probe was unavailable
	Slug     string        // stable key for speech assets about this track
}

// ProbeFunc measures a file's playable length.
type ProbeFunc func(ctx context.Context, path string) (time.Duration, error)

// Scanner walks the configured directories and builds the track index.
type Scanner struct {
	dirs   []string
	probe  ProbeFunc // nil leaves durations unknown
	logger zerolog.Logger
}

func NewScanner(dirs []string, probe ProbeFunc, logger zerolog.Logger) *Scanner {
	return &Scanner{dirs: dirs, probe: probe, logger: logger}
}

// Scan walks every directory and returns the tracks found, sorted by path.
// Unreadable entries are logged and skipped; the scan itself only fails on
// context cancellation.
func (s *Scanner) Scan(ctx context.Context) ([]Track, error) {
	start := time.Now()
	var tracks []Track
	errCount := 0

	for _, dir := range s.dirs {
		err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				s.logger.Warn().Err(err).Str("path", path).Msg("error accessing path")
				errCount++
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if info.IsDir() {
				return nil
			}
			if !IsMediaFile(info.Name()) {
				return nil
			}

			t := trackFromPath(path)
			if s.probe != nil {
				d, err := s.probe(ctx, path)
				if err != nil {
					s.logger.Debug().Err(err).Str("path", path).Msg("duration probe failed")
				} else {
					t.Duration = d
				}
			}
			tracks = append(tracks, t)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(tracks, func(i, j int) bool { return tracks[i].Path < tracks[j].Path })

	s.logger.Info().
		Int("tracks", len(tracks)).
		Int("errors", errCount).
		Dur("duration", time.Since(start)).
		Strs("dirs", s.dirs).
		Msg("library scan complete")
	return tracks, nil
}

var mediaExtensions = map[string]bool{
	".mp3":  true,
	".flac": true,
	".ogg":  true,
	".opus": true,
	".m4a":  true,
	".aac":  true,
	".wav":  true,
}

// IsMediaFile reports whether the filename carries a playable extension.
func IsMediaFile(name string) bool {
	return mediaExtensions[strings.ToLower(filepath.Ext(name))]
}

// trackFromPath derives display metadata from an "Artist - Title.ext"
// filename, falling back to the bare name as the title.
func trackFromPath(path string) Track {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	title, artist := base, ""
	if i := strings.Index(base, " - "); i > 0 {
		artist, title = base[:i], base[i+3:]
	}
	title = strings.TrimSpace(title)
	artist = strings.TrimSpace(artist)
	return Track{
		Path:   path,
		Title:  title,
		Artist: artist,
		Slug:   Slugify(strings.TrimSpace(artist + " " + title)),
	}
}

var deaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slugify folds s to a lowercase ASCII identifier: diacritics stripped,
// every other non alphanumeric run collapsed to one underscore.
func Slugify(s string) string {
	folded, _, err := transform.String(deaccent, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	pendingSep := false
	for _, r := range folded {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		default:
			pendingSep = true
		}
	}
	return b.String()
}
