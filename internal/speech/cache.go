/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package speech manages generated voice assets: a directory-backed cache
// for lookups on the hot path and an HTTP client for the service that
// renders new ones.
package speech

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Kind distinguishes the two asset families kept per slug.
type Kind string

const (
	KindIntro Kind = "intro"
	KindOutro Kind = "outro"
)

// GenericSlug groups station-wide intros not tied to any track.
const GenericSlug = "generic"

// AssetName builds the canonical filename for a variant. Variant 0 carries
// no numeric suffix.
func AssetName(slug string, kind Kind, variant int) string {
	if variant <= 0 {
		return fmt.Sprintf("%s_%s.mp3", slug, kind)
	}
	return fmt.Sprintf("%s_%s%d.mp3", slug, kind, variant)
}

var assetRe = regexp.MustCompile(`^(.+)_(intro|outro)([0-9]*)\.mp3$`)

// Cache indexes the speech directory so lookups during playback never list
// the filesystem. The index is rebuilt when the directory mtime moves or
// the TTL lapses, and can be forced with Refresh.
type Cache struct {
	dir    string
	ttl    time.Duration
	logger zerolog.Logger

	mu       sync.Mutex
	variants map[string][]string // slug+kind -> sorted filenames
	dirMtime time.Time
	built    time.Time
}

func NewCache(dir string, ttl time.Duration, logger zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{dir: dir, ttl: ttl, logger: logger, variants: map[string][]string{}}
}

// Dir returns the directory the cache indexes.
func (c *Cache) Dir() string { return c.dir }

// Variants returns the full paths of every cached variant for slug+kind,
// in filename order.
func (c *Cache) Variants(slug string, kind Kind) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeRefreshLocked()

	names := c.variants[key(slug, kind)]
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = filepath.Join(c.dir, n)
	}
	return out
}

// Has reports whether at least one variant exists for slug+kind.
func (c *Cache) Has(slug string, kind Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeRefreshLocked()
	return len(c.variants[key(slug, kind)]) > 0
}

// Pick returns one variant for slug+kind. A non-nil rng chooses uniformly,
// otherwise the first variant wins.
func (c *Cache) Pick(slug string, kind Kind, rng *rand.Rand) (string, bool) {
	paths := c.Variants(slug, kind)
	if len(paths) == 0 {
		return "", false
	}
	if rng != nil && len(paths) > 1 {
		return paths[rng.Intn(len(paths))], true
	}
	return paths[0], true
}

// Refresh rebuilds the index immediately.
func (c *Cache) Refresh() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rebuildLocked()
}

func (c *Cache) maybeRefreshLocked() {
	stale := time.Since(c.built) > c.ttl
	if !stale {
		info, err := os.Stat(c.dir)
		if err != nil || !info.ModTime().Equal(c.dirMtime) {
			stale = true
		}
	}
	if !stale {
		return
	}
	if err := c.rebuildLocked(); err != nil {
		c.logger.Debug().Err(err).Str("dir", c.dir).Msg("speech cache refresh failed")
	}
}

func (c *Cache) rebuildLocked() error {
	c.built = time.Now()
	c.variants = map[string][]string{}

	info, err := os.Stat(c.dir)
	if err != nil {
		c.dirMtime = time.Time{}
		return err
	}
	c.dirMtime = info.ModTime()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	total := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := assetRe.FindStringSubmatch(strings.ToLower(e.Name()))
		if m == nil {
			continue
		}
		k := key(m[1], Kind(m[2]))
		c.variants[k] = append(c.variants[k], e.Name())
		total++
	}
	for _, names := range c.variants {
		sort.Strings(names)
	}
	c.logger.Debug().Int("assets", total).Str("dir", c.dir).Msg("speech cache rebuilt")
	return nil
}

func key(slug string, kind Kind) string { return slug + "|" + string(kind) }
