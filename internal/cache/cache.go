/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache publishes the station's live state to Redis so other
// processes (website widgets, companion services) can read it without
// touching the playout daemon.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Default TTL values. Entries are refreshed on every segment boundary,
// so a lapsed TTL means the daemon stopped writing.
const (
	DefaultNowPlayingTTL = 5 * time.Minute
	DefaultQueueTTL      = 5 * time.Minute
	DefaultHistoryTTL    = 1 * time.Hour
)

// Redis keys.
const (
	KeyNowPlaying = "skald:nowplaying"
	KeyQueue      = "skald:queue"
	KeyHistory    = "skald:history"
)

// Config contains cache configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// TTL overrides
	NowPlayingTTL time.Duration
	QueueTTL      time.Duration
	HistoryTTL    time.Duration

	// Fallback behavior
	DisableOnError bool // If true, disable caching on Redis errors
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		RedisAddr:      "localhost:6379",
		NowPlayingTTL:  DefaultNowPlayingTTL,
		QueueTTL:       DefaultQueueTTL,
		HistoryTTL:     DefaultHistoryTTL,
		DisableOnError: true,
	}
}

// Cache provides Redis-backed state publishing with graceful fallback.
// A dead Redis never affects playout; writes silently stop.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
	config Config

	mu       sync.RWMutex
	disabled bool // Circuit breaker state
}

// New creates a new cache instance. An unreachable Redis yields a
// disabled cache, not an error.
func New(cfg Config, logger zerolog.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis unavailable, running without state publishing")
		return &Cache{
			logger:   logger.With().Str("component", "cache").Logger(),
			config:   cfg,
			disabled: true,
		}, nil
	}

	logger.Info().Str("addr", cfg.RedisAddr).Msg("Redis state cache initialized")

	return &Cache{
		client: client,
		logger: logger.With().Str("component", "cache").Logger(),
		config: cfg,
	}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsAvailable returns true if the cache is operational.
func (c *Cache) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled && c.client != nil
}

// handleError handles Redis errors with circuit breaker logic.
func (c *Cache) handleError(err error, operation string) {
	if err == nil || err == redis.Nil {
		return
	}

	c.logger.Debug().Err(err).Str("operation", operation).Msg("cache operation failed")

	if c.config.DisableOnError {
		c.mu.Lock()
		c.disabled = true
		c.mu.Unlock()
		c.logger.Warn().Msg("disabling state cache due to Redis error")
	}
}

// get retrieves a value from cache and unmarshals it.
func (c *Cache) get(ctx context.Context, key string, dest any) (bool, error) {
	if !c.IsAvailable() {
		return false, nil
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		c.handleError(err, "get")
		return false, err
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("failed to unmarshal cached value")
		return false, nil
	}

	return true, nil
}

// set stores a value in cache with TTL.
func (c *Cache) set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !c.IsAvailable() {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.handleError(err, "set")
		return err
	}

	return nil
}

// delete removes a key from cache.
func (c *Cache) delete(ctx context.Context, key string) error {
	if !c.IsAvailable() {
		return nil
	}

	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.handleError(err, "delete")
		return err
	}

	return nil
}

// deletePattern deletes all keys matching a pattern.
func (c *Cache) deletePattern(ctx context.Context, pattern string) error {
	if !c.IsAvailable() {
		return nil
	}

	// SCAN rather than KEYS so a shared Redis is not blocked.
	var cursor uint64
	for {
		keys, nextCursor, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			c.handleError(err, "scan")
			return err
		}

		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.handleError(err, "delete_batch")
				return err
			}
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	return nil
}

// NowPlaying is the externally visible description of the current segment.
type NowPlaying struct {
	State     string    `json:"state"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Artist    string    `json:"artist"`
	Path      string    `json:"path"`
	StartedAt time.Time `json:"started_at"`
	Duration  int64     `json:"duration_ms"`
}

// QueueItem is one upcoming segment.
type QueueItem struct {
	Kind   string `json:"kind"`
	Title  string `json:"title"`
	Artist string `json:"artist"`
}

// HistoryItem is one recently finished song.
type HistoryItem struct {
	Title    string    `json:"title"`
	Artist   string    `json:"artist"`
	PlayedAt time.Time `json:"played_at"`
}

// GetNowPlaying retrieves the cached current segment.
func (c *Cache) GetNowPlaying(ctx context.Context) (*NowPlaying, bool) {
	var np NowPlaying
	found, err := c.get(ctx, KeyNowPlaying, &np)
	if err != nil || !found {
		return nil, false
	}
	return &np, true
}

// SetNowPlaying publishes the current segment.
func (c *Cache) SetNowPlaying(ctx context.Context, np *NowPlaying) error {
	c.logger.Debug().Str("title", np.Title).Str("kind", np.Kind).Msg("publishing now playing")
	return c.set(ctx, KeyNowPlaying, np, c.config.NowPlayingTTL)
}

// ClearNowPlaying removes the current segment, e.g. when the station stops.
func (c *Cache) ClearNowPlaying(ctx context.Context) error {
	return c.delete(ctx, KeyNowPlaying)
}

// GetQueue retrieves the cached upcoming segments.
func (c *Cache) GetQueue(ctx context.Context) ([]QueueItem, bool) {
	var items []QueueItem
	found, err := c.get(ctx, KeyQueue, &items)
	if err != nil || !found {
		return nil, false
	}
	return items, true
}

// SetQueue publishes the upcoming segments.
func (c *Cache) SetQueue(ctx context.Context, items []QueueItem) error {
	return c.set(ctx, KeyQueue, items, c.config.QueueTTL)
}

// GetHistory retrieves the cached recent plays.
func (c *Cache) GetHistory(ctx context.Context) ([]HistoryItem, bool) {
	var items []HistoryItem
	found, err := c.get(ctx, KeyHistory, &items)
	if err != nil || !found {
		return nil, false
	}
	return items, true
}

// SetHistory publishes the recent plays.
func (c *Cache) SetHistory(ctx context.Context, items []HistoryItem) error {
	return c.set(ctx, KeyHistory, items, c.config.HistoryTTL)
}

// FlushAll removes all published state (use sparingly).
func (c *Cache) FlushAll(ctx context.Context) error {
	c.logger.Warn().Msg("flushing published state")
	return c.deletePattern(ctx, "skald:*")
}
