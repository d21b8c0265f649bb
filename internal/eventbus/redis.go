/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/friendsincode/skald/internal/events"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// redisChannelPrefix namespaces event channels on a shared Redis.
const redisChannelPrefix = "skald:events:"

var errRetryTooSoon = errors.New("eventbus: reconnect probe rate limited")

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Connection pooling
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Circuit breaker
	MaxFailures   int
	CheckInterval time.Duration
}

// DefaultRedisConfig returns default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:          "localhost:6379",
		PoolSize:      10,
		MinIdleConns:  2,
		DialTimeout:   5 * time.Second,
		ReadTimeout:   3 * time.Second,
		WriteTimeout:  3 * time.Second,
		MaxFailures:   5,
		CheckInterval: 30 * time.Second,
	}
}

// RedisBus mirrors the local event stream over Redis pub/sub so other
// nodes see this station's events and vice versa. Repeated publish
// failures trip a circuit breaker; TryReconnect arms it again.
type RedisBus struct {
	relay
	client *redis.Client
	pubsub *redis.PubSub
	config RedisConfig
	cancel context.CancelFunc

	mu        sync.Mutex
	degraded  bool
	failCount int
	lastCheck time.Time
}

// NewRedisBus creates the bridge. An unreachable Redis degrades to
// local-only delivery instead of failing.
func NewRedisBus(cfg RedisConfig, local *events.Bus, logger zerolog.Logger) (*RedisBus, error) {
	logger = logger.With().Str("component", "eventbus_redis").Logger()

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	rb := &RedisBus{
		relay:  relay{local: local, nodeID: NewNodeID(), logger: logger},
		client: client,
		config: cfg,
		cancel: cancel,
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis unreachable, events stay local until reconnect")
		rb.degraded = true
		rb.lastCheck = time.Now()
	} else {
		logger.Info().Str("addr", cfg.Addr).Str("node_id", rb.nodeID).Msg("Redis event bridge up")
	}

	// The pub/sub connection resubscribes on its own after outages, so
	// it is safe to open even while degraded.
	rb.pubsub = client.PSubscribe(ctx, redisChannelPrefix+"*")

	rb.wg.Add(2)
	go rb.receive(ctx)
	go rb.forward(ctx, rb.send)

	return rb, nil
}

func (rb *RedisBus) send(eventType events.EventType, msg *busMessage) error {
	rb.mu.Lock()
	degraded := rb.degraded
	rb.mu.Unlock()
	if degraded {
		return nil
	}

	data, err := msg.encode()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := rb.client.Publish(ctx, redisChannelPrefix+string(eventType), data).Err(); err != nil {
		rb.noteFailure(err)
		return err
	}
	rb.noteSuccess()
	return nil
}

func (rb *RedisBus) receive(ctx context.Context) {
	defer rb.wg.Done()

	ch := rb.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := decodeMessage([]byte(msg.Payload))
			if err != nil {
				rb.logger.Error().Err(err).Msg("bad message on Redis channel")
				continue
			}
			rb.inject(decoded)
		}
	}
}

func (rb *RedisBus) noteFailure(err error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.failCount++
	if rb.failCount >= rb.config.MaxFailures && !rb.degraded {
		rb.degraded = true
		rb.lastCheck = time.Now()
		rb.logger.Warn().Err(err).Int("failures", rb.failCount).Msg("Redis failure threshold reached, events stay local")
	}
}

func (rb *RedisBus) noteSuccess() {
	rb.mu.Lock()
	rb.failCount = 0
	rb.mu.Unlock()
}

// TryReconnect probes Redis and re-enables forwarding when it is back.
// Call it periodically; probes are rate limited by CheckInterval.
func (rb *RedisBus) TryReconnect(ctx context.Context) error {
	rb.mu.Lock()
	if !rb.degraded {
		rb.mu.Unlock()
		return nil
	}
	if time.Since(rb.lastCheck) < rb.config.CheckInterval {
		rb.mu.Unlock()
		return errRetryTooSoon
	}
	rb.lastCheck = time.Now()
	rb.mu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rb.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis still unavailable: %w", err)
	}

	rb.mu.Lock()
	rb.degraded = false
	rb.failCount = 0
	rb.mu.Unlock()
	rb.logger.Info().Msg("reconnected to Redis, event forwarding resumed")
	return nil
}

// Close stops the bridge and closes the Redis connection.
func (rb *RedisBus) Close() error {
	rb.cancel()
	if rb.pubsub != nil {
		rb.pubsub.Close()
	}
	rb.wg.Wait()
	return rb.client.Close()
}
