/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/friendsincode/autojoin/internal/events"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisChannelPrefix namespaces pub/sub channels.
const RedisChannelPrefix = "autojoin:events:"

const publishTimeout = 2 * time.Second

// RedisBus implements a Redis-backed event bus for distributed systems.
type RedisBus struct {
	client *redis.Client
	logger zerolog.Logger
	local  *events.Bus
	nodeID string

	mu       sync.Mutex
	refs     map[events.EventType]int
	channels map[events.EventType]*redis.PubSub

	breaker breaker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// breaker counts consecutive publish failures. While open, the bus delivers
// locally and probes the server at most once per retryAfter.
type breaker struct {
	open       bool
	fails      int
	maxFails   int
	lastProbe  time.Time
	retryAfter time.Duration
}

// failure records an error and reports whether it opened the breaker.
func (b *breaker) failure(now time.Time) bool {
	b.fails++
	if b.open || b.fails < b.maxFails {
		return false
	}
	b.open = true
	b.lastProbe = now
	return true
}

func (b *breaker) success() {
	b.open = false
	b.fails = 0
}

// probeDue reports whether an open breaker may try the server again, and
// if so stamps the attempt.
func (b *breaker) probeDue(now time.Time) bool {
	if !b.open || now.Sub(b.lastProbe) < b.retryAfter {
		return false
	}
	b.lastProbe = now
	return true
}

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	PoolSize     int
	MinIdleConns int

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
		PoolSize:      4,
		MinIdleConns:  1,
		DialTimeout:   5 * time.Second,
		ReadTimeout:   3 * time.Second,
		WriteTimeout:  3 * time.Second,
		MaxFailures:   5,
		CheckInterval: 30 * time.Second,
	}
}

// RedisChannel returns the pub/sub channel for eventType.
func RedisChannel(eventType events.EventType) string {
	return RedisChannelPrefix + string(eventType)
}

// NewRedisBus creates a Redis-backed event bus.
// Falls back to in-memory delivery if Redis is unavailable.
func NewRedisBus(cfg RedisConfig, nodeID string, logger zerolog.Logger) (*RedisBus, error) {
	ctx, cancel := context.WithCancel(context.Background())

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

	logger = logger.With().Str("component", "eventbus").Str("backend", "redis").Logger()
	rb := &RedisBus{
		client:   client,
		logger:   logger,
		local:    events.NewBus(),
		nodeID:   nodeID,
		refs:     make(map[events.EventType]int),
		channels: make(map[events.EventType]*redis.PubSub),
		breaker:  breaker{maxFails: cfg.MaxFailures, retryAfter: cfg.CheckInterval},
		ctx:      ctx,
		cancel:   cancel,
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer pingCancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Addr).Msg("redis unreachable, delivering events locally")
		rb.breaker.open = true
		rb.breaker.lastProbe = time.Now()
		return rb, nil
	}

	logger.Info().Str("addr", cfg.Addr).Str("node_id", nodeID).Msg("redis event bus connected")
	return rb, nil
}

// Fallback reports whether the bus is currently delivering locally only.
func (rb *RedisBus) Fallback() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.breaker.open
}

// Subscribe registers a subscriber for an event type.
func (rb *RedisBus) Subscribe(eventType events.EventType) events.Subscriber {
	sub := rb.local.Subscribe(eventType)

	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.refs[eventType]++
	if !rb.breaker.open {
		rb.listenLocked(eventType)
	}
	return sub
}

func (rb *RedisBus) listenLocked(eventType events.EventType) {
	if _, exists := rb.channels[eventType]; exists {
		return
	}
	pubsub := rb.client.Subscribe(rb.ctx, RedisChannel(eventType))
	rb.channels[eventType] = pubsub

	rb.wg.Add(1)
	go rb.receiveMessages(eventType, pubsub)
}

func (rb *RedisBus) receiveMessages(eventType events.EventType, pubsub *redis.PubSub) {
	defer rb.wg.Done()
	logger := rb.logger.With().Str("channel", RedisChannel(eventType)).Logger()
	logger.Debug().Msg("listening")

	ch := pubsub.Channel()
	for {
		select {
		case <-rb.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				logger.Debug().Msg("subscription closed")
				return
			}
			deliverRemote(rb.local, rb.nodeID, []byte(msg.Payload), logger)
		}
	}
}

// Publish delivers locally, then to Redis unless the circuit is open.
func (rb *RedisBus) Publish(eventType events.EventType, payload events.Payload) {
	rb.local.Publish(eventType, payload)

	if rb.Fallback() {
		rb.tryReconnect()
		if rb.Fallback() {
			return
		}
	}

	data, err := marshalMessage(eventType, payload, rb.nodeID)
	if err != nil {
		rb.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("event not encodable")
		return
	}

	ctx, cancel := context.WithTimeout(rb.ctx, publishTimeout)
	defer cancel()
	err = rb.client.Publish(ctx, RedisChannel(eventType), data).Err()
	recordPublish("redis", err)

	rb.mu.Lock()
	defer rb.mu.Unlock()
	if err == nil {
		rb.breaker.success()
		return
	}
	rb.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("redis publish failed")
	if rb.breaker.failure(time.Now()) {
		rb.logger.Warn().Int("failures", rb.breaker.fails).Msg("redis failing, delivering events locally")
	}
}

// Unsubscribe removes a subscriber.
func (rb *RedisBus) Unsubscribe(eventType events.EventType, sub events.Subscriber) {
	rb.local.Unsubscribe(eventType, sub)

	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.refs[eventType] > 0 {
		rb.refs[eventType]--
	}
	if rb.refs[eventType] == 0 {
		if pubsub, exists := rb.channels[eventType]; exists {
			_ = pubsub.Close()
			delete(rb.channels, eventType)
		}
	}
}

// Close closes the Redis connection and all subscriptions.
func (rb *RedisBus) Close() error {
	rb.cancel()

	rb.mu.Lock()
	for eventType, pubsub := range rb.channels {
		_ = pubsub.Close()
		delete(rb.channels, eventType)
	}
	rb.mu.Unlock()

	rb.wg.Wait()

	if err := rb.client.Close(); err != nil {
		return fmt.Errorf("close redis event bus: %w", err)
	}
	rb.logger.Debug().Msg("redis event bus closed")
	return nil
}

// tryReconnect closes the breaker once Redis answers a ping again and
// restores the subscriptions that are still referenced.
func (rb *RedisBus) tryReconnect() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if !rb.breaker.probeDue(time.Now()) {
		return
	}

	ctx, cancel := context.WithTimeout(rb.ctx, publishTimeout)
	defer cancel()
	if err := rb.client.Ping(ctx).Err(); err != nil {
		rb.logger.Debug().Err(err).Msg("redis still unreachable")
		return
	}

	rb.breaker.success()
	for eventType, n := range rb.refs {
		if n > 0 {
			rb.listenLocked(eventType)
		}
	}
	rb.logger.Info().Msg("redis reachable again, resuming fan-out")
}
