// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package redis exports live miner logins to Redis.
//
// For each login the handler stores a JSON record in the hash
// <prefix>:workers under the session id and publishes the same record on a
// channel. Share results are counted per account in <prefix>:shares:<account>.
// The record is removed when the session disconnects.
//
// Handler methods never block the reactor: events are queued to a single
// worker goroutine and dropped with a warning when the queue is full.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Godsnightmare/stratumproxy/pkg/handler"
)

const (
	defaultKeyPrefix = "stratumproxy"
	defaultQueueSize = 1024
	defaultTimeout   = 2 * time.Second
)

// Client is the subset of *redis.Client the handler uses.
type Client interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	HIncrBy(ctx context.Context, key, field string, incr int64) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// Config holds Redis exporter configuration.
type Config struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix prefixes every key written.
	KeyPrefix string

	// Channel receives a message per login. Publishing is skipped when empty.
	Channel string

	// QueueSize bounds the number of pending events.
	QueueSize int

	// Timeout bounds each Redis command.
	Timeout time.Duration

	Logger *slog.Logger
}

// Record is the JSON document stored per session.
type Record struct {
	SessionID  string    `json:"session"`
	RemoteAddr string    `json:"remote"`
	Wallet     string    `json:"wallet,omitempty"`
	UserName   string    `json:"user,omitempty"`
	WorkerName string    `json:"worker,omitempty"`
	Pool       string    `json:"pool"`
	Upstream   string    `json:"upstream,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	LoginAt    time.Time `json:"login_at"`
}

type eventKind int

const (
	eventLogin eventKind = iota
	eventShare
	eventDisconnect
)

type event struct {
	kind     eventKind
	hctx     *handler.Context
	accepted bool
	at       time.Time
}

// Handler is a handler.Handler that mirrors logins into Redis.
type Handler struct {
	handler.NoopHandler

	client Client
	config Config
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan event
	wg     sync.WaitGroup
}

var _ handler.Handler = (*Handler)(nil)

// New connects to Redis and starts the export worker.
func New(config Config) (*Handler, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewWithClient(client, config), nil
}

// NewWithClient starts the export worker on an existing client.
func NewWithClient(client Client, config Config) *Handler {
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaultKeyPrefix
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaultQueueSize
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		client: client,
		config: config,
		logger: logger,
		queue:  make(chan event, config.QueueSize),
	}

	h.wg.Add(1)
	go h.worker()

	return h
}

// WorkersKey returns the hash holding one record per live session.
func (h *Handler) WorkersKey() string {
	return h.config.KeyPrefix + ":workers"
}

// SharesKey returns the hash counting share results of account.
func (h *Handler) SharesKey(account string) string {
	return h.config.KeyPrefix + ":shares:" + account
}

// OnLogin stores and publishes the login.
func (h *Handler) OnLogin(ctx context.Context, hctx *handler.Context) error {
	return h.enqueue(event{kind: eventLogin, hctx: hctx.Clone(), at: time.Now()})
}

// OnShare counts the share result for the session's account.
func (h *Handler) OnShare(ctx context.Context, hctx *handler.Context, accepted bool) error {
	if hctx.Account() == "" {
		return nil
	}
	return h.enqueue(event{kind: eventShare, hctx: hctx.Clone(), accepted: accepted})
}

// OnDisconnect removes the session's record.
func (h *Handler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	return h.enqueue(event{kind: eventDisconnect, hctx: hctx.Clone()})
}

// Close drains queued events, stops the worker and closes the client.
func (h *Handler) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.queue)
	h.mu.Unlock()

	h.wg.Wait()
	return h.client.Close()
}

func (h *Handler) enqueue(ev event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return nil
	}

	select {
	case h.queue <- ev:
	default:
		h.logger.Warn("Redis export queue full, dropping event",
			slog.String("session", ev.hctx.SessionID))
	}
	return nil
}

func (h *Handler) worker() {
	defer h.wg.Done()

	for ev := range h.queue {
		if err := h.apply(ev); err != nil {
			h.logger.Warn("Redis export failed",
				slog.String("session", ev.hctx.SessionID),
				slog.String("error", err.Error()))
		}
	}
}

func (h *Handler) apply(ev event) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	hctx := ev.hctx
	switch ev.kind {
	case eventLogin:
		data, err := json.Marshal(Record{
			SessionID:  hctx.SessionID,
			RemoteAddr: hctx.RemoteAddr,
			Wallet:     hctx.Wallet,
			UserName:   hctx.UserName,
			WorkerName: hctx.WorkerName,
			Pool:       hctx.Pool,
			Upstream:   hctx.Upstream,
			StartedAt:  hctx.StartedAt,
			LoginAt:    ev.at,
		})
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		if err := h.client.HSet(ctx, h.WorkersKey(), hctx.SessionID, data).Err(); err != nil {
			return fmt.Errorf("hset: %w", err)
		}
		if h.config.Channel != "" {
			if err := h.client.Publish(ctx, h.config.Channel, data).Err(); err != nil {
				return fmt.Errorf("publish: %w", err)
			}
		}

	case eventShare:
		field := "rejected"
		if ev.accepted {
			field = "accepted"
		}
		if err := h.client.HIncrBy(ctx, h.SharesKey(hctx.Account()), field, 1).Err(); err != nil {
			return fmt.Errorf("hincrby: %w", err)
		}

	case eventDisconnect:
		if err := h.client.HDel(ctx, h.WorkersKey(), hctx.SessionID).Err(); err != nil {
			return fmt.Errorf("hdel: %w", err)
		}
	}
	return nil
}
