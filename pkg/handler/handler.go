// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"errors"
	"time"
)

// Context contains session metadata and the identity extracted from the
// stratum handshake. It is passed to Handler methods and must not be
// retained past the call; use Clone to keep a copy.
type Context struct {
	// SessionID is a unique identifier for this session
	SessionID string

	// RemoteAddr is the miner's network address
	RemoteAddr string

	// Protocol is stratum+tcp or stratum+ssl depending on the miner leg
	Protocol string

	// Identity extracted from the login request
	Wallet     string
	UserName   string
	WorkerName string
	Password   string

	// Pool is the name of the pool the session relays to, empty before login
	Pool string

	// Upstream is the pool address, empty before login
	Upstream string

	// StartedAt is when the miner connection was accepted
	StartedAt time.Time
}

// Clone returns a copy of hctx safe to hand to another goroutine.
func (hctx *Context) Clone() *Context {
	c := *hctx
	return &c
}

// Account returns the wallet, or the user name when no wallet was given.
func (hctx *Context) Account() string {
	if hctx.Wallet != "" {
		return hctx.Wallet
	}
	return hctx.UserName
}

// Handler receives notifications about session lifecycle events. Methods
// run on the reactor goroutine and must not block; slow work belongs on a
// worker of the handler's own. Returned errors are logged and never affect
// the relay.
type Handler interface {
	// OnConnect is called after a miner connection is accepted and
	// registered.
	OnConnect(ctx context.Context, hctx *Context) error

	// OnLogin is called for every login request the miner sends. Pool is
	// set to the pool the session relays to.
	OnLogin(ctx context.Context, hctx *Context) error

	// OnUpstreamConnect is called once the pool connection is established.
	OnUpstreamConnect(ctx context.Context, hctx *Context) error

	// OnShare is called for every share response matched to a submit.
	OnShare(ctx context.Context, hctx *Context, accepted bool) error

	// OnDisconnect is called exactly once when the session is torn down.
	OnDisconnect(ctx context.Context, hctx *Context) error
}

// NoopHandler is a Handler implementation that ignores all events.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnLogin(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnUpstreamConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnShare(ctx context.Context, hctx *Context, accepted bool) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}

// Chain fans every event out to a list of handlers in order. All handlers
// are called even when one fails; the errors are joined.
type Chain []Handler

var _ Handler = Chain(nil)

func (c Chain) each(fn func(h Handler) error) error {
	var errs []error
	for _, h := range c {
		if h == nil {
			continue
		}
		if err := fn(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c Chain) OnConnect(ctx context.Context, hctx *Context) error {
	return c.each(func(h Handler) error { return h.OnConnect(ctx, hctx) })
}

func (c Chain) OnLogin(ctx context.Context, hctx *Context) error {
	return c.each(func(h Handler) error { return h.OnLogin(ctx, hctx) })
}

func (c Chain) OnUpstreamConnect(ctx context.Context, hctx *Context) error {
	return c.each(func(h Handler) error { return h.OnUpstreamConnect(ctx, hctx) })
}

func (c Chain) OnShare(ctx context.Context, hctx *Context, accepted bool) error {
	return c.each(func(h Handler) error { return h.OnShare(ctx, hctx, accepted) })
}

func (c Chain) OnDisconnect(ctx context.Context, hctx *Context) error {
	return c.each(func(h Handler) error { return h.OnDisconnect(ctx, hctx) })
}
