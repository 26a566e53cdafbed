// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"

	"github.com/Godsnightmare/stratumproxy/pkg/handler"
	"github.com/Godsnightmare/stratumproxy/pkg/metrics"
)

// InstrumentedHandler wraps a handler with login and share metrics.
type InstrumentedHandler struct {
	handler handler.Handler
	metrics *metrics.Metrics
}

var _ handler.Handler = (*InstrumentedHandler)(nil)

// OnConnect implements handler.Handler.
func (h *InstrumentedHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	return h.handler.OnConnect(ctx, hctx)
}

// OnLogin implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnLogin(ctx context.Context, hctx *handler.Context) error {
	h.metrics.Login(hctx.Pool)

	return h.handler.OnLogin(ctx, hctx)
}

// OnUpstreamConnect implements handler.Handler.
func (h *InstrumentedHandler) OnUpstreamConnect(ctx context.Context, hctx *handler.Context) error {
	return h.handler.OnUpstreamConnect(ctx, hctx)
}

// OnShare implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnShare(ctx context.Context, hctx *handler.Context, accepted bool) error {
	h.metrics.Share(hctx.Pool, accepted)

	return h.handler.OnShare(ctx, hctx, accepted)
}

// OnDisconnect implements handler.Handler.
func (h *InstrumentedHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	return h.handler.OnDisconnect(ctx, hctx)
}
