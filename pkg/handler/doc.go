// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the observer interface notified about relay
// sessions.
//
// # Architecture Overview
//
// The relay never changes stratum traffic and never asks for permission, so
// unlike an authorizing proxy there are no Auth methods: a Handler only
// observes. The session fires its methods from the reactor goroutine:
//
//	Miner accepted        → OnConnect
//	Login request parsed  → OnLogin (Pool filled in)
//	Pool connected        → OnUpstreamConnect
//	Share response        → OnShare
//	Session torn down     → OnDisconnect
//
// Errors returned by a Handler are logged by the session and otherwise
// ignored.
//
// # Context
//
// The Context struct carries session metadata across all handler calls:
//   - SessionID: Unique identifier for this session
//   - RemoteAddr: Miner's network address
//   - Protocol: stratum+tcp or stratum+ssl
//   - Wallet, UserName, WorkerName, Password: Login identity
//   - Pool, Upstream: Selected pool and its address
//
// # Composition
//
// Chain combines several handlers, for example a logger and the Redis
// exporter in pkg/handler/redis:
//
//	h := handler.Chain{simple.New(logger), redisHandler}
package handler
