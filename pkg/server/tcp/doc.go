// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the listener of the stratum proxy.
//
// # Overview
//
// The server binds a TCP address and accepts miner connections. It does no
// I/O on them itself: every accepted net.Conn is handed to the reactor, and
// the accept callback runs on the reactor goroutine, where the proxy builds
// and registers the session before any read is started.
//
//	┌─────────┐  accept  ┌────────┐  Post  ┌─────────┐
//	│  Miner  │ ───────→ │ Server │ ─────→ │ Reactor │ → AcceptFunc
//	└─────────┘          └────────┘        └─────────┘
//
// # Lifecycle
//
//  1. Listen binds the address. It is idempotent.
//  2. Serve runs the accept loop until the context is cancelled, Close is
//     called or the reactor stops accepting callbacks.
//  3. Close closes the listener. Accepted connections are owned by the
//     callback and are not touched.
//
// Transient accept errors are logged and retried with a growing delay, up
// to one second.
//
// # Example
//
//	srv := tcp.New(tcp.Config{Address: "0.0.0.0:3333"}, loop, func(conn net.Conn) {
//		// build and register a session for conn
//	})
//	if err := srv.Listen(); err != nil {
//		return err
//	}
//	go srv.Serve(ctx)
package tcp
