// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport implements the event-driven connection used for both
// legs of a relay session.
//
// A single Conn type covers plain and TLS connections; the difference lives
// in the Upgrader it is built with (Plain, TLSServer, TLSClient). Reads,
// connect completion, EOF, errors and timeouts reach the Handler as reactor
// callbacks:
//
//	loop := reactor.New(0)
//	conn, _ := transport.New(loop, transport.TLSServer{Config: cfg}, transport.Options{})
//	conn.Accept(raw, handler) // EventConnected after the handshake
//
// Once Close returns, no further callback is delivered for the Conn.
package transport
