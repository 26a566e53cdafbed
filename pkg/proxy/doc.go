// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy wires the stratum relay together and owns its proxy-wide
// state: the reactor, the listener, the TLS provider, the pool table, the
// pool circuit breakers and the session registry.
//
// # Architecture
//
//	Miner ──TCP/TLS──→ tcp.Server ──Post──→ Reactor ──→ accept
//	                                                      │
//	                  session.New, Registry.Insert, Conn.Accept
//	                                                      │
//	Pool ←── upstream.Connector (breaker, DNS, SOCKS5, TLS) ←── Session
//
// # Lifecycle
//
//	p := proxy.New(cfg)
//	if err := p.Setup(); err != nil { // bad address, pools or certificate
//		return err
//	}
//	err := p.Run(ctx) // blocks until ctx is cancelled or p.Stop()
//
// Setup is idempotent and fails without partial service. Run dispatches the
// reactor; when it returns the listener is closed and every live session is
// torn down. Stop is safe from any goroutine and from reactor callbacks.
//
// A failure to build the transport or the session of an accepted connection
// stops the proxy, since it would fail the same way for every miner.
package proxy
