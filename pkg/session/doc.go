// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session implements the per-connection relay between a miner
// (downstream) and a pool (upstream), and the registry that owns live
// sessions.
//
// # States
//
//	Created           downstream transport exists, nothing observed yet
//	DownstreamActive  a downstream read or TLS handshake was observed
//	AwaitingUpstream  login parsed, pool chosen, upstream dial started
//	Relaying          both legs ready, bytes flow verbatim both ways
//	Closed            a leg failed; both transports released
//
// # Buffering
//
// Bytes from the pool that arrive before the miner leg is ready are queued
// in pendingToDownstream and flushed, in order, the moment it becomes ready.
//
// Bytes from the miner that arrive before the pool leg is ready are always
// handed to the analyzer. By default they are also queued in
// pendingToUpstream and flushed ahead of live bytes once the pool connects,
// so a multi-message handshake reaches the pool intact. With
// DropEarlyUpload they are seen by the analyzer only and never forwarded.
// In neither mode is anything written to the pool before it is ready.
//
// # Concurrency
//
// All Session methods run on the reactor goroutine. The Registry is the only
// structure shared with other goroutines and is guarded by one mutex.
package session
