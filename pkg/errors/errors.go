// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the stratum proxy.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrInvalidConfig indicates a configuration value that prevents startup.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrUnknownPool indicates no pool matches the requested name or worker.
	ErrUnknownPool = errors.New("unknown pool")

	// ErrBackendUnavailable indicates the pool is refusing dials (breaker open).
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrSessionClosed indicates the session was already torn down.
	ErrSessionClosed = errors.New("session closed")

	// ErrBufferOverflow indicates a pending relay buffer exceeded its limit.
	ErrBufferOverflow = errors.New("pending buffer overflow")

	// ErrTLSUnavailable indicates a TLS context could not be built.
	ErrTLSUnavailable = errors.New("tls unavailable")
)

// SessionError wraps an error with the session it happened in.
type SessionError struct {
	Op         string // Operation that failed
	Leg        string // downstream or upstream
	SessionID  string // Session identifier
	RemoteAddr string // Miner address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	if e.Leg != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Leg, e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.SessionID, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// New creates a new SessionError.
func New(op, leg, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &SessionError{
		Op:         op,
		Leg:        leg,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
