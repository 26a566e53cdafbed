// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"sync"

	"github.com/Godsnightmare/stratumproxy/pkg/errors"
)

// Registry is the set of live sessions. Insertion happens on accept and
// removal on teardown, both under one mutex. A session leaves the registry
// in the same critical section that releases its transports.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Insert registers s. The session must not have received any event yet.
func (r *Registry) Insert(s *Session) error {
	r.mu.Lock()
	if s.state == Closed {
		r.mu.Unlock()
		return errors.ErrSessionClosed
	}
	if _, ok := r.sessions[s.id]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: duplicate session id %s", errors.ErrInvalidConfig, s.id)
	}
	r.sessions[s.id] = s
	s.registry = r
	r.mu.Unlock()

	s.opened()
	return nil
}

// Remove unregisters s and releases everything it owns. It reports false,
// and does nothing, when s is not registered.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	if cur, ok := r.sessions[s.id]; !ok || cur != s {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, s.id)
	s.release()
	r.mu.Unlock()

	s.finish()
	return true
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll removes and releases every session. It returns how many were
// closed.
func (r *Registry) CloseAll(reason string) int {
	r.mu.Lock()
	closed := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		delete(r.sessions, id)
		if s.state != Closed {
			s.reason = reason
		}
		s.release()
		closed = append(closed, s)
	}
	r.mu.Unlock()

	for _, s := range closed {
		s.finish()
	}
	return len(closed)
}
