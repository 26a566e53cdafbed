// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package reactor provides the single event loop that runs every session
// callback of the proxy.
//
// I/O goroutines never touch session state. They post closures with Post and
// the loop executes them strictly one at a time, so callbacks for a given
// session never run concurrently with each other.
package reactor

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is used when New is given a non-positive size.
const DefaultQueueSize = 1024

// Poster is the part of Loop that I/O goroutines need.
type Poster interface {
	Post(fn func()) bool
}

// Loop is a single-goroutine dispatcher of posted callbacks.
type Loop struct {
	events   chan func()
	done     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

var _ Poster = (*Loop)(nil)

// New creates a loop whose pending-callback queue holds size entries.
func New(size int) *Loop {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Loop{
		events: make(chan func(), size),
		done:   make(chan struct{}),
	}
}

// Post queues fn for execution on the loop goroutine. It blocks while the
// queue is full and returns false once the loop has been stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}

	select {
	case l.events <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Run dispatches posted callbacks until Stop is called or ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.running.Store(true)
	defer l.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return nil
		case <-l.done:
			return nil
		case fn := <-l.events:
			fn()
		}
	}
}

// Stop requests the loop to exit. It is safe to call from within a callback
// and more than once.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
}

// Done is closed once Stop has been called.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Running reports whether Run is currently dispatching.
func (l *Loop) Running() bool {
	return l.running.Load()
}
