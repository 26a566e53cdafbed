// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker stops dialing pools that keep failing.
package breaker

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration.
type Config struct {
	// MaxFailures is the number of consecutive failed dials before opening.
	MaxFailures int
	// ResetTimeout is how long to wait in Open state before transitioning to HalfOpen.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of consecutive successes in HalfOpen before closing.
	SuccessThreshold int
}

func (c *Config) setDefaults() {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
}

// StateFunc is notified of a breaker changing state.
type StateFunc func(name string, from, to State)

// CircuitBreaker guards dials to one pool. An Allow that returns nil is
// followed by at most one Done.
type CircuitBreaker struct {
	mu              sync.Mutex
	name            string
	config          Config
	state           State
	failures        int
	successes       int
	lastStateChange time.Time
	onStateChange   StateFunc
	now             func() time.Time
}

// New creates a new circuit breaker.
func New(name string, config Config) *CircuitBreaker {
	config.setDefaults()
	return &CircuitBreaker{
		name:            name,
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
		now:             time.Now,
	}
}

// Name returns the name the breaker was created with.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Allow reports whether a dial may start.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	var change func()
	defer func() {
		cb.mu.Unlock()
		if change != nil {
			change()
		}
	}()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastStateChange) >= cb.config.ResetTimeout {
			change = cb.setState(StateHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen, StateClosed:
		return nil
	default:
		return ErrCircuitOpen
	}
}

// Done records the outcome of a dial allowed by Allow.
func (cb *CircuitBreaker) Done(err error) {
	cb.mu.Lock()
	var change func()
	if err != nil {
		change = cb.onFailure()
	} else {
		change = cb.onSuccess()
	}
	cb.mu.Unlock()

	if change != nil {
		change()
	}
}

// Call executes fn if the breaker allows it and records its result.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	cb.Done(err)
	return err
}

func (cb *CircuitBreaker) onFailure() func() {
	cb.failures++
	cb.successes = 0

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			return cb.setState(StateOpen)
		}
	case StateHalfOpen:
		// Any failure in HalfOpen immediately opens the circuit
		return cb.setState(StateOpen)
	}
	return nil
}

func (cb *CircuitBreaker) onSuccess() func() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			return cb.setState(StateClosed)
		}
	}
	return nil
}

// setState changes state and returns the notification to run once the lock
// is released.
func (cb *CircuitBreaker) setState(newState State) func() {
	if cb.state == newState {
		return nil
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = cb.now()

	switch newState {
	case StateClosed:
		cb.failures = 0
		cb.successes = 0
	case StateHalfOpen:
		cb.successes = 0
	}

	fn := cb.onStateChange
	if fn == nil {
		return nil
	}
	name := cb.name
	return func() { fn(name, oldState, newState) }
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// OnStateChange registers a callback for state changes.
func (cb *CircuitBreaker) OnStateChange(fn StateFunc) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() (state State, failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.failures, cb.successes
}

// Group keeps one breaker per pool name.
type Group struct {
	mu       sync.Mutex
	config   Config
	breakers map[string]*CircuitBreaker
	onChange StateFunc
}

// NewGroup creates a Group whose breakers share config. onChange may be nil.
func NewGroup(config Config, onChange StateFunc) *Group {
	config.setDefaults()
	return &Group{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
		onChange: onChange,
	}
}

// Get returns the breaker for name, creating it on first use.
func (g *Group) Get(name string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	cb, ok := g.breakers[name]
	if !ok {
		cb = New(name, g.config)
		cb.onStateChange = g.onChange
		g.breakers[name] = cb
	}
	return cb
}

// Open returns the names of breakers currently open, sorted.
func (g *Group) Open() []string {
	g.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(g.breakers))
	for _, cb := range g.breakers {
		breakers = append(breakers, cb)
	}
	g.mu.Unlock()

	var open []string
	for _, cb := range breakers {
		if cb.State() == StateOpen {
			open = append(open, cb.Name())
		}
	}
	sort.Strings(open)
	return open
}
