// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Godsnightmare/stratumproxy/pkg/reactor"
)

const maxAcceptDelay = time.Second

// ErrNotListening is returned by Serve before a successful Listen.
var ErrNotListening = errors.New("server is not listening")

// AcceptFunc takes ownership of an accepted connection. It runs on the
// reactor goroutine.
type AcceptFunc func(conn net.Conn)

// Config holds the TCP server configuration.
type Config struct {
	// Address is the listen address (host:port).
	Address string

	// Logger for server events.
	Logger *slog.Logger
}

// Server accepts TCP connections and hands them to the reactor.
type Server struct {
	config Config
	loop   reactor.Poster
	accept AcceptFunc

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// New creates a new TCP server. Accepted connections are posted to loop and
// passed to accept.
func New(cfg Config, loop reactor.Poster, accept AcceptFunc) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		config: cfg,
		loop:   loop,
		accept: accept,
	}
}

// Listen binds the configured address. Calling it again after a successful
// bind is a no-op.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return net.ErrClosed
	}
	if s.listener != nil {
		return nil
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.listener = listener

	s.config.Logger.Info("TCP server started", slog.String("address", listener.Addr().String()))
	return nil
}

// Addr returns the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or Close is called. It
// returns nil on a regular shutdown.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return ErrNotListening
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stop:
		}
	}()

	var delay time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			s.config.Logger.Error("failed to accept connection",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		delay = 0

		if !s.loop.Post(func() { s.accept(conn) }) {
			// The reactor is gone, nobody will own conn.
			conn.Close()
			s.Close()
			return nil
		}
	}
}

// Close stops accepting connections. It is idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.config.Logger.Info("TCP server stopped", slog.String("address", s.listener.Addr().String()))
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
