// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Godsnightmare/stratumproxy/pkg/reactor"
)

const defaultReadBufferSize = 16 * 1024

var (
	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("transport closed")

	// ErrNoTLSConfig is returned by New for a TLS upgrader without a config.
	ErrNoTLSConfig = errors.New("tls upgrader without config")

	// ErrNoLoop is returned by New when no reactor is given.
	ErrNoLoop = errors.New("transport without reactor")
)

// Event is a non-data notification delivered to a Handler.
type Event int

const (
	// EventConnected reports an established outbound connection or a completed
	// server-side TLS handshake.
	EventConnected Event = iota
	// EventEOF reports that the peer closed the connection.
	EventEOF
	// EventError reports a socket, dial, or handshake error.
	EventError
	// EventTimeout reports a read or write deadline expiry.
	EventTimeout
)

// String returns a string representation of the event.
func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventEOF:
		return "eof"
	case EventError:
		return "error"
	case EventTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Handler receives the callbacks of one Conn. All calls happen on the
// reactor goroutine.
type Handler interface {
	// OnRead is called with bytes read from the connection. p is owned by
	// the handler.
	OnRead(c *Conn, p []byte)

	// OnEvent is called for connect completion and for the terminal
	// EOF, error or timeout condition. err is nil for EventConnected.
	OnEvent(c *Conn, ev Event, err error)
}

// DialFunc establishes the raw connection of an outbound Conn.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Options tunes a Conn.
type Options struct {
	// ReadTimeout bounds each read. Zero disables it.
	ReadTimeout time.Duration

	// WriteTimeout bounds each write. Zero disables it.
	WriteTimeout time.Duration

	// HandshakeTimeout bounds the upgrade step. Zero disables it.
	HandshakeTimeout time.Duration

	// ReadBufferSize is the size of a single read. Defaults to 16 KiB.
	ReadBufferSize int
}

// Conn is an event-driven connection. Blocking I/O runs on its own
// goroutines and every result is posted to the reactor, so callers only
// ever see it from the reactor goroutine. Write never blocks: bytes are
// queued and flushed by a writer goroutine once the connection exists.
type Conn struct {
	loop     reactor.Poster
	upgrader Upgrader
	opts     Options
	h        Handler

	mu     sync.Mutex
	raw    net.Conn
	conn   net.Conn
	out    []byte
	closed bool
	cancel context.CancelFunc
	remote string

	wake chan struct{}
	done chan struct{}
}

// New creates a Conn that posts its callbacks to loop.
func New(loop reactor.Poster, u Upgrader, opts Options) (*Conn, error) {
	if loop == nil {
		return nil, ErrNoLoop
	}
	switch v := u.(type) {
	case nil:
		u = Plain{}
	case TLSServer:
		if v.Config == nil {
			return nil, ErrNoTLSConfig
		}
	case TLSClient:
		if v.Config == nil {
			return nil, ErrNoTLSConfig
		}
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = defaultReadBufferSize
	}

	return &Conn{
		loop:     loop,
		upgrader: u,
		opts:     opts,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// Accept starts serving an inbound connection. For handshaking upgraders
// EventConnected is delivered once the handshake completes.
func (c *Conn) Accept(raw net.Conn, h Handler) {
	c.h = h
	c.mu.Lock()
	c.raw = raw
	c.conn = raw
	if addr := raw.RemoteAddr(); addr != nil {
		c.remote = addr.String()
	}
	c.mu.Unlock()

	dial := func(context.Context) (net.Conn, error) { return raw, nil }
	go c.run(context.Background(), dial, c.upgrader.Handshake())
}

// Dial starts an outbound connection. EventConnected is delivered once the
// dial and the upgrade both succeeded, EventError otherwise.
func (c *Conn) Dial(ctx context.Context, dial DialFunc, h Handler) {
	c.h = h
	go c.run(ctx, dial, true)
}

// Write queues p for delivery.
func (c *Conn) Write(p []byte) error {
	if len(p) == 0 {
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.out = append(c.out, p...)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close releases the connection. The socket is closed without a TLS
// close_notify, so Close never waits on the peer. Events still queued on the
// reactor are dropped. Close is idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn, cancel := c.raw, c.cancel
	c.out = nil
	c.mu.Unlock()

	close(c.done)
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Pending returns the number of queued bytes not yet handed to the socket.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.out)
}

// RemoteAddr returns the peer address, empty before the connection exists.
func (c *Conn) RemoteAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// setConn publishes conn unless the Conn was closed meanwhile. raw marks
// the socket itself, as opposed to its TLS wrapper.
func (c *Conn) setConn(conn net.Conn, raw bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if raw {
		c.raw = conn
	}
	c.conn = conn
	if addr := conn.RemoteAddr(); addr != nil {
		c.remote = addr.String()
	}
	return true
}

func (c *Conn) run(ctx context.Context, dial DialFunc, announce bool) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.cancel = cancel
	c.mu.Unlock()

	raw, err := dial(ctx)
	if err != nil {
		c.dispatchEvent(classify(err), fmt.Errorf("dial: %w", err))
		return
	}
	if !c.setConn(raw, true) {
		raw.Close()
		return
	}

	hctx := ctx
	if c.opts.HandshakeTimeout > 0 {
		var hcancel context.CancelFunc
		hctx, hcancel = context.WithTimeout(ctx, c.opts.HandshakeTimeout)
		defer hcancel()
	}
	conn, err := c.upgrader.Upgrade(hctx, raw)
	if err != nil {
		raw.Close()
		c.dispatchEvent(classify(err), fmt.Errorf("handshake: %w", err))
		return
	}
	if !c.setConn(conn, false) {
		conn.Close()
		return
	}

	if announce {
		c.dispatchEvent(EventConnected, nil)
	}

	go c.writeLoop(conn)
	c.readLoop(conn)
}

func (c *Conn) readLoop(conn net.Conn) {
	buf := make([]byte, c.opts.ReadBufferSize)
	for {
		if c.opts.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		}
		n, err := conn.Read(buf)
		if n > 0 {
			p := make([]byte, n)
			copy(p, buf[:n])
			c.dispatch(func(h Handler) { h.OnRead(c, p) })
		}
		if err != nil {
			c.dispatchEvent(classify(err), err)
			return
		}
	}
}

func (c *Conn) writeLoop(conn net.Conn) {
	for {
		c.mu.Lock()
		buf := c.out
		c.out = nil
		c.mu.Unlock()

		if len(buf) > 0 {
			if c.opts.WriteTimeout > 0 {
				conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			}
			if _, err := conn.Write(buf); err != nil {
				c.dispatchEvent(classify(err), err)
				return
			}
			continue
		}

		select {
		case <-c.wake:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) dispatchEvent(ev Event, err error) {
	c.dispatch(func(h Handler) { h.OnEvent(c, ev, err) })
}

// dispatch runs fn on the reactor unless the Conn gets closed first.
func (c *Conn) dispatch(fn func(h Handler)) {
	c.loop.Post(func() {
		if c.isClosed() || c.h == nil {
			return
		}
		fn(c.h)
	})
}

func classify(err error) Event {
	if errors.Is(err, io.EOF) {
		return EventEOF
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return EventTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return EventTimeout
	}
	return EventError
}

// Upgrader turns a raw connection into the one that is read and written.
type Upgrader interface {
	Upgrade(ctx context.Context, raw net.Conn) (net.Conn, error)

	// Handshake reports whether Upgrade completes a handshake worth an
	// EventConnected on inbound connections.
	Handshake() bool
}

// Plain leaves the connection untouched.
type Plain struct{}

func (Plain) Upgrade(_ context.Context, raw net.Conn) (net.Conn, error) { return raw, nil }

func (Plain) Handshake() bool { return false }

// TLSServer wraps an inbound connection as the TLS server side.
type TLSServer struct {
	Config *tls.Config
}

func (u TLSServer) Upgrade(ctx context.Context, raw net.Conn) (net.Conn, error) {
	conn := tls.Server(raw, u.Config)
	if err := conn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

func (TLSServer) Handshake() bool { return true }

// TLSClient wraps an outbound connection as the TLS client side.
type TLSClient struct {
	Config *tls.Config
}

func (u TLSClient) Upgrade(ctx context.Context, raw net.Conn) (net.Conn, error) {
	conn := tls.Client(raw, u.Config)
	if err := conn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

func (TLSClient) Handshake() bool { return true }
