// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/Godsnightmare/stratumproxy/internal/testcert"
	"github.com/Godsnightmare/stratumproxy/pkg/reactor"
)

type recordedEvent struct {
	ev  Event
	err error
}

type recorder struct {
	reads  chan []byte
	events chan recordedEvent
}

func newRecorder() *recorder {
	return &recorder{
		reads:  make(chan []byte, 64),
		events: make(chan recordedEvent, 8),
	}
}

func (r *recorder) OnRead(c *Conn, p []byte) {
	r.reads <- p
}

func (r *recorder) OnEvent(c *Conn, ev Event, err error) {
	r.events <- recordedEvent{ev: ev, err: err}
}

func (r *recorder) readN(t *testing.T, n int) []byte {
	t.Helper()
	var got []byte
	for len(got) < n {
		select {
		case p := <-r.reads:
			got = append(got, p...)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out after %d of %d bytes", len(got), n)
		}
	}
	return got
}

func (r *recorder) event(t *testing.T) recordedEvent {
	t.Helper()
	select {
	case e := <-r.events:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return recordedEvent{}
}

func startLoop(t *testing.T) *reactor.Loop {
	t.Helper()
	loop := reactor.New(0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return loop
}

// acceptPair returns the server side raw conn and the client conn of a
// loopback TCP connection.
func acceptPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server, ok := <-accepted
	if !ok {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

func TestNew_Validation(t *testing.T) {
	loop := reactor.New(0)

	tests := []struct {
		name string
		loop reactor.Poster
		up   Upgrader
		want error
	}{
		{name: "plain", loop: loop, up: Plain{}},
		{name: "nil upgrader", loop: loop, up: nil},
		{name: "no loop", loop: nil, up: Plain{}, want: ErrNoLoop},
		{name: "tls server without config", loop: loop, up: TLSServer{}, want: ErrNoTLSConfig},
		{name: "tls client without config", loop: loop, up: TLSClient{}, want: ErrNoTLSConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.loop, tt.up, Options{})
			if !errors.Is(err, tt.want) {
				t.Errorf("New() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestConn_AcceptPlainReadWrite(t *testing.T) {
	loop := startLoop(t)
	server, client := acceptPair(t)

	rec := newRecorder()
	conn, err := New(loop, Plain{}, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer conn.Close()
	conn.Accept(server, rec)

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	if got := rec.readN(t, 5); string(got) != "hello" {
		t.Errorf("read %q, want hello", got)
	}

	if err := conn.Write([]byte("world")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	buf := make([]byte, 5)
	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(buf) != "world" {
		t.Errorf("client got %q, want world", buf)
	}

	client.Close()
	e := rec.event(t)
	if e.ev != EventEOF {
		t.Errorf("event = %v (%v), want eof", e.ev, e.err)
	}
}

func TestConn_PlainAcceptHasNoConnectEvent(t *testing.T) {
	loop := startLoop(t)
	server, client := acceptPair(t)

	rec := newRecorder()
	conn, _ := New(loop, Plain{}, Options{})
	defer conn.Close()
	conn.Accept(server, rec)

	client.Write([]byte("x"))
	rec.readN(t, 1)

	select {
	case e := <-rec.events:
		t.Errorf("unexpected event %v", e.ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConn_CloseDropsEvents(t *testing.T) {
	loop := startLoop(t)
	server, client := acceptPair(t)

	rec := newRecorder()
	conn, _ := New(loop, Plain{}, Options{})
	conn.Accept(server, rec)

	if err := conn.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := conn.Write([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after Close error = %v, want ErrClosed", err)
	}

	client.Write([]byte("ignored"))

	select {
	case p := <-rec.reads:
		t.Errorf("unexpected read %q after Close", p)
	case e := <-rec.events:
		t.Errorf("unexpected event %v after Close", e.ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestConn_ReadTimeout(t *testing.T) {
	loop := startLoop(t)
	server, _ := acceptPair(t)

	rec := newRecorder()
	conn, _ := New(loop, Plain{}, Options{ReadTimeout: 50 * time.Millisecond})
	defer conn.Close()
	conn.Accept(server, rec)

	if e := rec.event(t); e.ev != EventTimeout {
		t.Errorf("event = %v (%v), want timeout", e.ev, e.err)
	}
}

func TestConn_DialQueuesEarlyWrites(t *testing.T) {
	loop := startLoop(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	got := make(chan []byte, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 9)
		io.ReadFull(c, buf)
		got <- buf
	}()

	rec := newRecorder()
	conn, _ := New(loop, Plain{}, Options{})
	defer conn.Close()

	// Written before the dial even starts.
	conn.Write([]byte("early"))
	conn.Dial(context.Background(), func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", ln.Addr().String())
	}, rec)

	if e := rec.event(t); e.ev != EventConnected {
		t.Fatalf("event = %v (%v), want connected", e.ev, e.err)
	}
	conn.Write([]byte("-late"))

	select {
	case b := <-got:
		if string(b) != "early-lat" {
			t.Errorf("server got %q, want early-lat", b)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not receive bytes")
	}
}

func TestConn_DialFailure(t *testing.T) {
	loop := startLoop(t)

	rec := newRecorder()
	conn, _ := New(loop, Plain{}, Options{})
	defer conn.Close()

	dialErr := errors.New("no route")
	conn.Dial(context.Background(), func(context.Context) (net.Conn, error) {
		return nil, dialErr
	}, rec)

	e := rec.event(t)
	if e.ev != EventError {
		t.Errorf("event = %v, want error", e.ev)
	}
	if !errors.Is(e.err, dialErr) {
		t.Errorf("err = %v, want %v", e.err, dialErr)
	}
}

func TestConn_TLSBothSides(t *testing.T) {
	loop := startLoop(t)
	pair := testcert.New(t)
	server, client := acceptPair(t)

	srvRec := newRecorder()
	srv, err := New(loop, TLSServer{Config: &tls.Config{Certificates: []tls.Certificate{pair.Cert}}}, Options{})
	if err != nil {
		t.Fatalf("New(server) error = %v", err)
	}
	defer srv.Close()

	cliRec := newRecorder()
	cli, err := New(loop, TLSClient{Config: &tls.Config{RootCAs: pair.Pool, ServerName: "localhost"}}, Options{})
	if err != nil {
		t.Fatalf("New(client) error = %v", err)
	}
	defer cli.Close()

	srv.Accept(server, srvRec)
	cli.Dial(context.Background(), func(context.Context) (net.Conn, error) { return client, nil }, cliRec)

	if e := srvRec.event(t); e.ev != EventConnected {
		t.Fatalf("server event = %v (%v), want connected", e.ev, e.err)
	}
	if e := cliRec.event(t); e.ev != EventConnected {
		t.Fatalf("client event = %v (%v), want connected", e.ev, e.err)
	}

	msg := []byte(`{"id":1,"method":"mining.subscribe","params":[]}` + "\n")
	cli.Write(msg)
	if got := srvRec.readN(t, len(msg)); !bytes.Equal(got, msg) {
		t.Errorf("server read %q, want %q", got, msg)
	}
}

func TestEvent_String(t *testing.T) {
	tests := map[Event]string{
		EventConnected: "connected",
		EventEOF:       "eof",
		EventError:     "error",
		EventTimeout:   "timeout",
		Event(42):      "unknown",
	}
	for ev, want := range tests {
		if got := ev.String(); got != want {
			t.Errorf("Event(%d).String() = %q, want %q", ev, got, want)
		}
	}
}
