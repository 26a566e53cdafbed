// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/Godsnightmare/stratumproxy/pkg/reactor"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
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

func TestTCPServer_ListenAndAccept(t *testing.T) {
	loop := startLoop(t)

	accepted := make(chan net.Conn, 1)
	srv := New(Config{Address: "127.0.0.1:0", Logger: newTestLogger()}, loop, func(conn net.Conn) {
		if !loop.Running() {
			t.Error("accept callback ran outside the reactor")
		}
		accepted <- conn
	})
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	// Idempotent.
	if err := srv.Listen(); err != nil {
		t.Fatalf("second Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	client, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not accepted")
	}
	defer conn.Close()

	if _, err := client.Write([]byte("ping\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping\n" {
		t.Errorf("read %q, want ping", buf)
	}

	cancel()
	select {
	case err := <-serveErr:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	if _, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second); err == nil {
		t.Error("listener still accepting after shutdown")
	}
}

func TestTCPServer_InvalidAddress(t *testing.T) {
	srv := New(Config{Address: "invalid:address:format", Logger: newTestLogger()}, reactor.New(0), func(net.Conn) {})
	if err := srv.Listen(); err == nil {
		t.Fatal("Listen() error = nil, want error")
	}
	if srv.Addr() != nil {
		t.Errorf("Addr() = %v, want nil", srv.Addr())
	}
}

func TestTCPServer_ServeWithoutListen(t *testing.T) {
	srv := New(Config{Address: "127.0.0.1:0"}, reactor.New(0), func(net.Conn) {})
	if err := srv.Serve(context.Background()); !errors.Is(err, ErrNotListening) {
		t.Errorf("Serve() error = %v, want ErrNotListening", err)
	}
}

func TestTCPServer_Close(t *testing.T) {
	srv := New(Config{Address: "127.0.0.1:0", Logger: newTestLogger()}, reactor.New(0), func(net.Conn) {})
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(context.Background()) }()

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	select {
	case err := <-serveErr:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}

	if err := srv.Listen(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Listen() after Close error = %v, want net.ErrClosed", err)
	}
}

func TestTCPServer_StoppedReactor(t *testing.T) {
	loop := reactor.New(0)
	loop.Stop()

	srv := New(Config{Address: "127.0.0.1:0", Logger: newTestLogger()}, loop, func(conn net.Conn) {
		t.Error("accept callback ran on a stopped reactor")
	})
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(context.Background()) }()

	client, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	select {
	case err := <-serveErr:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return with a stopped reactor")
	}

	// The accepted connection is closed rather than leaked.
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Error("read on dropped connection succeeded")
	}
}
