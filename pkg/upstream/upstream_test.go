// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/Godsnightmare/stratumproxy/internal/testcert"
	"github.com/Godsnightmare/stratumproxy/pkg/breaker"
	perrors "github.com/Godsnightmare/stratumproxy/pkg/errors"
	"github.com/Godsnightmare/stratumproxy/pkg/pool"
	"github.com/Godsnightmare/stratumproxy/pkg/reactor"
	"github.com/Godsnightmare/stratumproxy/pkg/tlsconf"
	"github.com/Godsnightmare/stratumproxy/pkg/transport"
)

type event struct {
	ev  transport.Event
	err error
}

type recorder struct {
	reads  chan []byte
	events chan event
}

func newRecorder() *recorder {
	return &recorder{reads: make(chan []byte, 16), events: make(chan event, 4)}
}

func (r *recorder) OnRead(_ *transport.Conn, p []byte) { r.reads <- p }

func (r *recorder) OnEvent(_ *transport.Conn, ev transport.Event, err error) {
	r.events <- event{ev: ev, err: err}
}

func (r *recorder) next(t *testing.T) event {
	t.Helper()
	select {
	case e := <-r.events:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return event{}
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

// echoPool accepts one connection and echoes what it reads.
func echoPool(t *testing.T, cfg *tls.Config) (host string, port uint16) {
	t.Helper()
	var (
		ln  net.Listener
		err error
	)
	if cfg != nil {
		ln, err = tls.Listen("tcp", "127.0.0.1:0", cfg)
	} else {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
	}
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		io.Copy(c, c)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", uint16(addr.Port)
}

func closedPort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return uint16(port)
}

func expectEcho(t *testing.T, conn *transport.Conn, rec *recorder) {
	t.Helper()
	msg := `{"id":1,"method":"mining.subscribe","params":[]}` + "\n"
	if err := conn.Write([]byte(msg)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	var got []byte
	for len(got) < len(msg) {
		select {
		case p := <-rec.reads:
			got = append(got, p...)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after reading %q", got)
		}
	}
	if string(got) != msg {
		t.Errorf("echo = %q, want %q", got, msg)
	}
}

func TestConnector_Plain(t *testing.T) {
	loop := startLoop(t)
	host, port := echoPool(t, nil)
	breakers := breaker.NewGroup(breaker.Config{MaxFailures: 1}, nil)

	c, err := New(Config{Loop: loop, Breakers: breakers})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	rec := newRecorder()
	conn, err := c.Connect(context.Background(), pool.Info{Name: "btc", Host: host, Port: port}, &net.Resolver{}, rec)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Close()

	if e := rec.next(t); e.ev != transport.EventConnected {
		t.Fatalf("event = %v (%v), want connected", e.ev, e.err)
	}
	expectEcho(t, conn, rec)

	if st := breakers.Get("btc").State(); st != breaker.StateClosed {
		t.Errorf("breaker state = %v, want closed", st)
	}
}

func TestConnector_TLS(t *testing.T) {
	loop := startLoop(t)
	pair := testcert.New(t)
	host, port := echoPool(t, &tls.Config{Certificates: []tls.Certificate{pair.Cert}})

	roots := filepath.Join(t.TempDir(), "roots.pem")
	if err := os.WriteFile(roots, pair.CertPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	provider, err := tlsconf.New(tlsconf.Config{RootCAFile: roots})
	if err != nil {
		t.Fatalf("tlsconf.New() error = %v", err)
	}

	c, _ := New(Config{Loop: loop, TLS: provider})
	rec := newRecorder()
	conn, err := c.Connect(context.Background(), pool.Info{Name: "btc", TLS: true, Host: host, Port: port}, nil, rec)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Close()

	if e := rec.next(t); e.ev != transport.EventConnected {
		t.Fatalf("event = %v (%v), want connected", e.ev, e.err)
	}
	expectEcho(t, conn, rec)

	if provider.Cached() != 1 {
		t.Errorf("Cached() = %d, want 1", provider.Cached())
	}
}

func TestConnector_TLSWithoutProvider(t *testing.T) {
	c, _ := New(Config{Loop: reactor.New(0)})
	_, err := c.Connect(context.Background(), pool.Info{Name: "btc", TLS: true, Host: "127.0.0.1", Port: 1}, nil, newRecorder())
	if !errors.Is(err, perrors.ErrTLSUnavailable) {
		t.Errorf("Connect() error = %v, want ErrTLSUnavailable", err)
	}
}

func TestConnector_DialFailureOpensBreaker(t *testing.T) {
	loop := startLoop(t)
	breakers := breaker.NewGroup(breaker.Config{MaxFailures: 1, ResetTimeout: time.Hour}, nil)
	c, _ := New(Config{Loop: loop, Breakers: breakers, DialTimeout: 2 * time.Second})

	info := pool.Info{Name: "dead", Host: "127.0.0.1", Port: closedPort(t)}
	rec := newRecorder()
	conn, err := c.Connect(context.Background(), info, nil, rec)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Close()

	if e := rec.next(t); e.ev != transport.EventError {
		t.Fatalf("event = %v, want error", e.ev)
	}

	// The breaker is updated on the reactor before the event is delivered.
	if st := breakers.Get("dead").State(); st != breaker.StateOpen {
		t.Fatalf("breaker state = %v, want open", st)
	}
	if _, err := c.Connect(context.Background(), info, nil, newRecorder()); !errors.Is(err, perrors.ErrBackendUnavailable) {
		t.Errorf("Connect() with open breaker error = %v, want ErrBackendUnavailable", err)
	}
}

func TestConnector_Socks5(t *testing.T) {
	loop := startLoop(t)
	host, port := echoPool(t, nil)
	socks := socks5Server(t)

	c, _ := New(Config{Loop: loop})
	rec := newRecorder()
	info := pool.Info{Name: "btc", Host: host, Port: port, Socks5: socks}
	conn, err := c.Connect(context.Background(), info, nil, rec)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Close()

	if e := rec.next(t); e.ev != transport.EventConnected {
		t.Fatalf("event = %v (%v), want connected", e.ev, e.err)
	}
	expectEcho(t, conn, rec)
}

// socks5Server runs a minimal no-auth SOCKS5 CONNECT proxy for one client.
func socks5Server(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		// Greeting: VER NMETHODS METHODS...
		hdr := make([]byte, 2)
		if _, err := io.ReadFull(c, hdr); err != nil {
			return
		}
		if _, err := io.ReadFull(c, make([]byte, hdr[1])); err != nil {
			return
		}
		c.Write([]byte{5, 0})

		// Request: VER CMD RSV ATYP ADDR PORT
		req := make([]byte, 4)
		if _, err := io.ReadFull(c, req); err != nil {
			return
		}
		var host string
		switch req[3] {
		case 1:
			ip := make([]byte, 4)
			io.ReadFull(c, ip)
			host = net.IP(ip).String()
		case 3:
			n := make([]byte, 1)
			io.ReadFull(c, n)
			name := make([]byte, n[0])
			io.ReadFull(c, name)
			host = string(name)
		default:
			return
		}
		pb := make([]byte, 2)
		io.ReadFull(c, pb)
		target := net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(pb))))

		up, err := net.Dial("tcp", target)
		if err != nil {
			c.Write([]byte{5, 5, 0, 1, 0, 0, 0, 0, 0, 0})
			return
		}
		defer up.Close()
		c.Write([]byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0})

		go io.Copy(up, c)
		io.Copy(c, up)
	}()

	return ln.Addr().String()
}

func TestResolve(t *testing.T) {
	addrs, err := Resolve(context.Background(), nil, "192.0.2.7")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(addrs) != 1 || addrs[0].String() != "192.0.2.7" {
		t.Errorf("Resolve() = %v, want the literal", addrs)
	}
}

func TestPreferIPv4(t *testing.T) {
	in := []netip.Addr{
		netip.MustParseAddr("2001:db8::1"),
		netip.MustParseAddr("192.0.2.1"),
		netip.MustParseAddr("2001:db8::2"),
		netip.MustParseAddr("::ffff:192.0.2.2"),
	}
	got := PreferIPv4(in)
	want := []string{"192.0.2.1", "192.0.2.2", "2001:db8::1", "2001:db8::2"}
	for i := range want {
		if got[i].String() != want[i] {
			t.Errorf("PreferIPv4()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
