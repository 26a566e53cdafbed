// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/Godsnightmare/stratumproxy/pkg/breaker"
	"github.com/Godsnightmare/stratumproxy/pkg/errors"
	"github.com/Godsnightmare/stratumproxy/pkg/handler"
	"github.com/Godsnightmare/stratumproxy/pkg/metrics"
	"github.com/Godsnightmare/stratumproxy/pkg/pool"
	"github.com/Godsnightmare/stratumproxy/pkg/reactor"
	"github.com/Godsnightmare/stratumproxy/pkg/server/tcp"
	"github.com/Godsnightmare/stratumproxy/pkg/session"
	"github.com/Godsnightmare/stratumproxy/pkg/tlsconf"
	"github.com/Godsnightmare/stratumproxy/pkg/transport"
	"github.com/Godsnightmare/stratumproxy/pkg/upstream"
)

// Config holds the proxy-wide configuration.
type Config struct {
	// ListenAddr must be an IP literal.
	ListenAddr string
	ListenPort uint16

	EnableTLS bool
	CertFile  string
	KeyFile   string
	CAFile    string

	Pools       []pool.Info
	DefaultPool string

	DropEarlyUpload bool
	MaxPendingBytes int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration

	Breaker breaker.Config

	Handler handler.Handler
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Proxy owns the reactor, the listener, the pool table and every live
// session.
type Proxy struct {
	config Config
	logger *slog.Logger
	loop   *reactor.Loop

	mu        sync.Mutex
	ready     bool
	ran       bool
	tls       *tlsconf.Provider
	pools     *pool.Table
	breakers  *breaker.Group
	connector *upstream.Connector
	server    *tcp.Server
	sessions  *session.Registry
}

// New creates a Proxy. Nothing is validated or bound before Setup.
func New(config Config) *Proxy {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		config:   config,
		logger:   logger,
		loop:     reactor.New(0),
		sessions: session.NewRegistry(),
	}
}

// Setup validates the configuration and binds the listener. Once it has
// succeeded, further calls return nil.
func (p *Proxy) Setup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ready {
		return nil
	}

	ip, err := netip.ParseAddr(p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("%w: listen address %q: %v", errors.ErrInvalidConfig, p.config.ListenAddr, err)
	}

	provider, err := tlsconf.New(tlsconf.Config{
		EnableServer: p.config.EnableTLS,
		CertFile:     p.config.CertFile,
		KeyFile:      p.config.KeyFile,
		RootCAFile:   p.config.CAFile,
	})
	if err != nil {
		return err
	}

	pools, err := pool.NewTable(p.config.Pools, p.config.DefaultPool)
	if err != nil {
		return err
	}

	breakers := breaker.NewGroup(p.config.Breaker, p.breakerChanged)

	connector, err := upstream.New(upstream.Config{
		Loop:         p.loop,
		TLS:          provider,
		Breakers:     breakers,
		DialTimeout:  p.config.DialTimeout,
		ReadTimeout:  p.config.ReadTimeout,
		WriteTimeout: p.config.WriteTimeout,
		Metrics:      p.config.Metrics,
		Logger:       p.logger,
	})
	if err != nil {
		return err
	}

	server := tcp.New(tcp.Config{
		Address: netip.AddrPortFrom(ip, p.config.ListenPort).String(),
		Logger:  p.logger,
	}, p.loop, p.accept)
	if err := server.Listen(); err != nil {
		return err
	}

	p.tls = provider
	p.pools = pools
	p.breakers = breakers
	p.connector = connector
	p.server = server
	p.ready = true

	for _, info := range pools.All() {
		p.logger.Info("Pool configured",
			slog.String("pool", info.Name),
			slog.String("upstream", info.Addr()),
			slog.Bool("tls", info.TLS),
			slog.Bool("default", info.Name == pools.Default().Name))
	}
	return nil
}

// Run sets the proxy up if needed and dispatches the reactor until ctx is
// cancelled or Stop is called. On return the listener is closed and every
// session is torn down. A Proxy runs once.
func (p *Proxy) Run(ctx context.Context) error {
	if err := p.Setup(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.ran {
		p.mu.Unlock()
		return fmt.Errorf("%w: proxy already ran", errors.ErrInvalidConfig)
	}
	p.ran = true
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	served := make(chan error, 1)
	go func() { served <- p.server.Serve(ctx) }()

	p.logger.Info("Proxy started",
		slog.String("address", p.server.Addr().String()),
		slog.Bool("tls", p.config.EnableTLS))

	err := p.loop.Run(ctx)

	cancel()
	p.server.Close()
	if serr := <-served; serr != nil {
		p.logger.Error("Listener failed", slog.String("error", serr.Error()))
	}

	n := p.sessions.CloseAll("shutdown")
	p.logger.Info("Proxy stopped", slog.Int("sessions", n))
	return err
}

// Stop asks Run to return. It is safe to call from any goroutine, including
// reactor callbacks.
func (p *Proxy) Stop() {
	p.loop.Stop()
}

// Addr returns the listener address, nil before Setup.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.server == nil {
		return nil
	}
	return p.server.Addr()
}

// Sessions returns the live session registry.
func (p *Proxy) Sessions() *session.Registry {
	return p.sessions
}

// Running reports whether the reactor is dispatching.
func (p *Proxy) Running() bool {
	return p.loop.Running()
}

// OpenBreakers returns the pools currently refusing dials.
func (p *Proxy) OpenBreakers() []string {
	p.mu.Lock()
	breakers := p.breakers
	p.mu.Unlock()
	if breakers == nil {
		return nil
	}
	return breakers.Open()
}

func (p *Proxy) breakerChanged(name string, from, to breaker.State) {
	p.logger.Warn("Pool circuit breaker changed",
		slog.String("pool", name),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
	p.config.Metrics.BreakerChanged(name, from, to)
}

// accept runs on the reactor for every miner connection. The session is
// registered before the transport starts reading.
func (p *Proxy) accept(raw net.Conn) {
	var up transport.Upgrader = transport.Plain{}
	protocol := "tcp"
	if cfg := p.tls.Server(); cfg != nil {
		up = transport.TLSServer{Config: cfg}
		protocol = "tls"
	}

	remote := raw.RemoteAddr().String()
	conn, err := transport.New(p.loop, up, transport.Options{
		ReadTimeout:      p.config.ReadTimeout,
		WriteTimeout:     p.config.WriteTimeout,
		HandshakeTimeout: p.config.DialTimeout,
	})
	if err != nil {
		p.fatal(raw, "create downstream transport", err)
		return
	}

	s, err := session.New(session.Config{
		RemoteAddr:      remote,
		Protocol:        protocol,
		Downstream:      conn,
		Pools:           p.pools,
		Dial:            p.dial,
		DropEarlyUpload: p.config.DropEarlyUpload,
		MaxPendingBytes: p.config.MaxPendingBytes,
		Handler:         p.config.Handler,
		Metrics:         p.config.Metrics,
		Logger:          p.logger,
	})
	if err != nil {
		p.fatal(raw, "create session", err)
		return
	}

	if err := p.sessions.Insert(s); err != nil {
		p.logger.Error("Failed to register session",
			slog.String("remote", remote),
			slog.String("error", err.Error()))
		s.Close("register")
		raw.Close()
		return
	}

	conn.Accept(raw, s.Downstream())
}

func (p *Proxy) dial(ctx context.Context, info pool.Info, r *net.Resolver, h transport.Handler) (session.Transport, error) {
	conn, err := p.connector.Connect(ctx, info, r, h)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// fatal handles a failure to build the accept path, which leaves the proxy
// unable to serve.
func (p *Proxy) fatal(raw net.Conn, op string, err error) {
	p.logger.Error("Accept path failed, stopping proxy",
		slog.String("op", op),
		slog.String("remote", raw.RemoteAddr().String()),
		slog.String("error", err.Error()))
	raw.Close()
	p.Stop()
}
