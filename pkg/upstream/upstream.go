// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package upstream opens the pool leg of a session.
//
// A Connector turns a pool.Info into a transport.Conn that resolves, dials and
// optionally wraps the pool connection in TLS off the reactor goroutine. Only
// construction problems are returned synchronously; the outcome of the dial
// arrives later as a transport event.
package upstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"github.com/Godsnightmare/stratumproxy/pkg/breaker"
	"github.com/Godsnightmare/stratumproxy/pkg/errors"
	"github.com/Godsnightmare/stratumproxy/pkg/metrics"
	"github.com/Godsnightmare/stratumproxy/pkg/pool"
	"github.com/Godsnightmare/stratumproxy/pkg/reactor"
	"github.com/Godsnightmare/stratumproxy/pkg/transport"
)

const defaultDialTimeout = 15 * time.Second

// ClientConfigs provides TLS client configs per destination.
// *tlsconf.Provider implements it.
type ClientConfigs interface {
	Client(host string, port uint16, skipVerify bool) (*tls.Config, error)
}

// Config holds Connector configuration.
type Config struct {
	Loop reactor.Poster

	// TLS is required only when a pool enables TLS.
	TLS ClientConfigs

	// Breakers guards pools that keep failing. Optional.
	Breakers *breaker.Group

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Connector dials pools.
type Connector struct {
	config Config
	logger *slog.Logger
}

// New creates a Connector.
func New(config Config) (*Connector, error) {
	if config.Loop == nil {
		return nil, fmt.Errorf("%w: connector without reactor", errors.ErrInvalidConfig)
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaultDialTimeout
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = config.DialTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{config: config, logger: logger}, nil
}

// Connect starts dialing info and returns the pool transport. Events of the
// transport, including EventConnected or the dial error, go to h. resolver
// is used for the DNS lookup; a nil resolver uses the system default.
func (c *Connector) Connect(ctx context.Context, info pool.Info, resolver *net.Resolver, h transport.Handler) (*transport.Conn, error) {
	var up transport.Upgrader = transport.Plain{}
	if info.TLS {
		if c.config.TLS == nil {
			return nil, fmt.Errorf("%w: pool %s enables tls without a provider", errors.ErrTLSUnavailable, info.Name)
		}
		cfg, err := c.config.TLS.Client(info.Host, info.Port, info.TLSSkipVerify)
		if err != nil {
			return nil, err
		}
		up = transport.TLSClient{Config: cfg}
	}

	conn, err := transport.New(c.config.Loop, up, transport.Options{
		ReadTimeout:      c.config.ReadTimeout,
		WriteTimeout:     c.config.WriteTimeout,
		HandshakeTimeout: c.config.HandshakeTimeout,
	})
	if err != nil {
		return nil, err
	}

	var cb *breaker.CircuitBreaker
	if c.config.Breakers != nil {
		cb = c.config.Breakers.Get(info.Name)
		if err := cb.Allow(); err != nil {
			c.config.Metrics.Dial(info.Name, err, 0)
			return nil, fmt.Errorf("%w: pool %s: %v", errors.ErrBackendUnavailable, info.Name, err)
		}
	}

	start := time.Now()
	obs := &dialObserver{
		Handler: h,
		done: func(err error) {
			if cb != nil {
				cb.Done(err)
			}
			c.config.Metrics.Dial(info.Name, err, time.Since(start))
			if err != nil {
				c.logger.Warn("Upstream dial failed",
					slog.String("pool", info.Name),
					slog.String("upstream", info.Addr()),
					slog.String("error", err.Error()))
			}
		},
	}

	conn.Dial(ctx, func(ctx context.Context) (net.Conn, error) {
		return c.dial(ctx, info, resolver)
	}, obs)

	return conn, nil
}

func (c *Connector) dial(ctx context.Context, info pool.Info, resolver *net.Resolver) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()

	d := &net.Dialer{}

	// The SOCKS5 proxy resolves the pool name itself.
	if info.Socks5 != "" {
		sd, err := proxy.SOCKS5("tcp", info.Socks5, nil, d)
		if err != nil {
			return nil, fmt.Errorf("socks5 %s: %w", info.Socks5, err)
		}
		if cd, ok := sd.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, "tcp", info.Addr())
		}
		return sd.Dial("tcp", info.Addr())
	}

	addrs, err := Resolve(ctx, resolver, info.Host)
	if err != nil {
		return nil, err
	}

	port := strconv.Itoa(int(info.Port))
	var firstErr error
	for _, addr := range addrs {
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(addr.String(), port))
		if err == nil {
			return conn, nil
		}
		if firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, firstErr
}

// Resolve looks host up with r, IPv4 addresses first. IP literals are
// returned as is.
func Resolve(ctx context.Context, r *net.Resolver, host string) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{ip}, nil
	}
	if r == nil {
		r = net.DefaultResolver
	}

	addrs, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}
	return PreferIPv4(addrs), nil
}

// PreferIPv4 orders addrs IPv4 first, keeping the resolver order otherwise.
func PreferIPv4(addrs []netip.Addr) []netip.Addr {
	for i, a := range addrs {
		addrs[i] = a.Unmap()
	}
	sort.SliceStable(addrs, func(i, j int) bool {
		return addrs[i].Is4() && !addrs[j].Is4()
	})
	return addrs
}

// dialObserver reports the first event of a pool transport, which is either
// the connect or the dial failure.
type dialObserver struct {
	transport.Handler
	reported bool
	done     func(err error)
}

func (o *dialObserver) OnEvent(c *transport.Conn, ev transport.Event, err error) {
	if !o.reported {
		o.reported = true
		switch {
		case ev == transport.EventConnected:
			o.done(nil)
		case err != nil:
			o.done(err)
		default:
			o.done(fmt.Errorf("upstream %s", ev))
		}
	}
	o.Handler.OnEvent(c, ev, err)
}
