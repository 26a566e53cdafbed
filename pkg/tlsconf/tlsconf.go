// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tlsconf builds the TLS configurations used on both legs of a
// session: one server config for miners, and client configs for pools cached
// per destination so repeated dials can resume TLS sessions.
package tlsconf

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/Godsnightmare/stratumproxy/pkg/errors"
)

const (
	defaultSessionCacheSize = 64
	defaultCacheTTL         = 30 * time.Minute
)

// Config holds TLS provider configuration.
type Config struct {
	// EnableServer turns on TLS for the miner-facing listener.
	EnableServer bool
	CertFile     string
	KeyFile      string

	// RootCAFile is a PEM bundle used to verify pools. System roots are
	// used when empty.
	RootCAFile string

	// SessionCacheSize is the LRU capacity of each client session cache.
	SessionCacheSize int

	// CacheTTL is how long an unused client config stays cached.
	CacheTTL time.Duration
}

// Provider hands out server and client TLS configurations.
type Provider struct {
	config Config
	server *tls.Config
	client *cache.Cache

	rootsOnce sync.Once
	roots     *x509.CertPool
	rootsErr  error
}

// New creates a Provider. A certificate that cannot be loaded while server
// TLS is enabled is an error.
func New(config Config) (*Provider, error) {
	if config.SessionCacheSize <= 0 {
		config.SessionCacheSize = defaultSessionCacheSize
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = defaultCacheTTL
	}

	p := &Provider{
		config: config,
		client: cache.New(config.CacheTTL, config.CacheTTL*2),
	}

	if config.EnableServer {
		cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: load server certificate: %v", errors.ErrTLSUnavailable, err)
		}
		p.server = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	return p, nil
}

// Server returns the miner-facing TLS config, nil when server TLS is off.
func (p *Provider) Server() *tls.Config {
	return p.server
}

// Client returns the TLS config for dialing host:port. Configs are shared
// between sessions dialing the same destination.
func (p *Provider) Client(host string, port uint16, skipVerify bool) (*tls.Config, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: empty host", errors.ErrTLSUnavailable)
	}

	key := net.JoinHostPort(host, strconv.Itoa(int(port))) + "/" + strconv.FormatBool(skipVerify)
	if v, ok := p.client.Get(key); ok {
		return v.(*tls.Config), nil
	}

	roots, err := p.rootCAs()
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		ServerName:         host,
		RootCAs:            roots,
		InsecureSkipVerify: skipVerify,
		MinVersion:         tls.VersionTLS12,
		ClientSessionCache: tls.NewLRUClientSessionCache(p.config.SessionCacheSize),
	}
	// The first config stored for a destination wins.
	if err := p.client.Add(key, cfg, cache.DefaultExpiration); err != nil {
		if v, ok := p.client.Get(key); ok {
			return v.(*tls.Config), nil
		}
	}
	return cfg, nil
}

// Cached returns the number of cached client configs.
func (p *Provider) Cached() int {
	return p.client.ItemCount()
}

func (p *Provider) rootCAs() (*x509.CertPool, error) {
	p.rootsOnce.Do(func() {
		if p.config.RootCAFile == "" {
			return
		}
		pem, err := os.ReadFile(p.config.RootCAFile)
		if err != nil {
			p.rootsErr = fmt.Errorf("%w: read root CAs: %v", errors.ErrTLSUnavailable, err)
			return
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			p.rootsErr = fmt.Errorf("%w: no certificates in %s", errors.ErrTLSUnavailable, p.config.RootCAFile)
			return
		}
		p.roots = pool
	})
	return p.roots, p.rootsErr
}
