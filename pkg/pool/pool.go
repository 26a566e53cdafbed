// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pool holds the upstream mining pools a proxy can relay to.
package pool

import (
	"fmt"
	"net"
	"strconv"

	"github.com/Godsnightmare/stratumproxy/pkg/errors"
	"github.com/Godsnightmare/stratumproxy/pkg/stratum"
)

// Info describes one upstream pool. It is immutable once the table is built.
type Info struct {
	Name     string
	TLS      bool
	Host     string
	Port     uint16
	User     string
	Password string

	// WorkerSuffix is the worker name configured for the pool.
	WorkerSuffix string

	// TLSSkipVerify disables certificate verification toward the pool.
	TLSSkipVerify bool

	// Socks5 is an optional host:port of a SOCKS5 proxy used to reach the pool.
	Socks5 string
}

// Addr returns host:port.
func (i Info) Addr() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(int(i.Port)))
}

// Validate reports configuration errors in i.
func (i Info) Validate() error {
	switch {
	case i.Name == "":
		return fmt.Errorf("%w: pool without name", errors.ErrInvalidConfig)
	case i.Host == "":
		return fmt.Errorf("%w: pool %q has an empty host", errors.ErrInvalidConfig, i.Name)
	case i.Port == 0:
		return fmt.Errorf("%w: pool %q has port 0", errors.ErrInvalidConfig, i.Name)
	}
	if i.Socks5 != "" {
		if _, _, err := net.SplitHostPort(i.Socks5); err != nil {
			return fmt.Errorf("%w: pool %q socks5 address: %v", errors.ErrInvalidConfig, i.Name, err)
		}
	}
	return nil
}

// Table maps pool names to pools. It is read-only after NewTable returns and
// safe for concurrent use.
type Table struct {
	pools    map[string]Info
	order    []string
	fallback string
}

// NewTable validates infos and builds a table. defaultName selects the pool
// used when a login does not name one; the first pool is used when empty.
func NewTable(infos []Info, defaultName string) (*Table, error) {
	if len(infos) == 0 {
		return nil, fmt.Errorf("%w: no pools configured", errors.ErrInvalidConfig)
	}

	t := &Table{pools: make(map[string]Info, len(infos))}
	for _, info := range infos {
		if err := info.Validate(); err != nil {
			return nil, err
		}
		if _, ok := t.pools[info.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate pool %q", errors.ErrInvalidConfig, info.Name)
		}
		t.pools[info.Name] = info
		t.order = append(t.order, info.Name)
	}

	if defaultName == "" {
		defaultName = t.order[0]
	}
	if _, ok := t.pools[defaultName]; !ok {
		return nil, fmt.Errorf("%w: default pool %q", errors.ErrUnknownPool, defaultName)
	}
	t.fallback = defaultName

	return t, nil
}

// Get returns the pool called name.
func (t *Table) Get(name string) (Info, bool) {
	info, ok := t.pools[name]
	return info, ok
}

// Default returns the fallback pool.
func (t *Table) Default() Info {
	return t.pools[t.fallback]
}

// Select picks the pool for a login: the pool named after the user name,
// then the one named after the wallet, else the default pool.
func (t *Table) Select(w stratum.Worker) (Info, error) {
	for _, name := range []string{w.UserName, w.Wallet} {
		if name == "" {
			continue
		}
		if info, ok := t.pools[name]; ok {
			return info, nil
		}
	}
	if info, ok := t.pools[t.fallback]; ok {
		return info, nil
	}
	return Info{}, errors.ErrUnknownPool
}

// All returns the pools in configuration order.
func (t *Table) All() []Info {
	infos := make([]Info, 0, len(t.order))
	for _, name := range t.order {
		infos = append(infos, t.pools[name])
	}
	return infos
}

// Len returns the number of pools.
func (t *Table) Len() int {
	return len(t.order)
}
