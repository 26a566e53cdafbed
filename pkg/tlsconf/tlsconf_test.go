// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tlsconf

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Godsnightmare/stratumproxy/internal/testcert"
	perrors "github.com/Godsnightmare/stratumproxy/pkg/errors"
)

func TestNew_Server(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := testcert.New(t).WriteFiles(t, dir)

	tests := []struct {
		name    string
		config  Config
		wantErr bool
		wantSrv bool
	}{
		{name: "disabled", config: Config{}},
		{name: "disabled ignores missing files", config: Config{CertFile: "/nope", KeyFile: "/nope"}},
		{name: "enabled", config: Config{EnableServer: true, CertFile: certFile, KeyFile: keyFile}, wantSrv: true},
		{name: "missing cert", config: Config{EnableServer: true, CertFile: filepath.Join(dir, "x.pem"), KeyFile: keyFile}, wantErr: true},
		{name: "key mismatch", config: Config{EnableServer: true, CertFile: certFile, KeyFile: certFile}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, perrors.ErrTLSUnavailable) {
					t.Errorf("error %v is not ErrTLSUnavailable", err)
				}
				return
			}
			if got := p.Server() != nil; got != tt.wantSrv {
				t.Errorf("Server() != nil = %v, want %v", got, tt.wantSrv)
			}
		})
	}
}

func TestClient_CachedPerDestination(t *testing.T) {
	p, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	a, err := p.Client("pool.example", 443, false)
	if err != nil {
		t.Fatalf("Client() error = %v", err)
	}
	if a.ServerName != "pool.example" {
		t.Errorf("ServerName = %q, want pool.example", a.ServerName)
	}
	if a.ClientSessionCache == nil {
		t.Error("ClientSessionCache not set")
	}

	b, _ := p.Client("pool.example", 443, false)
	if a != b {
		t.Error("same destination returned a different config")
	}

	c, _ := p.Client("pool.example", 444, false)
	if a == c {
		t.Error("different port shared a config")
	}
	d, _ := p.Client("pool.example", 443, true)
	if a == d || !d.InsecureSkipVerify {
		t.Error("skip-verify config not kept apart")
	}

	if got := p.Cached(); got != 3 {
		t.Errorf("Cached() = %d, want 3", got)
	}
}

func TestClient_Errors(t *testing.T) {
	p, _ := New(Config{})
	if _, err := p.Client("", 3333, false); !errors.Is(err, perrors.ErrTLSUnavailable) {
		t.Errorf("empty host error = %v, want ErrTLSUnavailable", err)
	}

	bad := filepath.Join(t.TempDir(), "roots.pem")
	if err := os.WriteFile(bad, []byte("not pem"), 0o600); err != nil {
		t.Fatal(err)
	}
	p, _ = New(Config{RootCAFile: bad})
	if _, err := p.Client("pool.example", 443, false); !errors.Is(err, perrors.ErrTLSUnavailable) {
		t.Errorf("bad roots error = %v, want ErrTLSUnavailable", err)
	}
}

func TestClient_RootCAFile(t *testing.T) {
	dir := t.TempDir()
	pair := testcert.New(t)
	roots := filepath.Join(dir, "roots.pem")
	if err := os.WriteFile(roots, pair.CertPEM, 0o600); err != nil {
		t.Fatal(err)
	}

	p, _ := New(Config{RootCAFile: roots})
	cfg, err := p.Client("localhost", 3334, false)
	if err != nil {
		t.Fatalf("Client() error = %v", err)
	}
	if cfg.RootCAs == nil {
		t.Error("RootCAs not loaded")
	}
}
