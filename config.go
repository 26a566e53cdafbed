// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stratumproxy

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/Godsnightmare/stratumproxy/pkg/pool"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STRATUM_"

// Config is the process configuration.
type Config struct {
	Proxy   ProxyConfig   `yaml:"proxy" envPrefix:"PROXY_"`
	Pools   []PoolConfig  `yaml:"pools"`
	Log     LogConfig     `yaml:"log" envPrefix:"LOG_"`
	Metrics MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`
	Redis   RedisConfig   `yaml:"redis" envPrefix:"REDIS_"`
}

// ProxyConfig holds listener, TLS and relay settings.
type ProxyConfig struct {
	EnableTLS   bool   `yaml:"enable_tls" env:"ENABLE_TLS"`
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
	TLSCAFile   string `yaml:"tls_ca_file" env:"TLS_CA_FILE"` // Roots used to verify pools, system roots when empty

	ListenAddr  string `yaml:"listen_addr" env:"LISTEN_ADDR"` // IP literal
	ListenPort  uint16 `yaml:"listen_port" env:"LISTEN_PORT"`
	DefaultPool string `yaml:"default_pool" env:"DEFAULT_POOL"` // First pool when empty

	DropEarlyUpload bool `yaml:"drop_early_upload" env:"DROP_EARLY_UPLOAD"`
	MaxPendingBytes int  `yaml:"max_pending_bytes" env:"MAX_PENDING_BYTES"`

	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	DialTimeout     time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	CircuitBreaker BreakerConfig `yaml:"circuit_breaker" envPrefix:"BREAKER_"`
}

// BreakerConfig tunes the per-pool circuit breakers.
type BreakerConfig struct {
	MaxFailures      int           `yaml:"max_failures" env:"MAX_FAILURES"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" env:"RESET_TIMEOUT"`
	SuccessThreshold int           `yaml:"success_threshold" env:"SUCCESS_THRESHOLD"`
}

// PoolConfig describes one pool. Pools are configured in the file only.
type PoolConfig struct {
	Name          string `yaml:"name"`
	EnableTLS     bool   `yaml:"enable_tls"`
	Host          string `yaml:"host"`
	Port          uint16 `yaml:"port"`
	User          string `yaml:"user"`
	Password      string `yaml:"pwd"`
	Worker        string `yaml:"worker"`
	TLSSkipVerify bool   `yaml:"tls_skip_verify"`
	Socks5        string `yaml:"socks5"`
}

// LogConfig log configuration
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// MetricsConfig holds the HTTP endpoint serving metrics and probes.
type MetricsConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
	Path string `yaml:"path" env:"PATH"`
}

// RedisConfig enables the login exporter when Addr is set.
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	Channel   string `yaml:"channel" env:"CHANNEL"`
}

// Load reads the YAML file at path, applies STRATUM_* environment overrides
// and fills in defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	if c.Proxy.ListenAddr == "" {
		c.Proxy.ListenAddr = "0.0.0.0"
	}
	if c.Proxy.ListenPort == 0 {
		c.Proxy.ListenPort = 3333
	}
	if c.Proxy.MaxPendingBytes == 0 {
		c.Proxy.MaxPendingBytes = 1 << 20
	}
	if c.Proxy.ReadTimeout == 0 {
		c.Proxy.ReadTimeout = 10 * time.Minute
	}
	if c.Proxy.WriteTimeout == 0 {
		c.Proxy.WriteTimeout = 30 * time.Second
	}
	if c.Proxy.DialTimeout == 0 {
		c.Proxy.DialTimeout = 15 * time.Second
	}
	if c.Proxy.ShutdownTimeout == 0 {
		c.Proxy.ShutdownTimeout = 30 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "stratumproxy"
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "stratumproxy:logins"
	}
}

// PoolInfos converts the configured pools for the pool table.
func (c *Config) PoolInfos() []pool.Info {
	infos := make([]pool.Info, 0, len(c.Pools))
	for _, p := range c.Pools {
		infos = append(infos, pool.Info{
			Name:          p.Name,
			TLS:           p.EnableTLS,
			Host:          p.Host,
			Port:          p.Port,
			User:          p.User,
			Password:      p.Password,
			WorkerSuffix:  p.Worker,
			TLSSkipVerify: p.TLSSkipVerify,
			Socks5:        p.Socks5,
		})
	}
	return infos
}
