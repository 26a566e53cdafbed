// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/Godsnightmare/stratumproxy"
	"github.com/Godsnightmare/stratumproxy/examples/simple"
	"github.com/Godsnightmare/stratumproxy/pkg/breaker"
	"github.com/Godsnightmare/stratumproxy/pkg/handler"
	"github.com/Godsnightmare/stratumproxy/pkg/handler/redis"
	"github.com/Godsnightmare/stratumproxy/pkg/health"
	"github.com/Godsnightmare/stratumproxy/pkg/metrics"
	"github.com/Godsnightmare/stratumproxy/pkg/proxy"
)

const maxGoroutines = 100000

func main() {
	app := kingpin.New("stratumproxy", "Transparent stratum relay between miners and pools.")
	configFile := app.Flag("config.file", "Path to the YAML configuration file.").Default("").String()
	logLevel := app.Flag("log.level", "Log level override: debug, info, warn or error.").String()
	kingpin.MustParse(app.Parse(os.Args[1:]))

	// .env file is optional
	envErr := godotenv.Load()

	cfg, err := stratumproxy.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	if envErr != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New("stratumproxy", reg)

	handlers := handler.Chain{&InstrumentedHandler{
		handler: simple.New(logger),
		metrics: m,
	}}

	var exporter *redis.Handler
	if cfg.Redis.Addr != "" {
		exporter, err = redis.New(redis.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			Channel:   cfg.Redis.Channel,
			Logger:    logger,
		})
		if err != nil {
			logger.Warn("Redis login exporter not started", slog.String("error", err.Error()))
		} else {
			handlers = append(handlers, exporter)
			logger.Info("Redis login exporter started", slog.String("address", cfg.Redis.Addr))
		}
	}

	p := proxy.New(proxy.Config{
		ListenAddr:      cfg.Proxy.ListenAddr,
		ListenPort:      cfg.Proxy.ListenPort,
		EnableTLS:       cfg.Proxy.EnableTLS,
		CertFile:        cfg.Proxy.TLSCertFile,
		KeyFile:         cfg.Proxy.TLSKeyFile,
		CAFile:          cfg.Proxy.TLSCAFile,
		Pools:           cfg.PoolInfos(),
		DefaultPool:     cfg.Proxy.DefaultPool,
		DropEarlyUpload: cfg.Proxy.DropEarlyUpload,
		MaxPendingBytes: cfg.Proxy.MaxPendingBytes,
		ReadTimeout:     cfg.Proxy.ReadTimeout,
		WriteTimeout:    cfg.Proxy.WriteTimeout,
		DialTimeout:     cfg.Proxy.DialTimeout,
		Breaker: breaker.Config{
			MaxFailures:      cfg.Proxy.CircuitBreaker.MaxFailures,
			ResetTimeout:     cfg.Proxy.CircuitBreaker.ResetTimeout,
			SuccessThreshold: cfg.Proxy.CircuitBreaker.SuccessThreshold,
		},
		Handler: handlers,
		Metrics: m,
		Logger:  logger,
	})
	if err := p.Setup(); err != nil {
		logger.Error("Failed to set up proxy", slog.String("error", err.Error()))
		os.Exit(1)
	}

	checker := health.NewChecker(5 * time.Second)
	checker.RegisterCritical("reactor", health.ReactorCheck(p.Running))
	checker.Register("pools", health.BreakerCheck(p.OpenBreakers))
	checker.Register("goroutines", health.GoroutineCheck(maxGoroutines))

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// The proxy may stop on its own after a fatal accept error.
		defer cancel()
		return p.Run(ctx)
	})

	srv := newHTTPServer(cfg.Metrics, reg, checker)
	g.Go(func() error {
		logger.Info("Starting metrics and health server", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Proxy.ShutdownTimeout)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	err = g.Wait()
	if exporter != nil {
		exporter.Close()
	}
	if err != nil {
		logger.Error(fmt.Sprintf("stratumproxy terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("stratumproxy stopped")
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// newHTTPServer serves metrics and the health probes on one address.
func newHTTPServer(cfg stratumproxy.MetricsConfig, reg *prometheus.Registry, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)
	select {
	case sig := <-c:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
