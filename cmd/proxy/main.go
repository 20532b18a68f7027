// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs the UDP game proxy: a downstream listener, the packet
// worker pool, a config source (static list or watched file), and the admin
// surface (Prometheus metrics, health probes).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/FrankXu7/quilkin/pkg/config"
	"github.com/FrankXu7/quilkin/pkg/health"
	"github.com/FrankXu7/quilkin/pkg/metrics"
	"github.com/FrankXu7/quilkin/pkg/proxy"
	"github.com/FrankXu7/quilkin/pkg/watch"
)

const envPrefix = "QUILKIN_"

// maxGoroutines bounds the goroutine health check; a UDP proxy holding more
// than this is leaking session readers.
const maxGoroutines = 100_000

func main() {
	// .env file is optional.
	_ = godotenv.Load()
	cfg, err := config.NewBootstrap(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("Starting UDP proxy",
		slog.String("id", cfg.ID),
		slog.String("address", cfg.Address))

	m := metrics.New("quilkin", prometheus.DefaultRegisterer)
	store := config.NewStore(logger, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	// Config source: a watched file when given, otherwise the static
	// forward list from the environment.
	switch {
	case cfg.ConfigFile != "":
		source := watch.NewFileSource(cfg.ConfigFile, cfg.ConfigPollInterval, logger)
		client := watch.NewClient(store, logger)
		g.Go(func() error {
			logger.Info("Watching config file", slog.String("path", cfg.ConfigFile))
			return client.Run(ctx, source)
		})
	case len(cfg.To) > 0:
		snap, err := config.Static(cfg.ID, cfg.To)
		if err != nil {
			logger.Error("Invalid forward addresses", slog.String("error", err.Error()))
			os.Exit(1)
		}
		if err := store.Publish(snap); err != nil {
			logger.Error("Invalid static config", slog.String("error", err.Error()))
			os.Exit(1)
		}
	default:
		logger.Error("No config source: set " + envPrefix + "CONFIG_FILE or " + envPrefix + "TO")
		os.Exit(1)
	}

	srv := proxy.New(proxy.Config{
		Address:         cfg.Address,
		Workers:         cfg.Workers,
		BufferSize:      cfg.BufferSize,
		SessionTimeout:  cfg.SessionTimeout,
		SweepInterval:   cfg.SweepInterval,
		ShutdownTimeout: cfg.ShutdownTimeout,
		MaxSessions:     cfg.MaxSessions,
		Logger:          logger,
	}, store, m)

	checker := health.NewChecker(10 * time.Second)
	checker.Register("config", func(ctx context.Context) error {
		if store.Generation() == 0 {
			return fmt.Errorf("no config published yet")
		}
		return nil
	})
	checker.Register("sessions", func(ctx context.Context) error {
		count := srv.Sessions().Count()
		if cfg.MaxSessions > 0 && count >= cfg.MaxSessions {
			return fmt.Errorf("session table full: %d", count)
		}
		return nil
	})
	checker.Register("goroutines", func(ctx context.Context) error {
		if count := runtime.NumGoroutine(); count > maxGoroutines {
			return fmt.Errorf("too many goroutines: %d", count)
		}
		return nil
	})

	go startMetricsServer(cfg.MetricsAddress, logger)
	go startHealthServer(cfg.HealthAddress, checker, logger)

	g.Go(func() error {
		return srv.Listen(ctx)
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	cancel()

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil && err != context.Canceled {
			logger.Error("Shutdown error", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("Graceful shutdown completed")
	case <-time.After(cfg.ShutdownTimeout + 5*time.Second):
		logger.Warn("Shutdown timeout exceeded, forcing exit")
		os.Exit(1)
	}
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

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// startMetricsServer starts the Prometheus metrics HTTP server.
func startMetricsServer(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	logger.Info("Starting metrics server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Metrics server error", slog.String("error", err.Error()))
	}
}

// startHealthServer starts the health probe HTTP server.
func startHealthServer(addr string, checker *health.Checker, logger *slog.Logger) {
	logger.Info("Starting health server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      checker.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Health server error", slog.String("error", err.Error()))
	}
}
