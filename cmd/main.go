// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/amqpd/amqp/broker"
	"github.com/absmach/amqpd/amqp/message"
	"github.com/absmach/amqpd/amqp/transaction"
	"github.com/absmach/amqpd/config"
	amqptls "github.com/absmach/amqpd/pkg/tls"
	"github.com/absmach/amqpd/queue"
	"github.com/absmach/amqpd/ratelimit"
	"github.com/absmach/amqpd/server/amqp091"
	"github.com/absmach/amqpd/server/health"
	"github.com/absmach/amqpd/server/otel"
	"github.com/absmach/amqpd/storage"
	"github.com/absmach/amqpd/storage/badger"
	"github.com/absmach/amqpd/storage/breaker"
	"github.com/absmach/amqpd/storage/memory"
	"github.com/google/uuid"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("Starting AMQP 0-9-1 broker", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"amqp_listener", cfg.Server.Addr,
		"tls_enabled", cfg.Server.TLSEnabled,
		"health_enabled", cfg.Server.HealthEnabled,
		"storage", cfg.Storage.Type,
		"log_level", cfg.Log.Level)

	nodeID, err := os.Hostname()
	if err != nil || nodeID == "" {
		nodeID = uuid.NewString()
	}

	var metrics *broker.Metrics
	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(context.Background(), otel.FromServerConfig(cfg.Server, nodeID))
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				slog.Error("Failed to shut down OpenTelemetry", "error", err)
			}
		}()

		metrics, err = broker.NewMetrics()
		if err != nil {
			slog.Error("Failed to create metrics", "error", err)
			os.Exit(1)
		}
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.MetricsAddr)
	}

	store, err := openStore(cfg.Storage, logger)
	if err != nil {
		slog.Error("Failed to initialize storage", "type", cfg.Storage.Type, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	seq := message.NewSequence(0)
	mgr := queue.NewManager(store, seq, queue.Config{
		DeadLetterExchange: cfg.AMQP.DeadLetterExchange,
		DeadLetterQueue:    cfg.AMQP.DeadLetterQueue,
	}, logger)

	b := broker.New(mgr, seq, broker.Config{
		FrameMax:           cfg.AMQP.FrameMax,
		ChannelMax:         cfg.AMQP.ChannelMax,
		Heartbeat:          uint16(cfg.AMQP.Heartbeat / time.Second),
		DefaultPrefetch:    cfg.AMQP.DefaultPrefetch,
		MaxRedeliveryCount: cfg.AMQP.MaxRedeliveryCount,
		Users:              cfg.AMQP.Users,
		ReadBufferSize:     cfg.Transport.ReadBufferSize,
		WriteBufferSize:    cfg.Transport.WriteBufferSize,
	}, logger)
	defer b.Close()

	if metrics != nil {
		b.SetMetrics(metrics)
	}

	if len(cfg.AMQP.Permissions) > 0 {
		b.SetAuthorizer(publishAuthorizer(cfg.AMQP.Permissions))
	}

	limiter := ratelimit.NewManager(cfg.Limits)
	defer limiter.Stop()
	b.SetRateLimiter(limiter)

	if err := b.Recover(); err != nil {
		slog.Error("Failed to recover broker state", "error", err)
		os.Exit(1)
	}
	if xids := b.Registry().PreparedXids(); len(xids) > 0 {
		slog.Warn("Recovered in-doubt transactions", "count", len(xids))
	}

	tlsCfg, err := loadTLS(cfg.Server)
	if err != nil {
		slog.Error("Failed to load TLS configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("AMQP listener security", "status", amqptls.SecurityStatus(tlsCfg))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	srv := amqp091.New(amqp091.Config{
		Address:         cfg.Server.Addr,
		TLSConfig:       tlsCfg,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		TCPKeepAlive:    cfg.Server.TCPKeepAlive,
		MaxConnections:  cfg.Server.MaxConnections,
		Logger:          logger,
	}, b)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Listen(ctx); err != nil {
			errCh <- err
		}
	}()

	if cfg.Server.HealthEnabled {
		hs := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: 5 * time.Second,
		}, b, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := hs.Listen(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		slog.Error("Server failed", "error", err)
		cancel()
	}

	wg.Wait()
	slog.Info("Broker stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// openStore opens the configured backend behind a circuit breaker.
func openStore(cfg config.StorageConfig, logger *slog.Logger) (storage.Store, error) {
	var inner storage.Store
	switch cfg.Type {
	case "badger":
		s, err := badger.New(badger.Config{
			Dir:               cfg.BadgerDir,
			Compression:       badger.Compression(cfg.Compression),
			CompressThreshold: cfg.CompressThreshold,
			GCInterval:        cfg.GCInterval,
		})
		if err != nil {
			return nil, err
		}
		inner = s
		slog.Info("Using BadgerDB persistent storage", "dir", cfg.BadgerDir, "compression", cfg.Compression)
	default:
		inner = memory.New()
		slog.Info("Using in-memory storage")
	}

	return breaker.New(inner, breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout,
	}, logger), nil
}

func loadTLS(cfg config.ServerConfig) (*tls.Config, error) {
	if !cfg.TLSEnabled {
		return nil, nil
	}
	return amqptls.LoadServerConfig(amqptls.Config{
		CertFile:     cfg.TLSCertFile,
		KeyFile:      cfg.TLSKeyFile,
		ClientCAFile: cfg.TLSCAFile,
		ClientAuth:   cfg.TLSClientAuth,
	})
}

// publishAuthorizer allows users listed in perms to publish only to the
// exchanges named for them.
func publishAuthorizer(perms map[string][]string) transaction.Authorizer {
	return transaction.AuthorizerFunc(func(user, exchange string) bool {
		allowed, ok := perms[user]
		if !ok {
			return true
		}
		for _, name := range allowed {
			if name == "*" || name == exchange {
				return true
			}
		}
		return false
	})
}
