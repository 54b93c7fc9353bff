// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/absmach/amqpd/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials"
)

const exportTimeout = 30 * time.Second

// Config selects what the broker exports and where.
type Config struct {
	ServiceName    string
	ServiceVersion string
	NodeID         string
	// Listener is the AMQP listen address, reported as a resource attribute.
	Listener string

	MetricsEnabled  bool
	MetricsEndpoint string
	TracesEnabled   bool
	TracesEndpoint  string
	SampleRate      float64

	// Insecure disables TLS towards the collector. Otherwise CAFile, or
	// the system roots when empty, verifies it.
	Insecure bool
	CAFile   string
}

// FromServerConfig maps the server section onto Config.
func FromServerConfig(cfg config.ServerConfig, nodeID string) Config {
	traces := cfg.OtelTracesAddr
	if traces == "" {
		traces = cfg.MetricsAddr
	}
	return Config{
		ServiceName:     cfg.OtelServiceName,
		ServiceVersion:  cfg.OtelServiceVersion,
		NodeID:          nodeID,
		Listener:        cfg.Addr,
		MetricsEnabled:  cfg.OtelMetricsEnabled,
		MetricsEndpoint: cfg.MetricsAddr,
		TracesEnabled:   cfg.OtelTracesEnabled,
		TracesEndpoint:  traces,
		SampleRate:      cfg.OtelTraceSampleRate,
		Insecure:        cfg.OtelInsecure,
		CAFile:          cfg.OtelCAFile,
	}
}

// InitProvider installs the global tracer and meter providers. The returned
// function flushes and stops them.
func InitProvider(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	creds, err := transportCredentials(cfg)
	if err != nil {
		return nil, err
	}

	var shutdowns []func(context.Context) error
	stop := func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdowns {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	if cfg.TracesEnabled {
		fn, err := initTracerProvider(ctx, cfg, res, creds)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer provider: %w", err)
		}
		shutdowns = append(shutdowns, fn)
	} else {
		// Transaction spans become no-ops.
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	}

	if cfg.MetricsEnabled {
		fn, err := initMeterProvider(ctx, cfg, res, creds)
		if err != nil {
			_ = stop(ctx)
			return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
		}
		shutdowns = append(shutdowns, fn)
	}

	return stop, nil
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.ServiceInstanceIDKey.String(cfg.NodeID),
			attribute.String("messaging.system", "amqp"),
			attribute.String("messaging.protocol_version", "0-9-1"),
			attribute.String("amqp.listener", cfg.Listener),
		),
	)
}

// transportCredentials returns nil for plaintext exporters.
func transportCredentials(cfg Config) (credentials.TransportCredentials, error) {
	if cfg.Insecure {
		return nil, nil
	}
	tc := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read collector CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tc.RootCAs = pool
	}
	return credentials.NewTLS(tc), nil
}

func initTracerProvider(ctx context.Context, cfg Config, res *resource.Resource, creds credentials.TransportCredentials) (func(context.Context) error, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.TracesEndpoint),
		otlptracegrpc.WithTimeout(exportTimeout),
	}
	if creds == nil {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(creds))
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.SampleRate))),
		trace.WithBatcher(exporter,
			trace.WithMaxExportBatchSize(512),
			trace.WithBatchTimeout(5*time.Second),
		),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func initMeterProvider(ctx context.Context, cfg Config, res *resource.Resource, creds credentials.TransportCredentials) (func(context.Context) error, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.MetricsEndpoint),
		otlpmetricgrpc.WithTimeout(exportTimeout),
	}
	if creds == nil {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	} else {
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(creds))
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(10*time.Second))),
	)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}
