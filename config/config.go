// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/amqpd/ratelimit"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the AMQP broker.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	AMQP      AMQPConfig       `yaml:"amqp"`
	Limits    ratelimit.Config `yaml:"limits"`
	Storage   StorageConfig    `yaml:"storage"`
	Log       LogConfig        `yaml:"log"`
	Transport TransportConfig  `yaml:"transport"`
}

// ServerConfig holds listener and telemetry settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	TLSCertFile     string        `yaml:"tls_cert_file"`
	TLSKeyFile      string        `yaml:"tls_key_file"`
	TLSCAFile       string        `yaml:"tls_ca_file"`     // CA certificate for client verification
	TLSClientAuth   string        `yaml:"tls_client_auth"` // "none", "request", or "require"
	MaxConnections  int           `yaml:"max_connections"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TCPKeepAlive    time.Duration `yaml:"tcp_keepalive"`
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`

	MetricsEnabled      bool    `yaml:"metrics_enabled"`
	MetricsAddr         string  `yaml:"metrics_addr"`     // OTLP gRPC endpoint
	OtelTracesAddr      string  `yaml:"otel_traces_addr"` // defaults to metrics_addr
	OtelInsecure        bool    `yaml:"otel_insecure"`
	OtelCAFile          string  `yaml:"otel_ca_file"` // collector CA, system roots when empty
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// AMQPConfig holds protocol and channel settings.
type AMQPConfig struct {
	FrameMax   uint32        `yaml:"frame_max"`
	ChannelMax uint16        `yaml:"channel_max"`
	Heartbeat  time.Duration `yaml:"heartbeat"`

	// DefaultPrefetch applies until basic.qos; 0 means unlimited.
	DefaultPrefetch uint16 `yaml:"default_prefetch"`
	// MaxRedeliveryCount is how often a rejected message is requeued before
	// it is dead-lettered.
	MaxRedeliveryCount int `yaml:"max_redelivery_count"`

	DeadLetterExchange string `yaml:"dead_letter_exchange"`
	DeadLetterQueue    string `yaml:"dead_letter_queue"`

	// Users maps PLAIN user names to passwords. Empty allows any login.
	Users map[string]string `yaml:"users"`
	// Permissions lists the exchanges a user may publish to; "*" matches
	// any exchange. Users without an entry may publish anywhere.
	Permissions map[string][]string `yaml:"permissions"`
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	BadgerDir         string        `yaml:"badger_dir"`
	Compression       string        `yaml:"compression"` // none, s2, zstd
	CompressThreshold int           `yaml:"compress_threshold"`
	GCInterval        time.Duration `yaml:"gc_interval"`

	BreakerFailureThreshold int           `yaml:"breaker_failure_threshold"`
	BreakerResetTimeout     time.Duration `yaml:"breaker_reset_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TransportConfig holds socket settings applied to accepted connections.
type TransportConfig struct {
	ReadBufferSize  int `yaml:"read_buffer_size"`
	WriteBufferSize int `yaml:"write_buffer_size"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":5672",
			TLSClientAuth:   "none",
			MaxConnections:  10000,
			ShutdownTimeout: 30 * time.Second,
			TCPKeepAlive:    15 * time.Second,
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			MetricsAddr:     "localhost:4317",

			OtelInsecure:        true,
			OtelServiceName:     "amqpd",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		AMQP: AMQPConfig{
			FrameMax:           131072,
			ChannelMax:         2047,
			Heartbeat:          60 * time.Second,
			MaxRedeliveryCount: 5,
			DeadLetterExchange: "amq.dlx",
			DeadLetterQueue:    "amq.dlq",
		},
		Limits: ratelimit.DefaultConfig(),
		Storage: StorageConfig{
			Type:                    "memory",
			BadgerDir:               "/tmp/amqpd/data",
			Compression:             "s2",
			CompressThreshold:       4096,
			GCInterval:              5 * time.Minute,
			BreakerFailureThreshold: 5,
			BreakerResetTimeout:     30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Transport: TransportConfig{
			ReadBufferSize:  65536,
			WriteBufferSize: 65536,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections cannot be negative")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr cannot be empty when health is enabled")
	}
	if c.Server.TLSEnabled {
		if c.Server.TLSCertFile == "" {
			return fmt.Errorf("server.tls_cert_file required when TLS is enabled")
		}
		if c.Server.TLSKeyFile == "" {
			return fmt.Errorf("server.tls_key_file required when TLS is enabled")
		}
		validClientAuth := map[string]bool{"none": true, "request": true, "require": true}
		if !validClientAuth[c.Server.TLSClientAuth] {
			return fmt.Errorf("server.tls_client_auth must be one of: none, request, require")
		}
		if c.Server.TLSClientAuth != "none" && c.Server.TLSCAFile == "" {
			return fmt.Errorf("server.tls_ca_file required when tls_client_auth is '%s'", c.Server.TLSClientAuth)
		}
	}

	// frame-min-size is 4096 octets.
	if c.AMQP.FrameMax != 0 && c.AMQP.FrameMax < 4096 {
		return fmt.Errorf("amqp.frame_max must be 0 or at least 4096")
	}
	if c.AMQP.ChannelMax == 0 {
		return fmt.Errorf("amqp.channel_max must be at least 1")
	}
	if c.AMQP.Heartbeat < 0 || c.AMQP.Heartbeat > 65535*time.Second {
		return fmt.Errorf("amqp.heartbeat must be between 0 and 65535s")
	}
	if c.AMQP.MaxRedeliveryCount < 0 {
		return fmt.Errorf("amqp.max_redelivery_count cannot be negative")
	}
	if c.AMQP.DeadLetterExchange == "" {
		return fmt.Errorf("amqp.dead_letter_exchange cannot be empty")
	}
	if c.AMQP.DeadLetterQueue == "" {
		return fmt.Errorf("amqp.dead_letter_queue cannot be empty")
	}

	if c.Limits.Enabled {
		if c.Limits.Connection.Enabled && (c.Limits.Connection.Rate <= 0 || c.Limits.Connection.Burst < 1) {
			return fmt.Errorf("limits.connection requires a positive rate and burst")
		}
		if c.Limits.Publish.Enabled && (c.Limits.Publish.Rate <= 0 || c.Limits.Publish.Burst < 1) {
			return fmt.Errorf("limits.publish requires a positive rate and burst")
		}
		if c.Limits.Consume.Enabled && (c.Limits.Consume.Rate <= 0 || c.Limits.Consume.Burst < 1) {
			return fmt.Errorf("limits.consume requires a positive rate and burst")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" {
		if c.Storage.BadgerDir == "" {
			return fmt.Errorf("storage.badger_dir required when type is badger")
		}
		validCompression := map[string]bool{"none": true, "s2": true, "zstd": true}
		if !validCompression[c.Storage.Compression] {
			return fmt.Errorf("storage.compression must be one of: none, s2, zstd")
		}
	}
	if c.Storage.BreakerFailureThreshold < 0 {
		return fmt.Errorf("storage.breaker_failure_threshold cannot be negative")
	}

	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
		if c.Server.OtelInsecure && c.Server.OtelCAFile != "" {
			return fmt.Errorf("server.otel_ca_file requires otel_insecure to be false")
		}
	}

	if c.Transport.ReadBufferSize < 0 || c.Transport.WriteBufferSize < 0 {
		return fmt.Errorf("transport buffer sizes cannot be negative")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
