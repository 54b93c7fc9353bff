// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Addr != ":5672" {
		t.Errorf("expected default addr :5672, got %s", cfg.Server.Addr)
	}
	if cfg.AMQP.FrameMax != 131072 {
		t.Errorf("expected frame max 131072, got %d", cfg.AMQP.FrameMax)
	}
	if cfg.AMQP.ChannelMax != 2047 {
		t.Errorf("expected channel max 2047, got %d", cfg.AMQP.ChannelMax)
	}
	if cfg.AMQP.Heartbeat != 60*time.Second {
		t.Errorf("expected heartbeat 60s, got %v", cfg.AMQP.Heartbeat)
	}
	if cfg.AMQP.DefaultPrefetch != 0 {
		t.Errorf("expected unlimited default prefetch, got %d", cfg.AMQP.DefaultPrefetch)
	}
	if cfg.AMQP.DeadLetterQueue != "amq.dlq" {
		t.Errorf("expected dead-letter queue amq.dlq, got %s", cfg.AMQP.DeadLetterQueue)
	}
	if cfg.Limits.Enabled {
		t.Error("expected rate limiting disabled by default")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "empty address",
			modify:  func(c *Config) { c.Server.Addr = "" },
			wantErr: true,
		},
		{
			name:    "health enabled without address",
			modify:  func(c *Config) { c.Server.HealthAddr = "" },
			wantErr: true,
		},
		{
			name: "health disabled without address",
			modify: func(c *Config) {
				c.Server.HealthEnabled = false
				c.Server.HealthAddr = ""
			},
			wantErr: false,
		},
		{
			name: "TLS without cert",
			modify: func(c *Config) {
				c.Server.TLSEnabled = true
				c.Server.TLSKeyFile = "key.pem"
			},
			wantErr: true,
		},
		{
			name: "TLS client auth without CA",
			modify: func(c *Config) {
				c.Server.TLSEnabled = true
				c.Server.TLSCertFile = "cert.pem"
				c.Server.TLSKeyFile = "key.pem"
				c.Server.TLSClientAuth = "require"
			},
			wantErr: true,
		},
		{
			name:    "frame max below protocol minimum",
			modify:  func(c *Config) { c.AMQP.FrameMax = 1024 },
			wantErr: true,
		},
		{
			name:    "unlimited frame max",
			modify:  func(c *Config) { c.AMQP.FrameMax = 0 },
			wantErr: false,
		},
		{
			name:    "zero channel max",
			modify:  func(c *Config) { c.AMQP.ChannelMax = 0 },
			wantErr: true,
		},
		{
			name:    "negative redelivery count",
			modify:  func(c *Config) { c.AMQP.MaxRedeliveryCount = -1 },
			wantErr: true,
		},
		{
			name:    "empty dead-letter queue",
			modify:  func(c *Config) { c.AMQP.DeadLetterQueue = "" },
			wantErr: true,
		},
		{
			name: "enabled publish limit without rate",
			modify: func(c *Config) {
				c.Limits.Enabled = true
				c.Limits.Publish.Rate = 0
			},
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "invalid" },
			wantErr: true,
		},
		{
			name:    "unknown storage type",
			modify:  func(c *Config) { c.Storage.Type = "postgres" },
			wantErr: true,
		},
		{
			name: "badger with unknown compression",
			modify: func(c *Config) {
				c.Storage.Type = "badger"
				c.Storage.Compression = "lz4"
			},
			wantErr: true,
		},
		{
			name: "trace sample rate out of range",
			modify: func(c *Config) {
				c.Server.MetricsEnabled = true
				c.Server.OtelTraceSampleRate = 2
			},
			wantErr: true,
		},
		{
			name: "otel CA with insecure exporter",
			modify: func(c *Config) {
				c.Server.MetricsEnabled = true
				c.Server.OtelCAFile = "/etc/otel/ca.pem"
			},
			wantErr: true,
		},
		{
			name: "otel CA with TLS exporter",
			modify: func(c *Config) {
				c.Server.MetricsEnabled = true
				c.Server.OtelInsecure = false
				c.Server.OtelCAFile = "/etc/otel/ca.pem"
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Load() should return default config and no error when file doesn't exist, got error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() should return a default config, got nil")
	}
	if cfg.Server.Addr != ":5672" {
		t.Errorf("expected default config, got addr %s", cfg.Server.Addr)
	}
}

func TestLoadPartial(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"
	data := []byte("amqp:\n  heartbeat: 30s\n  default_prefetch: 10\nlog:\n  level: debug\n")
	if err := os.WriteFile(tmpfile, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AMQP.Heartbeat != 30*time.Second {
		t.Errorf("expected heartbeat 30s, got %v", cfg.AMQP.Heartbeat)
	}
	if cfg.AMQP.DefaultPrefetch != 10 {
		t.Errorf("expected prefetch 10, got %d", cfg.AMQP.DefaultPrefetch)
	}
	if cfg.AMQP.FrameMax != 131072 {
		t.Errorf("expected unset fields to keep defaults, got frame max %d", cfg.AMQP.FrameMax)
	}
}

func TestLoadInvalid(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"
	if err := os.WriteFile(tmpfile, []byte("log:\n  level: loud\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(tmpfile); err == nil {
		t.Fatal("Load() should reject an invalid configuration")
	}
}

func TestSaveLoad(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"

	cfg := Default()
	cfg.Server.Addr = ":5673"
	cfg.AMQP.MaxRedeliveryCount = 3
	cfg.Log.Level = "debug"

	if err := cfg.Save(tmpfile); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.Server.Addr != ":5673" {
		t.Errorf("expected addr :5673, got %s", loaded.Server.Addr)
	}
	if loaded.AMQP.MaxRedeliveryCount != 3 {
		t.Errorf("expected max redelivery count 3, got %d", loaded.AMQP.MaxRedeliveryCount)
	}
	if loaded.Limits.Connection.CleanupInterval != 5*time.Minute {
		t.Errorf("expected cleanup interval 5m, got %v", loaded.Limits.Connection.CleanupInterval)
	}
	if loaded.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", loaded.Log.Level)
	}
}
