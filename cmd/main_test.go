// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/absmach/amqpd/config"
	"github.com/absmach/amqpd/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAuthorizer(t *testing.T) {
	auth := publishAuthorizer(map[string][]string{
		"orders": {"amq.topic", "orders"},
		"admin":  {"*"},
		"muted":  {},
	})

	cases := []struct {
		user     string
		exchange string
		want     bool
	}{
		{"orders", "orders", true},
		{"orders", "amq.topic", true},
		{"orders", "billing", false},
		{"orders", "", false},
		{"admin", "billing", true},
		{"muted", "orders", false},
		{"guest", "anything", true},
	}
	for _, tc := range cases {
		t.Run(tc.user+"/"+tc.exchange, func(t *testing.T) {
			assert.Equal(t, tc.want, auth.CanPublish(tc.user, tc.exchange))
		})
	}
}

func TestNewLogger(t *testing.T) {
	cases := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tc := range cases {
		t.Run(tc.level, func(t *testing.T) {
			logger := newLogger(config.LogConfig{Level: tc.level, Format: "json"})
			ctx := context.Background()
			assert.True(t, logger.Enabled(ctx, tc.want))
			if tc.want > slog.LevelDebug {
				assert.False(t, logger.Enabled(ctx, tc.want-4))
			}
		})
	}
}

func TestOpenStore(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mem, err := openStore(config.StorageConfig{Type: "memory"}, logger)
	require.NoError(t, err)
	defer mem.Close()
	require.NoError(t, mem.Messages().Save("q", &storage.Message{ID: 1, Body: []byte("x")}))
	msgs, err := mem.Messages().List("q")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	bdg, err := openStore(config.StorageConfig{
		Type:        "badger",
		BadgerDir:   t.TempDir(),
		Compression: "s2",
	}, logger)
	require.NoError(t, err)
	assert.NoError(t, bdg.Close())
}

func TestLoadTLSDisabled(t *testing.T) {
	cfg, err := loadTLS(config.ServerConfig{})
	require.NoError(t, err)
	assert.Nil(t, cfg)
}
