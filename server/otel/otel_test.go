// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/amqpd/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func writeCA(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Collector CA"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	return path
}

func TestFromServerConfig(t *testing.T) {
	cases := []struct {
		name   string
		traces string
		want   string
	}{
		{"traces fall back to metrics endpoint", "", "collector:4317"},
		{"separate traces endpoint", "tempo:4317", "tempo:4317"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sc := config.Default().Server
			sc.MetricsAddr = "collector:4317"
			sc.OtelTracesAddr = tc.traces

			cfg := FromServerConfig(sc, "node-1")
			assert.Equal(t, tc.want, cfg.TracesEndpoint)
			assert.Equal(t, "collector:4317", cfg.MetricsEndpoint)
			assert.Equal(t, "node-1", cfg.NodeID)
			assert.Equal(t, sc.Addr, cfg.Listener)
			assert.True(t, cfg.Insecure)
		})
	}
}

func TestTransportCredentials(t *testing.T) {
	ca := writeCA(t)
	garbage := filepath.Join(t.TempDir(), "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a certificate"), 0o600))

	cases := []struct {
		name    string
		cfg     Config
		wantTLS bool
		wantErr bool
	}{
		{name: "insecure", cfg: Config{Insecure: true}},
		{name: "system roots", cfg: Config{}, wantTLS: true},
		{name: "custom CA", cfg: Config{CAFile: ca}, wantTLS: true},
		{name: "missing CA file", cfg: Config{CAFile: filepath.Join(t.TempDir(), "none.pem")}, wantErr: true},
		{name: "CA file without certificates", cfg: Config{CAFile: garbage}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			creds, err := transportCredentials(tc.cfg)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tc.wantTLS {
				require.NotNil(t, creds)
				assert.Equal(t, "tls", creds.Info().SecurityProtocol)
			} else {
				assert.Nil(t, creds)
			}
		})
	}
}

func TestResourceAttributes(t *testing.T) {
	res, err := newResource(context.Background(), Config{
		ServiceName:    "amqpd",
		ServiceVersion: "1.2.3",
		NodeID:         "node-7",
		Listener:       ":5672",
	})
	require.NoError(t, err)

	attrs := map[attribute.Key]string{}
	for _, kv := range res.Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	assert.Equal(t, "amqpd", attrs["service.name"])
	assert.Equal(t, "1.2.3", attrs["service.version"])
	assert.Equal(t, "node-7", attrs["service.instance.id"])
	assert.Equal(t, "amqp", attrs["messaging.system"])
	assert.Equal(t, "0-9-1", attrs["messaging.protocol_version"])
	assert.Equal(t, ":5672", attrs["amqp.listener"])
}

func TestInitProviderDisabledExporters(t *testing.T) {
	shutdown, err := InitProvider(context.Background(), Config{ServiceName: "amqpd", Insecure: true})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, err = InitProvider(context.Background(), Config{ServiceName: "amqpd", CAFile: filepath.Join(t.TempDir(), "none.pem")})
	assert.Error(t, err)
}
