// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp091

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/absmach/amqpd/amqp/broker"
	"github.com/absmach/amqpd/amqp/codec"
	"github.com/absmach/amqpd/amqp/message"
	"github.com/absmach/amqpd/queue"
	"github.com/absmach/amqpd/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var protocolHeader = []byte{'A', 'M', 'Q', 'P', 0, 0, 9, 1}

func newBroker(t *testing.T) *broker.Broker {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	seq := message.NewSequence(0)
	mgr := queue.NewManager(memory.New(), seq, queue.DefaultConfig(), logger)
	b := broker.New(mgr, seq, broker.DefaultConfig(), logger)
	t.Cleanup(b.Close)
	return b
}

// start runs the server in the background and returns its address and the
// channel Listen's result is delivered on.
func start(t *testing.T, cfg Config) (*Server, context.CancelFunc, <-chan error) {
	t.Helper()
	cfg.Address = "127.0.0.1:0"
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	s := New(cfg, newBroker(t))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Listen(ctx) }()
	t.Cleanup(cancel)

	require.Eventually(t, func() bool { return s.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	return s, cancel, errCh
}

func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readStart(conn net.Conn, timeout time.Duration) (*codec.ConnectionStart, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	f, err := codec.ReadFrame(conn, 0)
	if err != nil {
		return nil, err
	}
	m, err := codec.DecodeMethod(f.Payload)
	if err != nil {
		return nil, err
	}
	start, ok := m.(*codec.ConnectionStart)
	if !ok {
		return nil, errors.New("expected connection.start")
	}
	return start, nil
}

func waitResult(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
		return nil
	}
}

func TestAddrBeforeListen(t *testing.T) {
	s := New(Config{}, newBroker(t))
	assert.Nil(t, s.Addr())
	assert.Equal(t, 30*time.Second, s.cfg.ShutdownTimeout)
	assert.NotNil(t, s.cfg.Logger)
}

func TestServerServesConnections(t *testing.T) {
	s, cancel, errCh := start(t, Config{ShutdownTimeout: time.Second, TCPKeepAlive: time.Second})

	conn := dial(t, s)
	_, err := conn.Write(protocolHeader)
	require.NoError(t, err)

	startMsg, err := readStart(conn, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, byte(9), startMsg.VersionMinor)
	assert.Equal(t, "PLAIN", startMsg.Mechanisms)

	conn.Close()
	cancel()
	assert.NoError(t, waitResult(t, errCh))
}

func TestServerForcesShutdown(t *testing.T) {
	s, cancel, errCh := start(t, Config{ShutdownTimeout: 100 * time.Millisecond})

	// An idle client that never sends the protocol header.
	dial(t, s)
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.conns) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, waitResult(t, errCh), ErrShutdownTimeout)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.conns)
}

func TestServerMaxConnections(t *testing.T) {
	s, _, _ := start(t, Config{MaxConnections: 1, ShutdownTimeout: 100 * time.Millisecond})

	first := dial(t, s)
	_, err := first.Write(protocolHeader)
	require.NoError(t, err)
	_, err = readStart(first, 2*time.Second)
	require.NoError(t, err)

	second := dial(t, s)
	_, err = second.Write(protocolHeader)
	require.NoError(t, err)
	_, err = readStart(second, 200*time.Millisecond)
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout(), "second connection must wait for a free slot")

	first.Close()
	_, err = readStart(second, 2*time.Second)
	assert.NoError(t, err)
}
