// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/absmach/amqpd/amqp/message"
	"github.com/absmach/amqpd/amqp/transaction"
	"github.com/absmach/amqpd/queue"
	"github.com/absmach/amqpd/ratelimit"
	"go.opentelemetry.io/otel"
)

// Config holds the protocol limits and channel defaults of a broker.
type Config struct {
	FrameMax   uint32
	ChannelMax uint16
	// Heartbeat is the proposed heartbeat interval in seconds.
	Heartbeat uint16

	// DefaultPrefetch applies to new channels; 0 means unlimited.
	DefaultPrefetch uint16
	// MaxRedeliveryCount is how often a rejected message is requeued
	// before it goes to the dead-letter queue.
	MaxRedeliveryCount int

	// Users holds PLAIN credentials. An empty map accepts any login.
	Users map[string]string

	ReadBufferSize  int
	WriteBufferSize int
}

// DefaultConfig returns the default broker configuration.
func DefaultConfig() Config {
	return Config{
		FrameMax:           defaultFrameMax,
		ChannelMax:         defaultChannelMax,
		Heartbeat:          defaultHeartbeat,
		MaxRedeliveryCount: 5,
		ReadBufferSize:     65536,
		WriteBufferSize:    65536,
	}
}

// Broker accepts AMQP 0-9-1 connections and connects their channels to the
// queue manager.
type Broker struct {
	cfg        Config
	manager    *queue.Manager
	registry   *transaction.Registry
	seq        *message.Sequence
	dispatcher *dispatcher

	connections sync.Map // connection id -> *Connection
	sessions    atomic.Uint64

	stats   *Stats
	logger  *slog.Logger
	mu      sync.RWMutex
	metrics *Metrics // nil if OTel disabled
	auth    transaction.Authorizer
	limiter *ratelimit.Manager
}

// New creates a broker on top of mgr. seq must be the sequence mgr was
// created with.
func New(mgr *queue.Manager, seq *message.Sequence, cfg Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = def.ReadBufferSize
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = def.WriteBufferSize
	}
	b := &Broker{
		cfg:        cfg,
		manager:    mgr,
		registry:   transaction.NewRegistry(otel.Tracer("amqp-broker"), logger),
		seq:        seq,
		dispatcher: newDispatcher(mgr, logger),
		stats:      NewStats(),
		logger:     logger,
	}
	mgr.SetDispatcher(b.dispatcher)
	return b
}

// SetMetrics sets the OTel metrics instance.
func (b *Broker) SetMetrics(m *Metrics) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = m
}

func (b *Broker) getMetrics() *Metrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metrics
}

// SetAuthorizer installs the publish authorizer used by channels opened
// afterwards.
func (b *Broker) SetAuthorizer(auth transaction.Authorizer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.auth = auth
}

func (b *Broker) authorizer() transaction.Authorizer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.auth
}

// SetRateLimiter installs the rate limiter. It must be called before the
// broker accepts connections.
func (b *Broker) SetRateLimiter(l *ratelimit.Manager) {
	b.limiter = l
}

func (b *Broker) allowPublish(connID string) bool {
	return b.limiter.AllowPublish(connID)
}

func (b *Broker) authenticate(user, pass string) bool {
	if len(b.cfg.Users) == 0 {
		return true
	}
	want, ok := b.cfg.Users[user]
	return ok && subtle.ConstantTimeCompare([]byte(want), []byte(pass)) == 1
}

// GetStats returns the broker's stats.
func (b *Broker) GetStats() *Stats {
	return b.stats
}

// Manager returns the queue manager.
func (b *Broker) Manager() *queue.Manager {
	return b.manager
}

// Registry returns the distributed transaction registry.
func (b *Broker) Registry() *transaction.Registry {
	return b.registry
}

// Recover loads durable state and restores prepared transaction branches
// so that a client can complete them.
func (b *Broker) Recover() error {
	inDoubt, err := b.manager.Recover()
	if err != nil {
		return fmt.Errorf("failed to recover queues: %w", err)
	}
	for _, d := range inDoubt {
		if err := b.registry.Restore(d.Xid, b.manager, d.Queues); err != nil {
			return fmt.Errorf("failed to restore transaction %s: %w", d.Xid, err)
		}
	}
	return nil
}

// HandleConnection handles a new raw TCP connection through the full AMQP lifecycle.
func (b *Broker) HandleConnection(conn net.Conn) {
	if !b.limiter.AllowConnection(conn.RemoteAddr()) {
		b.stats.IncrementConnectionsRejected()
		b.logger.Warn("connection rate limit exceeded", slog.String("remote", conn.RemoteAddr().String()))
		conn.Close()
		return
	}
	c := newConnection(b, conn)
	if err := c.run(); err != nil {
		b.logger.Debug("AMQP connection ended", slog.String("remote", c.remote), slog.String("error", err.Error()))
	}
}

func (b *Broker) registerConnection(c *Connection) {
	b.connections.Store(c.connID, c)
}

// unregisterConnection reports whether c was registered.
func (b *Broker) unregisterConnection(c *Connection) bool {
	_, ok := b.connections.LoadAndDelete(c.connID)
	return ok
}

// Channels returns a snapshot of every open channel ordered by connection
// and channel id.
func (b *Broker) Channels() []ChannelView {
	var views []ChannelView
	b.connections.Range(func(_, val any) bool {
		for _, ch := range val.(*Connection).snapshotChannels() {
			views = append(views, ch.View())
		}
		return true
	})
	sort.Slice(views, func(i, j int) bool {
		if views[i].Connection != views[j].Connection {
			return views[i].Connection < views[j].Connection
		}
		return views[i].ID < views[j].ID
	})
	return views
}

// Close shuts down every connection and the delivery workers.
func (b *Broker) Close() {
	b.connections.Range(func(_, val any) bool {
		c := val.(*Connection)
		c.close()
		c.conn.Close()
		return true
	})
	b.dispatcher.stop()
}
