// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// keyedLimiter holds one token bucket per key and forgets keys that have
// been idle for two sweep intervals.
type keyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newKeyedLimiter(r float64, burst int) *keyedLimiter {
	return &keyedLimiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

func (l *keyedLimiter) allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	e, ok := l.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

func (l *keyedLimiter) forget(key string) {
	l.mu.Lock()
	delete(l.limiters, key)
	l.mu.Unlock()
}

func (l *keyedLimiter) sweep(before time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, e := range l.limiters {
		if e.lastSeen.Before(before) {
			delete(l.limiters, key)
			n++
		}
	}
	return n
}

func (l *keyedLimiter) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// IPRateLimiter limits connection attempts per remote IP address.
type IPRateLimiter struct {
	limiter  *keyedLimiter
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewIPRateLimiter creates a limiter allowing r connections per second per
// IP with the given burst. Idle addresses are swept every cleanupInterval.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &IPRateLimiter{
		limiter:  newKeyedLimiter(r, burst),
		interval: cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection from addr may proceed. Addresses
// without an IP are always allowed.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return true
	}
	return l.limiter.allow(ip)
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			l.removeStale(now)
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPRateLimiter) removeStale(now time.Time) int {
	return l.limiter.sweep(now.Add(-2 * l.interval))
}

// Stop stops the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// ConnectionRateLimiter limits publishes and consumer registrations per
// AMQP connection.
type ConnectionRateLimiter struct {
	publish *keyedLimiter
	consume *keyedLimiter
}

// NewConnectionRateLimiter creates a per-connection limiter.
func NewConnectionRateLimiter(publishRate float64, publishBurst int, consumeRate float64, consumeBurst int) *ConnectionRateLimiter {
	return &ConnectionRateLimiter{
		publish: newKeyedLimiter(publishRate, publishBurst),
		consume: newKeyedLimiter(consumeRate, consumeBurst),
	}
}

// AllowPublish reports whether connID may publish another message now.
func (l *ConnectionRateLimiter) AllowPublish(connID string) bool {
	return l.publish.allow(connID)
}

// AllowConsume reports whether connID may register another consumer now.
func (l *ConnectionRateLimiter) AllowConsume(connID string) bool {
	return l.consume.allow(connID)
}

// RemoveConnection drops the limiters of a closed connection.
func (l *ConnectionRateLimiter) RemoveConnection(connID string) {
	l.publish.forget(connID)
	l.consume.forget(connID)
}

func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Connection ConnectionConfig `yaml:"connection"`
	Publish    BucketConfig     `yaml:"publish"`
	Consume    BucketConfig     `yaml:"consume"`
}

// ConnectionConfig holds per-IP connection rate limiting settings.
type ConnectionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"` // connections per second per IP
	Burst           int           `yaml:"burst"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// BucketConfig holds a per-connection token bucket.
type BucketConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"` // events per second per connection
	Burst   int     `yaml:"burst"`
}

// DefaultConfig returns the default configuration. Limiting is disabled.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            100.0 / 60.0,
			Burst:           20,
			CleanupInterval: 5 * time.Minute,
		},
		Publish: BucketConfig{
			Enabled: true,
			Rate:    1000,
			Burst:   100,
		},
		Consume: BucketConfig{
			Enabled: true,
			Rate:    100,
			Burst:   10,
		},
	}
}

// Manager coordinates the connection and per-connection limiters. A nil
// Manager allows everything.
type Manager struct {
	config Config
	ip     *IPRateLimiter
	conn   *ConnectionRateLimiter
}

// NewManager creates a rate limit manager.
func NewManager(cfg Config) *Manager {
	m := &Manager{config: cfg}
	if !cfg.Enabled {
		return m
	}
	if cfg.Connection.Enabled {
		m.ip = NewIPRateLimiter(cfg.Connection.Rate, cfg.Connection.Burst, cfg.Connection.CleanupInterval)
	}
	if cfg.Publish.Enabled || cfg.Consume.Enabled {
		m.conn = NewConnectionRateLimiter(cfg.Publish.Rate, cfg.Publish.Burst, cfg.Consume.Rate, cfg.Consume.Burst)
	}
	return m
}

// AllowConnection reports whether a new connection from addr is allowed.
func (m *Manager) AllowConnection(addr net.Addr) bool {
	if m == nil || m.ip == nil {
		return true
	}
	return m.ip.Allow(addr)
}

// AllowPublish reports whether connID may publish.
func (m *Manager) AllowPublish(connID string) bool {
	if m == nil || m.conn == nil || !m.config.Publish.Enabled {
		return true
	}
	return m.conn.AllowPublish(connID)
}

// AllowConsume reports whether connID may start a consumer.
func (m *Manager) AllowConsume(connID string) bool {
	if m == nil || m.conn == nil || !m.config.Consume.Enabled {
		return true
	}
	return m.conn.AllowConsume(connID)
}

// OnConnectionClose drops the limiters of a closed connection.
func (m *Manager) OnConnectionClose(connID string) {
	if m == nil || m.conn == nil {
		return
	}
	m.conn.RemoveConnection(connID)
}

// Stop releases the manager's background resources.
func (m *Manager) Stop() {
	if m != nil && m.ip != nil {
		m.ip.Stop()
	}
}
