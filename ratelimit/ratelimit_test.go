// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"testing"
	"time"
)

func TestIPRateLimiter_Allow(t *testing.T) {
	limiter := NewIPRateLimiter(5, 2, time.Minute)
	defer limiter.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}

	if !limiter.Allow(addr) {
		t.Error("First connection should be allowed")
	}
	if !limiter.Allow(addr) {
		t.Error("Second connection (within burst) should be allowed")
	}
	if limiter.Allow(addr) {
		t.Error("Third connection should be rate limited")
	}

	time.Sleep(250 * time.Millisecond)

	if !limiter.Allow(addr) {
		t.Error("Connection after token refill should be allowed")
	}
}

func TestIPRateLimiter_PortsShareBucket(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	if !limiter.Allow(&net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5000}) {
		t.Fatal("First connection should be allowed")
	}
	if limiter.Allow(&net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5001}) {
		t.Error("Second connection from the same IP should be limited regardless of port")
	}
	if !limiter.Allow(&net.TCPAddr{IP: net.ParseIP("10.0.0.2"), Port: 5000}) {
		t.Error("Another IP should have its own bucket")
	}
}

func TestIPRateLimiter_NilAddr(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	if !limiter.Allow(nil) {
		t.Error("Nil address should be allowed")
	}
}

func TestIPRateLimiter_RemoveStale(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	limiter.Allow(&net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1})
	limiter.Allow(&net.TCPAddr{IP: net.ParseIP("10.0.0.2"), Port: 1})

	if n := limiter.removeStale(time.Now()); n != 0 {
		t.Errorf("Expected no stale entries, removed %d", n)
	}
	if n := limiter.removeStale(time.Now().Add(3 * time.Minute)); n != 2 {
		t.Errorf("Expected 2 stale entries, removed %d", n)
	}
	if n := limiter.limiter.len(); n != 0 {
		t.Errorf("Expected empty limiter, got %d entries", n)
	}
}

func TestIPRateLimiter_StopTwice(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	limiter.Stop()
	limiter.Stop()
}

func TestConnectionRateLimiter(t *testing.T) {
	tests := []struct {
		name  string
		allow func(l *ConnectionRateLimiter, id string) bool
	}{
		{"publish", (*ConnectionRateLimiter).AllowPublish},
		{"consume", (*ConnectionRateLimiter).AllowConsume},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := NewConnectionRateLimiter(5, 2, 5, 2)

			if !tt.allow(limiter, "conn-1") || !tt.allow(limiter, "conn-1") {
				t.Fatal("Burst should be allowed")
			}
			if tt.allow(limiter, "conn-1") {
				t.Error("Third event should be rate limited")
			}
			if !tt.allow(limiter, "conn-2") {
				t.Error("Other connections should not be affected")
			}

			limiter.RemoveConnection("conn-1")
			if !tt.allow(limiter, "conn-1") {
				t.Error("A removed connection should start with a fresh bucket")
			}
		})
	}
}

func TestConnectionRateLimiter_IndependentBuckets(t *testing.T) {
	limiter := NewConnectionRateLimiter(1, 1, 1, 1)

	if !limiter.AllowPublish("conn") {
		t.Fatal("First publish should be allowed")
	}
	if !limiter.AllowConsume("conn") {
		t.Error("Consume should not share the publish bucket")
	}
}

func TestManager_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	m := NewManager(cfg)
	defer m.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}
	for range 1000 {
		if !m.AllowConnection(addr) {
			t.Fatal("Disabled manager should allow all connections")
		}
		if !m.AllowPublish("conn") {
			t.Fatal("Disabled manager should allow all publishes")
		}
		if !m.AllowConsume("conn") {
			t.Fatal("Disabled manager should allow all consumers")
		}
	}
}

func TestManager_NilAllowsEverything(t *testing.T) {
	var m *Manager
	if !m.AllowConnection(nil) || !m.AllowPublish("c") || !m.AllowConsume("c") {
		t.Error("Nil manager should allow everything")
	}
	m.OnConnectionClose("c")
	m.Stop()
}

func TestManager_Enabled(t *testing.T) {
	cfg := Config{
		Enabled: true,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            1,
			Burst:           1,
			CleanupInterval: time.Minute,
		},
		Publish: BucketConfig{Enabled: true, Rate: 1, Burst: 2},
		Consume: BucketConfig{Enabled: false},
	}
	m := NewManager(cfg)
	defer m.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}
	if !m.AllowConnection(addr) {
		t.Error("First connection should be allowed")
	}
	if m.AllowConnection(addr) {
		t.Error("Second connection should be rate limited")
	}

	if !m.AllowPublish("conn") || !m.AllowPublish("conn") {
		t.Error("Publish burst should be allowed")
	}
	if m.AllowPublish("conn") {
		t.Error("Publish beyond burst should be rate limited")
	}

	for range 10 {
		if !m.AllowConsume("conn") {
			t.Fatal("Disabled consume limit should allow all consumers")
		}
	}

	m.OnConnectionClose("conn")
	if !m.AllowPublish("conn") {
		t.Error("Publish after connection close should start a fresh bucket")
	}
}
