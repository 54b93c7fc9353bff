// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp091

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/amqpd/amqp/broker"
	"golang.org/x/net/netutil"
)

// ErrShutdownTimeout is returned when open connections outlive the shutdown timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Config represents the configuration for the AMQP 0.9.1 server.
type Config struct {
	Address         string
	TLSConfig       *tls.Config
	ShutdownTimeout time.Duration
	TCPKeepAlive    time.Duration
	// MaxConnections bounds concurrently served connections; further
	// accepts wait for a slot. Zero means unlimited.
	MaxConnections int
	DisableNoDelay bool
	Logger         *slog.Logger
}

// Server accepts AMQP 0.9.1 connections and hands them to the broker.
type Server struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	cfg      Config
	broker   *broker.Broker
	listener net.Listener
	conns    map[net.Conn]struct{}
}

// New creates a new AMQP 0.9.1 server.
func New(cfg Config, b *broker.Broker) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Server{
		cfg:    cfg,
		broker: b,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Listen serves connections until ctx is cancelled, then drains them.
func (s *Server) Listen(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
		s.cfg.Logger.Info("TLS enabled", slog.String("address", s.cfg.Address))
	}

	s.cfg.Logger.Info("AMQP 0.9.1 server listening", slog.String("address", ln.Addr().String()))

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		s.acceptLoop(ctx, ln)
	}()

	<-ctx.Done()
	return s.shutdown(ln, acceptDone)
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.cfg.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			if err := s.configureTCPConn(tcpConn); err != nil {
				s.cfg.Logger.Error("failed to configure TCP connection", slog.String("error", err.Error()))
				conn.Close()
				continue
			}
		}

		s.track(conn)
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	// Complete the TLS handshake before the AMQP one so that client
	// certificate failures are reported separately.
	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.Handshake(); err != nil {
			s.cfg.Logger.Warn("TLS handshake failed",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.String("error", err.Error()))
			return
		}
	}

	s.broker.HandleConnection(conn)
}

// shutdown stops accepting, waits for connections to end and closes the
// stragglers once the timeout expires.
func (s *Server) shutdown(ln net.Listener, acceptDone <-chan struct{}) error {
	s.cfg.Logger.Info("AMQP 0.9.1 server shutting down")
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.cfg.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cfg.Logger.Info("all connections closed gracefully")
		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
	}

	s.cfg.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return ErrShutdownTimeout
}

func (s *Server) configureTCPConn(conn *net.TCPConn) error {
	if s.cfg.TCPKeepAlive > 0 {
		if err := conn.SetKeepAlive(true); err != nil {
			return fmt.Errorf("failed to enable keepalive: %w", err)
		}
		if err := conn.SetKeepAlivePeriod(s.cfg.TCPKeepAlive); err != nil {
			return fmt.Errorf("failed to set keepalive period: %w", err)
		}
	}
	if !s.cfg.DisableNoDelay {
		if err := conn.SetNoDelay(true); err != nil {
			return fmt.Errorf("failed to set TCP_NODELAY: %w", err)
		}
	}
	return nil
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Addr returns the listener's network address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
