// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker guards a storage.Store with a circuit breaker so that a
// failing disk turns into fast errors instead of stalled channels.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/amqpd/storage"
	"github.com/sony/gobreaker"
)

// ErrUnavailable is returned while the breaker is open.
var ErrUnavailable = errors.New("storage unavailable")

var (
	_ storage.Store           = (*Store)(nil)
	_ storage.MessageStore    = (*messageStore)(nil)
	_ storage.DefinitionStore = (*definitionStore)(nil)
)

// Config holds circuit breaker settings.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// Store wraps every call of an inner store in one circuit breaker.
type Store struct {
	inner       storage.Store
	cb          *gobreaker.CircuitBreaker
	messages    *messageStore
	definitions *definitionStore
}

// New wraps inner.
func New(inner storage.Store, cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "storage",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		// Lookups of missing records are answers, not failures.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrAlreadyExists)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("storage circuit breaker state changed",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	s := &Store{inner: inner, cb: cb}
	s.messages = &messageStore{inner: inner.Messages(), cb: cb}
	s.definitions = &definitionStore{inner: inner.Definitions(), cb: cb}
	return s
}

// State returns the breaker state.
func (s *Store) State() gobreaker.State {
	return s.cb.State()
}

func (s *Store) Messages() storage.MessageStore {
	return s.messages
}

func (s *Store) Definitions() storage.DefinitionStore {
	return s.definitions
}

func (s *Store) Close() error {
	return s.inner.Close()
}

func run(cb *gobreaker.CircuitBreaker, fn func() error) error {
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func query[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var out T
	err := run(cb, func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

type messageStore struct {
	inner storage.MessageStore
	cb    *gobreaker.CircuitBreaker
}

func (m *messageStore) Save(queue string, msg *storage.Message) error {
	return run(m.cb, func() error { return m.inner.Save(queue, msg) })
}

func (m *messageStore) Delete(queue string, id uint64) error {
	return run(m.cb, func() error { return m.inner.Delete(queue, id) })
}

func (m *messageStore) List(queue string) ([]*storage.Message, error) {
	return query(m.cb, func() ([]*storage.Message, error) { return m.inner.List(queue) })
}

func (m *messageStore) DeleteQueue(queue string) error {
	return run(m.cb, func() error { return m.inner.DeleteQueue(queue) })
}

func (m *messageStore) Stage(xid string, ops []storage.Op) error {
	return run(m.cb, func() error { return m.inner.Stage(xid, ops) })
}

func (m *messageStore) CommitStaged(xid string) error {
	return run(m.cb, func() error { return m.inner.CommitStaged(xid) })
}

func (m *messageStore) DiscardStaged(xid string) error {
	return run(m.cb, func() error { return m.inner.DiscardStaged(xid) })
}

func (m *messageStore) Staged() (map[string][]storage.Op, error) {
	return query(m.cb, m.inner.Staged)
}

type definitionStore struct {
	inner storage.DefinitionStore
	cb    *gobreaker.CircuitBreaker
}

func (d *definitionStore) SaveExchange(e *storage.Exchange) error {
	return run(d.cb, func() error { return d.inner.SaveExchange(e) })
}

func (d *definitionStore) DeleteExchange(name string) error {
	return run(d.cb, func() error { return d.inner.DeleteExchange(name) })
}

func (d *definitionStore) Exchanges() ([]*storage.Exchange, error) {
	return query(d.cb, d.inner.Exchanges)
}

func (d *definitionStore) SaveQueue(q *storage.Queue) error {
	return run(d.cb, func() error { return d.inner.SaveQueue(q) })
}

func (d *definitionStore) DeleteQueue(name string) error {
	return run(d.cb, func() error { return d.inner.DeleteQueue(name) })
}

func (d *definitionStore) Queues() ([]*storage.Queue, error) {
	return query(d.cb, d.inner.Queues)
}

func (d *definitionStore) SaveBinding(b *storage.Binding) error {
	return run(d.cb, func() error { return d.inner.SaveBinding(b) })
}

func (d *definitionStore) DeleteBinding(b *storage.Binding) error {
	return run(d.cb, func() error { return d.inner.DeleteBinding(b) })
}

func (d *definitionStore) Bindings() ([]*storage.Binding, error) {
	return query(d.cb, d.inner.Bindings)
}
