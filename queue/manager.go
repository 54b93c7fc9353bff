// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package queue implements exchanges, bindings and queues, and stores the
// messages routed through them.
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/absmach/amqpd/amqp/codec"
	"github.com/absmach/amqpd/amqp/message"
	"github.com/absmach/amqpd/amqp/transaction"
	"github.com/absmach/amqpd/storage"
	"github.com/absmach/amqpd/topics"
	"github.com/google/uuid"
)

var _ transaction.Broker = (*Manager)(nil)

// ErrDefaultExchange is returned for bind and unbind on the default exchange.
var ErrDefaultExchange = errors.New("operation not permitted on the default exchange")

// Config holds dead-letter settings.
type Config struct {
	// DeadLetterExchange receives messages that exhausted their redeliveries.
	DeadLetterExchange string
	// DeadLetterQueue is bound to DeadLetterExchange with its own name as key.
	DeadLetterQueue string
}

// DefaultConfig returns the built-in dead-letter names.
func DefaultConfig() Config {
	return Config{
		DeadLetterExchange: "amq.dlx",
		DeadLetterQueue:    "amq.dlq",
	}
}

// Dispatcher is told about queue changes that affect consumers. Notify must
// not block.
type Dispatcher interface {
	Notify(queue string)
	QueueDeleted(queue string)
}

// QueueOptions are the queue.declare arguments.
type QueueOptions struct {
	Name       string
	Passive    bool
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Arguments  codec.Table
}

// QueueInfo is returned by declare and get.
type QueueInfo struct {
	Name      string
	Messages  uint32
	Consumers uint32
}

// Manager owns every exchange and queue of a broker.
type Manager struct {
	store  storage.Store
	seq    *message.Sequence
	cfg    Config
	logger *slog.Logger

	mu         sync.RWMutex
	exchanges  map[string]*Exchange
	queues     map[string]*Queue
	dispatcher Dispatcher

	stagingMu sync.Mutex
	staging   map[string]*durableOps
}

// NewManager creates a manager with the default exchanges and the
// dead-letter queue.
func NewManager(store storage.Store, seq *message.Sequence, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DeadLetterExchange == "" || cfg.DeadLetterQueue == "" {
		def := DefaultConfig()
		if cfg.DeadLetterExchange == "" {
			cfg.DeadLetterExchange = def.DeadLetterExchange
		}
		if cfg.DeadLetterQueue == "" {
			cfg.DeadLetterQueue = def.DeadLetterQueue
		}
	}
	m := &Manager{
		store:     store,
		seq:       seq,
		cfg:       cfg,
		logger:    logger,
		exchanges: make(map[string]*Exchange),
		queues:    make(map[string]*Queue),
		staging:   make(map[string]*durableOps),
	}

	for name, kind := range map[string]string{
		"":            Direct,
		"amq.direct":  Direct,
		"amq.fanout":  Fanout,
		"amq.topic":   Topic,
		"amq.headers": Headers,
		"amq.match":   Headers,
	} {
		m.exchanges[name] = &Exchange{Name: name, Type: kind, Durable: true}
	}
	dlx := &Exchange{Name: cfg.DeadLetterExchange, Type: Direct, Durable: true}
	dlx.bind(Binding{Queue: cfg.DeadLetterQueue, RoutingKey: cfg.DeadLetterQueue})
	m.exchanges[dlx.Name] = dlx
	m.queues[cfg.DeadLetterQueue] = newQueue(m, QueueOptions{Name: cfg.DeadLetterQueue, Durable: true}, "")

	return m
}

// SetDispatcher installs the consumer dispatcher.
func (m *Manager) SetDispatcher(d Dispatcher) {
	m.mu.Lock()
	m.dispatcher = d
	m.mu.Unlock()
}

// Config returns the dead-letter settings in use.
func (m *Manager) Config() Config {
	return m.cfg
}

func (m *Manager) notify(queue string) {
	m.mu.RLock()
	d := m.dispatcher
	m.mu.RUnlock()
	if d != nil {
		d.Notify(queue)
	}
}

func (m *Manager) builtin(name string) bool {
	return name == "" || strings.HasPrefix(name, "amq.")
}

// Queue returns the named queue or nil.
func (m *Manager) Queue(name string) *Queue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queues[name]
}

func (m *Manager) queueFor(name, owner string) (*Queue, error) {
	q, ok := m.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrQueueNotFound, name)
	}
	if !q.accessible(owner) {
		return nil, fmt.Errorf("%w: '%s'", ErrLocked, name)
	}
	return q, nil
}

// Exchange returns a copy of the named exchange's attributes.
func (m *Manager) Exchange(name string) (Exchange, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.exchanges[name]
	if !ok {
		return Exchange{}, false
	}
	return Exchange{Name: e.Name, Type: e.Type, Durable: e.Durable, AutoDelete: e.AutoDelete, Internal: e.Internal}, true
}

// DeclareExchange creates an exchange, or checks that an existing one has
// the same type. It reports whether the exchange was created.
func (m *Manager) DeclareExchange(name, kind string, passive, durable, autoDelete, internal bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.exchanges[name]; ok {
		if !passive && e.Type != kind {
			return false, fmt.Errorf("%w: exchange '%s' has type %s, not %s", ErrInequivalent, name, e.Type, kind)
		}
		return false, nil
	}
	if passive {
		return false, fmt.Errorf("%w: '%s'", ErrExchangeNotFound, name)
	}
	if err := topics.ValidateDeclare(name); err != nil {
		return false, err
	}
	if !validType(kind) {
		return false, fmt.Errorf("%w: %s", ErrExchangeType, kind)
	}

	e := &Exchange{Name: name, Type: kind, Durable: durable, AutoDelete: autoDelete, Internal: internal}
	if durable {
		def := &storage.Exchange{Name: name, Type: kind, AutoDelete: autoDelete, Internal: internal}
		if err := m.store.Definitions().SaveExchange(def); err != nil {
			return false, fmt.Errorf("failed to persist exchange '%s': %w", name, err)
		}
	}
	m.exchanges[name] = e
	m.logger.Debug("exchange declared", slog.String("exchange", name), slog.String("type", kind))
	return true, nil
}

// DeleteExchange removes an exchange and its bindings.
func (m *Manager) DeleteExchange(name string, ifUnused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.builtin(name) {
		return fmt.Errorf("%w: '%s'", topics.ErrReservedName, name)
	}
	e, ok := m.exchanges[name]
	if !ok {
		return fmt.Errorf("%w: '%s'", ErrExchangeNotFound, name)
	}
	if ifUnused && len(e.bindings) > 0 {
		return fmt.Errorf("%w: exchange '%s' has bindings", ErrInUse, name)
	}
	return m.deleteExchange(e)
}

func (m *Manager) deleteExchange(e *Exchange) error {
	delete(m.exchanges, e.Name)
	if !e.Durable {
		return nil
	}
	defs := m.store.Definitions()
	for _, b := range e.bindings {
		if err := m.deleteBindingDef(e.Name, b); err != nil {
			return err
		}
	}
	if err := defs.DeleteExchange(e.Name); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to delete exchange '%s': %w", e.Name, err)
	}
	return nil
}

// DeclareQueue creates a queue or returns the state of an existing one.
// An empty name gets a generated one. It reports whether the queue was
// created.
func (m *Manager) DeclareQueue(opts QueueOptions, owner string) (QueueInfo, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	generated := false
	if opts.Name == "" {
		if opts.Passive {
			return QueueInfo{}, false, fmt.Errorf("%w: ''", ErrQueueNotFound)
		}
		opts.Name = "amq.gen-" + uuid.NewString()
		generated = true
	}

	if q, ok := m.queues[opts.Name]; ok {
		if !q.accessible(owner) {
			return QueueInfo{}, false, fmt.Errorf("%w: '%s'", ErrLocked, opts.Name)
		}
		if !opts.Passive && (q.durable != opts.Durable || q.exclusive != opts.Exclusive || q.autoDelete != opts.AutoDelete) {
			return QueueInfo{}, false, fmt.Errorf("%w: queue '%s' declared with different flags", ErrInequivalent, opts.Name)
		}
		return q.info(), false, nil
	}
	if opts.Passive {
		return QueueInfo{}, false, fmt.Errorf("%w: '%s'", ErrQueueNotFound, opts.Name)
	}
	if !generated {
		if err := topics.ValidateDeclare(opts.Name); err != nil {
			return QueueInfo{}, false, err
		}
	}

	q := newQueue(m, opts, owner)
	if q.durable && !q.exclusive {
		args, err := encodeTable(opts.Arguments)
		if err != nil {
			return QueueInfo{}, false, fmt.Errorf("failed to encode arguments of queue '%s': %w", opts.Name, err)
		}
		def := &storage.Queue{Name: opts.Name, AutoDelete: opts.AutoDelete, Arguments: args}
		if err := m.store.Definitions().SaveQueue(def); err != nil {
			return QueueInfo{}, false, fmt.Errorf("failed to persist queue '%s': %w", opts.Name, err)
		}
	}
	m.queues[opts.Name] = q
	m.logger.Debug("queue declared", slog.String("queue", opts.Name), slog.Bool("durable", opts.Durable))
	return q.info(), true, nil
}

// DeleteQueue removes a queue and returns the number of ready messages it
// held.
func (m *Manager) DeleteQueue(name, owner string, ifUnused, ifEmpty bool) (uint32, error) {
	if name == m.cfg.DeadLetterQueue {
		return 0, fmt.Errorf("%w: '%s'", topics.ErrReservedName, name)
	}
	m.mu.Lock()
	q, err := m.queueFor(name, owner)
	if err == nil {
		err = q.checkDelete(ifUnused, ifEmpty)
	}
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	count, err := m.deleteQueue(q)
	d := m.dispatcher
	m.mu.Unlock()

	if d != nil {
		d.QueueDeleted(name)
	}
	return count, err
}

// deleteQueue must be called with m.mu held.
func (m *Manager) deleteQueue(q *Queue) (uint32, error) {
	delete(m.queues, q.name)
	count := uint32(q.Len())
	releaseAll(q.markDeleted())

	var errs []error
	for _, e := range m.exchanges {
		for _, b := range e.unbindQueue(q.name) {
			if e.Durable && q.durable {
				errs = append(errs, m.deleteBindingDef(e.Name, b))
			}
		}
		if e.AutoDelete && len(e.bindings) == 0 {
			errs = append(errs, m.deleteExchange(e))
		}
	}
	if q.durable {
		if err := m.store.Messages().DeleteQueue(q.name); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete messages of queue '%s': %w", q.name, err))
		}
		if err := m.store.Definitions().DeleteQueue(q.name); err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, fmt.Errorf("failed to delete queue '%s': %w", q.name, err))
		}
	}
	m.logger.Debug("queue deleted", slog.String("queue", q.name), slog.Uint64("messages", uint64(count)))
	return count, errors.Join(errs...)
}

// DeleteExclusive deletes the exclusive queues owned by owner.
func (m *Manager) DeleteExclusive(owner string) {
	m.mu.RLock()
	var names []string
	for name, q := range m.queues {
		if q.exclusive && q.owner == owner {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()

	for _, name := range names {
		if _, err := m.DeleteQueue(name, owner, false, false); err != nil && !errors.Is(err, ErrQueueNotFound) {
			m.logger.Error("failed to delete exclusive queue", slog.String("queue", name), slog.String("error", err.Error()))
		}
	}
}

// PurgeQueue drops the ready messages of a queue and returns their number.
func (m *Manager) PurgeQueue(name, owner string) (uint32, error) {
	m.mu.RLock()
	q, err := m.queueFor(name, owner)
	m.mu.RUnlock()
	if err != nil {
		return 0, err
	}

	msgs := q.drain()
	var errs []error
	for _, msg := range msgs {
		if q.persists(msg) {
			if err := m.store.Messages().Delete(q.name, msg.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				errs = append(errs, err)
			}
		}
		msg.Release()
	}
	if err := errors.Join(errs...); err != nil {
		return uint32(len(msgs)), fmt.Errorf("failed to purge queue '%s': %w", name, err)
	}
	return uint32(len(msgs)), nil
}

// Bind binds a queue to an exchange.
func (m *Manager) Bind(queue, exchange, key string, args codec.Table, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, e, err := m.binding(queue, exchange, owner)
	if err != nil {
		return err
	}
	b := Binding{Queue: queue, RoutingKey: key, Arguments: args}
	if !e.bind(b) {
		return nil
	}
	if e.Durable && q.durable && !q.exclusive {
		enc, err := encodeTable(args)
		if err != nil {
			e.unbind(b)
			return fmt.Errorf("failed to encode binding arguments: %w", err)
		}
		def := &storage.Binding{Exchange: exchange, Queue: queue, RoutingKey: key, Arguments: enc}
		if err := m.store.Definitions().SaveBinding(def); err != nil {
			e.unbind(b)
			return fmt.Errorf("failed to persist binding: %w", err)
		}
	}
	return nil
}

// Unbind removes a binding. Unbinding a missing binding succeeds.
func (m *Manager) Unbind(queue, exchange, key string, args codec.Table, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, e, err := m.binding(queue, exchange, owner)
	if err != nil {
		return err
	}
	b := Binding{Queue: queue, RoutingKey: key, Arguments: args}
	if !e.unbind(b) {
		return nil
	}
	if e.Durable && q.durable {
		if err := m.deleteBindingDef(exchange, b); err != nil {
			return err
		}
	}
	if e.AutoDelete && len(e.bindings) == 0 {
		return m.deleteExchange(e)
	}
	return nil
}

func (m *Manager) binding(queue, exchange, owner string) (*Queue, *Exchange, error) {
	if exchange == "" {
		return nil, nil, ErrDefaultExchange
	}
	q, err := m.queueFor(queue, owner)
	if err != nil {
		return nil, nil, err
	}
	e, ok := m.exchanges[exchange]
	if !ok {
		return nil, nil, fmt.Errorf("%w: '%s'", ErrExchangeNotFound, exchange)
	}
	return q, e, nil
}

func (m *Manager) deleteBindingDef(exchange string, b Binding) error {
	enc, err := encodeTable(b.Arguments)
	if err != nil {
		return fmt.Errorf("failed to encode binding arguments: %w", err)
	}
	def := &storage.Binding{Exchange: exchange, Queue: b.Queue, RoutingKey: b.RoutingKey, Arguments: enc}
	if err := m.store.Definitions().DeleteBinding(def); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to delete binding: %w", err)
	}
	return nil
}

// AddConsumer attaches a consumer to queue.
func (m *Manager) AddConsumer(queue, owner string, exclusive bool) error {
	m.mu.RLock()
	q, err := m.queueFor(queue, owner)
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := q.addConsumer(exclusive); err != nil {
		return fmt.Errorf("%w: '%s'", err, queue)
	}
	return nil
}

// RemoveConsumer detaches a consumer and deletes an auto-delete queue that
// lost its last consumer.
func (m *Manager) RemoveConsumer(queue string) {
	q := m.Queue(queue)
	if q == nil || !q.removeConsumer() {
		return
	}
	if _, err := m.DeleteQueue(queue, q.owner, true, false); err != nil && !errors.Is(err, ErrInUse) && !errors.Is(err, ErrQueueNotFound) {
		m.logger.Error("failed to auto-delete queue", slog.String("queue", queue), slog.String("error", err.Error()))
	}
}
