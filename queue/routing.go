// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/amqpd/amqp/message"
	"github.com/absmach/amqpd/storage"
)

// Origin headers added to dead-lettered messages.
const (
	HeaderOriginQueue      = "x-origin-queue"
	HeaderOriginExchange   = "x-origin-exchange"
	HeaderOriginRoutingKey = "x-origin-routing-key"
)

// route returns the queues md is routed to.
func (m *Manager) route(md *message.Metadata) ([]*Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.exchanges[md.Exchange]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrExchangeNotFound, md.Exchange)
	}
	if md.Exchange == "" {
		if q, ok := m.queues[md.RoutingKey]; ok {
			return []*Queue{q}, nil
		}
		return nil, nil
	}

	names := make(map[string]struct{})
	e.route(md, names)
	queues := make([]*Queue, 0, len(names))
	for name := range names {
		if q, ok := m.queues[name]; ok {
			queues = append(queues, q)
		}
	}
	return queues, nil
}

// HasRoute reports whether md would reach at least one queue.
func (m *Manager) HasRoute(md *message.Metadata) (bool, error) {
	queues, err := m.route(md)
	return len(queues) > 0, err
}

// CheckPublish returns an error when md's exchange cannot be published to.
func (m *Manager) CheckPublish(exchange string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.exchanges[exchange]
	switch {
	case !ok:
		return fmt.Errorf("%w: '%s'", ErrExchangeNotFound, exchange)
	case e.Internal:
		return fmt.Errorf("%w: '%s'", ErrInternal, exchange)
	}
	return nil
}

// Enqueue routes msg and adds a copy of it to every matching queue. It
// takes ownership of msg.
func (m *Manager) Enqueue(msg *message.Message) error {
	defer msg.Release()

	queues, err := m.route(msg.Metadata)
	if err != nil {
		return err
	}
	var errs []error
	for _, q := range queues {
		cp := msg.ShallowCopy()
		if q.persists(cp) {
			if err := m.save(q.name, cp); err != nil {
				cp.Release()
				errs = append(errs, err)
				continue
			}
		}
		if !q.push(cp) {
			cp.Release()
			continue
		}
		m.notify(q.name)
	}
	return errors.Join(errs...)
}

func (m *Manager) save(queue string, msg *message.Message) error {
	sm, err := toStored(msg)
	if err != nil {
		return err
	}
	if err := m.store.Messages().Save(queue, sm); err != nil {
		return fmt.Errorf("failed to store message %d in '%s': %w", msg.ID, queue, err)
	}
	return nil
}

// Dequeue removes the durable copy of msg from queue. The caller keeps its
// handle.
func (m *Manager) Dequeue(queue string, msg *message.Message) error {
	q := m.Queue(queue)
	if q == nil || !q.persists(msg) {
		return nil
	}
	if err := m.store.Messages().Delete(queue, msg.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to delete message %d from '%s': %w", msg.ID, queue, err)
	}
	return nil
}

// Requeue puts msg back at the head of queue flagged as redelivered. It
// takes ownership of msg.
func (m *Manager) Requeue(queue string, msg *message.Message) error {
	q := m.Queue(queue)
	if q == nil {
		msg.Release()
		return fmt.Errorf("%w: '%s'", ErrQueueNotFound, queue)
	}
	msg.SetRedelivered()
	if !q.pushFront(msg) {
		msg.Release()
		return fmt.Errorf("%w: '%s'", ErrQueueNotFound, queue)
	}
	m.notify(queue)
	return nil
}

// Return puts a message that was popped but never delivered back at the
// head of queue. It takes ownership of msg.
func (m *Manager) Return(queue string, msg *message.Message) error {
	q := m.Queue(queue)
	if q == nil || !q.pushFront(msg) {
		msg.Release()
		return fmt.Errorf("%w: '%s'", ErrQueueNotFound, queue)
	}
	m.notify(queue)
	return nil
}

// MoveToDLC publishes a copy of msg to the dead-letter exchange, recording
// where it came from, and then removes msg from queue. It takes ownership
// of msg.
func (m *Manager) MoveToDLC(queue string, msg *message.Message) error {
	md := msg.Metadata.Clone()
	if md.Properties.Headers == nil {
		md.Properties.Headers = make(map[string]any, 3)
	}
	md.Properties.Headers[HeaderOriginQueue] = queue
	md.Properties.Headers[HeaderOriginExchange] = msg.Metadata.Exchange
	md.Properties.Headers[HeaderOriginRoutingKey] = msg.Metadata.RoutingKey
	md.Exchange = m.cfg.DeadLetterExchange
	md.RoutingKey = m.cfg.DeadLetterQueue

	dead := msg.ShallowCopyWith(m.seq.Next(), md)
	if err := m.Enqueue(dead); err != nil {
		msg.Release()
		return fmt.Errorf("failed to dead-letter message %d from '%s': %w", msg.ID, queue, err)
	}
	err := m.Dequeue(queue, msg)
	msg.Release()
	m.logger.Debug("message dead-lettered",
		slog.String("queue", queue),
		slog.Uint64("id", msg.ID),
		slog.Uint64("dead_letter_id", dead.ID))
	return err
}

// Discard drops msg from queue for good. It takes ownership of msg.
func (m *Manager) Discard(queue string, msg *message.Message) error {
	err := m.Dequeue(queue, msg)
	msg.Release()
	return err
}

// Get pops the head of queue for basic.get. It returns a nil message when
// the queue is empty, with the number of messages left otherwise.
func (m *Manager) Get(queue, owner string) (*message.Message, uint32, error) {
	m.mu.RLock()
	q, err := m.queueFor(queue, owner)
	m.mu.RUnlock()
	if err != nil {
		return nil, 0, err
	}
	msg, left := q.pop()
	return msg, uint32(left), nil
}

// Pop removes the head of queue for delivery to a consumer. It returns nil
// when the queue is empty or gone.
func (m *Manager) Pop(queue string) *message.Message {
	q := m.Queue(queue)
	if q == nil {
		return nil
	}
	msg, _ := q.pop()
	return msg
}
