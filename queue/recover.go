// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"fmt"
	"log/slog"

	"github.com/absmach/amqpd/amqp/transaction"
	"github.com/absmach/amqpd/storage"
)

// InDoubt is a transaction that was prepared before a restart.
type InDoubt struct {
	Xid    transaction.Xid
	Queues []transaction.QueueHandler
}

// Recover rebuilds durable exchanges, queues, bindings and messages from
// storage and returns the prepared transactions found there. The message
// sequence is advanced past every stored id.
func (m *Manager) Recover() ([]InDoubt, error) {
	if err := m.recoverDefinitions(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	var durable []*Queue
	for _, q := range m.queues {
		if q.durable {
			durable = append(durable, q)
		}
	}
	m.mu.RUnlock()

	total := 0
	for _, q := range durable {
		stored, err := m.store.Messages().List(q.name)
		if err != nil {
			return nil, fmt.Errorf("failed to load messages of '%s': %w", q.name, err)
		}
		for _, sm := range stored {
			msg, err := fromStored(sm)
			if err != nil {
				m.logger.Error("skipping unreadable stored message",
					slog.String("queue", q.name),
					slog.Uint64("id", sm.ID),
					slog.String("error", err.Error()))
				continue
			}
			m.seq.Advance(msg.ID)
			q.push(msg)
			total++
		}
	}

	inDoubt, err := m.recoverStaged()
	if err != nil {
		return nil, err
	}
	m.logger.Info("recovered durable state",
		slog.Int("queues", len(durable)),
		slog.Int("messages", total),
		slog.Int("prepared_transactions", len(inDoubt)))
	return inDoubt, nil
}

func (m *Manager) recoverDefinitions() error {
	defs := m.store.Definitions()
	exchanges, err := defs.Exchanges()
	if err != nil {
		return fmt.Errorf("failed to load exchanges: %w", err)
	}
	queues, err := defs.Queues()
	if err != nil {
		return fmt.Errorf("failed to load queues: %w", err)
	}
	bindings, err := defs.Bindings()
	if err != nil {
		return fmt.Errorf("failed to load bindings: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range exchanges {
		if _, ok := m.exchanges[e.Name]; ok {
			continue
		}
		m.exchanges[e.Name] = &Exchange{Name: e.Name, Type: e.Type, Durable: true, AutoDelete: e.AutoDelete, Internal: e.Internal}
	}
	for _, sq := range queues {
		if _, ok := m.queues[sq.Name]; ok {
			continue
		}
		args, err := decodeTable(sq.Arguments)
		if err != nil {
			return fmt.Errorf("failed to decode arguments of queue '%s': %w", sq.Name, err)
		}
		opts := QueueOptions{Name: sq.Name, Durable: true, AutoDelete: sq.AutoDelete, Arguments: args}
		m.queues[sq.Name] = newQueue(m, opts, "")
	}
	for _, b := range bindings {
		e, ok := m.exchanges[b.Exchange]
		if !ok {
			continue
		}
		if _, ok := m.queues[b.Queue]; !ok {
			continue
		}
		args, err := decodeTable(b.Arguments)
		if err != nil {
			return fmt.Errorf("failed to decode arguments of binding %s: %w", b.Key(), err)
		}
		e.bind(Binding{Queue: b.Queue, RoutingKey: b.RoutingKey, Arguments: args})
	}
	return nil
}

// recoverStaged restores the in-memory side of every prepared record so
// that committing it makes its messages visible again.
func (m *Manager) recoverStaged() ([]InDoubt, error) {
	staged, err := m.store.Messages().Staged()
	if err != nil {
		return nil, fmt.Errorf("failed to load prepared transactions: %w", err)
	}

	inDoubt := make([]InDoubt, 0, len(staged))
	for key, ops := range staged {
		xid, err := transaction.ParseXid(key)
		if err != nil {
			m.logger.Error("skipping prepared record with unreadable xid", slog.String("xid", key), slog.String("error", err.Error()))
			continue
		}

		affected := make(map[string]transaction.QueueHandler)
		for _, op := range ops {
			q := m.Queue(op.Queue)
			if q == nil {
				continue
			}
			affected[q.name] = q
			switch op.Kind {
			case storage.OpSave:
				msg, err := fromStored(op.Message)
				if err != nil {
					return nil, err
				}
				m.seq.Advance(msg.ID)
				q.stageEnqueue(key, msg)
			case storage.OpDelete:
				q.stageDequeue(key)
				q.hold(key, op.ID)
			}
		}

		m.stagingMu.Lock()
		m.staging[key] = &durableOps{ops: ops, prepared: true}
		m.stagingMu.Unlock()

		handlers := make([]transaction.QueueHandler, 0, len(affected))
		for _, h := range affected {
			handlers = append(handlers, h)
		}
		inDoubt = append(inDoubt, InDoubt{Xid: xid, Queues: handlers})
	}
	return inDoubt, nil
}
