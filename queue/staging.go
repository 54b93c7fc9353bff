// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"errors"
	"fmt"

	"github.com/absmach/amqpd/amqp/message"
	"github.com/absmach/amqpd/amqp/transaction"
	"github.com/absmach/amqpd/storage"
)

// durableOps collects the storage writes of one transaction until it is
// prepared or flushed.
type durableOps struct {
	ops      []storage.Op
	prepared bool
}

func (m *Manager) stageOp(key string, op storage.Op) {
	m.stagingMu.Lock()
	defer m.stagingMu.Unlock()
	d, ok := m.staging[key]
	if !ok {
		d = &durableOps{}
		m.staging[key] = d
	}
	d.ops = append(d.ops, op)
}

func (m *Manager) takeStaging(key string) *durableOps {
	m.stagingMu.Lock()
	defer m.stagingMu.Unlock()
	d := m.staging[key]
	delete(m.staging, key)
	return d
}

// PrepareEnqueue stages a copy of msg on every queue it routes to. The
// copies become visible when the returned handlers commit. It takes
// ownership of msg.
func (m *Manager) PrepareEnqueue(xid transaction.Xid, msg *message.Message) ([]transaction.QueueHandler, error) {
	defer msg.Release()

	queues, err := m.route(msg.Metadata)
	if err != nil {
		return nil, err
	}
	key := xid.Key()
	handlers := make([]transaction.QueueHandler, 0, len(queues))
	for _, q := range queues {
		cp := msg.ShallowCopy()
		if q.persists(cp) {
			sm, err := toStored(cp)
			if err != nil {
				cp.Release()
				return handlers, err
			}
			m.stageOp(key, storage.Op{Kind: storage.OpSave, Queue: q.name, ID: cp.ID, Message: sm})
		}
		if !q.stageEnqueue(key, cp) {
			cp.Release()
			continue
		}
		handlers = append(handlers, q)
	}
	return handlers, nil
}

// PrepareDequeue stages the durable removal of msg from queue.
func (m *Manager) PrepareDequeue(xid transaction.Xid, queue string, msg *message.Message) (transaction.QueueHandler, error) {
	q := m.Queue(queue)
	if q == nil {
		return nil, fmt.Errorf("%w: '%s'", ErrQueueNotFound, queue)
	}
	key := xid.Key()
	if q.persists(msg) {
		m.stageOp(key, storage.Op{Kind: storage.OpDelete, Queue: queue, ID: msg.ID})
	}
	q.stageDequeue(key)
	return q, nil
}

// Prepare writes the staged storage operations of xid as one record.
func (m *Manager) Prepare(xid transaction.Xid) error {
	key := xid.Key()
	m.stagingMu.Lock()
	d, ok := m.staging[key]
	if !ok {
		d = &durableOps{}
		m.staging[key] = d
	}
	ops := d.ops
	m.stagingMu.Unlock()

	if err := m.store.Messages().Stage(key, ops); err != nil {
		return fmt.Errorf("failed to prepare %s: %w", xid, err)
	}
	m.stagingMu.Lock()
	d.prepared = true
	m.stagingMu.Unlock()
	return nil
}

// Flush applies the staged storage operations of xid. The staged
// operations are kept until the store accepts them, so a failed flush can
// be retried.
func (m *Manager) Flush(xid transaction.Xid, onePhase bool) error {
	key := xid.Key()
	m.stagingMu.Lock()
	d := m.staging[key]
	var (
		ops      []storage.Op
		prepared bool
	)
	if d != nil {
		ops, prepared = d.ops, d.prepared
	}
	m.stagingMu.Unlock()
	if d == nil {
		return nil
	}

	ms := m.store.Messages()
	if !prepared {
		if len(ops) == 0 {
			m.dropStaging(key, d)
			return nil
		}
		if err := ms.Stage(key, ops); err != nil {
			return fmt.Errorf("failed to stage %s: %w", xid, err)
		}
	}
	if err := ms.CommitStaged(key); err != nil {
		if !prepared {
			_ = ms.DiscardStaged(key)
		}
		return fmt.Errorf("failed to commit %s: %w", xid, err)
	}
	m.dropStaging(key, d)
	return nil
}

// dropStaging forgets d if it is still the staging entry for key.
func (m *Manager) dropStaging(key string, d *durableOps) {
	m.stagingMu.Lock()
	if m.staging[key] == d {
		delete(m.staging, key)
	}
	m.stagingMu.Unlock()
}

// Clear drops the in-memory staged operations of xid.
func (m *Manager) Clear(xid transaction.Xid) error {
	m.takeStaging(xid.Key())
	return nil
}

// Remove drops the staged operations of xid including a prepared record.
func (m *Manager) Remove(xid transaction.Xid) error {
	key := xid.Key()
	d := m.takeStaging(key)
	if d == nil || !d.prepared {
		return nil
	}
	if err := m.store.Messages().DiscardStaged(key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to discard %s: %w", xid, err)
	}
	return nil
}
