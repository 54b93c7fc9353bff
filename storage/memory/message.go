// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"slices"
	"sync"

	"github.com/absmach/amqpd/storage"
)

var _ storage.MessageStore = (*MessageStore)(nil)

// MessageStore is an in-memory implementation of storage.MessageStore.
type MessageStore struct {
	mu     sync.RWMutex
	queues map[string]map[uint64]*storage.Message
	staged map[string][]storage.Op
}

// NewMessageStore creates a new in-memory message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		queues: make(map[string]map[uint64]*storage.Message),
		staged: make(map[string][]storage.Op),
	}
}

// Save stores a copy of msg.
func (s *MessageStore) Save(queue string, msg *storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.save(queue, msg)
	return nil
}

func (s *MessageStore) save(queue string, msg *storage.Message) {
	q, ok := s.queues[queue]
	if !ok {
		q = make(map[uint64]*storage.Message)
		s.queues[queue] = q
	}
	q[msg.ID] = storage.CopyMessage(msg)
}

// Delete removes a message.
func (s *MessageStore) Delete(queue string, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.queues[queue], id)
	return nil
}

// List returns the messages of queue ordered by id.
func (s *MessageStore) List(queue string) ([]*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := s.queues[queue]
	result := make([]*storage.Message, 0, len(q))
	for _, msg := range q {
		result = append(result, storage.CopyMessage(msg))
	}
	slices.SortFunc(result, func(a, b *storage.Message) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return result, nil
}

// DeleteQueue removes every message of queue.
func (s *MessageStore) DeleteQueue(queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.queues, queue)
	return nil
}

// Stage records ops under xid.
func (s *MessageStore) Stage(xid string, ops []storage.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.staged[xid]; ok {
		return storage.ErrAlreadyExists
	}
	cp := make([]storage.Op, len(ops))
	for i, op := range ops {
		cp[i] = op
		cp[i].Message = storage.CopyMessage(op.Message)
	}
	s.staged[xid] = cp
	return nil
}

// CommitStaged applies the ops recorded under xid.
func (s *MessageStore) CommitStaged(xid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ops, ok := s.staged[xid]
	if !ok {
		return storage.ErrNotFound
	}
	for _, op := range ops {
		switch op.Kind {
		case storage.OpSave:
			s.save(op.Queue, op.Message)
		case storage.OpDelete:
			delete(s.queues[op.Queue], op.ID)
		}
	}
	delete(s.staged, xid)
	return nil
}

// DiscardStaged removes the record for xid.
func (s *MessageStore) DiscardStaged(xid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.staged, xid)
	return nil
}

// Staged returns a copy of every staged record.
func (s *MessageStore) Staged() (map[string][]storage.Op, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string][]storage.Op, len(s.staged))
	for xid, ops := range s.staged {
		cp := make([]storage.Op, len(ops))
		for i, op := range ops {
			cp[i] = op
			cp[i].Message = storage.CopyMessage(op.Message)
		}
		result[xid] = cp
	}
	return result, nil
}
