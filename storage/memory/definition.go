// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sync"

	"github.com/absmach/amqpd/storage"
)

var _ storage.DefinitionStore = (*DefinitionStore)(nil)

// DefinitionStore keeps durable topology in memory.
type DefinitionStore struct {
	mu        sync.RWMutex
	exchanges map[string]storage.Exchange
	queues    map[string]storage.Queue
	bindings  map[string]storage.Binding
}

// NewDefinitionStore creates an empty definition store.
func NewDefinitionStore() *DefinitionStore {
	return &DefinitionStore{
		exchanges: make(map[string]storage.Exchange),
		queues:    make(map[string]storage.Queue),
		bindings:  make(map[string]storage.Binding),
	}
}

func (s *DefinitionStore) SaveExchange(e *storage.Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchanges[e.Name] = *e
	return nil
}

func (s *DefinitionStore) DeleteExchange(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.exchanges, name)
	return nil
}

func (s *DefinitionStore) Exchanges() ([]*storage.Exchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*storage.Exchange, 0, len(s.exchanges))
	for _, e := range s.exchanges {
		result = append(result, &e)
	}
	return result, nil
}

func (s *DefinitionStore) SaveQueue(q *storage.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[q.Name] = *q
	return nil
}

func (s *DefinitionStore) DeleteQueue(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues, name)
	return nil
}

func (s *DefinitionStore) Queues() ([]*storage.Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*storage.Queue, 0, len(s.queues))
	for _, q := range s.queues {
		result = append(result, &q)
	}
	return result, nil
}

func (s *DefinitionStore) SaveBinding(b *storage.Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[b.Key()] = *b
	return nil
}

func (s *DefinitionStore) DeleteBinding(b *storage.Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, b.Key())
	return nil
}

func (s *DefinitionStore) Bindings() ([]*storage.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*storage.Binding, 0, len(s.bindings))
	for _, b := range s.bindings {
		result = append(result, &b)
	}
	return result, nil
}
