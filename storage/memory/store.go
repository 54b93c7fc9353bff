// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"github.com/absmach/amqpd/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite in-memory store.
type Store struct {
	messages    *MessageStore
	definitions *DefinitionStore
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		messages:    NewMessageStore(),
		definitions: NewDefinitionStore(),
	}
}

// Messages returns the message store.
func (s *Store) Messages() storage.MessageStore {
	return s.messages
}

// Definitions returns the topology store.
func (s *Store) Definitions() storage.DefinitionStore {
	return s.definitions
}

// Close closes all stores (no-op for memory).
func (s *Store) Close() error {
	return nil
}
