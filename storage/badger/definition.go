// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/json"
	"fmt"

	"github.com/absmach/amqpd/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.DefinitionStore = (*DefinitionStore)(nil)

const (
	exchangePrefix = "def/exchange/"
	queuePrefixDef = "def/queue/"
	bindingPrefix  = "def/binding/"
)

// DefinitionStore persists durable topology in BadgerDB.
type DefinitionStore struct {
	db *badger.DB
}

// NewDefinitionStore creates a new BadgerDB definition store.
func NewDefinitionStore(db *badger.DB) *DefinitionStore {
	return &DefinitionStore{db: db}
}

func (s *DefinitionStore) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (s *DefinitionStore) del(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func list[T any](db *badger.DB, prefix string) ([]*T, error) {
	var result []*T
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				v := new(T)
				if err := json.Unmarshal(val, v); err != nil {
					return err
				}
				result = append(result, v)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal %s entry: %w", prefix, err)
			}
		}
		return nil
	})
	return result, err
}

func (s *DefinitionStore) SaveExchange(e *storage.Exchange) error {
	return s.put(exchangePrefix+e.Name, e)
}

func (s *DefinitionStore) DeleteExchange(name string) error {
	return s.del(exchangePrefix + name)
}

func (s *DefinitionStore) Exchanges() ([]*storage.Exchange, error) {
	return list[storage.Exchange](s.db, exchangePrefix)
}

func (s *DefinitionStore) SaveQueue(q *storage.Queue) error {
	return s.put(queuePrefixDef+q.Name, q)
}

func (s *DefinitionStore) DeleteQueue(name string) error {
	return s.del(queuePrefixDef + name)
}

func (s *DefinitionStore) Queues() ([]*storage.Queue, error) {
	return list[storage.Queue](s.db, queuePrefixDef)
}

func (s *DefinitionStore) SaveBinding(b *storage.Binding) error {
	return s.put(bindingPrefix+b.Key(), b)
}

func (s *DefinitionStore) DeleteBinding(b *storage.Binding) error {
	return s.del(bindingPrefix + b.Key())
}

func (s *DefinitionStore) Bindings() ([]*storage.Binding, error) {
	return list[storage.Binding](s.db, bindingPrefix)
}
