// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/absmach/amqpd/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.MessageStore = (*MessageStore)(nil)

const stagePrefix = "stage/"

// MessageStore implements storage.MessageStore using BadgerDB.
//
// Key format:
//   - Message: msg/{len(queue)}:{queue}/{id:020d}
//   - Staged transaction: stage/{xid}
type MessageStore struct {
	db    *badger.DB
	codec *bodyCodec
}

type record struct {
	Message     *storage.Message `json:"m"`
	Compression Compression      `json:"c,omitempty"`
}

type stagedOp struct {
	Kind   storage.OpKind `json:"kind"`
	Queue  string         `json:"queue"`
	ID     uint64         `json:"id"`
	Record []byte         `json:"record,omitempty"`
}

// newMessageStore creates a new BadgerDB message store.
func newMessageStore(db *badger.DB, codec *bodyCodec) *MessageStore {
	if codec == nil {
		codec = &bodyCodec{kind: CompressionNone}
	}
	return &MessageStore{db: db, codec: codec}
}

func queuePrefix(queue string) []byte {
	return fmt.Appendf(nil, "msg/%d:%s/", len(queue), queue)
}

func messageKey(queue string, id uint64) []byte {
	return fmt.Appendf(queuePrefix(queue), "%020d", id)
}

func (m *MessageStore) encode(msg *storage.Message) ([]byte, error) {
	cp := *msg
	var kind Compression
	cp.Body, kind = m.codec.compress(msg.Body)
	data, err := json.Marshal(record{Message: &cp, Compression: kind})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

func (m *MessageStore) decode(val []byte) (*storage.Message, error) {
	var rec record
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if rec.Message == nil {
		return nil, errors.New("empty message record")
	}
	body, err := m.codec.decompress(rec.Message.Body, rec.Compression)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress message %d: %w", rec.Message.ID, err)
	}
	rec.Message.Body = body
	return rec.Message, nil
}

// Save stores msg in queue.
func (m *MessageStore) Save(queue string, msg *storage.Message) error {
	data, err := m.encode(msg)
	if err != nil {
		return err
	}
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(queue, msg.ID), data)
	})
}

// Delete removes a message.
func (m *MessageStore) Delete(queue string, id uint64) error {
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(messageKey(queue, id))
	})
}

// List returns the messages of queue ordered by id.
func (m *MessageStore) List(queue string) ([]*storage.Message, error) {
	var messages []*storage.Message

	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = queuePrefix(queue)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				msg, err := m.decode(val)
				if err != nil {
					return err
				}
				messages = append(messages, msg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	return messages, err
}

// DeleteQueue removes every message of queue.
func (m *MessageStore) DeleteQueue(queue string) error {
	return m.db.DropPrefix(queuePrefix(queue))
}

// Stage records ops under xid.
func (m *MessageStore) Stage(xid string, ops []storage.Op) error {
	staged := make([]stagedOp, 0, len(ops))
	for _, op := range ops {
		s := stagedOp{Kind: op.Kind, Queue: op.Queue, ID: op.ID}
		if op.Kind == storage.OpSave {
			if op.Message == nil {
				return fmt.Errorf("staged save of %d on %q has no message", op.ID, op.Queue)
			}
			data, err := m.encode(op.Message)
			if err != nil {
				return err
			}
			s.Record = data
		}
		staged = append(staged, s)
	}
	data, err := json.Marshal(staged)
	if err != nil {
		return fmt.Errorf("failed to marshal staged ops: %w", err)
	}

	key := []byte(stagePrefix + xid)
	return m.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return storage.ErrAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
}

// CommitStaged applies the ops recorded under xid in one badger transaction.
func (m *MessageStore) CommitStaged(xid string) error {
	key := []byte(stagePrefix + xid)
	return m.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		var staged []stagedOp
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &staged)
		}); err != nil {
			return fmt.Errorf("failed to unmarshal staged ops: %w", err)
		}

		for _, op := range staged {
			switch op.Kind {
			case storage.OpSave:
				err = txn.Set(messageKey(op.Queue, op.ID), op.Record)
			case storage.OpDelete:
				err = txn.Delete(messageKey(op.Queue, op.ID))
			}
			if err != nil {
				return err
			}
		}
		return txn.Delete(key)
	})
}

// DiscardStaged removes the record for xid.
func (m *MessageStore) DiscardStaged(xid string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(stagePrefix + xid))
	})
}

// Staged returns every staged record.
func (m *MessageStore) Staged() (map[string][]storage.Op, error) {
	result := make(map[string][]storage.Op)
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(stagePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			xid := string(item.Key()[len(stagePrefix):])
			var staged []stagedOp
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &staged)
			}); err != nil {
				return fmt.Errorf("failed to unmarshal staged ops of %s: %w", xid, err)
			}
			ops := make([]storage.Op, 0, len(staged))
			for _, s := range staged {
				op := storage.Op{Kind: s.Kind, Queue: s.Queue, ID: s.ID}
				if s.Kind == storage.OpSave {
					msg, err := m.decode(s.Record)
					if err != nil {
						return err
					}
					op.Message = msg
				}
				ops = append(ops, op)
			}
			result[xid] = ops
		}
		return nil
	})
	return result, err
}
