// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import "errors"

// Common errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrClosed        = errors.New("store is closed")
)

// Store is the composite storage interface providing access to all storage backends.
type Store interface {
	// Messages returns the durable message store.
	Messages() MessageStore

	// Definitions returns the store of durable exchanges, queues and bindings.
	Definitions() DefinitionStore

	// Close closes all storage backends.
	Close() error
}

// Message is a persisted AMQP message.
type Message struct {
	ID         uint64 `json:"id"`
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
	// Properties holds the encoded basic properties.
	Properties  []byte `json:"properties,omitempty"`
	Body        []byte `json:"body,omitempty"`
	Redelivered bool   `json:"redelivered,omitempty"`
}

// OpKind is the kind of a staged operation.
type OpKind uint8

const (
	OpSave OpKind = iota + 1
	OpDelete
)

// Op is one write staged by a transaction.
type Op struct {
	Kind    OpKind   `json:"kind"`
	Queue   string   `json:"queue"`
	ID      uint64   `json:"id"`
	Message *Message `json:"message,omitempty"`
}

// MessageStore persists messages of durable queues.
type MessageStore interface {
	// Save stores msg in queue.
	Save(queue string, msg *Message) error

	// Delete removes message id from queue. Deleting a missing message is not an error.
	Delete(queue string, id uint64) error

	// List returns the messages of queue ordered by id.
	List(queue string) ([]*Message, error)

	// DeleteQueue removes every message of queue.
	DeleteQueue(queue string) error

	// Stage records ops under xid without applying them.
	Stage(xid string, ops []Op) error

	// CommitStaged applies the ops recorded under xid and removes the record.
	CommitStaged(xid string) error

	// DiscardStaged removes the record for xid without applying it.
	DiscardStaged(xid string) error

	// Staged returns every staged record keyed by xid.
	Staged() (map[string][]Op, error)
}

// Exchange is a durable exchange definition.
type Exchange struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	AutoDelete bool   `json:"auto_delete,omitempty"`
	Internal   bool   `json:"internal,omitempty"`
}

// Queue is a durable queue definition.
type Queue struct {
	Name       string `json:"name"`
	AutoDelete bool   `json:"auto_delete,omitempty"`
	Arguments  []byte `json:"arguments,omitempty"`
}

// Binding is a durable binding between an exchange and a queue.
type Binding struct {
	Exchange   string `json:"exchange"`
	Queue      string `json:"queue"`
	RoutingKey string `json:"routing_key"`
	// Arguments holds the encoded binding arguments table.
	Arguments []byte `json:"arguments,omitempty"`
}

// Key identifies the binding.
func (b *Binding) Key() string {
	return b.Exchange + "/" + b.Queue + "/" + b.RoutingKey
}

// DefinitionStore persists durable topology.
type DefinitionStore interface {
	SaveExchange(e *Exchange) error
	DeleteExchange(name string) error
	Exchanges() ([]*Exchange, error)

	SaveQueue(q *Queue) error
	DeleteQueue(name string) error
	Queues() ([]*Queue, error)

	SaveBinding(b *Binding) error
	DeleteBinding(b *Binding) error
	Bindings() ([]*Binding, error)
}

// CopyMessage returns a deep copy of msg.
func CopyMessage(msg *Message) *Message {
	if msg == nil {
		return nil
	}
	cp := *msg
	cp.Properties = append([]byte(nil), msg.Properties...)
	cp.Body = append([]byte(nil), msg.Body...)
	return &cp
}
