// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transaction

import "github.com/absmach/amqpd/amqp/message"

// Broker is the storage and routing collaborator used by transactions.
//
// Enqueue and PrepareEnqueue take ownership of msg. Dequeue and
// PrepareDequeue only read the message identity; the caller keeps its handle.
type Broker interface {
	// Enqueue routes msg and stores it in every matching queue.
	Enqueue(msg *message.Message) error
	// Dequeue removes msg from queue durably.
	Dequeue(queue string, msg *message.Message) error
	// PrepareEnqueue stages msg under xid and returns the affected queues.
	PrepareEnqueue(xid Xid, msg *message.Message) ([]QueueHandler, error)
	// PrepareDequeue stages the removal of msg from queue under xid.
	PrepareDequeue(xid Xid, queue string, msg *message.Message) (QueueHandler, error)
	// Prepare persists the staged operations of xid.
	Prepare(xid Xid) error
	// Flush writes the staged operations of xid to durable storage.
	Flush(xid Xid, onePhase bool) error
	// Clear drops the in-memory staged operations of xid.
	Clear(xid Xid) error
	// Remove drops the staged operations of xid including any prepared record.
	Remove(xid Xid) error
}

// QueueHandler applies or discards the operations staged on one queue.
type QueueHandler interface {
	Name() string
	Commit(xid Xid)
	Rollback(xid Xid)
}

// Authorizer decides whether user may publish to exchange.
type Authorizer interface {
	CanPublish(user, exchange string) bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(user, exchange string) bool

func (f AuthorizerFunc) CanPublish(user, exchange string) bool {
	return f(user, exchange)
}

// Action is run after a transaction commits or rolls back. Local actions
// stay registered for the life of the transaction; branch actions run once.
type Action struct {
	PostCommit func()
	OnRollback func()
}
