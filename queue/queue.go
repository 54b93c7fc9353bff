// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"sync"

	"github.com/absmach/amqpd/amqp/codec"
	"github.com/absmach/amqpd/amqp/message"
	"github.com/absmach/amqpd/amqp/transaction"
)

var _ transaction.QueueHandler = (*Queue)(nil)

// Queue holds ready messages in FIFO order together with the operations
// transactions have staged on it.
type Queue struct {
	name       string
	durable    bool
	exclusive  bool
	autoDelete bool
	owner      string
	arguments  codec.Table

	mgr *Manager

	mu                sync.Mutex
	ready             []*message.Message
	staged            map[string]*stagedOps
	consumers         int
	exclusiveConsumer bool
	deleted           bool
}

type stagedOps struct {
	enqueues []*message.Message
	// held are recovered messages whose removal a prepared transaction
	// decides.
	held []*message.Message
}

func newQueue(mgr *Manager, opts QueueOptions, owner string) *Queue {
	q := &Queue{
		name:       opts.Name,
		durable:    opts.Durable,
		exclusive:  opts.Exclusive,
		autoDelete: opts.AutoDelete,
		arguments:  opts.Arguments,
		mgr:        mgr,
		staged:     make(map[string]*stagedOps),
	}
	if opts.Exclusive {
		q.owner = owner
	}
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Durable reports whether the queue survives a restart.
func (q *Queue) Durable() bool {
	return q.durable
}

// persists reports whether msg is written to storage when held by q.
func (q *Queue) persists(msg *message.Message) bool {
	return q.durable && msg.Persistent()
}

// Len returns the number of ready messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// Consumers returns the number of attached consumers.
func (q *Queue) Consumers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.consumers
}

func (q *Queue) info() QueueInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueInfo{
		Name:      q.name,
		Messages:  uint32(len(q.ready)),
		Consumers: uint32(q.consumers),
	}
}

func (q *Queue) accessible(owner string) bool {
	return !q.exclusive || q.owner == owner
}

// push appends msg. It reports false and leaves msg untouched when the
// queue has been deleted.
func (q *Queue) push(msg *message.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deleted {
		return false
	}
	q.ready = append(q.ready, msg)
	return true
}

func (q *Queue) pushFront(msg *message.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deleted {
		return false
	}
	q.ready = append(q.ready, nil)
	copy(q.ready[1:], q.ready)
	q.ready[0] = msg
	return true
}

// pop removes the oldest ready message. It returns nil when empty.
func (q *Queue) pop() (*message.Message, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return nil, 0
	}
	msg := q.ready[0]
	q.ready[0] = nil
	q.ready = q.ready[1:]
	return msg, len(q.ready)
}

func (q *Queue) drain() []*message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.ready
	q.ready = nil
	return msgs
}

func (q *Queue) addConsumer(exclusive bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.exclusiveConsumer {
		return ErrExclusiveUse
	}
	if exclusive && q.consumers > 0 {
		return ErrExclusiveUse
	}
	q.consumers++
	q.exclusiveConsumer = exclusive
	return nil
}

// removeConsumer reports whether the queue should now be auto-deleted.
func (q *Queue) removeConsumer() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.consumers > 0 {
		q.consumers--
	}
	q.exclusiveConsumer = false
	return q.autoDelete && q.consumers == 0 && !q.deleted
}

func (q *Queue) checkDelete(ifUnused, ifEmpty bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ifUnused && q.consumers > 0 {
		return ErrInUse
	}
	if ifEmpty && len(q.ready) > 0 {
		return ErrNotEmpty
	}
	return nil
}

// markDeleted detaches the queue and returns every message handle it held,
// ready and staged.
func (q *Queue) markDeleted() []*message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = true
	msgs := q.ready
	q.ready = nil
	for key, s := range q.staged {
		msgs = append(msgs, s.enqueues...)
		msgs = append(msgs, s.held...)
		delete(q.staged, key)
	}
	return msgs
}

func (q *Queue) stage(key string) *stagedOps {
	s, ok := q.staged[key]
	if !ok {
		s = &stagedOps{}
		q.staged[key] = s
	}
	return s
}

func (q *Queue) stageEnqueue(key string, msg *message.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deleted {
		return false
	}
	s := q.stage(key)
	s.enqueues = append(s.enqueues, msg)
	return true
}

// stageDequeue registers key so that the queue takes part in its outcome.
func (q *Queue) stageDequeue(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stage(key)
}

// hold moves the ready message id aside until the transaction key resolves.
func (q *Queue) hold(key string, id uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, msg := range q.ready {
		if msg.ID == id {
			q.ready = append(q.ready[:i], q.ready[i+1:]...)
			s := q.stage(key)
			s.held = append(s.held, msg)
			return true
		}
	}
	return false
}

// Commit makes the enqueues staged under xid visible to consumers.
func (q *Queue) Commit(xid transaction.Xid) {
	q.mu.Lock()
	s, ok := q.staged[xid.Key()]
	delete(q.staged, xid.Key())
	deleted := q.deleted
	if ok && !deleted {
		q.ready = append(q.ready, s.enqueues...)
	}
	q.mu.Unlock()

	if !ok {
		return
	}
	releaseAll(s.held)
	if deleted {
		releaseAll(s.enqueues)
		return
	}
	if len(s.enqueues) > 0 {
		q.mgr.notify(q.name)
	}
}

// Rollback discards the enqueues staged under xid.
func (q *Queue) Rollback(xid transaction.Xid) {
	q.mu.Lock()
	s, ok := q.staged[xid.Key()]
	delete(q.staged, xid.Key())
	deleted := q.deleted
	if ok && !deleted && len(s.held) > 0 {
		q.ready = append(append([]*message.Message(nil), s.held...), q.ready...)
	}
	q.mu.Unlock()

	if !ok {
		return
	}
	releaseAll(s.enqueues)
	if deleted {
		releaseAll(s.held)
		return
	}
	if len(s.held) > 0 {
		q.mgr.notify(q.name)
	}
}

func releaseAll(msgs []*message.Message) {
	for _, msg := range msgs {
		msg.Release()
	}
}
