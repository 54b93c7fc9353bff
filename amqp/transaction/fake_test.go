// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transaction

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/absmach/amqpd/amqp/message"
)

var errStore = errors.New("store unavailable")

type fakeHandler struct {
	name      string
	commits   []string
	rollbacks []string
}

func (h *fakeHandler) Name() string     { return h.name }
func (h *fakeHandler) Commit(xid Xid)   { h.commits = append(h.commits, xid.Key()) }
func (h *fakeHandler) Rollback(xid Xid) { h.rollbacks = append(h.rollbacks, xid.Key()) }

type fakeBroker struct {
	mu        sync.Mutex
	handler   *fakeHandler
	enqueued  []*message.Message
	dequeued  []uint64
	staged    map[string]int
	prepared  []string
	flushed   []string
	cleared   []string
	removed   []string
	failStage bool
	failFlush bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		handler: &fakeHandler{name: "q1"},
		staged:  make(map[string]int),
	}
}

func (b *fakeBroker) Enqueue(msg *message.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueued = append(b.enqueued, msg)
	return nil
}

func (b *fakeBroker) Dequeue(_ string, msg *message.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dequeued = append(b.dequeued, msg.ID)
	return nil
}

func (b *fakeBroker) PrepareEnqueue(xid Xid, msg *message.Message) ([]QueueHandler, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg.Release()
	if b.failStage {
		return nil, errStore
	}
	b.staged[xid.Key()]++
	return []QueueHandler{b.handler}, nil
}

func (b *fakeBroker) PrepareDequeue(xid Xid, _ string, _ *message.Message) (QueueHandler, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failStage {
		return nil, errStore
	}
	b.staged[xid.Key()]++
	return b.handler, nil
}

func (b *fakeBroker) Prepare(xid Xid) error {
	b.prepared = append(b.prepared, xid.Key())
	return nil
}

func (b *fakeBroker) Flush(xid Xid, _ bool) error {
	if b.failFlush {
		return errStore
	}
	b.flushed = append(b.flushed, xid.Key())
	return nil
}

func (b *fakeBroker) Clear(xid Xid) error {
	b.cleared = append(b.cleared, xid.Key())
	return nil
}

func (b *fakeBroker) Remove(xid Xid) error {
	b.removed = append(b.removed, xid.Key())
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMessage(id uint64) *message.Message {
	return message.New(id, &message.Metadata{Exchange: "amq.direct", RoutingKey: "q1"})
}

func testXid(g, b string) Xid {
	return Xid{Format: 1, GlobalID: []byte(g), BranchID: []byte(b)}
}
