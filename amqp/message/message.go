// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package message holds the broker's in-memory representation of a
// published message.
//
// A Message is a handle onto shared content. Routing a message to several
// queues creates one handle per queue with ShallowCopy; every handle must be
// released exactly once. Releasing a handle twice, or reading the body of a
// released handle, panics.
package message

import (
	"bytes"
	"errors"
	"sync/atomic"

	"github.com/absmach/amqpd/amqp/codec"
)

// ErrContentOverrun is returned when more body bytes arrive than the header declared.
var ErrContentOverrun = errors.New("content length mismatch: received more than the declared size")

// Metadata describes a message independently of its content.
type Metadata struct {
	Exchange      string
	RoutingKey    string
	ContentLength uint64
	Properties    codec.BasicProperties
}

// Clone returns a copy of md whose headers table can be modified freely.
func (md *Metadata) Clone() *Metadata {
	cp := *md
	if md.Properties.Headers != nil {
		cp.Properties.Headers = make(codec.Table, len(md.Properties.Headers))
		for k, v := range md.Properties.Headers {
			cp.Properties.Headers[k] = v
		}
	}
	return &cp
}

// Message is a single owner handle onto message content.
type Message struct {
	ID       uint64
	Metadata *Metadata

	buf             *Buffer
	released        atomic.Bool
	redeliveryCount int
	redelivered     bool
}

// New creates a message that owns a fresh content buffer.
func New(id uint64, md *Metadata) *Message {
	return NewWithHook(id, md, nil)
}

// NewWithHook is like New and calls onFree once the content is freed.
func NewWithHook(id uint64, md *Metadata, onFree func()) *Message {
	return &Message{
		ID:       id,
		Metadata: md,
		buf:      newBuffer(onFree),
	}
}

// AddChunk appends a body chunk. It reports whether the content is complete
// and fails without appending when the chunk would overrun the declared length.
func (m *Message) AddChunk(data []byte) (bool, error) {
	m.mustBeLive()
	if m.buf.size+uint64(len(data)) > m.Metadata.ContentLength {
		return false, ErrContentOverrun
	}
	m.buf.append(data)
	return m.Complete(), nil
}

// Complete reports whether the received bytes equal the declared length.
func (m *Message) Complete() bool {
	return m.buf.size == m.Metadata.ContentLength
}

// Received returns the number of body bytes received so far.
func (m *Message) Received() uint64 {
	return m.buf.size
}

// Chunks returns the body chunks in order.
func (m *Message) Chunks() []ContentChunk {
	m.mustBeLive()
	return m.buf.chunks
}

// Body returns the body as one contiguous slice.
func (m *Message) Body() []byte {
	m.mustBeLive()
	if len(m.buf.chunks) == 1 {
		return m.buf.chunks[0].Data
	}
	var b bytes.Buffer
	b.Grow(int(m.buf.size))
	for _, c := range m.buf.chunks {
		b.Write(c.Data)
	}
	return b.Bytes()
}

// ShallowCopy returns a new handle sharing this message's content. The copy
// starts with a fresh redelivery state.
func (m *Message) ShallowCopy() *Message {
	m.mustBeLive()
	m.buf.retain()
	return &Message{
		ID:       m.ID,
		Metadata: m.Metadata,
		buf:      m.buf,
	}
}

// ShallowCopyWith returns a new message with its own id and metadata that
// shares this message's content.
func (m *Message) ShallowCopyWith(id uint64, md *Metadata) *Message {
	cp := m.ShallowCopy()
	cp.ID = id
	cp.Metadata = md
	return cp
}

// Release gives up this handle's reference to the content.
func (m *Message) Release() {
	if !m.released.CompareAndSwap(false, true) {
		panic("message: double release")
	}
	m.buf.release()
}

// Released reports whether this handle has been released.
func (m *Message) Released() bool {
	return m.released.Load()
}

// Buffer exposes the shared content for reference-count inspection.
func (m *Message) Buffer() *Buffer {
	return m.buf
}

// Persistent reports whether the message asked for durable storage.
func (m *Message) Persistent() bool {
	return m.Metadata.Properties.Persistent()
}

// IncrementRedelivery marks the message redelivered and returns the new count.
func (m *Message) IncrementRedelivery() int {
	m.redeliveryCount++
	m.redelivered = true
	return m.redeliveryCount
}

// RedeliveryCount returns how many times this handle was requeued after a reject.
func (m *Message) RedeliveryCount() int {
	return m.redeliveryCount
}

// Redelivered reports whether the message was delivered before.
func (m *Message) Redelivered() bool {
	return m.redelivered
}

// SetRedelivered flags the message as previously delivered.
func (m *Message) SetRedelivered() {
	m.redelivered = true
}

func (m *Message) mustBeLive() {
	if m.released.Load() {
		panic("message: use after release")
	}
}
