// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"sync/atomic"
)

// ContentChunk is one body frame worth of content at a byte offset.
type ContentChunk struct {
	Offset uint64
	Data   []byte
}

// Buffer is the reference-counted content shared by every copy of a
// message. It starts with one reference; the content is dropped when the
// last reference is released.
type Buffer struct {
	chunks   []ContentChunk
	size     uint64
	refCount atomic.Int32
	freed    atomic.Bool
	onFree   func()
}

func newBuffer(onFree func()) *Buffer {
	b := &Buffer{onFree: onFree}
	b.refCount.Store(1)
	return b
}

func (b *Buffer) append(data []byte) {
	b.chunks = append(b.chunks, ContentChunk{Offset: b.size, Data: data})
	b.size += uint64(len(data))
}

func (b *Buffer) retain() {
	if b.refCount.Add(1) <= 1 {
		panic("message: retain of released buffer")
	}
}

func (b *Buffer) release() {
	n := b.refCount.Add(-1)
	switch {
	case n == 0:
		b.freed.Store(true)
		b.chunks = nil
		if b.onFree != nil {
			b.onFree()
		}
	case n < 0:
		panic("message: negative buffer reference count")
	}
}

// RefCount returns the current reference count (for testing/debugging).
func (b *Buffer) RefCount() int32 {
	return b.refCount.Load()
}

// Freed reports whether the last reference has been released.
func (b *Buffer) Freed() bool {
	return b.freed.Load()
}
