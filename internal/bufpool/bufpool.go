// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool pools byte buffers used to encode frames.
package bufpool

import (
	"bytes"
	"sync"
)

const maxPooledCap = 64 * 1024

// Pool recycles buffers up to a capacity limit.
type Pool struct {
	pool   sync.Pool
	maxCap int
}

// New returns a pool that drops buffers grown beyond maxCap.
func New(maxCap int) *Pool {
	return &Pool{
		pool:   sync.Pool{New: func() any { return new(bytes.Buffer) }},
		maxCap: maxCap,
	}
}

// Get returns an empty buffer.
func (p *Pool) Get() *bytes.Buffer {
	b := p.pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool unless it grew too large.
func (p *Pool) Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > p.maxCap {
		return
	}
	p.pool.Put(b)
}

var frames = New(maxPooledCap)

// Get returns an empty buffer from the shared frame pool.
func Get() *bytes.Buffer {
	return frames.Get()
}

// Put returns b to the shared frame pool.
func Put(b *bytes.Buffer) {
	frames.Put(b)
}
