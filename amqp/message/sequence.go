// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import "sync/atomic"

// Sequence hands out monotonically increasing message ids. Each broker owns
// one and passes it to the components that create messages.
type Sequence struct {
	last atomic.Uint64
}

// NewSequence returns a sequence whose first id is start+1.
func NewSequence(start uint64) *Sequence {
	s := &Sequence{}
	s.last.Store(start)
	return s
}

// Next returns the next id.
func (s *Sequence) Next() uint64 {
	return s.last.Add(1)
}

// Last returns the most recently issued id.
func (s *Sequence) Last() uint64 {
	return s.last.Load()
}

// Advance moves the sequence forward so that later ids are above id.
// It never moves backwards.
func (s *Sequence) Advance(id uint64) {
	for {
		last := s.last.Load()
		if id <= last || s.last.CompareAndSwap(last, id) {
			return
		}
	}
}
