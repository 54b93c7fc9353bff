// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetReturnsResetBuffer(t *testing.T) {
	b := Get()
	b.WriteString("frame")
	Put(b)

	b2 := Get()
	assert.Equal(t, 0, b2.Len())
	Put(b2)
}

func TestPoolDropsOversizedBuffer(t *testing.T) {
	p := New(16)
	b := p.Get()
	b.Grow(1024)
	p.Put(b)
	p.Put(nil)

	assert.Equal(t, 0, p.Get().Len())
}

func TestConcurrentGetPut(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := Get()
			b.WriteString("method payload")
			Put(b)
		}()
	}
	wg.Wait()
}
