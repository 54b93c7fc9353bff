// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "sync/atomic"

// Consumer is a basic.consume subscription of a channel to one queue.
type Consumer struct {
	Tag       string
	Queue     string
	Exclusive bool
	NoAck     bool

	ch     *Channel
	active atomic.Bool
}

func newConsumer(ch *Channel, tag, queue string, exclusive, noAck bool) *Consumer {
	c := &Consumer{
		Tag:       tag,
		Queue:     queue,
		Exclusive: exclusive,
		NoAck:     noAck,
		ch:        ch,
	}
	c.active.Store(true)
	return c
}

// Ready reports whether the consumer can take a delivery now.
func (c *Consumer) Ready() bool {
	if !c.active.Load() {
		return false
	}
	if c.NoAck {
		return c.ch.flowActive()
	}
	return c.ch.IsReady()
}

// Channel returns the channel the consumer belongs to.
func (c *Consumer) Channel() *Channel {
	return c.ch
}
