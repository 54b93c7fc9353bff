// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "time"

// ChannelView is a read-only snapshot of a channel for management and
// diagnostics.
type ChannelView struct {
	ID                uint16    `json:"id"`
	Connection        string    `json:"connection"`
	User              string    `json:"user"`
	Consumers         []string  `json:"consumers"`
	Unacked           int       `json:"unacked"`
	Marked            int       `json:"marked"`
	PendingDeliveries int       `json:"pending_deliveries"`
	Transaction       string    `json:"transaction"`
	Confirm           bool      `json:"confirm"`
	Prefetch          uint16    `json:"prefetch"`
	FlowEnabled       bool      `json:"flow_enabled"`
	Ready             bool      `json:"ready"`
	Closed            bool      `json:"closed"`
	Created           time.Time `json:"created"`
}

// View returns a snapshot of the channel.
func (ch *Channel) View() ChannelView {
	consumers := ch.consumerTags()

	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ChannelView{
		ID:                ch.id,
		Connection:        ch.owner,
		User:              ch.user,
		Consumers:         consumers,
		Unacked:           ch.ledger.PendingLen(),
		Marked:            ch.ledger.MarkedLen(),
		PendingDeliveries: len(ch.deferred),
		Transaction:       ch.tx.Kind().String(),
		Confirm:           ch.confirm,
		Prefetch:          ch.ledger.Prefetch(),
		FlowEnabled:       ch.flow.Load(),
		Ready:             ch.IsReady(),
		Closed:            ch.closed.Load(),
		Created:           ch.created,
	}
}
