// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"slices"

	"github.com/absmach/amqpd/amqp/message"
)

// AckData is what a channel needs to settle one delivery.
type AckData struct {
	Tag         uint64
	Queue       string
	ConsumerTag string
	Msg         *message.Message
}

// RoomChange reports how an operation changed the ledger's room for new
// deliveries.
type RoomChange uint8

const (
	RoomUnchanged RoomChange = iota
	RoomGained
	RoomLost
)

// Ledger tracks unacknowledged deliveries of one channel. Entries are
// pending from delivery until acknowledged, then marked until the
// acknowledgment is committed. A tag is never in both maps.
//
// The ledger owns the message handle of every entry it holds; callers that
// take entries out of it take ownership of their handles too.
type Ledger struct {
	pending  map[uint64]*AckData
	marked   map[uint64]*AckData
	prefetch uint16
	hasRoom  bool
}

// NewLedger returns an empty ledger. A prefetch of zero means unlimited.
func NewLedger(prefetch uint16) *Ledger {
	return &Ledger{
		pending:  make(map[uint64]*AckData),
		marked:   make(map[uint64]*AckData),
		prefetch: prefetch,
		hasRoom:  true,
	}
}

// update recomputes hasRoom. There is no hysteresis: room is lost at
// prefetch pending entries and regained at prefetch-1.
func (l *Ledger) update() RoomChange {
	room := l.prefetch == 0 || len(l.pending) < int(l.prefetch)
	if room == l.hasRoom {
		return RoomUnchanged
	}
	l.hasRoom = room
	if room {
		return RoomGained
	}
	return RoomLost
}

// Add records a new delivery as pending.
func (l *Ledger) Add(d *AckData) RoomChange {
	l.pending[d.Tag] = d
	return l.update()
}

// Pending returns the pending entry for tag.
func (l *Ledger) Pending(tag uint64) (*AckData, bool) {
	d, ok := l.pending[tag]
	return d, ok
}

// Mark moves tag, or with multiple every pending tag up to and including
// it, from pending to marked. The moved entries are returned in tag order.
func (l *Ledger) Mark(tag uint64, multiple bool) ([]*AckData, RoomChange) {
	moved := l.take(tag, multiple)
	for _, d := range moved {
		l.marked[d.Tag] = d
	}
	return moved, l.update()
}

// Remove takes tag, or with multiple every pending tag up to and including
// it, out of the ledger.
func (l *Ledger) Remove(tag uint64, multiple bool) ([]*AckData, RoomChange) {
	removed := l.take(tag, multiple)
	return removed, l.update()
}

func (l *Ledger) take(tag uint64, multiple bool) []*AckData {
	if !multiple {
		d, ok := l.pending[tag]
		if !ok {
			return nil
		}
		delete(l.pending, tag)
		return []*AckData{d}
	}
	var out []*AckData
	for t, d := range l.pending {
		if tag == 0 || t <= tag {
			out = append(out, d)
			delete(l.pending, t)
		}
	}
	sortByTag(out)
	return out
}

// Finalize drops the marked entries for tags and returns them.
func (l *Ledger) Finalize(tags []uint64) []*AckData {
	out := make([]*AckData, 0, len(tags))
	for _, t := range tags {
		if d, ok := l.marked[t]; ok {
			delete(l.marked, t)
			out = append(out, d)
		}
	}
	return out
}

// FinalizeAll drops every marked entry and returns them in tag order.
func (l *Ledger) FinalizeAll() []*AckData {
	out := make([]*AckData, 0, len(l.marked))
	for t, d := range l.marked {
		delete(l.marked, t)
		out = append(out, d)
	}
	sortByTag(out)
	return out
}

// Unmark moves marked entries for tags back to pending.
func (l *Ledger) Unmark(tags []uint64) RoomChange {
	for _, t := range tags {
		if d, ok := l.marked[t]; ok {
			delete(l.marked, t)
			l.pending[t] = d
		}
	}
	return l.update()
}

// UnmarkAll moves every marked entry back to pending.
func (l *Ledger) UnmarkAll() RoomChange {
	for t, d := range l.marked {
		delete(l.marked, t)
		l.pending[t] = d
	}
	return l.update()
}

// Drain empties both maps and returns every entry in tag order.
func (l *Ledger) Drain() ([]*AckData, RoomChange) {
	out := make([]*AckData, 0, len(l.pending)+len(l.marked))
	for _, d := range l.pending {
		out = append(out, d)
	}
	for _, d := range l.marked {
		out = append(out, d)
	}
	clear(l.pending)
	clear(l.marked)
	sortByTag(out)
	return out, l.update()
}

// DrainPending empties the pending map and returns its entries in tag order.
func (l *Ledger) DrainPending() ([]*AckData, RoomChange) {
	out := make([]*AckData, 0, len(l.pending))
	for _, d := range l.pending {
		out = append(out, d)
	}
	clear(l.pending)
	sortByTag(out)
	return out, l.update()
}

// SetPrefetch changes the room limit.
func (l *Ledger) SetPrefetch(n uint16) RoomChange {
	l.prefetch = n
	return l.update()
}

// Prefetch returns the room limit, zero meaning unlimited.
func (l *Ledger) Prefetch() uint16 {
	return l.prefetch
}

// HasRoom reports whether another delivery fits under the prefetch limit.
func (l *Ledger) HasRoom() bool {
	return l.hasRoom
}

// PendingLen returns the number of entries awaiting acknowledgment.
func (l *Ledger) PendingLen() int {
	return len(l.pending)
}

// MarkedLen returns the number of acknowledged entries awaiting commit.
func (l *Ledger) MarkedLen() int {
	return len(l.marked)
}

func sortByTag(ds []*AckData) {
	slices.SortFunc(ds, func(a, b *AckData) int {
		switch {
		case a.Tag < b.Tag:
			return -1
		case a.Tag > b.Tag:
			return 1
		}
		return 0
	})
}
