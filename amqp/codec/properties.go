// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
)

// Property flag bits for BasicProperties.
const (
	FlagContentType     uint16 = 1 << 15
	FlagContentEncoding uint16 = 1 << 14
	FlagHeaders         uint16 = 1 << 13
	FlagDeliveryMode    uint16 = 1 << 12
	FlagPriority        uint16 = 1 << 11
	FlagCorrelationID   uint16 = 1 << 10
	FlagReplyTo         uint16 = 1 << 9
	FlagExpiration      uint16 = 1 << 8
	FlagMessageID       uint16 = 1 << 7
	FlagTimestamp       uint16 = 1 << 6
	FlagType            uint16 = 1 << 5
	FlagUserID          uint16 = 1 << 4
	FlagAppID           uint16 = 1 << 3
	FlagClusterID       uint16 = 1 << 2

	// FlagContinuation marks that another property flag word follows.
	FlagContinuation uint16 = 1
)

// Delivery modes.
const (
	Transient  uint8 = 1
	Persistent uint8 = 2
)

// BasicProperties represents the content header properties for basic class messages.
type BasicProperties struct {
	ContentType     string
	ContentEncoding string
	Headers         Table
	DeliveryMode    uint8
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	MessageID       string
	Timestamp       uint64
	Type            string
	UserID          string
	AppID           string
	ClusterID       string
}

// Flags returns the property flags bitmask for the set fields.
func (p *BasicProperties) Flags() uint16 {
	var flags uint16
	set := func(ok bool, flag uint16) {
		if ok {
			flags |= flag
		}
	}
	set(p.ContentType != "", FlagContentType)
	set(p.ContentEncoding != "", FlagContentEncoding)
	set(p.Headers != nil, FlagHeaders)
	set(p.DeliveryMode != 0, FlagDeliveryMode)
	set(p.Priority != 0, FlagPriority)
	set(p.CorrelationID != "", FlagCorrelationID)
	set(p.ReplyTo != "", FlagReplyTo)
	set(p.Expiration != "", FlagExpiration)
	set(p.MessageID != "", FlagMessageID)
	set(p.Timestamp != 0, FlagTimestamp)
	set(p.Type != "", FlagType)
	set(p.UserID != "", FlagUserID)
	set(p.AppID != "", FlagAppID)
	set(p.ClusterID != "", FlagClusterID)
	return flags
}

// Persistent reports whether the publisher asked for durable delivery.
func (p *BasicProperties) Persistent() bool {
	return p.DeliveryMode == Persistent
}

func (p *BasicProperties) read(r *Reader, flags uint16) {
	if flags&FlagContentType != 0 {
		p.ContentType = r.ShortStr()
	}
	if flags&FlagContentEncoding != 0 {
		p.ContentEncoding = r.ShortStr()
	}
	if flags&FlagHeaders != 0 {
		p.Headers = r.Table()
	}
	if flags&FlagDeliveryMode != 0 {
		p.DeliveryMode = r.Octet()
	}
	if flags&FlagPriority != 0 {
		p.Priority = r.Octet()
	}
	if flags&FlagCorrelationID != 0 {
		p.CorrelationID = r.ShortStr()
	}
	if flags&FlagReplyTo != 0 {
		p.ReplyTo = r.ShortStr()
	}
	if flags&FlagExpiration != 0 {
		p.Expiration = r.ShortStr()
	}
	if flags&FlagMessageID != 0 {
		p.MessageID = r.ShortStr()
	}
	if flags&FlagTimestamp != 0 {
		p.Timestamp = r.LongLong()
	}
	if flags&FlagType != 0 {
		p.Type = r.ShortStr()
	}
	if flags&FlagUserID != 0 {
		p.UserID = r.ShortStr()
	}
	if flags&FlagAppID != 0 {
		p.AppID = r.ShortStr()
	}
	if flags&FlagClusterID != 0 {
		p.ClusterID = r.ShortStr()
	}
}

func (p *BasicProperties) write(w *Writer) {
	flags := p.Flags()
	w.Short(flags)
	if flags&FlagContentType != 0 {
		w.ShortStr(p.ContentType)
	}
	if flags&FlagContentEncoding != 0 {
		w.ShortStr(p.ContentEncoding)
	}
	if flags&FlagHeaders != 0 {
		w.Table(p.Headers)
	}
	if flags&FlagDeliveryMode != 0 {
		w.Octet(p.DeliveryMode)
	}
	if flags&FlagPriority != 0 {
		w.Octet(p.Priority)
	}
	if flags&FlagCorrelationID != 0 {
		w.ShortStr(p.CorrelationID)
	}
	if flags&FlagReplyTo != 0 {
		w.ShortStr(p.ReplyTo)
	}
	if flags&FlagExpiration != 0 {
		w.ShortStr(p.Expiration)
	}
	if flags&FlagMessageID != 0 {
		w.ShortStr(p.MessageID)
	}
	if flags&FlagTimestamp != 0 {
		w.LongLong(p.Timestamp)
	}
	if flags&FlagType != 0 {
		w.ShortStr(p.Type)
	}
	if flags&FlagUserID != 0 {
		w.ShortStr(p.UserID)
	}
	if flags&FlagAppID != 0 {
		w.ShortStr(p.AppID)
	}
	if flags&FlagClusterID != 0 {
		w.ShortStr(p.ClusterID)
	}
}

// ContentHeader is the payload of a header frame.
type ContentHeader struct {
	ClassID    uint16
	Weight     uint16
	BodySize   uint64
	Properties BasicProperties
}

// DecodeContentHeader parses a header frame payload. Continuation flag words
// are consumed and the extension properties they announce are skipped.
func DecodeContentHeader(payload []byte) (*ContentHeader, error) {
	r := NewReader(payload)
	h := &ContentHeader{
		ClassID:  r.Short(),
		Weight:   r.Short(),
		BodySize: r.LongLong(),
	}
	flags := r.Short()
	extended := false
	for more := flags&FlagContinuation != 0; more && r.Err() == nil; {
		extended = true
		more = r.Short()&FlagContinuation != 0
	}
	h.Properties.read(r, flags)
	if err := r.Err(); err != nil {
		return nil, err
	}
	if extended {
		r.Skip(r.Len())
	}
	if r.Len() != 0 {
		return nil, decodeErr(FrameError, "%d trailing bytes after content header", r.Len())
	}
	return h, nil
}

// Write encodes the header, recomputing property flags from the set fields.
func (h *ContentHeader) Write(buf *bytes.Buffer) error {
	w := NewWriter(buf)
	w.Short(h.ClassID)
	w.Short(h.Weight)
	w.LongLong(h.BodySize)
	h.Properties.write(w)
	return w.Err()
}
