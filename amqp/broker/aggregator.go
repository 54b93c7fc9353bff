// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"fmt"

	"github.com/absmach/amqpd/amqp/codec"
	"github.com/absmach/amqpd/amqp/message"
)

// ErrContentLengthMismatch is returned when body frames exceed the size the
// content header declared.
var ErrContentLengthMismatch = errors.New("content length mismatch")

type aggregatorState uint8

const (
	stateIdle aggregatorState = iota
	stateAwaitingHeader
	stateAwaitingBody
)

func (s aggregatorState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAwaitingHeader:
		return "awaiting header"
	case stateAwaitingBody:
		return "awaiting body"
	default:
		return "unknown"
	}
}

// Aggregator reassembles a published message from its method, header and
// body frames. It holds at most one message at a time.
type Aggregator struct {
	seq   *message.Sequence
	state aggregatorState

	exchange   string
	routingKey string
	mandatory  bool

	msg      *message.Message
	complete *message.Message
	// completeMandatory is the mandatory flag of complete.
	completeMandatory bool
}

// NewAggregator returns an idle aggregator drawing message ids from seq.
func NewAggregator(seq *message.Sequence) *Aggregator {
	return &Aggregator{seq: seq}
}

// PublishReceived starts a new message.
func (a *Aggregator) PublishReceived(exchange, routingKey string, mandatory bool) error {
	if a.state != stateIdle {
		return a.unexpected("basic.publish")
	}
	a.exchange = exchange
	a.routingKey = routingKey
	a.mandatory = mandatory
	a.state = stateAwaitingHeader
	return nil
}

// HeaderReceived allocates the message declared by h. It reports true when
// the message is already complete because its body is empty.
func (a *Aggregator) HeaderReceived(h *codec.ContentHeader) (bool, error) {
	if a.state != stateAwaitingHeader {
		return false, a.unexpected("content header")
	}
	if h.ClassID != codec.ClassBasic {
		a.Reset()
		return false, codec.NewErr(codec.FrameError, "content header for unsupported class", nil).
			WithMethod(codec.ClassBasic, codec.MethodBasicPublish)
	}
	md := &message.Metadata{
		Exchange:      a.exchange,
		RoutingKey:    a.routingKey,
		ContentLength: h.BodySize,
		Properties:    h.Properties,
	}
	a.msg = message.New(a.seq.Next(), md)
	if h.BodySize == 0 {
		a.finish()
		return true, nil
	}
	a.state = stateAwaitingBody
	return false, nil
}

// BodyReceived appends a body chunk. It reports true once the declared
// length has been received. On overrun the partial message is discarded and
// the aggregator returns to idle.
func (a *Aggregator) BodyReceived(data []byte) (bool, error) {
	if a.state != stateAwaitingBody {
		return false, a.unexpected("content body")
	}
	done, err := a.msg.AddChunk(data)
	if err != nil {
		received, declared := a.msg.Received(), a.msg.Metadata.ContentLength
		a.Reset()
		text := fmt.Sprintf("received %d body bytes, header declared %d", received+uint64(len(data)), declared)
		return false, codec.NewErr(codec.FrameError, text, ErrContentLengthMismatch).
			WithMethod(codec.ClassBasic, codec.MethodBasicPublish)
	}
	if done {
		a.finish()
	}
	return done, nil
}

func (a *Aggregator) finish() {
	a.complete = a.msg
	a.completeMandatory = a.mandatory
	a.msg = nil
	a.state = stateIdle
}

// Pop hands over the completed message. It returns nil until another
// message completes.
func (a *Aggregator) Pop() (*message.Message, bool) {
	msg, mandatory := a.complete, a.completeMandatory
	a.complete = nil
	a.completeMandatory = false
	return msg, mandatory
}

// Reset discards any partial or unpopped message and returns to idle.
func (a *Aggregator) Reset() {
	if a.msg != nil {
		a.msg.Release()
		a.msg = nil
	}
	if a.complete != nil {
		a.complete.Release()
		a.complete = nil
	}
	a.state = stateIdle
	a.exchange, a.routingKey, a.mandatory = "", "", false
}

// Idle reports whether no message is being assembled.
func (a *Aggregator) Idle() bool {
	return a.state == stateIdle
}

func (a *Aggregator) unexpected(what string) error {
	state := a.state
	a.Reset()
	return codec.NewErr(codec.UnexpectedFrame, "unexpected "+what+" while "+state.String(), nil)
}
