// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"bytes"
	"fmt"

	"github.com/absmach/amqpd/amqp/codec"
	"github.com/absmach/amqpd/amqp/message"
	"github.com/absmach/amqpd/storage"
)

// toStored converts msg into its storage form. Properties are kept in
// content header wire format.
func toStored(msg *message.Message) (*storage.Message, error) {
	var buf bytes.Buffer
	h := codec.ContentHeader{
		ClassID:    codec.ClassBasic,
		BodySize:   msg.Metadata.ContentLength,
		Properties: msg.Metadata.Properties,
	}
	if err := h.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode properties of message %d: %w", msg.ID, err)
	}
	return &storage.Message{
		ID:          msg.ID,
		Exchange:    msg.Metadata.Exchange,
		RoutingKey:  msg.Metadata.RoutingKey,
		Properties:  buf.Bytes(),
		Body:        msg.Body(),
		Redelivered: msg.Redelivered(),
	}, nil
}

func fromStored(sm *storage.Message) (*message.Message, error) {
	h, err := codec.DecodeContentHeader(sm.Properties)
	if err != nil {
		return nil, fmt.Errorf("failed to decode properties of message %d: %w", sm.ID, err)
	}
	md := &message.Metadata{
		Exchange:      sm.Exchange,
		RoutingKey:    sm.RoutingKey,
		ContentLength: uint64(len(sm.Body)),
		Properties:    h.Properties,
	}
	msg := message.New(sm.ID, md)
	if len(sm.Body) > 0 {
		if _, err := msg.AddChunk(sm.Body); err != nil {
			msg.Release()
			return nil, err
		}
	}
	if sm.Redelivered {
		msg.SetRedelivered()
	}
	return msg, nil
}

func encodeTable(t codec.Table) ([]byte, error) {
	if len(t) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	w := codec.NewWriter(&buf)
	w.Table(t)
	if err := w.Err(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeTable(b []byte) (codec.Table, error) {
	if len(b) == 0 {
		return nil, nil
	}
	r := codec.NewReader(b)
	t := r.Table()
	if err := r.Err(); err != nil {
		return nil, err
	}
	return t, nil
}
