// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"reflect"
	"slices"
	"strings"

	"github.com/absmach/amqpd/amqp/codec"
	"github.com/absmach/amqpd/amqp/message"
	"github.com/absmach/amqpd/topics"
)

// Exchange types.
const (
	Direct  = "direct"
	Fanout  = "fanout"
	Topic   = "topic"
	Headers = "headers"
)

// Exchange routes published messages to bound queues.
type Exchange struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Internal   bool

	bindings []Binding
}

// Binding connects an exchange to a queue.
type Binding struct {
	Queue      string
	RoutingKey string
	Arguments  codec.Table
}

func validType(kind string) bool {
	switch kind {
	case Direct, Fanout, Topic, Headers:
		return true
	}
	return false
}

func (e *Exchange) bind(b Binding) bool {
	for _, existing := range e.bindings {
		if existing.Queue == b.Queue && existing.RoutingKey == b.RoutingKey &&
			codec.TablesEqual(existing.Arguments, b.Arguments) {
			return false
		}
	}
	e.bindings = append(e.bindings, b)
	return true
}

func (e *Exchange) unbind(b Binding) bool {
	n := len(e.bindings)
	e.bindings = slices.DeleteFunc(e.bindings, func(existing Binding) bool {
		return existing.Queue == b.Queue && existing.RoutingKey == b.RoutingKey &&
			codec.TablesEqual(existing.Arguments, b.Arguments)
	})
	return len(e.bindings) != n
}

func (e *Exchange) unbindQueue(queue string) []Binding {
	var removed []Binding
	e.bindings = slices.DeleteFunc(e.bindings, func(b Binding) bool {
		if b.Queue == queue {
			removed = append(removed, b)
			return true
		}
		return false
	})
	return removed
}

// route adds the names of matching queues to dst.
func (e *Exchange) route(md *message.Metadata, dst map[string]struct{}) {
	for _, b := range e.bindings {
		if _, ok := dst[b.Queue]; ok {
			continue
		}
		if e.matches(b, md) {
			dst[b.Queue] = struct{}{}
		}
	}
}

func (e *Exchange) matches(b Binding, md *message.Metadata) bool {
	switch e.Type {
	case Fanout:
		return true
	case Topic:
		return topics.Match(b.RoutingKey, md.RoutingKey)
	case Headers:
		return headersMatch(b.Arguments, md.Properties.Headers)
	default:
		return b.RoutingKey == md.RoutingKey
	}
}

// headersMatch applies the x-match rule of a headers binding. Keys starting
// with "x-" are not compared.
func headersMatch(args, headers codec.Table) bool {
	matchAny := false
	if mode, ok := args["x-match"].(string); ok && mode == "any" {
		matchAny = true
	}
	for k, want := range args {
		if strings.HasPrefix(k, "x-") {
			continue
		}
		got, ok := headers[k]
		matched := ok && (want == nil || reflect.DeepEqual(want, got))
		switch {
		case matchAny && matched:
			return true
		case !matchAny && !matched:
			return false
		}
	}
	return !matchAny
}
