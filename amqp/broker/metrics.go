// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the AMQP broker.
type Metrics struct {
	meter metric.Meter

	connectionsTotal    metric.Int64Counter
	disconnectionsTotal metric.Int64Counter
	messagesReceived    metric.Int64Counter
	messagesSent        metric.Int64Counter
	bytesReceived       metric.Int64Counter
	bytesSent           metric.Int64Counter
	acksTotal           metric.Int64Counter
	redeliveriesTotal   metric.Int64Counter
	deadLettersTotal    metric.Int64Counter
	errorsTotal         metric.Int64Counter

	connectionsCurrent metric.Int64UpDownCounter
	channelsCurrent    metric.Int64UpDownCounter
	consumersActive    metric.Int64UpDownCounter

	messageSize metric.Int64Histogram
}

// NewMetrics creates a new AMQP Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("amqp-broker"),
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.connectionsTotal, "amqp.connections.total", "Total number of AMQP connections"},
		{&m.disconnectionsTotal, "amqp.disconnections.total", "Total number of AMQP disconnections"},
		{&m.messagesReceived, "amqp.messages.received.total", "Total messages published by clients"},
		{&m.messagesSent, "amqp.messages.sent.total", "Total messages delivered to clients"},
		{&m.bytesReceived, "amqp.bytes.received.total", "Total content bytes received"},
		{&m.bytesSent, "amqp.bytes.sent.total", "Total content bytes sent"},
		{&m.acksTotal, "amqp.acks.total", "Total deliveries acknowledged by clients"},
		{&m.redeliveriesTotal, "amqp.redeliveries.total", "Total rejected deliveries requeued, by queue"},
		{&m.deadLettersTotal, "amqp.dead_letters.total", "Total messages moved to the dead-letter queue, by queue"},
		{&m.errorsTotal, "amqp.errors.total", "Total AMQP errors by scope and reply code"},
	}
	for _, c := range counters {
		inst, err := m.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = inst
	}

	gauges := []struct {
		dst  *metric.Int64UpDownCounter
		name string
		desc string
	}{
		{&m.connectionsCurrent, "amqp.connections.current", "Current number of open AMQP connections"},
		{&m.channelsCurrent, "amqp.channels.current", "Current number of open channels"},
		{&m.consumersActive, "amqp.consumers.active", "Number of active consumers"},
	}
	for _, g := range gauges {
		inst, err := m.meter.Int64UpDownCounter(g.name, metric.WithDescription(g.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
		*g.dst = inst
	}

	var err error
	m.messageSize, err = m.meter.Int64Histogram(
		"amqp.message.size.bytes",
		metric.WithDescription("Published message body size distribution"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create amqp messageSize histogram: %w", err)
	}

	return m, nil
}

func (m *Metrics) RecordConnection() {
	ctx := context.Background()
	m.connectionsTotal.Add(ctx, 1)
	m.connectionsCurrent.Add(ctx, 1)
}

func (m *Metrics) RecordDisconnection() {
	ctx := context.Background()
	m.disconnectionsTotal.Add(ctx, 1)
	m.connectionsCurrent.Add(ctx, -1)
}

func (m *Metrics) RecordMessageReceived(sizeBytes int64) {
	ctx := context.Background()
	m.messagesReceived.Add(ctx, 1)
	m.bytesReceived.Add(ctx, sizeBytes)
	m.messageSize.Record(ctx, sizeBytes)
}

func (m *Metrics) RecordMessageSent(sizeBytes int64) {
	ctx := context.Background()
	m.messagesSent.Add(ctx, 1)
	m.bytesSent.Add(ctx, sizeBytes)
}

func (m *Metrics) RecordChannelOpened() {
	m.channelsCurrent.Add(context.Background(), 1)
}

func (m *Metrics) RecordChannelClosed() {
	m.channelsCurrent.Add(context.Background(), -1)
}

func (m *Metrics) RecordConsumerAdded() {
	m.consumersActive.Add(context.Background(), 1)
}

func (m *Metrics) RecordConsumerRemoved() {
	m.consumersActive.Add(context.Background(), -1)
}

func (m *Metrics) RecordAcks(n int64) {
	m.acksTotal.Add(context.Background(), n)
}

func (m *Metrics) RecordRedelivery(queue string) {
	m.redeliveriesTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("queue", queue),
	))
}

func (m *Metrics) RecordDeadLetter(queue string) {
	m.deadLettersTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("queue", queue),
	))
}

// RecordError counts an error closing a channel or a connection.
func (m *Metrics) RecordError(scope string, code int) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.Int("code", code),
	))
}
