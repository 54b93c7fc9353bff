// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)
	assert.NotNil(t, m)
	assert.NotNil(t, m.connectionsTotal)
	assert.NotNil(t, m.messageSize)
}

func TestMetricsRecordMethods(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)

	// These should not panic
	m.RecordConnection()
	m.RecordDisconnection()
	m.RecordMessageReceived(256)
	m.RecordMessageSent(128)
	m.RecordChannelOpened()
	m.RecordChannelClosed()
	m.RecordConsumerAdded()
	m.RecordConsumerRemoved()
	m.RecordAcks(3)
	m.RecordRedelivery("orders")
	m.RecordDeadLetter("orders")
	m.RecordError("channel", 406)
	m.RecordError("connection", 501)
}

func TestMetricsRecordedByChannel(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)
	b := newTestBroker(t, DefaultConfig())
	b.SetMetrics(m)
	assert.Same(t, m, b.getMetrics())

	ch, _ := newTestChannel(t, b)
	declareQueue(t, ch, "q")
	publish(t, ch, "", "q", "x")
	ok, err := ch.Get("q", false)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, ch.Acknowledge(1, false))
}
