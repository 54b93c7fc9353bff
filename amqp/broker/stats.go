// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks broker statistics using atomic counters.
type Stats struct {
	startTime time.Time

	totalConnections   atomic.Uint64
	currentConnections atomic.Uint64
	disconnections     atomic.Uint64

	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64

	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64

	currentChannels atomic.Uint64
	consumers       atomic.Uint64

	acks                atomic.Uint64
	rejects             atomic.Uint64
	redeliveries        atomic.Uint64
	deadLettered        atomic.Uint64
	returned            atomic.Uint64
	publishesThrottled  atomic.Uint64
	commits             atomic.Uint64
	rollbacks           atomic.Uint64
	channelErrors       atomic.Uint64
	connectionErrors    atomic.Uint64
	connectionsRejected atomic.Uint64
}

func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

func (s *Stats) IncrementConnections() {
	s.totalConnections.Add(1)
	s.currentConnections.Add(1)
}

func (s *Stats) DecrementConnections() {
	s.currentConnections.Add(^uint64(0))
	s.disconnections.Add(1)
}

func (s *Stats) IncrementMessagesReceived()    { s.messagesReceived.Add(1) }
func (s *Stats) IncrementMessagesSent()        { s.messagesSent.Add(1) }
func (s *Stats) AddBytesReceived(n uint64)     { s.bytesReceived.Add(n) }
func (s *Stats) AddBytesSent(n uint64)         { s.bytesSent.Add(n) }
func (s *Stats) IncrementChannels()            { s.currentChannels.Add(1) }
func (s *Stats) DecrementChannels()            { s.currentChannels.Add(^uint64(0)) }
func (s *Stats) IncrementConsumers()           { s.consumers.Add(1) }
func (s *Stats) DecrementConsumers()           { s.consumers.Add(^uint64(0)) }
func (s *Stats) AddAcks(n uint64)              { s.acks.Add(n) }
func (s *Stats) IncrementRejects()             { s.rejects.Add(1) }
func (s *Stats) IncrementRedeliveries()        { s.redeliveries.Add(1) }
func (s *Stats) IncrementDeadLettered()        { s.deadLettered.Add(1) }
func (s *Stats) IncrementReturned()            { s.returned.Add(1) }
func (s *Stats) IncrementPublishesThrottled()  { s.publishesThrottled.Add(1) }
func (s *Stats) IncrementCommits()             { s.commits.Add(1) }
func (s *Stats) IncrementRollbacks()           { s.rollbacks.Add(1) }
func (s *Stats) IncrementChannelErrors()       { s.channelErrors.Add(1) }
func (s *Stats) IncrementConnectionErrors()    { s.connectionErrors.Add(1) }
func (s *Stats) IncrementConnectionsRejected() { s.connectionsRejected.Add(1) }

func (s *Stats) GetTotalConnections() uint64    { return s.totalConnections.Load() }
func (s *Stats) GetCurrentConnections() uint64  { return s.currentConnections.Load() }
func (s *Stats) GetDisconnections() uint64      { return s.disconnections.Load() }
func (s *Stats) GetMessagesReceived() uint64    { return s.messagesReceived.Load() }
func (s *Stats) GetMessagesSent() uint64        { return s.messagesSent.Load() }
func (s *Stats) GetBytesReceived() uint64       { return s.bytesReceived.Load() }
func (s *Stats) GetBytesSent() uint64           { return s.bytesSent.Load() }
func (s *Stats) GetCurrentChannels() uint64     { return s.currentChannels.Load() }
func (s *Stats) GetConsumers() uint64           { return s.consumers.Load() }
func (s *Stats) GetAcks() uint64                { return s.acks.Load() }
func (s *Stats) GetRejects() uint64             { return s.rejects.Load() }
func (s *Stats) GetRedeliveries() uint64        { return s.redeliveries.Load() }
func (s *Stats) GetDeadLettered() uint64        { return s.deadLettered.Load() }
func (s *Stats) GetReturned() uint64            { return s.returned.Load() }
func (s *Stats) GetPublishesThrottled() uint64  { return s.publishesThrottled.Load() }
func (s *Stats) GetCommits() uint64             { return s.commits.Load() }
func (s *Stats) GetRollbacks() uint64           { return s.rollbacks.Load() }
func (s *Stats) GetChannelErrors() uint64       { return s.channelErrors.Load() }
func (s *Stats) GetConnectionErrors() uint64    { return s.connectionErrors.Load() }
func (s *Stats) GetConnectionsRejected() uint64 { return s.connectionsRejected.Load() }
func (s *Stats) GetUptime() time.Duration       { return time.Since(s.startTime) }
