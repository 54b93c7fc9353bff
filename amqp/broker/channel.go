// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/amqpd/amqp/codec"
	"github.com/absmach/amqpd/amqp/message"
	"github.com/absmach/amqpd/amqp/transaction"
	"github.com/absmach/amqpd/queue"
)

// outbound is the write side of the connection a channel belongs to.
type outbound interface {
	writeFrames(frames ...*codec.Frame) error
	maxFrameSize() uint32
}

// deferredDelivery is a message handed to a consumer while its channel
// could not take it.
type deferredDelivery struct {
	consumer *Consumer
	msg      *message.Message
}

// Channel is the protocol engine of one AMQP channel. It owns the channel's
// consumers, the ledger of unacknowledged deliveries, flow control and the
// active transaction.
//
// Frames of a channel arrive in order on the connection's read loop while
// deliveries arrive from queue workers; mu serializes both. Local
// transaction actions run with mu held. Branch actions may run on another
// channel's goroutine and take mu themselves, so mu is never held across a
// registry commit, rollback or prepare.
type Channel struct {
	id      uint16
	owner   string
	user    string
	session uint64
	created time.Time

	broker *Broker
	out    outbound
	logger *slog.Logger

	agg *Aggregator

	mu         sync.Mutex
	ledger     *Ledger
	consumers  map[string]*Consumer
	deferred   []deferredDelivery
	tx         transaction.BrokerTransaction
	xid        *transaction.Xid
	confirm    bool
	publishSeq uint64
	lastQueue  string

	deliveryTag atomic.Uint64
	consumerSeq atomic.Uint64
	closed      atomic.Bool
	flow        atomic.Bool
	room        atomic.Bool
}

func newChannel(b *Broker, out outbound, id uint16, owner, user string) *Channel {
	ch := &Channel{
		id:        id,
		owner:     owner,
		user:      user,
		session:   b.sessions.Add(1),
		created:   time.Now(),
		broker:    b,
		out:       out,
		logger:    b.logger.With(slog.String("connection", owner), slog.Int("channel", int(id))),
		agg:       NewAggregator(b.seq),
		ledger:    NewLedger(b.cfg.DefaultPrefetch),
		consumers: make(map[string]*Consumer),
	}
	ch.tx = ch.newTransaction(transaction.AutoCommit)
	ch.flow.Store(true)
	ch.room.Store(ch.ledger.HasRoom())
	return ch
}

// ID returns the channel number.
func (ch *Channel) ID() uint16 {
	return ch.id
}

// IsReady reports whether the channel accepts new acknowledged deliveries.
func (ch *Channel) IsReady() bool {
	return ch.flow.Load() && ch.room.Load() && !ch.closed.Load()
}

func (ch *Channel) flowActive() bool {
	return ch.flow.Load() && !ch.closed.Load()
}

// Closed reports whether Close has been called.
func (ch *Channel) Closed() bool {
	return ch.closed.Load()
}

// syncRoom publishes the ledger's room to the lock-free flag and reports
// whether room was gained. Callers hold mu.
func (ch *Channel) syncRoom(rc RoomChange) bool {
	ch.room.Store(ch.ledger.HasRoom())
	return rc == RoomGained
}

func (ch *Channel) newTransaction(kind transaction.Kind) transaction.BrokerTransaction {
	b := ch.broker
	var tx transaction.BrokerTransaction
	switch kind {
	case transaction.Local:
		local := transaction.NewLocal(b.manager, ch.logger)
		local.AddAction(transaction.Action{
			PostCommit: ch.finalizeMarked,
			OnRollback: ch.unmarkAll,
		})
		tx = local
	case transaction.Distributed:
		tx = transaction.NewDistributed(b.manager, b.registry, ch.logger)
	default:
		tx = transaction.NewAutoCommit(b.manager, ch.logger)
	}
	return transaction.WithAuthorizer(tx, b.authorizer(), ch.user)
}

// finalizeMarked settles every marked acknowledgment after a local commit.
func (ch *Channel) finalizeMarked() {
	for _, d := range ch.ledger.FinalizeAll() {
		d.Msg.Release()
	}
}

// unmarkAll returns marked acknowledgments to pending after a local rollback.
func (ch *Channel) unmarkAll() {
	ch.syncRoom(ch.ledger.UnmarkAll())
}

// branchAction settles tags when the branch they were acknowledged in
// completes.
func (ch *Channel) branchAction(tags []uint64) transaction.Action {
	return transaction.Action{
		PostCommit: func() { ch.settleBranchAcks(tags) },
		OnRollback: func() { ch.restoreBranchAcks(tags) },
	}
}

func (ch *Channel) settleBranchAcks(tags []uint64) {
	ch.mu.Lock()
	entries := ch.ledger.Finalize(tags)
	ch.mu.Unlock()
	for _, d := range entries {
		d.Msg.Release()
	}
}

// restoreBranchAcks makes rolled back acknowledgments pending again, or
// requeues them once the channel is closed.
func (ch *Channel) restoreBranchAcks(tags []uint64) {
	ch.mu.Lock()
	if ch.closed.Load() {
		entries := ch.ledger.Finalize(tags)
		ch.mu.Unlock()
		ch.requeue(entries)
		return
	}
	gained := ch.syncRoom(ch.ledger.Unmark(tags))
	ch.mu.Unlock()
	if gained {
		ch.resume()
	}
}

// drainUnsettledLocked empties the ledger of everything the channel still
// owns. Acknowledgments marked in a distributed branch stay until the branch
// completes. Callers hold mu.
func (ch *Channel) drainUnsettledLocked() ([]*AckData, RoomChange) {
	if ch.tx.Kind() == transaction.Distributed {
		return ch.ledger.DrainPending()
	}
	return ch.ledger.Drain()
}

// transaction returns the active transaction.
func (ch *Channel) transaction() transaction.BrokerTransaction {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.tx
}

func (ch *Channel) reply(m codec.Method) error {
	f, err := codec.MethodFrame(ch.id, m)
	if err != nil {
		return err
	}
	return ch.out.writeFrames(f)
}

// contentFrames builds the method, header and body frames carrying msg.
func (ch *Channel) contentFrames(m codec.Method, msg *message.Message) ([]*codec.Frame, error) {
	mf, err := codec.MethodFrame(ch.id, m)
	if err != nil {
		return nil, err
	}
	md := msg.Metadata
	hf, err := codec.HeaderFrame(ch.id, &codec.ContentHeader{
		ClassID:    codec.ClassBasic,
		BodySize:   md.ContentLength,
		Properties: md.Properties,
	})
	if err != nil {
		return nil, err
	}
	frames := []*codec.Frame{mf, hf}
	if md.ContentLength > 0 {
		frames = append(frames, codec.BodyFrames(ch.id, msg.Body(), ch.out.maxFrameSize())...)
	}
	return frames, nil
}

// queueName resolves an empty queue name to the last queue declared on
// the channel.
func (ch *Channel) queueName(name string) (string, error) {
	if name != "" {
		return name, nil
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.lastQueue == "" {
		return "", channelErr(codec.NotFound, "no queue declared on this channel")
	}
	return ch.lastQueue, nil
}

// DeclareExchange creates an exchange or checks an existing one.
func (ch *Channel) DeclareExchange(name, kind string, passive, durable, autoDelete, internal bool) error {
	created, err := ch.broker.manager.DeclareExchange(name, kind, passive, durable, autoDelete, internal)
	if err != nil {
		return err
	}
	if created {
		ch.logger.Debug("exchange declared", slog.String("exchange", name), slog.String("type", kind))
	}
	return nil
}

// DeleteExchange removes an exchange and its bindings.
func (ch *Channel) DeleteExchange(name string, ifUnused bool) error {
	return ch.broker.manager.DeleteExchange(name, ifUnused)
}

// DeclareQueue creates a queue or checks an existing one. An empty name
// gets a server generated one.
func (ch *Channel) DeclareQueue(opts queue.QueueOptions) (queue.QueueInfo, error) {
	info, created, err := ch.broker.manager.DeclareQueue(opts, ch.owner)
	if err != nil {
		return queue.QueueInfo{}, err
	}
	ch.mu.Lock()
	ch.lastQueue = info.Name
	ch.mu.Unlock()
	if created {
		ch.logger.Debug("queue declared", slog.String("queue", info.Name), slog.Bool("durable", opts.Durable))
	}
	return info, nil
}

// DeleteQueue removes a queue and returns how many messages it held.
func (ch *Channel) DeleteQueue(name string, ifUnused, ifEmpty bool) (uint32, error) {
	name, err := ch.queueName(name)
	if err != nil {
		return 0, err
	}
	return ch.broker.manager.DeleteQueue(name, ch.owner, ifUnused, ifEmpty)
}

// PurgeQueue drops every ready message of a queue.
func (ch *Channel) PurgeQueue(name string) (uint32, error) {
	name, err := ch.queueName(name)
	if err != nil {
		return 0, err
	}
	return ch.broker.manager.PurgeQueue(name, ch.owner)
}

// Bind routes messages matching key on exchange to queue.
func (ch *Channel) Bind(queueName, exchange, key string, args codec.Table) error {
	queueName, err := ch.queueName(queueName)
	if err != nil {
		return err
	}
	return ch.broker.manager.Bind(queueName, exchange, key, args, ch.owner)
}

// Unbind removes a binding.
func (ch *Channel) Unbind(queueName, exchange, key string, args codec.Table) error {
	queueName, err := ch.queueName(queueName)
	if err != nil {
		return err
	}
	return ch.broker.manager.Unbind(queueName, exchange, key, args, ch.owner)
}

// Consume subscribes the channel to a queue. An empty tag is replaced by a
// generated "sgen" tag.
func (ch *Channel) Consume(queueName, tag string, exclusive, noAck bool) (*Consumer, error) {
	return ch.consume(queueName, tag, exclusive, noAck, nil)
}

// consume registers the consumer and calls announce before the first
// delivery can reach it.
func (ch *Channel) consume(queueName, tag string, exclusive, noAck bool, announce func(*Consumer) error) (*Consumer, error) {
	if ch.closed.Load() {
		return nil, channelErr(codec.ChannelError, "channel is closed")
	}
	queueName, err := ch.queueName(queueName)
	if err != nil {
		return nil, err
	}
	if tag == "" {
		tag = fmt.Sprintf("sgen%d", ch.consumerSeq.Add(1))
	}

	ch.mu.Lock()
	if _, ok := ch.consumers[tag]; ok {
		ch.mu.Unlock()
		return nil, channelErr(codec.NotAllowed, fmt.Sprintf("consumer tag '%s' already in use", tag))
	}
	if err := ch.broker.manager.AddConsumer(queueName, ch.owner, exclusive); err != nil {
		ch.mu.Unlock()
		return nil, err
	}
	c := newConsumer(ch, tag, queueName, exclusive, noAck)
	ch.consumers[tag] = c
	ch.mu.Unlock()

	ch.broker.stats.IncrementConsumers()
	if m := ch.broker.getMetrics(); m != nil {
		m.RecordConsumerAdded()
	}
	if announce != nil {
		if err := announce(c); err != nil {
			ch.detach(c)
			return nil, err
		}
	}
	ch.broker.dispatcher.register(c)
	ch.logger.Debug("consumer added", slog.String("consumer", tag), slog.String("queue", queueName))
	return c, nil
}

// Cancel removes the consumer with tag.
func (ch *Channel) Cancel(tag string) error {
	ch.mu.Lock()
	c, ok := ch.consumers[tag]
	delete(ch.consumers, tag)
	ch.mu.Unlock()
	if !ok {
		return channelErr(codec.NotFound, fmt.Sprintf("unknown consumer tag '%s'", tag))
	}
	ch.detach(c)
	return nil
}

// cancelByServer drops a consumer whose queue was deleted and tells the
// client.
func (ch *Channel) cancelByServer(c *Consumer) {
	ch.mu.Lock()
	if ch.consumers[c.Tag] != c {
		ch.mu.Unlock()
		return
	}
	delete(ch.consumers, c.Tag)
	ch.mu.Unlock()

	ch.detach(c)
	if ch.closed.Load() {
		return
	}
	if err := ch.reply(&codec.BasicCancel{ConsumerTag: c.Tag, NoWait: true}); err != nil {
		ch.logger.Debug("failed to send consumer cancel", slog.String("consumer", c.Tag), slog.String("error", err.Error()))
	}
}

// detach disconnects a consumer that is no longer in the consumer map and
// returns its deferred deliveries to the queue.
func (ch *Channel) detach(c *Consumer) {
	c.active.Store(false)
	ch.broker.dispatcher.unregister(c)

	ch.mu.Lock()
	var returned []*message.Message
	kept := ch.deferred[:0]
	for _, d := range ch.deferred {
		if d.consumer == c {
			returned = append(returned, d.msg)
			continue
		}
		kept = append(kept, d)
	}
	ch.deferred = kept
	ch.mu.Unlock()

	for i := len(returned) - 1; i >= 0; i-- {
		ch.returnToQueue(c.Queue, returned[i])
	}
	ch.broker.manager.RemoveConsumer(c.Queue)
	ch.broker.stats.DecrementConsumers()
	if m := ch.broker.getMetrics(); m != nil {
		m.RecordConsumerRemoved()
	}
}

func (ch *Channel) returnToQueue(queueName string, msg *message.Message) {
	if err := ch.broker.manager.Return(queueName, msg); err != nil {
		ch.logger.Error("failed to return undelivered message", slog.String("queue", queueName), slog.String("error", err.Error()))
	}
}

// deliver hands msg, popped from c's queue, to the client. Messages the
// channel cannot take yet are deferred until flow or room returns.
func (ch *Channel) deliver(c *Consumer, msg *message.Message) {
	ch.mu.Lock()
	if ch.closed.Load() || !c.active.Load() {
		ch.mu.Unlock()
		ch.returnToQueue(c.Queue, msg)
		return
	}
	if len(ch.deferred) > 0 || !c.Ready() {
		ch.deferred = append(ch.deferred, deferredDelivery{consumer: c, msg: msg})
		ch.drainDeferredLocked()
		ch.mu.Unlock()
		return
	}
	ch.sendDeliveryLocked(c, msg)
	ch.mu.Unlock()
}

// drainDeferredLocked delivers deferred messages whose consumer is ready,
// keeping the rest in order.
func (ch *Channel) drainDeferredLocked() {
	if len(ch.deferred) == 0 {
		return
	}
	kept := ch.deferred[:0]
	for _, d := range ch.deferred {
		if d.consumer.active.Load() && d.consumer.Ready() {
			ch.sendDeliveryLocked(d.consumer, d.msg)
			continue
		}
		kept = append(kept, d)
	}
	clear(ch.deferred[len(kept):])
	ch.deferred = kept
}

func (ch *Channel) sendDeliveryLocked(c *Consumer, msg *message.Message) {
	tag := ch.deliveryTag.Add(1)
	if !c.NoAck {
		ch.syncRoom(ch.ledger.Add(&AckData{Tag: tag, Queue: c.Queue, ConsumerTag: c.Tag, Msg: msg}))
	}
	ch.writeDelivery(&codec.BasicDeliver{
		ConsumerTag: c.Tag,
		DeliveryTag: tag,
		Redelivered: msg.Redelivered(),
		Exchange:    msg.Metadata.Exchange,
		RoutingKey:  msg.Metadata.RoutingKey,
	}, msg)
	if c.NoAck {
		if err := ch.broker.manager.Discard(c.Queue, msg); err != nil {
			ch.logger.Error("failed to settle no-ack delivery", slog.String("queue", c.Queue), slog.String("error", err.Error()))
		}
	}
}

func (ch *Channel) writeDelivery(m codec.Method, msg *message.Message) {
	frames, err := ch.contentFrames(m, msg)
	if err == nil {
		err = ch.out.writeFrames(frames...)
	}
	if err != nil {
		ch.logger.Debug("failed to send delivery", slog.Uint64("message", msg.ID), slog.String("error", err.Error()))
		return
	}
	size := msg.Metadata.ContentLength
	ch.broker.stats.IncrementMessagesSent()
	ch.broker.stats.AddBytesSent(size)
	if m := ch.broker.getMetrics(); m != nil {
		m.RecordMessageSent(int64(size))
	}
}

// resume delivers deferred messages and wakes the workers of every queue
// the channel consumes from.
func (ch *Channel) resume() {
	ch.mu.Lock()
	ch.drainDeferredLocked()
	queues := make(map[string]struct{}, len(ch.consumers))
	for _, c := range ch.consumers {
		queues[c.Queue] = struct{}{}
	}
	ch.mu.Unlock()
	for q := range queues {
		ch.broker.dispatcher.Notify(q)
	}
}

// RecordMessageDelivery adds a delivery to the ledger.
func (ch *Channel) RecordMessageDelivery(tag uint64, d *AckData) RoomChange {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	d.Tag = tag
	rc := ch.ledger.Add(d)
	ch.syncRoom(rc)
	return rc
}

// NextDeliveryTag reserves the next delivery tag of the channel.
func (ch *Channel) NextDeliveryTag() uint64 {
	return ch.deliveryTag.Add(1)
}

// Acknowledge settles tag, or with multiple every outstanding tag up to it.
// Outside a transaction block the messages are released at once; inside
// one they stay marked until the transaction completes. Unknown tags are
// ignored.
func (ch *Channel) Acknowledge(tag uint64, multiple bool) error {
	ch.mu.Lock()
	hadRoom := ch.ledger.HasRoom()
	entries, rc := ch.ledger.Mark(tag, multiple)
	if len(entries) == 0 {
		ch.mu.Unlock()
		ch.logger.Warn("acknowledgment for unknown delivery tag", slog.Uint64("delivery_tag", tag), slog.Bool("multiple", multiple))
		return nil
	}
	ch.syncRoom(rc)

	var errs []error
	for _, d := range entries {
		if err := ch.tx.Dequeue(d.Queue, d.Msg); err != nil {
			errs = append(errs, err)
		}
	}
	tags := tagsOf(entries)
	switch {
	case !ch.tx.InTransactionBlock() && len(errs) > 0:
		// The durable copies are still there; keep the deliveries pending.
		ch.syncRoom(ch.ledger.Unmark(tags))
	case !ch.tx.InTransactionBlock():
		for _, d := range ch.ledger.Finalize(tags) {
			d.Msg.Release()
		}
	case ch.xid != nil:
		ch.tx.AddAction(ch.branchAction(tags))
	}
	gained := !hadRoom && ch.ledger.HasRoom()
	ch.mu.Unlock()

	ch.broker.stats.AddAcks(uint64(len(entries)))
	if m := ch.broker.getMetrics(); m != nil {
		m.RecordAcks(int64(len(entries)))
	}
	if gained {
		ch.resume()
	}
	return errors.Join(errs...)
}

// Reject settles tag negatively. With requeue the message goes back to its
// queue until it exceeds the redelivery limit, then to the dead-letter
// queue. Without requeue it is dropped.
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.reject(tag, false, requeue)
}

// Nack is Reject over every outstanding tag up to tag when multiple is set.
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.reject(tag, multiple, requeue)
}

func (ch *Channel) reject(tag uint64, multiple, requeue bool) error {
	ch.mu.Lock()
	entries, rc := ch.ledger.Remove(tag, multiple)
	gained := ch.syncRoom(rc)
	ch.mu.Unlock()
	if len(entries) == 0 {
		ch.logger.Warn("reject for unknown delivery tag", slog.Uint64("delivery_tag", tag), slog.Bool("multiple", multiple))
		return nil
	}

	err := ch.settleRejected(entries, requeue)
	if gained {
		ch.resume()
	}
	return err
}

// settleRejected takes ownership of the entries' messages.
func (ch *Channel) settleRejected(entries []*AckData, requeue bool) error {
	mgr := ch.broker.manager
	metrics := ch.broker.getMetrics()
	var errs []error
	// Reverse order so that requeued messages keep their order at the head.
	for i := len(entries) - 1; i >= 0; i-- {
		d := entries[i]
		ch.broker.stats.IncrementRejects()
		if !requeue {
			if err := mgr.Discard(d.Queue, d.Msg); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		count := d.Msg.IncrementRedelivery()
		if count <= ch.broker.cfg.MaxRedeliveryCount {
			if err := mgr.Requeue(d.Queue, d.Msg); err != nil {
				ch.logger.Error("failed to requeue rejected message", slog.String("queue", d.Queue), slog.String("error", err.Error()))
			}
			ch.broker.stats.IncrementRedeliveries()
			if metrics != nil {
				metrics.RecordRedelivery(d.Queue)
			}
			continue
		}
		if err := mgr.MoveToDLC(d.Queue, d.Msg); err != nil {
			ch.logger.Error("failed to dead-letter message", slog.String("queue", d.Queue), slog.String("error", err.Error()))
			continue
		}
		ch.broker.stats.IncrementDeadLettered()
		if metrics != nil {
			metrics.RecordDeadLetter(d.Queue)
		}
	}
	return errors.Join(errs...)
}

// RequeueAll returns every unsettled delivery to its queue. Failures are
// logged and the affected messages are lost.
func (ch *Channel) RequeueAll() {
	ch.mu.Lock()
	entries, rc := ch.drainUnsettledLocked()
	gained := ch.syncRoom(rc)
	ch.mu.Unlock()

	ch.requeue(entries)
	if gained {
		ch.resume()
	}
}

// Recover handles basic.recover. With requeue the outstanding deliveries go
// back to their queues; without it they are redelivered on this channel to
// their consumers when those still exist.
func (ch *Channel) Recover(requeue bool) {
	if requeue {
		ch.RequeueAll()
		return
	}

	ch.mu.Lock()
	entries, rc := ch.drainUnsettledLocked()
	ch.syncRoom(rc)
	var orphans []*AckData
	for _, d := range entries {
		c, ok := ch.consumers[d.ConsumerTag]
		if !ok || ch.closed.Load() {
			orphans = append(orphans, d)
			continue
		}
		d.Msg.SetRedelivered()
		ch.sendDeliveryLocked(c, d.Msg)
	}
	ch.mu.Unlock()
	ch.requeue(orphans)
}

// requeue returns entries to the head of their queues in tag order. It
// takes ownership of their messages.
func (ch *Channel) requeue(entries []*AckData) {
	for i := len(entries) - 1; i >= 0; i-- {
		d := entries[i]
		if err := ch.broker.manager.Requeue(d.Queue, d.Msg); err != nil {
			ch.logger.Error("failed to requeue message", slog.String("queue", d.Queue), slog.Uint64("delivery_tag", d.Tag), slog.String("error", err.Error()))
		}
	}
}

// Close tears the channel down: consumers first, then the transaction,
// then every outstanding delivery is requeued. It is idempotent.
func (ch *Channel) Close() {
	if !ch.closed.CompareAndSwap(false, true) {
		return
	}

	ch.mu.Lock()
	consumers := make([]*Consumer, 0, len(ch.consumers))
	for _, c := range ch.consumers {
		consumers = append(consumers, c)
	}
	clear(ch.consumers)
	ch.mu.Unlock()
	for _, c := range consumers {
		ch.detach(c)
	}

	ch.mu.Lock()
	ch.tx.OnClose()
	entries, rc := ch.drainUnsettledLocked()
	ch.syncRoom(rc)
	ch.xid = nil
	deferred := ch.deferred
	ch.deferred = nil
	ch.agg.Reset()
	ch.mu.Unlock()

	for i := len(deferred) - 1; i >= 0; i-- {
		ch.returnToQueue(deferred[i].consumer.Queue, deferred[i].msg)
	}
	ch.requeue(entries)
	ch.logger.Debug("channel closed", slog.Int("requeued", len(entries)))
}

// SetFlow pauses or resumes deliveries.
func (ch *Channel) SetFlow(active bool) {
	ch.flow.Store(active)
	if active {
		ch.resume()
	}
}

// SetPrefetch changes the maximum number of unacknowledged deliveries.
// Zero means unlimited.
func (ch *Channel) SetPrefetch(count uint16) {
	ch.mu.Lock()
	gained := ch.syncRoom(ch.ledger.SetPrefetch(count))
	ch.mu.Unlock()
	if gained {
		ch.resume()
	}
}

// SetLocalTransactional switches the channel to tx.select mode.
func (ch *Channel) SetLocalTransactional() error {
	return ch.switchTransaction(transaction.Local)
}

// SetDistributedTransactional switches the channel to dtx.select mode.
func (ch *Channel) SetDistributedTransactional() error {
	return ch.switchTransaction(transaction.Distributed)
}

func (ch *Channel) switchTransaction(kind transaction.Kind) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.tx.Kind() == kind {
		return nil
	}
	if ch.confirm {
		return channelErr(codec.PreconditionFailed, "cannot select a transaction on a channel in confirm mode")
	}
	if n := ch.ledger.MarkedLen(); n > 0 {
		return channelErr(codec.PreconditionFailed,
			fmt.Sprintf("cannot switch to %s with %d uncommitted acknowledgments", kind, n))
	}
	ch.tx.OnClose()
	ch.tx = ch.newTransaction(kind)
	ch.xid = nil
	return nil
}

// Commit commits the local transaction.
func (ch *Channel) Commit() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if err := ch.tx.Commit(); err != nil {
		return err
	}
	ch.broker.stats.IncrementCommits()
	return nil
}

// Rollback rolls back the local transaction.
func (ch *Channel) Rollback() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if err := ch.tx.Rollback(); err != nil {
		return err
	}
	ch.broker.stats.IncrementRollbacks()
	return nil
}

// TransactionKind returns the kind of the active transaction.
func (ch *Channel) TransactionKind() transaction.Kind {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.tx.Kind()
}

// StartDtx associates the channel with the branch for xid.
func (ch *Channel) StartDtx(xid transaction.Xid, join, resume bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if err := ch.tx.Start(xid, ch.session, join, resume); err != nil {
		return err
	}
	ch.xid = &xid
	return nil
}

// EndDtx dissociates the channel from the branch for xid.
func (ch *Channel) EndDtx(xid transaction.Xid, fail, suspend bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	err := ch.tx.End(xid, ch.session, fail, suspend)
	if ch.xid != nil && ch.xid.Equal(xid) && !ch.tx.InTransactionBlock() {
		ch.xid = nil
	}
	return err
}

// PrepareDtx prepares the branch for xid.
func (ch *Channel) PrepareDtx(xid transaction.Xid) error {
	return ch.transaction().Prepare(xid)
}

// CommitDtx commits the branch for xid. Acknowledgments made in it are
// settled on whichever channel made them.
func (ch *Channel) CommitDtx(xid transaction.Xid, onePhase bool) error {
	if err := ch.transaction().CommitXid(xid, onePhase); err != nil {
		return err
	}
	ch.broker.stats.IncrementCommits()
	return nil
}

// RollbackDtx rolls back the branch for xid. Acknowledgments made in it
// become pending again.
func (ch *Channel) RollbackDtx(xid transaction.Xid) error {
	if err := ch.transaction().RollbackXid(xid); err != nil {
		return err
	}
	ch.broker.stats.IncrementRollbacks()
	return nil
}

// ForgetDtx forgets a heuristically completed branch.
func (ch *Channel) ForgetDtx(xid transaction.Xid) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.tx.Forget(xid)
}

// SetDtxTimeout records a timeout for the branch.
func (ch *Channel) SetDtxTimeout(xid transaction.Xid, d time.Duration) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.tx.SetTimeout(xid, d)
}

// DtxTimeout returns the timeout recorded for the branch.
func (ch *Channel) DtxTimeout(xid transaction.Xid) (time.Duration, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.tx.GetTimeout(xid)
}

// RecoverDtx lists the prepared branches.
func (ch *Channel) RecoverDtx() ([]transaction.Xid, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.tx.Recover()
}

// SelectConfirm puts the channel in publisher confirm mode.
func (ch *Channel) SelectConfirm() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.tx.Kind() == transaction.Local {
		return channelErr(codec.PreconditionFailed, "cannot select confirm mode on a transactional channel")
	}
	ch.confirm = true
	return nil
}

// Publish routes a completed message through the active transaction. It
// takes ownership of msg.
func (ch *Channel) Publish(msg *message.Message, mandatory bool) error {
	b := ch.broker
	md := msg.Metadata
	b.stats.IncrementMessagesReceived()
	b.stats.AddBytesReceived(md.ContentLength)
	if m := b.getMetrics(); m != nil {
		m.RecordMessageReceived(int64(md.ContentLength))
	}

	if err := b.manager.CheckPublish(md.Exchange); err != nil {
		msg.Release()
		return err
	}
	if !b.allowPublish(ch.owner) {
		ch.logger.Warn("publish rate limit exceeded", slog.String("exchange", md.Exchange))
		b.stats.IncrementPublishesThrottled()
		msg.Release()
		return ch.confirmPublish(ch.nextPublishSeq(), false)
	}
	if mandatory {
		routed, err := b.manager.HasRoute(md)
		if err != nil {
			msg.Release()
			return err
		}
		if !routed {
			seq := ch.nextPublishSeq()
			err := ch.returnMessage(msg, codec.NoRoute, "NO_ROUTE")
			if cerr := ch.confirmPublish(seq, true); err == nil {
				err = cerr
			}
			return err
		}
	}

	ch.mu.Lock()
	seq := ch.nextPublishSeqLocked()
	err := ch.tx.Enqueue(msg)
	ch.mu.Unlock()

	if seq == 0 {
		return err
	}
	if err != nil {
		ch.logger.Error("failed to enqueue confirmed publish", slog.Uint64("sequence", seq), slog.String("error", err.Error()))
	}
	return ch.confirmPublish(seq, err == nil)
}

func (ch *Channel) nextPublishSeq() uint64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.nextPublishSeqLocked()
}

// nextPublishSeqLocked returns zero outside confirm mode.
func (ch *Channel) nextPublishSeqLocked() uint64 {
	if !ch.confirm {
		return 0
	}
	ch.publishSeq++
	return ch.publishSeq
}

func (ch *Channel) confirmPublish(seq uint64, ok bool) error {
	if seq == 0 {
		return nil
	}
	if ok {
		return ch.reply(&codec.BasicAck{DeliveryTag: seq})
	}
	return ch.reply(&codec.BasicNack{DeliveryTag: seq})
}

// returnMessage sends an unroutable mandatory message back and releases it.
func (ch *Channel) returnMessage(msg *message.Message, code uint16, text string) error {
	defer msg.Release()
	frames, err := ch.contentFrames(&codec.BasicReturn{
		ReplyCode:  code,
		ReplyText:  text,
		Exchange:   msg.Metadata.Exchange,
		RoutingKey: msg.Metadata.RoutingKey,
	}, msg)
	if err != nil {
		return err
	}
	ch.broker.stats.IncrementReturned()
	return ch.out.writeFrames(frames...)
}

// Get pops one message for basic.get. It reports false when the queue was
// empty.
func (ch *Channel) Get(queueName string, noAck bool) (bool, error) {
	queueName, err := ch.queueName(queueName)
	if err != nil {
		return false, err
	}
	msg, remaining, err := ch.broker.manager.Get(queueName, ch.owner)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, ch.reply(&codec.BasicGetEmpty{})
	}

	ch.mu.Lock()
	tag := ch.deliveryTag.Add(1)
	if !noAck {
		ch.syncRoom(ch.ledger.Add(&AckData{Tag: tag, Queue: queueName, Msg: msg}))
	}
	ch.writeDelivery(&codec.BasicGetOk{
		DeliveryTag:  tag,
		Redelivered:  msg.Redelivered(),
		Exchange:     msg.Metadata.Exchange,
		RoutingKey:   msg.Metadata.RoutingKey,
		MessageCount: remaining,
	}, msg)
	ch.mu.Unlock()

	if noAck {
		if err := ch.broker.manager.Discard(queueName, msg); err != nil {
			return true, err
		}
	}
	return true, nil
}

func tagsOf(entries []*AckData) []uint64 {
	tags := make([]uint64, 0, len(entries))
	for _, d := range entries {
		tags = append(tags, d.Tag)
	}
	return tags
}

// consumerTags returns the tags of the channel's consumers in sorted order.
func (ch *Channel) consumerTags() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	tags := make([]string, 0, len(ch.consumers))
	for tag := range ch.consumers {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	return tags
}
