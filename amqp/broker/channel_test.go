// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"testing"
	"time"

	"github.com/absmach/amqpd/amqp/codec"
	"github.com/absmach/amqpd/amqp/transaction"
	"github.com/absmach/amqpd/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
	// settle outlasts the dispatcher's fallback ticker.
	settle = 250 * time.Millisecond
)

func replyCode(t *testing.T, err error) int {
	t.Helper()
	require.Error(t, err)
	var e *codec.Error
	require.True(t, errors.As(err, &e), "expected *codec.Error, got %T", err)
	return e.Code
}

func deliveries(rec *frameRecorder) []*codec.BasicDeliver {
	return methodsOf[*codec.BasicDeliver](rec)
}

func bodies(rec *frameRecorder) []string {
	var out []string
	for _, f := range rec.snapshot() {
		if f.Type == codec.FrameBody {
			out = append(out, string(f.Payload))
		}
	}
	return out
}

func popBody(t *testing.T, mgr *queue.Manager, name string) string {
	t.Helper()
	msg := mgr.Pop(name)
	require.NotNil(t, msg, "queue %s is empty", name)
	defer msg.Release()
	return string(msg.Body())
}

func TestPublishRoutesToQueue(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, rec := newTestChannel(t, b)
	declareQueue(t, ch, "q")

	publish(t, ch, "", "q", "hello")

	assert.True(t, ch.agg.Idle())
	assert.Equal(t, 1, b.Manager().Queue("q").Len())
	assert.Equal(t, "hello", popBody(t, b.Manager(), "q"))
	assert.Nil(t, b.Manager().Pop("q"))
	assert.Empty(t, rec.methods())
	assert.Equal(t, uint64(1), b.GetStats().GetMessagesReceived())
	assert.Equal(t, uint64(5), b.GetStats().GetBytesReceived())
}

func TestPublishEmptyBody(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, _ := newTestChannel(t, b)
	declareQueue(t, ch, "q")

	publish(t, ch, "", "q", "")

	msg := b.Manager().Pop("q")
	require.NotNil(t, msg)
	assert.Empty(t, msg.Body())
	msg.Release()
}

func TestPublishMultipleBodyFrames(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, _ := newTestChannel(t, b)
	declareQueue(t, ch, "q")

	require.NoError(t, ch.handleMethod(&codec.BasicPublish{RoutingKey: "q"}))
	require.NoError(t, ch.handleHeader(&codec.ContentHeader{ClassID: codec.ClassBasic, BodySize: 10}))
	require.NoError(t, ch.handleBody([]byte("hello")))
	assert.False(t, ch.agg.Idle())
	assert.Equal(t, 0, b.Manager().Queue("q").Len())
	require.NoError(t, ch.handleBody([]byte("world")))

	assert.Equal(t, "helloworld", popBody(t, b.Manager(), "q"))
}

func TestContentFrameErrors(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, _ := newTestChannel(t, b)
	declareQueue(t, ch, "q")

	t.Run("body overrun", func(t *testing.T) {
		require.NoError(t, ch.handleMethod(&codec.BasicPublish{RoutingKey: "q"}))
		require.NoError(t, ch.handleHeader(&codec.ContentHeader{ClassID: codec.ClassBasic, BodySize: 10}))
		require.NoError(t, ch.handleBody([]byte("123456")))
		err := ch.handleBody([]byte("789012"))
		assert.Equal(t, codec.FrameError, replyCode(t, err))
		assert.ErrorIs(t, err, ErrContentLengthMismatch)
		assert.True(t, ch.agg.Idle())
		assert.Equal(t, 0, b.Manager().Queue("q").Len())
	})

	t.Run("header without publish", func(t *testing.T) {
		err := ch.handleHeader(&codec.ContentHeader{ClassID: codec.ClassBasic, BodySize: 1})
		assert.Equal(t, codec.UnexpectedFrame, replyCode(t, err))
	})

	t.Run("body without header", func(t *testing.T) {
		require.NoError(t, ch.handleMethod(&codec.BasicPublish{RoutingKey: "q"}))
		err := ch.handleBody([]byte("x"))
		assert.Equal(t, codec.UnexpectedFrame, replyCode(t, err))
		assert.True(t, ch.agg.Idle())
	})

	t.Run("method during content", func(t *testing.T) {
		require.NoError(t, ch.handleMethod(&codec.BasicPublish{RoutingKey: "q"}))
		require.NoError(t, ch.handleHeader(&codec.ContentHeader{ClassID: codec.ClassBasic, BodySize: 4}))
		err := ch.handleMethod(&codec.BasicQos{PrefetchCount: 1})
		assert.Equal(t, codec.UnexpectedFrame, replyCode(t, err))
		assert.True(t, ch.agg.Idle())
	})

	t.Run("publish during content", func(t *testing.T) {
		require.NoError(t, ch.handleMethod(&codec.BasicPublish{RoutingKey: "q"}))
		err := ch.handleMethod(&codec.BasicPublish{RoutingKey: "q"})
		assert.Equal(t, codec.UnexpectedFrame, replyCode(t, err))
		assert.True(t, ch.agg.Idle())
	})

	t.Run("recovers after errors", func(t *testing.T) {
		publish(t, ch, "", "q", "fresh")
		assert.Equal(t, "fresh", popBody(t, b.Manager(), "q"))
	})
}

func TestPublishUnknownExchange(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, _ := newTestChannel(t, b)

	require.NoError(t, ch.handleMethod(&codec.BasicPublish{Exchange: "missing", RoutingKey: "q"}))
	err := ch.handleHeader(&codec.ContentHeader{ClassID: codec.ClassBasic})
	assert.Equal(t, codec.NotFound, replyCode(t, err))

	var e *codec.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, uint16(codec.ClassBasic), e.ClassID)
	assert.Equal(t, uint16(codec.MethodBasicPublish), e.MethodID)
}

func TestMandatoryUnroutable(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, rec := newTestChannel(t, b)

	require.NoError(t, ch.handleMethod(&codec.BasicPublish{Exchange: "amq.direct", RoutingKey: "nowhere", Mandatory: true}))
	require.NoError(t, ch.handleHeader(&codec.ContentHeader{ClassID: codec.ClassBasic, BodySize: 3}))
	require.NoError(t, ch.handleBody([]byte("abc")))

	returns := methodsOf[*codec.BasicReturn](rec)
	require.Len(t, returns, 1)
	assert.Equal(t, uint16(codec.NoRoute), returns[0].ReplyCode)
	assert.Equal(t, "NO_ROUTE", returns[0].ReplyText)
	assert.Equal(t, "amq.direct", returns[0].Exchange)
	assert.Equal(t, "nowhere", returns[0].RoutingKey)
	assert.Equal(t, []string{"abc"}, bodies(rec))
	assert.Equal(t, uint64(1), b.GetStats().GetReturned())
}

func TestNonMandatoryUnroutableIsDropped(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, rec := newTestChannel(t, b)

	publish(t, ch, "amq.direct", "nowhere", "abc")

	assert.Empty(t, methodsOf[*codec.BasicReturn](rec))
}

func TestPublisherConfirms(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, rec := newTestChannel(t, b)
	declareQueue(t, ch, "q")

	require.NoError(t, ch.handleMethod(&codec.ConfirmSelect{}))
	require.Len(t, methodsOf[*codec.ConfirmSelectOk](rec), 1)

	publish(t, ch, "", "q", "one")
	publish(t, ch, "", "q", "two")
	require.NoError(t, ch.handleMethod(&codec.BasicPublish{Exchange: "amq.direct", RoutingKey: "nowhere", Mandatory: true}))
	require.NoError(t, ch.handleHeader(&codec.ContentHeader{ClassID: codec.ClassBasic}))

	acks := methodsOf[*codec.BasicAck](rec)
	require.Len(t, acks, 3)
	for i, ack := range acks {
		assert.Equal(t, uint64(i+1), ack.DeliveryTag)
	}
	assert.Len(t, methodsOf[*codec.BasicReturn](rec), 1)
	assert.Equal(t, 2, b.Manager().Queue("q").Len())
}

func TestConsumeDeliversInOrder(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, rec := newTestChannel(t, b)
	declareQueue(t, ch, "q")

	for _, body := range []string{"a", "b", "c"} {
		publish(t, ch, "", "q", body)
	}
	require.NoError(t, ch.handleMethod(&codec.BasicConsume{Queue: "q", ConsumerTag: "c1"}))

	require.Eventually(t, func() bool { return len(deliveries(rec)) == 3 }, waitFor, tick)

	methods := rec.methods()
	ok, isOk := methods[0].(*codec.BasicConsumeOk)
	require.True(t, isOk, "first reply must be consume-ok, got %T", methods[0])
	assert.Equal(t, "c1", ok.ConsumerTag)

	for i, d := range deliveries(rec) {
		assert.Equal(t, "c1", d.ConsumerTag)
		assert.Equal(t, uint64(i+1), d.DeliveryTag)
		assert.False(t, d.Redelivered)
		assert.Equal(t, "q", d.RoutingKey)
	}
	assert.Equal(t, []string{"a", "b", "c"}, bodies(rec))
	assert.Equal(t, 3, ch.View().Unacked)
	assert.Equal(t, uint64(3), b.GetStats().GetMessagesSent())
}

func TestConsumeGeneratedTag(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, rec := newTestChannel(t, b)
	declareQueue(t, ch, "q")

	require.NoError(t, ch.handleMethod(&codec.BasicConsume{Queue: "q"}))
	require.NoError(t, ch.handleMethod(&codec.BasicConsume{Queue: "q"}))

	oks := methodsOf[*codec.BasicConsumeOk](rec)
	require.Len(t, oks, 2)
	assert.Equal(t, "sgen1", oks[0].ConsumerTag)
	assert.Equal(t, "sgen2", oks[1].ConsumerTag)
	assert.Equal(t, 2, b.Manager().Queue("q").Consumers())
}

func TestConsumeErrors(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, _ := newTestChannel(t, b)
	declareQueue(t, ch, "q")

	_, err := ch.Consume("q", "c1", false, false)
	require.NoError(t, err)

	cases := []struct {
		name  string
		queue string
		tag   string
		code  int
	}{
		{"duplicate tag", "q", "c1", codec.NotAllowed},
		{"unknown queue", "missing", "c2", codec.NotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ch.handleMethod(&codec.BasicConsume{Queue: tc.queue, ConsumerTag: tc.tag})
			assert.Equal(t, tc.code, replyCode(t, err))
		})
	}
}

func TestEmptyQueueNameUsesLastDeclared(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, rec := newTestChannel(t, b)

	err := ch.handleMethod(&codec.BasicGet{})
	assert.Equal(t, codec.NotFound, replyCode(t, err))

	require.NoError(t, ch.handleMethod(&codec.QueueDeclare{}))
	declared := methodsOf[*codec.QueueDeclareOk](rec)
	require.Len(t, declared, 1)
	require.NotEmpty(t, declared[0].Queue)

	publish(t, ch, "", declared[0].Queue, "x")
	require.NoError(t, ch.handleMethod(&codec.BasicGet{NoAck: true}))
	require.Len(t, methodsOf[*codec.BasicGetOk](rec), 1)
}

func TestAcknowledgeMultiple(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, _ := newTestChannel(t, b)
	declareQueue(t, ch, "q")

	for _, body := range []string{"1", "2", "3"} {
		publish(t, ch, "", "q", body)
	}
	for range 3 {
		ok, err := ch.Get("q", false)
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, 3, ch.View().Unacked)

	require.NoError(t, ch.Acknowledge(2, true))
	assert.Equal(t, 1, ch.View().Unacked)
	_, pending := ch.ledger.Pending(3)
	assert.True(t, pending)

	// Unknown tags are ignored.
	require.NoError(t, ch.Acknowledge(42, false))
	assert.Equal(t, 1, ch.View().Unacked)

	require.NoError(t, ch.handleMethod(&codec.BasicAck{DeliveryTag: 0, Multiple: true}))
	assert.Equal(t, 0, ch.View().Unacked)
	assert.Equal(t, uint64(3), b.GetStats().GetAcks())
}

func TestPrefetchLimitsDeliveries(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, rec := newTestChannel(t, b)
	declareQueue(t, ch, "q")

	require.NoError(t, ch.handleMethod(&codec.BasicQos{PrefetchCount: 2}))
	require.Len(t, methodsOf[*codec.BasicQosOk](rec), 1)

	for _, body := range []string{"1", "2", "3", "4", "5"} {
		publish(t, ch, "", "q", body)
	}
	_, err := ch.Consume("q", "c1", false, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(deliveries(rec)) == 2 }, waitFor, tick)
	time.Sleep(settle)
	assert.Len(t, deliveries(rec), 2)
	assert.False(t, ch.IsReady())
	assert.Equal(t, 3, b.Manager().Queue("q").Len())

	require.NoError(t, ch.Acknowledge(1, false))
	require.Eventually(t, func() bool { return len(deliveries(rec)) == 3 }, waitFor, tick)
	time.Sleep(settle)
	assert.Len(t, deliveries(rec), 3)

	ch.SetPrefetch(0)
	require.Eventually(t, func() bool { return len(deliveries(rec)) == 5 }, waitFor, tick)
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, bodies(rec))
}

func TestChannelFlow(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, rec := newTestChannel(t, b)
	declareQueue(t, ch, "q")

	require.NoError(t, ch.handleMethod(&codec.ChannelFlow{Active: false}))
	flowOk := methodsOf[*codec.ChannelFlowOk](rec)
	require.Len(t, flowOk, 1)
	assert.False(t, flowOk[0].Active)

	_, err := ch.Consume("q", "c1", false, false)
	require.NoError(t, err)
	publish(t, ch, "", "q", "1")
	publish(t, ch, "", "q", "2")

	time.Sleep(settle)
	assert.Empty(t, deliveries(rec))
	assert.Equal(t, 2, b.Manager().Queue("q").Len())

	require.NoError(t, ch.handleMethod(&codec.ChannelFlow{Active: true}))
	require.Eventually(t, func() bool { return len(deliveries(rec)) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"1", "2"}, bodies(rec))
}

func TestNoAckConsumer(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, rec := newTestChannel(t, b)
	declareQueue(t, ch, "q")
	ch.SetPrefetch(1)

	_, err := ch.Consume("q", "c1", false, true)
	require.NoError(t, err)
	for _, body := range []string{"1", "2", "3"} {
		publish(t, ch, "", "q", body)
	}

	require.Eventually(t, func() bool { return len(deliveries(rec)) == 3 }, waitFor, tick)
	assert.Equal(t, 0, ch.View().Unacked)
}

func TestCancel(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, rec := newTestChannel(t, b)
	declareQueue(t, ch, "q")

	_, err := ch.Consume("q", "c1", false, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b.GetStats().GetConsumers())

	require.NoError(t, ch.handleMethod(&codec.BasicCancel{ConsumerTag: "c1"}))
	oks := methodsOf[*codec.BasicCancelOk](rec)
	require.Len(t, oks, 1)
	assert.Equal(t, "c1", oks[0].ConsumerTag)
	assert.Equal(t, 0, b.Manager().Queue("q").Consumers())
	assert.Equal(t, uint64(0), b.GetStats().GetConsumers())

	err = ch.handleMethod(&codec.BasicCancel{ConsumerTag: "c1"})
	assert.Equal(t, codec.NotFound, replyCode(t, err))

	publish(t, ch, "", "q", "x")
	time.Sleep(settle)
	assert.Empty(t, deliveries(rec))
}

func TestQueueDeleteCancelsConsumers(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, rec := newTestChannel(t, b)
	declareQueue(t, ch, "q")

	_, err := ch.Consume("q", "c1", false, false)
	require.NoError(t, err)

	require.NoError(t, ch.handleMethod(&codec.QueueDelete{Queue: "q"}))

	cancels := methodsOf[*codec.BasicCancel](rec)
	require.Len(t, cancels, 1)
	assert.Equal(t, "c1", cancels[0].ConsumerTag)
	assert.Empty(t, ch.View().Consumers)
	assert.Len(t, methodsOf[*codec.QueueDeleteOk](rec), 1)
	assert.Nil(t, b.Manager().Queue("q"))
}

func TestRejectRedeliveryLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRedeliveryCount = 3
	b := newTestBroker(t, cfg)
	ch, rec := newTestChannel(t, b)
	declareQueue(t, ch, "q")
	publish(t, ch, "", "q", "poison")

	for i := 1; i <= 4; i++ {
		ok, err := ch.Get("q", false)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, ch.Reject(ch.deliveryTag.Load(), true))
		if i <= 3 {
			assert.Equal(t, 1, b.Manager().Queue("q").Len(), "attempt %d", i)
		}
	}

	assert.Equal(t, 0, b.Manager().Queue("q").Len())
	require.Equal(t, 1, b.Manager().Queue("amq.dlq").Len())

	gets := methodsOf[*codec.BasicGetOk](rec)
	require.Len(t, gets, 4)
	assert.False(t, gets[0].Redelivered)
	assert.True(t, gets[1].Redelivered)

	dead := b.Manager().Pop("amq.dlq")
	require.NotNil(t, dead)
	defer dead.Release()
	assert.Equal(t, "poison", string(dead.Body()))
	headers := dead.Metadata.Properties.Headers
	assert.Equal(t, "q", headers[queue.HeaderOriginQueue])
	assert.Equal(t, "", headers[queue.HeaderOriginExchange])
	assert.Equal(t, "q", headers[queue.HeaderOriginRoutingKey])

	stats := b.GetStats()
	assert.Equal(t, uint64(3), stats.GetRedeliveries())
	assert.Equal(t, uint64(1), stats.GetDeadLettered())
	assert.Equal(t, uint64(4), stats.GetRejects())
}

func TestRejectWithoutRequeueDiscards(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, _ := newTestChannel(t, b)
	declareQueue(t, ch, "q")
	publish(t, ch, "", "q", "x")

	ok, err := ch.Get("q", false)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, ch.handleMethod(&codec.BasicReject{DeliveryTag: 1}))

	assert.Equal(t, 0, b.Manager().Queue("q").Len())
	assert.Equal(t, 0, b.Manager().Queue("amq.dlq").Len())
	assert.Equal(t, 0, ch.View().Unacked)
}

func TestNackMultipleRequeuesInOrder(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, _ := newTestChannel(t, b)
	declareQueue(t, ch, "q")
	for _, body := range []string{"1", "2", "3"} {
		publish(t, ch, "", "q", body)
	}
	for range 3 {
		_, err := ch.Get("q", false)
		require.NoError(t, err)
	}

	require.NoError(t, ch.handleMethod(&codec.BasicNack{DeliveryTag: 2, Multiple: true, Requeue: true}))
	assert.Equal(t, 1, ch.View().Unacked)
	assert.Equal(t, "1", popBody(t, b.Manager(), "q"))
	assert.Equal(t, "2", popBody(t, b.Manager(), "q"))
}

func TestGet(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, rec := newTestChannel(t, b)
	declareQueue(t, ch, "q")

	ok, err := ch.Get("q", false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, methodsOf[*codec.BasicGetEmpty](rec), 1)

	publish(t, ch, "", "q", "1")
	publish(t, ch, "", "q", "2")

	ok, err = ch.Get("q", true)
	require.NoError(t, err)
	require.True(t, ok)
	gets := methodsOf[*codec.BasicGetOk](rec)
	require.Len(t, gets, 1)
	assert.Equal(t, uint32(1), gets[0].MessageCount)
	assert.Equal(t, 0, ch.View().Unacked)

	err = ch.handleMethod(&codec.BasicGet{Queue: "missing"})
	assert.Equal(t, codec.NotFound, replyCode(t, err))
	var e *codec.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, uint16(codec.ClassBasic), e.ClassID)
	assert.Equal(t, uint16(codec.MethodBasicGet), e.MethodID)
}

func TestRecover(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, rec := newTestChannel(t, b)
	declareQueue(t, ch, "q")

	_, err := ch.Consume("q", "c1", false, false)
	require.NoError(t, err)
	publish(t, ch, "", "q", "x")
	require.Eventually(t, func() bool { return len(deliveries(rec)) == 1 }, waitFor, tick)

	require.NoError(t, ch.handleMethod(&codec.BasicRecover{Requeue: false}))
	require.Len(t, methodsOf[*codec.BasicRecoverOk](rec), 1)

	ds := deliveries(rec)
	require.Len(t, ds, 2)
	assert.True(t, ds[1].Redelivered)
	assert.Equal(t, uint64(2), ds[1].DeliveryTag)
	assert.Equal(t, 1, ch.View().Unacked)
}

func TestRecoverRequeue(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, _ := newTestChannel(t, b)
	declareQueue(t, ch, "q")
	publish(t, ch, "", "q", "1")
	publish(t, ch, "", "q", "2")
	for range 2 {
		_, err := ch.Get("q", false)
		require.NoError(t, err)
	}

	ch.Recover(true)

	assert.Equal(t, 0, ch.View().Unacked)
	msg := b.Manager().Pop("q")
	require.NotNil(t, msg)
	assert.True(t, msg.Redelivered())
	assert.Equal(t, "1", string(msg.Body()))
	msg.Release()
	assert.Equal(t, "2", popBody(t, b.Manager(), "q"))
}

func TestCloseRequeuesUnacked(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, rec := newTestChannel(t, b)
	declareQueue(t, ch, "q")

	_, err := ch.Consume("q", "c1", false, false)
	require.NoError(t, err)
	publish(t, ch, "", "q", "1")
	publish(t, ch, "", "q", "2")
	require.Eventually(t, func() bool { return len(deliveries(rec)) == 2 }, waitFor, tick)

	ch.Close()
	ch.Close()

	assert.True(t, ch.Closed())
	assert.Equal(t, 0, b.Manager().Queue("q").Consumers())
	assert.Equal(t, "1", popBody(t, b.Manager(), "q"))
	assert.Equal(t, "2", popBody(t, b.Manager(), "q"))

	_, err = ch.Consume("q", "c2", false, false)
	assert.Equal(t, codec.ChannelError, replyCode(t, err))
}

func TestUnsupportedMethod(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, _ := newTestChannel(t, b)

	err := ch.handleMethod(&codec.ConnectionTuneOk{})
	assert.Equal(t, codec.NotImplemented, replyCode(t, err))
}

func TestLocalTransactionPublish(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, rec := newTestChannel(t, b)
	declareQueue(t, ch, "q")

	require.NoError(t, ch.handleMethod(&codec.TxSelect{}))
	require.Len(t, methodsOf[*codec.TxSelectOk](rec), 1)
	assert.Equal(t, transaction.Local, ch.TransactionKind())

	publish(t, ch, "", "q", "committed")
	assert.Equal(t, 0, b.Manager().Queue("q").Len())
	require.NoError(t, ch.handleMethod(&codec.TxCommit{}))
	require.Len(t, methodsOf[*codec.TxCommitOk](rec), 1)
	assert.Equal(t, 1, b.Manager().Queue("q").Len())

	publish(t, ch, "", "q", "discarded")
	require.NoError(t, ch.handleMethod(&codec.TxRollback{}))
	require.Len(t, methodsOf[*codec.TxRollbackOk](rec), 1)
	assert.Equal(t, 1, b.Manager().Queue("q").Len())
	assert.Equal(t, "committed", popBody(t, b.Manager(), "q"))

	assert.Equal(t, uint64(1), b.GetStats().GetCommits())
	assert.Equal(t, uint64(1), b.GetStats().GetRollbacks())
}

func TestLocalTransactionAcks(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, _ := newTestChannel(t, b)
	declareQueue(t, ch, "q")
	publish(t, ch, "", "q", "1")
	publish(t, ch, "", "q", "2")
	require.NoError(t, ch.SetLocalTransactional())

	for range 2 {
		_, err := ch.Get("q", false)
		require.NoError(t, err)
	}

	require.NoError(t, ch.Acknowledge(1, false))
	v := ch.View()
	assert.Equal(t, 1, v.Unacked)
	assert.Equal(t, 1, v.Marked)

	require.NoError(t, ch.Rollback())
	v = ch.View()
	assert.Equal(t, 2, v.Unacked)
	assert.Equal(t, 0, v.Marked)

	require.NoError(t, ch.Acknowledge(2, true))
	require.NoError(t, ch.Commit())
	v = ch.View()
	assert.Equal(t, 0, v.Unacked)
	assert.Equal(t, 0, v.Marked)
	assert.Equal(t, 0, b.Manager().Queue("q").Len())
}

func TestLocalTransactionCloseRequeues(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, _ := newTestChannel(t, b)
	declareQueue(t, ch, "q")
	for _, body := range []string{"1", "2", "3"} {
		publish(t, ch, "", "q", body)
	}
	require.NoError(t, ch.SetLocalTransactional())
	for range 3 {
		_, err := ch.Get("q", false)
		require.NoError(t, err)
	}
	require.NoError(t, ch.Acknowledge(1, false))

	ch.Close()

	require.Equal(t, 3, b.Manager().Queue("q").Len())
	for _, want := range []string{"1", "2", "3"} {
		assert.Equal(t, want, popBody(t, b.Manager(), "q"))
	}
}

func TestTransactionModeSwitch(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())

	t.Run("uncommitted acks block switch", func(t *testing.T) {
		ch, _ := newTestChannel(t, b)
		declareQueue(t, ch, "switch")
		publish(t, ch, "", "switch", "x")
		require.NoError(t, ch.SetLocalTransactional())
		_, err := ch.Get("switch", false)
		require.NoError(t, err)
		require.NoError(t, ch.Acknowledge(1, false))

		err = ch.SetDistributedTransactional()
		assert.Equal(t, codec.PreconditionFailed, replyCode(t, err))
		assert.Equal(t, transaction.Local, ch.TransactionKind())

		require.NoError(t, ch.Commit())
		require.NoError(t, ch.SetDistributedTransactional())
		assert.Equal(t, transaction.Distributed, ch.TransactionKind())
	})

	t.Run("confirm mode then tx", func(t *testing.T) {
		ch, _ := newTestChannel(t, b)
		require.NoError(t, ch.SelectConfirm())
		err := ch.handleMethod(&codec.TxSelect{})
		assert.Equal(t, codec.PreconditionFailed, replyCode(t, err))
		err = ch.SetDistributedTransactional()
		assert.Equal(t, codec.PreconditionFailed, replyCode(t, err))
	})

	t.Run("tx then confirm mode", func(t *testing.T) {
		ch, _ := newTestChannel(t, b)
		require.NoError(t, ch.SetLocalTransactional())
		err := ch.handleMethod(&codec.ConfirmSelect{})
		assert.Equal(t, codec.PreconditionFailed, replyCode(t, err))
	})

	t.Run("commit outside tx", func(t *testing.T) {
		ch, _ := newTestChannel(t, b)
		err := ch.handleMethod(&codec.TxCommit{})
		require.Error(t, err)
	})
}

func testXid(global string) codec.XidArgs {
	return codec.XidArgs{Format: 1, GlobalID: []byte(global), BranchID: []byte("b1")}
}

func TestDistributedTransactionPublish(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, rec := newTestChannel(t, b)
	declareQueue(t, ch, "q")
	xid := testXid("publish")

	require.NoError(t, ch.handleMethod(&codec.DtxSelect{}))
	require.NoError(t, ch.handleMethod(&codec.DtxStart{XidArgs: xid}))
	publish(t, ch, "", "q", "staged")
	assert.Equal(t, 0, b.Manager().Queue("q").Len())

	require.NoError(t, ch.handleMethod(&codec.DtxEnd{XidArgs: xid}))
	require.NoError(t, ch.handleMethod(&codec.DtxPrepare{XidArgs: xid}))
	assert.Equal(t, 0, b.Manager().Queue("q").Len())
	require.NoError(t, ch.handleMethod(&codec.DtxCommit{XidArgs: xid}))

	assert.Len(t, methodsOf[*codec.DtxSelectOk](rec), 1)
	for _, r := range []uint16{
		methodsOf[*codec.DtxStartOk](rec)[0].XaResult,
		methodsOf[*codec.DtxEndOk](rec)[0].XaResult,
		methodsOf[*codec.DtxPrepareOk](rec)[0].XaResult,
		methodsOf[*codec.DtxCommitOk](rec)[0].XaResult,
	} {
		assert.Equal(t, uint16(codec.XaOK), r)
	}
	assert.Equal(t, "staged", popBody(t, b.Manager(), "q"))
	assert.Equal(t, 0, b.Registry().Len())
}

func TestDistributedTransactionAcks(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, _ := newTestChannel(t, b)
	declareQueue(t, ch, "q")
	publish(t, ch, "", "q", "1")
	publish(t, ch, "", "q", "2")
	require.NoError(t, ch.SetDistributedTransactional())

	commitXid := toXid(testXid("commit"))
	require.NoError(t, ch.StartDtx(commitXid, false, false))
	_, err := ch.Get("q", false)
	require.NoError(t, err)
	require.NoError(t, ch.Acknowledge(1, false))
	assert.Equal(t, 1, ch.View().Marked)
	require.NoError(t, ch.EndDtx(commitXid, false, false))
	require.NoError(t, ch.CommitDtx(commitXid, true))
	v := ch.View()
	assert.Equal(t, 0, v.Marked)
	assert.Equal(t, 0, v.Unacked)

	rollbackXid := toXid(testXid("rollback"))
	require.NoError(t, ch.StartDtx(rollbackXid, false, false))
	_, err = ch.Get("q", false)
	require.NoError(t, err)
	require.NoError(t, ch.Acknowledge(2, false))
	require.NoError(t, ch.EndDtx(rollbackXid, false, false))
	require.NoError(t, ch.RollbackDtx(rollbackXid))
	v = ch.View()
	assert.Equal(t, 0, v.Marked)
	assert.Equal(t, 1, v.Unacked)
}

func TestDistributedAcksSettledByAnotherChannel(t *testing.T) {
	cases := []struct {
		name       string
		commit     bool
		closeFirst bool
		unacked    int
		queued     int
	}{
		{name: "commit", commit: true, unacked: 0, queued: 0},
		{name: "rollback", commit: false, unacked: 1, queued: 1},
		{name: "commit after close", commit: true, closeFirst: true, queued: 0},
		{name: "rollback after close", commit: false, closeFirst: true, queued: 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestBroker(t, DefaultConfig())
			ch, _ := newTestChannel(t, b)
			other := newChannel(b, &frameRecorder{frameMax: defaultFrameMax}, 2, "test-conn-2", "guest")
			t.Cleanup(other.Close)

			declareQueue(t, ch, "q")
			publish(t, ch, "", "q", "1")
			require.NoError(t, ch.SetDistributedTransactional())
			require.NoError(t, other.SetDistributedTransactional())

			xid := toXid(testXid("shared-" + tc.name))
			require.NoError(t, ch.StartDtx(xid, false, false))
			_, err := ch.Get("q", false)
			require.NoError(t, err)
			require.NoError(t, ch.Acknowledge(1, false))
			require.NoError(t, ch.EndDtx(xid, false, false))
			if tc.closeFirst {
				ch.Close()
				assert.Equal(t, 0, b.Manager().Queue("q").Len(), "acknowledgments held by a branch are not requeued")
			}

			require.NoError(t, other.StartDtx(xid, true, false))
			require.NoError(t, other.EndDtx(xid, false, false))
			if tc.commit {
				require.NoError(t, other.CommitDtx(xid, true))
			} else {
				require.NoError(t, other.RollbackDtx(xid))
			}

			if !tc.closeFirst {
				v := ch.View()
				assert.Equal(t, 0, v.Marked)
				assert.Equal(t, tc.unacked, v.Unacked)
				if tc.commit {
					require.NoError(t, ch.SetLocalTransactional(), "no acknowledgments left to settle")
				}
				ch.Close()
			}
			assert.Equal(t, tc.queued, b.Manager().Queue("q").Len())
		})
	}
}

func TestExpiredBranchRestoresAcks(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, _ := newTestChannel(t, b)
	declareQueue(t, ch, "q")
	publish(t, ch, "", "q", "1")
	require.NoError(t, ch.SetDistributedTransactional())

	xid := toXid(testXid("expired"))
	require.NoError(t, ch.StartDtx(xid, false, false))
	_, err := ch.Get("q", false)
	require.NoError(t, err)
	require.NoError(t, ch.Acknowledge(1, false))
	require.NoError(t, ch.SetDtxTimeout(xid, time.Millisecond))
	require.NoError(t, ch.EndDtx(xid, false, false))
	time.Sleep(20 * time.Millisecond)

	assert.ErrorIs(t, ch.CommitDtx(xid, true), transaction.ErrValidation)
	v := ch.View()
	assert.Equal(t, 0, v.Marked)
	assert.Equal(t, 1, v.Unacked)
	assert.Equal(t, 0, b.Registry().Len())
}

func TestDistributedTransactionOutsideBlock(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, _ := newTestChannel(t, b)
	declareQueue(t, ch, "q")
	require.NoError(t, ch.SetDistributedTransactional())

	publish(t, ch, "", "q", "direct")
	assert.Equal(t, 1, b.Manager().Queue("q").Len())

	_, err := ch.Get("q", false)
	require.NoError(t, err)
	require.NoError(t, ch.Acknowledge(1, false))
	v := ch.View()
	assert.Equal(t, 0, v.Unacked)
	assert.Equal(t, 0, v.Marked)
}

func TestDistributedTransactionErrors(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, _ := newTestChannel(t, b)
	xid := toXid(testXid("errors"))

	err := ch.StartDtx(xid, false, false)
	assert.Equal(t, codec.PreconditionFailed, amqpError(err).Code, "dtx.start before dtx.select")

	require.NoError(t, ch.SetDistributedTransactional())
	require.NoError(t, ch.StartDtx(xid, false, false))

	err = ch.StartDtx(xid, false, false)
	assert.ErrorIs(t, err, transaction.ErrValidation)
	err = ch.handleMethod(&codec.DtxStart{XidArgs: testXid("errors")})
	assert.Equal(t, codec.PreconditionFailed, replyCode(t, err))

	err = ch.StartDtx(toXid(testXid("unknown")), true, false)
	assert.ErrorIs(t, err, transaction.ErrValidation)

	err = ch.PrepareDtx(xid)
	assert.ErrorIs(t, err, transaction.ErrValidation, "prepare while associated")

	require.NoError(t, ch.EndDtx(xid, true, false))
	err = ch.CommitDtx(xid, true)
	assert.ErrorIs(t, err, transaction.ErrValidation, "commit of a rollback-only branch")
	require.NoError(t, ch.RollbackDtx(xid))
	assert.Equal(t, 0, b.Registry().Len())
}

func TestDistributedTimeoutAndRecover(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	ch, rec := newTestChannel(t, b)
	args := testXid("timeout")
	xid := toXid(args)
	require.NoError(t, ch.SetDistributedTransactional())
	require.NoError(t, ch.StartDtx(xid, false, false))

	require.NoError(t, ch.handleMethod(&codec.DtxSetTimeout{XidArgs: args, Timeout: 30}))
	require.NoError(t, ch.handleMethod(&codec.DtxGetTimeout{XidArgs: args}))
	got := methodsOf[*codec.DtxGetTimeoutOk](rec)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(30), got[0].Timeout)

	require.NoError(t, ch.EndDtx(xid, false, false))
	require.NoError(t, ch.PrepareDtx(xid))
	require.NoError(t, ch.handleMethod(&codec.DtxRecover{}))
	recovered := methodsOf[*codec.DtxRecoverOk](rec)
	require.Len(t, recovered, 1)
	require.Len(t, recovered[0].Xids, 1)
	assert.Equal(t, []byte("timeout"), recovered[0].Xids[0].GlobalID)

	require.NoError(t, ch.CommitDtx(xid, false))
}
