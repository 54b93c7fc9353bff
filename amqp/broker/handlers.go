// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"fmt"
	"time"

	"github.com/absmach/amqpd/amqp/codec"
	"github.com/absmach/amqpd/amqp/transaction"
	"github.com/absmach/amqpd/queue"
)

// handleMethod executes one method frame received on the channel. The
// returned error is always an *codec.Error carrying the failing method.
func (ch *Channel) handleMethod(m codec.Method) error {
	classID, methodID := m.ID()
	if _, ok := m.(*codec.BasicPublish); !ok && !ch.agg.Idle() {
		ch.agg.Reset()
		return channelErr(codec.UnexpectedFrame,
			fmt.Sprintf("expected content frames, got method %d.%d", classID, methodID)).WithMethod(classID, methodID)
	}
	if err := ch.dispatch(m); err != nil {
		e := amqpError(err)
		if e.ClassID == 0 {
			e.WithMethod(classID, methodID)
		}
		return e
	}
	return nil
}

func (ch *Channel) dispatch(m codec.Method) error {
	switch m := m.(type) {
	case *codec.ChannelFlow:
		ch.SetFlow(m.Active)
		return ch.reply(&codec.ChannelFlowOk{Active: m.Active})
	case *codec.ChannelFlowOk:
		return nil

	case *codec.ExchangeDeclare:
		if err := ch.DeclareExchange(m.Exchange, m.Type, m.Passive, m.Durable, m.AutoDelete, m.Internal); err != nil {
			return err
		}
		return ch.replyUnlessNoWait(m.NoWait, &codec.ExchangeDeclareOk{})
	case *codec.ExchangeDelete:
		if err := ch.DeleteExchange(m.Exchange, m.IfUnused); err != nil {
			return err
		}
		return ch.replyUnlessNoWait(m.NoWait, &codec.ExchangeDeleteOk{})

	case *codec.QueueDeclare:
		info, err := ch.DeclareQueue(queue.QueueOptions{
			Name:       m.Queue,
			Passive:    m.Passive,
			Durable:    m.Durable,
			Exclusive:  m.Exclusive,
			AutoDelete: m.AutoDelete,
			Arguments:  m.Arguments,
		})
		if err != nil {
			return err
		}
		return ch.replyUnlessNoWait(m.NoWait, &codec.QueueDeclareOk{
			Queue:         info.Name,
			MessageCount:  info.Messages,
			ConsumerCount: info.Consumers,
		})
	case *codec.QueueBind:
		if err := ch.Bind(m.Queue, m.Exchange, m.RoutingKey, m.Arguments); err != nil {
			return err
		}
		return ch.replyUnlessNoWait(m.NoWait, &codec.QueueBindOk{})
	case *codec.QueueUnbind:
		if err := ch.Unbind(m.Queue, m.Exchange, m.RoutingKey, m.Arguments); err != nil {
			return err
		}
		return ch.reply(&codec.QueueUnbindOk{})
	case *codec.QueuePurge:
		n, err := ch.PurgeQueue(m.Queue)
		if err != nil {
			return err
		}
		return ch.replyUnlessNoWait(m.NoWait, &codec.QueuePurgeOk{MessageCount: n})
	case *codec.QueueDelete:
		n, err := ch.DeleteQueue(m.Queue, m.IfUnused, m.IfEmpty)
		if err != nil {
			return err
		}
		return ch.replyUnlessNoWait(m.NoWait, &codec.QueueDeleteOk{MessageCount: n})

	case *codec.BasicQos:
		ch.SetPrefetch(m.PrefetchCount)
		return ch.reply(&codec.BasicQosOk{})
	case *codec.BasicConsume:
		_, err := ch.consume(m.Queue, m.ConsumerTag, m.Exclusive, m.NoAck, func(c *Consumer) error {
			return ch.replyUnlessNoWait(m.NoWait, &codec.BasicConsumeOk{ConsumerTag: c.Tag})
		})
		return err
	case *codec.BasicCancel:
		if err := ch.Cancel(m.ConsumerTag); err != nil {
			return err
		}
		return ch.replyUnlessNoWait(m.NoWait, &codec.BasicCancelOk{ConsumerTag: m.ConsumerTag})
	case *codec.BasicPublish:
		return ch.agg.PublishReceived(m.Exchange, m.RoutingKey, m.Mandatory)
	case *codec.BasicGet:
		_, err := ch.Get(m.Queue, m.NoAck)
		return err
	case *codec.BasicAck:
		return ch.Acknowledge(m.DeliveryTag, m.Multiple)
	case *codec.BasicReject:
		return ch.Reject(m.DeliveryTag, m.Requeue)
	case *codec.BasicNack:
		return ch.Nack(m.DeliveryTag, m.Multiple, m.Requeue)
	case *codec.BasicRecover:
		ch.Recover(m.Requeue)
		return ch.reply(&codec.BasicRecoverOk{})
	case *codec.BasicRecoverAsync:
		ch.Recover(m.Requeue)
		return nil

	case *codec.ConfirmSelect:
		if err := ch.SelectConfirm(); err != nil {
			return err
		}
		return ch.replyUnlessNoWait(m.NoWait, &codec.ConfirmSelectOk{})

	case *codec.TxSelect:
		if err := ch.SetLocalTransactional(); err != nil {
			return err
		}
		return ch.reply(&codec.TxSelectOk{})
	case *codec.TxCommit:
		if err := ch.Commit(); err != nil {
			return err
		}
		return ch.reply(&codec.TxCommitOk{})
	case *codec.TxRollback:
		if err := ch.Rollback(); err != nil {
			return err
		}
		return ch.reply(&codec.TxRollbackOk{})

	case *codec.DtxSelect:
		if err := ch.SetDistributedTransactional(); err != nil {
			return err
		}
		return ch.reply(&codec.DtxSelectOk{})
	case *codec.DtxStart:
		if err := ch.StartDtx(toXid(m.XidArgs), m.Join, m.Resume); err != nil {
			return err
		}
		return ch.reply(&codec.DtxStartOk{XaReply: codec.XaReply{XaResult: codec.XaOK}})
	case *codec.DtxEnd:
		if err := ch.EndDtx(toXid(m.XidArgs), m.Fail, m.Suspend); err != nil {
			return err
		}
		result := codec.XaOK
		if m.Fail {
			result = codec.XaRBRollback
		}
		return ch.reply(&codec.DtxEndOk{XaReply: codec.XaReply{XaResult: result}})
	case *codec.DtxPrepare:
		if err := ch.PrepareDtx(toXid(m.XidArgs)); err != nil {
			return err
		}
		return ch.reply(&codec.DtxPrepareOk{XaReply: codec.XaReply{XaResult: codec.XaOK}})
	case *codec.DtxCommit:
		if err := ch.CommitDtx(toXid(m.XidArgs), m.OnePhase); err != nil {
			return err
		}
		return ch.reply(&codec.DtxCommitOk{XaReply: codec.XaReply{XaResult: codec.XaOK}})
	case *codec.DtxRollback:
		if err := ch.RollbackDtx(toXid(m.XidArgs)); err != nil {
			return err
		}
		return ch.reply(&codec.DtxRollbackOk{XaReply: codec.XaReply{XaResult: codec.XaOK}})
	case *codec.DtxForget:
		if err := ch.ForgetDtx(toXid(m.XidArgs)); err != nil {
			return err
		}
		return ch.reply(&codec.DtxForgetOk{})
	case *codec.DtxSetTimeout:
		if err := ch.SetDtxTimeout(toXid(m.XidArgs), time.Duration(m.Timeout)*time.Second); err != nil {
			return err
		}
		return ch.reply(&codec.DtxSetTimeoutOk{})
	case *codec.DtxGetTimeout:
		d, err := ch.DtxTimeout(toXid(m.XidArgs))
		if err != nil {
			return err
		}
		return ch.reply(&codec.DtxGetTimeoutOk{Timeout: uint64(d / time.Second)})
	case *codec.DtxRecover:
		xids, err := ch.RecoverDtx()
		if err != nil {
			return err
		}
		ok := &codec.DtxRecoverOk{Xids: make([]codec.XidArgs, 0, len(xids))}
		for _, x := range xids {
			ok.Xids = append(ok.Xids, codec.XidArgs{Format: x.Format, GlobalID: x.GlobalID, BranchID: x.BranchID})
		}
		return ch.reply(ok)
	}

	classID, methodID := m.ID()
	return channelErr(codec.NotImplemented, fmt.Sprintf("method %d.%d not supported on a channel", classID, methodID))
}

func (ch *Channel) replyUnlessNoWait(noWait bool, m codec.Method) error {
	if noWait {
		return nil
	}
	return ch.reply(m)
}

// handleHeader feeds a content header to the aggregator.
func (ch *Channel) handleHeader(h *codec.ContentHeader) error {
	done, err := ch.agg.HeaderReceived(h)
	if err != nil {
		return err
	}
	if done {
		return ch.publishComplete()
	}
	return nil
}

// handleBody feeds a body frame to the aggregator.
func (ch *Channel) handleBody(data []byte) error {
	done, err := ch.agg.BodyReceived(data)
	if err != nil {
		return err
	}
	if done {
		return ch.publishComplete()
	}
	return nil
}

func (ch *Channel) publishComplete() error {
	msg, mandatory := ch.agg.Pop()
	if msg == nil {
		return nil
	}
	if err := ch.Publish(msg, mandatory); err != nil {
		e := amqpError(err)
		if e.ClassID == 0 {
			e.WithMethod(codec.ClassBasic, codec.MethodBasicPublish)
		}
		return e
	}
	return nil
}

func toXid(x codec.XidArgs) transaction.Xid {
	return transaction.Xid{Format: x.Format, GlobalID: x.GlobalID, BranchID: x.BranchID}
}
