// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/absmach/amqpd/internal/bufpool"
)

// FrameOverhead is the number of bytes a frame adds around its payload.
const FrameOverhead = 8

// Frame is a single AMQP frame.
type Frame struct {
	Type    byte
	Channel uint16
	Payload []byte
}

// ReadFrame reads one frame. A frameMax of zero disables the size check.
func ReadFrame(r io.Reader, frameMax uint32) (*Frame, error) {
	var hdr [7]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(hdr[3:7])
	if frameMax > 0 && uint64(size)+FrameOverhead > uint64(frameMax) {
		return nil, decodeErr(FrameError, "frame size %d exceeds negotiated maximum %d", size, frameMax)
	}

	payload := make([]byte, int(size)+1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	if payload[size] != FrameEnd {
		return nil, NewErr(FrameError, "malformed frame: incorrect frame-end marker", ErrFrameDecoding)
	}

	return &Frame{
		Type:    hdr[0],
		Channel: binary.BigEndian.Uint16(hdr[1:3]),
		Payload: payload[:size],
	}, nil
}

// WriteFrame writes the frame to w.
func (f *Frame) WriteFrame(w io.Writer) error {
	var hdr [7]byte
	hdr[0] = f.Type
	binary.BigEndian.PutUint16(hdr[1:3], f.Channel)
	binary.BigEndian.PutUint32(hdr[3:7], uint32(len(f.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(f.Payload); err != nil {
		return err
	}
	_, err := w.Write([]byte{FrameEnd})
	return err
}

// Decode interprets the payload according to the frame type. Method frames
// return a Method, header frames a *ContentHeader, body frames the raw
// payload and heartbeats nil.
func (f *Frame) Decode() (any, error) {
	switch f.Type {
	case FrameMethod:
		return DecodeMethod(f.Payload)
	case FrameHeader:
		return DecodeContentHeader(f.Payload)
	case FrameBody:
		return f.Payload, nil
	case FrameHeartbeat:
		return nil, nil
	default:
		return nil, decodeErr(FrameError, "unknown frame type %d", f.Type)
	}
}

type methodKey struct {
	class  uint16
	method uint16
}

var methodRegistry = map[methodKey]func() Method{
	{ClassConnection, MethodConnectionStart}:     func() Method { return &ConnectionStart{} },
	{ClassConnection, MethodConnectionStartOk}:   func() Method { return &ConnectionStartOk{} },
	{ClassConnection, MethodConnectionSecure}:    func() Method { return &ConnectionSecure{} },
	{ClassConnection, MethodConnectionSecureOk}:  func() Method { return &ConnectionSecureOk{} },
	{ClassConnection, MethodConnectionTune}:      func() Method { return &ConnectionTune{} },
	{ClassConnection, MethodConnectionTuneOk}:    func() Method { return &ConnectionTuneOk{} },
	{ClassConnection, MethodConnectionOpen}:      func() Method { return &ConnectionOpen{} },
	{ClassConnection, MethodConnectionOpenOk}:    func() Method { return &ConnectionOpenOk{} },
	{ClassConnection, MethodConnectionClose}:     func() Method { return &ConnectionClose{} },
	{ClassConnection, MethodConnectionCloseOk}:   func() Method { return &ConnectionCloseOk{} },
	{ClassConnection, MethodConnectionBlocked}:   func() Method { return &ConnectionBlocked{} },
	{ClassConnection, MethodConnectionUnblocked}: func() Method { return &ConnectionUnblocked{} },

	{ClassChannel, MethodChannelOpen}:    func() Method { return &ChannelOpen{} },
	{ClassChannel, MethodChannelOpenOk}:  func() Method { return &ChannelOpenOk{} },
	{ClassChannel, MethodChannelFlow}:    func() Method { return &ChannelFlow{} },
	{ClassChannel, MethodChannelFlowOk}:  func() Method { return &ChannelFlowOk{} },
	{ClassChannel, MethodChannelClose}:   func() Method { return &ChannelClose{} },
	{ClassChannel, MethodChannelCloseOk}: func() Method { return &ChannelCloseOk{} },

	{ClassExchange, MethodExchangeDeclare}:   func() Method { return &ExchangeDeclare{} },
	{ClassExchange, MethodExchangeDeclareOk}: func() Method { return &ExchangeDeclareOk{} },
	{ClassExchange, MethodExchangeDelete}:    func() Method { return &ExchangeDelete{} },
	{ClassExchange, MethodExchangeDeleteOk}:  func() Method { return &ExchangeDeleteOk{} },

	{ClassQueue, MethodQueueDeclare}:   func() Method { return &QueueDeclare{} },
	{ClassQueue, MethodQueueDeclareOk}: func() Method { return &QueueDeclareOk{} },
	{ClassQueue, MethodQueueBind}:      func() Method { return &QueueBind{} },
	{ClassQueue, MethodQueueBindOk}:    func() Method { return &QueueBindOk{} },
	{ClassQueue, MethodQueuePurge}:     func() Method { return &QueuePurge{} },
	{ClassQueue, MethodQueuePurgeOk}:   func() Method { return &QueuePurgeOk{} },
	{ClassQueue, MethodQueueDelete}:    func() Method { return &QueueDelete{} },
	{ClassQueue, MethodQueueDeleteOk}:  func() Method { return &QueueDeleteOk{} },
	{ClassQueue, MethodQueueUnbind}:    func() Method { return &QueueUnbind{} },
	{ClassQueue, MethodQueueUnbindOk}:  func() Method { return &QueueUnbindOk{} },

	{ClassBasic, MethodBasicQos}:          func() Method { return &BasicQos{} },
	{ClassBasic, MethodBasicQosOk}:        func() Method { return &BasicQosOk{} },
	{ClassBasic, MethodBasicConsume}:      func() Method { return &BasicConsume{} },
	{ClassBasic, MethodBasicConsumeOk}:    func() Method { return &BasicConsumeOk{} },
	{ClassBasic, MethodBasicCancel}:       func() Method { return &BasicCancel{} },
	{ClassBasic, MethodBasicCancelOk}:     func() Method { return &BasicCancelOk{} },
	{ClassBasic, MethodBasicPublish}:      func() Method { return &BasicPublish{} },
	{ClassBasic, MethodBasicReturn}:       func() Method { return &BasicReturn{} },
	{ClassBasic, MethodBasicDeliver}:      func() Method { return &BasicDeliver{} },
	{ClassBasic, MethodBasicGet}:          func() Method { return &BasicGet{} },
	{ClassBasic, MethodBasicGetOk}:        func() Method { return &BasicGetOk{} },
	{ClassBasic, MethodBasicGetEmpty}:     func() Method { return &BasicGetEmpty{} },
	{ClassBasic, MethodBasicAck}:          func() Method { return &BasicAck{} },
	{ClassBasic, MethodBasicReject}:       func() Method { return &BasicReject{} },
	{ClassBasic, MethodBasicRecoverAsync}: func() Method { return &BasicRecoverAsync{} },
	{ClassBasic, MethodBasicRecover}:      func() Method { return &BasicRecover{} },
	{ClassBasic, MethodBasicRecoverOk}:    func() Method { return &BasicRecoverOk{} },
	{ClassBasic, MethodBasicNack}:         func() Method { return &BasicNack{} },

	{ClassConfirm, MethodConfirmSelect}:   func() Method { return &ConfirmSelect{} },
	{ClassConfirm, MethodConfirmSelectOk}: func() Method { return &ConfirmSelectOk{} },

	{ClassTx, MethodTxSelect}:     func() Method { return &TxSelect{} },
	{ClassTx, MethodTxSelectOk}:   func() Method { return &TxSelectOk{} },
	{ClassTx, MethodTxCommit}:     func() Method { return &TxCommit{} },
	{ClassTx, MethodTxCommitOk}:   func() Method { return &TxCommitOk{} },
	{ClassTx, MethodTxRollback}:   func() Method { return &TxRollback{} },
	{ClassTx, MethodTxRollbackOk}: func() Method { return &TxRollbackOk{} },

	{ClassDtx, MethodDtxSelect}:       func() Method { return &DtxSelect{} },
	{ClassDtx, MethodDtxSelectOk}:     func() Method { return &DtxSelectOk{} },
	{ClassDtx, MethodDtxStart}:        func() Method { return &DtxStart{} },
	{ClassDtx, MethodDtxStartOk}:      func() Method { return &DtxStartOk{} },
	{ClassDtx, MethodDtxEnd}:          func() Method { return &DtxEnd{} },
	{ClassDtx, MethodDtxEndOk}:        func() Method { return &DtxEndOk{} },
	{ClassDtx, MethodDtxCommit}:       func() Method { return &DtxCommit{} },
	{ClassDtx, MethodDtxCommitOk}:     func() Method { return &DtxCommitOk{} },
	{ClassDtx, MethodDtxForget}:       func() Method { return &DtxForget{} },
	{ClassDtx, MethodDtxForgetOk}:     func() Method { return &DtxForgetOk{} },
	{ClassDtx, MethodDtxGetTimeout}:   func() Method { return &DtxGetTimeout{} },
	{ClassDtx, MethodDtxGetTimeoutOk}: func() Method { return &DtxGetTimeoutOk{} },
	{ClassDtx, MethodDtxPrepare}:      func() Method { return &DtxPrepare{} },
	{ClassDtx, MethodDtxPrepareOk}:    func() Method { return &DtxPrepareOk{} },
	{ClassDtx, MethodDtxRecover}:      func() Method { return &DtxRecover{} },
	{ClassDtx, MethodDtxRecoverOk}:    func() Method { return &DtxRecoverOk{} },
	{ClassDtx, MethodDtxRollback}:     func() Method { return &DtxRollback{} },
	{ClassDtx, MethodDtxRollbackOk}:   func() Method { return &DtxRollbackOk{} },
	{ClassDtx, MethodDtxSetTimeout}:   func() Method { return &DtxSetTimeout{} },
	{ClassDtx, MethodDtxSetTimeoutOk}: func() Method { return &DtxSetTimeoutOk{} },
}

// DecodeMethod decodes a method frame payload. Unknown class or method ids
// yield a COMMAND_INVALID error; the caller closes the connection.
func DecodeMethod(payload []byte) (Method, error) {
	r := NewReader(payload)
	classID := r.Short()
	methodID := r.Short()
	if err := r.Err(); err != nil {
		return nil, err
	}

	ctor, ok := methodRegistry[methodKey{classID, methodID}]
	if !ok {
		return nil, decodeErr(CommandInvalid, "unknown method %d.%d", classID, methodID).WithMethod(classID, methodID)
	}

	m := ctor()
	m.Read(r)
	if err := r.Err(); err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, decodeErr(FrameError, "%d trailing bytes after method %d.%d", r.Len(), classID, methodID).
			WithMethod(classID, methodID)
	}
	return m, nil
}

// EncodeMethod appends the class id, method id and arguments of m to buf.
func EncodeMethod(buf *bytes.Buffer, m Method) error {
	w := NewWriter(buf)
	classID, methodID := m.ID()
	w.Short(classID)
	w.Short(methodID)
	m.Write(w)
	return w.Err()
}

// MethodFrame encodes m into a standalone method frame.
func MethodFrame(channel uint16, m Method) (*Frame, error) {
	buf := bufpool.Get()
	defer bufpool.Put(buf)
	if err := EncodeMethod(buf, m); err != nil {
		return nil, err
	}
	return &Frame{
		Type:    FrameMethod,
		Channel: channel,
		Payload: bytes.Clone(buf.Bytes()),
	}, nil
}

// HeaderFrame encodes a content header frame.
func HeaderFrame(channel uint16, h *ContentHeader) (*Frame, error) {
	buf := bufpool.Get()
	defer bufpool.Put(buf)
	if err := h.Write(buf); err != nil {
		return nil, err
	}
	return &Frame{
		Type:    FrameHeader,
		Channel: channel,
		Payload: bytes.Clone(buf.Bytes()),
	}, nil
}

// BodyFrames splits payload into body frames that fit within frameMax.
// An empty payload produces no frames.
func BodyFrames(channel uint16, payload []byte, frameMax uint32) []*Frame {
	maxBody := len(payload)
	if frameMax > FrameOverhead {
		maxBody = int(frameMax) - FrameOverhead
	}
	var frames []*Frame
	for offset := 0; offset < len(payload); {
		end := min(offset+maxBody, len(payload))
		frames = append(frames, &Frame{
			Type:    FrameBody,
			Channel: channel,
			Payload: payload[offset:end],
		})
		offset = end
	}
	return frames
}

// HeartbeatFrame returns a heartbeat frame on channel 0.
func HeartbeatFrame() *Frame {
	return &Frame{Type: FrameHeartbeat}
}
