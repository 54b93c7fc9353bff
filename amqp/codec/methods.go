// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

// Class IDs.
const (
	ClassConnection = 10
	ClassChannel    = 20
	ClassExchange   = 40
	ClassQueue      = 50
	ClassBasic      = 60
	ClassConfirm    = 85
	ClassTx         = 90
	ClassDtx        = 100
)

// Connection methods.
const (
	MethodConnectionStart     = 10
	MethodConnectionStartOk   = 11
	MethodConnectionSecure    = 20
	MethodConnectionSecureOk  = 21
	MethodConnectionTune      = 30
	MethodConnectionTuneOk    = 31
	MethodConnectionOpen      = 40
	MethodConnectionOpenOk    = 41
	MethodConnectionClose     = 50
	MethodConnectionCloseOk   = 51
	MethodConnectionBlocked   = 60
	MethodConnectionUnblocked = 61
)

// Channel methods.
const (
	MethodChannelOpen    = 10
	MethodChannelOpenOk  = 11
	MethodChannelFlow    = 20
	MethodChannelFlowOk  = 21
	MethodChannelClose   = 40
	MethodChannelCloseOk = 41
)

// Exchange methods.
const (
	MethodExchangeDeclare   = 10
	MethodExchangeDeclareOk = 11
	MethodExchangeDelete    = 20
	MethodExchangeDeleteOk  = 21
)

// Queue methods.
const (
	MethodQueueDeclare   = 10
	MethodQueueDeclareOk = 11
	MethodQueueBind      = 20
	MethodQueueBindOk    = 21
	MethodQueuePurge     = 30
	MethodQueuePurgeOk   = 31
	MethodQueueDelete    = 40
	MethodQueueDeleteOk  = 41
	MethodQueueUnbind    = 50
	MethodQueueUnbindOk  = 51
)

// Basic methods.
const (
	MethodBasicQos          = 10
	MethodBasicQosOk        = 11
	MethodBasicConsume      = 20
	MethodBasicConsumeOk    = 21
	MethodBasicCancel       = 30
	MethodBasicCancelOk     = 31
	MethodBasicPublish      = 40
	MethodBasicReturn       = 50
	MethodBasicDeliver      = 60
	MethodBasicGet          = 70
	MethodBasicGetOk        = 71
	MethodBasicGetEmpty     = 72
	MethodBasicAck          = 80
	MethodBasicReject       = 90
	MethodBasicRecoverAsync = 100
	MethodBasicRecover      = 110
	MethodBasicRecoverOk    = 111
	MethodBasicNack         = 120
)

// Confirm and Tx methods.
const (
	MethodConfirmSelect   = 10
	MethodConfirmSelectOk = 11

	MethodTxSelect     = 10
	MethodTxSelectOk   = 11
	MethodTxCommit     = 20
	MethodTxCommitOk   = 21
	MethodTxRollback   = 30
	MethodTxRollbackOk = 31
)

// Method is a decoded AMQP method frame argument list.
type Method interface {
	// ID returns the class and method ids.
	ID() (classID, methodID uint16)
	Read(r *Reader)
	Write(w *Writer)
}

// Connection

type ConnectionStart struct {
	VersionMajor     byte
	VersionMinor     byte
	ServerProperties Table
	Mechanisms       string
	Locales          string
}

func (*ConnectionStart) ID() (uint16, uint16) { return ClassConnection, MethodConnectionStart }

func (m *ConnectionStart) Read(r *Reader) {
	m.VersionMajor = r.Octet()
	m.VersionMinor = r.Octet()
	m.ServerProperties = r.Table()
	m.Mechanisms = r.LongStr()
	m.Locales = r.LongStr()
}

func (m *ConnectionStart) Write(w *Writer) {
	w.Octet(m.VersionMajor)
	w.Octet(m.VersionMinor)
	w.Table(m.ServerProperties)
	w.LongStr(m.Mechanisms)
	w.LongStr(m.Locales)
}

type ConnectionStartOk struct {
	ClientProperties Table
	Mechanism        string
	Response         string
	Locale           string
}

func (*ConnectionStartOk) ID() (uint16, uint16) { return ClassConnection, MethodConnectionStartOk }

func (m *ConnectionStartOk) Read(r *Reader) {
	m.ClientProperties = r.Table()
	m.Mechanism = r.ShortStr()
	m.Response = r.LongStr()
	m.Locale = r.ShortStr()
}

func (m *ConnectionStartOk) Write(w *Writer) {
	w.Table(m.ClientProperties)
	w.ShortStr(m.Mechanism)
	w.LongStr(m.Response)
	w.ShortStr(m.Locale)
}

type ConnectionSecure struct {
	Challenge string
}

func (*ConnectionSecure) ID() (uint16, uint16) { return ClassConnection, MethodConnectionSecure }
func (m *ConnectionSecure) Read(r *Reader)     { m.Challenge = r.LongStr() }
func (m *ConnectionSecure) Write(w *Writer)    { w.LongStr(m.Challenge) }

type ConnectionSecureOk struct {
	Response string
}

func (*ConnectionSecureOk) ID() (uint16, uint16) { return ClassConnection, MethodConnectionSecureOk }
func (m *ConnectionSecureOk) Read(r *Reader)     { m.Response = r.LongStr() }
func (m *ConnectionSecureOk) Write(w *Writer)    { w.LongStr(m.Response) }

type ConnectionTune struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

func (*ConnectionTune) ID() (uint16, uint16) { return ClassConnection, MethodConnectionTune }

func (m *ConnectionTune) Read(r *Reader) {
	m.ChannelMax = r.Short()
	m.FrameMax = r.Long()
	m.Heartbeat = r.Short()
}

func (m *ConnectionTune) Write(w *Writer) {
	w.Short(m.ChannelMax)
	w.Long(m.FrameMax)
	w.Short(m.Heartbeat)
}

type ConnectionTuneOk struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

func (*ConnectionTuneOk) ID() (uint16, uint16) { return ClassConnection, MethodConnectionTuneOk }

func (m *ConnectionTuneOk) Read(r *Reader) {
	m.ChannelMax = r.Short()
	m.FrameMax = r.Long()
	m.Heartbeat = r.Short()
}

func (m *ConnectionTuneOk) Write(w *Writer) {
	w.Short(m.ChannelMax)
	w.Long(m.FrameMax)
	w.Short(m.Heartbeat)
}

type ConnectionOpen struct {
	VirtualHost  string
	Capabilities string
	Insist       bool
}

func (*ConnectionOpen) ID() (uint16, uint16) { return ClassConnection, MethodConnectionOpen }

func (m *ConnectionOpen) Read(r *Reader) {
	m.VirtualHost = r.ShortStr()
	m.Capabilities = r.ShortStr()
	m.Insist = bit(r.Octet(), 0)
}

func (m *ConnectionOpen) Write(w *Writer) {
	w.ShortStr(m.VirtualHost)
	w.ShortStr(m.Capabilities)
	w.Octet(packBits(m.Insist))
}

type ConnectionOpenOk struct {
	KnownHosts string
}

func (*ConnectionOpenOk) ID() (uint16, uint16) { return ClassConnection, MethodConnectionOpenOk }
func (m *ConnectionOpenOk) Read(r *Reader)     { m.KnownHosts = r.ShortStr() }
func (m *ConnectionOpenOk) Write(w *Writer)    { w.ShortStr(m.KnownHosts) }

type ConnectionClose struct {
	ReplyCode uint16
	ReplyText string
	ClassID   uint16
	MethodID  uint16
}

func (*ConnectionClose) ID() (uint16, uint16) { return ClassConnection, MethodConnectionClose }

func (m *ConnectionClose) Read(r *Reader) {
	m.ReplyCode = r.Short()
	m.ReplyText = r.ShortStr()
	m.ClassID = r.Short()
	m.MethodID = r.Short()
}

func (m *ConnectionClose) Write(w *Writer) {
	w.Short(m.ReplyCode)
	w.ShortStr(m.ReplyText)
	w.Short(m.ClassID)
	w.Short(m.MethodID)
}

type ConnectionCloseOk struct{}

func (*ConnectionCloseOk) ID() (uint16, uint16) { return ClassConnection, MethodConnectionCloseOk }
func (*ConnectionCloseOk) Read(*Reader)         {}
func (*ConnectionCloseOk) Write(*Writer)        {}

type ConnectionBlocked struct {
	Reason string
}

func (*ConnectionBlocked) ID() (uint16, uint16) { return ClassConnection, MethodConnectionBlocked }
func (m *ConnectionBlocked) Read(r *Reader)     { m.Reason = r.ShortStr() }
func (m *ConnectionBlocked) Write(w *Writer)    { w.ShortStr(m.Reason) }

type ConnectionUnblocked struct{}

func (*ConnectionUnblocked) ID() (uint16, uint16) { return ClassConnection, MethodConnectionUnblocked }
func (*ConnectionUnblocked) Read(*Reader)         {}
func (*ConnectionUnblocked) Write(*Writer)        {}

// Channel

type ChannelOpen struct {
	OutOfBand string
}

func (*ChannelOpen) ID() (uint16, uint16) { return ClassChannel, MethodChannelOpen }
func (m *ChannelOpen) Read(r *Reader)     { m.OutOfBand = r.ShortStr() }
func (m *ChannelOpen) Write(w *Writer)    { w.ShortStr(m.OutOfBand) }

type ChannelOpenOk struct {
	ChannelID string
}

func (*ChannelOpenOk) ID() (uint16, uint16) { return ClassChannel, MethodChannelOpenOk }
func (m *ChannelOpenOk) Read(r *Reader)     { m.ChannelID = r.LongStr() }
func (m *ChannelOpenOk) Write(w *Writer)    { w.LongStr(m.ChannelID) }

type ChannelFlow struct {
	Active bool
}

func (*ChannelFlow) ID() (uint16, uint16) { return ClassChannel, MethodChannelFlow }
func (m *ChannelFlow) Read(r *Reader)     { m.Active = bit(r.Octet(), 0) }
func (m *ChannelFlow) Write(w *Writer)    { w.Octet(packBits(m.Active)) }

type ChannelFlowOk struct {
	Active bool
}

func (*ChannelFlowOk) ID() (uint16, uint16) { return ClassChannel, MethodChannelFlowOk }
func (m *ChannelFlowOk) Read(r *Reader)     { m.Active = bit(r.Octet(), 0) }
func (m *ChannelFlowOk) Write(w *Writer)    { w.Octet(packBits(m.Active)) }

type ChannelClose struct {
	ReplyCode uint16
	ReplyText string
	ClassID   uint16
	MethodID  uint16
}

func (*ChannelClose) ID() (uint16, uint16) { return ClassChannel, MethodChannelClose }

func (m *ChannelClose) Read(r *Reader) {
	m.ReplyCode = r.Short()
	m.ReplyText = r.ShortStr()
	m.ClassID = r.Short()
	m.MethodID = r.Short()
}

func (m *ChannelClose) Write(w *Writer) {
	w.Short(m.ReplyCode)
	w.ShortStr(m.ReplyText)
	w.Short(m.ClassID)
	w.Short(m.MethodID)
}

type ChannelCloseOk struct{}

func (*ChannelCloseOk) ID() (uint16, uint16) { return ClassChannel, MethodChannelCloseOk }
func (*ChannelCloseOk) Read(*Reader)         {}
func (*ChannelCloseOk) Write(*Writer)        {}

// Exchange

type ExchangeDeclare struct {
	Reserved1  uint16
	Exchange   string
	Type       string
	Passive    bool
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Arguments  Table
}

func (*ExchangeDeclare) ID() (uint16, uint16) { return ClassExchange, MethodExchangeDeclare }

func (m *ExchangeDeclare) Read(r *Reader) {
	m.Reserved1 = r.Short()
	m.Exchange = r.ShortStr()
	m.Type = r.ShortStr()
	bits := r.Octet()
	m.Passive = bit(bits, 0)
	m.Durable = bit(bits, 1)
	m.AutoDelete = bit(bits, 2)
	m.Internal = bit(bits, 3)
	m.NoWait = bit(bits, 4)
	m.Arguments = r.Table()
}

func (m *ExchangeDeclare) Write(w *Writer) {
	w.Short(m.Reserved1)
	w.ShortStr(m.Exchange)
	w.ShortStr(m.Type)
	w.Octet(packBits(m.Passive, m.Durable, m.AutoDelete, m.Internal, m.NoWait))
	w.Table(m.Arguments)
}

type ExchangeDeclareOk struct{}

func (*ExchangeDeclareOk) ID() (uint16, uint16) { return ClassExchange, MethodExchangeDeclareOk }
func (*ExchangeDeclareOk) Read(*Reader)         {}
func (*ExchangeDeclareOk) Write(*Writer)        {}

type ExchangeDelete struct {
	Reserved1 uint16
	Exchange  string
	IfUnused  bool
	NoWait    bool
}

func (*ExchangeDelete) ID() (uint16, uint16) { return ClassExchange, MethodExchangeDelete }

func (m *ExchangeDelete) Read(r *Reader) {
	m.Reserved1 = r.Short()
	m.Exchange = r.ShortStr()
	bits := r.Octet()
	m.IfUnused = bit(bits, 0)
	m.NoWait = bit(bits, 1)
}

func (m *ExchangeDelete) Write(w *Writer) {
	w.Short(m.Reserved1)
	w.ShortStr(m.Exchange)
	w.Octet(packBits(m.IfUnused, m.NoWait))
}

type ExchangeDeleteOk struct{}

func (*ExchangeDeleteOk) ID() (uint16, uint16) { return ClassExchange, MethodExchangeDeleteOk }
func (*ExchangeDeleteOk) Read(*Reader)         {}
func (*ExchangeDeleteOk) Write(*Writer)        {}

// Queue

type QueueDeclare struct {
	Reserved1  uint16
	Queue      string
	Passive    bool
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	NoWait     bool
	Arguments  Table
}

func (*QueueDeclare) ID() (uint16, uint16) { return ClassQueue, MethodQueueDeclare }

func (m *QueueDeclare) Read(r *Reader) {
	m.Reserved1 = r.Short()
	m.Queue = r.ShortStr()
	bits := r.Octet()
	m.Passive = bit(bits, 0)
	m.Durable = bit(bits, 1)
	m.Exclusive = bit(bits, 2)
	m.AutoDelete = bit(bits, 3)
	m.NoWait = bit(bits, 4)
	m.Arguments = r.Table()
}

func (m *QueueDeclare) Write(w *Writer) {
	w.Short(m.Reserved1)
	w.ShortStr(m.Queue)
	w.Octet(packBits(m.Passive, m.Durable, m.Exclusive, m.AutoDelete, m.NoWait))
	w.Table(m.Arguments)
}

type QueueDeclareOk struct {
	Queue         string
	MessageCount  uint32
	ConsumerCount uint32
}

func (*QueueDeclareOk) ID() (uint16, uint16) { return ClassQueue, MethodQueueDeclareOk }

func (m *QueueDeclareOk) Read(r *Reader) {
	m.Queue = r.ShortStr()
	m.MessageCount = r.Long()
	m.ConsumerCount = r.Long()
}

func (m *QueueDeclareOk) Write(w *Writer) {
	w.ShortStr(m.Queue)
	w.Long(m.MessageCount)
	w.Long(m.ConsumerCount)
}

type QueueBind struct {
	Reserved1  uint16
	Queue      string
	Exchange   string
	RoutingKey string
	NoWait     bool
	Arguments  Table
}

func (*QueueBind) ID() (uint16, uint16) { return ClassQueue, MethodQueueBind }

func (m *QueueBind) Read(r *Reader) {
	m.Reserved1 = r.Short()
	m.Queue = r.ShortStr()
	m.Exchange = r.ShortStr()
	m.RoutingKey = r.ShortStr()
	m.NoWait = bit(r.Octet(), 0)
	m.Arguments = r.Table()
}

func (m *QueueBind) Write(w *Writer) {
	w.Short(m.Reserved1)
	w.ShortStr(m.Queue)
	w.ShortStr(m.Exchange)
	w.ShortStr(m.RoutingKey)
	w.Octet(packBits(m.NoWait))
	w.Table(m.Arguments)
}

type QueueBindOk struct{}

func (*QueueBindOk) ID() (uint16, uint16) { return ClassQueue, MethodQueueBindOk }
func (*QueueBindOk) Read(*Reader)         {}
func (*QueueBindOk) Write(*Writer)        {}

type QueueUnbind struct {
	Reserved1  uint16
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  Table
}

func (*QueueUnbind) ID() (uint16, uint16) { return ClassQueue, MethodQueueUnbind }

func (m *QueueUnbind) Read(r *Reader) {
	m.Reserved1 = r.Short()
	m.Queue = r.ShortStr()
	m.Exchange = r.ShortStr()
	m.RoutingKey = r.ShortStr()
	m.Arguments = r.Table()
}

func (m *QueueUnbind) Write(w *Writer) {
	w.Short(m.Reserved1)
	w.ShortStr(m.Queue)
	w.ShortStr(m.Exchange)
	w.ShortStr(m.RoutingKey)
	w.Table(m.Arguments)
}

type QueueUnbindOk struct{}

func (*QueueUnbindOk) ID() (uint16, uint16) { return ClassQueue, MethodQueueUnbindOk }
func (*QueueUnbindOk) Read(*Reader)         {}
func (*QueueUnbindOk) Write(*Writer)        {}

type QueuePurge struct {
	Reserved1 uint16
	Queue     string
	NoWait    bool
}

func (*QueuePurge) ID() (uint16, uint16) { return ClassQueue, MethodQueuePurge }

func (m *QueuePurge) Read(r *Reader) {
	m.Reserved1 = r.Short()
	m.Queue = r.ShortStr()
	m.NoWait = bit(r.Octet(), 0)
}

func (m *QueuePurge) Write(w *Writer) {
	w.Short(m.Reserved1)
	w.ShortStr(m.Queue)
	w.Octet(packBits(m.NoWait))
}

type QueuePurgeOk struct {
	MessageCount uint32
}

func (*QueuePurgeOk) ID() (uint16, uint16) { return ClassQueue, MethodQueuePurgeOk }
func (m *QueuePurgeOk) Read(r *Reader)     { m.MessageCount = r.Long() }
func (m *QueuePurgeOk) Write(w *Writer)    { w.Long(m.MessageCount) }

type QueueDelete struct {
	Reserved1 uint16
	Queue     string
	IfUnused  bool
	IfEmpty   bool
	NoWait    bool
}

func (*QueueDelete) ID() (uint16, uint16) { return ClassQueue, MethodQueueDelete }

func (m *QueueDelete) Read(r *Reader) {
	m.Reserved1 = r.Short()
	m.Queue = r.ShortStr()
	bits := r.Octet()
	m.IfUnused = bit(bits, 0)
	m.IfEmpty = bit(bits, 1)
	m.NoWait = bit(bits, 2)
}

func (m *QueueDelete) Write(w *Writer) {
	w.Short(m.Reserved1)
	w.ShortStr(m.Queue)
	w.Octet(packBits(m.IfUnused, m.IfEmpty, m.NoWait))
}

type QueueDeleteOk struct {
	MessageCount uint32
}

func (*QueueDeleteOk) ID() (uint16, uint16) { return ClassQueue, MethodQueueDeleteOk }
func (m *QueueDeleteOk) Read(r *Reader)     { m.MessageCount = r.Long() }
func (m *QueueDeleteOk) Write(w *Writer)    { w.Long(m.MessageCount) }

// Basic

type BasicQos struct {
	PrefetchSize  uint32
	PrefetchCount uint16
	Global        bool
}

func (*BasicQos) ID() (uint16, uint16) { return ClassBasic, MethodBasicQos }

func (m *BasicQos) Read(r *Reader) {
	m.PrefetchSize = r.Long()
	m.PrefetchCount = r.Short()
	m.Global = bit(r.Octet(), 0)
}

func (m *BasicQos) Write(w *Writer) {
	w.Long(m.PrefetchSize)
	w.Short(m.PrefetchCount)
	w.Octet(packBits(m.Global))
}

type BasicQosOk struct{}

func (*BasicQosOk) ID() (uint16, uint16) { return ClassBasic, MethodBasicQosOk }
func (*BasicQosOk) Read(*Reader)         {}
func (*BasicQosOk) Write(*Writer)        {}

type BasicConsume struct {
	Reserved1   uint16
	Queue       string
	ConsumerTag string
	NoLocal     bool
	NoAck       bool
	Exclusive   bool
	NoWait      bool
	Arguments   Table
}

func (*BasicConsume) ID() (uint16, uint16) { return ClassBasic, MethodBasicConsume }

func (m *BasicConsume) Read(r *Reader) {
	m.Reserved1 = r.Short()
	m.Queue = r.ShortStr()
	m.ConsumerTag = r.ShortStr()
	bits := r.Octet()
	m.NoLocal = bit(bits, 0)
	m.NoAck = bit(bits, 1)
	m.Exclusive = bit(bits, 2)
	m.NoWait = bit(bits, 3)
	m.Arguments = r.Table()
}

func (m *BasicConsume) Write(w *Writer) {
	w.Short(m.Reserved1)
	w.ShortStr(m.Queue)
	w.ShortStr(m.ConsumerTag)
	w.Octet(packBits(m.NoLocal, m.NoAck, m.Exclusive, m.NoWait))
	w.Table(m.Arguments)
}

type BasicConsumeOk struct {
	ConsumerTag string
}

func (*BasicConsumeOk) ID() (uint16, uint16) { return ClassBasic, MethodBasicConsumeOk }
func (m *BasicConsumeOk) Read(r *Reader)     { m.ConsumerTag = r.ShortStr() }
func (m *BasicConsumeOk) Write(w *Writer)    { w.ShortStr(m.ConsumerTag) }

type BasicCancel struct {
	ConsumerTag string
	NoWait      bool
}

func (*BasicCancel) ID() (uint16, uint16) { return ClassBasic, MethodBasicCancel }

func (m *BasicCancel) Read(r *Reader) {
	m.ConsumerTag = r.ShortStr()
	m.NoWait = bit(r.Octet(), 0)
}

func (m *BasicCancel) Write(w *Writer) {
	w.ShortStr(m.ConsumerTag)
	w.Octet(packBits(m.NoWait))
}

type BasicCancelOk struct {
	ConsumerTag string
}

func (*BasicCancelOk) ID() (uint16, uint16) { return ClassBasic, MethodBasicCancelOk }
func (m *BasicCancelOk) Read(r *Reader)     { m.ConsumerTag = r.ShortStr() }
func (m *BasicCancelOk) Write(w *Writer)    { w.ShortStr(m.ConsumerTag) }

type BasicPublish struct {
	Reserved1  uint16
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Immediate  bool
}

func (*BasicPublish) ID() (uint16, uint16) { return ClassBasic, MethodBasicPublish }

func (m *BasicPublish) Read(r *Reader) {
	m.Reserved1 = r.Short()
	m.Exchange = r.ShortStr()
	m.RoutingKey = r.ShortStr()
	bits := r.Octet()
	m.Mandatory = bit(bits, 0)
	m.Immediate = bit(bits, 1)
}

func (m *BasicPublish) Write(w *Writer) {
	w.Short(m.Reserved1)
	w.ShortStr(m.Exchange)
	w.ShortStr(m.RoutingKey)
	w.Octet(packBits(m.Mandatory, m.Immediate))
}

type BasicReturn struct {
	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string
}

func (*BasicReturn) ID() (uint16, uint16) { return ClassBasic, MethodBasicReturn }

func (m *BasicReturn) Read(r *Reader) {
	m.ReplyCode = r.Short()
	m.ReplyText = r.ShortStr()
	m.Exchange = r.ShortStr()
	m.RoutingKey = r.ShortStr()
}

func (m *BasicReturn) Write(w *Writer) {
	w.Short(m.ReplyCode)
	w.ShortStr(m.ReplyText)
	w.ShortStr(m.Exchange)
	w.ShortStr(m.RoutingKey)
}

type BasicDeliver struct {
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
}

func (*BasicDeliver) ID() (uint16, uint16) { return ClassBasic, MethodBasicDeliver }

func (m *BasicDeliver) Read(r *Reader) {
	m.ConsumerTag = r.ShortStr()
	m.DeliveryTag = r.LongLong()
	m.Redelivered = bit(r.Octet(), 0)
	m.Exchange = r.ShortStr()
	m.RoutingKey = r.ShortStr()
}

func (m *BasicDeliver) Write(w *Writer) {
	w.ShortStr(m.ConsumerTag)
	w.LongLong(m.DeliveryTag)
	w.Octet(packBits(m.Redelivered))
	w.ShortStr(m.Exchange)
	w.ShortStr(m.RoutingKey)
}

type BasicGet struct {
	Reserved1 uint16
	Queue     string
	NoAck     bool
}

func (*BasicGet) ID() (uint16, uint16) { return ClassBasic, MethodBasicGet }

func (m *BasicGet) Read(r *Reader) {
	m.Reserved1 = r.Short()
	m.Queue = r.ShortStr()
	m.NoAck = bit(r.Octet(), 0)
}

func (m *BasicGet) Write(w *Writer) {
	w.Short(m.Reserved1)
	w.ShortStr(m.Queue)
	w.Octet(packBits(m.NoAck))
}

type BasicGetOk struct {
	DeliveryTag  uint64
	Redelivered  bool
	Exchange     string
	RoutingKey   string
	MessageCount uint32
}

func (*BasicGetOk) ID() (uint16, uint16) { return ClassBasic, MethodBasicGetOk }

func (m *BasicGetOk) Read(r *Reader) {
	m.DeliveryTag = r.LongLong()
	m.Redelivered = bit(r.Octet(), 0)
	m.Exchange = r.ShortStr()
	m.RoutingKey = r.ShortStr()
	m.MessageCount = r.Long()
}

func (m *BasicGetOk) Write(w *Writer) {
	w.LongLong(m.DeliveryTag)
	w.Octet(packBits(m.Redelivered))
	w.ShortStr(m.Exchange)
	w.ShortStr(m.RoutingKey)
	w.Long(m.MessageCount)
}

type BasicGetEmpty struct {
	ClusterID string
}

func (*BasicGetEmpty) ID() (uint16, uint16) { return ClassBasic, MethodBasicGetEmpty }
func (m *BasicGetEmpty) Read(r *Reader)     { m.ClusterID = r.ShortStr() }
func (m *BasicGetEmpty) Write(w *Writer)    { w.ShortStr(m.ClusterID) }

type BasicAck struct {
	DeliveryTag uint64
	Multiple    bool
}

func (*BasicAck) ID() (uint16, uint16) { return ClassBasic, MethodBasicAck }

func (m *BasicAck) Read(r *Reader) {
	m.DeliveryTag = r.LongLong()
	m.Multiple = bit(r.Octet(), 0)
}

func (m *BasicAck) Write(w *Writer) {
	w.LongLong(m.DeliveryTag)
	w.Octet(packBits(m.Multiple))
}

type BasicReject struct {
	DeliveryTag uint64
	Requeue     bool
}

func (*BasicReject) ID() (uint16, uint16) { return ClassBasic, MethodBasicReject }

func (m *BasicReject) Read(r *Reader) {
	m.DeliveryTag = r.LongLong()
	m.Requeue = bit(r.Octet(), 0)
}

func (m *BasicReject) Write(w *Writer) {
	w.LongLong(m.DeliveryTag)
	w.Octet(packBits(m.Requeue))
}

type BasicNack struct {
	DeliveryTag uint64
	Multiple    bool
	Requeue     bool
}

func (*BasicNack) ID() (uint16, uint16) { return ClassBasic, MethodBasicNack }

func (m *BasicNack) Read(r *Reader) {
	m.DeliveryTag = r.LongLong()
	bits := r.Octet()
	m.Multiple = bit(bits, 0)
	m.Requeue = bit(bits, 1)
}

func (m *BasicNack) Write(w *Writer) {
	w.LongLong(m.DeliveryTag)
	w.Octet(packBits(m.Multiple, m.Requeue))
}

type BasicRecoverAsync struct {
	Requeue bool
}

func (*BasicRecoverAsync) ID() (uint16, uint16) { return ClassBasic, MethodBasicRecoverAsync }
func (m *BasicRecoverAsync) Read(r *Reader)     { m.Requeue = bit(r.Octet(), 0) }
func (m *BasicRecoverAsync) Write(w *Writer)    { w.Octet(packBits(m.Requeue)) }

type BasicRecover struct {
	Requeue bool
}

func (*BasicRecover) ID() (uint16, uint16) { return ClassBasic, MethodBasicRecover }
func (m *BasicRecover) Read(r *Reader)     { m.Requeue = bit(r.Octet(), 0) }
func (m *BasicRecover) Write(w *Writer)    { w.Octet(packBits(m.Requeue)) }

type BasicRecoverOk struct{}

func (*BasicRecoverOk) ID() (uint16, uint16) { return ClassBasic, MethodBasicRecoverOk }
func (*BasicRecoverOk) Read(*Reader)         {}
func (*BasicRecoverOk) Write(*Writer)        {}

// Confirm

type ConfirmSelect struct {
	NoWait bool
}

func (*ConfirmSelect) ID() (uint16, uint16) { return ClassConfirm, MethodConfirmSelect }
func (m *ConfirmSelect) Read(r *Reader)     { m.NoWait = bit(r.Octet(), 0) }
func (m *ConfirmSelect) Write(w *Writer)    { w.Octet(packBits(m.NoWait)) }

type ConfirmSelectOk struct{}

func (*ConfirmSelectOk) ID() (uint16, uint16) { return ClassConfirm, MethodConfirmSelectOk }
func (*ConfirmSelectOk) Read(*Reader)         {}
func (*ConfirmSelectOk) Write(*Writer)        {}

// Tx

type TxSelect struct{}

func (*TxSelect) ID() (uint16, uint16) { return ClassTx, MethodTxSelect }
func (*TxSelect) Read(*Reader)         {}
func (*TxSelect) Write(*Writer)        {}

type TxSelectOk struct{}

func (*TxSelectOk) ID() (uint16, uint16) { return ClassTx, MethodTxSelectOk }
func (*TxSelectOk) Read(*Reader)         {}
func (*TxSelectOk) Write(*Writer)        {}

type TxCommit struct{}

func (*TxCommit) ID() (uint16, uint16) { return ClassTx, MethodTxCommit }
func (*TxCommit) Read(*Reader)         {}
func (*TxCommit) Write(*Writer)        {}

type TxCommitOk struct{}

func (*TxCommitOk) ID() (uint16, uint16) { return ClassTx, MethodTxCommitOk }
func (*TxCommitOk) Read(*Reader)         {}
func (*TxCommitOk) Write(*Writer)        {}

type TxRollback struct{}

func (*TxRollback) ID() (uint16, uint16) { return ClassTx, MethodTxRollback }
func (*TxRollback) Read(*Reader)         {}
func (*TxRollback) Write(*Writer)        {}

type TxRollbackOk struct{}

func (*TxRollbackOk) ID() (uint16, uint16) { return ClassTx, MethodTxRollbackOk }
func (*TxRollbackOk) Read(*Reader)         {}
func (*TxRollbackOk) Write(*Writer)        {}
