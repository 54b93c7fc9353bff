// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/amqpd/amqp/codec"
	"github.com/google/uuid"
)

// AMQP 0.9.1 protocol header: "AMQP" followed by 0, 0, 9, 1.
var protocolHeader = []byte{'A', 'M', 'Q', 'P', 0, 0, 9, 1}

const (
	defaultFrameMax   = uint32(131072)
	defaultChannelMax = uint16(2047)
	defaultHeartbeat  = uint16(60)

	// Spec minimum; frames up to this size are always accepted.
	minFrameMax = uint32(4096)

	handshakeTimeout = 10 * time.Second
)

// errConnectionClosed ends the frame loop after a clean connection.close.
var errConnectionClosed = errors.New("connection closed by peer")

// Connection represents a single AMQP 0.9.1 client connection.
type Connection struct {
	broker *Broker
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	connID      string
	remote      string
	user        string
	virtualHost string
	frameMax    uint32
	channelMax  uint16
	heartbeat   uint16

	channels   map[uint16]*Channel
	closing    map[uint16]struct{}
	channelsMu sync.RWMutex

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeCh   chan struct{}
	closeOnce sync.Once

	logger *slog.Logger
}

func newConnection(b *Broker, netConn net.Conn) *Connection {
	cfg := b.cfg
	id := uuid.NewString()
	remote := netConn.RemoteAddr().String()
	return &Connection{
		broker:     b,
		conn:       netConn,
		reader:     bufio.NewReaderSize(netConn, cfg.ReadBufferSize),
		writer:     bufio.NewWriterSize(netConn, cfg.WriteBufferSize),
		connID:     id,
		remote:     remote,
		frameMax:   cfg.FrameMax,
		channelMax: cfg.ChannelMax,
		heartbeat:  cfg.Heartbeat,
		channels:   make(map[uint16]*Channel),
		closing:    make(map[uint16]struct{}),
		closeCh:    make(chan struct{}),
		logger:     b.logger.With(slog.String("connection", id), slog.String("remote", remote)),
	}
}

// ID returns the connection identifier used as exclusive queue owner.
func (c *Connection) ID() string {
	return c.connID
}

// run executes the full connection lifecycle.
func (c *Connection) run() error {
	defer c.cleanup()

	c.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := c.negotiateProtocol(); err != nil {
		return fmt.Errorf("protocol negotiation: %w", err)
	}
	if err := c.connectionHandshake(); err != nil {
		return fmt.Errorf("connection handshake: %w", err)
	}
	c.conn.SetDeadline(time.Time{})

	c.broker.registerConnection(c)
	c.broker.stats.IncrementConnections()
	if m := c.broker.getMetrics(); m != nil {
		m.RecordConnection()
	}
	c.logger.Info("AMQP connection opened", slog.String("user", c.user), slog.String("vhost", c.virtualHost))

	if c.heartbeat > 0 {
		go c.heartbeatSender()
	}

	err := c.processFrames()
	if errors.Is(err, errConnectionClosed) {
		return nil
	}
	return err
}

// negotiateProtocol reads and validates the AMQP 0.9.1 protocol header.
func (c *Connection) negotiateProtocol() error {
	header := make([]byte, 8)
	if _, err := io.ReadFull(c.reader, header); err != nil {
		return fmt.Errorf("reading protocol header: %w", err)
	}

	if !bytes.Equal(header, protocolHeader) {
		// Tell the client which version we speak and hang up.
		c.conn.Write(protocolHeader)
		return fmt.Errorf("unsupported protocol header: %x", header)
	}

	return nil
}

// connectionHandshake performs the Connection.Start → TuneOk → Open handshake.
func (c *Connection) connectionHandshake() error {
	start := &codec.ConnectionStart{
		VersionMajor: 0,
		VersionMinor: 9,
		ServerProperties: codec.Table{
			"product":     "amqpd",
			"version":     "0.1.0",
			"platform":    "Go",
			"information": "https://github.com/absmach/amqpd",
			"capabilities": codec.Table{
				"basic.nack":             true,
				"publisher_confirms":     true,
				"consumer_cancel_notify": true,
				"connection.blocked":     false,
			},
		},
		Mechanisms: "PLAIN",
		Locales:    "en_US",
	}
	if err := c.writeMethod(0, start); err != nil {
		return err
	}

	startOk, err := expect[*codec.ConnectionStartOk](c)
	if err != nil {
		return err
	}
	if startOk.Mechanism != "PLAIN" {
		c.sendConnectionClose(codec.NewErr(codec.NotAllowed, fmt.Sprintf("unsupported mechanism %s", startOk.Mechanism), nil))
		return fmt.Errorf("unsupported mechanism %q", startOk.Mechanism)
	}
	user, pass, ok := parsePlain(startOk.Response)
	if !ok || !c.broker.authenticate(user, pass) {
		c.sendConnectionClose(codec.NewErr(codec.AccessRefused, "ACCESS_REFUSED - login refused", nil))
		return fmt.Errorf("login refused for user %q", user)
	}
	c.user = user

	tune := &codec.ConnectionTune{
		ChannelMax: c.channelMax,
		FrameMax:   c.frameMax,
		Heartbeat:  c.heartbeat,
	}
	if err := c.writeMethod(0, tune); err != nil {
		return err
	}

	tuneOk, err := expect[*codec.ConnectionTuneOk](c)
	if err != nil {
		return err
	}
	// Zero means "no limit" on either side; otherwise the smaller value wins.
	if tuneOk.ChannelMax > 0 && (c.channelMax == 0 || tuneOk.ChannelMax < c.channelMax) {
		c.channelMax = tuneOk.ChannelMax
	}
	if tuneOk.FrameMax > 0 && (c.frameMax == 0 || tuneOk.FrameMax < c.frameMax) {
		c.frameMax = max(tuneOk.FrameMax, minFrameMax)
	}
	if tuneOk.Heartbeat < c.heartbeat {
		c.heartbeat = tuneOk.Heartbeat
	}

	open, err := expect[*codec.ConnectionOpen](c)
	if err != nil {
		return err
	}
	c.virtualHost = open.VirtualHost

	return c.writeMethod(0, &codec.ConnectionOpenOk{})
}

// expect reads the next method on channel 0 during the handshake and
// checks its type.
func expect[T codec.Method](c *Connection) (T, error) {
	var zero T
	for {
		frame, err := codec.ReadFrame(c.reader, c.frameMax)
		if err != nil {
			return zero, err
		}
		if frame.Type == codec.FrameHeartbeat {
			continue
		}
		if frame.Type != codec.FrameMethod || frame.Channel != 0 {
			return zero, fmt.Errorf("expected a method frame on channel 0, got type %d on channel %d", frame.Type, frame.Channel)
		}
		m, err := codec.DecodeMethod(frame.Payload)
		if err != nil {
			return zero, err
		}
		t, ok := m.(T)
		if !ok {
			return zero, fmt.Errorf("expected %T, got %T", zero, m)
		}
		return t, nil
	}
}

// parsePlain splits a SASL PLAIN response "authzid\x00user\x00pass".
func parsePlain(response string) (user, pass string, ok bool) {
	parts := strings.Split(response, "\x00")
	if len(parts) != 3 {
		return "", "", false
	}
	return parts[1], parts[2], parts[1] != ""
}

// processFrames is the main frame processing loop.
func (c *Connection) processFrames() error {
	for {
		select {
		case <-c.closeCh:
			return nil
		default:
		}

		if c.heartbeat > 0 {
			deadline := time.Now().Add(time.Duration(c.heartbeat) * 2 * time.Second)
			c.conn.SetReadDeadline(deadline)
		}

		frame, err := codec.ReadFrame(c.reader, c.frameMax)
		if err != nil {
			if c.closed.Load() {
				return nil
			}
			var e *codec.Error
			if errors.As(err, &e) {
				return c.fail(e)
			}
			return fmt.Errorf("reading frame: %w", err)
		}

		if err := c.handleFrame(frame); err != nil {
			if errors.Is(err, errConnectionClosed) {
				return err
			}
			return c.fail(err)
		}
	}
}

// handleFrame routes one frame. A returned error closes the connection;
// channel errors are handled here.
func (c *Connection) handleFrame(frame *codec.Frame) error {
	switch frame.Type {
	case codec.FrameHeartbeat:
		if frame.Channel != 0 {
			return codec.NewErr(codec.FrameError, "heartbeat frame on non-zero channel", nil)
		}
		return nil

	case codec.FrameMethod:
		m, err := codec.DecodeMethod(frame.Payload)
		if err != nil {
			return err
		}
		if frame.Channel == 0 {
			return c.handleConnectionMethod(m)
		}
		return c.handleChannelMethod(frame.Channel, m)

	case codec.FrameHeader:
		ch, err := c.contentChannel(frame.Channel)
		if ch == nil || err != nil {
			return err
		}
		h, err := codec.DecodeContentHeader(frame.Payload)
		if err != nil {
			return err
		}
		return c.channelResult(ch, ch.handleHeader(h))

	case codec.FrameBody:
		ch, err := c.contentChannel(frame.Channel)
		if ch == nil || err != nil {
			return err
		}
		return c.channelResult(ch, ch.handleBody(frame.Payload))
	}

	return codec.NewErr(codec.FrameError, fmt.Sprintf("unknown frame type %d", frame.Type), nil)
}

// contentChannel returns the channel a content frame belongs to. Frames on
// a channel that is being closed are dropped.
func (c *Connection) contentChannel(chID uint16) (*Channel, error) {
	c.channelsMu.RLock()
	ch := c.channels[chID]
	_, closing := c.closing[chID]
	c.channelsMu.RUnlock()
	switch {
	case ch != nil:
		return ch, nil
	case closing:
		return nil, nil
	case chID == 0:
		return nil, codec.NewErr(codec.CommandInvalid, "content frame on channel 0", nil)
	}
	return nil, codec.NewErr(codec.ChannelError, fmt.Sprintf("channel %d is not open", chID), nil)
}

func (c *Connection) handleConnectionMethod(m codec.Method) error {
	switch m := m.(type) {
	case *codec.ConnectionClose:
		c.logger.Debug("client closed connection",
			slog.Int("reply_code", int(m.ReplyCode)),
			slog.String("reply_text", m.ReplyText))
		c.writeMethod(0, &codec.ConnectionCloseOk{})
		c.close()
		return errConnectionClosed
	case *codec.ConnectionCloseOk:
		c.close()
		return errConnectionClosed
	}
	classID, methodID := m.ID()
	return codec.NewErr(codec.CommandInvalid, fmt.Sprintf("unexpected method %T on channel 0", m), nil).
		WithMethod(classID, methodID)
}

func (c *Connection) handleChannelMethod(chID uint16, m codec.Method) error {
	switch m.(type) {
	case *codec.ChannelOpen:
		return c.handleChannelOpen(chID)
	case *codec.ChannelClose:
		c.closeChannel(chID)
		return c.writeMethod(chID, &codec.ChannelCloseOk{})
	case *codec.ChannelCloseOk:
		c.channelsMu.Lock()
		delete(c.closing, chID)
		c.channelsMu.Unlock()
		return nil
	}

	c.channelsMu.RLock()
	ch := c.channels[chID]
	_, closing := c.closing[chID]
	c.channelsMu.RUnlock()
	if closing {
		return nil
	}
	if ch == nil {
		classID, methodID := m.ID()
		return codec.NewErr(codec.ChannelError, fmt.Sprintf("channel %d is not open", chID), nil).
			WithMethod(classID, methodID)
	}
	if bc, ok := m.(*codec.BasicConsume); ok && !c.broker.limiter.AllowConsume(c.connID) {
		c.logger.Warn("consume rate limit exceeded", slog.String("queue", bc.Queue))
		return c.channelResult(ch, codec.NewErr(codec.ResourceLocked, "consume rate limit exceeded", nil).
			WithMethod(bc.ID()))
	}
	return c.channelResult(ch, ch.handleMethod(m))
}

// channelResult turns a channel failure into a channel.close, or into a
// connection error when the reply code is a hard one.
func (c *Connection) channelResult(ch *Channel, err error) error {
	if err == nil {
		return nil
	}
	e := amqpError(err)
	if e.Hard() {
		return e
	}
	c.closeChannelWithError(ch, e)
	return nil
}

func (c *Connection) handleChannelOpen(chID uint16) error {
	c.channelsMu.Lock()
	defer c.channelsMu.Unlock()

	openErr := func(text string) error {
		return codec.NewErr(codec.ChannelError, text, nil).WithMethod(codec.ClassChannel, codec.MethodChannelOpen)
	}
	if c.channelMax > 0 && chID > c.channelMax {
		return openErr(fmt.Sprintf("channel %d exceeds negotiated maximum %d", chID, c.channelMax))
	}
	if _, exists := c.channels[chID]; exists {
		return openErr(fmt.Sprintf("channel %d already open", chID))
	}
	if _, closing := c.closing[chID]; closing {
		return openErr(fmt.Sprintf("channel %d is closing", chID))
	}

	ch := newChannel(c.broker, c, chID, c.connID, c.user)
	c.channels[chID] = ch
	c.broker.stats.IncrementChannels()
	if m := c.broker.getMetrics(); m != nil {
		m.RecordChannelOpened()
	}

	return c.writeMethod(chID, &codec.ChannelOpenOk{})
}

// closeChannel closes a channel at the client's request.
func (c *Connection) closeChannel(chID uint16) {
	c.channelsMu.Lock()
	ch, exists := c.channels[chID]
	delete(c.channels, chID)
	delete(c.closing, chID)
	c.channelsMu.Unlock()

	if exists {
		c.releaseChannel(ch)
	}
}

// closeChannelWithError closes a channel after a soft error and waits for
// the client's close-ok before the id can be reused.
func (c *Connection) closeChannelWithError(ch *Channel, e *codec.Error) {
	c.channelsMu.Lock()
	delete(c.channels, ch.ID())
	c.closing[ch.ID()] = struct{}{}
	c.channelsMu.Unlock()

	c.logger.Debug("closing channel on error",
		slog.Int("channel", int(ch.ID())),
		slog.Int("reply_code", e.Code),
		slog.String("reply_text", e.Message))
	c.broker.stats.IncrementChannelErrors()
	if m := c.broker.getMetrics(); m != nil {
		m.RecordError("channel", e.Code)
	}
	c.releaseChannel(ch)
	if err := c.sendChannelClose(ch.ID(), e); err != nil {
		c.logger.Debug("failed to send channel close", slog.String("error", err.Error()))
	}
}

func (c *Connection) releaseChannel(ch *Channel) {
	ch.Close()
	c.broker.stats.DecrementChannels()
	if m := c.broker.getMetrics(); m != nil {
		m.RecordChannelClosed()
	}
}

// fail reports a connection error to the client and ends the connection.
func (c *Connection) fail(err error) error {
	e := amqpError(err)
	c.broker.stats.IncrementConnectionErrors()
	if m := c.broker.getMetrics(); m != nil {
		m.RecordError("connection", e.Code)
	}
	c.logger.Debug("closing connection on error",
		slog.Int("reply_code", e.Code),
		slog.String("reply_text", e.Message))
	if serr := c.sendConnectionClose(e); serr != nil {
		c.logger.Debug("failed to send connection close", slog.String("error", serr.Error()))
	}
	c.close()
	return err
}

func (c *Connection) snapshotChannels() []*Channel {
	c.channelsMu.RLock()
	defer c.channelsMu.RUnlock()
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	return channels
}

// writeMethod serializes a method and sends it as a FrameMethod.
func (c *Connection) writeMethod(channel uint16, m codec.Method) error {
	f, err := codec.MethodFrame(channel, m)
	if err != nil {
		return err
	}
	return c.writeFrames(f)
}

// writeFrames writes frames to the connection, thread-safe, flushing once.
// Content frames of one message are never interleaved with other frames.
func (c *Connection) writeFrames(frames ...*codec.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for _, frame := range frames {
		if frame == nil {
			continue
		}
		if err := frame.WriteFrame(c.writer); err != nil {
			return err
		}
	}
	return c.writer.Flush()
}

func (c *Connection) maxFrameSize() uint32 {
	return c.frameMax
}

func (c *Connection) sendConnectionClose(e *codec.Error) error {
	return c.writeMethod(0, &codec.ConnectionClose{
		ReplyCode: uint16(e.Code),
		ReplyText: e.Message,
		ClassID:   e.ClassID,
		MethodID:  e.MethodID,
	})
}

func (c *Connection) sendChannelClose(chID uint16, e *codec.Error) error {
	return c.writeMethod(chID, &codec.ChannelClose{
		ReplyCode: uint16(e.Code),
		ReplyText: e.Message,
		ClassID:   e.ClassID,
		MethodID:  e.MethodID,
	})
}

func (c *Connection) heartbeatSender() {
	interval := time.Duration(c.heartbeat) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			if err := c.writeFrames(codec.HeartbeatFrame()); err != nil {
				c.logger.Debug("heartbeat send failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closeCh)
	})
}

// cleanup closes every channel, which requeues their unacknowledged
// deliveries, and deletes the connection's exclusive queues.
func (c *Connection) cleanup() {
	c.close()

	c.channelsMu.Lock()
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.channels = make(map[uint16]*Channel)
	c.closing = make(map[uint16]struct{})
	c.channelsMu.Unlock()

	for _, ch := range channels {
		c.releaseChannel(ch)
	}

	if c.broker.unregisterConnection(c) {
		c.broker.manager.DeleteExclusive(c.connID)
		c.broker.limiter.OnConnectionClose(c.connID)
		c.broker.stats.DecrementConnections()
		if m := c.broker.getMetrics(); m != nil {
			m.RecordDisconnection()
		}
		c.logger.Info("AMQP connection closed", slog.Int("channels", len(channels)))
	}
	c.conn.Close()
}
