// Package gamesocket implements a binary message protocol for game servers
// on top of TCP. It frames typed messages on a byte stream, can multiplex
// many logical client sessions over one connection, can enforce per-frame
// ordering with sequence numbers, and pairs requests with responses with
// timeouts driven by a hashed wheel timer.
package gamesocket

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Errors returned by connection operations.
var (
	// ErrInvalidOnMessage is returned when no message handler is provided.
	ErrInvalidOnMessage = errors.New("invalid on message callback")
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// ErrBufferFull is returned when the send buffer is full and cannot accept more frames.
// This error indicates backpressure - the receiver is not consuming frames fast enough.
// Recommended handling strategies:
//   - Drop the frame (for non-critical data like position updates)
//   - Use WriteBlocking or WriteTimeout to wait for buffer space
//   - Implement application-level flow control
var ErrBufferFull = errors.New("send buffer full")

// outbound is one encoded frame waiting for the write loop.
type outbound struct {
	data []byte
	// stamp asks the write loop to fill in the sequence field.
	stamp bool
}

// Conn is one physical connection. It decodes inbound frames and hands
// them to its sessions, and serializes outbound frames in order.
//
// Without share-channel mode a Conn owns exactly one Session. In
// share-channel mode it owns a control session (id NoSession) for
// connection-level traffic and a Multiplexer of logical sessions.
type Conn struct {
	rawConn net.Conn
	inbound Buffer
	codec   *FrameCodec
	logger  Logger

	opts options

	session *Session
	mux     *Multiplexer

	sendMsg   chan outbound
	closed    atomic.Bool
	closing   chan struct{}
	closeOnce sync.Once
	runOnce   sync.Once
}

// NewConn creates a new connection wrapper around conn.
// It applies the provided options and validates them before returning.
// Returns an error if the required OnMessageOption is missing.
func NewConn(conn net.Conn, opt ...Option) (*Conn, error) {
	opts := newOptions(opt)

	err := checkOptions(&opts)
	if err != nil {
		return nil, err
	}

	return newConnWithOptions(conn, opts), nil
}

// Dial connects to addr over TCP and wraps the connection.
func Dial(ctx context.Context, addr string, opt ...Option) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	c, err := NewConn(raw, opt...)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return c, nil
}

func newConnWithOptions(raw net.Conn, opts options) *Conn {
	c := &Conn{
		rawConn: raw,
		codec:   newFrameCodec(&opts),
		logger:  opts.logger,
		opts:    opts,
		sendMsg: make(chan outbound, opts.bufferSize),
		closing: make(chan struct{}),
	}

	id := opts.sessionID
	switch {
	case opts.shareChannel:
		id = NoSession
		c.mux = newMultiplexer(c)
	case !opts.hasSessionID:
		id = nextSessionID.Add(1)
	}
	c.session = newSession(id, &connLink{conn: c, sessionID: NoSession}, &c.opts)
	return c
}

// Session returns the connection's own session: the only session without
// share-channel mode, the control session with it.
func (c *Conn) Session() *Session {
	return c.session
}

// Multiplexer returns the logical sessions of a share-channel connection,
// or nil without share-channel mode.
func (c *Conn) Multiplexer() *Multiplexer {
	return c.mux
}

// Codec returns the frame codec of the connection.
func (c *Conn) Codec() *FrameCodec {
	return c.codec
}

// Run starts the connection's read and write loops.
// It blocks until an error occurs, the context is canceled or Close is
// called. The connection and every session on it are closed when Run
// returns. Run may only be called once.
func (c *Conn) Run(ctx context.Context) error {
	err := ErrConnectionClosed
	c.runOnce.Do(func() {
		err = c.run(ctx)
	})
	return err
}

func (c *Conn) run(ctx context.Context) error {
	c.logger.Info("connection established", "addr", c.Addr(), "session_id", c.session.ID())
	c.logger.Debug("connection options", "addr", c.Addr(),
		"buffer_size", c.opts.bufferSize,
		"heartbeat", c.opts.heartbeat,
		"sequence", c.opts.sequence,
		"share_channel", c.opts.shareChannel,
		"request_mode", c.opts.requestMode)

	c.opts.metrics.connOpened()
	c.openSession(c.session)

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		select {
		case <-c.closing:
			return ErrConnectionClosed
		case <-child.Done():
			c.closeConn()
			return child.Err()
		}
	})

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	err := group.Wait()
	c.closeConn()
	c.closeSessions(true)
	c.opts.metrics.connClosed()
	if ctx.Err() != nil {
		err = ctx.Err()
	}

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrConnectionClosed) {
		c.logger.Info("connection closed with error", "addr", c.Addr(), "error", err)
	} else {
		c.logger.Info("connection closed", "addr", c.Addr())
	}

	return err
}

// Close gracefully closes the connection.
// It stops both loops and closes the underlying connection.
// Safe to call multiple times.
func (c *Conn) Close() error {
	err := c.closeConn()
	// Run owns session teardown once started.
	c.runOnce.Do(func() {
		c.closeSessions(false)
	})
	return err
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// Write encodes f and queues it without blocking (fire-and-forget).
//
// Returns:
//   - nil: frame was successfully queued (not yet sent)
//   - ErrBufferFull: send buffer is full, frame was NOT queued
//   - ErrConnectionClosed: connection is closed
//   - encoding error: if the frame cannot be encoded
//
// For guaranteed delivery, use WriteBlocking or WriteTimeout instead.
func (c *Conn) Write(f *Frame) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	out, err := c.encode(f)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- out:
		return nil
	default:
		return ErrBufferFull
	}
}

// WriteBlocking encodes f and queues it, blocking until the frame is
// queued, the context is canceled or the connection closes.
func (c *Conn) WriteBlocking(ctx context.Context, f *Frame) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	out, err := c.encode(f)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- out:
		return nil
	case <-c.closing:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteTimeout encodes f and queues it, waiting at most timeout for buffer
// space. It returns ErrBufferFull when the timeout expires.
func (c *Conn) WriteTimeout(f *Frame, timeout time.Duration) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	out, err := c.encode(f)
	if err != nil {
		return err
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case c.sendMsg <- out:
		return nil
	case <-c.closing:
		return ErrConnectionClosed
	case <-t.C:
		return ErrBufferFull
	}
}

// Broadcast sends msg once to every session in ids using a multi-session
// frame. It requires share-channel mode.
func (c *Conn) Broadcast(ids []int32, msg any) error {
	if c.mux == nil {
		return ErrNotShareChannel
	}
	return c.mux.Broadcast(ids, msg)
}

// encode turns f into wire bytes. A frame the body encoder declines passes
// through: a []byte body is taken as already-encoded wire bytes and written
// verbatim, anything else is rejected.
func (c *Conn) encode(f *Frame) (outbound, error) {
	data, encoded, err := c.codec.Encode(nil, f)
	if err != nil {
		c.logger.Warn("encode failed", "addr", c.Addr(), "type", f.Type, "error", err)
		return outbound{}, err
	}
	if encoded {
		return outbound{data: data, stamp: c.opts.sequence}, nil
	}
	raw, ok := f.Body.([]byte)
	if !ok {
		return outbound{}, errors.Wrapf(ErrNotEncodable, "%T", f.Body)
	}
	if !c.opts.sequence {
		return outbound{data: raw}, nil
	}
	// A pre-encoded frame takes its sequence from this connection's
	// counter like any other frame.
	if len(raw) < flagSize+sequenceSize {
		return outbound{}, errors.Wrapf(ErrNotEncodable, "pre-encoded frame of %d bytes has no sequence field", len(raw))
	}
	return outbound{data: append([]byte(nil), raw...), stamp: true}, nil
}

// readLoop reads from the connection, decodes every complete frame and
// dispatches it. A protocol violation always ends the loop.
func (c *Conn) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.heartbeat * 2))

		n, err := c.inbound.ReadFrom(c.rawConn)
		if n > 0 {
			if derr := c.decodeAll(); derr != nil {
				return derr
			}
		}
		if err != nil {
			if c.closed.Load() {
				return ErrConnectionClosed
			}
			c.logger.Debug("read error", "addr", c.Addr(), "error", err)
			// The peer is gone; there is nothing left to read.
			if errors.Is(err, io.EOF) || c.opts.onError(err) == Disconnect {
				return err
			}
		}
	}
}

// decodeAll decodes and dispatches frames until the buffer holds no
// complete frame.
func (c *Conn) decodeAll() error {
	var validator SequenceValidator
	if c.opts.sequence {
		validator = c.session
	}

	for {
		f, err := c.codec.Decode(&c.inbound, validator)
		if errors.Is(err, ErrNeedMoreData) {
			return nil
		}
		if err != nil {
			logDecodeError(c.logger, c.Addr(), c.session.ID(), err)
			c.opts.metrics.violation(err)
			return err
		}

		if err = c.dispatch(f); err != nil {
			c.logger.Debug("message handler error", "addr", c.Addr(), "error", err)
			if c.opts.onError(err) == Disconnect {
				return err
			}
		}
	}
}

func (c *Conn) dispatch(f *Frame) error {
	if c.mux != nil {
		return c.mux.dispatch(f)
	}
	return c.deliver(c.session, f)
}

// deliver hands f to s: responses complete pending requests, everything
// else goes to the message handler.
func (c *Conn) deliver(s *Session, f *Frame) error {
	if f.IsResponse() {
		s.handleResponse(f)
		return nil
	}
	return c.opts.onMessage(s, f)
}

// writeLoop continuously sends queued frames to the connection.
// Sequence numbers are assigned here so that they follow wire order even
// when many goroutines write concurrently.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out := <-c.sendMsg:
			if out.stamp {
				binary.BigEndian.PutUint16(out.data[flagSize:], uint16(c.session.NextSendSequence()))
			}
			if err := c.write(out.data); err != nil {
				return err
			}
		}
	}
}

// write sends data to the connection with a deadline.
// If an error occurs and onError returns Disconnect, the error is propagated.
// Otherwise, the error is suppressed and writing continues.
func (c *Conn) write(data []byte) error {
	_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.heartbeat * 2))

	_, err := c.rawConn.Write(data)

	if err != nil {
		c.logger.Debug("write error", "addr", c.Addr(), "error", err)
		if c.opts.onError(err) == Disconnect {
			return err
		}
	}

	return nil
}

// closeConn marks the connection as closed and closes the underlying connection.
func (c *Conn) closeConn() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closing)
		err = c.rawConn.Close()
	})
	return err
}

func (c *Conn) openSession(s *Session) {
	c.opts.metrics.sessionOpened()
	if c.opts.onSession != nil {
		c.opts.onSession(s)
	}
}

// closeSessions closes every session of the connection. opened tells
// whether the connection's own session was announced by run.
func (c *Conn) closeSessions(opened bool) {
	if c.mux != nil {
		c.mux.closeAll()
	}
	c.session.Close()
	if opened {
		c.opts.metrics.sessionClosed()
	}
}

// connLink sends a session's frames over a connection, tagging them with
// the session id in share-channel mode.
type connLink struct {
	conn      *Conn
	sessionID int32
}

func (l *connLink) send(f *Frame) error {
	f.SessionID = l.sessionID
	return l.conn.WriteBlocking(context.Background(), f)
}

func (l *connLink) alive() bool {
	return !l.conn.IsClosed()
}
