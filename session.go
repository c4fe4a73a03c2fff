package gamesocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/Zereker/gamesocket/future"
	"github.com/Zereker/gamesocket/timewheel"
)

// nextSessionID allocates ids for sessions created without SessionIDOption.
var nextSessionID atomic.Int32

// link is the outbound path of a session.
type link interface {
	send(f *Frame) error
	alive() bool
}

// Callback is invoked exactly once per request with the owning session and
// the request context, whatever the outcome.
type Callback func(s *Session, ctx *RequestContext)

// Session is one logical endpoint: a whole connection, or one of many
// logical clients sharing a connection in share-channel mode.
type Session struct {
	id     int32
	link   link
	logger Logger

	metrics *Metrics

	wrap     int32
	sendSeq  atomic.Int32
	lastRecv int32
	recvSet  bool

	requests *RequestContainer
	timer    *timewheel.Timer
	timeout  time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
	onClose   func(*Session)

	values sync.Map
}

func newSession(id int32, l link, opts *options) *Session {
	s := &Session{
		id:      id,
		link:    l,
		logger:  opts.logger,
		metrics: opts.metrics,
		wrap:    int32(opts.sequenceWrap),
		onClose: opts.onSessionClose,
	}
	if s.wrap <= 0 {
		s.wrap = DefaultSequenceWrap
	}
	if opts.requestMode {
		s.requests = NewRequestContainer()
		s.timer = opts.timer
		s.timeout = opts.requestTimeout
	}
	return s
}

// ID returns the session id.
func (s *Session) ID() int32 {
	return s.id
}

// Set stores an application value on the session.
func (s *Session) Set(key, value any) {
	s.values.Store(key, value)
}

// Get returns an application value stored with Set.
func (s *Session) Get(key any) (any, bool) {
	return s.values.Load(key)
}

// NextSendSequence returns the sequence for the next outbound frame and
// advances the counter, wrapping to 0 after the configured maximum. It is
// safe for concurrent use.
func (s *Session) NextSendSequence() int {
	for {
		cur := s.sendSeq.Load()
		next := cur + 1
		if next > s.wrap {
			next = 0
		}
		if s.sendSeq.CompareAndSwap(cur, next) {
			return int(cur)
		}
	}
}

// ValidateReceiveSequence accepts the first sequence it sees and after that
// only the successor of the last accepted one, wrapping to 0 after the
// configured maximum. A rejected sequence leaves the state unchanged.
// It must only be called from the connection's decode path.
func (s *Session) ValidateReceiveSequence(seq int) bool {
	if seq < 0 || seq > int(s.wrap) {
		return false
	}
	if !s.recvSet {
		s.recvSet = true
		s.lastRecv = int32(seq)
		return true
	}
	expected := s.lastRecv + 1
	if expected > s.wrap {
		expected = 0
	}
	if int32(seq) != expected {
		return false
	}
	s.lastRecv = expected
	return true
}

// IsClosed reports whether the session is closed or its connection is gone.
func (s *Session) IsClosed() bool {
	return s.closed.Load() || !s.link.alive()
}

// Pending returns the number of requests awaiting a response.
func (s *Session) Pending() int {
	if s.requests == nil {
		return 0
	}
	return s.requests.Len()
}

// Send sends msg as a plain frame.
func (s *Session) Send(msg any) error {
	return s.SendFrame(&Frame{Body: msg})
}

// SendFrame sends f. The session id is filled in by the session.
func (s *Session) SendFrame(f *Frame) error {
	if s.IsClosed() {
		return ErrSessionClosed
	}
	return s.link.send(f)
}

// Reply answers the request frame req with msg.
func (s *Session) Reply(req *Frame, msg any) error {
	if !req.IsRequest() {
		return errors.Errorf("reply to non-request %v", req)
	}
	return s.SendFrame(&Frame{
		Flag:      Flag(0).WithRequestMode(ModeResponse),
		RequestID: req.RequestID,
		Body:      msg,
	})
}

// Request sends msg as a request and returns its context. The context's
// future always reaches a terminal state: the response body, a timeout, or
// a session-closed failure. If the session is already closed the returned
// future has failed with ErrSessionClosed. cb may be nil.
func (s *Session) Request(msg any, cb Callback) *RequestContext {
	ctx := newRequestContext(s, msg)
	if cb != nil {
		ctx.future.AddListener(func(*future.Future[any]) { cb(s, ctx) })
	}

	if s.requests == nil {
		ctx.future.TryFail(ErrRequestModeDisabled)
		return ctx
	}
	if s.IsClosed() {
		s.metrics.request(outcomeClosed)
		ctx.future.TryFail(ErrSessionClosed)
		return ctx
	}

	for {
		ctx.id = s.requests.GenerateID()
		if s.requests.Add(ctx) {
			break
		}
	}
	s.metrics.pendingInc()

	id := ctx.id
	if s.closed.Load() {
		// Close drained the container before ctx was added.
		s.failRequest(id, ErrSessionClosed, outcomeClosed)
		return ctx
	}
	to, err := s.timer.Schedule(func(*timewheel.Timeout) { s.expireRequest(id) }, s.timeout)
	if err != nil {
		s.failRequest(id, errors.Wrap(err, "schedule request timeout"), outcomeSendError)
		return ctx
	}
	ctx.setTimeout(to)

	err = s.link.send(&Frame{
		Flag:      Flag(0).WithRequestMode(ModeRequest),
		RequestID: id,
		Body:      msg,
	})
	if err != nil {
		s.failRequest(id, err, outcomeSendError)
	}
	return ctx
}

// handleResponse completes the request answered by f. Responses for ids
// that are unknown, already answered or already timed out are dropped.
func (s *Session) handleResponse(f *Frame) {
	if s.requests == nil {
		s.logger.Debug("response without request mode dropped", "session_id", s.id, "request_id", f.RequestID)
		return
	}
	ctx := s.requests.Remove(f.RequestID)
	if ctx == nil {
		s.metrics.request(outcomeUnknown)
		s.logger.Debug("response for unknown request dropped",
			"session_id", s.id, "request_id", f.RequestID, "type", f.Type)
		return
	}
	s.metrics.pendingDec()
	s.metrics.request(outcomeSuccess)
	ctx.succeed(f.Payload())
}

func (s *Session) expireRequest(id int32) {
	s.failRequest(id, ErrRequestTimeout, outcomeTimeout)
}

func (s *Session) failRequest(id int32, cause error, outcome string) {
	ctx := s.requests.Remove(id)
	if ctx == nil {
		return
	}
	s.metrics.pendingDec()
	s.metrics.request(outcome)
	ctx.fail(cause)
}

// Close closes the session and fails every pending request with
// ErrSessionClosed. It does not close the underlying connection.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.requests != nil {
			for _, ctx := range s.requests.Drain() {
				s.metrics.pendingDec()
				s.metrics.request(outcomeClosed)
				ctx.fail(ErrSessionClosed)
			}
		}
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}
