package gamesocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Zereker/gamesocket/future"
	"github.com/Zereker/gamesocket/timewheel"
)

// RequestContext is one outstanding request.
type RequestContext struct {
	id      int32
	session *Session
	request any
	created time.Time
	future  *future.Future[any]
	timeout atomic.Pointer[timewheel.Timeout]
}

func newRequestContext(s *Session, msg any) *RequestContext {
	return &RequestContext{
		session: s,
		request: msg,
		created: time.Now(),
		future:  future.New[any](),
	}
}

// ID returns the request id. It is 0 if the request was never sent.
func (c *RequestContext) ID() int32 {
	return c.id
}

// Session returns the session that issued the request.
func (c *RequestContext) Session() *Session {
	return c.session
}

// Request returns the message that was sent.
func (c *RequestContext) Request() any {
	return c.request
}

// Future returns the future completed with the response body.
func (c *RequestContext) Future() *future.Future[any] {
	return c.future
}

// Elapsed returns the time since the request was issued.
func (c *RequestContext) Elapsed() time.Duration {
	return time.Since(c.created)
}

// Response returns the response body or the failure without blocking.
// It returns future.ErrWaitTimeout while the request is in flight.
func (c *RequestContext) Response() (any, error) {
	return c.future.GetTimeout(0)
}

// Wait blocks until the request completes or ctx is done.
func (c *RequestContext) Wait(ctx context.Context) (any, error) {
	return c.future.Get(ctx)
}

func (c *RequestContext) setTimeout(to *timewheel.Timeout) {
	c.timeout.Store(to)
	// The response may have won the race against the store above.
	if c.future.IsDone() {
		to.Cancel()
	}
}

func (c *RequestContext) cancelTimeout() {
	if to := c.timeout.Load(); to != nil {
		to.Cancel()
	}
}

func (c *RequestContext) succeed(body any) {
	c.cancelTimeout()
	c.future.TrySucceed(body)
}

func (c *RequestContext) fail(cause error) {
	c.cancelTimeout()
	c.future.TryFail(cause)
}

// RequestContainer tracks the in-flight requests of one session. It is safe
// for concurrent use by the decode path and the timer.
type RequestContainer struct {
	next atomic.Int32

	mu      sync.Mutex
	pending map[int32]*RequestContext
}

// NewRequestContainer returns an empty container.
func NewRequestContainer() *RequestContainer {
	return &RequestContainer{pending: make(map[int32]*RequestContext)}
}

// GenerateID returns a positive id unique among the ids handed out by this
// container until the 31-bit counter wraps.
func (rc *RequestContainer) GenerateID() int32 {
	for {
		id := rc.next.Add(1)
		if id > 0 {
			return id
		}
		rc.next.CompareAndSwap(id, 0)
	}
}

// Add registers ctx under its id. It returns false if the id is taken.
func (rc *RequestContainer) Add(ctx *RequestContext) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if _, ok := rc.pending[ctx.id]; ok {
		return false
	}
	rc.pending[ctx.id] = ctx
	return true
}

// Get returns the pending request with the given id.
func (rc *RequestContainer) Get(id int32) *RequestContext {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.pending[id]
}

// Remove detaches and returns the pending request with the given id.
func (rc *RequestContainer) Remove(id int32) *RequestContext {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	ctx, ok := rc.pending[id]
	if !ok {
		return nil
	}
	delete(rc.pending, id)
	return ctx
}

// Len returns the number of pending requests.
func (rc *RequestContainer) Len() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.pending)
}

// Drain detaches and returns every pending request.
func (rc *RequestContainer) Drain() []*RequestContext {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]*RequestContext, 0, len(rc.pending))
	for id, ctx := range rc.pending {
		out = append(out, ctx)
		delete(rc.pending, id)
	}
	return out
}
