// Package future provides a single-assignment result that can be observed
// by waiting on it or by registering listeners.
//
// A Future starts pending and moves exactly once to succeeded, failed or
// cancelled. The first of TrySucceed, TryFail and Cancel wins; every later
// call returns false and leaves the result untouched.
package future

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Errors reported by Future accessors.
var (
	// ErrCancelled is returned by Get when the future was cancelled.
	ErrCancelled = errors.New("future cancelled")
	// ErrWaitTimeout is returned by GetTimeout when the future is still
	// pending after the wait bound elapsed.
	ErrWaitTimeout = errors.New("future wait timed out")
)

// Logger receives listener panics.
// *slog.Logger satisfies it.
type Logger interface {
	Error(msg string, args ...any)
}

var (
	loggerMu sync.RWMutex
	logger   Logger = slog.Default()
)

// SetLogger replaces the logger used to report listener panics.
func SetLogger(l Logger) {
	if l == nil {
		l = slog.Default()
	}
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

func currentLogger() Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// State is the lifecycle of a Future.
type State int32

const (
	Pending State = iota
	completing
	Succeeded
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending, completing:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Listener is notified once the future completes.
type Listener[V any] func(f *Future[V])

// Future is a single-assignment result. The zero value is not usable;
// create one with New.
type Future[V any] struct {
	state atomic.Int32
	value V
	cause error
	done  chan struct{}

	mu        sync.Mutex
	listeners []Listener[V]
	// notifying is set while finish delivers listeners; listeners added
	// meanwhile are queued behind the batch in flight.
	notifying bool
}

// New returns a pending future.
func New[V any]() *Future[V] {
	return &Future[V]{done: make(chan struct{})}
}

// Completed returns a future already completed with v.
func Completed[V any](v V) *Future[V] {
	f := New[V]()
	f.TrySucceed(v)
	return f
}

// FailedWith returns a future already failed with cause.
func FailedWith[V any](cause error) *Future[V] {
	f := New[V]()
	f.TryFail(cause)
	return f
}

// TrySucceed completes the future with v. It returns false if the future
// was already completed.
func (f *Future[V]) TrySucceed(v V) bool {
	if !f.state.CompareAndSwap(int32(Pending), int32(completing)) {
		return false
	}
	f.value = v
	f.finish(Succeeded)
	return true
}

// TryFail completes the future with cause. A nil cause is replaced by a
// generic error so that Cause never returns nil for a failed future.
func (f *Future[V]) TryFail(cause error) bool {
	if cause == nil {
		cause = errors.New("future failed without cause")
	}
	if !f.state.CompareAndSwap(int32(Pending), int32(completing)) {
		return false
	}
	f.cause = cause
	f.finish(Failed)
	return true
}

// Cancel completes the future as cancelled.
func (f *Future[V]) Cancel() bool {
	if !f.state.CompareAndSwap(int32(Pending), int32(completing)) {
		return false
	}
	f.cause = ErrCancelled
	f.finish(Cancelled)
	return true
}

func (f *Future[V]) finish(s State) {
	f.mu.Lock()
	f.state.Store(int32(s))
	close(f.done)
	f.notifying = true

	for len(f.listeners) > 0 {
		ls := f.listeners
		f.listeners = nil
		f.mu.Unlock()

		for _, l := range ls {
			f.notify(l)
		}
		f.mu.Lock()
	}
	f.notifying = false
	f.mu.Unlock()
}

func (f *Future[V]) notify(l Listener[V]) {
	defer func() {
		if r := recover(); r != nil {
			currentLogger().Error("future listener panicked", "panic", r)
		}
	}()
	l(f)
}

// AddListener registers l to run once the future completes. If the future
// is already complete and its listeners have been delivered, l runs on the
// calling goroutine before AddListener returns.
func (f *Future[V]) AddListener(l Listener[V]) {
	if l == nil {
		return
	}
	f.mu.Lock()
	if !f.IsDone() || f.notifying {
		f.listeners = append(f.listeners, l)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.notify(l)
}

// State reports the current state.
func (f *Future[V]) State() State {
	s := State(f.state.Load())
	if s == completing {
		return Pending
	}
	return s
}

// IsDone reports whether the future reached a terminal state.
func (f *Future[V]) IsDone() bool {
	return State(f.state.Load()) > completing
}

// IsSuccess reports whether the future succeeded.
func (f *Future[V]) IsSuccess() bool {
	return State(f.state.Load()) == Succeeded
}

// IsCancelled reports whether the future was cancelled.
func (f *Future[V]) IsCancelled() bool {
	return State(f.state.Load()) == Cancelled
}

// Cause returns the failure cause, ErrCancelled for a cancelled future, or
// nil while pending or after success.
func (f *Future[V]) Cause() error {
	switch State(f.state.Load()) {
	case Failed, Cancelled:
		return f.cause
	}
	return nil
}

// Now returns the value without blocking. ok is false unless the future
// succeeded.
func (f *Future[V]) Now() (v V, ok bool) {
	if State(f.state.Load()) != Succeeded {
		return v, false
	}
	return f.value, true
}

// Done returns a channel closed once the future completes.
func (f *Future[V]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future completes or ctx is done, returning
// ctx.Err() in the latter case.
func (f *Future[V]) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitUninterruptibly blocks until the future completes.
func (f *Future[V]) WaitUninterruptibly() {
	<-f.done
}

// WaitTimeout blocks for at most d and reports whether the future completed.
func (f *Future[V]) WaitTimeout(d time.Duration) bool {
	if f.IsDone() {
		return true
	}
	if d <= 0 {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-f.done:
		return true
	case <-t.C:
		return f.IsDone()
	}
}

// Get waits for completion and returns the value or the cause.
func (f *Future[V]) Get(ctx context.Context) (V, error) {
	if err := f.Wait(ctx); err != nil {
		var zero V
		return zero, err
	}
	return f.result()
}

// GetTimeout waits for at most d. It returns ErrWaitTimeout if the future is
// still pending, ErrCancelled if it was cancelled, and the failure cause if
// it failed.
func (f *Future[V]) GetTimeout(d time.Duration) (V, error) {
	if !f.WaitTimeout(d) {
		var zero V
		return zero, ErrWaitTimeout
	}
	return f.result()
}

func (f *Future[V]) result() (V, error) {
	if State(f.state.Load()) == Succeeded {
		return f.value, nil
	}
	var zero V
	return zero, f.cause
}
