// Package timewheel implements a hashed wheel timer: an approximate,
// coarse-grained scheduler for large numbers of short-lived delayed tasks.
//
// Tasks are placed into one of a fixed number of buckets according to their
// deadline. A single worker goroutine advances the wheel one tick at a time
// and runs every task in the current bucket whose rounds have run out.
// Scheduling and cancellation are safe from any goroutine; they hand work to
// the worker through a queue and never touch the buckets directly.
package timewheel

import (
	"context"
	"log/slog"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/pkg/errors"
)

// ErrStopped is returned when scheduling on a stopped timer.
var ErrStopped = errors.New("timer stopped")

const (
	defaultTick  = 100 * time.Millisecond
	defaultSlots = 512
	maxSlots     = 1 << 30

	// maxTransfer bounds how many pending tasks are bucketed per tick so
	// a burst of scheduling cannot stall expiry.
	maxTransfer = 100000
)

const (
	workerInit int32 = iota
	workerStarted
	workerShutdown
)

// Logger is the subset of *slog.Logger used by the timer.
type Logger interface {
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
}

type options struct {
	name   string
	tick   time.Duration
	slots  int
	logger Logger
}

// Option configures a Timer.
type Option func(*options)

// WithTick sets the duration of one wheel tick.
func WithTick(d time.Duration) Option {
	return func(o *options) {
		o.tick = d
	}
}

// WithSlots sets the number of buckets. It is rounded up to a power of two.
func WithSlots(n int) Option {
	return func(o *options) {
		o.slots = n
	}
}

// WithName sets the name attached to the worker goroutine's profiler labels
// and to log lines.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Timer is a hashed wheel timer.
type Timer struct {
	name   string
	tick   time.Duration
	mask   int64
	wheel  []bucket
	logger Logger

	workerState atomic.Int32
	startTime   time.Time
	started     chan struct{}
	stop        chan struct{}
	stopped     chan struct{}
	unprocessed []*Timeout
	orphans     []*Timeout

	mu      sync.Mutex
	pending *queue.Queue

	count atomic.Int64
}

// New creates a timer. The worker starts on the first Schedule call or on
// an explicit Start.
func New(opt ...Option) *Timer {
	opts := options{
		name:  "timewheel",
		tick:  defaultTick,
		slots: defaultSlots,
	}
	for _, o := range opt {
		o(&opts)
	}
	if opts.tick <= 0 {
		opts.tick = defaultTick
	}
	if opts.tick < time.Millisecond {
		opts.tick = time.Millisecond
	}
	if opts.slots <= 0 {
		opts.slots = defaultSlots
	}
	if opts.logger == nil {
		opts.logger = slog.Default()
	}

	n := normalizeSlots(opts.slots)
	return &Timer{
		name:    opts.name,
		tick:    opts.tick,
		mask:    int64(n - 1),
		wheel:   make([]bucket, n),
		logger:  opts.logger,
		started: make(chan struct{}),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		pending: queue.New(),
	}
}

func normalizeSlots(n int) int {
	if n > maxSlots {
		n = maxSlots
	}
	size := 1
	for size < n {
		size <<= 1
	}
	return size
}

// Tick returns the tick duration.
func (t *Timer) Tick() time.Duration {
	return t.tick
}

// Slots returns the number of buckets in the wheel.
func (t *Timer) Slots() int {
	return len(t.wheel)
}

// Start launches the worker goroutine if it is not running yet. It returns
// ErrStopped if the timer has been stopped.
func (t *Timer) Start() error {
	switch t.workerState.Load() {
	case workerInit:
		if t.workerState.CompareAndSwap(workerInit, workerStarted) {
			go t.run()
		}
	case workerShutdown:
		return ErrStopped
	}
	<-t.started
	return nil
}

// Pending returns the number of scheduled tasks that have neither
// completed nor been cancelled.
func (t *Timer) Pending() int {
	return int(t.count.Load())
}

// Schedule runs fn once after delay.
func (t *Timer) Schedule(fn Task, delay time.Duration) (*Timeout, error) {
	return t.schedule(fn, kindOnce, delay, 0)
}

// ScheduleAtFixedRate runs fn after initial and then every period, measured
// from the previous deadline.
func (t *Timer) ScheduleAtFixedRate(fn Task, initial, period time.Duration) (*Timeout, error) {
	if period <= 0 {
		return nil, errors.New("period must be positive")
	}
	return t.schedule(fn, kindFixedRate, initial, period)
}

// ScheduleWithFixedDelay runs fn after initial and then period after each
// run finishes.
func (t *Timer) ScheduleWithFixedDelay(fn Task, initial, period time.Duration) (*Timeout, error) {
	if period <= 0 {
		return nil, errors.New("period must be positive")
	}
	return t.schedule(fn, kindFixedDelay, initial, period)
}

func (t *Timer) schedule(fn Task, k kind, delay, period time.Duration) (*Timeout, error) {
	if fn == nil {
		return nil, errors.New("nil task")
	}
	if err := t.Start(); err != nil {
		return nil, err
	}
	if delay < 0 {
		delay = 0
	}

	to := newTimeout(t, fn, k, period)
	to.deadline.Store(int64(t.elapsed() + delay))
	t.count.Add(1)
	if !t.enqueue(to) {
		t.count.Add(-1)
		return nil, ErrStopped
	}
	return to, nil
}

func (t *Timer) enqueue(to *Timeout) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.workerState.Load() == workerShutdown {
		return false
	}
	t.pending.Add(to)
	return true
}

func (t *Timer) elapsed() time.Duration {
	return time.Since(t.startTime)
}

// Stop halts the worker and returns every task that was scheduled but had
// not run and was not cancelled. Stop must not be called from a task.
func (t *Timer) Stop() []*Timeout {
	if t.workerState.CompareAndSwap(workerInit, workerShutdown) {
		close(t.started)
		close(t.stopped)
		return t.drainPending(nil)
	}
	if t.workerState.CompareAndSwap(workerStarted, workerShutdown) {
		close(t.stop)
	}
	<-t.stopped
	return t.unprocessed
}

func (t *Timer) run() {
	pprof.Do(context.Background(), pprof.Labels("timewheel", t.name), func(context.Context) {
		t.startTime = time.Now()
		close(t.started)
		t.logger.Debug("timer started", "name", t.name, "tick", t.tick, "slots", len(t.wheel))

		var tick int64
		for {
			if !t.waitForNextTick(tick) {
				break
			}
			t.transferPending(tick)
			t.wheel[tick&t.mask].expire(tick)
			tick++
		}

		left := t.orphans
		for i := range t.wheel {
			left = t.wheel[i].collect(left)
		}
		t.unprocessed = t.drainPending(left)
		t.count.Store(0)
		t.logger.Debug("timer stopped", "name", t.name, "unprocessed", len(t.unprocessed))
		close(t.stopped)
	})
}

// waitForNextTick sleeps until the end of the given tick. It returns false
// once Stop has been called.
func (t *Timer) waitForNextTick(tick int64) bool {
	target := t.tick * time.Duration(tick+1)
	for {
		sleep := target - t.elapsed()
		if sleep <= 0 {
			return true
		}
		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-t.stop:
			timer.Stop()
			return false
		}
	}
}

func (t *Timer) transferPending(tick int64) {
	t.mu.Lock()
	batch := make([]*Timeout, 0, min(t.pending.Length(), maxTransfer))
	for t.pending.Length() > 0 && len(batch) < maxTransfer {
		batch = append(batch, t.pending.Remove().(*Timeout))
	}
	t.mu.Unlock()

	slots := int64(len(t.wheel))
	for _, to := range batch {
		if !to.state.CompareAndSwap(int32(Init), int32(Scheduled)) {
			continue
		}
		calculated := to.deadline.Load() / int64(t.tick)
		to.remainingRounds = (calculated - tick) / slots
		ticks := max(calculated, tick)
		t.wheel[ticks&t.mask].add(to)
	}
}

func (t *Timer) drainPending(left []*Timeout) []*Timeout {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.pending.Length() > 0 {
		to := t.pending.Remove().(*Timeout)
		if !to.IsCancelled() {
			left = append(left, to)
		}
	}
	return left
}

// reschedule puts a periodic task back on the pending queue. A task that
// cannot be queued because Stop raced with it is kept for Stop's result.
func (t *Timer) reschedule(to *Timeout) {
	if !to.state.CompareAndSwap(int32(Completed), int32(Init)) {
		return
	}
	if !t.enqueue(to) {
		t.orphans = append(t.orphans, to)
	}
}

func (t *Timer) runTask(to *Timeout) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("timer task panicked", "name", t.name, "panic", r)
		}
	}()
	to.task(to)
}

// bucket holds the tasks hashed to one wheel slot. Only the worker
// goroutine touches it.
type bucket struct {
	tasks []*Timeout
}

func (b *bucket) add(to *Timeout) {
	b.tasks = append(b.tasks, to)
}

// expire runs every due task and unlinks cancelled ones.
func (b *bucket) expire(tick int64) {
	kept := b.tasks[:0]
	var due []*Timeout
	for _, to := range b.tasks {
		switch {
		case to.IsCancelled():
		case to.remainingRounds <= 0:
			due = append(due, to)
		default:
			to.remainingRounds--
			kept = append(kept, to)
		}
	}
	for i := len(kept); i < len(b.tasks); i++ {
		b.tasks[i] = nil
	}
	b.tasks = kept

	for _, to := range due {
		to.expire(tick)
	}
}

func (b *bucket) collect(left []*Timeout) []*Timeout {
	for _, to := range b.tasks {
		if !to.IsCancelled() {
			left = append(left, to)
		}
	}
	b.tasks = nil
	return left
}
