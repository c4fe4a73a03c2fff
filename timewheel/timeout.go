package timewheel

import (
	"sync/atomic"
	"time"

	"github.com/Zereker/gamesocket/future"
)

// State is the lifecycle of a scheduled task.
type State int32

const (
	// Init means the task waits in the pending queue.
	Init State = iota
	// Scheduled means the task sits in a wheel bucket.
	Scheduled
	// Running means the task function is executing.
	Running
	// Completed means the task ran. Periodic tasks pass through Completed
	// on their way back to Init.
	Completed
	// Cancelled is terminal.
	Cancelled
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Scheduled:
		return "scheduled"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Task is the function run when a Timeout expires.
type Task func(t *Timeout)

type kind uint8

const (
	kindOnce kind = iota
	kindFixedRate
	kindFixedDelay
)

// Timeout is the handle of a scheduled task.
type Timeout struct {
	timer  *Timer
	task   Task
	kind   kind
	period time.Duration

	// deadline is relative to the timer's start time.
	deadline atomic.Int64
	state    atomic.Int32
	runs     atomic.Int64
	done     *future.Future[struct{}]

	// remainingRounds is owned by the worker goroutine.
	remainingRounds int64
}

func newTimeout(t *Timer, fn Task, k kind, period time.Duration) *Timeout {
	return &Timeout{
		timer:  t,
		task:   fn,
		kind:   k,
		period: period,
		done:   future.New[struct{}](),
	}
}

// Timer returns the timer that owns the task.
func (to *Timeout) Timer() *Timer {
	return to.timer
}

// State returns the current state.
func (to *Timeout) State() State {
	return State(to.state.Load())
}

// Deadline returns the time at which the current run is due.
func (to *Timeout) Deadline() time.Time {
	return to.timer.startTime.Add(time.Duration(to.deadline.Load()))
}

// Runs returns how many times the task has run.
func (to *Timeout) Runs() int64 {
	return to.runs.Load()
}

// IsPeriodic reports whether the task repeats.
func (to *Timeout) IsPeriodic() bool {
	return to.kind != kindOnce
}

// IsScheduled reports whether the task currently sits in a wheel bucket.
func (to *Timeout) IsScheduled() bool {
	return to.State() == Scheduled
}

// IsCancelled reports whether Cancel succeeded.
func (to *Timeout) IsCancelled() bool {
	return to.State() == Cancelled
}

// IsExpired reports whether a one-shot task has run.
func (to *Timeout) IsExpired() bool {
	return to.kind == kindOnce && to.State() == Completed
}

// Done returns a future completed when a one-shot task finishes, or
// cancelled when the task is cancelled.
func (to *Timeout) Done() *future.Future[struct{}] {
	return to.done
}

// Cancel stops the task from running again. A one-shot task can only be
// cancelled before it starts running. The bucket entry is unlinked by the
// worker on its next pass over that bucket.
func (to *Timeout) Cancel() bool {
	for {
		s := to.State()
		switch s {
		case Cancelled:
			return false
		case Running, Completed:
			if to.kind == kindOnce {
				return false
			}
		}
		if to.state.CompareAndSwap(int32(s), int32(Cancelled)) {
			if to.timer.workerState.Load() != workerShutdown {
				to.timer.count.Add(-1)
			}
			to.done.Cancel()
			return true
		}
	}
}

// expire runs the task on the worker goroutine during the given tick. A
// fixed-rate task whose next deadline also falls within that tick runs
// again straight away, so a period shorter than the tick loses no runs.
func (to *Timeout) expire(tick int64) {
	for {
		if !to.state.CompareAndSwap(int32(Scheduled), int32(Running)) {
			return
		}
		to.runs.Add(1)
		to.timer.runTask(to)

		if !to.state.CompareAndSwap(int32(Running), int32(Completed)) {
			return
		}
		if to.kind == kindOnce {
			to.timer.count.Add(-1)
			to.done.TrySucceed(struct{}{})
			return
		}

		switch to.kind {
		case kindFixedRate:
			to.deadline.Add(int64(to.period))
		case kindFixedDelay:
			to.deadline.Store(int64(to.timer.elapsed() + to.period))
		}

		if to.kind == kindFixedRate && to.deadline.Load()/int64(to.timer.tick) <= tick {
			if !to.state.CompareAndSwap(int32(Completed), int32(Scheduled)) {
				return
			}
			continue
		}
		to.timer.reschedule(to)
		return
	}
}
