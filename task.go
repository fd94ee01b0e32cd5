package labsched

import (
	"context"
	"time"
)

// TaskFunc is one unit of device work. It runs on the owning device's
// worker goroutine and may block on driver I/O.
type TaskFunc func() (any, error)

// Result is the promise side of a submitted task. It is fulfilled
// exactly once, either with the task's return value or with the error
// that rejected it during shutdown.
type Result struct {
	done  chan struct{}
	value any
	err   error
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

// Done is closed once the result is available.
func (r *Result) Done() <-chan struct{} { return r.done }

// Wait blocks until the task has run or ctx is cancelled.
func (r *Result) Wait(ctx context.Context) (any, error) {
	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Result) fulfill(value any, err error) {
	r.value = value
	r.err = err
	close(r.done)
}

// TaskOptions control how a submission is queued.
type TaskOptions struct {
	// Priority orders the device queue; lower values are served first.
	Priority int
	// Sequential tasks serialize under their group's lock relative to
	// other sequential tasks of the same group.
	Sequential bool
	// Group ties the task to an atomic multi-device reservation.
	Group *TaskGroup
}

// TaskOption mutates TaskOptions at submission time.
type TaskOption func(*TaskOptions)

// WithPriority overrides the scheduler's default priority. Lower values
// are served first.
func WithPriority(priority int) TaskOption {
	return func(o *TaskOptions) { o.Priority = priority }
}

// WithGroup tags the task as part of group.
func WithGroup(group *TaskGroup) TaskOption {
	return func(o *TaskOptions) { o.Group = group }
}

// NonSequential lets a grouped task overlap with the group's other
// work instead of serializing under the group lock. Used for actions
// that may run while another device in the same group is still busy,
// such as parking a robot arm while a pump keeps dispensing.
func NonSequential() TaskOption {
	return func(o *TaskOptions) { o.Sequential = false }
}

// prioritizedTask is one device-queue entry. Ordering is
// (priority, seq): lower priority values first, insertion order
// breaking ties.
type prioritizedTask struct {
	priority   int
	seq        uint64
	sequential bool
	sentinel   bool
	group      *TaskGroup
	run        TaskFunc
	result     *Result
	queuedAt   time.Time
}

func (t *prioritizedTask) less(other *prioritizedTask) bool {
	if t.priority != other.priority {
		return t.priority < other.priority
	}
	return t.seq < other.seq
}
