package labsched

import (
	"sync"

	"github.com/google/uuid"
)

// TaskGroup is the barrier object behind one atomic multi-device
// reservation. All participating device workers and the reserving
// client rendezvous on it: every device flips its ready signal when its
// worker is willing to run the group's work, the group turns active
// once all of them are ready, and each device stays claimed until its
// final signal is set.
//
// A group is created per logical multi-device operation and must be
// torn down with Scheduler.FinishGroupAndReleaseAll on every exit path,
// or its devices stay reserved forever.
type TaskGroup struct {
	id       string
	priority int

	mu     sync.Mutex
	cond   *sync.Cond
	ready  map[*deviceQueue]bool
	final  map[*deviceQueue]bool
	active bool
}

// GroupOption configures a TaskGroup at construction.
type GroupOption func(*TaskGroup)

// WithGroupPriority sets the urgency used for contention ordering and
// for the group's reservation sentinels. Lower values win contention.
func WithGroupPriority(priority int) GroupOption {
	return func(g *TaskGroup) { g.priority = priority }
}

// NewTaskGroup builds an empty group. Devices join lazily when the
// group is passed to Scheduler.Reserve.
func NewTaskGroup(opts ...GroupOption) *TaskGroup {
	g := &TaskGroup{
		id:       uuid.NewString(),
		priority: DefaultPriority,
		ready:    make(map[*deviceQueue]bool),
		final:    make(map[*deviceQueue]bool),
	}
	g.cond = sync.NewCond(&g.mu)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ID returns the group's unique identifier.
func (g *TaskGroup) ID() string { return g.id }

// Priority returns the group's contention priority.
func (g *TaskGroup) Priority() int { return g.priority }

// ensureSignals creates the ready/final slots for a device joining the
// group, clearing stale signals left over from an earlier reservation.
func (g *TaskGroup) ensureSignals(q *deviceQueue) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if done, ok := g.final[q]; !ok || done {
		g.final[q] = false
	}
	if rdy, ok := g.ready[q]; !ok || rdy {
		g.ready[q] = false
	}
}

// contains reports whether the device has ever joined the group and has
// not been forgotten (membership lasts until teardown).
func (g *TaskGroup) contains(q *deviceQueue) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.final[q]
	return ok
}

func (g *TaskGroup) setReady(q *deviceQueue) {
	g.mu.Lock()
	g.ready[q] = true
	g.cond.Broadcast()
	g.mu.Unlock()
}

func (g *TaskGroup) clearReady(q *deviceQueue) {
	g.mu.Lock()
	g.ready[q] = false
	g.cond.Broadcast()
	g.mu.Unlock()
}

// setFinal releases the device from the group. Devices that never
// joined are ignored; reports whether the device was a member.
func (g *TaskGroup) setFinal(q *deviceQueue) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.final[q]; !ok {
		return false
	}
	g.final[q] = true
	g.cond.Broadcast()
	return true
}

// finalDone reports whether the device has been released from the
// group.
func (g *TaskGroup) finalDone(q *deviceQueue) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.final[q]
}

func (g *TaskGroup) isActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// allReadyLocked reports whether every joined device has signaled
// readiness. Callers hold g.mu.
func (g *TaskGroup) allReadyLocked() bool {
	if len(g.ready) == 0 {
		return false
	}
	for _, ok := range g.ready {
		if !ok {
			return false
		}
	}
	return true
}

// finishAll deactivates the group and force-sets every signal, even
// ones never set, so nothing keeps waiting on a dead group.
func (g *TaskGroup) finishAll() {
	g.mu.Lock()
	g.active = false
	for q := range g.final {
		g.final[q] = true
	}
	for q := range g.ready {
		g.ready[q] = true
	}
	g.cond.Broadcast()
	g.mu.Unlock()
}
