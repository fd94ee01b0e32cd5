package labsched

import (
	"container/heap"
	"sync"
)

// deviceQueue is the single priority queue owned by one device worker.
// The worker goroutine attached to it is the only place tasks for the
// device ever execute, which is what gives the scheduler its per-device
// mutual exclusion.
type deviceQueue struct {
	name   string
	device Device

	mu     sync.Mutex
	cond   *sync.Cond
	items  taskHeap
	closed bool
}

func newDeviceQueue(name string, device Device) *deviceQueue {
	q := &deviceQueue{name: name, device: device}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues a task. Returns false once the queue is closed.
func (q *deviceQueue) push(t *prioritizedTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	heap.Push(&q.items, t)
	q.cond.Broadcast()
	return true
}

// pop blocks until a task is available or the queue is closed.
func (q *deviceQueue) pop() (*prioritizedTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false
	}
	return heap.Pop(&q.items).(*prioritizedTask), true
}

// takeGroupTask removes and returns the most urgent queued task tagged
// with group, leaving every other entry untouched. Returns nil when the
// queue holds nothing for the group.
func (q *deviceQueue) takeGroupTask(group *TaskGroup) *prioritizedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	best := -1
	for i, t := range q.items {
		if t.group != group {
			continue
		}
		if best == -1 || t.less(q.items[best]) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}
	return heap.Remove(&q.items, best).(*prioritizedTask)
}

// close rejects everything still queued and wakes the worker so it can
// exit. Pending results are fulfilled with err so blocked callers do
// not hang.
func (q *deviceQueue) close(err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.items
	q.items = nil
	q.cond.Broadcast()
	q.mu.Unlock()
	for _, t := range pending {
		t.result.fulfill(nil, err)
	}
}

func (q *deviceQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// taskHeap orders tasks by (priority, insertion order).
type taskHeap []*prioritizedTask

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].less(h[j]) }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)        { *h = append(*h, x.(*prioritizedTask)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
