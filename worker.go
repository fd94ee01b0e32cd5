package labsched

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// runWorker is the body of the one goroutine allowed to execute tasks
// against its device. It loops dequeue → run → (for grouped work) the
// contention hand-off protocol, until shutdown or emergency stop.
func (s *Scheduler) runWorker(q *deviceQueue) {
	log.Debug().Str("device", q.name).Msg("labsched: worker started")
	for s.stopping() == nil {
		job, ok := q.pop()
		if !ok {
			break
		}
		group := job.group
		s.runTask(q, job)
		if group == nil || group.finalDone(q) {
			continue
		}
		// The task just run was grouped and not this device's final one:
		// the device stays claimed, so park in the hand-off protocol
		// instead of dequeuing unrelated work.
		s.registerWaiting(group)
		s.waitWithGroup(q, group)
	}
	log.Debug().Str("device", q.name).Msg("labsched: worker stopped")
}

// waitWithGroup parks the worker between grouped tasks. On every wake
// it does exactly one of four things: defect to a strictly more urgent
// waiting group that also needs this device, run the current group's
// next queued task for this device, leave once the device's final
// signal is set, or keep waiting.
func (s *Scheduler) waitWithGroup(q *deviceQueue, group *TaskGroup) {
	for {
		if group.finalDone(q) || s.stopping() != nil {
			s.wakeAll()
			return
		}
		s.mu.Lock()
		if !group.isActive() {
			// Reservation still forming (or torn down between steps):
			// see whether a more urgent group should take this device.
			if next := s.defectLocked(q, group); next != nil {
				group = next
				s.mu.Unlock()
				continue
			}
			if !group.isActive() && !group.finalDone(q) && s.stopping() == nil {
				s.wake.Wait()
			}
			s.mu.Unlock()
			continue
		}
		// Active: claim the group's next queued task for this device.
		// The claim happens under s.mu so a submission racing with the
		// park either lands before the scan or blocks in wakeAll until
		// the worker is actually waiting.
		if job := q.takeGroupTask(group); job != nil {
			s.mu.Unlock()
			if err := s.stopping(); err != nil {
				job.result.fulfill(nil, err)
				return
			}
			s.runTask(q, job)
			continue
		}
		if group.isActive() && !group.finalDone(q) && s.stopping() == nil {
			s.wake.Wait()
		}
		s.mu.Unlock()
	}
}

// defectLocked scans the waiting registry in (priority, arrival) order.
// The first relevant entry wins: if it is the worker's own group the
// worker stays put; if it is another group that includes this device
// and has not released it, the worker hands the device over, clearing
// its readiness in the old group and re-queuing a sentinel so the old
// group keeps its place in line. Returns the group to switch to, or
// nil. Called with s.mu held.
func (s *Scheduler) defectLocked(q *deviceQueue, group *TaskGroup) *TaskGroup {
	for _, e := range s.waiting {
		other := e.group
		if other == group {
			return nil
		}
		if !other.contains(q) || other.finalDone(q) || group.finalDone(q) {
			continue
		}
		group.clearReady(q)
		if err := s.enqueueSentinel(q, group); err != nil {
			// Queues only close on shutdown; the old group's claim dies
			// with the process.
			return nil
		}
		other.setReady(q)
		s.wake.Broadcast()
		log.Debug().
			Str("device", q.name).
			Str("from", group.id).
			Str("to", other.id).
			Msg("labsched: device handed off to more urgent group")
		return other
	}
	return nil
}

// runTask executes one task on the worker goroutine, serializing
// sequential grouped tasks under their group's lock, and fulfills the
// task's result exactly once.
func (s *Scheduler) runTask(q *deviceQueue, t *prioritizedTask) {
	started := time.Now()
	var value any
	var err error
	if t.group != nil && t.sequential {
		t.group.mu.Lock()
		value, err = invokeTask(t)
		t.group.mu.Unlock()
	} else {
		value, err = invokeTask(t)
	}
	t.result.fulfill(value, err)
	s.record(q, t, started, err)
}

// invokeTask isolates task panics so a failing driver closure reaches
// only its own result, never the worker loop.
func invokeTask(t *prioritizedTask) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("task panicked: %v", r)
		}
	}()
	if t.run == nil {
		return nil, nil
	}
	return t.run()
}

func (s *Scheduler) record(q *deviceQueue, t *prioritizedTask, started time.Time, runErr error) {
	run := TaskRun{
		Device:     q.name,
		Priority:   t.priority,
		Sequential: t.sequential,
		Sentinel:   t.sentinel,
		QueuedAt:   t.queuedAt,
		StartedAt:  started,
		Duration:   time.Since(started),
	}
	if t.group != nil {
		run.GroupID = t.group.id
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if err := s.recorder.RecordRun(context.Background(), run); err != nil {
		log.Warn().Err(err).Str("device", q.name).Msg("labsched: record task run failed")
	}
}
