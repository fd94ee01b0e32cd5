package labsched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func (s *Scheduler) waitingContains(g *TaskGroup) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.waiting {
		if e.group == g {
			return true
		}
	}
	return false
}

func (g *TaskGroup) readyFor(q *deviceQueue) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready[q]
}

func mustQueue(t *testing.T, s *Scheduler, d Device) *deviceQueue {
	t.Helper()
	q, err := s.queueFor(d)
	if err != nil {
		t.Fatalf("queueFor %s: %v", d.Name(), err)
	}
	return q
}

func TestReserveIsAtomicAcrossDevices(t *testing.T) {
	d1 := &stubDevice{name: "arm-1"}
	d2 := &stubDevice{name: "pump-1"}
	s := newTestScheduler(t, d1, d2)
	ctx := testCtx(t)

	// d2's worker is busy, so the reservation cannot complete yet.
	release := gateTask(t, s, d2)

	group := NewTaskGroup()
	reserved := make(chan error, 1)
	go func() { reserved <- s.Reserve(ctx, group, d1, d2) }()

	q1 := mustQueue(t, s, d1)
	waitUntil(t, "d1 ready", func() bool { return group.readyFor(q1) })

	// A grouped task submitted while the reservation is forming must
	// not run before Reserve returns.
	ran := make(chan struct{})
	if _, err := s.Submit(d1, func() (any, error) {
		close(ran)
		return nil, nil
	}, WithGroup(group)); err != nil {
		t.Fatalf("submit grouped task: %v", err)
	}

	select {
	case err := <-reserved:
		t.Fatalf("Reserve returned (%v) while a device was still busy", err)
	case <-ran:
		t.Fatal("grouped task ran before the group was active")
	case <-time.After(100 * time.Millisecond):
	}

	release()
	select {
	case err := <-reserved:
		if err != nil {
			t.Fatalf("Reserve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Reserve did not return after all devices became free")
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("grouped task never ran after activation")
	}
	s.FinishGroupAndReleaseAll(group)
}

func TestGroupHandoverBetweenGroups(t *testing.T) {
	// Two groups over {A, B}: G1 claims A, then blocks on B while G2
	// holds B. Once G2 finishes, G1's reservation completes.
	dA := &stubDevice{name: "arm-1"}
	dB := &stubDevice{name: "pump-1"}
	s := newTestScheduler(t, dA, dB)
	ctx := testCtx(t)

	g2 := NewTaskGroup()
	if err := s.Reserve(ctx, g2, dB); err != nil {
		t.Fatalf("reserve g2: %v", err)
	}
	if _, err := s.SubmitWait(ctx, dB, func() (any, error) { return nil, nil }, WithGroup(g2)); err != nil {
		t.Fatalf("g2 task: %v", err)
	}

	g1 := NewTaskGroup()
	g1Done := make(chan error, 1)
	go func() { g1Done <- s.Reserve(ctx, g1, dA, dB) }()

	qA := mustQueue(t, s, dA)
	waitUntil(t, "A ready for g1", func() bool { return g1.readyFor(qA) })
	select {
	case err := <-g1Done:
		t.Fatalf("g1 reserved (%v) while g2 still held B", err)
	case <-time.After(100 * time.Millisecond):
	}

	s.FinishGroupAndReleaseAll(g2)
	select {
	case err := <-g1Done:
		if err != nil {
			t.Fatalf("reserve g1: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("g1 reservation did not complete after g2 released B")
	}
	s.FinishGroupAndReleaseAll(g1)
}

func TestReleaseThenFinishFreesDeviceImmediately(t *testing.T) {
	dA := &stubDevice{name: "arm-1"}
	s := newTestScheduler(t, dA)
	ctx := testCtx(t)

	g1 := NewTaskGroup()
	if err := s.Reserve(ctx, g1, dA); err != nil {
		t.Fatalf("reserve g1: %v", err)
	}
	if _, err := s.SubmitWait(ctx, dA, func() (any, error) { return "step", nil }, WithGroup(g1)); err != nil {
		t.Fatalf("g1 task: %v", err)
	}
	if err := s.Release(g1, dA); err != nil {
		t.Fatalf("release: %v", err)
	}
	s.FinishGroupAndReleaseAll(g1)

	g2 := NewTaskGroup()
	done := make(chan error, 1)
	go func() { done <- s.Reserve(ctx, g2, dA) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("reserve g2: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("g2 could not reserve a released device")
	}
	s.FinishGroupAndReleaseAll(g2)
}

func TestFinishReleasesEveryParticipant(t *testing.T) {
	dA := &stubDevice{name: "arm-1"}
	dB := &stubDevice{name: "pump-1"}
	s := newTestScheduler(t, dA, dB)
	ctx := testCtx(t)

	g := NewTaskGroup()
	if err := s.Reserve(ctx, g, dA, dB); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := s.Release(g, dA); err != nil {
		t.Fatalf("release subset: %v", err)
	}
	s.FinishGroupAndReleaseAll(g)

	qA, qB := mustQueue(t, s, dA), mustQueue(t, s, dB)
	if !g.finalDone(qA) || !g.finalDone(qB) {
		t.Fatal("not every participant was released at teardown")
	}
	if s.waitingContains(g) {
		t.Fatal("finished group still sits in the waiting registry")
	}
}

func TestReleaseIgnoresNonMembers(t *testing.T) {
	dA := &stubDevice{name: "arm-1"}
	dB := &stubDevice{name: "pump-1"}
	s := newTestScheduler(t, dA, dB)
	ctx := testCtx(t)

	g := NewTaskGroup()
	if err := s.Reserve(ctx, g, dA); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// dB never joined g; releasing it must be a harmless no-op.
	if err := s.Release(g, dB); err != nil {
		t.Fatalf("release non-member: %v", err)
	}
	qB := mustQueue(t, s, dB)
	if g.contains(qB) {
		t.Fatal("release created membership for a device that never joined")
	}
	s.FinishGroupAndReleaseAll(g)
}

func TestContentionHandoffPrefersUrgentGroup(t *testing.T) {
	// gLow starts reserving {D, E} while E is busy, so D's worker parks
	// on the forming gLow. gHigh then reserves the same pair with a
	// more urgent priority. When E frees up, E joins gHigh first (queue
	// priority) and D must defect from gLow to gHigh, letting the more
	// urgent group run before the earlier-arrived one.
	dD := &stubDevice{name: "arm-1"}
	dE := &stubDevice{name: "pump-1"}
	s := newTestScheduler(t, dD, dE)
	ctx := testCtx(t)

	releaseE := gateTask(t, s, dE)

	gLow := NewTaskGroup(WithGroupPriority(8))
	gHigh := NewTaskGroup(WithGroupPriority(1))

	lowDone := make(chan error, 1)
	go func() { lowDone <- s.Reserve(ctx, gLow, dD, dE) }()
	waitUntil(t, "gLow parked in registry", func() bool { return s.waitingContains(gLow) })

	highDone := make(chan error, 1)
	go func() { highDone <- s.Reserve(ctx, gHigh, dD, dE) }()
	qD := mustQueue(t, s, dD)
	waitUntil(t, "gHigh sentinel queued on D", func() bool { return gHigh.contains(qD) })

	releaseE()

	select {
	case err := <-highDone:
		if err != nil {
			t.Fatalf("reserve gHigh: %v", err)
		}
	case err := <-lowDone:
		t.Fatalf("lower-priority group won the contention (err=%v)", err)
	case <-time.After(2 * time.Second):
		t.Fatal("urgent group never completed its reservation")
	}
	select {
	case err := <-lowDone:
		t.Fatalf("gLow reserved (%v) while gHigh still held its devices", err)
	case <-time.After(100 * time.Millisecond):
	}

	s.FinishGroupAndReleaseAll(gHigh)
	select {
	case err := <-lowDone:
		if err != nil {
			t.Fatalf("reserve gLow: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("parked group never completed after the urgent one finished")
	}
	s.FinishGroupAndReleaseAll(gLow)
}

func TestContentionHandoffHonorsArrivalOrder(t *testing.T) {
	// Two groups at the same priority contend for D. gA arrived first
	// (parked in the registry while E was busy); gB, reserving {D, F},
	// arrives second and must not pull D away. When E frees up, gA's
	// reservation completes first and gB only after gA finishes.
	dD := &stubDevice{name: "arm-1"}
	dE := &stubDevice{name: "pump-1"}
	dF := &stubDevice{name: "valve-1"}
	s := newTestScheduler(t, dD, dE, dF)
	ctx := testCtx(t)

	releaseE := gateTask(t, s, dE)

	gA := NewTaskGroup(WithGroupPriority(5))
	gB := NewTaskGroup(WithGroupPriority(5))

	aDone := make(chan error, 1)
	go func() { aDone <- s.Reserve(ctx, gA, dD, dE) }()
	waitUntil(t, "gA parked in registry", func() bool { return s.waitingContains(gA) })

	bDone := make(chan error, 1)
	go func() { bDone <- s.Reserve(ctx, gB, dD, dF) }()
	waitUntil(t, "gB parked in registry", func() bool { return s.waitingContains(gB) })

	releaseE()

	select {
	case err := <-aDone:
		if err != nil {
			t.Fatalf("reserve gA: %v", err)
		}
	case err := <-bDone:
		t.Fatalf("later-arrived group won an equal-priority tie (err=%v)", err)
	case <-time.After(2 * time.Second):
		t.Fatal("earlier-arrived group never completed its reservation")
	}
	select {
	case err := <-bDone:
		t.Fatalf("gB reserved (%v) while gA still held D", err)
	case <-time.After(100 * time.Millisecond):
	}

	s.FinishGroupAndReleaseAll(gA)
	select {
	case err := <-bDone:
		if err != nil {
			t.Fatalf("reserve gB: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("later group never completed after the earlier one finished")
	}
	s.FinishGroupAndReleaseAll(gB)
}

func TestSequentialTasksSerializeUnderGroupLock(t *testing.T) {
	dA := &stubDevice{name: "arm-1"}
	dB := &stubDevice{name: "pump-1"}
	s := newTestScheduler(t, dA, dB)
	ctx := testCtx(t)

	g := NewTaskGroup()
	if err := s.Reserve(ctx, g, dA, dB); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	defer s.FinishGroupAndReleaseAll(g)

	var inFlight, violations atomic.Int32
	body := func() (any, error) {
		if inFlight.Add(1) != 1 {
			violations.Add(1)
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	}
	resA, err := s.Submit(dA, body, WithGroup(g))
	if err != nil {
		t.Fatalf("submit A: %v", err)
	}
	resB, err := s.Submit(dB, body, WithGroup(g))
	if err != nil {
		t.Fatalf("submit B: %v", err)
	}
	for _, res := range []*Result{resA, resB} {
		if _, err := res.Wait(ctx); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	if violations.Load() != 0 {
		t.Fatal("sequential tasks of one group overlapped across devices")
	}
}

func TestNonSequentialTaskOverlapsGroupWork(t *testing.T) {
	dA := &stubDevice{name: "arm-1"}
	dB := &stubDevice{name: "pump-1"}
	s := newTestScheduler(t, dA, dB)
	ctx := testCtx(t)

	g := NewTaskGroup()
	if err := s.Reserve(ctx, g, dA, dB); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	defer s.FinishGroupAndReleaseAll(g)

	// The non-sequential task on A only finishes once the sequential
	// task on B has run. If non-sequential tasks wrongly took the group
	// lock, B's task could never start and this would time out.
	bRan := make(chan struct{})
	resA, err := s.Submit(dA, func() (any, error) {
		select {
		case <-bRan:
			return nil, nil
		case <-time.After(2 * time.Second):
			return nil, errors.New("sequential task never ran alongside")
		}
	}, WithGroup(g), NonSequential())
	if err != nil {
		t.Fatalf("submit A: %v", err)
	}
	resB, err := s.Submit(dB, func() (any, error) {
		close(bRan)
		return nil, nil
	}, WithGroup(g))
	if err != nil {
		t.Fatalf("submit B: %v", err)
	}
	for _, res := range []*Result{resA, resB} {
		if _, err := res.Wait(ctx); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
}

func TestReserveHonorsContextCancellation(t *testing.T) {
	dA := &stubDevice{name: "arm-1"}
	s := newTestScheduler(t, dA)

	release := gateTask(t, s, dA)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	g := NewTaskGroup()
	done := make(chan error, 1)
	go func() { done <- s.Reserve(ctx, g, dA) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Reserve ignored context cancellation")
	}
	s.FinishGroupAndReleaseAll(g)
}
