package labsched

import "testing"

func TestGroupSignalsTrackMembership(t *testing.T) {
	g := NewTaskGroup(WithGroupPriority(3))
	if g.Priority() != 3 {
		t.Fatalf("priority %d, want 3", g.Priority())
	}
	if g.ID() == "" {
		t.Fatal("group has no id")
	}
	q := newDeviceQueue("pump-1", &stubDevice{name: "pump-1"})

	if g.contains(q) {
		t.Fatal("group claims membership before the device joined")
	}
	g.ensureSignals(q)
	if !g.contains(q) {
		t.Fatal("device not a member after ensureSignals")
	}
	if g.finalDone(q) {
		t.Fatal("fresh member already marked final")
	}

	g.setReady(q)
	g.mu.Lock()
	allReady := g.allReadyLocked()
	g.mu.Unlock()
	if !allReady {
		t.Fatal("sole ready member does not make the group ready")
	}

	if !g.setFinal(q) {
		t.Fatal("setFinal rejected a member")
	}
	if !g.finalDone(q) {
		t.Fatal("member not final after setFinal")
	}
}

func TestEnsureSignalsClearsStaleStateOnRejoin(t *testing.T) {
	g := NewTaskGroup()
	q := newDeviceQueue("pump-1", &stubDevice{name: "pump-1"})

	g.ensureSignals(q)
	g.setReady(q)
	g.setFinal(q)

	// A second reservation of the same device must start from scratch.
	g.ensureSignals(q)
	if g.finalDone(q) {
		t.Fatal("stale final signal survived rejoin")
	}
	g.mu.Lock()
	ready := g.ready[q]
	g.mu.Unlock()
	if ready {
		t.Fatal("stale ready signal survived rejoin")
	}
}

func TestSetFinalIgnoresNonMembers(t *testing.T) {
	g := NewTaskGroup()
	q := newDeviceQueue("pump-1", &stubDevice{name: "pump-1"})
	if g.setFinal(q) {
		t.Fatal("setFinal accepted a device that never joined")
	}
}

func TestFinishAllForcesEverySignal(t *testing.T) {
	g := NewTaskGroup()
	qA := newDeviceQueue("arm-1", &stubDevice{name: "arm-1"})
	qB := newDeviceQueue("pump-1", &stubDevice{name: "pump-1"})
	g.ensureSignals(qA)
	g.ensureSignals(qB)
	g.setReady(qA)
	g.mu.Lock()
	g.active = true
	g.mu.Unlock()

	g.finishAll()

	if g.isActive() {
		t.Fatal("group still active after finishAll")
	}
	for _, q := range []*deviceQueue{qA, qB} {
		if !g.finalDone(q) {
			t.Fatalf("device %s not released by finishAll", q.name)
		}
	}
	g.mu.Lock()
	allReady := g.allReadyLocked()
	g.mu.Unlock()
	if !allReady {
		t.Fatal("finishAll left a ready signal unset")
	}
}
