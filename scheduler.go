// Package labsched serializes access to a laboratory of independently
// addressable instruments (pumps, valves, hotplates, robot arms,
// centrifuges, sonicators, sensors). Every device gets one priority
// queue and one worker goroutine, so no two tasks ever drive the same
// device at the same instant. Multi-device operations reserve their
// full device set atomically through TaskGroup barriers, contended
// devices hand themselves to the most urgent waiting group instead of
// deadlocking, and a single emergency stop halts the whole bench.
package labsched

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultPriority applies to submissions and groups that do not pick
// their own. Lower values are served first.
const DefaultPriority = 10

// Sentinel errors surfaced by Submit and Reserve.
var (
	// ErrSchedulerStopped is returned once Shutdown has run.
	ErrSchedulerStopped = errors.New("scheduler is shut down")
	// ErrEmergencyStop is returned once the emergency stop has fired.
	ErrEmergencyStop = errors.New("emergency stop is active")
	// ErrUnknownDevice is returned for devices never registered.
	ErrUnknownDevice = errors.New("device is not registered")
	// ErrDutyCycleExceeded is returned when a device's duty-cycle
	// window has no starts left.
	ErrDutyCycleExceeded = errors.New("device duty-cycle limit reached")
)

// Config controls Scheduler behavior.
type Config struct {
	// DefaultPriority applies to submissions without WithPriority.
	// Zero means DefaultPriority.
	DefaultPriority int
	// Recorder receives one record per executed task plus emergency
	// stop events. Nil means discard.
	Recorder TaskRecorder
	// DutyCycleLimit caps task starts per device inside DutyCycleWindow.
	// Zero disables the limiter. Reservation sentinels are exempt.
	DutyCycleLimit  int
	DutyCycleWindow time.Duration
}

// Scheduler owns every device queue and worker. Lock nesting order is
// always scheduler → group → device queue; nothing ever locks against
// that grain.
type Scheduler struct {
	cfg      Config
	recorder TaskRecorder
	limiter  *dutyCycleLimiter

	// mu guards the device table and the waiting registry and backs the
	// process-wide wake condition shared by all parked workers.
	mu      sync.Mutex
	wake    *sync.Cond
	queues  map[string]*deviceQueue
	waiting []waitingEntry

	seq      atomic.Uint64 // task insertion order, FIFO tie-break
	arrivals atomic.Uint64 // waiting-registry arrival order
	stopped  atomic.Bool
	estop    atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	workers  *errgroup.Group
}

// waitingEntry is one group currently blocked on device contention.
type waitingEntry struct {
	priority int
	arrival  uint64
	group    *TaskGroup
}

// New builds a scheduler. Devices are attached with RegisterDevice.
func New(cfg Config) *Scheduler {
	if cfg.DefaultPriority <= 0 {
		cfg.DefaultPriority = DefaultPriority
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = NoopRecorder{}
	}
	var limiter *dutyCycleLimiter
	if cfg.DutyCycleLimit > 0 && cfg.DutyCycleWindow > 0 {
		limiter = newDutyCycleLimiter(cfg.DutyCycleLimit, cfg.DutyCycleWindow)
	}
	s := &Scheduler{
		cfg:      cfg,
		recorder: recorder,
		limiter:  limiter,
		queues:   make(map[string]*deviceQueue),
		stopCh:   make(chan struct{}),
		workers:  &errgroup.Group{},
	}
	s.wake = sync.NewCond(&s.mu)
	return s
}

// RegisterDevice creates the device's queue and worker on first call.
// Registration is idempotent per canonical name and lasts for the
// process lifetime.
func (s *Scheduler) RegisterDevice(d Device) error {
	if d == nil {
		return errors.New("device is nil")
	}
	name := strings.TrimSpace(d.Name())
	if name == "" {
		return errors.New("device name is empty")
	}
	if err := s.stopping(); err != nil {
		return err
	}
	s.mu.Lock()
	if _, ok := s.queues[name]; ok {
		s.mu.Unlock()
		return nil
	}
	q := newDeviceQueue(name, d)
	s.queues[name] = q
	s.mu.Unlock()
	GoSafe(context.Background(), s.workers, "worker "+name, func(context.Context) error {
		s.runWorker(q)
		return nil
	})
	log.Debug().Str("device", name).Msg("labsched: device registered")
	return nil
}

// Submit wraps fn in a task for the device and enqueues it. The
// returned Result is fulfilled exactly once, after the device's worker
// has run the task (or rejected it during shutdown). Refused outright
// once the scheduler is stopped.
func (s *Scheduler) Submit(d Device, fn TaskFunc, opts ...TaskOption) (*Result, error) {
	if err := s.stopping(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, errors.New("task func is nil")
	}
	q, err := s.queueFor(d)
	if err != nil {
		return nil, err
	}
	options := TaskOptions{Priority: s.cfg.DefaultPriority, Sequential: true}
	for _, opt := range opts {
		opt(&options)
	}
	if s.limiter != nil && !s.limiter.allow(q.name, time.Now()) {
		return nil, errors.Wrapf(ErrDutyCycleExceeded, "device %s", q.name)
	}
	t := &prioritizedTask{
		priority:   options.Priority,
		seq:        s.seq.Add(1),
		sequential: options.Sequential,
		group:      options.Group,
		run:        fn,
		result:     newResult(),
		queuedAt:   time.Now(),
	}
	if !q.push(t) {
		if err := s.stopping(); err != nil {
			return nil, err
		}
		return nil, ErrSchedulerStopped
	}
	s.wakeAll()
	return t.result, nil
}

// SubmitWait submits and blocks until the task has run, returning its
// value directly.
func (s *Scheduler) SubmitWait(ctx context.Context, d Device, fn TaskFunc, opts ...TaskOption) (any, error) {
	res, err := s.Submit(d, fn, opts...)
	if err != nil {
		return nil, err
	}
	return res.Wait(ctx)
}

// Reserve blocks until every listed device is simultaneously ready to
// run tasks for group, then marks the group active. Devices are claimed
// in whatever order their queued work permits: a zero-effect sentinel
// simply takes its place in each device's priority queue, never
// preempting a running task. The scheduler imposes no timeout of its
// own; callers that need a bound pass a ctx with one.
func (s *Scheduler) Reserve(ctx context.Context, group *TaskGroup, devices ...Device) error {
	if group == nil {
		return errors.New("task group is nil")
	}
	if len(devices) == 0 {
		return errors.New("no devices to reserve")
	}
	if err := s.stopping(); err != nil {
		return err
	}
	qs := make([]*deviceQueue, 0, len(devices))
	for _, d := range devices {
		q, err := s.queueFor(d)
		if err != nil {
			return err
		}
		qs = append(qs, q)
	}
	for _, q := range qs {
		group.ensureSignals(q)
		if err := s.enqueueSentinel(q, group); err != nil {
			return err
		}
	}
	s.wakeAll()

	// The group condition has no channel form, so a watcher turns ctx
	// cancellation and scheduler stop into broadcasts.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
		case <-s.stopCh:
		case <-watchDone:
			return
		}
		group.mu.Lock()
		group.cond.Broadcast()
		group.mu.Unlock()
	}()

	group.mu.Lock()
	for {
		if group.allReadyLocked() {
			group.active = true
			break
		}
		if err := ctx.Err(); err != nil {
			group.mu.Unlock()
			return errors.Wrapf(err, "reserve devices for group %s", group.id)
		}
		if err := s.stopping(); err != nil {
			group.mu.Unlock()
			return err
		}
		group.cond.Wait()
	}
	group.mu.Unlock()
	s.wakeAll()
	log.Debug().Str("group", group.id).Int("devices", len(qs)).Msg("labsched: task group active")
	return nil
}

// Release frees the given devices from the group ahead of full
// completion; the rest of the group keeps running. Devices that never
// joined the group are ignored.
func (s *Scheduler) Release(group *TaskGroup, devices ...Device) error {
	if group == nil {
		return errors.New("task group is nil")
	}
	for _, d := range devices {
		q, err := s.queueFor(d)
		if err != nil {
			return err
		}
		if group.setFinal(q) {
			log.Debug().Str("group", group.id).Str("device", q.name).Msg("labsched: device released from group")
		}
	}
	s.wakeAll()
	return nil
}

// FinishGroupAndReleaseAll tears the group down: it leaves the waiting
// registry, every participating device is released even if Release
// never ran for it, and anyone still blocked on the group is woken.
// Callers must route every exit path of an operation that reserved
// devices through here, typically via defer. Calling it again on a
// finished group is harmless.
func (s *Scheduler) FinishGroupAndReleaseAll(group *TaskGroup) {
	if group == nil {
		return
	}
	s.mu.Lock()
	for i, e := range s.waiting {
		if e.group == group {
			s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	group.finishAll()
	s.wakeAll()
	log.Debug().Str("group", group.id).Msg("labsched: task group finished")
}

// RequestEmergencyStop latches the process-wide stop: all further
// submissions and reservations are refused, every registered device
// receives exactly one immediate stop call (isolated so one failing
// driver cannot block the broadcast), queued work is rejected and
// workers drain to shutdown. One-way for the process lifetime;
// recovery is an explicit administrative action per device.
func (s *Scheduler) RequestEmergencyStop() {
	if !s.estop.CompareAndSwap(false, true) {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	log.Error().Msg("labsched: emergency stop requested")

	queues := s.snapshotQueues()
	names := make([]string, 0, len(queues))
	for _, q := range queues {
		names = append(names, q.name)
		stopDevice(q)
	}
	for _, q := range queues {
		q.close(ErrEmergencyStop)
	}
	s.wakeAll()
	sort.Strings(names)
	if err := s.recorder.RecordEmergencyStop(context.Background(), time.Now(), names); err != nil {
		log.Warn().Err(err).Msg("labsched: record emergency stop failed")
	}
}

// Shutdown stops accepting work, rejects everything still queued and
// waits for the workers to exit. Unlike the emergency stop it does not
// touch the devices.
func (s *Scheduler) Shutdown() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	for _, q := range s.snapshotQueues() {
		q.close(ErrSchedulerStopped)
	}
	s.wakeAll()
	_ = s.workers.Wait()
	log.Debug().Msg("labsched: scheduler shut down")
}

// stopDevice isolates one driver's stop call so a panicking driver
// cannot keep the broadcast from reaching the rest of the bench.
func stopDevice(q *deviceQueue) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("device", q.name).Interface("panic", r).Msg("labsched: emergency stop panicked")
		}
	}()
	if !q.device.EmergencyStop() {
		log.Error().Str("device", q.name).Msg("labsched: device did not confirm emergency stop")
	}
}

// enqueueSentinel queues the zero-effect task whose execution signals
// that the device's worker has reached the group. Non-sequential, at
// the group's priority.
func (s *Scheduler) enqueueSentinel(q *deviceQueue, group *TaskGroup) error {
	t := &prioritizedTask{
		priority: group.priority,
		seq:      s.seq.Add(1),
		sentinel: true,
		group:    group,
		result:   newResult(),
		queuedAt: time.Now(),
	}
	t.run = func() (any, error) {
		group.setReady(q)
		s.wakeAll()
		return true, nil
	}
	if !q.push(t) {
		if err := s.stopping(); err != nil {
			return err
		}
		return ErrSchedulerStopped
	}
	return nil
}

// registerWaiting adds the group to the waiting registry if absent,
// keeping the registry sorted by (priority, arrival) so scans resolve
// contention deterministically, and wakes everyone.
func (s *Scheduler) registerWaiting(group *TaskGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.waiting {
		if e.group == group {
			s.wake.Broadcast()
			return
		}
	}
	s.waiting = append(s.waiting, waitingEntry{
		priority: group.priority,
		arrival:  s.arrivals.Add(1),
		group:    group,
	})
	sort.SliceStable(s.waiting, func(i, j int) bool {
		if s.waiting[i].priority != s.waiting[j].priority {
			return s.waiting[i].priority < s.waiting[j].priority
		}
		return s.waiting[i].arrival < s.waiting[j].arrival
	})
	s.wake.Broadcast()
}

func (s *Scheduler) queueFor(d Device) (*deviceQueue, error) {
	if d == nil {
		return nil, errors.New("device is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[strings.TrimSpace(d.Name())]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownDevice, "device %s", d.Name())
	}
	return q, nil
}

func (s *Scheduler) snapshotQueues() []*deviceQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*deviceQueue, 0, len(s.queues))
	for _, q := range s.queues {
		out = append(out, q)
	}
	return out
}

// stopping reports why the scheduler refuses new work, if it does.
func (s *Scheduler) stopping() error {
	if s.estop.Load() {
		return ErrEmergencyStop
	}
	if s.stopped.Load() {
		return ErrSchedulerStopped
	}
	return nil
}

func (s *Scheduler) wakeAll() {
	s.mu.Lock()
	s.wake.Broadcast()
	s.mu.Unlock()
}
