// Package sim provides simulated laboratory instruments implementing
// labsched.Device. They stand in for real drivers in demos and tests:
// operations observe a configurable latency, failures can be injected
// one-shot, and an emergency stop latches the instrument into a halted
// state that fails every later operation until ClearHalt.
package sim

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Option configures a simulated instrument.
type Option func(*instrument)

// WithLatency makes every operation take d before completing.
func WithLatency(d time.Duration) Option {
	return func(i *instrument) { i.latency = d }
}

// instrument is the shared driver core embedded by every simulated
// device type.
type instrument struct {
	name    string
	latency time.Duration

	mu       sync.Mutex
	halted   bool
	failNext error

	stopCalls atomic.Int32
}

func (i *instrument) init(name string, opts ...Option) {
	i.name = name
	for _, opt := range opts {
		opt(i)
	}
}

// Name returns the canonical device descriptor.
func (i *instrument) Name() string { return i.name }

// EmergencyStop latches the instrument halted. Always acknowledges.
func (i *instrument) EmergencyStop() bool {
	i.stopCalls.Add(1)
	i.mu.Lock()
	i.halted = true
	i.mu.Unlock()
	log.Warn().Str("device", i.name).Msg("sim: emergency stop")
	return true
}

// Halted reports whether the instrument refuses operations.
func (i *instrument) Halted() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.halted
}

// ClearHalt is the explicit per-device recovery action after an
// emergency stop.
func (i *instrument) ClearHalt() {
	i.mu.Lock()
	i.halted = false
	i.mu.Unlock()
	log.Info().Str("device", i.name).Msg("sim: halt cleared")
}

// FailNext makes the next operation return err instead of running.
func (i *instrument) FailNext(err error) {
	i.mu.Lock()
	i.failNext = err
	i.mu.Unlock()
}

// StopCalls reports how many emergency stops the instrument received.
func (i *instrument) StopCalls() int {
	return int(i.stopCalls.Load())
}

// operate runs one simulated action on the calling goroutine.
func (i *instrument) operate(op string) error {
	i.mu.Lock()
	if i.halted {
		i.mu.Unlock()
		return errors.Errorf("%s: halted by emergency stop", i.name)
	}
	if err := i.failNext; err != nil {
		i.failNext = nil
		i.mu.Unlock()
		return errors.Wrapf(err, "%s: %s failed", i.name, op)
	}
	i.mu.Unlock()
	if i.latency > 0 {
		time.Sleep(i.latency)
	}
	log.Debug().Str("device", i.name).Str("op", op).Msg("sim: operation complete")
	return nil
}
