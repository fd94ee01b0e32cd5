package labsched

import (
	"strings"
	"sync"
	"time"
)

// dutyCycleLimiter caps how many tasks may start on a device inside a
// sliding window. Instruments with duty-cycle limits (sonicators,
// centrifuges) use this to keep back-to-back bursts apart.
type dutyCycleLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	records map[string][]time.Time
}

func newDutyCycleLimiter(limit int, window time.Duration) *dutyCycleLimiter {
	return &dutyCycleLimiter{
		limit:   limit,
		window:  window,
		records: make(map[string][]time.Time),
	}
}

// allow records a task start for the device when the window has room
// and reports whether it did.
func (l *dutyCycleLimiter) allow(device string, now time.Time) bool {
	device = strings.TrimSpace(device)
	if device == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.pruneLocked(device, now)
	if len(list) >= l.limit {
		return false
	}
	l.records[device] = append(list, now)
	return true
}

// remaining reports how many starts the device has left in the window.
func (l *dutyCycleLimiter) remaining(device string, now time.Time) int {
	device = strings.TrimSpace(device)
	if device == "" {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	left := l.limit - len(l.pruneLocked(device, now))
	if left < 0 {
		return 0
	}
	return left
}

func (l *dutyCycleLimiter) pruneLocked(device string, now time.Time) []time.Time {
	list := l.records[device]
	if len(list) == 0 {
		return nil
	}
	cutoff := now.Add(-l.window)
	idx := 0
	for idx < len(list) && list[idx].Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return list
	}
	list = list[idx:]
	l.records[device] = list
	return list
}
