package labsched

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Device is the scheduler's view of one physical resource. Drivers own
// the transport and the domain operations; the scheduler only needs a
// stable identity and an immediate safety stop.
type Device interface {
	// Name returns the canonical device descriptor. Two values with the
	// same name address the same physical resource.
	Name() string
	// EmergencyStop performs a best-effort immediate halt and reports
	// whether the device acknowledged it. It is called out-of-band,
	// never through the device's task queue.
	EmergencyStop() bool
}

// DeviceRegistry deduplicates driver instances by canonical name, so
// constructing "the same" device twice yields the existing instance.
type DeviceRegistry struct {
	mu      sync.Mutex
	devices map[string]Device
}

// NewDeviceRegistry builds an empty registry.
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{devices: make(map[string]Device)}
}

// Obtain returns the device registered under name, building and
// registering it on first use.
func (r *DeviceRegistry) Obtain(name string, build func(name string) (Device, error)) (Device, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("device name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[name]; ok {
		return d, nil
	}
	if build == nil {
		return nil, errors.Errorf("device %q is not registered", name)
	}
	d, err := build(name)
	if err != nil {
		return nil, errors.Wrapf(err, "build device %q", name)
	}
	if d == nil {
		return nil, errors.Errorf("builder for device %q returned nil", name)
	}
	r.devices[name] = d
	return d, nil
}

// Lookup returns the device registered under name, if any.
func (r *DeviceRegistry) Lookup(name string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[strings.TrimSpace(name)]
	return d, ok
}

// Devices returns a snapshot of all registered devices.
func (r *DeviceRegistry) Devices() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}
