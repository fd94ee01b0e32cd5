package sim

import (
	"time"

	"github.com/pkg/errors"

	labsched "github.com/BAMresearch/MAPz-at-BAM-sub000"
)

// BenchRegistry hands out simulated instruments deduplicated by
// canonical name: asking for "the same" device twice returns the
// existing instance, never a second driver talking to one resource.
type BenchRegistry struct {
	latency time.Duration
	reg     *labsched.DeviceRegistry
}

// NewBenchRegistry builds a registry whose instruments all share the
// given operation latency.
func NewBenchRegistry(latency time.Duration) *BenchRegistry {
	return &BenchRegistry{latency: latency, reg: labsched.NewDeviceRegistry()}
}

// Devices returns every instrument built so far.
func (b *BenchRegistry) Devices() []labsched.Device {
	return b.reg.Devices()
}

// RobotArm returns the arm registered under name, building it on first
// use.
func (b *BenchRegistry) RobotArm(name string) (*RobotArm, error) {
	d, err := b.reg.Obtain(name, func(name string) (labsched.Device, error) {
		return NewRobotArm(name, WithLatency(b.latency)), nil
	})
	if err != nil {
		return nil, err
	}
	return asType[*RobotArm](name, d)
}

// SyringePump returns the pump registered under name.
func (b *BenchRegistry) SyringePump(name string, mlPerSecond float64) (*SyringePump, error) {
	d, err := b.reg.Obtain(name, func(name string) (labsched.Device, error) {
		return NewSyringePump(name, mlPerSecond, WithLatency(b.latency)), nil
	})
	if err != nil {
		return nil, err
	}
	return asType[*SyringePump](name, d)
}

// SwitchingValve returns the valve registered under name.
func (b *BenchRegistry) SwitchingValve(name string, ports int) (*SwitchingValve, error) {
	d, err := b.reg.Obtain(name, func(name string) (labsched.Device, error) {
		return NewSwitchingValve(name, ports, WithLatency(b.latency)), nil
	})
	if err != nil {
		return nil, err
	}
	return asType[*SwitchingValve](name, d)
}

// Hotplate returns the hotplate registered under name.
func (b *BenchRegistry) Hotplate(name string) (*Hotplate, error) {
	d, err := b.reg.Obtain(name, func(name string) (labsched.Device, error) {
		return NewHotplate(name, WithLatency(b.latency)), nil
	})
	if err != nil {
		return nil, err
	}
	return asType[*Hotplate](name, d)
}

// Centrifuge returns the centrifuge registered under name.
func (b *BenchRegistry) Centrifuge(name string) (*Centrifuge, error) {
	d, err := b.reg.Obtain(name, func(name string) (labsched.Device, error) {
		return NewCentrifuge(name, WithLatency(b.latency)), nil
	})
	if err != nil {
		return nil, err
	}
	return asType[*Centrifuge](name, d)
}

// Sonicator returns the sonicator registered under name.
func (b *BenchRegistry) Sonicator(name string) (*Sonicator, error) {
	d, err := b.reg.Obtain(name, func(name string) (labsched.Device, error) {
		return NewSonicator(name, WithLatency(b.latency)), nil
	})
	if err != nil {
		return nil, err
	}
	return asType[*Sonicator](name, d)
}

// EnvironmentSensor returns the sensor registered under name.
func (b *BenchRegistry) EnvironmentSensor(name string) (*EnvironmentSensor, error) {
	d, err := b.reg.Obtain(name, func(name string) (labsched.Device, error) {
		return NewEnvironmentSensor(name, WithLatency(b.latency)), nil
	})
	if err != nil {
		return nil, err
	}
	return asType[*EnvironmentSensor](name, d)
}

func asType[T labsched.Device](name string, d labsched.Device) (T, error) {
	typed, ok := d.(T)
	if !ok {
		var zero T
		return zero, errors.Errorf("device %q is already registered as %T", name, d)
	}
	return typed, nil
}
