package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// SyringePump dispenses and withdraws liquid volumes.
type SyringePump struct {
	instrument
	mlPerSecond float64
}

// NewSyringePump builds a pump with the given maximum flow rate.
func NewSyringePump(name string, mlPerSecond float64, opts ...Option) *SyringePump {
	p := &SyringePump{mlPerSecond: mlPerSecond}
	p.init(name, opts...)
	return p
}

// Dispense pushes volumeML out of the syringe and returns the volume
// actually moved.
func (p *SyringePump) Dispense(volumeML float64) (float64, error) {
	if volumeML <= 0 {
		return 0, errors.Errorf("%s: dispense volume must be positive, got %v", p.name, volumeML)
	}
	if err := p.operate(fmt.Sprintf("dispense %.2f mL", volumeML)); err != nil {
		return 0, err
	}
	return volumeML, nil
}

// Withdraw pulls volumeML into the syringe.
func (p *SyringePump) Withdraw(volumeML float64) (float64, error) {
	if volumeML <= 0 {
		return 0, errors.Errorf("%s: withdraw volume must be positive, got %v", p.name, volumeML)
	}
	if err := p.operate(fmt.Sprintf("withdraw %.2f mL", volumeML)); err != nil {
		return 0, err
	}
	return volumeML, nil
}

// SwitchingValve routes flow between numbered ports.
type SwitchingValve struct {
	instrument
	ports int

	posMu    sync.Mutex
	position int
}

// NewSwitchingValve builds a valve with ports positions, starting at 1.
func NewSwitchingValve(name string, ports int, opts ...Option) *SwitchingValve {
	v := &SwitchingValve{ports: ports, position: 1}
	v.init(name, opts...)
	return v
}

// SetPosition rotates the valve to the given port.
func (v *SwitchingValve) SetPosition(port int) error {
	if port < 1 || port > v.ports {
		return errors.Errorf("%s: port %d out of range 1..%d", v.name, port, v.ports)
	}
	if err := v.operate(fmt.Sprintf("switch to port %d", port)); err != nil {
		return err
	}
	v.posMu.Lock()
	v.position = port
	v.posMu.Unlock()
	return nil
}

// Position returns the current port.
func (v *SwitchingValve) Position() int {
	v.posMu.Lock()
	defer v.posMu.Unlock()
	return v.position
}

// Hotplate heats and stirs one vessel.
type Hotplate struct {
	instrument

	stateMu   sync.Mutex
	setpointC float64
	stirRPM   int
}

// NewHotplate builds a hotplate at ambient temperature, stirrer off.
func NewHotplate(name string, opts ...Option) *Hotplate {
	h := &Hotplate{setpointC: 20}
	h.init(name, opts...)
	return h
}

// SetTemperature sets the heating setpoint in Celsius.
func (h *Hotplate) SetTemperature(celsius float64) error {
	if celsius < -20 || celsius > 400 {
		return errors.Errorf("%s: setpoint %.1f C out of range", h.name, celsius)
	}
	if err := h.operate(fmt.Sprintf("set temperature %.1f C", celsius)); err != nil {
		return err
	}
	h.stateMu.Lock()
	h.setpointC = celsius
	h.stateMu.Unlock()
	return nil
}

// SetStirSpeed sets the stirrer speed in RPM (0 stops it).
func (h *Hotplate) SetStirSpeed(rpm int) error {
	if rpm < 0 || rpm > 1700 {
		return errors.Errorf("%s: stir speed %d rpm out of range", h.name, rpm)
	}
	if err := h.operate(fmt.Sprintf("set stir speed %d rpm", rpm)); err != nil {
		return err
	}
	h.stateMu.Lock()
	h.stirRPM = rpm
	h.stateMu.Unlock()
	return nil
}

// Setpoint returns the current temperature setpoint in Celsius.
func (h *Hotplate) Setpoint() float64 {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return h.setpointC
}

// StirSpeed returns the current stirrer speed in RPM.
func (h *Hotplate) StirSpeed() int {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return h.stirRPM
}

// RobotArm moves containers between named slots.
type RobotArm struct {
	instrument

	stateMu  sync.Mutex
	location string
	holding  string
}

// NewRobotArm builds an arm parked at "home", gripper empty.
func NewRobotArm(name string, opts ...Option) *RobotArm {
	a := &RobotArm{location: "home"}
	a.init(name, opts...)
	return a
}

// MoveTo drives the arm to the named slot.
func (a *RobotArm) MoveTo(slot string) error {
	if err := a.operate("move to " + slot); err != nil {
		return err
	}
	a.stateMu.Lock()
	a.location = slot
	a.stateMu.Unlock()
	return nil
}

// Pick grabs the container at the named slot.
func (a *RobotArm) Pick(slot string) error {
	a.stateMu.Lock()
	held := a.holding
	a.stateMu.Unlock()
	if held != "" {
		return errors.Errorf("%s: gripper already holds %s", a.name, held)
	}
	if err := a.operate("pick at " + slot); err != nil {
		return err
	}
	a.stateMu.Lock()
	a.location = slot
	a.holding = slot
	a.stateMu.Unlock()
	return nil
}

// Place sets the held container down at the named slot.
func (a *RobotArm) Place(slot string) error {
	a.stateMu.Lock()
	held := a.holding
	a.stateMu.Unlock()
	if held == "" {
		return errors.Errorf("%s: gripper is empty", a.name)
	}
	if err := a.operate("place at " + slot); err != nil {
		return err
	}
	a.stateMu.Lock()
	a.location = slot
	a.holding = ""
	a.stateMu.Unlock()
	return nil
}

// Location returns the arm's current slot.
func (a *RobotArm) Location() string {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.location
}

// Centrifuge spins vials at a given speed.
type Centrifuge struct {
	instrument
}

// NewCentrifuge builds a centrifuge.
func NewCentrifuge(name string, opts ...Option) *Centrifuge {
	c := &Centrifuge{}
	c.init(name, opts...)
	return c
}

// Spin runs one centrifugation cycle. The requested duration is part
// of the protocol record; the simulation completes after the
// instrument latency.
func (c *Centrifuge) Spin(rpm int, duration time.Duration) error {
	if rpm <= 0 || rpm > 15000 {
		return errors.Errorf("%s: %d rpm out of range", c.name, rpm)
	}
	return c.operate(fmt.Sprintf("spin %d rpm for %s", rpm, duration))
}

// Sonicator applies ultrasound bursts to a vessel.
type Sonicator struct {
	instrument
}

// NewSonicator builds a sonicator.
func NewSonicator(name string, opts ...Option) *Sonicator {
	s := &Sonicator{}
	s.init(name, opts...)
	return s
}

// Burst applies one ultrasound burst.
func (s *Sonicator) Burst(duration time.Duration) error {
	if duration <= 0 {
		return errors.Errorf("%s: burst duration must be positive", s.name)
	}
	return s.operate(fmt.Sprintf("burst for %s", duration))
}

// Reading is one environment sample.
type Reading struct {
	TempC    float64
	Humidity float64
}

// EnvironmentSensor reports temperature and humidity.
type EnvironmentSensor struct {
	instrument

	readMu sync.Mutex
	reads  int
}

// NewEnvironmentSensor builds a DHT22-style sensor.
func NewEnvironmentSensor(name string, opts ...Option) *EnvironmentSensor {
	e := &EnvironmentSensor{}
	e.init(name, opts...)
	return e
}

// Read samples the sensor. Values drift slightly between reads so
// consumers exercise their change handling.
func (e *EnvironmentSensor) Read() (Reading, error) {
	if err := e.operate("read"); err != nil {
		return Reading{}, err
	}
	e.readMu.Lock()
	e.reads++
	n := e.reads
	e.readMu.Unlock()
	return Reading{
		TempC:    21.5 + float64(n%7)*0.1,
		Humidity: 45 + float64(n%11)*0.5,
	}, nil
}
