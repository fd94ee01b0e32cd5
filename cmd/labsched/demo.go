package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	labsched "github.com/BAMresearch/MAPz-at-BAM-sub000"
	"github.com/BAMresearch/MAPz-at-BAM-sub000/internal/config"
	"github.com/BAMresearch/MAPz-at-BAM-sub000/pkg/storage"
	"github.com/BAMresearch/MAPz-at-BAM-sub000/providers/sim"
)

func newDemoCmd() *cobra.Command {
	var dbPath string
	var latency time.Duration
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run one scripted liquid-transfer step on simulated instruments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), dbPath, latency)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", config.String(storage.EnvDBPath, ""), "sqlite run log path (empty: skip persistence)")
	cmd.Flags().DurationVar(&latency, "latency", 50*time.Millisecond, "simulated instrument latency")
	return cmd
}

func runDemo(ctx context.Context, dbPath string, latency time.Duration) error {
	recorder := labsched.TaskRecorder(labsched.NoopRecorder{})
	var store *storage.Store
	if dbPath != "" {
		var err error
		store, err = storage.OpenPath(dbPath)
		if err != nil {
			return errors.Wrap(err, "open run log")
		}
		defer store.Close()
		recorder = store
	}

	registry := sim.NewBenchRegistry(latency)
	arm, err := registry.RobotArm("ufactory-arm-1")
	if err != nil {
		return err
	}
	pump, err := registry.SyringePump("syringe-pump-1", config.Float("LABSCHED_PUMP_RATE", 5.0))
	if err != nil {
		return err
	}
	valve, err := registry.SwitchingValve("valve-1", 6)
	if err != nil {
		return err
	}
	hotplate, err := registry.Hotplate("hotplate-1")
	if err != nil {
		return err
	}
	sensor, err := registry.EnvironmentSensor("dht22-1")
	if err != nil {
		return err
	}

	sched := labsched.New(labsched.Config{
		Recorder:        recorder,
		DutyCycleLimit:  config.Int("LABSCHED_DUTY_LIMIT", 0),
		DutyCycleWindow: config.Duration("LABSCHED_DUTY_WINDOW", time.Minute),
	})
	defer sched.Shutdown()
	for _, d := range registry.Devices() {
		if err := sched.RegisterDevice(d); err != nil {
			return err
		}
	}

	// Background work the transfer must not disturb: the hotplate
	// preheats ungrouped, the sensor samples the enclosure.
	heatRes, err := sched.Submit(hotplate, func() (any, error) {
		return nil, hotplate.SetTemperature(80)
	})
	if err != nil {
		return err
	}
	if _, err := sched.SubmitWait(ctx, sensor, func() (any, error) {
		r, err := sensor.Read()
		return r, err
	}); err != nil {
		return err
	}

	// The transfer needs the arm, the pump and the valve as one atomic
	// unit: reserve all three before any of them moves.
	group := labsched.NewTaskGroup(labsched.WithGroupPriority(5))
	if err := sched.Reserve(ctx, group, arm, pump, valve); err != nil {
		return errors.Wrap(err, "reserve transfer devices")
	}
	defer sched.FinishGroupAndReleaseAll(group)

	steps := []struct {
		device labsched.Device
		name   string
		fn     labsched.TaskFunc
	}{
		{arm, "pick vial", func() (any, error) { return nil, arm.Pick("rack-A1") }},
		{arm, "move to pump", func() (any, error) { return nil, arm.MoveTo("pump-inlet") }},
		{valve, "route reagent", func() (any, error) { return nil, valve.SetPosition(3) }},
		{pump, "dispense", func() (any, error) { return pump.Dispense(12.5) }},
	}
	for _, step := range steps {
		if _, err := sched.SubmitWait(ctx, step.device, step.fn,
			labsched.WithGroup(group), labsched.WithPriority(5)); err != nil {
			return errors.Wrapf(err, "transfer step %q", step.name)
		}
		log.Info().Str("step", step.name).Msg("transfer step done")
	}

	// The arm is done before the pump finishes flushing: park it
	// without serializing against the pump and hand it back early.
	parkRes, err := sched.Submit(arm, func() (any, error) {
		if err := arm.Place("rack-A1"); err != nil {
			return nil, err
		}
		return nil, arm.MoveTo("home")
	}, labsched.WithGroup(group), labsched.WithPriority(5), labsched.NonSequential())
	if err != nil {
		return err
	}
	if _, err := parkRes.Wait(ctx); err != nil {
		return errors.Wrap(err, "park arm")
	}
	if err := sched.Release(group, arm); err != nil {
		return err
	}
	if _, err := sched.SubmitWait(ctx, pump, func() (any, error) {
		return pump.Withdraw(2.0)
	}, labsched.WithGroup(group), labsched.WithPriority(5)); err != nil {
		return errors.Wrap(err, "flush pump")
	}

	if _, err := heatRes.Wait(ctx); err != nil {
		return errors.Wrap(err, "preheat hotplate")
	}
	log.Info().
		Float64("setpoint_c", hotplate.Setpoint()).
		Int("valve_port", valve.Position()).
		Msg("transfer complete")

	if store != nil {
		counts, err := store.CountRuns(ctx)
		if err != nil {
			return err
		}
		for device, n := range counts {
			fmt.Printf("%-24s %d runs\n", device, n)
		}
	}
	return nil
}
