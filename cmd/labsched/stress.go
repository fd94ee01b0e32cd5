package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	labsched "github.com/BAMresearch/MAPz-at-BAM-sub000"
	"github.com/BAMresearch/MAPz-at-BAM-sub000/providers/sim"
)

func newStressCmd() *cobra.Command {
	var recipes int
	var rounds int
	var seed int64
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run many contending recipes over overlapping device sets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress(cmd.Context(), recipes, rounds, seed)
		},
	}
	cmd.Flags().IntVar(&recipes, "recipes", 8, "number of concurrent recipes")
	cmd.Flags().IntVar(&rounds, "rounds", 5, "reservation rounds per recipe")
	cmd.Flags().Int64Var(&seed, "seed", time.Now().UnixNano(), "random seed")
	return cmd
}

// runStress launches recipes that each repeatedly reserve a random
// overlapping subset of the bench, run a few grouped tasks and tear the
// group down. Every task body asserts that it has the device to itself,
// so any mutual-exclusion violation surfaces as an error.
func runStress(ctx context.Context, recipes, rounds int, seed int64) error {
	registry := sim.NewBenchRegistry(time.Millisecond)
	arm, err := registry.RobotArm("arm-1")
	if err != nil {
		return err
	}
	pump, err := registry.SyringePump("pump-1", 5.0)
	if err != nil {
		return err
	}
	valve, err := registry.SwitchingValve("valve-1", 6)
	if err != nil {
		return err
	}
	centrifuge, err := registry.Centrifuge("centrifuge-1")
	if err != nil {
		return err
	}
	sonicator, err := registry.Sonicator("sonicator-1")
	if err != nil {
		return err
	}
	bench := []labsched.Device{arm, pump, valve, centrifuge, sonicator}

	sched := labsched.New(labsched.Config{})
	defer sched.Shutdown()
	inFlight := make(map[string]*atomic.Int32, len(bench))
	executed := make(map[string]*atomic.Int64, len(bench))
	for _, d := range bench {
		if err := sched.RegisterDevice(d); err != nil {
			return err
		}
		inFlight[d.Name()] = &atomic.Int32{}
		executed[d.Name()] = &atomic.Int64{}
	}

	var violations atomic.Int64
	task := func(d labsched.Device) labsched.TaskFunc {
		return func() (any, error) {
			counter := inFlight[d.Name()]
			if counter.Add(1) != 1 {
				violations.Add(1)
			}
			time.Sleep(time.Duration(1+rand.Intn(3)) * time.Millisecond)
			counter.Add(-1)
			executed[d.Name()].Add(1)
			return nil, nil
		}
	}

	var seedMu sync.Mutex
	rng := rand.New(rand.NewSource(seed))
	nextRand := func(n int) int {
		seedMu.Lock()
		defer seedMu.Unlock()
		return rng.Intn(n)
	}

	grp := &errgroup.Group{}
	for r := 0; r < recipes; r++ {
		recipe := r
		labsched.GoSafe(ctx, grp, fmt.Sprintf("recipe-%d", recipe), func(ctx context.Context) error {
			for round := 0; round < rounds; round++ {
				prio := 1 + nextRand(20)
				first := nextRand(len(bench))
				devices := []labsched.Device{bench[first], bench[(first+1+nextRand(len(bench)-1))%len(bench)]}
				if err := runRecipeRound(ctx, sched, devices, prio, task); err != nil {
					return errors.Wrapf(err, "recipe %d round %d", recipe, round)
				}
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return err
	}

	for _, d := range bench {
		fmt.Printf("%-16s %d tasks\n", d.Name(), executed[d.Name()].Load())
	}
	if n := violations.Load(); n > 0 {
		return errors.Errorf("detected %d mutual-exclusion violations", n)
	}
	log.Info().Int("recipes", recipes).Int("rounds", rounds).Msg("stress run clean")
	return nil
}

func runRecipeRound(ctx context.Context, sched *labsched.Scheduler, devices []labsched.Device, prio int, task func(labsched.Device) labsched.TaskFunc) error {
	group := labsched.NewTaskGroup(labsched.WithGroupPriority(prio))
	if err := sched.Reserve(ctx, group, devices...); err != nil {
		return err
	}
	defer sched.FinishGroupAndReleaseAll(group)
	for _, d := range devices {
		if _, err := sched.SubmitWait(ctx, d, task(d),
			labsched.WithGroup(group), labsched.WithPriority(prio)); err != nil {
			return err
		}
	}
	return nil
}
