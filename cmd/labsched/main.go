package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	envload "github.com/BAMresearch/MAPz-at-BAM-sub000/internal"
)

var rootCmd = &cobra.Command{
	Use:   "labsched",
	Short: "Lab device scheduler demos and diagnostics",
	Long: `labsched drives simulated laboratory instruments through the task
scheduler: the demo command runs a scripted multi-device synthesis step,
stress runs many contending recipes to exercise the reservation and
hand-off protocol. Real instrument drivers plug in through the same
Device interface.`,
}

var rootVerbose bool

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().BoolVarP(&rootVerbose, "verbose", "v", false, "enable debug logging")
	cobra.OnInitialize(func() {
		if rootVerbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
		_ = envload.Ensure()
		if path := envload.LoadedPath(); path != "" {
			log.Debug().Str("dotenv", path).Msg("environment loaded")
		}
	})
	rootCmd.AddCommand(
		newDemoCmd(),
		newStressCmd(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("labsched command failed")
	}
}
