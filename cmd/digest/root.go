package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/caption-digest/internal/app"
	"github.com/GriffinCanCode/caption-digest/internal/config"
	"github.com/GriffinCanCode/caption-digest/internal/workflow"
)

var (
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "digest",
	Short: "Summarize and narrate YouTube videos from their captions",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read .env: %w", err)
		}
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", os.Getenv("CONFIG_FILE"), "YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log provider activity to stderr")
}

// newSequencer loads config and wires a single session.
func newSequencer() (*workflow.Sequencer, *config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	providers, err := app.Build(cfg, nil)
	if err != nil {
		return nil, nil, err
	}
	opts := cfg.WorkflowOptions()
	return workflow.NewSequencer("cli", providers.Deps, func() workflow.Options { return opts }), cfg, nil
}
