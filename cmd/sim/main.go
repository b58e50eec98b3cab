package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/config"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/pipeline"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	configFile string
	seed       int64
	verbose    bool
	logger     hclog.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "fl-sim",
		Short:        "Personalized federated learning simulator",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := hclog.Info
			if verbose {
				level = hclog.Debug
			}
			logger = hclog.New(&hclog.LoggerOptions{
				Name:  "fl-sim",
				Level: level,
			})
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "experiment config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(defaultConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configFile == "" {
		return config.Default(), nil
	}
	return config.Load(configFile)
}

// runCmd runs one experiment in the foreground. SIGINT stops it after the
// current round.
func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an experiment",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			p, err := pipeline.New(cfg, pipeline.DefaultResolver(),
				pipeline.WithLogger(logger),
				pipeline.WithSeed(seed),
			)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := p.Run(ctx); err != nil {
				return err
			}

			status := p.Status()
			logger.Info(fmt.Sprintf("Results written to %s", cfg.Other.LoggingPath), "rounds", status.Round,
				"transCostMB", status.Progress.TotalTransCost)
			return nil
		},
	}

	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed")

	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			logger.Info("Config is valid")
			return nil
		},
	}
}

func defaultConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "default-config",
		Short: "Print the default config as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := yaml.Marshal(config.Default())
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
