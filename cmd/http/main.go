package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/events"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/launcher"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/pipeline"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/server"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

var (
	port             int
	logLevel         string
	logDir           string
	progressSchedule string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "fl-sim-server",
		Short:        "HTTP control plane for federated learning simulations",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}

	rootCmd.Flags().IntVarP(&port, "port", "p", 8080, "port to listen on")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "DEBUG", "log level")
	rootCmd.Flags().StringVar(&logDir, "log-dir", "log", "directory of run.log")
	rootCmd.Flags().StringVar(&progressSchedule, "progress", "@every 30s", "cron schedule of progress reports")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serve() error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(logDir+"/run.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer logFile.Close()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "fl-sim",
		Level:  hclog.LevelFromString(logLevel),
		Output: io.MultiWriter(os.Stdout, logFile),
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := launcher.NewMetrics(registry)
	if err != nil {
		return err
	}

	eventBus := events.NewEventBus()

	handler := server.NewHandler(logger, eventBus, pipeline.DefaultResolver(), metrics)
	if err := handler.StartProgressReporter(progressSchedule); err != nil {
		return err
	}

	return server.StartHttpServer(logger, server.NewRouter(handler, registry), port, func(ctx context.Context) error {
		return handler.Shutdown(ctx)
	})
}
