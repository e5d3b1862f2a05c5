package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gpumon/gpumon/internal/app"
	"github.com/gpumon/gpumon/internal/config"
	"github.com/gpumon/gpumon/internal/version"
	"github.com/gpumon/gpumon/registry"
)

var rootCmd = &cobra.Command{
	Use:           "gpumon",
	Short:         "GPU telemetry for AMD and NVIDIA devices",
	Long:          "gpumon reads utilization, memory, thermals and per-process usage\nfrom every GPU it can discover, as a one-shot CLI or an HTTP service.",
	Version:       version.Current().Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP telemetry server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return app.Run(ctx, logger, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, devicesCmd, snapshotCmd, processesCmd)
}

// loadConfig reads GPUMON_* environment configuration and builds the
// process-wide logger at the configured level.
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})
	return cfg, slog.New(handler), nil
}

// detect runs discovery for one-shot commands. CLI runs always tolerate an
// empty collection; the RequireDevices policy only applies to the server.
func detect(ctx context.Context) (config.Config, *registry.Collection, *slog.Logger, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return config.Config{}, nil, nil, err
	}

	col, err := registry.AutoDetect(ctx, registry.Options{
		Backends:     app.Backends(cfg, logger),
		QueryTimeout: cfg.QueryTimeout,
		Logger:       logger,
	})
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	return cfg, col, logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("command failed", "err", err)
		os.Exit(1)
	}
}
