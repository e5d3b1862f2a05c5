// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gpumon/gpumon/backend/amd"
	"github.com/gpumon/gpumon/backend/nvidia"
	"github.com/gpumon/gpumon/internal/config"
	"github.com/gpumon/gpumon/internal/httpserver"
	"github.com/gpumon/gpumon/procmon"
	"github.com/gpumon/gpumon/registry"
)

const shutdownTimeout = 10 * time.Second

// Backends assembles the vendor backends enabled by the configuration.
func Backends(cfg config.Config, logger *slog.Logger) []registry.Backend {
	var backends []registry.Backend
	if cfg.EnableAMD {
		backends = append(backends, &amd.Backend{
			SysfsRoot:   cfg.SysfsRoot,
			DebugfsRoot: cfg.DebugfsRoot,
			ProcRoot:    cfg.ProcRoot,
			Logger:      logger.With("component", "amd"),
		})
	}
	if cfg.EnableNVIDIA {
		backends = append(backends, &nvidia.Backend{
			Logger: logger.With("component", "nvidia"),
		})
	}
	return backends
}

// Run bootstraps the application lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	collection, err := registry.AutoDetect(ctx, registry.Options{
		Backends:       Backends(cfg, baseLogger),
		RequireDevices: cfg.RequireDevices,
		QueryTimeout:   cfg.QueryTimeout,
		Logger:         baseLogger,
	})
	if err != nil {
		return fmt.Errorf("discover devices: %w", err)
	}
	appLogger.Info("discovered devices", "count", collection.DeviceCount())
	for _, failure := range collection.ProbeFailures() {
		appLogger.Warn("vendor probe failed", "vendor", failure.Vendor, "err", failure.Err)
	}

	monitor := procmon.New(procmon.GopsutilLister{}, collection, baseLogger)

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), collection, monitor)

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		appLogger.Info("shutdown initiated", "reason", ctx.Err())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("http shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		appLogger.Info("shutdown complete")
		return nil
	}
}
