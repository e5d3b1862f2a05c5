// Package registry discovers GPU devices through vendor backends and bundles
// them into a Collection that can be snapshotted as a whole.
package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/gpumon/gpumon/device"
)

// DefaultQueryTimeout bounds a single device query during snapshotting when
// Options.QueryTimeout is zero.
const DefaultQueryTimeout = 2 * time.Second

// Backend probes for devices of a single vendor. Probe returns the devices
// present in a stable order; probing a machine without that vendor's hardware
// returns an empty slice and no error.
type Backend interface {
	Vendor() device.Vendor
	Probe(ctx context.Context) ([]device.Device, error)
}

// Options configures discovery.
type Options struct {
	// Backends to probe. They are sorted by vendor tag before probing, so
	// collection indices are deterministic regardless of registration order.
	Backends []Backend

	// RequireDevices makes AutoDetect fail with *DiscoveryError when the
	// final collection is empty. Off by default: a machine without GPUs is a
	// valid, observable state.
	RequireDevices bool

	// QueryTimeout bounds each per-device query inside SnapshotAll.
	QueryTimeout time.Duration

	Logger *slog.Logger
}

// ProbeFailure records one vendor backend that errored during discovery.
type ProbeFailure struct {
	Vendor device.Vendor
	Err    error
}

// DiscoveryError is returned when RequireDevices is set and no devices were
// found. It carries every per-vendor probe failure so the caller can see why
// the collection came up empty.
type DiscoveryError struct {
	Failures []ProbeFailure
}

func (e *DiscoveryError) Error() string {
	if len(e.Failures) == 0 {
		return "no gpu devices found"
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Vendor, f.Err))
	}
	return "no gpu devices found (probe errors: " + strings.Join(parts, "; ") + ")"
}

// AutoDetect probes every configured backend and returns the resulting
// Collection. A backend that fails to probe is recorded and skipped; only the
// RequireDevices policy can turn an empty result into an error.
func AutoDetect(ctx context.Context, opts Options) (*Collection, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "registry")

	timeout := opts.QueryTimeout
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}

	backends := make([]Backend, len(opts.Backends))
	copy(backends, opts.Backends)
	sort.Slice(backends, func(i, j int) bool {
		return backends[i].Vendor() < backends[j].Vendor()
	})

	col := &Collection{
		queryTimeout: timeout,
		logger:       logger,
	}

	for _, backend := range backends {
		vendor := backend.Vendor()
		devices, err := backend.Probe(ctx)
		if err != nil {
			logger.Warn("backend probe failed", "vendor", vendor, "err", err)
			col.probeFailures = append(col.probeFailures, ProbeFailure{Vendor: vendor, Err: err})
			continue
		}
		for _, dev := range devices {
			col.devices = append(col.devices, dev)
			col.static = append(col.static, dev.StaticInfo())
		}
		logger.Debug("backend probed", "vendor", vendor, "devices", len(devices))
	}

	if opts.RequireDevices && len(col.devices) == 0 {
		return nil, &DiscoveryError{Failures: col.probeFailures}
	}

	logger.Info("discovery complete",
		"devices", len(col.devices),
		"probe_failures", len(col.probeFailures))

	return col, nil
}
