package procmon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gpumon/gpumon/device"
)

// HostProcess is one entry from the OS process table.
type HostProcess struct {
	PID        int32
	Name       string
	User       string
	CPUPercent float64
	RSSBytes   uint64
}

// HostLister enumerates the OS process table. The table is authoritative for
// process identity during the merge.
type HostLister interface {
	Processes(ctx context.Context) ([]HostProcess, error)
}

// DeviceSource supplies per-device process accounting. *registry.Collection
// satisfies it.
type DeviceSource interface {
	DeviceCount() int
	DeviceProcesses(ctx context.Context, index int) ([]device.ProcessUsage, error)
}

// Monitor runs attribution passes over a host lister and a device source.
type Monitor struct {
	host    HostLister
	devices DeviceSource
	logger  *slog.Logger
}

// New builds a Monitor. A nil logger discards.
func New(host HostLister, devices DeviceSource, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Monitor{
		host:    host,
		devices: devices,
		logger:  logger.With("component", "procmon"),
	}
}

// Snapshot performs one attribution pass. Host enumeration failure is fatal:
// without an authoritative process table there is nothing sound to merge
// into, so no partial set is returned. Per-device accounting failures are
// not: the pass logs them and the device simply contributes nothing, which
// keeps "this device cannot attribute" distinct from "nothing runs on it".
func (m *Monitor) Snapshot(ctx context.Context) (*ProcessSet, error) {
	hostProcs, err := m.host.Processes(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate host processes: %w", err)
	}

	byPID := make(map[int32]*ProcessRecord, len(hostProcs))
	for _, hp := range hostProcs {
		if _, ok := byPID[hp.PID]; ok {
			continue
		}
		byPID[hp.PID] = &ProcessRecord{
			PID:        hp.PID,
			Name:       hp.Name,
			User:       hp.User,
			HostKnown:  true,
			CPUPercent: hp.CPUPercent,
			RSSBytes:   hp.RSSBytes,
		}
	}

	for i := 0; i < m.devices.DeviceCount(); i++ {
		usages, err := m.devices.DeviceProcesses(ctx, i)
		if err != nil {
			if device.IsUnsupported(err) {
				m.logger.Debug("device does not support process accounting", "index", i)
			} else {
				m.logger.Warn("device process query failed", "index", i, "err", err)
			}
			continue
		}
		for _, usage := range usages {
			rec, ok := byPID[usage.PID]
			if !ok {
				// Device-reported pid absent from the host table: either it
				// exited mid-pass or enumeration cannot see it. Keep it,
				// flagged, rather than silently dropping GPU usage.
				rec = &ProcessRecord{PID: usage.PID}
				byPID[usage.PID] = rec
			}
			if rec.Devices == nil {
				rec.Devices = make(map[int]DeviceUsage)
			}
			prev := rec.Devices[i]
			prev.MemoryBytes += usage.MemoryBytes
			if usage.EnginePct != nil {
				prev.EnginePct = addPct(prev.EnginePct, *usage.EnginePct)
			}
			if usage.EncoderPct != nil {
				prev.EncoderPct = addPct(prev.EncoderPct, *usage.EncoderPct)
			}
			if usage.DecoderPct != nil {
				prev.DecoderPct = addPct(prev.DecoderPct, *usage.DecoderPct)
			}
			rec.Devices[i] = prev
		}
	}

	records := make([]ProcessRecord, 0, len(byPID))
	for _, rec := range byPID {
		records = append(records, *rec)
	}

	return newProcessSet(time.Now().UTC(), records), nil
}

func addPct(prev *float64, v float64) *float64 {
	if prev == nil {
		return &v
	}
	sum := *prev + v
	return &sum
}
