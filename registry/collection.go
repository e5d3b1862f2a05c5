package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gpumon/gpumon/device"
)

// Collection is an immutable, ordered set of discovered devices. Indices are
// stable for the lifetime of the collection and double as device identifiers
// for process attribution. Collection is safe for concurrent use.
type Collection struct {
	devices       []device.Device
	static        []device.StaticInfo
	probeFailures []ProbeFailure
	queryTimeout  time.Duration
	logger        *slog.Logger
}

// DeviceCount returns the number of devices in the collection.
func (c *Collection) DeviceCount() int {
	return len(c.devices)
}

// Devices returns the devices in collection order. The slice is a copy; the
// underlying handles are shared.
func (c *Collection) Devices() []device.Device {
	out := make([]device.Device, len(c.devices))
	copy(out, c.devices)
	return out
}

// Device returns the device at index i.
func (c *Collection) Device(i int) (device.Device, bool) {
	if i < 0 || i >= len(c.devices) {
		return nil, false
	}
	return c.devices[i], true
}

// StaticInfo returns the static properties captured at discovery for the
// device at index i.
func (c *Collection) StaticInfo(i int) (device.StaticInfo, bool) {
	if i < 0 || i >= len(c.static) {
		return device.StaticInfo{}, false
	}
	return c.static[i], true
}

// ProbeFailures returns the per-vendor errors recorded during discovery.
func (c *Collection) ProbeFailures() []ProbeFailure {
	out := make([]ProbeFailure, len(c.probeFailures))
	copy(out, c.probeFailures)
	return out
}

// SnapshotAll reads every device concurrently and returns one snapshot per
// device, index-aligned with the collection. A device that fails, stalls or
// disappears still yields a snapshot, with the failures recorded inside it;
// the result length always equals DeviceCount.
func (c *Collection) SnapshotAll(ctx context.Context) []device.Snapshot {
	snaps := make([]device.Snapshot, len(c.devices))

	var wg sync.WaitGroup
	for i, dev := range c.devices {
		wg.Add(1)
		go func(i int, dev device.Device) {
			defer wg.Done()
			devCtx, cancel := context.WithTimeout(ctx, c.queryTimeout)
			defer cancel()
			snaps[i] = device.Take(devCtx, i, dev)
			// Discovery-time statics stay authoritative even if a backend
			// recomputes them later.
			snaps[i].Static = c.static[i]
			if snaps[i].Lost() {
				c.logger.Warn("device lost during snapshot",
					"index", i, "vendor", dev.Vendor(), "name", dev.Name())
			}
		}(i, dev)
	}
	wg.Wait()

	return snaps
}

// DeviceProcesses queries per-process accounting for the device at index i,
// applying the collection's per-device query budget.
func (c *Collection) DeviceProcesses(ctx context.Context, i int) ([]device.ProcessUsage, error) {
	dev, ok := c.Device(i)
	if !ok {
		return nil, device.Unavailablef("no device at index %d", i)
	}
	devCtx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	return dev.Processes(devCtx)
}
