package device_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpumon/gpumon/device"
	"github.com/gpumon/gpumon/device/devicetest"
)

func TestTakeCollectsAllMetrics(t *testing.T) {
	limit := 250.0
	dev := &devicetest.Fake{
		DeviceVendor: device.VendorAMD,
		DeviceName:   "Radeon RX 7900 XTX",
		DeviceUUID:   "card0",
		Static: device.StaticInfo{
			MemoryTotalBytes: 24 << 30,
			Capabilities:     []device.Capability{device.CapUtilization, device.CapMemory},
		},
		UtilizationValue: device.Utilization{GraphicsPct: 42},
		MemoryValue:      device.Memory{TotalBytes: 24 << 30, UsedBytes: 6 << 30, FreeBytes: 18 << 30},
		TemperatureValue: device.Temperature{Sensors: []device.Sensor{{Label: "edge", Celsius: 61}}},
		PowerValue:       device.Power{DrawWatts: 180, LimitWatts: &limit},
		ProcessesValue:   []device.ProcessUsage{{PID: 100, MemoryBytes: 1 << 30}},
	}

	snap := device.Take(context.Background(), 3, dev)

	assert.Equal(t, 3, snap.Index)
	assert.Equal(t, device.VendorAMD, snap.Vendor)
	assert.Equal(t, "Radeon RX 7900 XTX", snap.Name)
	assert.False(t, snap.Timestamp.IsZero())

	require.NotNil(t, snap.Utilization)
	assert.Equal(t, 42.0, snap.Utilization.GraphicsPct)
	require.NotNil(t, snap.Memory)
	assert.Equal(t, uint64(6<<30), snap.Memory.UsedBytes)
	require.NotNil(t, snap.Power)
	require.NotNil(t, snap.Power.LimitWatts)
	assert.Equal(t, 250.0, *snap.Power.LimitWatts)
	require.Len(t, snap.Processes, 1)
	assert.Empty(t, snap.Failures)
}

func TestTakeRecordsFailuresWithoutAborting(t *testing.T) {
	dev := &devicetest.Fake{
		DeviceVendor:     device.VendorNVIDIA,
		DeviceName:       "Tesla T4",
		UtilizationValue: device.Utilization{GraphicsPct: 10},
		TemperatureErr:   device.Unsupportedf("no thermal sensors"),
		PowerErr:         device.Unavailablef("nvml busy"),
		ProcessesErr:     device.ErrDeviceLost,
	}

	snap := device.Take(context.Background(), 0, dev)

	require.NotNil(t, snap.Utilization)
	assert.Nil(t, snap.Temperature)
	assert.Nil(t, snap.Power)
	assert.Nil(t, snap.Processes)

	require.Len(t, snap.Failures, 3)

	f, ok := snap.Failed(device.MetricTemperature)
	require.True(t, ok)
	assert.Equal(t, device.StatusUnsupported, f.Status)
	assert.Contains(t, f.Reason, "no thermal sensors")

	f, ok = snap.Failed(device.MetricPower)
	require.True(t, ok)
	assert.Equal(t, device.StatusUnavailable, f.Status)

	f, ok = snap.Failed(device.MetricProcesses)
	require.True(t, ok)
	assert.Equal(t, device.StatusLost, f.Status)
	assert.True(t, snap.Lost())

	_, ok = snap.Failed(device.MetricMemory)
	assert.False(t, ok)
}

func TestSnapshotJSONOmitsMissingMetrics(t *testing.T) {
	dev := &devicetest.Fake{
		DeviceVendor: device.VendorAMD,
		DeviceName:   "gfx90a",
		MemoryValue:  device.Memory{TotalBytes: 64 << 30, UsedBytes: 1 << 30, FreeBytes: 63 << 30},
		ClocksErr:    device.ErrUnsupported,
	}

	snap := device.Take(context.Background(), 0, dev)
	raw, err := json.Marshal(&snap)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Contains(t, decoded, "memory")
	assert.NotContains(t, decoded, "clocks")
	assert.Contains(t, decoded, "failures")
}

func TestVendorsSortedAndClosed(t *testing.T) {
	vendors := device.Vendors()
	require.Equal(t, []device.Vendor{
		device.VendorAMD,
		device.VendorApple,
		device.VendorIntel,
		device.VendorNVIDIA,
	}, vendors)

	for _, v := range vendors {
		assert.True(t, v.Valid())
		assert.NotEmpty(t, v.DisplayName())
	}
	assert.False(t, device.Vendor("matrox").Valid())
}

func TestMemoryUsedPercent(t *testing.T) {
	assert.Equal(t, 0.0, device.Memory{}.UsedPercent())
	assert.InDelta(t, 25.0, device.Memory{TotalBytes: 400, UsedBytes: 100}.UsedPercent(), 0.001)
}

func TestTemperatureViews(t *testing.T) {
	var empty device.Temperature
	_, ok := empty.Primary()
	assert.False(t, ok)

	temp := device.Temperature{Sensors: []device.Sensor{
		{Label: "edge", Celsius: 55},
		{Label: "junction", Celsius: 71},
		{Label: "mem", Celsius: 62},
	}}

	primary, ok := temp.Primary()
	require.True(t, ok)
	assert.Equal(t, "edge", primary.Label)

	hottest, ok := temp.Max()
	require.True(t, ok)
	assert.Equal(t, "junction", hottest.Label)
}
