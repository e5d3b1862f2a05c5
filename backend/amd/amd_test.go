package amd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpumon/gpumon/device"
)

// fullFixture builds a sysfs/debugfs/proc tree for one healthy card0 with a
// render node and a single GPU process (pid 100).
func fullFixture(t *testing.T) *Backend {
	t.Helper()
	root := t.TempDir()

	deviceDir := filepath.Join(root, "sys", "class", "drm", "card0", "device")
	writeFile(t, filepath.Join(deviceDir, "uevent"),
		"DRIVER=amdgpu\nPCI_SLOT_NAME=0000:0a:00.0\nPCI_ID=1002:73DF\nPCI_SUBSYS_ID=1849:5201\n")
	writeFile(t, filepath.Join(deviceDir, "mem_info_vram_total"), "8589934592\n")
	writeFile(t, filepath.Join(deviceDir, "mem_info_vram_used"), "1073741824\n")
	writeFile(t, filepath.Join(deviceDir, "gpu_busy_percent"), "42\n")
	writeFile(t, filepath.Join(deviceDir, "mem_busy_percent"), "12\n")
	writeFile(t, filepath.Join(deviceDir, "pp_dpm_sclk"), "0: 500Mhz\n1: 2100Mhz *\n2: 2400Mhz\n")
	writeFile(t, filepath.Join(deviceDir, "pp_dpm_mclk"), "0: 96Mhz\n1: 1000Mhz *\n")
	require.NoError(t, os.MkdirAll(filepath.Join(deviceDir, "drm", "renderD128"), 0o750))

	hwmonDir := filepath.Join(deviceDir, "hwmon", "hwmon3")
	writeFile(t, filepath.Join(hwmonDir, "temp1_input"), "61000\n")
	writeFile(t, filepath.Join(hwmonDir, "temp1_label"), "edge\n")
	writeFile(t, filepath.Join(hwmonDir, "temp2_input"), "71000\n")
	writeFile(t, filepath.Join(hwmonDir, "temp2_label"), "junction\n")
	writeFile(t, filepath.Join(hwmonDir, "power1_average"), "180000000\n")
	writeFile(t, filepath.Join(hwmonDir, "power1_cap"), "250000000\n")

	writeFile(t, filepath.Join(root, "sys", "module", "amdgpu", "version"), "6.5.7\n")

	procDir := filepath.Join(root, "proc")
	writeFile(t, filepath.Join(procDir, "100", "fdinfo", "3"),
		"drm-driver:\tamdgpu\ndrm-client-id:\t42\ndrm-memory-vram:\t1048576 KiB\ndrm-engine-gfx:\t1000000000 ns\n")
	require.NoError(t, os.MkdirAll(filepath.Join(procDir, "100", "fd"), 0o750))
	require.NoError(t, os.Symlink("/dev/dri/renderD128", filepath.Join(procDir, "100", "fd", "3")))

	// pid 200 holds no GPU fds and must not appear in accounting.
	writeFile(t, filepath.Join(procDir, "200", "fdinfo", "0"), "pos:\t0\n")
	require.NoError(t, os.MkdirAll(filepath.Join(procDir, "200", "fd"), 0o750))
	require.NoError(t, os.Symlink("/dev/null", filepath.Join(procDir, "200", "fd", "0")))

	return &Backend{
		SysfsRoot:   filepath.Join(root, "sys"),
		DebugfsRoot: filepath.Join(root, "debug"),
		ProcRoot:    procDir,
		Logger:      discardLogger(),
	}
}

func probeOne(t *testing.T, backend *Backend) device.Device {
	t.Helper()
	devices, err := backend.Probe(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	return devices[0]
}

func TestBackendVendor(t *testing.T) {
	assert.Equal(t, device.VendorAMD, (&Backend{}).Vendor())
}

func TestDeviceIdentityAndStatic(t *testing.T) {
	dev := probeOne(t, fullFixture(t))

	assert.Equal(t, device.VendorAMD, dev.Vendor())
	assert.Equal(t, "0000:0a:00.0", dev.UUID())
	assert.NotEmpty(t, dev.Name())

	static := dev.StaticInfo()
	assert.Equal(t, uint64(8589934592), static.MemoryTotalBytes)
	assert.Equal(t, "6.5.7", static.DriverVersion)
	assert.Equal(t, "0000:0a:00.0", static.PCIAddress)
	for _, cap := range []device.Capability{
		device.CapUtilization, device.CapMemory, device.CapTemperature,
		device.CapPower, device.CapClocks, device.CapProcesses,
	} {
		assert.True(t, static.Supports(cap), "missing capability %s", cap)
	}
}

func TestDeviceMetrics(t *testing.T) {
	dev := probeOne(t, fullFixture(t))
	ctx := context.Background()

	util, err := dev.Utilization(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42.0, util.GraphicsPct)
	require.NotNil(t, util.MemoryPct)
	assert.Equal(t, 12.0, *util.MemoryPct)

	mem, err := dev.Memory(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(8589934592), mem.TotalBytes)
	assert.Equal(t, uint64(1073741824), mem.UsedBytes)
	assert.Equal(t, uint64(8589934592-1073741824), mem.FreeBytes)

	temp, err := dev.Temperature(ctx)
	require.NoError(t, err)
	require.Len(t, temp.Sensors, 2)
	assert.Equal(t, device.Sensor{Label: "edge", Celsius: 61}, temp.Sensors[0])
	hottest, ok := temp.Max()
	require.True(t, ok)
	assert.Equal(t, "junction", hottest.Label)

	power, err := dev.Power(ctx)
	require.NoError(t, err)
	assert.Equal(t, 180.0, power.DrawWatts)
	require.NotNil(t, power.LimitWatts)
	assert.Equal(t, 250.0, *power.LimitWatts)

	clocks, err := dev.Clocks(ctx)
	require.NoError(t, err)
	require.NotNil(t, clocks.GraphicsMHz)
	assert.Equal(t, uint32(2100), *clocks.GraphicsMHz)
	require.NotNil(t, clocks.MemoryMHz)
	assert.Equal(t, uint32(1000), *clocks.MemoryMHz)
}

func TestDeviceProcessAccounting(t *testing.T) {
	dev := probeOne(t, fullFixture(t))
	ctx := context.Background()

	procs, err := dev.Processes(ctx)
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, int32(100), procs[0].PID)
	assert.Equal(t, uint64(1048576*1024), procs[0].MemoryBytes)
	// First pass has no previous engine sample to diff against.
	assert.Nil(t, procs[0].EnginePct)

	// Second pass with unchanged engine time: zero busy, but now derivable.
	procs, err = dev.Processes(ctx)
	require.NoError(t, err)
	require.Len(t, procs, 1)
	require.NotNil(t, procs[0].EnginePct)
	assert.Equal(t, 0.0, *procs[0].EnginePct)
}

func TestDeviceUnsupportedMetrics(t *testing.T) {
	root := t.TempDir()
	deviceDir := filepath.Join(root, "sys", "class", "drm", "card0", "device")
	writeFile(t, filepath.Join(deviceDir, "uevent"), "DRIVER=amdgpu\nPCI_SLOT_NAME=0000:0b:00.0\n")
	writeFile(t, filepath.Join(deviceDir, "mem_info_vram_total"), "4294967296\n")
	writeFile(t, filepath.Join(deviceDir, "mem_info_vram_used"), "0\n")

	backend := &Backend{
		SysfsRoot:   filepath.Join(root, "sys"),
		DebugfsRoot: filepath.Join(root, "debug"),
		ProcRoot:    filepath.Join(root, "proc"),
		Logger:      discardLogger(),
	}
	dev := probeOne(t, backend)
	ctx := context.Background()

	_, err := dev.Utilization(ctx)
	assert.True(t, device.IsUnsupported(err), "utilization: %v", err)

	_, err = dev.Temperature(ctx)
	assert.True(t, device.IsUnsupported(err), "temperature: %v", err)

	_, err = dev.Power(ctx)
	assert.True(t, device.IsUnsupported(err), "power: %v", err)

	_, err = dev.Clocks(ctx)
	assert.True(t, device.IsUnsupported(err), "clocks: %v", err)

	_, err = dev.Processes(ctx)
	assert.True(t, device.IsUnsupported(err), "processes: %v", err)

	// Memory still works.
	mem, err := dev.Memory(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4294967296), mem.TotalBytes)

	static := dev.StaticInfo()
	assert.True(t, static.Supports(device.CapMemory))
	assert.False(t, static.Supports(device.CapTemperature))
	assert.False(t, static.Supports(device.CapProcesses))
}

func TestDeviceDebugfsFallback(t *testing.T) {
	root := t.TempDir()
	deviceDir := filepath.Join(root, "sys", "class", "drm", "card0", "device")
	writeFile(t, filepath.Join(deviceDir, "uevent"), "DRIVER=amdgpu\n")
	writeFile(t, filepath.Join(root, "debug", "dri", "0", "amdgpu_pm_info"),
		"GPU Temperature: 64 C\nGPU Load: 37 %\nGPU Power: 95.0 W\n")

	backend := &Backend{
		SysfsRoot:   filepath.Join(root, "sys"),
		DebugfsRoot: filepath.Join(root, "debug"),
		ProcRoot:    filepath.Join(root, "proc"),
		Logger:      discardLogger(),
	}
	dev := probeOne(t, backend)
	ctx := context.Background()

	util, err := dev.Utilization(ctx)
	require.NoError(t, err)
	assert.Equal(t, 37.0, util.GraphicsPct)
	assert.Nil(t, util.MemoryPct)

	power, err := dev.Power(ctx)
	require.NoError(t, err)
	assert.Equal(t, 95.0, power.DrawWatts)
	assert.Nil(t, power.LimitWatts)

	temp, err := dev.Temperature(ctx)
	require.NoError(t, err)
	require.Len(t, temp.Sensors, 1)
	assert.Equal(t, 64.0, temp.Sensors[0].Celsius)
}

func TestDeviceContextCancellation(t *testing.T) {
	dev := probeOne(t, fullFixture(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := dev.Memory(ctx)
	require.Error(t, err)
	assert.True(t, device.IsUnavailable(err))
}
