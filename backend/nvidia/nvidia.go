// Package nvidia implements the NVIDIA GPU backend on top of NVML.
package nvidia

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/gpumon/gpumon/device"
)

// Backend discovers NVIDIA devices through the NVML library. A machine
// without the driver or the library probes to zero devices, not an error.
type Backend struct {
	Logger *slog.Logger
}

// Vendor implements registry.Backend.
func (b *Backend) Vendor() device.Vendor { return device.VendorNVIDIA }

// Probe implements registry.Backend. Devices come back in NVML index order.
func (b *Backend) Probe(ctx context.Context) ([]device.Device, error) {
	logger := b.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "nvidia")

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if ret := nvml.Init(); !errors.Is(ret, nvml.SUCCESS) {
		switch ret {
		case nvml.ERROR_LIBRARY_NOT_FOUND, nvml.ERROR_DRIVER_NOT_LOADED:
			logger.Debug("nvml not present", "status", nvml.ErrorString(ret))
			return nil, nil
		}
		return nil, fmt.Errorf("initialize nvml: %s", nvml.ErrorString(ret))
	}

	count, ret := nvml.DeviceGetCount()
	if !errors.Is(ret, nvml.SUCCESS) {
		return nil, fmt.Errorf("count nvml devices: %s", nvml.ErrorString(ret))
	}

	driverVersion := ""
	if version, ret := nvml.SystemGetDriverVersion(); errors.Is(ret, nvml.SUCCESS) {
		driverVersion = version
	}

	devices := make([]device.Device, 0, count)
	for i := 0; i < count; i++ {
		handle, ret := nvml.DeviceGetHandleByIndex(i)
		if !errors.Is(ret, nvml.SUCCESS) {
			logger.Warn("failed to open nvml device", "index", i, "status", nvml.ErrorString(ret))
			continue
		}
		devices = append(devices, newNVDevice(handle, driverVersion))
	}

	logger.Debug("nvml probe complete", "devices", len(devices))
	return devices, nil
}

// nvmlDevice is the slice of the NVML device surface this backend calls.
// nvml.Device satisfies it; tests substitute a fake.
type nvmlDevice interface {
	GetName() (string, nvml.Return)
	GetUUID() (string, nvml.Return)
	GetArchitecture() (nvml.DeviceArchitecture, nvml.Return)
	GetMemoryInfo() (nvml.Memory, nvml.Return)
	GetPciInfo() (nvml.PciInfo, nvml.Return)
	GetUtilizationRates() (nvml.Utilization, nvml.Return)
	GetEncoderUtilization() (uint32, uint32, nvml.Return)
	GetDecoderUtilization() (uint32, uint32, nvml.Return)
	GetTemperature(nvml.TemperatureSensors) (uint32, nvml.Return)
	GetPowerUsage() (uint32, nvml.Return)
	GetEnforcedPowerLimit() (uint32, nvml.Return)
	GetClockInfo(nvml.ClockType) (uint32, nvml.Return)
	GetComputeRunningProcesses() ([]nvml.ProcessInfo, nvml.Return)
	GetGraphicsRunningProcesses() ([]nvml.ProcessInfo, nvml.Return)
	GetMPSComputeRunningProcesses() ([]nvml.ProcessInfo, nvml.Return)
	GetProcessUtilization(uint64) ([]nvml.ProcessUtilizationSample, nvml.Return)
}

// nvDevice is one NVML-managed GPU.
type nvDevice struct {
	handle nvmlDevice
	name   string
	uuid   string
	static device.StaticInfo
}

func newNVDevice(handle nvmlDevice, driverVersion string) *nvDevice {
	dev := &nvDevice{handle: handle}
	if name, ret := handle.GetName(); errors.Is(ret, nvml.SUCCESS) {
		dev.name = name
	}
	if uuid, ret := handle.GetUUID(); errors.Is(ret, nvml.SUCCESS) {
		dev.uuid = uuid
	}
	dev.static = collectStatic(handle, driverVersion)
	return dev
}

// collectStatic captures the immutable block and probes each metric family
// once to decide the advertised capability set.
func collectStatic(handle nvmlDevice, driverVersion string) device.StaticInfo {
	static := device.StaticInfo{DriverVersion: driverVersion}

	if mem, ret := handle.GetMemoryInfo(); errors.Is(ret, nvml.SUCCESS) {
		static.MemoryTotalBytes = mem.Total
		static.Capabilities = append(static.Capabilities, device.CapMemory)
	}
	if arch, ret := handle.GetArchitecture(); errors.Is(ret, nvml.SUCCESS) {
		static.Architecture = archName(arch)
	}
	if pci, ret := handle.GetPciInfo(); errors.Is(ret, nvml.SUCCESS) {
		static.PCIAddress = int8ArrayToString(pci.BusId[:])
	}

	if _, ret := handle.GetUtilizationRates(); errors.Is(ret, nvml.SUCCESS) {
		static.Capabilities = append(static.Capabilities, device.CapUtilization)
	}
	if _, ret := handle.GetTemperature(nvml.TEMPERATURE_GPU); errors.Is(ret, nvml.SUCCESS) {
		static.Capabilities = append(static.Capabilities, device.CapTemperature)
	}
	if _, ret := handle.GetPowerUsage(); errors.Is(ret, nvml.SUCCESS) {
		static.Capabilities = append(static.Capabilities, device.CapPower)
	}
	if _, ret := handle.GetClockInfo(nvml.CLOCK_GRAPHICS); errors.Is(ret, nvml.SUCCESS) {
		static.Capabilities = append(static.Capabilities, device.CapClocks)
	}
	if _, ret := handle.GetComputeRunningProcesses(); errors.Is(ret, nvml.SUCCESS) {
		static.Capabilities = append(static.Capabilities, device.CapProcesses)
	}

	return static
}

func (d *nvDevice) Vendor() device.Vendor         { return device.VendorNVIDIA }
func (d *nvDevice) Name() string                  { return d.name }
func (d *nvDevice) UUID() string                  { return d.uuid }
func (d *nvDevice) StaticInfo() device.StaticInfo { return d.static }

func (d *nvDevice) Utilization(ctx context.Context) (device.Utilization, error) {
	if err := ctx.Err(); err != nil {
		return device.Utilization{}, err
	}

	rates, ret := d.handle.GetUtilizationRates()
	if !errors.Is(ret, nvml.SUCCESS) {
		return device.Utilization{}, wrapReturn("utilization rates", ret)
	}

	memPct := float64(rates.Memory)
	util := device.Utilization{
		GraphicsPct: float64(rates.Gpu),
		MemoryPct:   &memPct,
	}
	if enc, _, ret := d.handle.GetEncoderUtilization(); errors.Is(ret, nvml.SUCCESS) {
		encPct := float64(enc)
		util.EncoderPct = &encPct
	}
	if dec, _, ret := d.handle.GetDecoderUtilization(); errors.Is(ret, nvml.SUCCESS) {
		decPct := float64(dec)
		util.DecoderPct = &decPct
	}
	return util, nil
}

func (d *nvDevice) Memory(ctx context.Context) (device.Memory, error) {
	if err := ctx.Err(); err != nil {
		return device.Memory{}, err
	}

	mem, ret := d.handle.GetMemoryInfo()
	if !errors.Is(ret, nvml.SUCCESS) {
		return device.Memory{}, wrapReturn("memory info", ret)
	}
	return device.Memory{
		TotalBytes: mem.Total,
		UsedBytes:  mem.Used,
		FreeBytes:  mem.Free,
	}, nil
}

func (d *nvDevice) Temperature(ctx context.Context) (device.Temperature, error) {
	if err := ctx.Err(); err != nil {
		return device.Temperature{}, err
	}

	value, ret := d.handle.GetTemperature(nvml.TEMPERATURE_GPU)
	if !errors.Is(ret, nvml.SUCCESS) {
		return device.Temperature{}, wrapReturn("gpu temperature", ret)
	}
	return device.Temperature{
		Sensors: []device.Sensor{{Label: "gpu", Celsius: float64(value)}},
	}, nil
}

func (d *nvDevice) Power(ctx context.Context) (device.Power, error) {
	if err := ctx.Err(); err != nil {
		return device.Power{}, err
	}

	usage, ret := d.handle.GetPowerUsage()
	if !errors.Is(ret, nvml.SUCCESS) {
		return device.Power{}, wrapReturn("power usage", ret)
	}

	power := device.Power{DrawWatts: float64(usage) / milliwattsPerWatt}
	if limit, ret := d.handle.GetEnforcedPowerLimit(); errors.Is(ret, nvml.SUCCESS) {
		watts := float64(limit) / milliwattsPerWatt
		power.LimitWatts = &watts
	}
	return power, nil
}

func (d *nvDevice) Clocks(ctx context.Context) (device.Clocks, error) {
	if err := ctx.Err(); err != nil {
		return device.Clocks{}, err
	}

	var clocks device.Clocks
	var firstErr nvml.Return = nvml.SUCCESS
	read := func(clockType nvml.ClockType, dst **uint32) {
		value, ret := d.handle.GetClockInfo(clockType)
		if errors.Is(ret, nvml.SUCCESS) {
			v := value
			*dst = &v
			return
		}
		if errors.Is(firstErr, nvml.SUCCESS) {
			firstErr = ret
		}
	}

	read(nvml.CLOCK_GRAPHICS, &clocks.GraphicsMHz)
	read(nvml.CLOCK_SM, &clocks.SMMHz)
	read(nvml.CLOCK_MEM, &clocks.MemoryMHz)
	read(nvml.CLOCK_VIDEO, &clocks.VideoMHz)

	if clocks.GraphicsMHz == nil && clocks.SMMHz == nil && clocks.MemoryMHz == nil && clocks.VideoMHz == nil {
		return device.Clocks{}, wrapReturn("clock info", firstErr)
	}
	return clocks, nil
}

// Processes merges the compute, graphics and MPS process lists, deduplicated
// by pid, and folds in per-process utilization samples when the driver
// provides them.
func (d *nvDevice) Processes(ctx context.Context) ([]device.ProcessUsage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lists := []func() ([]nvml.ProcessInfo, nvml.Return){
		d.handle.GetComputeRunningProcesses,
		d.handle.GetGraphicsRunningProcesses,
		d.handle.GetMPSComputeRunningProcesses,
	}

	seen := make(map[uint32]int)
	var out []device.ProcessUsage
	var firstErr nvml.Return = nvml.SUCCESS
	listed := false

	for _, list := range lists {
		procs, ret := list()
		if !errors.Is(ret, nvml.SUCCESS) {
			if errors.Is(firstErr, nvml.SUCCESS) {
				firstErr = ret
			}
			continue
		}
		listed = true
		for _, p := range procs {
			if _, ok := seen[p.Pid]; ok {
				continue
			}
			usage := device.ProcessUsage{PID: int32(p.Pid)}
			if p.UsedGpuMemory != nvmlValueNotAvailable {
				usage.MemoryBytes = p.UsedGpuMemory
			}
			seen[p.Pid] = len(out)
			out = append(out, usage)
		}
	}

	if !listed {
		return nil, wrapReturn("process list", firstErr)
	}

	if samples, ret := d.handle.GetProcessUtilization(0); errors.Is(ret, nvml.SUCCESS) {
		for _, s := range samples {
			i, ok := seen[s.Pid]
			if !ok {
				continue
			}
			sm := float64(s.SmUtil)
			enc := float64(s.EncUtil)
			dec := float64(s.DecUtil)
			out[i].EnginePct = &sm
			out[i].EncoderPct = &enc
			out[i].DecoderPct = &dec
		}
	}

	return out, nil
}

const milliwattsPerWatt = 1000

// nvmlValueNotAvailable is NVML's "value not available" sentinel for
// per-process memory.
const nvmlValueNotAvailable = ^uint64(0)

// wrapReturn maps an NVML status onto the error taxonomy.
func wrapReturn(what string, ret nvml.Return) error {
	switch ret {
	case nvml.ERROR_NOT_SUPPORTED:
		return device.Unsupportedf("%s: %s", what, nvml.ErrorString(ret))
	case nvml.ERROR_GPU_IS_LOST:
		return fmt.Errorf("%s: %s: %w", what, nvml.ErrorString(ret), device.ErrDeviceLost)
	default:
		return device.Unavailablef("%s: %s", what, nvml.ErrorString(ret))
	}
}

func int8ArrayToString(raw []int8) string {
	buf := make([]byte, 0, len(raw))
	for _, c := range raw {
		if c == 0 {
			break
		}
		buf = append(buf, byte(c))
	}
	return string(buf)
}

func archName(arch nvml.DeviceArchitecture) string {
	names := map[nvml.DeviceArchitecture]string{
		nvml.DEVICE_ARCH_KEPLER:  "Kepler",
		nvml.DEVICE_ARCH_MAXWELL: "Maxwell",
		nvml.DEVICE_ARCH_PASCAL:  "Pascal",
		nvml.DEVICE_ARCH_VOLTA:   "Volta",
		nvml.DEVICE_ARCH_TURING:  "Turing",
		nvml.DEVICE_ARCH_AMPERE:  "Ampere",
		nvml.DEVICE_ARCH_ADA:     "Ada",
		nvml.DEVICE_ARCH_HOPPER:  "Hopper",
	}
	if name, ok := names[arch]; ok {
		return name
	}
	return ""
}
