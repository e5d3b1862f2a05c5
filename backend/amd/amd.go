// Package amd implements the AMD GPU backend on top of the amdgpu driver's
// sysfs, hwmon and debugfs surfaces, with per-process accounting read from
// /proc fdinfo.
package amd

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/gpumon/gpumon/device"
)

// Default filesystem roots. Tests and containers override them through
// Backend fields.
const (
	DefaultSysfsRoot   = "/sys"
	DefaultDebugfsRoot = "/sys/kernel/debug"
	DefaultProcRoot    = "/proc"
)

// Backend discovers amdgpu devices under SysfsRoot.
type Backend struct {
	SysfsRoot   string
	DebugfsRoot string
	ProcRoot    string
	Logger      *slog.Logger
}

// Vendor implements registry.Backend.
func (b *Backend) Vendor() device.Vendor { return device.VendorAMD }

// Probe implements registry.Backend. It enumerates DRM cards bound to the
// amdgpu driver and returns one device per card, in sysfs card order.
func (b *Backend) Probe(ctx context.Context) ([]device.Device, error) {
	logger := b.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "amd")

	sysfsRoot := b.SysfsRoot
	if sysfsRoot == "" {
		sysfsRoot = DefaultSysfsRoot
	}
	debugfsRoot := b.DebugfsRoot
	if debugfsRoot == "" {
		debugfsRoot = DefaultDebugfsRoot
	}
	procRoot := b.ProcRoot
	if procRoot == "" {
		procRoot = DefaultProcRoot
	}

	cards, err := discoverCards(ctx, sysfsRoot, logger)
	if err != nil {
		return nil, err
	}

	devices := make([]device.Device, 0, len(cards))
	for _, card := range cards {
		dev := newAMDDevice(card, sysfsRoot, debugfsRoot, procRoot, logger)
		devices = append(devices, dev)
	}
	return devices, nil
}

// amdDevice is one amdgpu card. Metric getters read sysfs on demand; the
// static block is captured once by discovery.
type amdDevice struct {
	card   cardInfo
	static device.StaticInfo

	paths   devicePaths
	procs   *processScanner
	logger  *slog.Logger
	debugfs *debugfsReader

	mu         sync.Mutex
	prevEngine map[engineKey]engineSample
}

type engineKey struct {
	pid      int32
	clientID int
}

type engineSample struct {
	totalNS uint64
	at      time.Time
}

func newAMDDevice(card cardInfo, sysfsRoot, debugfsRoot, procRoot string, logger *slog.Logger) *amdDevice {
	paths := newDevicePaths(sysfsRoot, card.ID)
	dev := &amdDevice{
		card:    card,
		paths:   paths,
		logger:  logger.With("card", card.ID),
		debugfs: newDebugfsReader(debugfsRoot, card.Index),
	}
	if card.RenderNode != "" {
		dev.procs = newProcessScanner(procRoot, card.RenderNode, dev.logger)
	}
	dev.static = dev.collectStatic()
	return dev
}

func (d *amdDevice) Vendor() device.Vendor { return device.VendorAMD }
func (d *amdDevice) Name() string          { return d.card.Name }

// UUID returns the PCI slot address, the one identifier stable across boots;
// the card id stands in when sysfs does not expose the slot.
func (d *amdDevice) UUID() string {
	if d.card.PCI != "" {
		return d.card.PCI
	}
	return d.card.ID
}

func (d *amdDevice) StaticInfo() device.StaticInfo { return d.static }

func (d *amdDevice) collectStatic() device.StaticInfo {
	static := device.StaticInfo{
		Architecture:  d.card.Family,
		DriverVersion: d.card.DriverVersion,
		PCIAddress:    d.card.PCI,
	}
	if total, err := readSysfsUint(d.paths.device(vramTotalFile)); err == nil {
		static.MemoryTotalBytes = total
	}

	if fileExists(d.paths.device(gpuBusyFile)) {
		static.Capabilities = append(static.Capabilities, device.CapUtilization)
	}
	if fileExists(d.paths.device(vramTotalFile)) {
		static.Capabilities = append(static.Capabilities, device.CapMemory)
	}
	if d.paths.hwmon != "" && fileExists(d.paths.hwmonFile(hwmonTempInput)) {
		static.Capabilities = append(static.Capabilities, device.CapTemperature)
	}
	if d.paths.hwmon != "" &&
		(fileExists(d.paths.hwmonFile(hwmonPowerAverage)) || fileExists(d.paths.hwmonFile(hwmonPowerInput))) {
		static.Capabilities = append(static.Capabilities, device.CapPower)
	}
	if fileExists(d.paths.device(ppDpmSclkFile)) || fileExists(d.paths.device(ppDpmMclkFile)) {
		static.Capabilities = append(static.Capabilities, device.CapClocks)
	}
	if d.procs != nil {
		static.Capabilities = append(static.Capabilities, device.CapProcesses)
	}
	return static
}

func (d *amdDevice) Utilization(ctx context.Context) (device.Utilization, error) {
	if err := ctx.Err(); err != nil {
		return device.Utilization{}, err
	}

	gpuBusy, gpuErr := readSysfsPercent(d.paths.device(gpuBusyFile))
	if gpuErr != nil {
		// debugfs carries "GPU Load" on kernels without gpu_busy_percent.
		if info := d.debugfs.read(); info.gpuLoad != nil {
			gpuBusy = *info.gpuLoad
			gpuErr = nil
		}
	}
	if gpuErr != nil {
		return device.Utilization{}, classifyRead("gpu busy", gpuErr)
	}

	util := device.Utilization{GraphicsPct: gpuBusy}
	if memBusy, err := readSysfsPercent(d.paths.device(memBusyFile)); err == nil {
		util.MemoryPct = &memBusy
	}
	return util, nil
}

func (d *amdDevice) Memory(ctx context.Context) (device.Memory, error) {
	if err := ctx.Err(); err != nil {
		return device.Memory{}, err
	}

	total, err := readSysfsUint(d.paths.device(vramTotalFile))
	if err != nil {
		return device.Memory{}, classifyRead("vram total", err)
	}
	used, err := readSysfsUint(d.paths.device(vramUsedFile))
	if err != nil {
		return device.Memory{}, classifyRead("vram used", err)
	}

	mem := device.Memory{TotalBytes: total, UsedBytes: used}
	if total >= used {
		mem.FreeBytes = total - used
	}
	return mem, nil
}

func (d *amdDevice) Temperature(ctx context.Context) (device.Temperature, error) {
	if err := ctx.Err(); err != nil {
		return device.Temperature{}, err
	}
	var sensors []device.Sensor
	if d.paths.hwmon != "" {
		sensors = readHwmonTemps(d.paths.hwmon)
	}
	if len(sensors) == 0 {
		if info := d.debugfs.read(); info.tempC != nil {
			sensors = []device.Sensor{{Label: "gpu", Celsius: *info.tempC}}
		}
	}
	if len(sensors) == 0 {
		return device.Temperature{}, device.Unsupportedf("no temperature sensors")
	}
	return device.Temperature{Sensors: sensors}, nil
}

func (d *amdDevice) Power(ctx context.Context) (device.Power, error) {
	if err := ctx.Err(); err != nil {
		return device.Power{}, err
	}

	var (
		draw float64
		err  error = fs.ErrNotExist
	)
	if d.paths.hwmon != "" {
		draw, err = readSysfsScaled(d.paths.hwmonFile(hwmonPowerAverage), microwattsPerWatt)
		if err != nil {
			draw, err = readSysfsScaled(d.paths.hwmonFile(hwmonPowerInput), microwattsPerWatt)
		}
	}
	if err != nil {
		if info := d.debugfs.read(); info.powerW != nil {
			draw = *info.powerW
			err = nil
		}
	}
	if err != nil {
		return device.Power{}, classifyRead("power draw", err)
	}

	power := device.Power{DrawWatts: draw}
	if d.paths.hwmon != "" {
		if limit, err := readSysfsScaled(d.paths.hwmonFile(hwmonPowerCap), microwattsPerWatt); err == nil {
			power.LimitWatts = &limit
		}
	}
	return power, nil
}

func (d *amdDevice) Clocks(ctx context.Context) (device.Clocks, error) {
	if err := ctx.Err(); err != nil {
		return device.Clocks{}, err
	}

	sclk, sclkErr := readCurrentClock(d.paths.device(ppDpmSclkFile))
	mclk, mclkErr := readCurrentClock(d.paths.device(ppDpmMclkFile))
	if sclkErr != nil && mclkErr != nil {
		if info := d.debugfs.read(); info.sclkMHz != nil || info.mclkMHz != nil {
			var clocks device.Clocks
			if info.sclkMHz != nil {
				clocks.GraphicsMHz = uint32Ptr(uint32(*info.sclkMHz))
			}
			if info.mclkMHz != nil {
				clocks.MemoryMHz = uint32Ptr(uint32(*info.mclkMHz))
			}
			return clocks, nil
		}
		return device.Clocks{}, classifyRead("clocks", sclkErr)
	}

	var clocks device.Clocks
	if sclkErr == nil {
		clocks.GraphicsMHz = uint32Ptr(uint32(sclk))
	}
	if mclkErr == nil {
		clocks.MemoryMHz = uint32Ptr(uint32(mclk))
	}
	return clocks, nil
}

func (d *amdDevice) Processes(ctx context.Context) ([]device.ProcessUsage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.procs == nil {
		return nil, device.Unsupportedf("no render node for %s", d.card.ID)
	}

	clients, err := d.procs.scan(ctx)
	if err != nil {
		return nil, err
	}
	return d.attribute(clients), nil
}

// attribute folds per-client fdinfo samples into per-pid usage, deriving
// engine busy percentages from engine-time deltas against the previous call.
// The first call for a client reports memory only.
func (d *amdDevice) attribute(clients []clientUsage) []device.ProcessUsage {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.prevEngine == nil {
		d.prevEngine = make(map[engineKey]engineSample)
	}

	seen := make(map[engineKey]struct{}, len(clients))
	byPID := make(map[int32]*device.ProcessUsage)
	var order []int32

	for _, client := range clients {
		usage, ok := byPID[client.pid]
		if !ok {
			usage = &device.ProcessUsage{PID: client.pid}
			byPID[client.pid] = usage
			order = append(order, client.pid)
		}
		usage.MemoryBytes += client.vramBytes

		if !client.hasEngine {
			continue
		}
		key := engineKey{pid: client.pid, clientID: client.clientID}
		seen[key] = struct{}{}
		prev, havePrev := d.prevEngine[key]
		d.prevEngine[key] = engineSample{totalNS: client.engineNS, at: now}
		if !havePrev || client.engineNS < prev.totalNS {
			continue
		}
		wall := now.Sub(prev.at)
		if wall <= 0 {
			continue
		}
		pctVal := float64(client.engineNS-prev.totalNS) / float64(wall.Nanoseconds()) * 100
		if pctVal > 100 {
			pctVal = 100
		}
		usage.EnginePct = addEnginePct(usage.EnginePct, pctVal)
	}

	// Drop delta state for clients that closed their fds.
	for key := range d.prevEngine {
		if _, ok := seen[key]; !ok {
			delete(d.prevEngine, key)
		}
	}

	out := make([]device.ProcessUsage, 0, len(order))
	for _, pid := range order {
		out = append(out, *byPID[pid])
	}
	return out
}

func addEnginePct(prev *float64, v float64) *float64 {
	if prev == nil {
		return &v
	}
	sum := *prev + v
	return &sum
}

// classifyRead maps a filesystem read failure onto the error taxonomy: a
// file that does not exist marks a permanent capability gap, anything else
// is treated as transient.
func classifyRead(what string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return device.Unsupportedf("%s: %v", what, err)
	}
	return device.Unavailablef("%s: %v", what, err)
}

func uint32Ptr(v uint32) *uint32 { return &v }
