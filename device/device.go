// Package device defines the vendor-neutral GPU abstraction: the Device
// interface, metric value types, the snapshot shape and the error taxonomy
// shared by every backend.
package device

import (
	"context"
	"sort"
)

// Vendor identifies a GPU vendor. The set is closed; unknown strings are not
// valid vendors.
type Vendor string

const (
	VendorAMD    Vendor = "amd"
	VendorApple  Vendor = "apple"
	VendorIntel  Vendor = "intel"
	VendorNVIDIA Vendor = "nvidia"
)

// Vendors returns every known vendor tag in ascending order. Discovery probes
// vendors in exactly this order, which keeps collection indices deterministic
// across runs on identical hardware.
func Vendors() []Vendor {
	v := []Vendor{VendorAMD, VendorApple, VendorIntel, VendorNVIDIA}
	sort.Slice(v, func(i, j int) bool { return v[i] < v[j] })
	return v
}

// Valid reports whether v is one of the known vendor tags.
func (v Vendor) Valid() bool {
	switch v {
	case VendorAMD, VendorApple, VendorIntel, VendorNVIDIA:
		return true
	}
	return false
}

// String returns the wire tag, not a display name. Use DisplayName for UI.
func (v Vendor) String() string {
	return string(v)
}

// DisplayName returns a human-readable vendor name.
func (v Vendor) DisplayName() string {
	switch v {
	case VendorAMD:
		return "AMD"
	case VendorApple:
		return "Apple"
	case VendorIntel:
		return "Intel"
	case VendorNVIDIA:
		return "NVIDIA"
	}
	return string(v)
}

// Capability names a metric family a device may support. Absence of a
// capability means the corresponding getter returns ErrUnsupported.
type Capability string

const (
	CapUtilization Capability = "utilization"
	CapMemory      Capability = "memory"
	CapTemperature Capability = "temperature"
	CapPower       Capability = "power"
	CapClocks      Capability = "clocks"
	CapProcesses   Capability = "processes"
)

// StaticInfo holds properties that do not change for the lifetime of a
// device. It is collected once at discovery and served from cache afterwards.
type StaticInfo struct {
	MemoryTotalBytes uint64       `json:"memory_total_bytes"`
	Architecture     string       `json:"architecture,omitempty"`
	DriverVersion    string       `json:"driver_version,omitempty"`
	PCIAddress       string       `json:"pci_address,omitempty"`
	Capabilities     []Capability `json:"capabilities"`
}

// Supports reports whether the device advertised the given capability at
// discovery time.
func (s StaticInfo) Supports(c Capability) bool {
	for _, have := range s.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Utilization describes engine busy percentages. GraphicsPct is the one rate
// every reporting backend has; the rest are nil when the vendor does not
// break them out.
type Utilization struct {
	GraphicsPct float64  `json:"graphics_pct"`
	ComputePct  *float64 `json:"compute_pct,omitempty"`
	MemoryPct   *float64 `json:"memory_pct,omitempty"`
	EncoderPct  *float64 `json:"encoder_pct,omitempty"`
	DecoderPct  *float64 `json:"decoder_pct,omitempty"`
}

// Memory describes device memory occupancy in bytes.
type Memory struct {
	TotalBytes uint64 `json:"total_bytes"`
	UsedBytes  uint64 `json:"used_bytes"`
	FreeBytes  uint64 `json:"free_bytes"`
}

// UsedPercent returns used memory as a percentage of total, or 0 when the
// total is unknown.
func (m Memory) UsedPercent() float64 {
	if m.TotalBytes == 0 {
		return 0
	}
	return float64(m.UsedBytes) / float64(m.TotalBytes) * 100
}

// Sensor is a single labelled temperature reading.
type Sensor struct {
	Label   string  `json:"label"`
	Celsius float64 `json:"celsius"`
}

// Temperature carries all temperature sensors a device exposes. At least one
// sensor is present when the metric succeeds.
type Temperature struct {
	Sensors []Sensor `json:"sensors"`
}

// Primary returns the first sensor, the conventional "edge" reading.
func (t Temperature) Primary() (Sensor, bool) {
	if len(t.Sensors) == 0 {
		return Sensor{}, false
	}
	return t.Sensors[0], true
}

// Max returns the hottest sensor.
func (t Temperature) Max() (Sensor, bool) {
	if len(t.Sensors) == 0 {
		return Sensor{}, false
	}
	hottest := t.Sensors[0]
	for _, s := range t.Sensors[1:] {
		if s.Celsius > hottest.Celsius {
			hottest = s
		}
	}
	return hottest, true
}

// Power describes the current power draw and, when the vendor exposes it,
// the enforced limit.
type Power struct {
	DrawWatts  float64  `json:"draw_watts"`
	LimitWatts *float64 `json:"limit_watts,omitempty"`
}

// Clocks carries current clock frequencies. Every field is optional because
// vendors expose different domains.
type Clocks struct {
	GraphicsMHz *uint32 `json:"graphics_mhz,omitempty"`
	MemoryMHz   *uint32 `json:"memory_mhz,omitempty"`
	SMMHz       *uint32 `json:"sm_mhz,omitempty"`
	VideoMHz    *uint32 `json:"video_mhz,omitempty"`
}

// ProcessUsage is one process as seen by a single device. MemoryBytes is the
// device memory attributed to the pid; the percentage fields are nil when the
// backend cannot derive them.
type ProcessUsage struct {
	PID         int32    `json:"pid"`
	MemoryBytes uint64   `json:"memory_bytes"`
	EnginePct   *float64 `json:"engine_pct,omitempty"`
	EncoderPct  *float64 `json:"encoder_pct,omitempty"`
	DecoderPct  *float64 `json:"decoder_pct,omitempty"`
}

// Device is the capability-polymorphic handle for one GPU. Identity methods
// never fail; every dynamic getter may return an error classifiable with
// IsUnsupported, IsUnavailable or IsLost. Implementations must be safe for
// concurrent use.
type Device interface {
	Vendor() Vendor
	Name() string
	UUID() string

	StaticInfo() StaticInfo

	Utilization(ctx context.Context) (Utilization, error)
	Memory(ctx context.Context) (Memory, error)
	Temperature(ctx context.Context) (Temperature, error)
	Power(ctx context.Context) (Power, error)
	Clocks(ctx context.Context) (Clocks, error)
	Processes(ctx context.Context) ([]ProcessUsage, error)
}
