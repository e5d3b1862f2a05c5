// Package devicetest provides a configurable in-memory Device implementation
// for tests in this module and in consumers.
package devicetest

import (
	"context"
	"sync"

	"github.com/gpumon/gpumon/device"
)

// Fake implements device.Device with canned values. Zero-value metric fields
// are returned as-is; set an Err field to make the corresponding getter fail.
// Fake is safe for concurrent use and counts calls per getter.
type Fake struct {
	DeviceVendor device.Vendor
	DeviceName   string
	DeviceUUID   string
	Static       device.StaticInfo

	UtilizationValue device.Utilization
	MemoryValue      device.Memory
	TemperatureValue device.Temperature
	PowerValue       device.Power
	ClocksValue      device.Clocks
	ProcessesValue   []device.ProcessUsage

	UtilizationErr error
	MemoryErr      error
	TemperatureErr error
	PowerErr       error
	ClocksErr      error
	ProcessesErr   error

	// Block, when non-nil, is closed by the test to unblock getters; until
	// then every getter waits on it or the context, whichever comes first.
	Block chan struct{}

	mu    sync.Mutex
	calls map[string]int
}

var _ device.Device = (*Fake)(nil)

func (f *Fake) Vendor() device.Vendor { return f.DeviceVendor }
func (f *Fake) Name() string          { return f.DeviceName }
func (f *Fake) UUID() string          { return f.DeviceUUID }

func (f *Fake) StaticInfo() device.StaticInfo {
	f.count("static")
	return f.Static
}

func (f *Fake) Utilization(ctx context.Context) (device.Utilization, error) {
	f.count("utilization")
	if err := f.wait(ctx); err != nil {
		return device.Utilization{}, err
	}
	return f.UtilizationValue, f.UtilizationErr
}

func (f *Fake) Memory(ctx context.Context) (device.Memory, error) {
	f.count("memory")
	if err := f.wait(ctx); err != nil {
		return device.Memory{}, err
	}
	return f.MemoryValue, f.MemoryErr
}

func (f *Fake) Temperature(ctx context.Context) (device.Temperature, error) {
	f.count("temperature")
	if err := f.wait(ctx); err != nil {
		return device.Temperature{}, err
	}
	return f.TemperatureValue, f.TemperatureErr
}

func (f *Fake) Power(ctx context.Context) (device.Power, error) {
	f.count("power")
	if err := f.wait(ctx); err != nil {
		return device.Power{}, err
	}
	return f.PowerValue, f.PowerErr
}

func (f *Fake) Clocks(ctx context.Context) (device.Clocks, error) {
	f.count("clocks")
	if err := f.wait(ctx); err != nil {
		return device.Clocks{}, err
	}
	return f.ClocksValue, f.ClocksErr
}

func (f *Fake) Processes(ctx context.Context) ([]device.ProcessUsage, error) {
	f.count("processes")
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return f.ProcessesValue, f.ProcessesErr
}

// Calls returns how many times the named getter ran.
func (f *Fake) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *Fake) count(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[name]++
}

func (f *Fake) wait(ctx context.Context) error {
	if f.Block == nil {
		return nil
	}
	select {
	case <-f.Block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
