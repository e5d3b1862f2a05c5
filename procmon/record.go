// Package procmon merges OS process enumeration with per-device GPU process
// accounting into a single attributed view.
package procmon

import (
	"sort"
	"time"
)

// DeviceUsage is one process's footprint on one device.
type DeviceUsage struct {
	MemoryBytes uint64   `json:"memory_bytes"`
	EnginePct   *float64 `json:"engine_pct,omitempty"`
	EncoderPct  *float64 `json:"encoder_pct,omitempty"`
	DecoderPct  *float64 `json:"decoder_pct,omitempty"`
}

// ProcessRecord is one process after the merge. Identity fields (Name, User,
// CPUPercent, RSSBytes) come from the OS process table; Devices carries the
// per-device GPU usage keyed by collection index. HostKnown is false for pids
// a device reported but the OS enumeration did not contain, in which case the
// identity fields are zero values.
type ProcessRecord struct {
	PID        int32               `json:"pid"`
	Name       string              `json:"name,omitempty"`
	User       string              `json:"user,omitempty"`
	HostKnown  bool                `json:"host_known"`
	CPUPercent float64             `json:"cpu_percent"`
	RSSBytes   uint64              `json:"rss_bytes"`
	Devices    map[int]DeviceUsage `json:"devices,omitempty"`
}

// OnGPU reports whether any device attributed usage to this process.
func (r ProcessRecord) OnGPU() bool {
	return len(r.Devices) > 0
}

// GPUMemoryBytes returns the process's device memory summed across devices.
func (r ProcessRecord) GPUMemoryBytes() uint64 {
	var total uint64
	for _, usage := range r.Devices {
		total += usage.MemoryBytes
	}
	return total
}

// DeviceIndices returns the collection indices of the devices this process
// touches, ascending.
func (r ProcessRecord) DeviceIndices() []int {
	indices := make([]int, 0, len(r.Devices))
	for i := range r.Devices {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return indices
}

// ProcessSet is the immutable result of one attribution pass. All views
// return fresh slices; the set itself never changes after construction.
type ProcessSet struct {
	taken   time.Time
	records []ProcessRecord // ascending pid
	byPID   map[int32]int
}

func newProcessSet(taken time.Time, records []ProcessRecord) *ProcessSet {
	sort.Slice(records, func(i, j int) bool { return records[i].PID < records[j].PID })
	byPID := make(map[int32]int, len(records))
	for i, r := range records {
		byPID[r.PID] = i
	}
	return &ProcessSet{taken: taken, records: records, byPID: byPID}
}

// Taken returns when the attribution pass ran.
func (s *ProcessSet) Taken() time.Time { return s.taken }

// Len returns the number of merged records.
func (s *ProcessSet) Len() int { return len(s.records) }

// Processes returns every record in ascending pid order.
func (s *ProcessSet) Processes() []ProcessRecord {
	out := make([]ProcessRecord, len(s.records))
	copy(out, s.records)
	return out
}

// ByPID looks up a single record.
func (s *ProcessSet) ByPID(pid int32) (ProcessRecord, bool) {
	i, ok := s.byPID[pid]
	if !ok {
		return ProcessRecord{}, false
	}
	return s.records[i], true
}

// ByCPU returns records sorted by descending CPU percentage, ties broken by
// ascending pid.
func (s *ProcessSet) ByCPU() []ProcessRecord {
	out := s.Processes()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CPUPercent != out[j].CPUPercent {
			return out[i].CPUPercent > out[j].CPUPercent
		}
		return out[i].PID < out[j].PID
	})
	return out
}

// ByGPUMemory returns records sorted by descending total GPU memory, ties
// broken by ascending pid.
func (s *ProcessSet) ByGPUMemory() []ProcessRecord {
	out := s.Processes()
	sort.SliceStable(out, func(i, j int) bool {
		mi, mj := out[i].GPUMemoryBytes(), out[j].GPUMemoryBytes()
		if mi != mj {
			return mi > mj
		}
		return out[i].PID < out[j].PID
	})
	return out
}

// GPUOnly returns only the records with device usage, ascending pid.
func (s *ProcessSet) GPUOnly() []ProcessRecord {
	var out []ProcessRecord
	for _, r := range s.records {
		if r.OnGPU() {
			out = append(out, r)
		}
	}
	return out
}
