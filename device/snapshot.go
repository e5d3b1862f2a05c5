package device

import (
	"context"
	"time"
)

// Metric names one collectible metric family for failure reporting.
type Metric string

const (
	MetricUtilization Metric = "utilization"
	MetricMemory      Metric = "memory"
	MetricTemperature Metric = "temperature"
	MetricPower       Metric = "power"
	MetricClocks      Metric = "clocks"
	MetricProcesses   Metric = "processes"
)

// MetricFailure records why a single metric is missing from a snapshot.
type MetricFailure struct {
	Metric Metric `json:"metric"`
	Status Status `json:"status"`
	Reason string `json:"reason"`
}

// Snapshot is a point-in-time reading of one device. It is a plain data
// struct: JSON-serializable, no live handles. Metric fields are nil when the
// corresponding read failed; Failures explains each gap.
type Snapshot struct {
	Index     int       `json:"index"`
	Vendor    Vendor    `json:"vendor"`
	Name      string    `json:"name"`
	UUID      string    `json:"uuid"`
	Timestamp time.Time `json:"ts"`

	Static StaticInfo `json:"static"`

	Utilization *Utilization   `json:"utilization,omitempty"`
	Memory      *Memory        `json:"memory,omitempty"`
	Temperature *Temperature   `json:"temperature,omitempty"`
	Power       *Power         `json:"power,omitempty"`
	Clocks      *Clocks        `json:"clocks,omitempty"`
	Processes   []ProcessUsage `json:"processes,omitempty"`

	Failures []MetricFailure `json:"failures,omitempty"`
}

// Failed returns the failure record for a metric, if any.
func (s *Snapshot) Failed(m Metric) (MetricFailure, bool) {
	for _, f := range s.Failures {
		if f.Metric == m {
			return f, true
		}
	}
	return MetricFailure{}, false
}

// Lost reports whether any metric failed with the lost status, the signal
// that the device itself is gone rather than a single read misfiring.
func (s *Snapshot) Lost() bool {
	for _, f := range s.Failures {
		if f.Status == StatusLost {
			return true
		}
	}
	return false
}

// Take reads every metric of dev and assembles a Snapshot. Individual metric
// failures never abort the snapshot; they are recorded in Failures and the
// corresponding field stays nil. Static identity comes from the device's
// cached StaticInfo.
func Take(ctx context.Context, index int, dev Device) Snapshot {
	snap := Snapshot{
		Index:     index,
		Vendor:    dev.Vendor(),
		Name:      dev.Name(),
		UUID:      dev.UUID(),
		Timestamp: time.Now().UTC(),
		Static:    dev.StaticInfo(),
	}

	record := func(metric Metric, err error) {
		snap.Failures = append(snap.Failures, MetricFailure{
			Metric: metric,
			Status: Classify(err),
			Reason: err.Error(),
		})
	}

	if util, err := dev.Utilization(ctx); err != nil {
		record(MetricUtilization, err)
	} else {
		snap.Utilization = &util
	}

	if mem, err := dev.Memory(ctx); err != nil {
		record(MetricMemory, err)
	} else {
		snap.Memory = &mem
	}

	if temp, err := dev.Temperature(ctx); err != nil {
		record(MetricTemperature, err)
	} else {
		snap.Temperature = &temp
	}

	if power, err := dev.Power(ctx); err != nil {
		record(MetricPower, err)
	} else {
		snap.Power = &power
	}

	if clocks, err := dev.Clocks(ctx); err != nil {
		record(MetricClocks, err)
	} else {
		snap.Clocks = &clocks
	}

	if procs, err := dev.Processes(ctx); err != nil {
		record(MetricProcesses, err)
	} else {
		snap.Processes = procs
	}

	return snap
}
