package httpserver

import (
	"context"
	"io"
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gpumon/gpumon/device"
	"github.com/gpumon/gpumon/registry"
)

// deviceCollector snapshots the whole collection on each scrape. The scrape
// itself is the caller-driven pass; nothing is cached between scrapes.
type deviceCollector struct {
	collection *registry.Collection
	logger     *slog.Logger
	metrics    []deviceMetric
}

type deviceMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	extract   func(snap device.Snapshot) (float64, bool)
}

func newDeviceCollector(collection *registry.Collection, logger *slog.Logger) prometheus.Collector {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	collector := &deviceCollector{
		collection: collection,
		logger:     logger.With("component", "prometheus"),
	}

	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName("gpumon", "device", name),
			help,
			[]string{"index", "vendor", "uuid"},
			nil,
		)
	}

	collector.metrics = []deviceMetric{
		{
			desc:      desc("busy_percent", "Current graphics engine busy percentage."),
			valueType: prometheus.GaugeValue,
			extract: func(snap device.Snapshot) (float64, bool) {
				if snap.Utilization == nil {
					return 0, false
				}
				return snap.Utilization.GraphicsPct, true
			},
		},
		{
			desc:      desc("memory_busy_percent", "Current memory controller busy percentage."),
			valueType: prometheus.GaugeValue,
			extract: func(snap device.Snapshot) (float64, bool) {
				if snap.Utilization == nil || snap.Utilization.MemoryPct == nil {
					return 0, false
				}
				return *snap.Utilization.MemoryPct, true
			},
		},
		{
			desc:      desc("memory_used_bytes", "Current device memory usage in bytes."),
			valueType: prometheus.GaugeValue,
			extract: func(snap device.Snapshot) (float64, bool) {
				if snap.Memory == nil {
					return 0, false
				}
				return float64(snap.Memory.UsedBytes), true
			},
		},
		{
			desc:      desc("memory_total_bytes", "Total device memory capacity in bytes."),
			valueType: prometheus.GaugeValue,
			extract: func(snap device.Snapshot) (float64, bool) {
				if snap.Memory == nil {
					return 0, false
				}
				return float64(snap.Memory.TotalBytes), true
			},
		},
		{
			desc:      desc("temperature_celsius", "Current primary temperature sensor in Celsius."),
			valueType: prometheus.GaugeValue,
			extract: func(snap device.Snapshot) (float64, bool) {
				if snap.Temperature == nil {
					return 0, false
				}
				primary, ok := snap.Temperature.Primary()
				return primary.Celsius, ok
			},
		},
		{
			desc:      desc("power_watts", "Current power draw in Watts."),
			valueType: prometheus.GaugeValue,
			extract: func(snap device.Snapshot) (float64, bool) {
				if snap.Power == nil {
					return 0, false
				}
				return snap.Power.DrawWatts, true
			},
		},
		{
			desc:      desc("power_limit_watts", "Enforced power limit in Watts."),
			valueType: prometheus.GaugeValue,
			extract: func(snap device.Snapshot) (float64, bool) {
				if snap.Power == nil || snap.Power.LimitWatts == nil {
					return 0, false
				}
				return *snap.Power.LimitWatts, true
			},
		},
		{
			desc:      desc("graphics_clock_mhz", "Current graphics clock in MHz."),
			valueType: prometheus.GaugeValue,
			extract: func(snap device.Snapshot) (float64, bool) {
				if snap.Clocks == nil || snap.Clocks.GraphicsMHz == nil {
					return 0, false
				}
				return float64(*snap.Clocks.GraphicsMHz), true
			},
		},
		{
			desc:      desc("memory_clock_mhz", "Current memory clock in MHz."),
			valueType: prometheus.GaugeValue,
			extract: func(snap device.Snapshot) (float64, bool) {
				if snap.Clocks == nil || snap.Clocks.MemoryMHz == nil {
					return 0, false
				}
				return float64(*snap.Clocks.MemoryMHz), true
			},
		},
		{
			desc:      desc("processes", "Number of processes with device usage."),
			valueType: prometheus.GaugeValue,
			extract: func(snap device.Snapshot) (float64, bool) {
				if _, failed := snap.Failed(device.MetricProcesses); failed {
					return 0, false
				}
				return float64(len(snap.Processes)), true
			},
		},
		{
			desc:      desc("metric_failures", "Number of metric families that failed in the last snapshot."),
			valueType: prometheus.GaugeValue,
			extract: func(snap device.Snapshot) (float64, bool) {
				return float64(len(snap.Failures)), true
			},
		},
	}

	return collector
}

func (c *deviceCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
}

func (c *deviceCollector) Collect(ch chan<- prometheus.Metric) {
	snaps := c.collection.SnapshotAll(context.Background())
	for i, snap := range snaps {
		if snap.Lost() {
			c.logger.Warn("device lost during scrape", "index", i, "uuid", snap.UUID)
		}
		labels := []string{strconv.Itoa(i), string(snap.Vendor), snap.UUID}
		for _, metric := range c.metrics {
			value, ok := metric.extract(snap)
			if !ok {
				continue
			}
			ch <- prometheus.MustNewConstMetric(metric.desc, metric.valueType, value, labels...)
		}
	}
}
