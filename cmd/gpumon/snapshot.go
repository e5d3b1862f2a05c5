package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/gpumon/gpumon/device"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Query current metrics from every device",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, col, logger, err := detect(cmd.Context())
		if err != nil {
			return err
		}

		snaps := col.SnapshotAll(cmd.Context())

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Index", "Vendor", "Name", "Busy", "Memory", "Temp", "Power", "Clock", "Procs"})
		table.SetBorders(tablewriter.Border{Left: false, Top: false, Right: false, Bottom: false})
		table.SetAlignment(tablewriter.ALIGN_LEFT)

		for _, snap := range snaps {
			if snap.Lost() {
				logger.Warn("device lost", "index", snap.Index, "uuid", snap.UUID)
			}
			table.Append([]string{
				strconv.Itoa(snap.Index),
				snap.Vendor.DisplayName(),
				snap.Name,
				formatBusy(snap.Utilization),
				formatMemory(snap.Memory),
				formatTemperature(snap.Temperature),
				formatPower(snap.Power),
				formatClock(snap.Clocks),
				formatProcs(snap),
			})
		}
		table.Render()
		return nil
	},
}

func formatBusy(u *device.Utilization) string {
	if u == nil {
		return "-"
	}
	return fmt.Sprintf("%.0f%%", u.GraphicsPct)
}

func formatMemory(m *device.Memory) string {
	if m == nil {
		return "-"
	}
	return fmt.Sprintf("%s / %s", formatBytes(m.UsedBytes), formatBytes(m.TotalBytes))
}

func formatTemperature(t *device.Temperature) string {
	if t == nil {
		return "-"
	}
	primary, ok := t.Primary()
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%.0f°C", primary.Celsius)
}

func formatPower(p *device.Power) string {
	if p == nil {
		return "-"
	}
	if p.LimitWatts != nil {
		return fmt.Sprintf("%.0fW / %.0fW", p.DrawWatts, *p.LimitWatts)
	}
	return fmt.Sprintf("%.0fW", p.DrawWatts)
}

func formatClock(c *device.Clocks) string {
	if c == nil || c.GraphicsMHz == nil {
		return "-"
	}
	return fmt.Sprintf("%d MHz", *c.GraphicsMHz)
}

func formatProcs(snap device.Snapshot) string {
	if _, failed := snap.Failed(device.MetricProcesses); failed {
		return "-"
	}
	return strconv.Itoa(len(snap.Processes))
}
