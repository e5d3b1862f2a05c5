package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/gpumon/gpumon/procmon"
)

var (
	processesSort    string
	processesGPUOnly bool
)

var processesCmd = &cobra.Command{
	Use:   "processes",
	Short: "Show processes with CPU and GPU usage merged",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, col, logger, err := detect(cmd.Context())
		if err != nil {
			return err
		}

		monitor := procmon.New(procmon.GopsutilLister{}, col, logger)
		set, err := monitor.Snapshot(cmd.Context())
		if err != nil {
			return err
		}

		var records []procmon.ProcessRecord
		switch processesSort {
		case "pid":
			records = set.Processes()
		case "cpu":
			records = set.ByCPU()
		case "gpu":
			records = set.ByGPUMemory()
		default:
			return fmt.Errorf("unknown sort %q (want pid, cpu or gpu)", processesSort)
		}
		if processesGPUOnly {
			filtered := records[:0:0]
			for _, rec := range records {
				if rec.OnGPU() {
					filtered = append(filtered, rec)
				}
			}
			records = filtered
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"PID", "Name", "User", "CPU", "RSS", "GPU Mem", "Devices"})
		table.SetBorders(tablewriter.Border{Left: false, Top: false, Right: false, Bottom: false})
		table.SetAlignment(tablewriter.ALIGN_LEFT)

		for _, rec := range records {
			name := rec.Name
			if !rec.HostKnown {
				name = "?"
			}
			table.Append([]string{
				strconv.Itoa(int(rec.PID)),
				name,
				rec.User,
				fmt.Sprintf("%.1f%%", rec.CPUPercent),
				formatBytes(rec.RSSBytes),
				formatBytes(rec.GPUMemoryBytes()),
				formatDeviceIndices(rec.DeviceIndices()),
			})
		}
		table.Render()
		return nil
	},
}

func init() {
	processesCmd.Flags().StringVar(&processesSort, "sort", "pid", "sort order: pid, cpu or gpu")
	processesCmd.Flags().BoolVar(&processesGPUOnly, "gpu-only", false, "only show processes with device usage")
}

func formatDeviceIndices(indices []int) string {
	if len(indices) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(indices))
	for _, i := range indices {
		parts = append(parts, strconv.Itoa(i))
	}
	return strings.Join(parts, ",")
}
