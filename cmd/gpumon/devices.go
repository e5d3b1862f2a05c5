package main

import (
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/gpumon/gpumon/device"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List discovered GPU devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, col, logger, err := detect(cmd.Context())
		if err != nil {
			return err
		}
		for _, failure := range col.ProbeFailures() {
			logger.Warn("vendor probe failed", "vendor", failure.Vendor, "err", failure.Err)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Index", "Vendor", "Name", "UUID", "Memory", "Driver", "Capabilities"})
		table.SetBorders(tablewriter.Border{Left: false, Top: false, Right: false, Bottom: false})
		table.SetAlignment(tablewriter.ALIGN_LEFT)

		for i, dev := range col.Devices() {
			static, _ := col.StaticInfo(i)
			table.Append([]string{
				strconv.Itoa(i),
				dev.Vendor().DisplayName(),
				dev.Name(),
				dev.UUID(),
				formatBytes(static.MemoryTotalBytes),
				static.DriverVersion,
				formatCapabilities(static.Capabilities),
			})
		}
		table.Render()
		return nil
	},
}

func formatBytes(n uint64) string {
	if n == 0 {
		return "-"
	}
	return humanize.IBytes(n)
}

func formatCapabilities(caps []device.Capability) string {
	if len(caps) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(caps))
	for _, c := range caps {
		parts = append(parts, string(c))
	}
	return strings.Join(parts, ",")
}
