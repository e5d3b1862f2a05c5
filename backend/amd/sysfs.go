package amd

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/gpumon/gpumon/device"
)

const (
	gpuBusyFile   = "gpu_busy_percent"
	memBusyFile   = "mem_busy_percent"
	ppDpmSclkFile = "pp_dpm_sclk"
	ppDpmMclkFile = "pp_dpm_mclk"
	vramTotalFile = "mem_info_vram_total"
	vramUsedFile  = "mem_info_vram_used"

	hwmonTempInput    = "temp1_input"
	hwmonPowerAverage = "power1_average"
	hwmonPowerInput   = "power1_input"
	hwmonPowerCap     = "power1_cap"

	debugPmInfoFile = "amdgpu_pm_info"

	millidegreesPerDegree = 1000
	microwattsPerWatt     = 1_000_000

	maxTempSensors = 8
)

// devicePaths resolves the sysfs locations for one card once, at discovery.
type devicePaths struct {
	deviceDir string
	hwmon     string
}

func newDevicePaths(sysfsRoot, cardID string) devicePaths {
	deviceDir := filepath.Join(sysfsRoot, drmClassPath, cardID, "device")
	return devicePaths{
		deviceDir: deviceDir,
		hwmon:     detectHwmon(deviceDir),
	}
}

func (p devicePaths) device(name string) string {
	return filepath.Join(p.deviceDir, name)
}

func (p devicePaths) hwmonFile(name string) string {
	return filepath.Join(p.hwmon, name)
}

func detectHwmon(deviceDir string) string {
	hwmonRoot := filepath.Join(deviceDir, "hwmon")
	entries, err := os.ReadDir(hwmonRoot)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if entry.IsDir() || entry.Type()&os.ModeSymlink != 0 {
			return filepath.Join(hwmonRoot, entry.Name())
		}
	}
	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readSysfsValue(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", fmt.Errorf("empty value in %s", path)
	}
	return value, nil
}

func readSysfsUint(path string) (uint64, error) {
	value, err := readSysfsValue(path)
	if err != nil {
		return 0, err
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return parsed, nil
}

func readSysfsFloat(path string) (float64, error) {
	value, err := readSysfsValue(path)
	if err != nil {
		return 0, err
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return parsed, nil
}

func readSysfsScaled(path string, divisor float64) (float64, error) {
	value, err := readSysfsFloat(path)
	if err != nil {
		return 0, err
	}
	return value / divisor, nil
}

func readSysfsPercent(path string) (float64, error) {
	value, err := readSysfsFloat(path)
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, fmt.Errorf("negative busy value in %s", path)
	}
	if value > 100 {
		// Some kernels report busy % scaled by 100.
		value = value / 100
		if value > 100 {
			value = 100
		}
	}
	return value, nil
}

// readHwmonTemps collects every tempN_input the hwmon directory exposes,
// labelled from the matching tempN_label when present. Values are in
// millidegrees.
func readHwmonTemps(hwmonDir string) []device.Sensor {
	var sensors []device.Sensor
	for n := 1; n <= maxTempSensors; n++ {
		input := filepath.Join(hwmonDir, fmt.Sprintf("temp%d_input", n))
		value, err := readSysfsFloat(input)
		if err != nil {
			continue
		}
		label := fmt.Sprintf("temp%d", n)
		labelPath := filepath.Join(hwmonDir, fmt.Sprintf("temp%d_label", n))
		if data, err := os.ReadFile(labelPath); err == nil {
			if trimmed := strings.TrimSpace(string(data)); trimmed != "" {
				label = trimmed
			}
		}
		sensors = append(sensors, device.Sensor{
			Label:   label,
			Celsius: value / millidegreesPerDegree,
		})
	}
	return sensors
}

// readCurrentClock parses a pp_dpm_* table and returns the MHz value of the
// active state, the line the driver marks with '*'.
func readCurrentClock(path string) (float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "*") {
			continue
		}
		if clock, ok := extractClockMHz(line); ok {
			return clock, nil
		}
	}
	return 0, fmt.Errorf("no active state in %s", path)
}

func extractClockMHz(line string) (float64, bool) {
	line = strings.TrimSpace(strings.TrimSuffix(line, "*"))
	for _, field := range strings.Fields(line) {
		field = strings.TrimSuffix(field, "*")
		lower := strings.ToLower(field)
		if !strings.HasSuffix(lower, "mhz") {
			continue
		}
		value, err := strconv.ParseFloat(strings.TrimSuffix(lower, "mhz"), 64)
		if err != nil {
			continue
		}
		return value, true
	}
	return 0, false
}

// debugfsReader parses amdgpu_pm_info, the fallback for kernels or power
// states where the plain sysfs files are absent.
type debugfsReader struct {
	path string
}

func newDebugfsReader(debugfsRoot string, cardIndex int) *debugfsReader {
	return &debugfsReader{
		path: filepath.Join(debugfsRoot, "dri", strconv.Itoa(cardIndex), debugPmInfoFile),
	}
}

type debugInfo struct {
	gpuLoad *float64
	sclkMHz *float64
	mclkMHz *float64
	tempC   *float64
	powerW  *float64
}

func (r *debugfsReader) read() debugInfo {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return debugInfo{}
	}

	info := debugInfo{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)

		switch {
		case strings.HasPrefix(lower, "gpu load"):
			if val, ok := extractFirstFloat(line); ok {
				info.gpuLoad = &val
			}
		case strings.HasPrefix(lower, "sclk"), strings.HasPrefix(lower, "average gfxclk"):
			if val, ok := extractFirstFloat(line); ok {
				info.sclkMHz = &val
			}
		case strings.HasPrefix(lower, "mclk"), strings.HasPrefix(lower, "average memclk"):
			if val, ok := extractFirstFloat(line); ok {
				info.mclkMHz = &val
			}
		case strings.HasPrefix(lower, "gpu temperature"):
			if val, ok := extractFirstFloat(line); ok {
				info.tempC = &val
			}
		case strings.HasPrefix(lower, "gpu power"), strings.HasPrefix(lower, "power:"):
			if val, ok := extractFirstFloat(line); ok {
				info.powerW = &val
			}
		}
	}
	return info
}

func extractFirstFloat(line string) (float64, bool) {
	var buf strings.Builder
	var seen bool
	for _, r := range line {
		if unicode.IsDigit(r) || r == '.' || (r == '-' && !seen) {
			buf.WriteRune(r)
			seen = true
			continue
		}
		if seen {
			break
		}
	}
	if !seen {
		return 0, false
	}
	value, err := strconv.ParseFloat(buf.String(), 64)
	if err != nil {
		return 0, false
	}
	return value, true
}
