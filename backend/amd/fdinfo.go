package amd

import (
	"bufio"
	"bytes"
	"regexp"
	"strconv"
	"strings"
)

// fdInfo is the parsed content of one /proc/<pid>/fdinfo/<fd> entry for a
// DRM file descriptor.
type fdInfo struct {
	clientID  int
	vramBytes uint64
	hasVRAM   bool
	engineNS  uint64
	hasEngine bool
}

// parseFDInfo extracts the amdgpu accounting keys from fdinfo text: the DRM
// client id, requested VRAM, and total engine time summed across engines
// (gfx, compute, dma, enc, dec).
func parseFDInfo(data []byte) fdInfo {
	var info fdInfo

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)

		switch {
		case strings.HasPrefix(lower, "drm-client-id"):
			if value, ok := parseTrailingInt(line); ok {
				info.clientID = value
			}
		case strings.HasPrefix(lower, "drm-memory-vram"),
			strings.HasPrefix(lower, "amd-requested-vram"):
			if value, ok := parseBytesValue(lower); ok {
				if value > info.vramBytes {
					info.vramBytes = value
				}
				info.hasVRAM = true
			}
		case strings.HasPrefix(lower, "drm-engine-"):
			if value, ok := parseEngineValue(lower); ok {
				info.engineNS += value
				info.hasEngine = true
			}
		}
	}
	return info
}

var bytesValuePattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(kib|kb|mib|mb|gib|gb|bytes?|b)?\s*$`)

var engineValuePattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(ns|us|ms|s)\s*$`)

func parseBytesValue(line string) (uint64, bool) {
	match := bytesValuePattern.FindStringSubmatch(line)
	if match == nil {
		return 0, false
	}
	value, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, false
	}
	return uint64(value * float64(bytesUnitMultiplier(match[2]))), true
}

func parseEngineValue(line string) (uint64, bool) {
	match := engineValuePattern.FindStringSubmatch(line)
	if match == nil {
		return 0, false
	}
	value, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, false
	}
	return uint64(value * float64(engineUnitMultiplier(match[2]))), true
}

func bytesUnitMultiplier(unit string) uint64 {
	switch unit {
	case "", "b", "byte", "bytes":
		return 1
	case "kb", "kib":
		return 1024
	case "mb", "mib":
		return 1024 * 1024
	case "gb", "gib":
		return 1024 * 1024 * 1024
	default:
		return 1
	}
}

func engineUnitMultiplier(unit string) uint64 {
	switch unit {
	case "ns":
		return 1
	case "us":
		return 1000
	case "ms":
		return 1000 * 1000
	case "s":
		return 1000 * 1000 * 1000
	default:
		return 1
	}
}

func parseTrailingInt(line string) (int, bool) {
	fields := strings.Fields(line)
	for i := len(fields) - 1; i >= 0; i-- {
		token := strings.Trim(fields[i], "(),")
		if token == "" {
			continue
		}
		if value, err := strconv.Atoi(token); err == nil {
			return value, true
		}
	}
	return 0, false
}
