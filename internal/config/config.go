// Package config loads runtime configuration from GPUMON_* environment
// variables, applying defaults suitable for a bare-metal Linux host.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration sourced from environment variables.
type Config struct {
	ListenAddr       string
	QueryTimeout     time.Duration
	RequireDevices   bool
	EnableAMD        bool
	EnableNVIDIA     bool
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	SysfsRoot        string
	DebugfsRoot      string
	ProcRoot         string
}

// Load parses configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:       ":8080",
		QueryTimeout:     2 * time.Second,
		RequireDevices:   false,
		EnableAMD:        true,
		EnableNVIDIA:     true,
		EnablePrometheus: true,
		EnablePprof:      false,
		LogLevel:         slog.LevelInfo,
		SysfsRoot:        "/sys",
		DebugfsRoot:      "/sys/kernel/debug",
		ProcRoot:         "/proc",
	}

	if value := strings.TrimSpace(os.Getenv("GPUMON_LISTEN_ADDR")); value != "" {
		cfg.ListenAddr = value
	}

	if value := strings.TrimSpace(os.Getenv("GPUMON_QUERY_TIMEOUT")); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse GPUMON_QUERY_TIMEOUT: %w", err)
		}
		if duration <= 0 {
			return Config{}, fmt.Errorf("GPUMON_QUERY_TIMEOUT must be > 0")
		}
		cfg.QueryTimeout = duration
	}

	boolVars := []struct {
		key string
		dst *bool
	}{
		{"GPUMON_REQUIRE_DEVICES", &cfg.RequireDevices},
		{"GPUMON_ENABLE_AMD", &cfg.EnableAMD},
		{"GPUMON_ENABLE_NVIDIA", &cfg.EnableNVIDIA},
		{"GPUMON_ENABLE_PROMETHEUS", &cfg.EnablePrometheus},
		{"GPUMON_ENABLE_PPROF", &cfg.EnablePprof},
	}
	for _, v := range boolVars {
		value := strings.TrimSpace(os.Getenv(v.key))
		if value == "" {
			continue
		}
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", v.key, err)
		}
		*v.dst = enabled
	}

	if value := strings.TrimSpace(os.Getenv("GPUMON_LOG_LEVEL")); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse GPUMON_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if value := strings.TrimSpace(os.Getenv("GPUMON_SYSFS_ROOT")); value != "" {
		cfg.SysfsRoot = value
	}

	if value := strings.TrimSpace(os.Getenv("GPUMON_DEBUGFS_ROOT")); value != "" {
		cfg.DebugfsRoot = value
	}

	if value := strings.TrimSpace(os.Getenv("GPUMON_PROC_ROOT")); value != "" {
		cfg.ProcRoot = value
	}

	return cfg, nil
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
