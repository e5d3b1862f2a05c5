package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 2*time.Second, cfg.QueryTimeout)
	assert.False(t, cfg.RequireDevices)
	assert.True(t, cfg.EnableAMD)
	assert.True(t, cfg.EnableNVIDIA)
	assert.True(t, cfg.EnablePrometheus)
	assert.False(t, cfg.EnablePprof)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, "/sys", cfg.SysfsRoot)
	assert.Equal(t, "/sys/kernel/debug", cfg.DebugfsRoot)
	assert.Equal(t, "/proc", cfg.ProcRoot)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GPUMON_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("GPUMON_QUERY_TIMEOUT", "500ms")
	t.Setenv("GPUMON_REQUIRE_DEVICES", "true")
	t.Setenv("GPUMON_ENABLE_AMD", "false")
	t.Setenv("GPUMON_ENABLE_NVIDIA", "false")
	t.Setenv("GPUMON_ENABLE_PROMETHEUS", "false")
	t.Setenv("GPUMON_ENABLE_PPROF", "true")
	t.Setenv("GPUMON_LOG_LEVEL", "debug")
	t.Setenv("GPUMON_SYSFS_ROOT", "/tmp/sys")
	t.Setenv("GPUMON_DEBUGFS_ROOT", "/tmp/debug")
	t.Setenv("GPUMON_PROC_ROOT", "/tmp/proc")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, 500*time.Millisecond, cfg.QueryTimeout)
	assert.True(t, cfg.RequireDevices)
	assert.False(t, cfg.EnableAMD)
	assert.False(t, cfg.EnableNVIDIA)
	assert.False(t, cfg.EnablePrometheus)
	assert.True(t, cfg.EnablePprof)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "/tmp/sys", cfg.SysfsRoot)
	assert.Equal(t, "/tmp/debug", cfg.DebugfsRoot)
	assert.Equal(t, "/tmp/proc", cfg.ProcRoot)
}

func TestLoadInvalidEnv(t *testing.T) {
	testCases := []struct {
		name string
		key  string
		val  string
	}{
		{"InvalidQueryTimeout", "GPUMON_QUERY_TIMEOUT", "soon"},
		{"NegativeQueryTimeout", "GPUMON_QUERY_TIMEOUT", "-1s"},
		{"ZeroQueryTimeout", "GPUMON_QUERY_TIMEOUT", "0"},
		{"InvalidRequireDevices", "GPUMON_REQUIRE_DEVICES", "maybe"},
		{"InvalidEnableAMD", "GPUMON_ENABLE_AMD", "yes please"},
		{"InvalidPrometheusBool", "GPUMON_ENABLE_PROMETHEUS", "maybe"},
		{"InvalidLogLevel", "GPUMON_LOG_LEVEL", "loud"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.val)
			_, err := Load()
			assert.Error(t, err, "%s=%q", tc.key, tc.val)
		})
	}
}
