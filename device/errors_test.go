package device

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Status
	}{
		{name: "unsupported", err: ErrUnsupported, want: StatusUnsupported},
		{name: "unavailable", err: ErrUnavailable, want: StatusUnavailable},
		{name: "lost", err: ErrDeviceLost, want: StatusLost},
		{name: "wrapped unsupported", err: fmt.Errorf("read temp: %w", ErrUnsupported), want: StatusUnsupported},
		{name: "wrapped lost", err: fmt.Errorf("nvml: %w", ErrDeviceLost), want: StatusLost},
		{name: "deadline is transient", err: context.DeadlineExceeded, want: StatusUnavailable},
		{name: "unknown error is transient", err: errors.New("boom"), want: StatusUnavailable},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestClassifyLostWinsOverUnsupported(t *testing.T) {
	// A lost device often surfaces through a getter that would otherwise be
	// unsupported; lost must dominate so callers stop querying the handle.
	err := fmt.Errorf("query: %w", errors.Join(ErrUnsupported, ErrDeviceLost))
	assert.Equal(t, StatusLost, Classify(err))
}

func TestHelpers(t *testing.T) {
	err := Unsupportedf("fan speed on %s", "card0")
	require.True(t, IsUnsupported(err))
	assert.False(t, IsUnavailable(err))
	assert.Contains(t, err.Error(), "card0")

	err = Unavailablef("hwmon read")
	require.True(t, IsUnavailable(err))
	assert.False(t, IsUnsupported(err))
}

func TestIsUnavailableCoversContextErrors(t *testing.T) {
	assert.True(t, IsUnavailable(context.DeadlineExceeded))
	assert.True(t, IsUnavailable(context.Canceled))
	assert.True(t, IsUnavailable(fmt.Errorf("snapshot: %w", context.DeadlineExceeded)))
	assert.False(t, IsUnavailable(ErrDeviceLost))
}
