package device

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors classifying every failure a device getter can produce.
// Backends wrap these with fmt.Errorf("...: %w", ...) so callers test with
// errors.Is (or the helpers below) rather than string matching.
var (
	// ErrUnsupported means the device can never provide the metric. It is a
	// property of the hardware/driver combination, not a transient state.
	ErrUnsupported = errors.New("metric not supported by device")

	// ErrUnavailable means the metric could not be read right now but may
	// succeed on a later attempt.
	ErrUnavailable = errors.New("metric temporarily unavailable")

	// ErrDeviceLost means the device fell off the bus or the driver lost it.
	// All subsequent queries against the same handle are expected to fail.
	ErrDeviceLost = errors.New("device lost")
)

// Status is the classification of a failed metric read.
type Status string

const (
	StatusUnsupported Status = "unsupported"
	StatusUnavailable Status = "unavailable"
	StatusLost        Status = "lost"
)

// IsUnsupported reports whether err is a permanent capability gap.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}

// IsUnavailable reports whether err is transient. Deadline expiry counts:
// a query that ran out of budget may well succeed next time.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// IsLost reports whether err indicates the device is gone.
func IsLost(err error) bool {
	return errors.Is(err, ErrDeviceLost)
}

// Classify maps an error from a device getter onto the taxonomy. Errors that
// match no sentinel are treated as transient, which keeps an unknown driver
// hiccup from being mistaken for a permanent capability gap.
func Classify(err error) Status {
	switch {
	case IsLost(err):
		return StatusLost
	case IsUnsupported(err):
		return StatusUnsupported
	default:
		return StatusUnavailable
	}
}

// Unsupportedf wraps ErrUnsupported with a formatted reason.
func Unsupportedf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrUnsupported)...)
}

// Unavailablef wraps ErrUnavailable with a formatted reason.
func Unavailablef(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrUnavailable)...)
}
