package main

import (
	"context"
	"errors"

	"github.com/srg/em1003/internal/session"
)

// FormatUserError translates internal errors into messages suitable for
// terminal output.
func FormatUserError(err error) string {
	var connErr *session.ConnectError
	switch {
	case errors.Is(err, session.ErrFastFail):
		return "device recently failed to connect; waiting before retrying (use poll mode for automatic retries)"
	case errors.Is(err, session.ErrRequestTimeout):
		return "device did not answer in time"
	case errors.Is(err, session.ErrSubscriptionFailed):
		return "connected but could not subscribe to notifications; the device may be busy"
	case errors.Is(err, session.ErrDeviceNotFound):
		return "device not found; check the address and make sure it is powered on and in range"
	case errors.As(err, &connErr):
		switch connErr.Kind {
		case session.ConnectTimeout:
			return "connection timed out; the device may be out of range or already connected elsewhere"
		case session.ConnectAbort:
			return "connection aborted by the Bluetooth stack; retrying too fast, backing off"
		default:
			return connErr.Error()
		}
	case errors.Is(err, context.DeadlineExceeded):
		return "operation timed out"
	default:
		return err.Error()
	}
}
