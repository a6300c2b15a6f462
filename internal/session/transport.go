package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Transport establishes connections to a named peripheral. The production
// implementation lives in internal/ble; tests substitute a mock.
type Transport interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

// Conn is a live connection to the device. Write sends a request frame to
// the write characteristic; Subscribe registers the handler invoked for
// every notification frame. Subscribe must be called at most once per
// connection.
type Conn interface {
	Write(frame []byte) error
	Subscribe(handler func(frame []byte)) error
	ReadDeviceName() (string, error)
	IsConnected() bool
	Close() error
}

// ConnectKind classifies a failed connection attempt. Classification feeds
// the adaptive abort backoff only; it never changes the retry decision.
type ConnectKind string

const (
	ConnectAbort   ConnectKind = "abort"
	ConnectTimeout ConnectKind = "timeout"
	ConnectOther   ConnectKind = "other"
)

// ConnectError wraps a transport connect failure with its classification.
type ConnectError struct {
	Kind    ConnectKind
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s failed (%s): %v", e.Address, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Is allows errors.Is to compare ConnectError values by Kind.
func (e *ConnectError) Is(target error) bool {
	t, ok := target.(*ConnectError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel connection failures.
var (
	ErrDeviceNotFound     = errors.New("device not found")
	ErrSubscriptionFailed = errors.New("notification subscription failed")
	// ErrFastFail rejects a connection attempt inside the fast-fail window
	// without touching the transport.
	ErrFastFail = errors.New("fast-fail: recent connection failure")
)

// classifyConnectError buckets a transport error by message, mirroring the
// failure modes BLE stacks actually produce.
func classifyConnectError(err error) ConnectKind {
	if err == nil {
		return ConnectOther
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ConnectTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection abort"):
		return ConnectAbort
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return ConnectTimeout
	default:
		return ConnectOther
	}
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
