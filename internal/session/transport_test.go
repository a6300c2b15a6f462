package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyConnectError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ConnectKind
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: ConnectOther,
		},
		{
			name:     "context deadline",
			err:      fmt.Errorf("dial: %w", context.DeadlineExceeded),
			expected: ConnectTimeout,
		},
		{
			name:     "host stack abort",
			err:      errors.New("LE Connection Abort"),
			expected: ConnectAbort,
		},
		{
			name:     "message mentions timeout",
			err:      errors.New("hci: command timeout"),
			expected: ConnectTimeout,
		},
		{
			name:     "message mentions timed out",
			err:      errors.New("connection timed out"),
			expected: ConnectTimeout,
		},
		{
			name:     "anything else",
			err:      errors.New("device refused pairing"),
			expected: ConnectOther,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, classifyConnectError(tt.err))
		})
	}
}

func TestConnectErrorIsByKind(t *testing.T) {
	err := &ConnectError{Kind: ConnectAbort, Address: "AA:BB", Err: errors.New("boom")}

	assert.ErrorIs(t, err, &ConnectError{Kind: ConnectAbort})
	assert.NotErrorIs(t, err, &ConnectError{Kind: ConnectTimeout})
	assert.Contains(t, err.Error(), "AA:BB")
}

func TestSleepCtx(t *testing.T) {
	start := time.Now()
	err := sleepCtx(context.Background(), 10*time.Millisecond)
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = sleepCtx(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
