package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// BreakerState identifies the circuit breaker's current mode.
type BreakerState int

const (
	// BreakerClosed permits requests.
	BreakerClosed BreakerState = iota
	// BreakerOpen blocks requests for the current backoff window.
	BreakerOpen
	// BreakerHalfOpen permits a recovery probe.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("BreakerState(%d)", int(s))
	}
}

// Default circuit breaker tuning.
const (
	DefaultFailureThreshold = 3
	DefaultOpenDuration     = 60 * time.Second
	DefaultMaxBackoff       = time.Hour
)

// CircuitBreaker throttles protocol operations after consecutive failures.
// Open windows grow exponentially with the failure count and are capped,
// so an unreachable device is probed periodically instead of hammered.
// The failure counter resets on entry to half-open; without that reset the
// backoff would keep growing from historical failures even after the device
// recovers.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	openedAt  time.Time
	threshold int
	baseOpen  time.Duration
	maxOpen   time.Duration
	logger    *logrus.Logger
	now       func() time.Time
}

// NewCircuitBreaker creates a closed breaker. Zero values fall back to the
// defaults.
func NewCircuitBreaker(threshold int, baseOpen, maxOpen time.Duration, logger *logrus.Logger) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if baseOpen <= 0 {
		baseOpen = DefaultOpenDuration
	}
	if maxOpen <= 0 {
		maxOpen = DefaultMaxBackoff
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &CircuitBreaker{
		state:     BreakerClosed,
		threshold: threshold,
		baseOpen:  baseOpen,
		maxOpen:   maxOpen,
		logger:    logger,
		now:       time.Now,
	}
}

// RecordSuccess resets the breaker to closed.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = BreakerClosed
	b.openedAt = time.Time{}
	b.logger.Debug("Circuit breaker success recorded, circuit closed")
}

// RecordFailure increments the failure count and opens the circuit once the
// threshold is reached.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.logger.WithFields(logrus.Fields{
		"failures":  b.failures,
		"threshold": b.threshold,
	}).Debug("Circuit breaker failure recorded")

	if b.failures >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.logger.WithFields(logrus.Fields{
			"failures": b.failures,
			"window":   b.openWindowLocked(),
		}).Warn("Circuit breaker open, blocking requests")
	}
}

// CanAttempt reports whether a new operation may proceed, with a
// human-readable reason. An open circuit whose window has elapsed
// transitions to half-open and permits a recovery probe.
func (b *CircuitBreaker) CanAttempt() (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true, "circuit closed"

	case BreakerOpen:
		window := b.openWindowLocked()
		elapsed := b.now().Sub(b.openedAt)
		if elapsed >= window {
			prev := b.failures
			b.failures = 0
			b.state = BreakerHalfOpen
			b.logger.WithFields(logrus.Fields{
				"elapsed":       elapsed,
				"past_failures": prev,
			}).Info("Circuit breaker entering half-open state, testing recovery")
			return true, "circuit half-open (testing)"
		}
		remaining := window - elapsed
		return false, fmt.Sprintf("circuit open (%s remaining, %d failures)", remaining.Round(time.Second), b.failures)

	default: // BreakerHalfOpen
		return true, "circuit half-open (testing)"
	}
}

// State returns the current breaker state without side effects.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// StateInfo returns a human-readable state summary for diagnostics.
func (b *CircuitBreaker) StateInfo() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		window := b.openWindowLocked()
		remaining := window - b.now().Sub(b.openedAt)
		if remaining < 0 {
			remaining = 0
		}
		return fmt.Sprintf("open (blocking for %s, %d failures)", remaining.Round(time.Second), b.failures)
	case BreakerHalfOpen:
		return fmt.Sprintf("half-open (testing, %d failures)", b.failures)
	default:
		return fmt.Sprintf("closed (failures: %d)", b.failures)
	}
}

// openWindowLocked computes the current open duration:
// min(base * 2^(failures-threshold), max). Caller holds b.mu.
func (b *CircuitBreaker) openWindowLocked() time.Duration {
	exp := b.failures - b.threshold
	if exp < 0 {
		exp = 0
	}
	window := b.baseOpen
	for i := 0; i < exp; i++ {
		window *= 2
		if window >= b.maxOpen {
			return b.maxOpen
		}
	}
	if window > b.maxOpen {
		window = b.maxOpen
	}
	return window
}
