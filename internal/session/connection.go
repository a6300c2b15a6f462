package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Connection lifecycle tuning defaults.
const (
	DefaultFastFailWindow  = 30 * time.Second
	DefaultBaseDelay       = 2 * time.Second
	DefaultMaxAbortBackoff = 30 * time.Second
	DefaultAbortDecay      = 5 * time.Minute
	DefaultConnectTimeout  = 30 * time.Second
)

// connManager owns the physical connection to one device. It caches the
// established Conn, paces reconnect attempts, fast-fails during a window
// after a failed connect, and applies growing backoff after OS-level
// connection aborts.
type connManager struct {
	transport Transport
	address   string
	breaker   *CircuitBreaker
	onNotify  func([]byte)
	logger    *logrus.Logger

	fastFailWindow  time.Duration
	baseDelay       time.Duration
	maxAbortBackoff time.Duration
	abortDecay      time.Duration
	connectTimeout  time.Duration

	mu                 sync.Mutex
	conn               Conn
	deviceName         string
	lastDisconnect     time.Time
	lastConnectFailure time.Time
	abortCount         int
	lastAbort          time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func newConnManager(transport Transport, address string, breaker *CircuitBreaker, onNotify func([]byte), logger *logrus.Logger) *connManager {
	return &connManager{
		transport:       transport,
		address:         address,
		breaker:         breaker,
		onNotify:        onNotify,
		logger:          logger,
		fastFailWindow:  DefaultFastFailWindow,
		baseDelay:       DefaultBaseDelay,
		maxAbortBackoff: DefaultMaxAbortBackoff,
		abortDecay:      DefaultAbortDecay,
		connectTimeout:  DefaultConnectTimeout,
		now:             time.Now,
		sleep:           sleepCtx,
	}
}

// ensureConnected returns an established connection, dialing if needed.
// A recent connect failure fast-fails without touching the radio unless
// the breaker is half-open and probing for recovery.
func (m *connManager) ensureConnected(ctx context.Context) (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil && m.conn.IsConnected() {
		return m.conn, nil
	}
	if m.conn != nil {
		m.logger.Debug("Cached connection is stale, discarding")
		m.dropLocked()
	}

	if !m.lastConnectFailure.IsZero() {
		since := m.now().Sub(m.lastConnectFailure)
		if since < m.fastFailWindow && m.breaker.State() != BreakerHalfOpen {
			return nil, fmt.Errorf("%w: connect failed %s ago", ErrFastFail, since.Round(time.Second))
		}
	}

	if err := m.waitBeforeConnectLocked(ctx); err != nil {
		return nil, err
	}

	conn, err := m.dialLocked(ctx)
	if err != nil {
		m.lastConnectFailure = m.now()
		return nil, err
	}

	m.conn = conn
	m.lastConnectFailure = time.Time{}
	m.abortCount = 0
	m.lastAbort = time.Time{}

	if name, err := conn.ReadDeviceName(); err != nil {
		m.logger.WithError(err).Debug("Device name read failed")
	} else {
		m.deviceName = name
		m.logger.WithField("name", name).Debug("Device name read")
	}

	return conn, nil
}

// waitBeforeConnectLocked paces the radio: the device needs a settle gap
// after a disconnect before it accepts a new central, plus any abort
// backoff. The required gap is base delay plus backoff, measured from the
// last disconnect; elapsed time counts against it, so an old disconnect
// costs nothing. Abort counts decay after a quiet period so one bad stretch
// does not penalize connections forever.
func (m *connManager) waitBeforeConnectLocked(ctx context.Context) error {
	if m.abortCount > 0 && !m.lastAbort.IsZero() && m.now().Sub(m.lastAbort) > m.abortDecay {
		m.logger.WithField("aborts", m.abortCount).Debug("Abort backoff decayed")
		m.abortCount = 0
		m.lastAbort = time.Time{}
	}

	var backoff time.Duration
	if m.abortCount > 0 {
		backoff = time.Second << uint(m.abortCount)
		if backoff > m.maxAbortBackoff {
			backoff = m.maxAbortBackoff
		}
		m.logger.WithFields(logrus.Fields{
			"aborts":  m.abortCount,
			"backoff": backoff,
		}).Info("Applying abort backoff before connect")
	}

	// No disconnect yet: only the abort history imposes a wait.
	delay := backoff
	if !m.lastDisconnect.IsZero() {
		delay = 0
		if since := m.now().Sub(m.lastDisconnect); since < m.baseDelay+backoff {
			delay = m.baseDelay + backoff - since
		}
	}

	if delay <= 0 {
		return nil
	}
	return m.sleep(ctx, delay)
}

func (m *connManager) dialLocked(ctx context.Context) (Conn, error) {
	dialCtx := ctx
	if m.connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.connectTimeout)
		defer cancel()
	}

	m.logger.WithField("address", m.address).Debug("Connecting to device")
	conn, err := m.transport.Dial(dialCtx, m.address)
	if err != nil {
		kind := classifyConnectError(err)
		if kind == ConnectAbort {
			m.abortCount++
			m.lastAbort = m.now()
			m.logger.WithFields(logrus.Fields{
				"address": m.address,
				"aborts":  m.abortCount,
			}).Warn("Connection aborted by host stack")
		} else {
			m.logger.WithError(err).WithField("address", m.address).Warn("Connect failed")
		}
		return nil, &ConnectError{Kind: kind, Address: m.address, Err: err}
	}

	if err := conn.Subscribe(m.onNotify); err != nil {
		_ = conn.Close()
		m.logger.WithError(err).Warn("Notification subscribe failed, dropping connection")
		return nil, fmt.Errorf("%w: %v", ErrSubscriptionFailed, err)
	}

	m.logger.WithField("address", m.address).Info("Connected and subscribed")
	return conn, nil
}

// invalidate drops the cached connection without closing politely; used
// when the link is already known dead.
func (m *connManager) invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked()
}

// disconnect closes the cached connection if present.
func (m *connManager) disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	m.lastDisconnect = m.now()
	if err != nil {
		m.logger.WithError(err).Debug("Disconnect returned error")
		return err
	}
	m.logger.Debug("Disconnected from device")
	return nil
}

func (m *connManager) connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil && m.conn.IsConnected()
}

// name returns the device name captured at connect time, if any.
func (m *connManager) name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceName
}

func (m *connManager) dropLocked() {
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
		m.lastDisconnect = m.now()
	}
}
