// Package session implements the request/response engine for the EM1003
// air quality sensor. The device answers commands with GATT notifications
// that carry no inherent ordering, so every in-flight request is tracked by
// its (sequence id, target) pair and matched against incoming frames. A
// circuit breaker and connection pacing keep a flaky or absent device from
// being polled aggressively.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/em1003/internal/protocol"
)

// Session operation tuning defaults.
const (
	DefaultRequestTimeout = 2 * time.Second
	DefaultPendingMaxAge  = 10 * time.Second
	DefaultPacingDelay    = 300 * time.Millisecond
)

// ErrRequestTimeout is returned when the device does not answer a request
// within the configured window.
var ErrRequestTimeout = errors.New("request timed out")

// Options tunes session behavior. Zero values fall back to defaults.
type Options struct {
	// RequestTimeout bounds the wait for a single response notification.
	RequestTimeout time.Duration
	// PendingMaxAge bounds how long an abandoned pending entry may hold
	// its sequence id before being swept.
	PendingMaxAge time.Duration
	// PacingDelay is inserted between consecutive requests in a batch.
	PacingDelay time.Duration
	// KeepAlive leaves the connection up after a batch read. The default
	// is to disconnect eagerly so the device can serve other centrals.
	KeepAlive bool

	// Circuit breaker tuning.
	FailureThreshold int
	OpenDuration     time.Duration
	MaxBackoff       time.Duration

	// Connection pacing.
	FastFailWindow  time.Duration
	BaseDelay       time.Duration
	MaxAbortBackoff time.Duration
	AbortDecay      time.Duration
	ConnectTimeout  time.Duration
}

// Snapshot holds one poll cycle's readings keyed by sensor id. A nil value
// means the sensor did not answer in that cycle.
type Snapshot map[byte]*float64

// Session drives reads and buzzer control against a single EM1003 device.
// Operations are serialized; the device handles one conversation at a time.
type Session struct {
	opMu opLock

	transport Transport
	address   string
	logger    *logrus.Logger

	breaker *CircuitBreaker
	conn    *connManager
	seq     *seqAllocator
	pending *pendingTable

	requestTimeout time.Duration
	pendingMaxAge  time.Duration
	pacingDelay    time.Duration
	keepAlive      bool

	sleep func(context.Context, time.Duration) error
}

// opLock serializes whole operations (a batch read, a buzzer toggle) so
// overlapping callers do not interleave frames on the wire.
type opLock struct {
	ch chan struct{}
}

func newOpLock() opLock {
	return opLock{ch: make(chan struct{}, 1)}
}

func (l *opLock) acquire(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *opLock) release() {
	<-l.ch
}

// New creates a session for the device at address. The transport is dialed
// lazily on first use.
func New(transport Transport, address string, opts Options, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.PendingMaxAge <= 0 {
		opts.PendingMaxAge = DefaultPendingMaxAge
	}
	if opts.PacingDelay <= 0 {
		opts.PacingDelay = DefaultPacingDelay
	}

	s := &Session{
		opMu:           newOpLock(),
		transport:      transport,
		address:        address,
		logger:         logger,
		seq:            newSeqAllocator(logger),
		pending:        newPendingTable(),
		requestTimeout: opts.RequestTimeout,
		pendingMaxAge:  opts.PendingMaxAge,
		pacingDelay:    opts.PacingDelay,
		keepAlive:      opts.KeepAlive,
		sleep:          sleepCtx,
	}
	s.breaker = NewCircuitBreaker(opts.FailureThreshold, opts.OpenDuration, opts.MaxBackoff, logger)
	s.conn = newConnManager(transport, address, s.breaker, s.handleNotification, logger)
	if opts.FastFailWindow > 0 {
		s.conn.fastFailWindow = opts.FastFailWindow
	}
	if opts.BaseDelay > 0 {
		s.conn.baseDelay = opts.BaseDelay
	}
	if opts.MaxAbortBackoff > 0 {
		s.conn.maxAbortBackoff = opts.MaxAbortBackoff
	}
	if opts.AbortDecay > 0 {
		s.conn.abortDecay = opts.AbortDecay
	}
	if opts.ConnectTimeout > 0 {
		s.conn.connectTimeout = opts.ConnectTimeout
	}
	return s
}

// ReadSensor reads one sensor and returns its transformed value. The bool is
// false when the circuit is open, the device is unreachable, or it did not
// answer.
func (s *Session) ReadSensor(ctx context.Context, sensorID byte) (float64, bool) {
	if err := s.opMu.acquire(ctx); err != nil {
		return 0, false
	}
	defer s.opMu.release()

	if ok, reason := s.breaker.CanAttempt(); !ok {
		s.logger.WithFields(logrus.Fields{
			"sensor": protocol.SensorName(sensorID),
			"reason": reason,
		}).Debug("Read blocked by circuit breaker")
		return 0, false
	}

	conn, err := s.conn.ensureConnected(ctx)
	if err != nil {
		s.logger.WithError(err).WithField("sensor", protocol.SensorName(sensorID)).Warn("Read failed: no connection")
		s.breaker.RecordFailure()
		return 0, false
	}

	resp, err := s.request(ctx, conn, protocol.EncodeReadRequest, sensorID)
	s.finishOperation()
	if err != nil {
		s.logger.WithError(err).WithField("sensor", protocol.SensorName(sensorID)).Warn("Sensor read failed")
		s.breaker.RecordFailure()
		return 0, false
	}

	s.breaker.RecordSuccess()
	value, err := resp.Value()
	if err != nil {
		s.logger.WithError(err).WithField("sensor", protocol.SensorName(sensorID)).Warn("Sensor response undecodable")
		return 0, false
	}
	return value, true
}

// ReadAllSensors polls every known sensor in one connection cycle. Sensors
// that did not answer map to nil. A nil snapshot entry with a nil error
// means only that sensor was silent; the batch is judged as a whole: at
// least half the sensors answering counts as device success. A non-nil
// error means the cycle never got off the ground.
func (s *Session) ReadAllSensors(ctx context.Context) (Snapshot, error) {
	if err := s.opMu.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.opMu.release()

	snapshot := make(Snapshot, len(protocol.Sensors))
	for _, d := range protocol.Sensors {
		snapshot[d.ID] = nil
	}

	if ok, reason := s.breaker.CanAttempt(); !ok {
		s.logger.WithField("reason", reason).Debug("Poll cycle blocked by circuit breaker")
		return snapshot, nil
	}

	conn, err := s.conn.ensureConnected(ctx)
	if err != nil {
		s.breaker.RecordFailure()
		return snapshot, fmt.Errorf("connect: %w", err)
	}

	var answered int
	for i, d := range protocol.Sensors {
		if i > 0 {
			if err := s.sleep(ctx, s.pacingDelay); err != nil {
				s.finishOperation()
				return snapshot, err
			}
		}

		resp, err := s.request(ctx, conn, protocol.EncodeReadRequest, d.ID)
		if err != nil {
			if ctx.Err() != nil {
				s.finishOperation()
				return snapshot, err
			}
			if !conn.IsConnected() {
				s.logger.WithError(err).Warn("Connection lost mid-cycle, aborting remaining sensors")
				break
			}
			s.logger.WithError(err).WithField("sensor", d.Name).Debug("No response in poll cycle")
			continue
		}

		value, err := resp.Value()
		if err != nil {
			s.logger.WithError(err).WithField("sensor", d.Name).Warn("Undecodable response in poll cycle")
			answered++
			continue
		}
		v := value
		snapshot[d.ID] = &v
		answered++
	}

	s.finishOperation()

	if answered*2 >= len(protocol.Sensors) {
		s.breaker.RecordSuccess()
	} else {
		s.logger.WithFields(logrus.Fields{
			"answered": answered,
			"total":    len(protocol.Sensors),
		}).Warn("Poll cycle mostly unanswered")
		s.breaker.RecordFailure()
	}
	return snapshot, nil
}

// ReadBuzzerState queries the buzzer toggle. The bool result is the buzzer
// state; ok is false when the device could not be asked.
func (s *Session) ReadBuzzerState(ctx context.Context) (state, ok bool) {
	if err := s.opMu.acquire(ctx); err != nil {
		return false, false
	}
	defer s.opMu.release()

	resp, err := s.buzzerExchange(ctx, protocol.EncodeBuzzerQuery)
	if err != nil {
		return false, false
	}
	s.breaker.RecordSuccess()
	state, err = resp.BuzzerState()
	if err != nil {
		s.logger.WithError(err).Warn("Buzzer response undecodable")
		return false, false
	}
	return state, true
}

// SetBuzzerState turns the buzzer on or off and verifies the device echoed
// the new state back. The breaker verdict waits for the verification: a
// device that answers but echoes the wrong state is failing, not healthy.
func (s *Session) SetBuzzerState(ctx context.Context, on bool) bool {
	if err := s.opMu.acquire(ctx); err != nil {
		return false
	}
	defer s.opMu.release()

	encode := func(seq byte) []byte { return protocol.EncodeBuzzerSet(seq, on) }
	resp, err := s.buzzerExchange(ctx, encode)
	if err != nil {
		return false
	}
	echoed, err := resp.BuzzerState()
	if err != nil {
		s.logger.WithError(err).Warn("Buzzer set response undecodable")
		s.breaker.RecordFailure()
		return false
	}
	if echoed != on {
		s.logger.WithFields(logrus.Fields{
			"requested": on,
			"echoed":    echoed,
		}).Warn("Buzzer state mismatch after set")
		s.breaker.RecordFailure()
		return false
	}
	s.breaker.RecordSuccess()
	return true
}

// buzzerExchange runs one breaker-guarded buzzer request and returns the
// raw response. Transport-level failures record a breaker failure here;
// the success verdict is the caller's, since a set must verify the echoed
// state first. Caller holds opMu.
func (s *Session) buzzerExchange(ctx context.Context, encode func(seq byte) []byte) (*protocol.Response, error) {
	if ok, reason := s.breaker.CanAttempt(); !ok {
		s.logger.WithField("reason", reason).Debug("Buzzer operation blocked by circuit breaker")
		return nil, errors.New(reason)
	}

	conn, err := s.conn.ensureConnected(ctx)
	if err != nil {
		s.breaker.RecordFailure()
		return nil, err
	}

	resp, err := s.requestFrame(ctx, conn, encode, protocol.BuzzerTarget)
	s.finishOperation()
	if err != nil {
		s.logger.WithError(err).Warn("Buzzer request failed")
		s.breaker.RecordFailure()
		return nil, err
	}
	return resp, nil
}

// request sends one sensor-addressed frame and awaits the matching
// notification.
func (s *Session) request(ctx context.Context, conn Conn, encode func(seq, target byte) []byte, target byte) (*protocol.Response, error) {
	return s.requestFrame(ctx, conn, func(seq byte) []byte { return encode(seq, target) }, target)
}

// requestFrame is the core exchange: sweep stale entries, claim a sequence
// id, register the pending slot, write, and wait for the response keyed by
// (seq, target). The sequence id is released by the notification handler on
// a match, or here on timeout and write failure.
func (s *Session) requestFrame(ctx context.Context, conn Conn, encode func(seq byte) []byte, target byte) (*protocol.Response, error) {
	for _, key := range s.pending.SweepExpired(s.pendingMaxAge) {
		s.logger.WithFields(logrus.Fields{
			"seq":    key.Seq,
			"target": key.Target,
		}).Debug("Swept expired pending request")
		s.seq.Release(key.Seq)
	}

	seq := s.seq.Allocate()
	key := requestKey{Seq: seq, Target: target}
	w := s.pending.Register(key)

	frame := encode(seq)
	if err := conn.Write(frame); err != nil {
		s.pending.Cancel(key)
		s.seq.Release(seq)
		s.invalidateConnection()
		return nil, fmt.Errorf("write frame: %w", err)
	}

	resp, ok := w.Await(ctx, s.requestTimeout)
	if !ok {
		if s.pending.Cancel(key) {
			s.seq.Release(seq)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: seq=0x%02X target=0x%02X", ErrRequestTimeout, seq, target)
	}
	return resp, nil
}

// handleNotification matches an incoming frame to its pending request.
// Unmatched frames are logged and dropped; the device occasionally answers
// after the requester gave up.
func (s *Session) handleNotification(data []byte) {
	resp, err := protocol.DecodeResponse(data)
	if err != nil {
		s.logger.WithError(err).Warn("Dropping undecodable notification")
		return
	}

	key := requestKey{Seq: resp.Seq, Target: resp.Target}
	if s.pending.Resolve(key, resp) {
		s.seq.Release(resp.Seq)
		s.logger.WithFields(logrus.Fields{
			"seq":    resp.Seq,
			"target": resp.Target,
		}).Debug("Matched response to pending request")
		return
	}

	s.logger.WithFields(logrus.Fields{
		"seq":    resp.Seq,
		"target": resp.Target,
	}).Debug("Unmatched notification dropped")
}

// finishOperation tears the connection down after an operation unless
// keep-alive is configured.
func (s *Session) finishOperation() {
	if s.keepAlive {
		return
	}
	s.invalidateConnectionState()
	if err := s.conn.disconnect(); err != nil {
		s.logger.WithError(err).Debug("Post-operation disconnect failed")
	}
}

// invalidateConnection abandons the connection and all in-flight requests.
func (s *Session) invalidateConnection() {
	s.invalidateConnectionState()
	s.conn.invalidate()
}

func (s *Session) invalidateConnectionState() {
	for _, key := range s.pending.PurgeAll() {
		s.seq.Release(key.Seq)
	}
}

// Disconnect closes the connection and cancels in-flight requests.
func (s *Session) Disconnect() error {
	s.invalidateConnectionState()
	return s.conn.disconnect()
}

// Connected reports whether a live connection is cached.
func (s *Session) Connected() bool {
	return s.conn.connected()
}

// DeviceName returns the GAP device name read at connect time, or an empty
// string before the first successful connect.
func (s *Session) DeviceName() string {
	return s.conn.name()
}

// BreakerInfo returns a human-readable circuit breaker summary.
func (s *Session) BreakerInfo() string {
	return s.breaker.StateInfo()
}
