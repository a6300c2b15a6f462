package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/em1003/internal/protocol"
)

// mockConn simulates the device side: every written frame is answered
// through the notification callback according to the respond function.
type mockConn struct {
	mu      sync.Mutex
	notify  func([]byte)
	respond func(frame []byte) []byte // nil result means stay silent
	writes  [][]byte
	closed  bool

	writeErr error
	subErr   error
}

func (c *mockConn) Write(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("write on closed connection")
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	c.writes = append(c.writes, frame)
	notify := c.notify
	respond := c.respond
	err := c.writeErr
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if respond != nil && notify != nil {
		if out := respond(frame); out != nil {
			go notify(out)
		}
	}
	return nil
}

func (c *mockConn) Subscribe(fn func([]byte)) error {
	if c.subErr != nil {
		return c.subErr
	}
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
	return nil
}

func (c *mockConn) ReadDeviceName() (string, error) { return "EM1003-test", nil }

func (c *mockConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *mockConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

type mockTransport struct {
	mu      sync.Mutex
	dials   int
	dialErr error
	conns   []*mockConn
	respond func(frame []byte) []byte
}

func (t *mockTransport) Dial(_ context.Context, _ string) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	c := &mockConn{respond: t.respond}
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *mockTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// echoDevice answers every read with the given raw value and every buzzer
// frame by echoing the requested state.
func echoDevice(raw map[byte]uint16) func([]byte) []byte {
	var buzzer byte
	return func(frame []byte) []byte {
		seq, cmd, target := frame[0], frame[1], frame[2]
		if cmd == protocol.CmdBuzzer {
			if len(frame) > 3 {
				buzzer = frame[3]
			}
			return []byte{seq, cmd, target, buzzer}
		}
		v, ok := raw[target]
		if !ok {
			return nil
		}
		return []byte{seq, cmd, target, byte(v), byte(v >> 8)}
	}
}

func fastOptions() Options {
	return Options{
		RequestTimeout: 100 * time.Millisecond,
		PendingMaxAge:  time.Second,
		PacingDelay:    time.Millisecond,
		BaseDelay:      time.Millisecond,
		FastFailWindow: time.Minute,
	}
}

func allSensorsRaw() map[byte]uint16 {
	raw := make(map[byte]uint16)
	for _, d := range protocol.Sensors {
		raw[d.ID] = 5000
	}
	return raw
}

func TestReadSensorSuccess(t *testing.T) {
	transport := &mockTransport{respond: echoDevice(map[byte]uint16{
		protocol.SensorTemperature: 6150, // (6150-4000)*0.01 = 21.5
	})}
	s := New(transport, "AA:BB:CC:DD:EE:FF", fastOptions(), testLogger())

	value, ok := s.ReadSensor(context.Background(), protocol.SensorTemperature)
	require.True(t, ok)
	assert.InDelta(t, 21.5, value, 1e-9)
	assert.Equal(t, BreakerClosed, s.breaker.State())
	assert.Equal(t, 0, s.pending.Len())
	assert.Equal(t, 0, s.seq.InUse())
}

func TestReadSensorEagerDisconnect(t *testing.T) {
	transport := &mockTransport{respond: echoDevice(allSensorsRaw())}
	s := New(transport, "AA:BB:CC:DD:EE:FF", fastOptions(), testLogger())

	_, ok := s.ReadSensor(context.Background(), protocol.SensorHumidity)
	require.True(t, ok)

	require.Len(t, transport.conns, 1)
	assert.False(t, transport.conns[0].IsConnected())
	assert.False(t, s.Connected())
}

func TestReadSensorKeepAlive(t *testing.T) {
	opts := fastOptions()
	opts.KeepAlive = true
	transport := &mockTransport{respond: echoDevice(allSensorsRaw())}
	s := New(transport, "AA:BB:CC:DD:EE:FF", opts, testLogger())

	_, ok := s.ReadSensor(context.Background(), protocol.SensorHumidity)
	require.True(t, ok)
	assert.True(t, s.Connected())

	_, ok = s.ReadSensor(context.Background(), protocol.SensorNoise)
	require.True(t, ok)
	assert.Equal(t, 1, transport.dialCount())
	assert.Equal(t, "EM1003-test", s.DeviceName())
}

func TestReadSensorTimeoutReleasesState(t *testing.T) {
	// Device never answers.
	transport := &mockTransport{respond: func([]byte) []byte { return nil }}
	s := New(transport, "AA:BB:CC:DD:EE:FF", fastOptions(), testLogger())

	_, ok := s.ReadSensor(context.Background(), protocol.SensorPM25)
	assert.False(t, ok)
	assert.Equal(t, 0, s.pending.Len())
	assert.Equal(t, 0, s.seq.InUse())
}

func TestReadAllSensorsFullBatch(t *testing.T) {
	transport := &mockTransport{respond: echoDevice(allSensorsRaw())}
	s := New(transport, "AA:BB:CC:DD:EE:FF", fastOptions(), testLogger())

	snapshot, err := s.ReadAllSensors(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshot, len(protocol.Sensors))
	for _, d := range protocol.Sensors {
		require.NotNil(t, snapshot[d.ID], "sensor %s missing", d.Name)
	}
	assert.InDelta(t, 10.0, *snapshot[protocol.SensorTemperature], 1e-9) // (5000-4000)*0.01
	assert.InDelta(t, 50.0, *snapshot[protocol.SensorHumidity], 1e-9)
	assert.InDelta(t, 5000.0, *snapshot[protocol.SensorPM25], 1e-9)
	assert.Equal(t, BreakerClosed, s.breaker.State())
}

func TestReadAllSensorsPartialBatchStillSuccess(t *testing.T) {
	// 4 of 7 sensors answer: at least half, so the device counts as alive.
	raw := allSensorsRaw()
	delete(raw, protocol.SensorNoise)
	delete(raw, protocol.SensorTVOC)
	delete(raw, protocol.SensorECO2)

	transport := &mockTransport{respond: echoDevice(raw)}
	s := New(transport, "AA:BB:CC:DD:EE:FF", fastOptions(), testLogger())

	snapshot, err := s.ReadAllSensors(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snapshot[protocol.SensorNoise])
	assert.Nil(t, snapshot[protocol.SensorTVOC])
	assert.Nil(t, snapshot[protocol.SensorECO2])
	assert.NotNil(t, snapshot[protocol.SensorTemperature])
	assert.Equal(t, BreakerClosed, s.breaker.State())
	assert.Equal(t, 0, s.seq.InUse())
}

func TestReadAllSensorsMostlySilentCountsAsFailure(t *testing.T) {
	// Only 2 of 7 answer: below half, one breaker failure.
	transport := &mockTransport{respond: echoDevice(map[byte]uint16{
		protocol.SensorTemperature: 5000,
		protocol.SensorHumidity:    5000,
	})}
	s := New(transport, "AA:BB:CC:DD:EE:FF", fastOptions(), testLogger())

	snapshot, err := s.ReadAllSensors(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, snapshot[protocol.SensorTemperature])
	assert.Nil(t, snapshot[protocol.SensorPM25])
	assert.Equal(t, 1, s.breaker.failures)
}

func TestReadAllSensorsBlockedByBreaker(t *testing.T) {
	transport := &mockTransport{respond: echoDevice(allSensorsRaw())}
	s := New(transport, "AA:BB:CC:DD:EE:FF", fastOptions(), testLogger())

	for i := 0; i < 3; i++ {
		s.breaker.RecordFailure()
	}

	snapshot, err := s.ReadAllSensors(context.Background())
	require.NoError(t, err)
	for _, d := range protocol.Sensors {
		assert.Nil(t, snapshot[d.ID])
	}
	// Circuit open means zero radio traffic.
	assert.Equal(t, 0, transport.dialCount())
}

func TestReadAllSensorsConnectFailure(t *testing.T) {
	transport := &mockTransport{dialErr: errors.New("le connection abort")}
	s := New(transport, "AA:BB:CC:DD:EE:FF", fastOptions(), testLogger())

	snapshot, err := s.ReadAllSensors(context.Background())
	require.Error(t, err)
	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, ConnectAbort, connErr.Kind)
	for _, d := range protocol.Sensors {
		assert.Nil(t, snapshot[d.ID])
	}
	assert.Equal(t, 1, s.breaker.failures)
}

func TestFastFailAfterConnectFailure(t *testing.T) {
	transport := &mockTransport{dialErr: errors.New("dial failed")}
	s := New(transport, "AA:BB:CC:DD:EE:FF", fastOptions(), testLogger())

	_, err := s.ReadAllSensors(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, transport.dialCount())

	// Second attempt inside the fast-fail window never touches the radio.
	_, err = s.ReadAllSensors(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFastFail)
	assert.Equal(t, 1, transport.dialCount())
}

func TestHalfOpenBypassesFastFail(t *testing.T) {
	opts := fastOptions()
	opts.FailureThreshold = 1
	opts.OpenDuration = 10 * time.Millisecond

	transport := &mockTransport{dialErr: errors.New("dial failed")}
	s := New(transport, "AA:BB:CC:DD:EE:FF", opts, testLogger())

	_, err := s.ReadAllSensors(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, transport.dialCount())
	require.Equal(t, BreakerOpen, s.breaker.State())

	// After the open window the breaker goes half-open, which overrides the
	// fast-fail window and lets the recovery probe dial.
	time.Sleep(20 * time.Millisecond)
	transport.mu.Lock()
	transport.dialErr = nil
	transport.respond = echoDevice(allSensorsRaw())
	transport.mu.Unlock()

	snapshot, err := s.ReadAllSensors(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, snapshot[protocol.SensorTemperature])
	assert.Equal(t, 2, transport.dialCount())
	assert.Equal(t, BreakerClosed, s.breaker.State())
}

func TestWriteFailureInvalidatesConnection(t *testing.T) {
	transport := &mockTransport{respond: echoDevice(allSensorsRaw())}
	s := New(transport, "AA:BB:CC:DD:EE:FF", fastOptions(), testLogger())

	// Break the connection before the first write.
	conn, err := s.conn.ensureConnected(context.Background())
	require.NoError(t, err)
	conn.(*mockConn).writeErr = errors.New("att write failed")

	_, ok := s.ReadSensor(context.Background(), protocol.SensorTemperature)
	assert.False(t, ok)
	assert.Equal(t, 0, s.pending.Len())
	assert.Equal(t, 0, s.seq.InUse())
	assert.False(t, s.Connected())
}

func TestSubscribeFailureDropsConnection(t *testing.T) {
	transport := &mockTransport{respond: echoDevice(allSensorsRaw())}
	s := New(transport, "AA:BB:CC:DD:EE:FF", fastOptions(), testLogger())

	s.conn.transport = transportWithSubErr{transport}
	_, err := s.conn.ensureConnected(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSubscriptionFailed)
	assert.False(t, s.Connected())
}

type transportWithSubErr struct{ inner *mockTransport }

func (t transportWithSubErr) Dial(ctx context.Context, addr string) (Conn, error) {
	c, err := t.inner.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	c.(*mockConn).subErr = errors.New("cccd write rejected")
	return c, nil
}

func TestBuzzerRoundTrip(t *testing.T) {
	opts := fastOptions()
	opts.KeepAlive = true
	transport := &mockTransport{respond: echoDevice(allSensorsRaw())}
	s := New(transport, "AA:BB:CC:DD:EE:FF", opts, testLogger())

	state, ok := s.ReadBuzzerState(context.Background())
	require.True(t, ok)
	assert.False(t, state)

	require.True(t, s.SetBuzzerState(context.Background(), true))

	state, ok = s.ReadBuzzerState(context.Background())
	require.True(t, ok)
	assert.True(t, state)

	require.True(t, s.SetBuzzerState(context.Background(), false))
	state, ok = s.ReadBuzzerState(context.Background())
	require.True(t, ok)
	assert.False(t, state)
}

func TestSetBuzzerStateMismatchedEchoFails(t *testing.T) {
	// Device acknowledges every set but reports the state stuck off.
	transport := &mockTransport{respond: func(frame []byte) []byte {
		if frame[1] != protocol.CmdBuzzer {
			return nil
		}
		return []byte{frame[0], frame[1], frame[2], protocol.BuzzerOff}
	}}
	s := New(transport, "AA:BB:CC:DD:EE:FF", fastOptions(), testLogger())

	assert.False(t, s.SetBuzzerState(context.Background(), true))
	assert.Equal(t, 1, s.breaker.failures)
	assert.Equal(t, 0, s.pending.Len())
	assert.Equal(t, 0, s.seq.InUse())
}

func TestSetBuzzerStateShortEchoFails(t *testing.T) {
	// Echo without a state byte cannot confirm anything.
	transport := &mockTransport{respond: func(frame []byte) []byte {
		if frame[1] != protocol.CmdBuzzer {
			return nil
		}
		return []byte{frame[0], frame[1], frame[2]}
	}}
	s := New(transport, "AA:BB:CC:DD:EE:FF", fastOptions(), testLogger())

	assert.False(t, s.SetBuzzerState(context.Background(), true))
	assert.Equal(t, 1, s.breaker.failures)
}

func TestReadAllSensorsAbortsOnConnectionLoss(t *testing.T) {
	// The link dies after the third answer; the remaining sensors must be
	// skipped instead of each burning a full request timeout.
	transport := &mockTransport{}
	inner := echoDevice(allSensorsRaw())
	var mu sync.Mutex
	answered := 0
	transport.respond = func(frame []byte) []byte {
		mu.Lock()
		answered++
		n := answered
		mu.Unlock()
		if n > 3 {
			return nil
		}
		out := inner(frame)
		if n == 3 {
			transport.mu.Lock()
			c := transport.conns[0]
			transport.mu.Unlock()
			_ = c.Close()
		}
		return out
	}
	s := New(transport, "AA:BB:CC:DD:EE:FF", fastOptions(), testLogger())

	snapshot, err := s.ReadAllSensors(context.Background())
	require.NoError(t, err)
	for i, d := range protocol.Sensors {
		if i < 3 {
			assert.NotNil(t, snapshot[d.ID], "sensor %s should have answered", d.Name)
		} else {
			assert.Nil(t, snapshot[d.ID], "sensor %s read after the drop", d.Name)
		}
	}
	assert.Equal(t, 1, transport.dialCount())
	assert.Equal(t, 1, s.breaker.failures)
	assert.Equal(t, 0, s.pending.Len())
	assert.Equal(t, 0, s.seq.InUse())
}

func TestUnmatchedNotificationIgnored(t *testing.T) {
	transport := &mockTransport{}
	s := New(transport, "AA:BB:CC:DD:EE:FF", fastOptions(), testLogger())

	// Unknown key and garbage frames must not panic or leak state.
	s.handleNotification([]byte{0x42, 0x06, 0x01, 0x00, 0x00})
	s.handleNotification([]byte{0x42})
	s.handleNotification(nil)
	assert.Equal(t, 0, s.pending.Len())
}

func TestDisconnectCancelsPending(t *testing.T) {
	transport := &mockTransport{respond: echoDevice(allSensorsRaw())}
	s := New(transport, "AA:BB:CC:DD:EE:FF", fastOptions(), testLogger())

	// Leave a dangling pending entry, then disconnect.
	key := requestKey{Seq: 0x30, Target: protocol.SensorTVOC}
	w := s.pending.Register(key)
	s.seq.used[0x30] = struct{}{}

	require.NoError(t, s.Disconnect())

	_, ok := w.Await(context.Background(), time.Second)
	assert.False(t, ok)
	assert.Equal(t, 0, s.seq.InUse())
}
