package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/em1003/internal/protocol"
	"github.com/srg/em1003/internal/session"
)

type fakeSession struct {
	mu        sync.Mutex
	snapshots []session.Snapshot
	err       error
	calls     int
}

func (s *fakeSession) ReadAllSensors(context.Context) (session.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	snap := s.snapshots[0]
	if len(s.snapshots) > 1 {
		s.snapshots = s.snapshots[1:]
	}
	s.calls++
	return snap, nil
}

func (s *fakeSession) BreakerInfo() string { return "closed (failures: 0)" }

func snapshotOf(values map[byte]float64) session.Snapshot {
	snap := make(session.Snapshot, len(protocol.Sensors))
	for _, d := range protocol.Sensors {
		snap[d.ID] = nil
	}
	for id, v := range values {
		value := v
		snap[id] = &value
	}
	return snap
}

func TestPollerRequiresSession(t *testing.T) {
	_, err := New(nil, Config{}, nil)
	assert.Error(t, err)
}

func TestPollerRejectsStaleShorterThanInterval(t *testing.T) {
	_, err := New(&fakeSession{}, Config{
		Interval:   time.Minute,
		StaleAfter: time.Second,
	}, nil)
	assert.Error(t, err)
}

func TestPollOnceCachesAnsweredSensors(t *testing.T) {
	sess := &fakeSession{snapshots: []session.Snapshot{snapshotOf(map[byte]float64{
		protocol.SensorTemperature: 21.5,
		protocol.SensorHumidity:    48.2,
	})}}
	p, err := New(sess, Config{Interval: time.Second, StaleAfter: time.Minute}, nil)
	require.NoError(t, err)

	require.NoError(t, p.PollOnce(context.Background()))

	v, ok := p.Value(protocol.SensorTemperature)
	require.True(t, ok)
	assert.InDelta(t, 21.5, v, 1e-9)

	// Silent sensors stay absent.
	_, ok = p.Value(protocol.SensorPM25)
	assert.False(t, ok)
}

func TestPollOnceKeepsLastValueThroughSilentCycle(t *testing.T) {
	sess := &fakeSession{snapshots: []session.Snapshot{
		snapshotOf(map[byte]float64{protocol.SensorNoise: 41}),
		snapshotOf(nil), // device went quiet
	}}
	p, err := New(sess, Config{Interval: time.Second, StaleAfter: time.Minute}, nil)
	require.NoError(t, err)

	require.NoError(t, p.PollOnce(context.Background()))
	require.NoError(t, p.PollOnce(context.Background()))

	// The cached value survives the silent cycle until it goes stale.
	v, ok := p.Value(protocol.SensorNoise)
	require.True(t, ok)
	assert.InDelta(t, 41, v, 1e-9)
}

func TestPollerValueExpires(t *testing.T) {
	sess := &fakeSession{snapshots: []session.Snapshot{
		snapshotOf(map[byte]float64{protocol.SensorECO2: 600}),
	}}
	p, err := New(sess, Config{Interval: time.Second, StaleAfter: time.Minute}, nil)
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }
	require.NoError(t, p.PollOnce(context.Background()))

	p.now = func() time.Time { return base.Add(59 * time.Second) }
	_, ok := p.Value(protocol.SensorECO2)
	assert.True(t, ok)

	p.now = func() time.Time { return base.Add(61 * time.Second) }
	_, ok = p.Value(protocol.SensorECO2)
	assert.False(t, ok)

	assert.Empty(t, p.Readings())
}

func TestPollOnceInvokesSnapshotCallback(t *testing.T) {
	sess := &fakeSession{snapshots: []session.Snapshot{
		snapshotOf(map[byte]float64{protocol.SensorPM10: 12}),
	}}

	var got session.Snapshot
	p, err := New(sess, Config{
		Interval:   time.Second,
		StaleAfter: time.Minute,
		OnSnapshot: func(s session.Snapshot) { got = s },
	}, nil)
	require.NoError(t, err)

	require.NoError(t, p.PollOnce(context.Background()))
	require.NotNil(t, got)
	require.NotNil(t, got[protocol.SensorPM10])
	assert.InDelta(t, 12, *got[protocol.SensorPM10], 1e-9)
}

func TestPollOncePropagatesError(t *testing.T) {
	sess := &fakeSession{err: errors.New("connect: device not found")}
	p, err := New(sess, Config{Interval: time.Second, StaleAfter: time.Minute}, nil)
	require.NoError(t, err)

	assert.Error(t, p.PollOnce(context.Background()))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	sess := &fakeSession{snapshots: []session.Snapshot{snapshotOf(nil)}}
	p, err := New(sess, Config{Interval: 10 * time.Millisecond, StaleAfter: time.Minute}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(35 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop after cancellation")
	}

	sess.mu.Lock()
	calls := sess.calls
	sess.mu.Unlock()
	assert.GreaterOrEqual(t, calls, 2, "expected immediate cycle plus at least one tick")
}
