// Package poller runs periodic batch reads against an EM1003 session and
// caches the latest value per sensor. Consumers read from the cache instead
// of touching the device, and stale readings age out.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/em1003/internal/protocol"
	"github.com/srg/em1003/internal/session"
)

// Default poller tuning.
const (
	DefaultInterval   = 60 * time.Second
	DefaultStaleAfter = 30 * time.Minute
)

// Session is the slice of the sensor session the poller drives.
type Session interface {
	ReadAllSensors(ctx context.Context) (session.Snapshot, error)
	BreakerInfo() string
}

// Reading is one cached sensor value with its capture time.
type Reading struct {
	Value float64
	At    time.Time
}

// Config tunes the poll loop.
type Config struct {
	// Interval between poll cycles.
	Interval time.Duration
	// StaleAfter is how long a cached reading stays valid.
	StaleAfter time.Duration
	// OnSnapshot, if set, is invoked after every completed cycle.
	OnSnapshot func(session.Snapshot)
}

// Poller periodically reads all sensors and caches the results.
type Poller struct {
	session    Session
	logger     *logrus.Logger
	interval   time.Duration
	staleAfter time.Duration
	onSnapshot func(session.Snapshot)

	cache *hashmap.Map[byte, Reading]
	now   func() time.Time
}

// New creates a poller. Zero durations fall back to defaults.
func New(sess Session, cfg Config, logger *logrus.Logger) (*Poller, error) {
	if sess == nil {
		return nil, fmt.Errorf("poller requires a session")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.StaleAfter < cfg.Interval {
		return nil, fmt.Errorf("stale cutoff %s is shorter than poll interval %s", cfg.StaleAfter, cfg.Interval)
	}

	return &Poller{
		session:    sess,
		logger:     logger,
		interval:   cfg.Interval,
		staleAfter: cfg.StaleAfter,
		onSnapshot: cfg.OnSnapshot,
		cache:      hashmap.New[byte, Reading](),
		now:        time.Now,
	}, nil
}

// Run polls until the context is cancelled. The first cycle runs
// immediately.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.WithFields(logrus.Fields{
		"interval":    p.interval,
		"stale_after": p.staleAfter,
	}).Info("Poller starting")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.WithError(err).Warn("Poll cycle failed")
		}

		select {
		case <-ctx.Done():
			p.logger.Info("Poller stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce runs a single cycle and merges answered sensors into the cache.
func (p *Poller) PollOnce(ctx context.Context) error {
	snapshot, err := p.session.ReadAllSensors(ctx)
	if err != nil {
		return err
	}

	var answered int
	at := p.now()
	for id, value := range snapshot {
		if value == nil {
			continue
		}
		p.cache.Set(id, Reading{Value: *value, At: at})
		answered++
	}

	p.logger.WithFields(logrus.Fields{
		"answered": answered,
		"total":    len(snapshot),
		"breaker":  p.session.BreakerInfo(),
	}).Debug("Poll cycle completed")

	if p.onSnapshot != nil {
		p.onSnapshot(snapshot)
	}
	return nil
}

// Value returns the cached reading for a sensor if it is still fresh.
func (p *Poller) Value(sensorID byte) (float64, bool) {
	r, ok := p.cache.Get(sensorID)
	if !ok {
		return 0, false
	}
	if p.now().Sub(r.At) > p.staleAfter {
		return 0, false
	}
	return r.Value, true
}

// Readings returns all fresh cached readings keyed by sensor id.
func (p *Poller) Readings() map[byte]Reading {
	out := make(map[byte]Reading, len(protocol.Sensors))
	cutoff := p.now().Add(-p.staleAfter)
	p.cache.Range(func(id byte, r Reading) bool {
		if r.At.After(cutoff) {
			out[id] = r
		}
		return true
	})
	return out
}
