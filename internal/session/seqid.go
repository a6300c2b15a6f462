package session

import (
	"math/rand"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	seqSpace          = 256
	seqHighWater      = 250
	maxRandomAttempts = 100
)

// seqAllocator issues one-byte correlation ids for in-flight requests.
// Random selection keeps temporally-adjacent requests from sharing ids by
// accident; a linear scan backs it up under heavy collision. It never
// blocks and never fails: when the space looks exhausted it force-clears
// and keeps going, trading a small correlation risk for liveness.
type seqAllocator struct {
	mu     sync.Mutex
	used   map[byte]struct{}
	logger *logrus.Logger
}

func newSeqAllocator(logger *logrus.Logger) *seqAllocator {
	return &seqAllocator{
		used:   make(map[byte]struct{}, seqSpace),
		logger: logger,
	}
}

// Allocate returns an id not currently marked in-use.
func (a *seqAllocator) Allocate() byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Proactively clear when nearly full so allocation never starves.
	if len(a.used) >= seqHighWater {
		a.logger.WithField("used", len(a.used)).Debug("Sequence id space nearly full, clearing")
		a.used = make(map[byte]struct{}, seqSpace)
	}

	for attempt := 0; attempt < maxRandomAttempts; attempt++ {
		id := byte(rand.Intn(seqSpace))
		if _, taken := a.used[id]; !taken {
			a.used[id] = struct{}{}
			return id
		}
	}

	// Fallback: first free id in order.
	for i := 0; i < seqSpace; i++ {
		id := byte(i)
		if _, taken := a.used[id]; !taken {
			a.used[id] = struct{}{}
			a.logger.WithField("seq", id).Debug("Sequence id allocated via sequential fallback")
			return id
		}
	}

	// Whole space believed in-use: force-clear and allocate.
	a.logger.Warn("All 256 sequence ids exhausted, clearing")
	a.used = make(map[byte]struct{}, seqSpace)
	id := byte(rand.Intn(seqSpace))
	a.used[id] = struct{}{}
	return id
}

// Release marks an id free again. Releasing a free id is a no-op.
func (a *seqAllocator) Release(id byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, id)
}

// InUse reports how many ids are currently marked in-use.
func (a *seqAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}
