package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lox/riverrunner/internal/models"
)

// Lookup is the reference-data half of the store gateway.
type Lookup interface {
	RunExists(ctx context.Context, runID int64) (bool, error)
	StationsNearRun(ctx context.Context, runID int64) ([]models.StationDistance, error)
}

// CachedLookup wraps a Lookup with a TTL cache. Runs and stations are
// immutable once created, so only positive run lookups and station lists are
// kept. Call Invalidate after reseeding distances.
type CachedLookup struct {
	inner Lookup
	ttl   time.Duration
	clock clockwork.Clock

	mu       sync.RWMutex
	runs     map[int64]time.Time
	stations map[int64]stationEntry
}

type stationEntry struct {
	value   []models.StationDistance
	expires time.Time
}

// NewCachedLookup creates a cache decorator around inner. A nil clock uses the
// real clock.
func NewCachedLookup(inner Lookup, ttl time.Duration, clock clockwork.Clock) *CachedLookup {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CachedLookup{
		inner:    inner,
		ttl:      ttl,
		clock:    clock,
		runs:     make(map[int64]time.Time),
		stations: make(map[int64]stationEntry),
	}
}

func (c *CachedLookup) RunExists(ctx context.Context, runID int64) (bool, error) {
	now := c.clock.Now()

	c.mu.RLock()
	expires, ok := c.runs[runID]
	c.mu.RUnlock()
	if ok && now.Before(expires) {
		return true, nil
	}

	exists, err := c.inner.RunExists(ctx, runID)
	if err != nil || !exists {
		return exists, err
	}

	c.mu.Lock()
	c.runs[runID] = now.Add(c.ttl)
	c.mu.Unlock()
	return true, nil
}

// StationsNearRun returns a copy of the cached list so callers may reorder it.
func (c *CachedLookup) StationsNearRun(ctx context.Context, runID int64) ([]models.StationDistance, error) {
	now := c.clock.Now()

	c.mu.RLock()
	e, ok := c.stations[runID]
	c.mu.RUnlock()
	if ok && now.Before(e.expires) {
		return append([]models.StationDistance(nil), e.value...), nil
	}

	value, err := c.inner.StationsNearRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.stations[runID] = stationEntry{value: value, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return append([]models.StationDistance(nil), value...), nil
}

// Invalidate drops every cached entry.
func (c *CachedLookup) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs = make(map[int64]time.Time)
	c.stations = make(map[int64]stationEntry)
}
