// Package route supplies the planned-route corridor a trip is checked
// against. Corridor geometry is an input; this package only looks it up.
package route

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/freight-trips/internal/models"
)

// Corridor is a planned path plus the distance a truck may stray from it.
type Corridor struct {
	Path            []models.Coord
	ToleranceMeters float64
}

// Provider returns the corridor for a job. ok is false when the provider
// has no route for it.
type Provider interface {
	Corridor(ctx context.Context, job models.Job) (c Corridor, ok bool, err error)
}

// StaticProvider serves the planned route stored on the job.
type StaticProvider struct {
	ToleranceMeters float64
}

func (s StaticProvider) Corridor(_ context.Context, job models.Job) (Corridor, bool, error) {
	if len(job.Route) < 2 {
		return Corridor{}, false, nil
	}
	return Corridor{Path: job.Route, ToleranceMeters: s.ToleranceMeters}, true, nil
}

// Chain asks each provider in turn and returns the first corridor found.
// A provider error is remembered and only returned if nobody has a route.
type Chain []Provider

func (c Chain) Corridor(ctx context.Context, job models.Job) (Corridor, bool, error) {
	var firstErr error
	for _, p := range c {
		cor, ok, err := p.Corridor(ctx, job)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return cor, true, nil
		}
	}
	return Corridor{}, false, firstErr
}

// Cache is a tiny in-memory cache for route geometry keyed by endpoints.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	path []models.Coord
	ts   time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) ([]models.Coord, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return nil, false
	}
	return e.path, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, path []models.Coord) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{path: path, ts: c.now()}
	c.mu.Unlock()
}
