// Package routing answers distance, duration and polyline questions between
// two coordinates. Providers are black boxes; when they fail the Fallback
// wrapper substitutes a straight-line estimate.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type Route struct {
	DistanceKm  float64
	DurationMin float64
	Polyline    string
	// Approximate is set when the route is a straight-line estimate.
	Approximate bool
}

// Router is the interface used by the trip service and the relay.
type Router interface {
	Route(ctx context.Context, from, to models.Coord) (Route, error)
}

// DefaultSpeedKmh is a city driving average.
const DefaultSpeedKmh = 28.8

// Straight estimates a route from the great-circle distance at a constant speed.
type Straight struct {
	SpeedKmh float64
}

func (s Straight) Route(_ context.Context, from, to models.Coord) (Route, error) {
	return Estimate(from, to, s.SpeedKmh), nil
}

func Estimate(from, to models.Coord, speedKmh float64) Route {
	if speedKmh <= 0 {
		speedKmh = DefaultSpeedKmh
	}
	d := geo.HaversineKm(from, to)
	return Route{DistanceKm: d, DurationMin: d / speedKmh * 60, Approximate: true}
}

// Fallback wraps a provider and answers with a straight-line estimate when it
// fails. It never returns an error.
type Fallback struct {
	Next     Router
	Provider string
	SpeedKmh float64
	Logger   *slog.Logger
}

func (f *Fallback) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	if f.Next != nil {
		r, err := f.Next.Route(ctx, from, to)
		if err == nil {
			return r, nil
		}
		if f.Logger != nil {
			f.Logger.Warn("routing provider failed, using straight-line estimate", "provider", f.Provider, "error", err)
		}
	}
	observability.RoutingFallbacks.WithLabelValues(f.Provider).Inc()
	return Estimate(from, to, f.SpeedKmh), nil
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  Route
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

// Coordinates are rounded to ~11m so a crawling driver still hits the cache.
func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.4f,%.4f", c.Lat, c.Lng)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: c.now()}
	c.mu.Unlock()
}

// Cached serves repeat lookups from a Cache. Approximate routes are not
// cached so the provider is retried once it recovers.
type Cached struct {
	Next  Router
	Cache *Cache
}

func (c *Cached) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	if r, ok := c.Cache.Get(from, to); ok {
		return r, nil
	}
	r, err := c.Next.Route(ctx, from, to)
	if err != nil {
		return Route{}, err
	}
	if !r.Approximate {
		c.Cache.Set(from, to, r)
	}
	return r, nil
}
