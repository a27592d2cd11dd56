package routing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"googlemaps.github.io/maps"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	mgRoad      = models.Coord{Lat: 12.9756, Lng: 77.6050}
	indiranagar = models.Coord{Lat: 12.9784, Lng: 77.6408}
)

type countingRouter struct {
	calls int
	route Route
	err   error
}

func (c *countingRouter) Route(context.Context, models.Coord, models.Coord) (Route, error) {
	c.calls++
	return c.route, c.err
}

func TestOSRMClientRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/route/v1/driving/77.605000,12.975600;77.640800,12.978400"))
		assert.Equal(t, "polyline", r.URL.Query().Get("geometries"))
		fmt.Fprint(w, `{"code":"Ok","routes":[{"distance":4200,"duration":720,"geometry":"u{~vFvyys@fS]"}]}`)
	}))
	defer srv.Close()

	r, err := NewOSRMClient(srv.URL).Route(context.Background(), mgRoad, indiranagar)
	require.NoError(t, err)
	assert.InDelta(t, 4.2, r.DistanceKm, 1e-9)
	assert.InDelta(t, 12, r.DurationMin, 1e-9)
	assert.Equal(t, "u{~vFvyys@fS]", r.Polyline)
	assert.False(t, r.Approximate)
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"NoRoute","routes":[]}`)
	}))
	defer srv.Close()

	_, err := NewOSRMClient(srv.URL).Route(context.Background(), mgRoad, indiranagar)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NoRoute")
}

func TestGoogleClientRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "12.975600,77.605000", r.URL.Query().Get("origin"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"OK","routes":[{"overview_polyline":{"points":"abc"},"legs":[{"distance":{"text":"4.2 km","value":4200},"duration":{"text":"12 mins","value":720}}]}]}`)
	}))
	defer srv.Close()

	g, err := NewGoogleClient("AIza-test", maps.WithBaseURL(srv.URL))
	require.NoError(t, err)
	r, err := g.Route(context.Background(), mgRoad, indiranagar)
	require.NoError(t, err)
	assert.InDelta(t, 4.2, r.DistanceKm, 1e-9)
	assert.InDelta(t, 12, r.DurationMin, 1e-9)
	assert.Equal(t, "abc", r.Polyline)
}

func TestFallbackUsesStraightLine(t *testing.T) {
	next := &countingRouter{err: errors.New("connection refused")}
	f := &Fallback{Next: next, Provider: "osrm", SpeedKmh: 30}

	r, err := f.Route(context.Background(), mgRoad, indiranagar)
	require.NoError(t, err)
	assert.True(t, r.Approximate)
	assert.Greater(t, r.DistanceKm, 3.5)
	assert.InDelta(t, r.DistanceKm/30*60, r.DurationMin, 1e-9)
	assert.Equal(t, 1, next.calls)
}

func TestFallbackPassesThrough(t *testing.T) {
	next := &countingRouter{route: Route{DistanceKm: 5, DurationMin: 14}}
	f := &Fallback{Next: next, Provider: "osrm"}

	r, err := f.Route(context.Background(), mgRoad, indiranagar)
	require.NoError(t, err)
	assert.Equal(t, next.route, r)
}

func TestCachedRouter(t *testing.T) {
	next := &countingRouter{route: Route{DistanceKm: 5, DurationMin: 14}}
	cache := NewCache(time.Minute)
	now := time.Now()
	cache.now = func() time.Time { return now }
	c := &Cached{Next: next, Cache: cache}

	for i := 0; i < 3; i++ {
		_, err := c.Route(context.Background(), mgRoad, indiranagar)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, next.calls)

	now = now.Add(2 * time.Minute)
	_, err := c.Route(context.Background(), mgRoad, indiranagar)
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)
}

func TestCachedRouterSkipsApproximate(t *testing.T) {
	next := &countingRouter{route: Route{DistanceKm: 5, Approximate: true}}
	c := &Cached{Next: next, Cache: NewCache(time.Minute)}
	_, _ = c.Route(context.Background(), mgRoad, indiranagar)
	_, _ = c.Route(context.Background(), mgRoad, indiranagar)
	assert.Equal(t, 2, next.calls)
}
