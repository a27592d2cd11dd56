package geo

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func onlineDriver(id string, lat, lng float64) models.Driver {
	return models.Driver{
		ID:        id,
		Name:      "Driver " + id,
		Vehicle:   models.Vehicle{Class: "economy"},
		Loc:       models.Coord{Lat: lat, Lng: lng},
		Located:   true,
		LocatedAt: time.Now(),
		Online:    true,
	}
}

func TestRedisGeoApplyAndNearby(t *testing.T) {
	mr, client := setupMiniredis(t)
	g := NewRedisGeo(client, "drivers_geo", time.Minute)
	ctx := context.Background()

	require.NoError(t, g.Apply(ctx, models.DriverEvent{Type: models.DriverMoved, Driver: onlineDriver("near", 12.91, 77.60)}))
	require.NoError(t, g.Apply(ctx, models.DriverEvent{Type: models.DriverMoved, Driver: onlineDriver("far", 13.50, 77.60)}))

	assert.True(t, mr.Exists("driver:meta:near"))
	assert.Equal(t, "economy", mr.HGet("driver:meta:near", "class"))
	assert.Equal(t, Cell(models.Coord{Lat: 12.91, Lng: 77.60}), mr.HGet("driver:meta:near", "cell"))

	got, err := g.Nearby(ctx, models.Coord{Lat: 12.90, Lng: 77.60}, 15, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "near", got[0].ID)
	assert.True(t, got[0].Online)
}

func TestRedisGeoRemoveClearsEntry(t *testing.T) {
	mr, client := setupMiniredis(t)
	g := NewRedisGeo(client, "drivers_geo", 0)
	ctx := context.Background()

	d := onlineDriver("d1", 12.91, 77.60)
	require.NoError(t, g.Apply(ctx, models.DriverEvent{Type: models.DriverRegistered, Driver: d}))
	require.NoError(t, g.Apply(ctx, models.DriverEvent{Type: models.DriverRemoved, Driver: d}))

	assert.False(t, mr.Exists("driver:meta:d1"))
	got, err := g.Nearby(ctx, d.Loc, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisGeoOfflineDriverIsHidden(t *testing.T) {
	_, client := setupMiniredis(t)
	g := NewRedisGeo(client, "", 0)
	ctx := context.Background()

	d := onlineDriver("d1", 12.91, 77.60)
	require.NoError(t, g.Apply(ctx, models.DriverEvent{Type: models.DriverMoved, Driver: d}))
	d.Online = false
	require.NoError(t, g.Apply(ctx, models.DriverEvent{Type: models.DriverPresence, Driver: d}))

	got, err := g.Nearby(ctx, d.Loc, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}
