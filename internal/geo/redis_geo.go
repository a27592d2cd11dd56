package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// Mirror applies registry events to a shared presence view.
type Mirror interface {
	Apply(ctx context.Context, ev models.DriverEvent) error
}

// RedisGeo mirrors driver presence into a Redis GEO set plus a metadata hash
// per driver, so dashboards and other instances can see every online driver.
type RedisGeo struct {
	client  redis.Cmdable
	key     string
	metaTTL time.Duration
}

func NewRedisGeo(client redis.Cmdable, key string, metaTTL time.Duration) *RedisGeo {
	if key == "" {
		key = "drivers_geo"
	}
	return &RedisGeo{client: client, key: key, metaTTL: metaTTL}
}

func (r *RedisGeo) Apply(ctx context.Context, ev models.DriverEvent) error {
	d := ev.Driver
	if ev.Type == models.DriverRemoved || !d.Online || !d.Located {
		_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRem(ctx, r.key, d.ID)
			p.Del(ctx, metaKey(d.ID))
			return nil
		})
		return err
	}
	cell := ev.Cell
	if cell == "" {
		cell = Cell(d.Loc)
	}
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lng, Latitude: d.Loc.Lat, Name: d.ID})
		p.HSet(ctx, metaKey(d.ID), map[string]interface{}{
			"name":    d.Name,
			"class":   d.Vehicle.Class,
			"online":  strconv.FormatBool(d.Online),
			"busy":    strconv.FormatBool(d.Busy),
			"ride_id": d.RideID,
			"cell":    cell,
			"updated": d.LocatedAt.UTC().Format(time.RFC3339),
		})
		if r.metaTTL > 0 {
			p.Expire(ctx, metaKey(d.ID), r.metaTTL)
		}
		return nil
	})
	return err
}

// Nearby returns mirrored drivers within radiusKm of c, nearest first.
func (r *RedisGeo) Nearby(ctx context.Context, c models.Coord, radiusKm float64, limit int) ([]models.Driver, error) {
	res, err := r.client.GeoRadius(ctx, r.key, c.Lng, c.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("georadius %s: %w", r.key, err)
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		d := models.Driver{ID: g.Name, Loc: models.Coord{Lat: g.Latitude, Lng: g.Longitude}, Located: true}
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			return nil, fmt.Errorf("hgetall %s: %w", metaKey(g.Name), err)
		}
		if len(m) == 0 {
			// metadata expired; the driver stopped reporting
			continue
		}
		d.Name = m["name"]
		d.Vehicle.Class = m["class"]
		d.Online = m["online"] == "true"
		d.Busy = m["busy"] == "true"
		d.RideID = m["ride_id"]
		if ts, err := time.Parse(time.RFC3339, m["updated"]); err == nil {
			d.LocatedAt = ts
		}
		out = append(out, d)
	}
	return out, nil
}

func metaKey(id string) string { return "driver:meta:" + id }
