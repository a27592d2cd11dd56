package matcher

import (
	"sort"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

const DefaultRadiusKm = 15.0

type Candidate struct {
	DriverID   string  `json:"driverId"`
	DistanceKm float64 `json:"distanceKm"`
}

type Query struct {
	Origin       models.Coord
	RadiusKm     float64
	VehicleClass string
	// Limit caps the result to the nearest K drivers; 0 keeps everyone in range.
	Limit int
}

// FindCandidates filters drivers to those that can take a ride at q.Origin and
// orders them by distance, breaking ties by driver id. It has no side effects.
func FindCandidates(drivers []models.Driver, q Query, now time.Time, staleTTL time.Duration) []Candidate {
	radius := q.RadiusKm
	if radius <= 0 {
		radius = DefaultRadiusKm
	}
	out := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		if !d.Online || d.Busy || !d.Located {
			continue
		}
		if staleTTL > 0 && now.Sub(d.LocatedAt) > staleTTL {
			continue
		}
		if q.VehicleClass != "" && d.Vehicle.Class != "" && !strings.EqualFold(d.Vehicle.Class, q.VehicleClass) {
			continue
		}
		dist := geo.HaversineKm(q.Origin, d.Loc)
		if dist > radius {
			continue
		}
		out = append(out, Candidate{DriverID: d.ID, DistanceKm: dist})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].DriverID < out[j].DriverID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// Snapshotter is the part of the driver registry the matcher reads.
type Snapshotter interface {
	Snapshot() []models.Driver
}

type Service struct {
	Drivers  Snapshotter
	RadiusKm float64
	StaleTTL time.Duration
	TopN     int
	Now      func() time.Time
}

// Find runs FindCandidates over the current registry snapshot. Zero values on
// q fall back to the service defaults.
func (s *Service) Find(q Query) []Candidate {
	if q.RadiusKm <= 0 {
		q.RadiusKm = s.RadiusKm
	}
	if q.Limit <= 0 {
		q.Limit = s.TopN
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return FindCandidates(s.Drivers.Snapshot(), q, now(), s.StaleTTL)
}
