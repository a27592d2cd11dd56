// Package relay streams a driver's position to the rider while their ride is
// verified. Updates are forwarded immediately or dropped; nothing is queued
// for an offline rider.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/routing"
	"github.com/example/ride-dispatch/internal/ws"
)

type Notifier interface {
	Notify(userID, event string, payload any) error
}

type track struct {
	rideID   string
	riderID  string
	driverID string
	dropoff  models.Coord
	last     time.Time
}

type Relay struct {
	mu       sync.Mutex
	tracks   map[string]*track
	byDriver map[string]string

	router   routing.Router
	notifier Notifier
	speedKmh float64
	logger   *slog.Logger
}

func New(router routing.Router, notifier Notifier, logger *slog.Logger) *Relay {
	return &Relay{
		tracks:   make(map[string]*track),
		byDriver: make(map[string]string),
		router:   router,
		notifier: notifier,
		speedKmh: routing.DefaultSpeedKmh,
		logger:   logger,
	}
}

// Activate starts relaying the ride's driver to its rider.
func (r *Relay) Activate(ride *models.Ride) {
	if ride == nil || ride.DriverID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byDriver[ride.DriverID]; ok && prev != ride.ID {
		delete(r.tracks, prev)
	}
	r.tracks[ride.ID] = &track{rideID: ride.ID, riderID: ride.RiderID, driverID: ride.DriverID, dropoff: ride.Dropoff}
	r.byDriver[ride.DriverID] = ride.ID
}

func (r *Relay) Deactivate(rideID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tracks[rideID]
	if !ok {
		return
	}
	delete(r.tracks, rideID)
	if r.byDriver[t.driverID] == rideID {
		delete(r.byDriver, t.driverID)
	}
}

// ActiveRide returns the ride being relayed for driverID.
func (r *Relay) ActiveRide(driverID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byDriver[driverID]
	return id, ok
}

// Push forwards a driver location if the driver is on a relayed ride. An
// update older than the last forwarded one is discarded.
func (r *Relay) Push(ctx context.Context, driverID string, u models.LocationUpdate) error {
	at := u.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	r.mu.Lock()
	rideID, ok := r.byDriver[driverID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	t := r.tracks[rideID]
	if !t.last.IsZero() && at.Before(t.last) {
		r.mu.Unlock()
		observability.RelayDropped.WithLabelValues("out_of_order").Inc()
		return nil
	}
	t.last = at
	riderID, dropoff := t.riderID, t.dropoff
	r.mu.Unlock()

	loc := models.Coord{Lat: u.Lat, Lng: u.Lng}
	route, err := r.router.Route(ctx, loc, dropoff)
	if err != nil {
		route = routing.Estimate(loc, dropoff, r.speedKmh)
	}
	payload := models.DriverLocationUpdate{
		RideID:     rideID,
		Lat:        u.Lat,
		Lng:        u.Lng,
		ETA:        route.DurationMin,
		DistanceKm: route.DistanceKm,
		Degraded:   route.Approximate,
		Timestamp:  at,
	}
	switch err := r.notifier.Notify(riderID, models.EventDriverLocationUpdate, payload); {
	case err == nil:
		observability.RelayForwarded.Inc()
		return nil
	case errors.Is(err, ws.ErrNoSession):
		observability.RelayDropped.WithLabelValues("no_session").Inc()
		return nil
	default:
		observability.RelayDropped.WithLabelValues("send_failed").Inc()
		r.logger.Debug("relay send failed", "ride_id", rideID, "rider_id", riderID, "error", err)
		return err
	}
}
