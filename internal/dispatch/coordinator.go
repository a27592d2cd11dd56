// Package dispatch runs the dispatch protocol: a ride request fans out to
// nearby drivers at once, the first accept wins through the trip store's
// check-and-set, and everyone else is told the ride is gone.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/relay"
	"github.com/example/ride-dispatch/internal/trip"
	"github.com/example/ride-dispatch/internal/ws"
)

const DefaultTimeout = 60 * time.Second

const settleTimeout = 30 * time.Second

// InterruptedReason is recorded on rides whose dispatch round ended with the
// process rather than with a match or a timeout.
const InterruptedReason = "dispatch interrupted"

type Notifier interface {
	Notify(userID, event string, payload any) error
}

type Finder interface {
	Find(q matcher.Query) []matcher.Candidate
}

// Drivers is the part of the registry the coordinator mutates.
type Drivers interface {
	Get(driverID string) (models.Driver, bool)
	UpdateLocation(driverID string, lat, lng float64) bool
	Reserve(driverID, rideID string) bool
	Release(driverID, rideID string)
}

// round is one open dispatch: the drivers still holding an offer and the
// timer that expires it.
type round struct {
	rideID     string
	riderID    string
	candidates map[string]matcher.Candidate
	timer      *time.Timer
}

type Coordinator struct {
	trips    *trip.Service
	finder   Finder
	drivers  Drivers
	relay    *relay.Relay
	notifier Notifier
	settler  payments.Settler
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*round
	wg      sync.WaitGroup
}

type Option func(*Coordinator)

func WithTimeout(d time.Duration) Option { return func(c *Coordinator) { c.timeout = d } }

func WithSettler(s payments.Settler) Option { return func(c *Coordinator) { c.settler = s } }

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

func New(trips *trip.Service, finder Finder, drivers Drivers, rl *relay.Relay, notifier Notifier, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		trips:    trips,
		finder:   finder,
		drivers:  drivers,
		relay:    rl,
		notifier: notifier,
		settler:  payments.NopSettler{},
		logger:   logger,
		timeout:  DefaultTimeout,
		now:      time.Now,
		pending:  make(map[string]*round),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RequestRide creates the ride and offers it to every candidate. With no
// candidates the ride is returned already cancelled.
func (c *Coordinator) RequestRide(ctx context.Context, actor models.Actor, in models.RequestRide) (r *models.Ride, err error) {
	ctx, span := observability.Tracer.Start(ctx, "dispatch.RequestRide")
	defer func() { endSpan(span, err) }()

	r, err = c.trips.Request(ctx, actor, in)
	if err != nil {
		return nil, err
	}
	observability.RidesRequestedTotal.Inc()
	span.SetAttributes(attribute.String("ride.id", r.ID))
	c.notify(r.RiderID, models.EventRideRequested, r)

	cands := c.finder.Find(matcher.Query{Origin: r.Pickup, VehicleClass: r.VehicleClass})
	span.SetAttributes(attribute.Int("dispatch.candidates", len(cands)))
	if len(cands) == 0 {
		c.expire(ctx, r.ID, "no drivers available", "no_drivers")
		return c.latest(ctx, r), nil
	}

	rd := &round{rideID: r.ID, riderID: r.RiderID, candidates: make(map[string]matcher.Candidate, len(cands))}
	for _, cand := range cands {
		rd.candidates[cand.DriverID] = cand
	}
	expiresAt := c.now().Add(c.timeout)
	c.mu.Lock()
	c.pending[r.ID] = rd
	rd.timer = time.AfterFunc(c.timeout, func() { c.onTimeout(r.ID) })
	c.mu.Unlock()

	c.logger.Info("dispatching ride", "ride_id", r.ID, "candidates", len(cands))
	for _, cand := range cands {
		offer := models.IncomingRideRequest{
			RideID:           r.ID,
			Pickup:           r.Pickup,
			Dropoff:          r.Dropoff,
			PickupAddress:    r.PickupAddress,
			DropoffAddress:   r.DropoffAddress,
			Distance:         r.DistanceKm,
			PickupDistanceKm: cand.DistanceKm,
			FareEstimate:     r.Fare,
			ExpiresAt:        expiresAt.UTC().Format(time.RFC3339),
		}
		if err := c.notifier.Notify(cand.DriverID, models.EventIncomingRideRequest, offer); err != nil {
			// An unreachable driver counts as a rejection.
			c.logger.Debug("offer not delivered", "ride_id", r.ID, "driver_id", cand.DriverID, "error", err)
			c.dropCandidate(ctx, r.ID, cand.DriverID)
		}
	}
	return c.latest(ctx, r), nil
}

// Accept tries to assign rideID to driverID. Exactly one concurrent accept
// succeeds; the others get apperr.ErrStateConflict and a
// rideNoLongerAvailable event.
func (c *Coordinator) Accept(ctx context.Context, driverID, rideID string) (r *models.Ride, err error) {
	ctx, span := observability.Tracer.Start(ctx, "dispatch.Accept",
		trace.WithAttributes(attribute.String("ride.id", rideID), attribute.String("driver.id", driverID)))
	defer func() { endSpan(span, err) }()

	if driverID == "" || rideID == "" {
		return nil, apperr.Validation("driverId and rideId are required")
	}
	c.mu.Lock()
	rd, open := c.pending[rideID]
	offered := open && hasCandidate(rd, driverID)
	c.mu.Unlock()
	if open && !offered {
		return nil, apperr.Unauthorized("driver %s was not offered ride %s", driverID, rideID)
	}
	if !c.drivers.Reserve(driverID, rideID) {
		return nil, apperr.Conflict("driver %s is already on a ride", driverID)
	}

	r, err = c.trips.Match(ctx, rideID, driverID)
	if err != nil {
		c.drivers.Release(driverID, rideID)
		if errors.Is(err, apperr.ErrStateConflict) {
			c.logger.Debug("accept lost race", "ride_id", rideID, "driver_id", driverID)
			c.notify(driverID, models.EventRideNoLongerAvailable, models.RideRef{RideID: rideID})
		}
		return nil, err
	}

	rd = c.finishRound(rideID)
	observability.MatchesTotal.Inc()
	observability.DispatchOutcomes.WithLabelValues("matched").Inc()
	if r.MatchedAt != nil {
		observability.MatchLatency.Observe(r.MatchedAt.Sub(r.CreatedAt).Seconds())
	}
	c.logger.Info("ride matched", "ride_id", rideID, "driver_id", driverID)

	info := models.DriverInfo{DriverID: driverID}
	if d, ok := c.drivers.Get(driverID); ok {
		info.Name = d.Name
		info.Vehicle = d.Vehicle
		if d.Located {
			loc := d.Loc
			info.Location = &loc
		}
	}
	c.notify(r.RiderID, models.EventDriverMatched, models.DriverMatched{RideID: rideID, DriverInfo: info})
	c.notify(driverID, models.EventRideAssigned, assignment(r))
	c.notifyLosers(rd, driverID)
	return r, nil
}

// Reject withdraws driverID's offer. When the last offer is withdrawn the
// ride is cancelled.
func (c *Coordinator) Reject(ctx context.Context, driverID, rideID string) error {
	if driverID == "" || rideID == "" {
		return apperr.Validation("driverId and rideId are required")
	}
	c.logger.Info("offer rejected", "ride_id", rideID, "driver_id", driverID)
	c.dropCandidate(ctx, rideID, driverID)
	return nil
}

// Cancel cancels on behalf of the rider or assigned driver and tidies every
// piece of state that referenced the ride.
func (c *Coordinator) Cancel(ctx context.Context, actor models.Actor, rideID, reason string) (r *models.Ride, err error) {
	ctx, span := observability.Tracer.Start(ctx, "dispatch.Cancel", trace.WithAttributes(attribute.String("ride.id", rideID)))
	defer func() { endSpan(span, err) }()

	r, prev, err := c.trips.Cancel(ctx, actor, rideID, reason)
	if err != nil {
		return nil, err
	}
	if prev == models.StatusRequested {
		observability.DispatchOutcomes.WithLabelValues("cancelled").Inc()
	}
	c.notifyLosers(c.finishRound(rideID), "")
	if r.DriverID != "" {
		c.drivers.Release(r.DriverID, rideID)
		c.relay.Deactivate(rideID)
	}
	change := models.RideStatusChange{RideID: rideID, Status: r.Status, Reason: r.CancelReason}
	c.notifyParties(r, models.EventRideCancelled, change)
	return r, nil
}

// VerifyOTP checks the rider's code and starts the location relay.
func (c *Coordinator) VerifyOTP(ctx context.Context, actor models.Actor, rideID, code string) (r *models.Ride, err error) {
	ctx, span := observability.Tracer.Start(ctx, "dispatch.VerifyOTP", trace.WithAttributes(attribute.String("ride.id", rideID)))
	defer func() { endSpan(span, err) }()

	r, err = c.trips.Verify(ctx, actor, rideID, code)
	if err != nil {
		return nil, err
	}
	c.relay.Activate(r)
	c.notifyParties(r, models.EventRideVerified, models.RideStatusChange{RideID: rideID, Status: r.Status})
	return r, nil
}

// Complete ends the ride, frees the driver and settles payment in the
// background.
func (c *Coordinator) Complete(ctx context.Context, actor models.Actor, rideID string) (r *models.Ride, err error) {
	ctx, span := observability.Tracer.Start(ctx, "dispatch.Complete", trace.WithAttributes(attribute.String("ride.id", rideID)))
	defer func() { endSpan(span, err) }()

	r, err = c.trips.Complete(ctx, actor, rideID)
	if err != nil {
		return nil, err
	}
	c.drivers.Release(r.DriverID, rideID)
	c.relay.Deactivate(rideID)
	c.notifyParties(r, models.EventRideCompleted, models.RideStatusChange{RideID: rideID, Status: r.Status})
	c.settle(r)
	return r, nil
}

// UpdateLocation records a driver position and relays it if the driver is on
// a verified ride.
func (c *Coordinator) UpdateLocation(ctx context.Context, driverID string, u models.LocationUpdate) error {
	if !(models.Coord{Lat: u.Lat, Lng: u.Lng}).Valid() {
		return apperr.Validation("invalid coordinates %.6f,%.6f", u.Lat, u.Lng)
	}
	if !c.drivers.UpdateLocation(driverID, u.Lat, u.Lng) {
		return nil
	}
	return c.relay.Push(ctx, driverID, u)
}

// DriverConnected restores a reconnecting driver's ride: busy flag, relay and
// an activeRide event.
func (c *Coordinator) DriverConnected(ctx context.Context, driverID string) error {
	r, err := c.trips.ActiveForDriver(ctx, driverID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	c.drivers.Reserve(driverID, r.ID)
	if r.Status == models.StatusVerified {
		c.relay.Activate(r)
	}
	c.logger.Info("restored active ride", "driver_id", driverID, "ride_id", r.ID, "status", r.Status)
	c.notify(driverID, models.EventActiveRide, models.ActiveRide{RideAssigned: assignment(r), Status: r.Status})
	return nil
}

// DriverDisconnected treats the lost connection as a rejection of every open
// offer. A driver mid-ride keeps the ride; the rider is alerted.
func (c *Coordinator) DriverDisconnected(ctx context.Context, driverID string) {
	c.mu.Lock()
	var offered []string
	for id, rd := range c.pending {
		if hasCandidate(rd, driverID) {
			offered = append(offered, id)
		}
	}
	c.mu.Unlock()
	for _, rideID := range offered {
		c.dropCandidate(ctx, rideID, driverID)
	}

	r, err := c.trips.ActiveForDriver(ctx, driverID)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			c.logger.Warn("lookup active ride on disconnect failed", "driver_id", driverID, "error", err)
		}
		return
	}
	c.logger.Warn("driver disconnected mid-ride", "driver_id", driverID, "ride_id", r.ID, "status", r.Status)
	c.notify(r.RiderID, models.EventDriverDisconnected, models.DriverDisconnected{RideID: r.ID, DriverID: driverID})
}

// Pending reports how many rides are waiting for a driver.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close cancels every ride still waiting for a driver, tells its rider and
// candidates, and waits for in-flight settlements.
func (c *Coordinator) Close() {
	c.mu.Lock()
	rounds := make([]*round, 0, len(c.pending))
	for id, rd := range c.pending {
		c.removeRoundLocked(id, rd)
		rounds = append(rounds, rd)
	}
	c.mu.Unlock()

	if len(rounds) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		for _, rd := range rounds {
			winner := ""
			if c.expire(ctx, rd.rideID, InterruptedReason, "shutdown") == nil {
				if current, err := c.trips.Get(ctx, rd.rideID); err == nil {
					winner = current.DriverID
				}
			}
			c.notifyLosers(rd, winner)
		}
		cancel()
		c.logger.Info("interrupted pending dispatches", "rides", len(rounds))
	}
	c.wg.Wait()
}

func (c *Coordinator) onTimeout(rideID string) {
	rd := c.finishRound(rideID)
	if rd == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.logger.Info("dispatch timed out", "ride_id", rideID)
	winner := ""
	if r := c.expire(ctx, rideID, "dispatch timeout", "timeout"); r == nil {
		if current, err := c.trips.Get(ctx, rideID); err == nil {
			winner = current.DriverID
		}
	}
	c.notifyLosers(rd, winner)
}

// dropCandidate removes driverID from the ride's open round and cancels the
// ride if nobody is left.
func (c *Coordinator) dropCandidate(ctx context.Context, rideID, driverID string) {
	c.mu.Lock()
	rd, ok := c.pending[rideID]
	if !ok || !hasCandidate(rd, driverID) {
		c.mu.Unlock()
		return
	}
	delete(rd.candidates, driverID)
	empty := len(rd.candidates) == 0
	if empty {
		c.removeRoundLocked(rideID, rd)
	}
	c.mu.Unlock()
	if empty {
		c.expire(ctx, rideID, "no drivers available", "all_rejected")
	}
}

// expire cancels a still-requested ride and tells the rider. It returns nil
// when the ride had already moved on.
func (c *Coordinator) expire(ctx context.Context, rideID, reason, outcome string) *models.Ride {
	r, err := c.trips.Expire(ctx, rideID, reason)
	if err != nil {
		if apperr.Expected(err) {
			c.logger.Debug("expire skipped", "ride_id", rideID, "error", err)
		} else {
			c.logger.Error("expire ride failed", "ride_id", rideID, "error", err)
		}
		return nil
	}
	observability.DispatchOutcomes.WithLabelValues(outcome).Inc()
	c.notify(r.RiderID, models.EventNoDriversAvailable, models.RideStatusChange{RideID: rideID, Status: r.Status, Reason: reason})
	return r
}

func (c *Coordinator) finishRound(rideID string) *round {
	c.mu.Lock()
	defer c.mu.Unlock()
	rd, ok := c.pending[rideID]
	if !ok {
		return nil
	}
	c.removeRoundLocked(rideID, rd)
	return rd
}

func (c *Coordinator) removeRoundLocked(rideID string, rd *round) {
	if rd.timer != nil {
		rd.timer.Stop()
	}
	delete(c.pending, rideID)
}

func (c *Coordinator) notifyLosers(rd *round, winner string) {
	if rd == nil {
		return
	}
	for id := range rd.candidates {
		if id != winner {
			c.notify(id, models.EventRideNoLongerAvailable, models.RideRef{RideID: rd.rideID})
		}
	}
}

func (c *Coordinator) notifyParties(r *models.Ride, event string, payload any) {
	c.notify(r.RiderID, event, payload)
	if r.DriverID != "" {
		c.notify(r.DriverID, event, payload)
	}
}

func (c *Coordinator) notify(userID, event string, payload any) {
	err := c.notifier.Notify(userID, event, payload)
	switch {
	case err == nil:
	case errors.Is(err, ws.ErrNoSession):
		c.logger.Debug("recipient offline", "user_id", userID, "event", event)
	default:
		c.logger.Warn("notify failed", "user_id", userID, "event", event, "error", err)
	}
}

func (c *Coordinator) settle(r *models.Ride) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
		defer cancel()
		if err := c.settler.Settle(ctx, r); err != nil {
			observability.Settlements.WithLabelValues("failed").Inc()
			c.logger.Error("settlement failed", "ride_id", r.ID, "fare", r.Fare, "error", err)
			return
		}
		observability.Settlements.WithLabelValues("ok").Inc()
	}()
}

// latest re-reads r so callers see the status after fan-out.
func (c *Coordinator) latest(ctx context.Context, r *models.Ride) *models.Ride {
	if current, err := c.trips.Get(ctx, r.ID); err == nil {
		return current
	}
	return r
}

func hasCandidate(rd *round, driverID string) bool {
	_, ok := rd.candidates[driverID]
	return ok
}

func assignment(r *models.Ride) models.RideAssigned {
	return models.RideAssigned{
		RideID:         r.ID,
		RiderID:        r.RiderID,
		OTP:            r.OTP,
		Pickup:         r.Pickup,
		Dropoff:        r.Dropoff,
		PickupAddress:  r.PickupAddress,
		DropoffAddress: r.DropoffAddress,
	}
}

// endSpan records err on span unless it is an ordinary outcome such as a
// lost race.
func endSpan(span trace.Span, err error) {
	if err != nil && !apperr.Expected(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
