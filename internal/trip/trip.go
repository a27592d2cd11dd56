// Package trip owns the ride lifecycle. Every status change is a single
// conditional update against the store, so concurrent callers racing on the
// same ride see exactly one winner and the rest get apperr.ErrStateConflict.
package trip

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/otp"
	"github.com/example/ride-dispatch/internal/routing"
	"github.com/example/ride-dispatch/internal/storage"
)

// DefaultVehicleClass is used to quote a ride that accepts any vehicle.
const DefaultVehicleClass = "economy"

const cancelRetries = 3

type Quoter interface {
	Quote(vehicleClass string, distanceKm, durationMin float64) (float64, error)
}

// Publisher receives every committed transition.
type Publisher interface {
	PublishRideEvent(ctx context.Context, ev models.RideEvent) error
}

type Service struct {
	store     storage.TripStore
	gate      *otp.Gate
	router    routing.Router
	pricer    Quoter
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

type Option func(*Service)

func WithPublisher(p Publisher) Option { return func(s *Service) { s.publisher = p } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithIDs(newID func() string) Option { return func(s *Service) { s.newID = newID } }

func NewService(store storage.TripStore, gate *otp.Gate, router routing.Router, pricer Quoter, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		gate:   gate,
		router: router,
		pricer: pricer,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Request creates a ride in the requested state with a routed quote. A rider
// may hold only one open ride.
func (s *Service) Request(ctx context.Context, actor models.Actor, in models.RequestRide) (*models.Ride, error) {
	if actor.Role != models.RoleRider || actor.ID == "" {
		return nil, apperr.Unauthorized("only riders can request rides")
	}
	if !in.Pickup.Valid() {
		return nil, apperr.Validation("invalid pickup coordinates")
	}
	if !in.Dropoff.Valid() {
		return nil, apperr.Validation("invalid dropoff coordinates")
	}
	class := strings.ToLower(strings.TrimSpace(in.VehicleClass))
	quoteClass := class
	if quoteClass == "" {
		quoteClass = DefaultVehicleClass
	}

	open, err := s.store.ActiveRideForRider(ctx, actor.ID)
	switch {
	case err == nil:
		return nil, apperr.Conflict("rider %s already has open ride %s", actor.ID, open.ID)
	case !errors.Is(err, apperr.ErrNotFound):
		return nil, err
	}

	route, err := s.router.Route(ctx, in.Pickup, in.Dropoff)
	if err != nil {
		return nil, err
	}
	fare, err := s.pricer.Quote(quoteClass, route.DistanceKm, route.DurationMin)
	if err != nil {
		return nil, err
	}

	now := s.now()
	r := &models.Ride{
		ID:             s.newID(),
		RiderID:        actor.ID,
		Pickup:         in.Pickup,
		Dropoff:        in.Dropoff,
		PickupAddress:  strings.TrimSpace(in.PickupAddress),
		DropoffAddress: strings.TrimSpace(in.DropoffAddress),
		VehicleClass:   class,
		DistanceKm:     route.DistanceKm,
		DurationMin:    route.DurationMin,
		Fare:           fare,
		Polyline:       route.Polyline,
		Status:         models.StatusRequested,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.SaveRide(ctx, r); err != nil {
		return nil, err
	}
	s.record(ctx, "", r, actor, "")
	return r, nil
}

// Match assigns driverID to a requested ride and issues its OTP in the same
// write. The loser of a concurrent match gets apperr.ErrStateConflict.
func (s *Service) Match(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	code, err := otp.Generate()
	if err != nil {
		return nil, err
	}
	r, err := s.transition(ctx, "match", rideID,
		storage.Condition{Status: models.StatusRequested},
		storage.Mutation{Status: models.StatusMatched, DriverID: driverID, SetOTP: true, OTP: code})
	if err != nil {
		return nil, err
	}
	s.gate.Reset(ctx, r.ID)
	s.record(ctx, models.StatusRequested, r, models.Actor{ID: driverID, Role: models.RoleDriver}, "")
	return r, nil
}

// Verify checks the rider's code and moves the ride to verified.
func (s *Service) Verify(ctx context.Context, actor models.Actor, rideID, code string) (*models.Ride, error) {
	current, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if actor.Role != models.RoleRider || current.RiderID != actor.ID {
		return nil, apperr.Unauthorized("only the ride's rider can verify the code")
	}
	r, err := s.gate.Verify(ctx, rideID, code)
	if err != nil {
		if errors.Is(err, apperr.ErrStateConflict) {
			observability.StateConflicts.WithLabelValues("verify").Inc()
		}
		return nil, err
	}
	s.record(ctx, models.StatusMatched, r, actor, "")
	return r, nil
}

// Complete ends a verified ride. Only the assigned driver may complete it.
func (s *Service) Complete(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error) {
	current, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if actor.Role != models.RoleDriver || current.DriverID != actor.ID {
		return nil, apperr.Unauthorized("only the assigned driver can complete the ride")
	}
	r, err := s.transition(ctx, "complete", rideID,
		storage.Condition{Status: models.StatusVerified, DriverID: actor.ID},
		storage.Mutation{Status: models.StatusCompleted})
	if err != nil {
		return nil, err
	}
	s.record(ctx, models.StatusVerified, r, actor, "")
	return r, nil
}

// Cancel moves a non-terminal ride to cancelled on behalf of its rider or
// assigned driver. It returns the cancelled ride and the status it left.
func (s *Service) Cancel(ctx context.Context, actor models.Actor, rideID, reason string) (*models.Ride, models.RideStatus, error) {
	reason = strings.TrimSpace(reason)
	for attempt := 0; ; attempt++ {
		current, err := s.store.GetRide(ctx, rideID)
		if err != nil {
			return nil, "", err
		}
		if err := authorizeCancel(actor, current); err != nil {
			return nil, "", err
		}
		if !CanTransition(current.Status, models.StatusCancelled) {
			observability.StateConflicts.WithLabelValues("cancel").Inc()
			return nil, "", apperr.Conflict("ride %s is already %s", rideID, current.Status)
		}
		r, err := s.store.UpdateRideIf(ctx, rideID,
			storage.Condition{Status: current.Status},
			storage.Mutation{Status: models.StatusCancelled, CancelReason: reason, CancelledBy: string(actor.Role), At: s.now()})
		if err == nil {
			s.record(ctx, current.Status, r, actor, reason)
			return r, current.Status, nil
		}
		if !errors.Is(err, apperr.ErrStateConflict) {
			return nil, "", err
		}
		observability.StateConflicts.WithLabelValues("cancel").Inc()
		// The ride moved underneath us; re-read and retry from its new status.
		if attempt+1 >= cancelRetries {
			return nil, "", err
		}
	}
}

func authorizeCancel(actor models.Actor, r *models.Ride) error {
	switch actor.Role {
	case models.RoleSystem:
		return nil
	case models.RoleRider:
		if r.RiderID == actor.ID {
			return nil
		}
	case models.RoleDriver:
		if r.DriverID != "" && r.DriverID == actor.ID {
			return nil
		}
	}
	return apperr.Unauthorized("%s %s cannot cancel ride %s", actor.Role, actor.ID, r.ID)
}

// Expire cancels a ride that is still waiting for a driver. It is a no-op
// conflict once any driver has matched.
func (s *Service) Expire(ctx context.Context, rideID, reason string) (*models.Ride, error) {
	r, err := s.transition(ctx, "expire", rideID,
		storage.Condition{Status: models.StatusRequested},
		storage.Mutation{Status: models.StatusCancelled, CancelReason: reason, CancelledBy: string(models.RoleSystem)})
	if err != nil {
		return nil, err
	}
	s.record(ctx, models.StatusRequested, r, models.SystemActor, reason)
	return r, nil
}

// ExpireStale cancels rides left in requested for longer than olderThan, such
// as rides whose dispatch round died with a previous process. It returns the
// rides it cancelled.
func (s *Service) ExpireStale(ctx context.Context, olderThan time.Duration, reason string) ([]*models.Ride, error) {
	stale, err := s.store.RequestedBefore(ctx, s.now().Add(-olderThan))
	if err != nil {
		return nil, err
	}
	var out []*models.Ride
	for _, r := range stale {
		expired, err := s.Expire(ctx, r.ID, reason)
		if errors.Is(err, apperr.ErrStateConflict) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, expired)
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, rideID string) (*models.Ride, error) {
	return s.store.GetRide(ctx, rideID)
}

func (s *Service) History(ctx context.Context, rideID string) ([]models.RideEvent, error) {
	if _, err := s.store.GetRide(ctx, rideID); err != nil {
		return nil, err
	}
	return s.store.Events(ctx, rideID)
}

// ActiveForDriver returns the matched or verified ride held by driverID.
func (s *Service) ActiveForDriver(ctx context.Context, driverID string) (*models.Ride, error) {
	return s.store.ActiveRideForDriver(ctx, driverID)
}

func (s *Service) transition(ctx context.Context, op, rideID string, cond storage.Condition, m storage.Mutation) (*models.Ride, error) {
	if !CanTransition(cond.Status, m.Status) {
		return nil, apperr.Conflict("illegal transition %s -> %s", cond.Status, m.Status)
	}
	if m.At.IsZero() {
		m.At = s.now()
	}
	r, err := s.store.UpdateRideIf(ctx, rideID, cond, m)
	if errors.Is(err, apperr.ErrStateConflict) {
		observability.StateConflicts.WithLabelValues(op).Inc()
	}
	return r, err
}

// record appends to the ride's event log and publishes the transition. The
// ride state is already committed, so failures here are only logged.
func (s *Service) record(ctx context.Context, from models.RideStatus, r *models.Ride, actor models.Actor, reason string) {
	ev := models.RideEvent{
		RideID:     r.ID,
		FromStatus: from,
		ToStatus:   r.Status,
		ActorRole:  actor.Role,
		ActorID:    actor.ID,
		DriverID:   r.DriverID,
		Reason:     reason,
		CreatedAt:  r.UpdatedAt,
	}
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		s.logger.Warn("append ride event failed", "ride_id", r.ID, "to", r.Status, "error", err)
	}
	if s.publisher != nil {
		if err := s.publisher.PublishRideEvent(ctx, ev); err != nil {
			s.logger.Warn("publish ride event failed", "ride_id", r.ID, "to", r.Status, "error", err)
		}
	}
	s.logger.Info("ride transition", "ride_id", r.ID, "from", from, "to", r.Status, "actor_role", actor.Role, "actor_id", actor.ID)
}
