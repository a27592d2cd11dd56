package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// Condition is the expected state a conditional update is checked against.
type Condition struct {
	Status models.RideStatus
	// OTP, when set, must equal the stored code after trimming whitespace.
	OTP string
	// DriverID, when set, must equal the assigned driver.
	DriverID string
}

// Mutation is applied only when the Condition holds.
type Mutation struct {
	Status   models.RideStatus
	DriverID string
	// SetOTP replaces the stored code with OTP; an empty OTP clears it.
	SetOTP       bool
	OTP          string
	CancelReason string
	CancelledBy  string
	At           time.Time
}

// TripStore defines persistence operations for rides. Every status change
// goes through UpdateRideIf; there is no unconditional update.
type TripStore interface {
	SaveRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// UpdateRideIf applies m atomically iff cond holds and returns the updated
	// ride. It returns apperr.ErrStateConflict when cond does not hold and
	// apperr.ErrNotFound when the ride does not exist.
	UpdateRideIf(ctx context.Context, id string, cond Condition, m Mutation) (*models.Ride, error)
	ActiveRideForDriver(ctx context.Context, driverID string) (*models.Ride, error)
	ActiveRideForRider(ctx context.Context, riderID string) (*models.Ride, error)
	// RequestedBefore lists rides still waiting for a driver that were
	// created before the cutoff.
	RequestedBefore(ctx context.Context, cutoff time.Time) ([]*models.Ride, error)
	AppendEvent(ctx context.Context, e models.RideEvent) error
	Events(ctx context.Context, rideID string) ([]models.RideEvent, error)
}

type MemoryStore struct {
	mu     sync.RWMutex
	rides  map[string]*models.Ride
	events map[string][]models.RideEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride), events: make(map[string][]models.RideEvent)}
}

func (m *MemoryStore) SaveRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rides[r.ID]; exists {
		return apperr.Conflict("ride %s already exists", r.ID)
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, apperr.NotFound("ride", id)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) UpdateRideIf(ctx context.Context, id string, cond Condition, mut Mutation) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, apperr.NotFound("ride", id)
	}
	if err := unmet(r, cond); err != nil {
		return nil, err
	}
	if mut.DriverID != "" {
		for _, other := range m.rides {
			if other.ID != id && other.DriverID == mut.DriverID && other.Status.Active() {
				return nil, apperr.Conflict("driver %s already holds ride %s", mut.DriverID, other.ID)
			}
		}
	}
	applyMutation(r, mut)
	return r.Clone(), nil
}

// unmet names the first predicate of cond that r fails, or returns nil.
func unmet(r *models.Ride, cond Condition) error {
	switch {
	case r.Status != cond.Status:
		return apperr.Conflict("ride %s is %s, expected %s", r.ID, r.Status, cond.Status)
	case cond.OTP != "" && strings.TrimSpace(r.OTP) != cond.OTP:
		return apperr.Conflict("ride %s otp mismatch", r.ID)
	case cond.DriverID != "" && r.DriverID != cond.DriverID:
		return apperr.Conflict("ride %s is not assigned to %s", r.ID, cond.DriverID)
	}
	return nil
}

func applyMutation(r *models.Ride, mut Mutation) {
	at := mut.At
	if at.IsZero() {
		at = time.Now()
	}
	r.Status = mut.Status
	if mut.DriverID != "" {
		r.DriverID = mut.DriverID
	}
	if mut.SetOTP {
		r.OTP = mut.OTP
	}
	if mut.CancelReason != "" {
		r.CancelReason = mut.CancelReason
	}
	if mut.CancelledBy != "" {
		r.CancelledBy = mut.CancelledBy
	}
	switch mut.Status {
	case models.StatusMatched:
		r.MatchedAt = &at
	case models.StatusVerified:
		r.VerifiedAt = &at
	case models.StatusCompleted:
		r.CompletedAt = &at
	case models.StatusCancelled:
		r.CancelledAt = &at
	}
	r.UpdatedAt = at
}

func (m *MemoryStore) ActiveRideForDriver(ctx context.Context, driverID string) (*models.Ride, error) {
	return m.findLatest(func(r *models.Ride) bool { return r.DriverID == driverID && r.Status.Active() }, "driver ride", driverID)
}

func (m *MemoryStore) ActiveRideForRider(ctx context.Context, riderID string) (*models.Ride, error) {
	return m.findLatest(func(r *models.Ride) bool { return r.RiderID == riderID && !r.Status.Terminal() }, "rider ride", riderID)
}

func (m *MemoryStore) RequestedBefore(ctx context.Context, cutoff time.Time) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.Status == models.StatusRequested && r.CreatedAt.Before(cutoff) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) findLatest(match func(*models.Ride) bool, kind, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *models.Ride
	for _, r := range m.rides {
		if match(r) && (found == nil || r.CreatedAt.After(found.CreatedAt)) {
			found = r
		}
	}
	if found == nil {
		return nil, apperr.NotFound(kind, id)
	}
	return found.Clone(), nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, e models.RideEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.RideID] = append(m.events[e.RideID], e)
	return nil
}

func (m *MemoryStore) Events(ctx context.Context, rideID string) ([]models.RideEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]models.RideEvent(nil), m.events[rideID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
