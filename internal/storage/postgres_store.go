package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle; driverName is the name the
// handle was opened with.
func NewPostgresStoreFromDB(db *sql.DB, driverName string) *PostgresStore {
	return &PostgresStore{db: sqlx.NewDb(db, driverName)}
}

func (p *PostgresStore) DB() *sql.DB { return p.db.DB }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

type rideRow struct {
	ID             string     `db:"id"`
	RiderID        string     `db:"rider_id"`
	DriverID       string     `db:"driver_id"`
	PickupLat      float64    `db:"pickup_lat"`
	PickupLng      float64    `db:"pickup_lng"`
	DropoffLat     float64    `db:"dropoff_lat"`
	DropoffLng     float64    `db:"dropoff_lng"`
	PickupAddress  string     `db:"pickup_address"`
	DropoffAddress string     `db:"dropoff_address"`
	VehicleClass   string     `db:"vehicle_class"`
	DistanceKm     float64    `db:"distance_km"`
	DurationMin    float64    `db:"duration_min"`
	Fare           float64    `db:"fare"`
	Polyline       string     `db:"polyline"`
	OTP            string     `db:"otp"`
	Status         string     `db:"status"`
	CancelReason   string     `db:"cancel_reason"`
	CancelledBy    string     `db:"cancelled_by"`
	CreatedAt      time.Time  `db:"created_at"`
	MatchedAt      *time.Time `db:"matched_at"`
	VerifiedAt     *time.Time `db:"verified_at"`
	CompletedAt    *time.Time `db:"completed_at"`
	CancelledAt    *time.Time `db:"cancelled_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

func (r rideRow) toRide() *models.Ride {
	return &models.Ride{
		ID:             r.ID,
		RiderID:        r.RiderID,
		DriverID:       r.DriverID,
		Pickup:         models.Coord{Lat: r.PickupLat, Lng: r.PickupLng},
		Dropoff:        models.Coord{Lat: r.DropoffLat, Lng: r.DropoffLng},
		PickupAddress:  r.PickupAddress,
		DropoffAddress: r.DropoffAddress,
		VehicleClass:   r.VehicleClass,
		DistanceKm:     r.DistanceKm,
		DurationMin:    r.DurationMin,
		Fare:           r.Fare,
		Polyline:       r.Polyline,
		OTP:            r.OTP,
		Status:         models.RideStatus(r.Status),
		CancelReason:   r.CancelReason,
		CancelledBy:    r.CancelledBy,
		CreatedAt:      r.CreatedAt,
		MatchedAt:      r.MatchedAt,
		VerifiedAt:     r.VerifiedAt,
		CompletedAt:    r.CompletedAt,
		CancelledAt:    r.CancelledAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

const rideColumns = `id, rider_id, driver_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
	pickup_address, dropoff_address, vehicle_class, distance_km, duration_min, fare, polyline, otp,
	status, cancel_reason, cancelled_by, created_at, matched_at, verified_at, completed_at, cancelled_at, updated_at`

func (p *PostgresStore) SaveRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides (`+rideColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`,
		r.ID, r.RiderID, r.DriverID, r.Pickup.Lat, r.Pickup.Lng, r.Dropoff.Lat, r.Dropoff.Lng,
		r.PickupAddress, r.DropoffAddress, r.VehicleClass, r.DistanceKm, r.DurationMin, r.Fare, r.Polyline, r.OTP,
		string(r.Status), r.CancelReason, r.CancelledBy, r.CreatedAt, r.MatchedAt, r.VerifiedAt, r.CompletedAt, r.CancelledAt, r.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.Conflict("ride %s already exists", r.ID)
	}
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	var row rideRow
	err := p.db.GetContext(ctx, &row, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("ride", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get ride %s: %w", id, err)
	}
	return row.toRide(), nil
}

const updateRideIfQuery = `UPDATE rides SET
	status = $1,
	driver_id = CASE WHEN $2::text <> '' THEN $2::text ELSE driver_id END,
	otp = CASE WHEN $3::boolean THEN $4::text ELSE otp END,
	cancel_reason = CASE WHEN $5::text <> '' THEN $5::text ELSE cancel_reason END,
	cancelled_by = CASE WHEN $6::text <> '' THEN $6::text ELSE cancelled_by END,
	matched_at = CASE WHEN $1 = 'matched' THEN $7 ELSE matched_at END,
	verified_at = CASE WHEN $1 = 'verified' THEN $7 ELSE verified_at END,
	completed_at = CASE WHEN $1 = 'completed' THEN $7 ELSE completed_at END,
	cancelled_at = CASE WHEN $1 = 'cancelled' THEN $7 ELSE cancelled_at END,
	updated_at = $7
WHERE id = $8 AND status = $9
	AND ($10::text = '' OR btrim(otp) = $10::text)
	AND ($11::text = '' OR driver_id = $11::text)
RETURNING ` + rideColumns

func (p *PostgresStore) UpdateRideIf(ctx context.Context, id string, cond Condition, m Mutation) (*models.Ride, error) {
	at := m.At
	if at.IsZero() {
		at = time.Now()
	}
	var row rideRow
	err := p.db.GetContext(ctx, &row, updateRideIfQuery,
		string(m.Status), m.DriverID, m.SetOTP, m.OTP, m.CancelReason, m.CancelledBy, at,
		id, string(cond.Status), cond.OTP, cond.DriverID)
	switch {
	case err == nil:
		return row.toRide(), nil
	case isUniqueViolation(err):
		return nil, apperr.Conflict("driver %s already holds an active ride", m.DriverID)
	case errors.Is(err, sql.ErrNoRows):
		current, gerr := p.GetRide(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if err := unmet(current, cond); err != nil {
			return nil, err
		}
		return nil, apperr.Conflict("ride %s changed concurrently", id)
	default:
		return nil, fmt.Errorf("update ride %s: %w", id, err)
	}
}

func (p *PostgresStore) ActiveRideForDriver(ctx context.Context, driverID string) (*models.Ride, error) {
	return p.latest(ctx, "driver ride", driverID,
		`SELECT `+rideColumns+` FROM rides WHERE driver_id = $1 AND status IN ('matched','verified') ORDER BY created_at DESC LIMIT 1`)
}

func (p *PostgresStore) ActiveRideForRider(ctx context.Context, riderID string) (*models.Ride, error) {
	return p.latest(ctx, "rider ride", riderID,
		`SELECT `+rideColumns+` FROM rides WHERE rider_id = $1 AND status IN ('requested','matched','verified') ORDER BY created_at DESC LIMIT 1`)
}

func (p *PostgresStore) RequestedBefore(ctx context.Context, cutoff time.Time) ([]*models.Ride, error) {
	var rows []rideRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT `+rideColumns+` FROM rides WHERE status = 'requested' AND created_at < $1 ORDER BY created_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list requested rides: %w", err)
	}
	out := make([]*models.Ride, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRide())
	}
	return out, nil
}

func (p *PostgresStore) latest(ctx context.Context, kind, id, query string) (*models.Ride, error) {
	var row rideRow
	err := p.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(kind, id)
	}
	if err != nil {
		return nil, fmt.Errorf("find %s %s: %w", kind, id, err)
	}
	return row.toRide(), nil
}

func (p *PostgresStore) AppendEvent(ctx context.Context, e models.RideEvent) error {
	_, err := p.db.NamedExecContext(ctx, `INSERT INTO ride_events
		(ride_id, from_status, to_status, actor_role, actor_id, driver_id, reason, created_at)
		VALUES (:ride_id, :from_status, :to_status, :actor_role, :actor_id, :driver_id, :reason, :created_at)`, e)
	return err
}

func (p *PostgresStore) Events(ctx context.Context, rideID string) ([]models.RideEvent, error) {
	var out []models.RideEvent
	err := p.db.SelectContext(ctx, &out, `SELECT ride_id, from_status, to_status, actor_role, actor_id, driver_id, reason, created_at
		FROM ride_events WHERE ride_id = $1 ORDER BY created_at, id`, rideID)
	if err != nil {
		return nil, fmt.Errorf("list events %s: %w", rideID, err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
