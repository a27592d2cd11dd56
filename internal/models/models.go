package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether c is a usable WGS84 position. The zero value is
// treated as "no fix" since clients send 0,0 before GPS settles.
func (c Coord) Valid() bool {
	if c.Lat == 0 && c.Lng == 0 {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

type Vehicle struct {
	Class string `json:"class"`
	Make  string `json:"make,omitempty"`
	Model string `json:"model,omitempty"`
	Plate string `json:"plate,omitempty"`
	Color string `json:"color,omitempty"`
}

// Driver is the registry's view of a connected driver. It is session scoped;
// the ride assignment that survives reconnects lives on Ride.DriverID.
type Driver struct {
	ID        string    `json:"id"`
	ConnID    string    `json:"-"`
	Name      string    `json:"name"`
	Vehicle   Vehicle   `json:"vehicle"`
	Loc       Coord     `json:"loc"`
	Located   bool      `json:"located"`
	LocatedAt time.Time `json:"located_at"`
	Online    bool      `json:"online"`
	Busy      bool      `json:"busy"`
	RideID    string    `json:"ride_id,omitempty"`
}

type RideStatus string

const (
	StatusRequested RideStatus = "requested"
	StatusMatched   RideStatus = "matched"
	StatusVerified  RideStatus = "verified"
	StatusCompleted RideStatus = "completed"
	StatusCancelled RideStatus = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Active reports whether a ride in status s occupies its driver.
func (s RideStatus) Active() bool {
	return s == StatusMatched || s == StatusVerified
}

type Ride struct {
	ID             string     `json:"id"`
	RiderID        string     `json:"rider_id"`
	DriverID       string     `json:"driver_id,omitempty"`
	Pickup         Coord      `json:"pickup"`
	Dropoff        Coord      `json:"dropoff"`
	PickupAddress  string     `json:"pickup_address,omitempty"`
	DropoffAddress string     `json:"dropoff_address,omitempty"`
	VehicleClass   string     `json:"vehicle_class"`
	DistanceKm     float64    `json:"distance_km"`
	DurationMin    float64    `json:"duration_min"`
	Fare           float64    `json:"fare"`
	Polyline       string     `json:"polyline,omitempty"`
	OTP            string     `json:"-"`
	Status         RideStatus `json:"status"`
	CancelReason   string     `json:"cancel_reason,omitempty"`
	CancelledBy    string     `json:"cancelled_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	MatchedAt      *time.Time `json:"matched_at,omitempty"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Clone returns a deep copy so stores can hand out rides without sharing
// timestamp pointers with their internal state.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	c.MatchedAt = cloneTime(r.MatchedAt)
	c.VerifiedAt = cloneTime(r.VerifiedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
	RoleSystem Role = "system"
)

// Actor is the already-authenticated identity behind a request.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

var SystemActor = Actor{ID: "dispatcher", Role: RoleSystem}

// RideEvent is one row of a ride's transition log.
type RideEvent struct {
	RideID     string     `json:"ride_id" db:"ride_id"`
	FromStatus RideStatus `json:"from_status" db:"from_status"`
	ToStatus   RideStatus `json:"to_status" db:"to_status"`
	ActorRole  Role       `json:"actor_role" db:"actor_role"`
	ActorID    string     `json:"actor_id" db:"actor_id"`
	DriverID   string     `json:"driver_id,omitempty" db:"driver_id"`
	Reason     string     `json:"reason,omitempty" db:"reason"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

type DriverEventType string

const (
	DriverRegistered DriverEventType = "registered"
	DriverMoved      DriverEventType = "moved"
	DriverPresence   DriverEventType = "presence"
	DriverBusy       DriverEventType = "busy"
	DriverRemoved    DriverEventType = "removed"
)

// DriverEvent is broadcast by the registry on every mutation.
type DriverEvent struct {
	Type   DriverEventType `json:"type"`
	Driver Driver          `json:"driver"`
	Cell   string          `json:"cell,omitempty"`
	At     time.Time       `json:"at"`
}
