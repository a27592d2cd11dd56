package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Realtime channel event names.
const (
	EventError = "error"

	// driver -> server
	EventRegisterDriver = "registerDriver"
	EventLocationUpdate = "locationUpdate"
	EventSetPresence    = "setPresence"
	EventAcceptRide     = "acceptRide"
	EventRejectRide     = "rejectRide"
	EventCompleteRide   = "completeRide"

	// server -> driver
	EventIncomingRideRequest   = "incomingRideRequest"
	EventRideNoLongerAvailable = "rideNoLongerAvailable"
	EventRideAssigned          = "rideAssigned"
	EventActiveRide            = "activeRide"

	// rider -> server
	EventRequestRide = "requestRide"
	EventCancelRide  = "cancelRide"
	EventSubmitOTP   = "submitOtp"

	// server -> rider
	EventRideRequested        = "rideRequested"
	EventDriverMatched        = "driverMatched"
	EventNoDriversAvailable   = "noDriversAvailable"
	EventDriverLocationUpdate = "driverLocationUpdate"
	EventRideCompleted        = "rideCompleted"
	EventDriverDisconnected   = "driverDisconnected"

	// both parties
	EventRideCancelled = "rideCancelled"
	EventRideVerified  = "rideVerified"
)

// Envelope is the frame exchanged on the realtime channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type RegisterDriver struct {
	DriverID string  `json:"driverId"`
	Name     string  `json:"name"`
	Vehicle  Vehicle `json:"vehicle"`
	Location *Coord  `json:"location,omitempty"`
}

type LocationUpdate struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

type SetPresence struct {
	Online bool `json:"online"`
}

type RideRef struct {
	RideID string `json:"rideId"`
}

type RequestRide struct {
	Pickup         Coord  `json:"pickup"`
	Dropoff        Coord  `json:"dropoff"`
	PickupAddress  string `json:"pickupAddress,omitempty"`
	DropoffAddress string `json:"dropoffAddress,omitempty"`
	VehicleClass   string `json:"vehicleClass"`
}

type CancelRide struct {
	RideID string `json:"rideId"`
	Reason string `json:"reason,omitempty"`
}

type SubmitOTP struct {
	RideID string  `json:"rideId"`
	Code   OTPCode `json:"code"`
}

// OTPCode accepts the code as a JSON string or number; clients differ.
type OTPCode string

func (c *OTPCode) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*c = ""
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = OTPCode(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("otp must be a string or number: %w", err)
	}
	*c = OTPCode(n.String())
	return nil
}

type IncomingRideRequest struct {
	RideID           string  `json:"rideId"`
	Pickup           Coord   `json:"pickup"`
	Dropoff          Coord   `json:"dropoff"`
	PickupAddress    string  `json:"pickupAddress,omitempty"`
	DropoffAddress   string  `json:"dropoffAddress,omitempty"`
	Distance         float64 `json:"distance"`
	PickupDistanceKm float64 `json:"pickupDistanceKm"`
	FareEstimate     float64 `json:"fareEstimate"`
	ExpiresAt        string  `json:"expiresAt,omitempty"`
}

type DriverInfo struct {
	DriverID string  `json:"driverId"`
	Name     string  `json:"name,omitempty"`
	Vehicle  Vehicle `json:"vehicle"`
	Location *Coord  `json:"location,omitempty"`
}

type DriverMatched struct {
	RideID     string     `json:"rideId"`
	DriverInfo DriverInfo `json:"driverInfo"`
}

type RideAssigned struct {
	RideID         string `json:"rideId"`
	RiderID        string `json:"riderId"`
	OTP            string `json:"otp"`
	Pickup         Coord  `json:"pickup"`
	Dropoff        Coord  `json:"dropoff"`
	PickupAddress  string `json:"pickupAddress,omitempty"`
	DropoffAddress string `json:"dropoffAddress,omitempty"`
}

type RideStatusChange struct {
	RideID string     `json:"rideId"`
	Status RideStatus `json:"status"`
	Reason string     `json:"reason,omitempty"`
}

type DriverLocationUpdate struct {
	RideID     string    `json:"rideId"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	ETA        float64   `json:"eta"`
	DistanceKm float64   `json:"distanceKm"`
	Degraded   bool      `json:"degraded,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ActiveRide is sent to a driver who reconnects while holding a ride.
type ActiveRide struct {
	RideAssigned
	Status RideStatus `json:"status"`
}

type DriverDisconnected struct {
	RideID   string `json:"rideId"`
	DriverID string `json:"driverId"`
}
