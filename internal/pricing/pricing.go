// Package pricing turns a routed trip into a fare estimate. It stands in for
// the external pricing catalog.
package pricing

import (
	"math"
	"strings"

	"github.com/example/ride-dispatch/internal/apperr"
)

type Rate struct {
	Base   float64
	PerKm  float64
	PerMin float64
	// Minimum fare charged regardless of distance.
	Minimum float64
}

// RateCard maps a vehicle class to its rate. Lookups are case-insensitive.
type RateCard map[string]Rate

func DefaultRateCard() RateCard {
	return RateCard{
		"bike":    {Base: 15, PerKm: 6, PerMin: 0.5, Minimum: 25},
		"auto":    {Base: 25, PerKm: 11, PerMin: 1, Minimum: 35},
		"economy": {Base: 40, PerKm: 14, PerMin: 1.5, Minimum: 80},
		"premium": {Base: 70, PerKm: 20, PerMin: 2.5, Minimum: 150},
	}
}

// Quote returns the fare rounded to two decimals.
func (c RateCard) Quote(vehicleClass string, distanceKm, durationMin float64) (float64, error) {
	rate, ok := c[strings.ToLower(vehicleClass)]
	if !ok {
		return 0, apperr.Validation("unknown vehicle class %q", vehicleClass)
	}
	fare := rate.Base + rate.PerKm*distanceKm + rate.PerMin*durationMin
	if fare < rate.Minimum {
		fare = rate.Minimum
	}
	return math.Round(fare*100) / 100, nil
}

// Knows reports whether vehicleClass has a rate.
func (c RateCard) Knows(vehicleClass string) bool {
	_, ok := c[strings.ToLower(vehicleClass)]
	return ok
}
