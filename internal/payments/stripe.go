package payments

import (
	"context"
	"fmt"
	"math"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-dispatch/internal/models"
)

// Settler charges a completed ride. Implementations must be safe to call from
// a background goroutine.
type Settler interface {
	Settle(ctx context.Context, ride *models.Ride) error
}

type NopSettler struct{}

func (NopSettler) Settle(context.Context, *models.Ride) error { return nil }

// StripeClient is a thin wrapper around stripe-go for PaymentIntent hold/capture/cancel flows.
type StripeClient struct {
	Currency      string
	PaymentMethod string
}

// NewStripeClient sets the process-wide stripe key. paymentMethod is charged
// for every ride until riders carry their own.
func NewStripeClient(apiKey, currency, paymentMethod string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{Currency: currency, PaymentMethod: paymentMethod}
}

// Settle holds the ride fare and captures it. A failed capture releases the hold.
func (s *StripeClient) Settle(ctx context.Context, ride *models.Ride) error {
	amount := MinorUnits(ride.Fare)
	if amount <= 0 {
		return nil
	}
	id, err := s.Hold(ctx, amount, ride)
	if err != nil {
		return fmt.Errorf("hold ride %s: %w", ride.ID, err)
	}
	if err := s.Capture(ctx, id); err != nil {
		if cerr := s.Cancel(ctx, id); cerr != nil {
			return fmt.Errorf("capture %s: %w (release failed: %v)", id, err, cerr)
		}
		return fmt.Errorf("capture %s: %w", id, err)
	}
	return nil
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// It returns the PaymentIntent ID on success.
func (s *StripeClient) Hold(ctx context.Context, amount int64, ride *models.Ride) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(s.Currency),
	}
	params.Context = ctx
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	if s.PaymentMethod != "" {
		params.PaymentMethod = stripe.String(s.PaymentMethod)
		params.Confirm = stripe.Bool(true)
	}
	params.AddMetadata("ride_id", ride.ID)
	params.AddMetadata("rider_id", ride.RiderID)
	params.AddMetadata("driver_id", ride.DriverID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := paymentintent.Capture(paymentIntentID, params)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(paymentIntentID, params)
	return err
}

// MinorUnits converts a fare to the smallest currency unit.
func MinorUnits(fare float64) int64 {
	return int64(math.Round(fare * 100))
}
