// Package otp issues and checks the one-time code that proves the rider and
// driver have met. A code is consumed by the same write that moves the ride
// to verified, so it can never be used twice.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const Digits = 4

var modulus = big.NewInt(10000)

// Generate returns a uniformly random zero-padded 4-digit code.
func Generate() (string, error) {
	n, err := rand.Int(rand.Reader, modulus)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", Digits, n.Int64()), nil
}

type Gate struct {
	store       storage.TripStore
	attempts    AttemptCounter
	maxAttempts int
	logger      *slog.Logger
}

type Option func(*Gate)

// WithLockout rejects verification with apperr.ErrOTPLocked once a ride has
// seen max failed attempts. max <= 0 disables the lockout.
func WithLockout(counter AttemptCounter, max int) Option {
	return func(g *Gate) {
		g.attempts = counter
		g.maxAttempts = max
	}
}

func NewGate(store storage.TripStore, logger *slog.Logger, opts ...Option) *Gate {
	g := &Gate{store: store, logger: logger}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Gate) lockoutEnabled() bool { return g.attempts != nil && g.maxAttempts > 0 }

// Reset clears the failed-attempt count for rideID. Call it only once a new
// code has been committed for the ride.
func (g *Gate) Reset(ctx context.Context, rideID string) {
	if !g.lockoutEnabled() {
		return
	}
	if err := g.attempts.Reset(ctx, rideID); err != nil {
		g.logger.Warn("reset otp attempts failed", "ride_id", rideID, "error", err)
	}
}

// Verify moves rideID from matched to verified iff code matches the stored
// code after trimming whitespace. A mismatch, or a code that was already
// consumed, yields apperr.ErrInvalidCode.
func (g *Gate) Verify(ctx context.Context, rideID, code string) (*models.Ride, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, apperr.Validation("otp is required")
	}
	if g.lockoutEnabled() {
		n, err := g.attempts.Count(ctx, rideID)
		if err != nil {
			g.logger.Warn("read otp attempts failed", "ride_id", rideID, "error", err)
		} else if n >= int64(g.maxAttempts) {
			observability.OTPFailures.WithLabelValues("locked").Inc()
			return nil, fmt.Errorf("%w: ride %s", apperr.ErrOTPLocked, rideID)
		}
	}

	r, err := g.store.UpdateRideIf(ctx, rideID,
		storage.Condition{Status: models.StatusMatched, OTP: code},
		storage.Mutation{Status: models.StatusVerified, SetOTP: true, OTP: ""})
	if err == nil {
		g.Reset(ctx, rideID)
		return r, nil
	}
	if !errors.Is(err, apperr.ErrStateConflict) {
		return nil, err
	}

	current, gerr := g.store.GetRide(ctx, rideID)
	if gerr != nil {
		return nil, gerr
	}
	switch current.Status {
	case models.StatusMatched:
		observability.OTPFailures.WithLabelValues("mismatch").Inc()
		if g.lockoutEnabled() {
			if _, err := g.attempts.Incr(ctx, rideID); err != nil {
				g.logger.Warn("count otp attempt failed", "ride_id", rideID, "error", err)
			}
		}
		return nil, fmt.Errorf("%w: ride %s", apperr.ErrInvalidCode, rideID)
	case models.StatusVerified:
		observability.OTPFailures.WithLabelValues("consumed").Inc()
		return nil, fmt.Errorf("%w: ride %s already verified", apperr.ErrInvalidCode, rideID)
	default:
		return nil, apperr.Conflict("ride %s is %s, expected %s", rideID, current.Status, models.StatusMatched)
	}
}
