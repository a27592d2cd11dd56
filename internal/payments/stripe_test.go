package payments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v74"

	"github.com/example/ride-dispatch/internal/models"
)

func TestMinorUnits(t *testing.T) {
	assert.EqualValues(t, 14250, MinorUnits(142.5))
	assert.EqualValues(t, 1999, MinorUnits(19.99))
	assert.EqualValues(t, 0, MinorUnits(0))
}

func TestStripeSettleHoldsThenCaptures(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()
		if r.URL.Path == "/v1/payment_intents" {
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "14250", r.PostForm.Get("amount"))
			assert.Equal(t, "manual", r.PostForm.Get("capture_method"))
			assert.Equal(t, "r1", r.PostForm.Get("metadata[ride_id]"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_123","object":"payment_intent","status":"requires_capture"}`))
	}))
	defer srv.Close()

	stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
	}))
	client := NewStripeClient("sk_test_123", "inr", "pm_card_visa")

	err := client.Settle(context.Background(), &models.Ride{ID: "r1", RiderID: "u1", DriverID: "d1", Fare: 142.5})
	require.NoError(t, err)
	assert.Equal(t, []string{"POST /v1/payment_intents", "POST /v1/payment_intents/pi_123/capture"}, calls)
}

func TestNopSettler(t *testing.T) {
	assert.NoError(t, NopSettler{}.Settle(context.Background(), &models.Ride{Fare: 10}))
}
