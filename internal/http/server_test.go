package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/otp"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/relay"
	"github.com/example/ride-dispatch/internal/routing"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trip"
	"github.com/example/ride-dispatch/internal/ws"
)

type testEnv struct {
	srv   *httptest.Server
	reg   *registry.Registry
	store *storage.MemoryStore
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(logger)
	t.Cleanup(reg.Close)
	store := storage.NewMemoryStore()
	trips := trip.NewService(store, otp.NewGate(store, logger), routing.Straight{}, pricing.DefaultRateCard(), logger)
	hub := ws.NewHub(logger, time.Second)
	finder := &matcher.Service{Drivers: reg, RadiusKm: matcher.DefaultRadiusKm, StaleTTL: time.Minute}
	coord := dispatch.New(trips, finder, reg, relay.New(routing.Straight{}, hub, logger), hub, logger)
	t.Cleanup(coord.Close)

	s := NewServer(Deps{Coordinator: coord, Trips: trips, Registry: reg, Hub: hub, Logger: logger})
	srv := httptest.NewServer(s)
	t.Cleanup(func() {
		hub.CloseAll()
		srv.Close()
	})
	return &testEnv{srv: srv, reg: reg, store: store}
}

func (e *testEnv) do(t *testing.T, method, path, userID string, role models.Role, body any) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set(headerUserID, userID)
		req.Header.Set(headerUserRole, string(role))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) dial(t *testing.T, userID string, role models.Role) *websocket.Conn {
	t.Helper()
	h := http.Header{}
	h.Set(headerUserID, userID)
	h.Set(headerUserRole, string(role))
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.srv.URL, "http")+"/ws", h)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(models.Envelope{Event: event, Data: data}))
}

// readUntil reads envelopes until one named event arrives.
func readUntil(t *testing.T, conn *websocket.Conn, event string, dst any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var env models.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Event == event {
			if dst != nil {
				require.NoError(t, json.Unmarshal(env.Data, dst))
			}
			return
		}
	}
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func registerDriver(t *testing.T, e *testEnv, id string) *websocket.Conn {
	t.Helper()
	conn := e.dial(t, id, models.RoleDriver)
	send(t, conn, models.EventRegisterDriver, models.RegisterDriver{
		Name:     "Driver " + id,
		Vehicle:  models.Vehicle{Class: "economy", Plate: "KA01AB1234"},
		Location: &models.Coord{Lat: 12.905, Lng: 77.60},
	})
	require.Eventually(t, func() bool {
		_, ok := e.reg.Get(id)
		return ok
	}, time.Second, 10*time.Millisecond)
	return conn
}

func TestHealthAndReady(t *testing.T) {
	e := setupServer(t)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", "", "", nil).StatusCode)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/ready", "", "", nil).StatusCode)
	resp := e.do(t, http.MethodGet, "/metrics", "", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestRideRequiresIdentity(t *testing.T) {
	e := setupServer(t)
	resp := e.do(t, http.MethodPost, "/rides", "", "", models.RequestRide{})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var body models.ErrorMessage
	decodeBody(t, resp, &body)
	assert.Equal(t, "UNAUTHORIZED", body.Code)

	resp = e.do(t, http.MethodPost, "/rides", "d1", models.RoleDriver, models.RequestRide{})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRequestRideValidation(t *testing.T) {
	e := setupServer(t)
	resp := e.do(t, http.MethodPost, "/rides", "u1", models.RoleRider, models.RequestRide{
		Pickup:  models.Coord{},
		Dropoff: models.Coord{Lat: 12.95, Lng: 77.65},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body models.ErrorMessage
	decodeBody(t, resp, &body)
	assert.Equal(t, "VALIDATION_ERROR", body.Code)
}

func TestRideLifecycleOverHTTPAndRealtime(t *testing.T) {
	e := setupServer(t)
	driver := registerDriver(t, e, "d1")

	resp := e.do(t, http.MethodPost, "/rides", "u1", models.RoleRider, models.RequestRide{
		Pickup:       models.Coord{Lat: 12.90, Lng: 77.60},
		Dropoff:      models.Coord{Lat: 12.95, Lng: 77.65},
		VehicleClass: "economy",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var ride models.Ride
	decodeBody(t, resp, &ride)
	assert.Equal(t, models.StatusRequested, ride.Status)
	assert.Greater(t, ride.Fare, 0.0)

	var offer models.IncomingRideRequest
	readUntil(t, driver, models.EventIncomingRideRequest, &offer)
	assert.Equal(t, ride.ID, offer.RideID)

	resp = e.do(t, http.MethodPost, "/rides/"+ride.ID+"/accept", "d1", models.RoleDriver, map[string]string{"driverId": "d1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var accepted struct {
		Status models.RideStatus `json:"status"`
		OTP    string            `json:"otp"`
	}
	decodeBody(t, resp, &accepted)
	assert.Equal(t, models.StatusMatched, accepted.Status)
	require.Len(t, accepted.OTP, 4)

	var assigned models.RideAssigned
	readUntil(t, driver, models.EventRideAssigned, &assigned)
	assert.Equal(t, accepted.OTP, assigned.OTP)

	wrong := "0000"
	if accepted.OTP == wrong {
		wrong = "1111"
	}
	resp = e.do(t, http.MethodPost, "/rides/"+ride.ID+"/verify-otp", "u1", models.RoleRider, map[string]string{"otp": wrong})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/rides/"+ride.ID+"/verify-otp", "u1", models.RoleRider, map[string]string{"otp": accepted.OTP})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readUntil(t, driver, models.EventRideVerified, nil)

	resp = e.do(t, http.MethodGet, "/rides/"+ride.ID, "u1", models.RoleRider, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view struct {
		Status models.RideStatus  `json:"status"`
		Driver *models.DriverInfo `json:"driver"`
	}
	decodeBody(t, resp, &view)
	assert.Equal(t, models.StatusVerified, view.Status)
	require.NotNil(t, view.Driver)
	assert.Equal(t, "Driver d1", view.Driver.Name)

	resp = e.do(t, http.MethodGet, "/rides/"+ride.ID, "u2", models.RoleRider, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	send(t, driver, models.EventCompleteRide, models.RideRef{RideID: ride.ID})
	readUntil(t, driver, models.EventRideCompleted, nil)

	resp = e.do(t, http.MethodGet, "/rides/"+ride.ID+"/events", "u1", models.RoleRider, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []models.RideEvent
	decodeBody(t, resp, &events)
	require.Len(t, events, 4)
	assert.Equal(t, models.StatusCompleted, events[3].ToStatus)
}

func TestAcceptRejectsMismatchedDriverID(t *testing.T) {
	e := setupServer(t)
	resp := e.do(t, http.MethodPost, "/rides/r1/accept", "d1", models.RoleDriver, map[string]string{"driverId": "d2"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCancelUnknownRide(t *testing.T) {
	e := setupServer(t)
	resp := e.do(t, http.MethodPost, "/rides/missing/cancel", "u1", models.RoleRider, map[string]string{"reason": "changed plans"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListDriversFiltersByRadius(t *testing.T) {
	e := setupServer(t)
	registerDriver(t, e, "d1")
	far := models.Coord{Lat: 13.50, Lng: 77.60}
	e.reg.Register("d2", "conn-d2", "Far", models.Vehicle{Class: "economy"}, &far)

	resp := e.do(t, http.MethodGet, "/drivers", "", "", nil)
	var all []models.Driver
	decodeBody(t, resp, &all)
	assert.Len(t, all, 2)

	resp = e.do(t, http.MethodGet, "/drivers?lat=12.90&lng=77.60&radiusKm=5", "", "", nil)
	var near []models.Driver
	decodeBody(t, resp, &near)
	require.Len(t, near, 1)
	assert.Equal(t, "d1", near[0].ID)

	resp = e.do(t, http.MethodGet, "/drivers?lat=200&lng=77.60", "", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRealtimeRejectsUnknownEvent(t *testing.T) {
	e := setupServer(t)
	conn := e.dial(t, "u1", models.RoleRider)
	send(t, conn, "teleport", map[string]string{})

	var msg models.ErrorMessage
	readUntil(t, conn, models.EventError, &msg)
	assert.Equal(t, "VALIDATION_ERROR", msg.Code)

	send(t, conn, models.EventLocationUpdate, models.LocationUpdate{Lat: 12.9, Lng: 77.6})
	readUntil(t, conn, models.EventError, &msg)
	assert.Equal(t, "UNAUTHORIZED", msg.Code)
}

func TestRealtimeDisconnectDetachesDriver(t *testing.T) {
	e := setupServer(t)
	conn := registerDriver(t, e, "d1")
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		_, ok := e.reg.Get("d1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDriverDisconnectDuringOfferCancelsRide(t *testing.T) {
	e := setupServer(t)
	driver := registerDriver(t, e, "d1")
	rider := e.dial(t, "u1", models.RoleRider)

	resp := e.do(t, http.MethodPost, "/rides", "u1", models.RoleRider, models.RequestRide{
		Pickup:       models.Coord{Lat: 12.90, Lng: 77.60},
		Dropoff:      models.Coord{Lat: 12.95, Lng: 77.65},
		VehicleClass: "economy",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var ride models.Ride
	decodeBody(t, resp, &ride)
	readUntil(t, driver, models.EventIncomingRideRequest, nil)

	require.NoError(t, driver.Close())
	readUntil(t, rider, models.EventNoDriversAvailable, nil)

	// By the time the rider hears about it the driver is already gone.
	_, ok := e.reg.Get("d1")
	assert.False(t, ok)

	resp = e.do(t, http.MethodGet, "/rides/"+ride.ID, "u1", models.RoleRider, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got models.Ride
	decodeBody(t, resp, &got)
	assert.Equal(t, models.StatusCancelled, got.Status)
}

func (e *testEnv) matchedRide(t *testing.T, rideID, riderID, code string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, e.store.SaveRide(context.Background(), &models.Ride{
		ID: rideID, RiderID: riderID, DriverID: "d-" + rideID, OTP: code,
		Pickup: models.Coord{Lat: 12.90, Lng: 77.60}, Dropoff: models.Coord{Lat: 12.95, Lng: 77.65},
		Status: models.StatusMatched, CreatedAt: now, MatchedAt: &now, UpdatedAt: now,
	}))
}

func TestVerifyOTPAcceptsNumericCode(t *testing.T) {
	e := setupServer(t)
	e.matchedRide(t, "r1", "u1", "4821")

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/rides/r1/verify-otp", strings.NewReader(`{"otp":4821}`))
	require.NoError(t, err)
	req.Header.Set(headerUserID, "u1")
	req.Header.Set(headerUserRole, string(models.RoleRider))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body models.RideStatusChange
	decodeBody(t, resp, &body)
	assert.Equal(t, models.StatusVerified, body.Status)
}

func TestSubmitOTPOverRealtimeAcceptsNumericCode(t *testing.T) {
	e := setupServer(t)
	e.matchedRide(t, "r2", "u2", "7310")
	conn := e.dial(t, "u2", models.RoleRider)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"submitOtp","data":{"rideId":"r2","code":7310}}`)))

	var change models.RideStatusChange
	readUntil(t, conn, models.EventRideVerified, &change)
	assert.Equal(t, models.StatusVerified, change.Status)
}
