package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/trip"
	"github.com/example/ride-dispatch/internal/ws"
)

// NearbyFinder answers dashboard proximity queries from a shared index.
type NearbyFinder interface {
	Nearby(ctx context.Context, c models.Coord, radiusKm float64, limit int) ([]models.Driver, error)
}

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

type Deps struct {
	Coordinator *dispatch.Coordinator
	Trips       *trip.Service
	Registry    *registry.Registry
	Hub         *ws.Hub
	Nearby      NearbyFinder
	ReadyChecks map[string]ReadyCheck
	CORSOrigins []string
	Logger      *slog.Logger
}

type Server struct {
	coord    *dispatch.Coordinator
	trips    *trip.Service
	registry *registry.Registry
	hub      *ws.Hub
	nearby   NearbyFinder
	ready    map[string]ReadyCheck
	logger   *slog.Logger

	mux      *mux.Router
	handler  http.Handler
	upgrader websocket.Upgrader
}

func NewServer(d Deps) *Server {
	s := &Server{
		coord:    d.Coordinator,
		trips:    d.Trips,
		registry: d.Registry,
		hub:      d.Hub,
		nearby:   d.Nearby,
		ready:    d.ReadyChecks,
		logger:   d.Logger,
		mux:      mux.NewRouter(),
		// Origins are enforced by the CORS handler and the gateway.
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.registerMiddleware()
	s.routes()
	s.handler = handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", headerUserID, headerUserRole, "X-Request-ID"}),
	)(s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/rides", s.handleRequestRide).Methods(http.MethodPost)
	s.mux.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	s.mux.HandleFunc("/rides/{id}/events", s.handleRideEvents).Methods(http.MethodGet)
	s.mux.HandleFunc("/rides/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	s.mux.HandleFunc("/rides/{id}/reject", s.handleReject).Methods(http.MethodPost)
	s.mux.HandleFunc("/rides/{id}/verify-otp", s.handleVerifyOTP).Methods(http.MethodPost)
	s.mux.HandleFunc("/rides/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	s.mux.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	s.mux.HandleFunc("/drivers", s.handleDrivers).Methods(http.MethodGet)
	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); _, _ = w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	for name, check := range s.ready {
		if err := check(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "dependency", name, "error", err)
			http.Error(w, name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
