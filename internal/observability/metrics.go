package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DriversOnline         = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_online", Help: "Number of online drivers"})
	RegistryEventsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "registry_events_dropped_total", Help: "Driver events dropped because the observer buffer was full"})
	RealtimeConnections   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "realtime_connections", Help: "Open realtime sessions"})

	RidesRequestedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_requested_total", Help: "Total ride requests accepted for dispatch"})
	MatchesTotal        = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "matches_total", Help: "Total number of matches"})
	MatchLatency        = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_dispatch",
		Name:      "match_latency_seconds",
		Help:      "Time from ride request to driver match",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60},
	})
	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "dispatch_outcomes_total", Help: "How dispatch rounds ended"},
		[]string{"outcome"},
	)
	StateConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "state_conflicts_total", Help: "Lost check-and-set races by operation"},
		[]string{"op"},
	)
	OTPFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "otp_failures_total", Help: "Rejected OTP submissions"},
		[]string{"reason"},
	)

	RelayForwarded = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "relay_forwarded_total", Help: "Driver locations forwarded to riders"})
	RelayDropped   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "relay_dropped_total", Help: "Driver locations not forwarded"},
		[]string{"reason"},
	)
	RoutingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "routing_fallbacks_total", Help: "Routing lookups answered with a straight-line estimate"},
		[]string{"provider"},
	)
	Settlements = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "settlements_total", Help: "Payment settlements after completion"},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
