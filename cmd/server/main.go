package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/otp"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/relay"
	"github.com/example/ride-dispatch/internal/routing"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trip"
	"github.com/example/ride-dispatch/internal/ws"
)

var cli = struct {
	Migrate  bool   `name:"migrate" env:"MIGRATE" help:"Apply database migrations before serving."`
	LogLevel string `name:"log-level" help:"Override LOG_LEVEL."`
}{}

func main() {
	kong.Parse(&cli, kong.Description("Ride dispatch API: realtime driver matching and trip lifecycle."))
	if err := run(); err != nil {
		log.Fatalf("dispatch-api: %v", err)
	}
}

func run() error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
	cfg.RunMigrations = cfg.RunMigrations || cli.Migrate
	logger := logging.NewLogger("dispatch-api", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, "dispatch-api", cfg.OTLPEndpoint, cfg.TraceSampleRatio)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	ready := map[string]httpapi.ReadyCheck{}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	if pg, ok := store.(*storage.PostgresStore); ok {
		ready["postgres"] = pg.Ping
	}

	var rdb *redis.Client
	var nearby httpapi.NearbyFinder
	var redisGeo *geo.RedisGeo
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer func() { _ = rdb.Close() }()
		redisGeo = geo.NewRedisGeo(rdb, cfg.RedisGeoKey, cfg.RedisMetaTTL)
		nearby = redisGeo
		ready["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	gateOpts := []otp.Option{}
	if cfg.OTPMaxAttempts > 0 {
		var counter otp.AttemptCounter = otp.NewMemoryAttempts(cfg.OTPLockoutTTL)
		if rdb != nil {
			counter = otp.NewRedisAttempts(rdb, cfg.OTPLockoutTTL)
		}
		gateOpts = append(gateOpts, otp.WithLockout(counter, cfg.OTPMaxAttempts))
	}
	gate := otp.NewGate(store, logger, gateOpts...)

	router := newRouter(cfg, logger)

	reg := registry.New(logger)
	defer reg.Close()

	tripOpts := []trip.Option{}
	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationsTopic, cfg.KafkaRideEventsTopic, logger)
		reg.Subscribe(producer)
		tripOpts = append(tripOpts, trip.WithPublisher(producer))
		logger.Info("kafka publishing enabled", "brokers", cfg.KafkaBrokers)
	} else if redisGeo != nil {
		// Without Kafka the API keeps the shared index current itself.
		reg.Subscribe(&ingest.MirrorObserver{Mirror: redisGeo, Timeout: 2 * time.Second, Logger: logger})
	}

	trips := trip.NewService(store, gate, router, pricing.DefaultRateCard(), logger, tripOpts...)
	// Any round older than the dispatch timeout belonged to a process that is gone.
	expired, err := trips.ExpireStale(ctx, cfg.DispatchTimeout, dispatch.InterruptedReason)
	if err != nil {
		logger.Error("expire stale rides failed", "error", err)
	} else if len(expired) > 0 {
		logger.Info("expired stale rides", "count", len(expired))
	}
	hub := ws.NewHub(logger, cfg.WSWriteTimeout)
	finder := &matcher.Service{Drivers: reg, RadiusKm: cfg.MatchRadiusKm, StaleTTL: cfg.DriverStaleTTL, TopN: cfg.MatcherTopN}

	var settler payments.Settler = payments.NopSettler{}
	if cfg.StripeAPIKey != "" {
		settler = payments.NewStripeClient(cfg.StripeAPIKey, cfg.StripeCurrency, cfg.StripePaymentMethod)
	}

	coord := dispatch.New(trips, finder, reg, relay.New(router, hub, logger), hub, logger,
		dispatch.WithTimeout(cfg.DispatchTimeout), dispatch.WithSettler(settler))

	api := httpapi.NewServer(httpapi.Deps{
		Coordinator: coord,
		Trips:       trips,
		Registry:    reg,
		Hub:         hub,
		Nearby:      nearby,
		ReadyChecks: ready,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dispatch-api listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	coord.Close()
	hub.CloseAll()
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Warn("kafka producer close failed", "error", err)
		}
	}
	return nil
}

// openStore picks Postgres when a DSN is configured, otherwise an in-process
// store suitable for a single instance.
func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.TripStore, func(), error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, rides are kept in memory")
		return storage.NewMemoryStore(), func() {}, nil
	}
	pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.RunMigrations {
		if err := storage.Migrate(pg.DB()); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		logger.Info("migrations applied")
	}
	return pg, func() { _ = pg.Close() }, nil
}

// newRouter layers the configured road router under a cache, with a
// straight-line estimate when it fails.
func newRouter(cfg config.ServerConfig, logger *slog.Logger) routing.Router {
	var next routing.Router
	provider := "none"
	switch {
	case cfg.GoogleMapsAPIKey != "":
		g, err := routing.NewGoogleClient(cfg.GoogleMapsAPIKey)
		if err != nil {
			logger.Warn("google maps client unavailable", "error", err)
			break
		}
		next, provider = g, "google"
	case cfg.OSRMEndpoint != "":
		next, provider = routing.NewOSRMClient(cfg.OSRMEndpoint), "osrm"
	}
	if next != nil && cfg.RouteCacheTTL > 0 {
		next = &routing.Cached{Next: next, Cache: routing.NewCache(cfg.RouteCacheTTL)}
	}
	logger.Info("routing configured", "provider", provider)
	return &routing.Fallback{Next: next, Provider: provider, SpeedKmh: cfg.DefaultSpeedKmh, Logger: logger}
}
