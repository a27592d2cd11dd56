package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver presence messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

var cli = struct {
	MetricsAddr string `name:"metrics-addr" env:"METRICS_ADDR" default:":2112" help:"Address to serve metrics and health on."`
}{}

func main() {
	kong.Parse(&cli, kong.Description("Mirrors driver presence events from Kafka into the Redis geo index."))
	if err := run(); err != nil {
		log.Fatalf("presence-consumer: %v", err)
	}
}

func run() error {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewLogger("presence-consumer", cfg.LogLevel)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer func() { _ = rc.Close() }()

	go serveOps(cli.MetricsAddr, rc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.Topic, GroupID: cfg.Group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() { _ = r.Close() }()

	c := &consumer{
		mirror:   geo.NewRedisGeo(rc, cfg.RedisGeoKey, cfg.RedisMetaTTL),
		attempts: cfg.Attempts,
		delay:    cfg.RetryBackoff,
		logger:   logger,
	}
	logger.Info("consumer listening", "topic", cfg.Topic, "brokers", cfg.KafkaBrokers, "group", cfg.Group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return nil
			}
			logger.Warn("kafka read failed", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		c.process(ctx, m.Value)
	}
}

func serveOps(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server stopped", "error", err)
	}
}

type consumer struct {
	mirror   geo.Mirror
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

// process decodes one presence event and applies it. Bad payloads and
// exhausted retries are counted and skipped so one message cannot stall the
// partition.
func (c *consumer) process(ctx context.Context, value []byte) {
	msgsConsumed.Inc()

	var ev models.DriverEvent
	if err := json.Unmarshal(value, &ev); err != nil || ev.Driver.ID == "" {
		msgsInvalid.Inc()
		c.logger.Warn("invalid message", "error", err)
		return
	}
	if err := applyWithRetry(ctx, c.mirror, ev, c.attempts, c.delay); err != nil {
		redisErrors.Inc()
		c.logger.Error("redis update failed", "driver_id", ev.Driver.ID, "type", ev.Type, "error", err)
		return
	}
	redisUpdates.Inc()
}

// applyWithRetry applies ev, doubling delay between attempts.
func applyWithRetry(ctx context.Context, m geo.Mirror, ev models.DriverEvent, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = m.Apply(ctx, ev); err == nil {
			return nil
		}
		if i == attempts-1 || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
