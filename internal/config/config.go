package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	WSWriteTimeout  time.Duration
	CORSOrigins     []string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	RedisMetaTTL  time.Duration

	KafkaBrokers         []string
	KafkaLocationsTopic  string
	KafkaRideEventsTopic string

	PGDSN         string
	RunMigrations bool

	DispatchTimeout time.Duration
	DriverStaleTTL  time.Duration
	MatchRadiusKm   float64
	// MatcherTopN caps how many drivers receive an offer; 0 offers to all in range.
	MatcherTopN int

	OSRMEndpoint     string
	GoogleMapsAPIKey string
	RouteCacheTTL    time.Duration
	DefaultSpeedKmh  float64

	OTPMaxAttempts int
	OTPLockoutTTL  time.Duration

	StripeAPIKey        string
	StripeCurrency      string
	StripePaymentMethod string

	LogLevel         string
	OTLPEndpoint     string
	TraceSampleRatio float64
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		WSWriteTimeout:       5 * time.Second,
		CORSOrigins:          []string{"*"},
		RedisGeoKey:          "drivers_geo",
		RedisMetaTTL:         10 * time.Minute,
		KafkaLocationsTopic:  "driver-locations",
		KafkaRideEventsTopic: "ride-events",
		DispatchTimeout:      60 * time.Second,
		DriverStaleTTL:       60 * time.Second,
		MatchRadiusKm:        15,
		RouteCacheTTL:        30 * time.Second,
		DefaultSpeedKmh:      28.8,
		OTPLockoutTTL:        15 * time.Minute,
		StripeCurrency:       "inr",
		StripePaymentMethod:  "pm_card_visa",
		LogLevel:             "info",
		TraceSampleRatio:     1,
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WSWriteTimeout, "WS_WRITE_TIMEOUT", &errs)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitAndTrim(origins)
	}

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setDurationFromEnv(&cfg.RedisMetaTTL, "REDIS_META_TTL", &errs)

	cfg.KafkaBrokers = brokersFromEnv()
	setStringFromEnv(&cfg.KafkaLocationsTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaRideEventsTopic, "KAFKA_RIDE_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	setDurationFromEnv(&cfg.DispatchTimeout, "DISPATCH_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.DriverStaleTTL, "DRIVER_STALE_TTL", &errs)
	setFloatFromEnv(&cfg.MatchRadiusKm, "MATCH_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	cfg.GoogleMapsAPIKey = os.Getenv("GOOGLE_MAPS_API_KEY")
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedKmh, "DEFAULT_SPEED_KMH", &errs)

	setIntFromEnv(&cfg.OTPMaxAttempts, "OTP_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.OTPLockoutTTL, "OTP_LOCKOUT_TTL", &errs)

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.StripeCurrency, "STRIPE_CURRENCY")
	setStringFromEnv(&cfg.StripePaymentMethod, "STRIPE_PAYMENT_METHOD")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setFloatFromEnv(&cfg.TraceSampleRatio, "OTEL_TRACE_SAMPLE_RATIO", &errs)

	if cfg.MatcherTopN < 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be >= 0"))
	}
	if cfg.MatchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_RADIUS_KM must be > 0"))
	}
	if cfg.DispatchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_TIMEOUT must be > 0"))
	}
	if cfg.OTPMaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("OTP_MAX_ATTEMPTS must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the Kafka to Redis presence mirror.
type ConsumerConfig struct {
	KafkaBrokers []string
	Topic        string
	Group        string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	RedisMetaTTL  time.Duration

	Attempts     int
	RetryBackoff time.Duration
	LogLevel     string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		Topic:        "driver-locations",
		Group:        "ride-dispatch-presence",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "drivers_geo",
		RedisMetaTTL: 10 * time.Minute,
		Attempts:     3,
		RetryBackoff: 200 * time.Millisecond,
		LogLevel:     "info",
	}
	var errs []error

	if brokers := brokersFromEnv(); len(brokers) > 0 {
		cfg.KafkaBrokers = brokers
	}
	setStringFromEnv(&cfg.Topic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.Group, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setDurationFromEnv(&cfg.RedisMetaTTL, "REDIS_META_TTL", &errs)
	setIntFromEnv(&cfg.Attempts, "CONSUMER_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryBackoff, "CONSUMER_RETRY_BACKOFF", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.Attempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_RETRY_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func brokersFromEnv() []string {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers == "" {
		return nil
	}
	return splitAndTrim(brokers)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
