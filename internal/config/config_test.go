package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 60*time.Second, cfg.DispatchTimeout)
	assert.Equal(t, 60*time.Second, cfg.DriverStaleTTL)
	assert.Equal(t, 15.0, cfg.MatchRadiusKm)
	assert.Zero(t, cfg.MatcherTopN)
	assert.Zero(t, cfg.OTPMaxAttempts)
	assert.Equal(t, "ride-events", cfg.KafkaRideEventsTopic)
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("DISPATCH_TIMEOUT", "45s")
	t.Setenv("MATCHER_TOP_N", "5")
	t.Setenv("OTP_MAX_ATTEMPTS", "3")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("MIGRATE", "TRUE")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 45*time.Second, cfg.DispatchTimeout)
	assert.Equal(t, 5, cfg.MatcherTopN)
	assert.Equal(t, 3, cfg.OTPMaxAttempts)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.RunMigrations)
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("DISPATCH_TIMEOUT", "soon")
	t.Setenv("MATCH_RADIUS_KM", "-1")
	t.Setenv("MATCHER_TOP_N", "many")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid DISPATCH_TIMEOUT")
	assert.Contains(t, err.Error(), "MATCH_RADIUS_KM must be > 0")
	assert.Contains(t, err.Error(), "invalid MATCHER_TOP_N")
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_BROKER", "broker:9092")
	t.Setenv("CONSUMER_RETRY_ATTEMPTS", "0")

	cfg, err := LoadConsumerConfig()
	require.Error(t, err)
	assert.Equal(t, []string{"broker:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "driver-locations", cfg.Topic)
}
