package config

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 2000.0, cfg.DeviationThresholdMeters)
	assert.Equal(t, 10*time.Minute, cfg.SignalSilenceWindow)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, []time.Duration{5 * time.Minute, 15 * time.Minute, time.Hour}, cfg.RateLimitEscalation)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.False(t, cfg.RunMigrations)
	assert.Empty(t, cfg.TrustedProxies)
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("SIGNAL_SILENCE_WINDOW", "90s")
	t.Setenv("RATE_LIMIT_ESCALATION", "1m,2m")
	t.Setenv("RATE_LIMIT_BLOCK_AFTER", "5")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 192.168.1.7")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.RunMigrations)
	assert.Equal(t, 90*time.Second, cfg.SignalSilenceWindow)
	assert.Equal(t, []time.Duration{time.Minute, 2 * time.Minute}, cfg.RateLimitEscalation)
	assert.Equal(t, 5, cfg.RateLimitBlockAfter)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8"), netip.MustParsePrefix("192.168.1.7/32")}, cfg.TrustedProxies)
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("DEVIATION_THRESHOLD_METERS", "-1")
	t.Setenv("TRUSTED_PROXIES", "lb.internal")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.ErrorContains(t, err, "JWT_SECRET is required")
	assert.ErrorContains(t, err, "invalid HTTP_READ_TIMEOUT")
	assert.ErrorContains(t, err, "DEVIATION_THRESHOLD_METERS must be > 0")
	assert.ErrorContains(t, err, "invalid TRUSTED_PROXIES")
}

func TestLoadConsumerConfig(t *testing.T) {
	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "trips:", cfg.TrackerPrefix)
	assert.Equal(t, 3, cfg.UpdateAttempts)

	t.Setenv("REDIS_UPDATE_ATTEMPTS", "0")
	t.Setenv("REDIS_UPDATE_DELAY", "bogus")
	_, err = LoadConsumerConfig()
	assert.ErrorContains(t, err, "REDIS_UPDATE_ATTEMPTS must be > 0")
	assert.ErrorContains(t, err, "invalid REDIS_UPDATE_DELAY")
}
