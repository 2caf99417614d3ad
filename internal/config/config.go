package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the API process.
// Values are loaded from environment variables with defaults so the binary
// runs locally on in-memory stores without any setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	RunMigrations bool

	RedisAddr     string
	RedisPassword string

	KafkaBrokers       []string
	KafkaPingTopic     string
	KafkaTimelineTopic string

	JWTSecret        string
	StripeAPIKey     string
	OSRMEndpoint     string
	NotifyWebhookURL string

	DeviationThresholdMeters float64
	SignalSilenceWindow      time.Duration
	SignalScanInterval       time.Duration
	IncidentDedupWindow      time.Duration
	SpoofMaxSpeedKmh         float64

	IdempotencyTTL      time.Duration
	RateLimitBlockAfter int
	RateLimitEscalation []time.Duration
	// TrustedProxies are the peers whose X-Forwarded-For is believed when
	// keying anonymous callers. Empty means the peer address is the key.
	TrustedProxies []netip.Prefix

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:                 ":8080",
		ReadTimeout:              5 * time.Second,
		WriteTimeout:             10 * time.Second,
		IdleTimeout:              120 * time.Second,
		ShutdownTimeout:          15 * time.Second,
		KafkaPingTopic:           "trip-locations",
		KafkaTimelineTopic:       "trip-timeline",
		DeviationThresholdMeters: 2000,
		SignalSilenceWindow:      10 * time.Minute,
		SignalScanInterval:       time.Minute,
		IncidentDedupWindow:      15 * time.Minute,
		SpoofMaxSpeedKmh:         300,
		IdempotencyTTL:           24 * time.Hour,
		RateLimitBlockAfter:      3,
		RateLimitEscalation:      []time.Duration{5 * time.Minute, 15 * time.Minute, time.Hour},
		LogLevel:                 "info",
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

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaPingTopic, "KAFKA_PING_TOPIC")
	setStringFromEnv(&cfg.KafkaTimelineTopic, "KAFKA_TIMELINE_TOPIC")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setStringFromEnv(&cfg.NotifyWebhookURL, "NOTIFY_WEBHOOK_URL")

	setFloatFromEnv(&cfg.DeviationThresholdMeters, "DEVIATION_THRESHOLD_METERS", &errs)
	setDurationFromEnv(&cfg.SignalSilenceWindow, "SIGNAL_SILENCE_WINDOW", &errs)
	setDurationFromEnv(&cfg.SignalScanInterval, "SIGNAL_SCAN_INTERVAL", &errs)
	setDurationFromEnv(&cfg.IncidentDedupWindow, "INCIDENT_DEDUP_WINDOW", &errs)
	setFloatFromEnv(&cfg.SpoofMaxSpeedKmh, "SPOOF_MAX_SPEED_KMH", &errs)

	setDurationFromEnv(&cfg.IdempotencyTTL, "IDEMPOTENCY_TTL", &errs)
	setIntFromEnv(&cfg.RateLimitBlockAfter, "RATE_LIMIT_BLOCK_AFTER", &errs)
	setDurationListFromEnv(&cfg.RateLimitEscalation, "RATE_LIMIT_ESCALATION", &errs)
	setPrefixListFromEnv(&cfg.TrustedProxies, "TRUSTED_PROXIES", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	if cfg.DeviationThresholdMeters <= 0 {
		errs = append(errs, fmt.Errorf("DEVIATION_THRESHOLD_METERS must be > 0"))
	}
	if cfg.SignalSilenceWindow <= 0 || cfg.SignalScanInterval <= 0 {
		errs = append(errs, fmt.Errorf("signal windows must be > 0"))
	}
	if cfg.RateLimitBlockAfter <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BLOCK_AFTER must be > 0"))
	}
	if len(cfg.RateLimitEscalation) == 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_ESCALATION must list at least one duration"))
	}

	return cfg, errors.Join(errs...)
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

func setDurationListFromEnv(target *[]time.Duration, key string, errs *[]error) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []time.Duration
	for _, part := range splitAndTrim(v) {
		d, err := time.ParseDuration(part)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		out = append(out, d)
	}
	*target = out
}

// setPrefixListFromEnv accepts CIDRs and bare addresses.
func setPrefixListFromEnv(target *[]netip.Prefix, key string, errs *[]error) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []netip.Prefix
	for _, part := range splitAndTrim(v) {
		if addr, err := netip.ParseAddr(part); err == nil {
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		pfx, err := netip.ParsePrefix(part)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		out = append(out, pfx.Masked())
	}
	*target = out
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

// ConsumerConfig configures the heartbeat projector in cmd/consumer.
type ConsumerConfig struct {
	KafkaBrokers   []string
	KafkaPingTopic string
	KafkaGroup     string
	RedisAddr      string
	RedisPassword  string
	TrackerPrefix  string
	MetricsAddr    string
	UpdateAttempts int
	UpdateDelay    time.Duration
	LogLevel       string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers:   []string{"localhost:9092"},
		KafkaPingTopic: "trip-locations",
		KafkaGroup:     "freight-trips-heartbeats",
		RedisAddr:      "localhost:6379",
		TrackerPrefix:  "trips:",
		MetricsAddr:    ":2112",
		UpdateAttempts: 3,
		UpdateDelay:    200 * time.Millisecond,
		LogLevel:       "info",
	}
	var errs []error
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaPingTopic, "KAFKA_PING_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.TrackerPrefix, "TRACKER_PREFIX")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setIntFromEnv(&cfg.UpdateAttempts, "REDIS_UPDATE_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.UpdateDelay, "REDIS_UPDATE_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.UpdateAttempts <= 0 {
		errs = append(errs, fmt.Errorf("REDIS_UPDATE_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}
