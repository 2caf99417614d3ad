package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/freight-trips/internal/assign"
	"github.com/example/freight-trips/internal/auth"
	"github.com/example/freight-trips/internal/config"
	"github.com/example/freight-trips/internal/dispatch"
	"github.com/example/freight-trips/internal/geo"
	httpapi "github.com/example/freight-trips/internal/http"
	"github.com/example/freight-trips/internal/ingest"
	"github.com/example/freight-trips/internal/lifecycle"
	"github.com/example/freight-trips/internal/logging"
	"github.com/example/freight-trips/internal/payments"
	"github.com/example/freight-trips/internal/ratelimit"
	"github.com/example/freight-trips/internal/release"
	"github.com/example/freight-trips/internal/route"
	"github.com/example/freight-trips/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore := openStore(ctx, cfg, logger)
	defer closeStore()

	var (
		rc          *redis.Client
		limitStore  ratelimit.Store = ratelimit.NewMemoryStore()
		idempotency storage.IdempotencyStore = storage.NewMemoryIdempotency()
		tracker     geo.HeartbeatTracker     = geo.NewTracker()
	)
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable at startup, limiter will fail open", "addr", cfg.RedisAddr, "error", err)
		}
		limitStore = ratelimit.NewRedisStore(rc)
		idempotency = storage.NewRedisIdempotency(rc)
		tracker = geo.NewRedisTracker(rc, "trips:")
	} else {
		logger.Info("REDIS_ADDR not set, using in-memory limiter, idempotency and heartbeats")
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaPingTopic, cfg.KafkaTimelineTopic)
		defer producer.Close()
	}

	var gateway payments.Gateway
	if cfg.StripeAPIKey != "" {
		gateway = payments.NewStripeClient(cfg.StripeAPIKey)
	} else {
		logger.Warn("STRIPE_API_KEY not set, payment holds are simulated")
		gateway = payments.NewFakeGateway()
	}
	triggers := payments.NewTriggers(gateway, nil, logger)

	ws := dispatch.NewWSRegistry()
	channels := dispatch.Fanout{ws}
	if cfg.NotifyWebhookURL != "" {
		channels = append(channels, dispatch.NewWebhookNotifier(cfg.NotifyWebhookURL, logger))
	}
	notifier := dispatch.NewAsync(channels, 1024, logger)
	defer notifier.Close()

	corridors := route.Chain{route.StaticProvider{ToleranceMeters: cfg.DeviationThresholdMeters}}
	if cfg.OSRMEndpoint != "" {
		corridors = append(corridors, route.NewOSRMProvider(cfg.OSRMEndpoint, cfg.DeviationThresholdMeters))
	}

	incidents := &ingest.IncidentRecorder{Store: store, Notifier: notifier, DedupWindow: cfg.IncidentDedupWindow, Logger: logger}
	ingestSvc := &ingest.Service{
		Store: store, Tracker: tracker, Corridors: corridors, Incidents: incidents,
		DeviationMeters: cfg.DeviationThresholdMeters, SpoofMaxSpeedKmh: cfg.SpoofMaxSpeedKmh, Logger: logger,
	}
	effects := &lifecycle.EffectRunner{Jobs: store, Timeline: store, Notifier: notifier, Payments: triggers, Proposals: store, Logger: logger}
	if producer != nil {
		ingestSvc.Publisher = producer
		effects.Stream = producer
	}

	policies, fallback := ratelimit.DefaultPolicies(cfg.RateLimitBlockAfter, cfg.RateLimitEscalation)
	srv := httpapi.NewServer(httpapi.Deps{
		Store:          store,
		Machine:        lifecycle.NewMachine(store, store, store, logger),
		Effects:        effects,
		Idempotency:    idempotency,
		IdempotencyTTL: cfg.IdempotencyTTL,
		Limiter:        ratelimit.New(limitStore, policies, fallback, logger),
		Auth:           auth.NewJWTService(cfg.JWTSecret, 0),
		Assign:         &assign.Service{Store: store, Payments: gateway, Notifier: notifier, Tracker: tracker, Logger: logger},
		Ingest:         ingestSvc,
		Incidents:      incidents,
		Release:        &release.Coordinator{Store: store, Notifier: notifier, Payments: triggers, Logger: logger},
		WS:             ws,
		TrustedProxies: cfg.TrustedProxies,
	}, logger)

	monitor := &ingest.SignalMonitor{
		Tracker: tracker, Trips: store, Incidents: incidents,
		Silence: cfg.SignalSilenceWindow, Interval: cfg.SignalScanInterval, Logger: logger,
	}
	go monitor.Run(ctx)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Info("freight-trips listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

// openStore returns Postgres when PG_DSN is set and the in-memory store
// otherwise. A Postgres connection failure at startup is fatal.
func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, func()) {
	if cfg.PGDSN == "" {
		logger.Info("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), func() {}
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		logger.Error("postgres open failed", "error", err)
		os.Exit(1)
	}
	if cfg.RunMigrations {
		if err := ps.Migrate(ctx); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("schema applied")
	}
	return ps, func() { _ = ps.Close() }
}
