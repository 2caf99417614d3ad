package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/freight-trips/internal/config"
	"github.com/example/freight-trips/internal/geo"
	"github.com/example/freight-trips/internal/logging"
	"github.com/example/freight-trips/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "freight_trips",
		Name:      "consumer_messages_consumed_total",
		Help:      "Total location ping messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "freight_trips",
		Name:      "consumer_messages_invalid_total",
		Help:      "Total invalid messages received",
	})
	heartbeatUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "freight_trips",
		Name:      "consumer_heartbeat_updates_total",
		Help:      "Total heartbeats projected into redis",
	})
	heartbeatErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "freight_trips",
		Name:      "consumer_heartbeat_errors_total",
		Help:      "Total heartbeat projections that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, heartbeatUpdates, heartbeatErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	// allow overriding the metrics address for local runs
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flag.Parse()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	tracker := geo.NewRedisTracker(rc, cfg.TrackerPrefix)

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			// readiness: check redis connectivity
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaPingTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaPingTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()

		p, err := decodePing(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}

		if err := touchWithRetry(ctx, tracker, p, cfg.UpdateAttempts, cfg.UpdateDelay); err != nil {
			heartbeatErrors.Inc()
			logger.Warn("heartbeat update failed", "job_id", p.JobID, "driver_id", p.DriverID, "error", err)
			continue
		}
		heartbeatUpdates.Inc()
	}
}

// HeartbeatWriter is the part of the tracker the projector needs.
type HeartbeatWriter interface {
	Touch(ctx context.Context, jobID, driverID string, pos models.Coord, at time.Time) error
}

type invalidPing string

func (e invalidPing) Error() string { return "invalid ping: " + string(e) }

func decodePing(b []byte) (models.LocationPing, error) {
	var p models.LocationPing
	if err := json.Unmarshal(b, &p); err != nil {
		return models.LocationPing{}, err
	}
	switch {
	case p.JobID == "" || p.DriverID == "":
		return models.LocationPing{}, invalidPing("missing job or driver")
	case p.Timestamp.IsZero():
		return models.LocationPing{}, invalidPing("missing timestamp")
	case p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180:
		return models.LocationPing{}, invalidPing("coordinate out of range")
	}
	return p, nil
}

// touchWithRetry projects one ping into the shared tracker with retry/backoff.
func touchWithRetry(ctx context.Context, w HeartbeatWriter, p models.LocationPing, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = w.Touch(ctx, p.JobID, p.DriverID, p.Coord(), p.Timestamp); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
