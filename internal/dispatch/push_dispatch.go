package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/example/freight-trips/internal/logging"
	"github.com/example/freight-trips/internal/observability"
)

// WebhookNotifier posts notifications as JSON to a push provider endpoint.
// Calls go through a circuit breaker so a dead provider is not hammered.
type WebhookNotifier struct {
	Endpoint string
	Client   *http.Client
	cb       *gobreaker.CircuitBreaker[struct{}]
}

func NewWebhookNotifier(endpoint string, logger *slog.Logger) *WebhookNotifier {
	logger = logging.OrDefault(logger)
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "notify-webhook",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit_breaker_state", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return &WebhookNotifier{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}, cb: cb}
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	_, err := w.cb.Execute(func() (struct{}, error) {
		return struct{}{}, w.post(ctx, n)
	})
	switch {
	case err == nil:
		observability.NotificationsTotal.WithLabelValues("webhook", "delivered").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		observability.NotificationsTotal.WithLabelValues("webhook", "rejected").Inc()
	default:
		observability.NotificationsTotal.WithLabelValues("webhook", "failed").Inc()
	}
	return err
}

func (w *WebhookNotifier) post(ctx context.Context, n Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	}
	return nil
}

// State exposes the breaker state for health reporting.
func (w *WebhookNotifier) State() gobreaker.State { return w.cb.State() }
