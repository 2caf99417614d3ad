// Package dispatch delivers best-effort notifications to users over the
// live WebSocket channel and an outbound webhook.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/example/freight-trips/internal/logging"
	"github.com/example/freight-trips/internal/observability"
)

// Notification mirrors notify(userId, title, message, type, data).
type Notification struct {
	UserID  string         `json:"user_id"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Type    string         `json:"type"`
	Data    map[string]any `json:"data,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Nop drops every notification.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// Fanout tries each channel in order and stops at the first that delivers.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, ch := range f {
		if ch == nil {
			continue
		}
		err := ch.Notify(ctx, n)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

var (
	ErrQueueFull = errors.New("dispatch: notification queue full")
	ErrClosed    = errors.New("dispatch: notifier closed")
)

// Async hands notifications to a bounded queue drained by one worker, so
// Notify never blocks the caller. Delivery errors are logged and counted.
type Async struct {
	next   Notifier
	queue  chan Notification
	logger *slog.Logger
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewAsync(next Notifier, size int, logger *slog.Logger) *Async {
	if size <= 0 {
		size = 256
	}
	a := &Async{next: next, queue: make(chan Notification, size), logger: logging.OrDefault(logger)}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Async) Notify(ctx context.Context, n Notification) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		observability.NotificationsTotal.WithLabelValues("async", "dropped").Inc()
		return ErrClosed
	}
	select {
	case a.queue <- n:
		return nil
	default:
		observability.NotificationsTotal.WithLabelValues("async", "dropped").Inc()
		a.logger.Warn("notification_dropped", "user_id", n.UserID, "type", n.Type)
		return ErrQueueFull
	}
}

func (a *Async) run() {
	defer a.wg.Done()
	for n := range a.queue {
		if err := a.next.Notify(context.Background(), n); err != nil {
			observability.NotificationsTotal.WithLabelValues("async", "failed").Inc()
			a.logger.Warn("notification_failed", "user_id", n.UserID, "type", n.Type, "error", err)
			continue
		}
		observability.NotificationsTotal.WithLabelValues("async", "delivered").Inc()
	}
}

// Close waits for the queue to drain. Later Notify calls fail with
// ErrClosed.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	a.wg.Wait()
}
