package payments

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/freight-trips/internal/lifecycle"
	"github.com/example/freight-trips/internal/logging"
)

// Gateway is the payment provider surface the trip lifecycle needs.
type Gateway interface {
	Hold(ctx context.Context, amount int64, currency, idempotencyKey string, metadata map[string]string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// FiscalHook is told when a delivery needs a fiscal document.
type FiscalHook func(ctx context.Context, t lifecycle.PaymentTrigger) error

// Triggers maps lifecycle payment effects onto the gateway.
type Triggers struct {
	gateway Gateway
	fiscal  FiscalHook
	logger  *slog.Logger
}

// NewTriggers builds the payment collaborator. A nil gateway only logs;
// a nil fiscal hook logs the request for the fiscal service.
func NewTriggers(gateway Gateway, fiscal FiscalHook, logger *slog.Logger) *Triggers {
	return &Triggers{gateway: gateway, fiscal: fiscal, logger: logging.OrDefault(logger)}
}

func (t *Triggers) Trigger(ctx context.Context, p lifecycle.PaymentTrigger) error {
	switch p.Event {
	case lifecycle.PaymentFiscalDocument:
		if t.fiscal != nil {
			return t.fiscal(ctx, p)
		}
		t.logger.Info("fiscal_document_requested", "job_id", p.JobID, "driver_id", p.DriverID, "amount", p.Amount, "currency", p.Currency)
		return nil
	case lifecycle.PaymentCapture:
		if t.skip(p) {
			return nil
		}
		if err := t.gateway.Capture(ctx, p.PaymentIntentID); err != nil {
			return fmt.Errorf("capture %s: %w", p.PaymentIntentID, err)
		}
		t.logger.Info("payment_captured", "job_id", p.JobID, "driver_id", p.DriverID, "payment_intent", p.PaymentIntentID)
		return nil
	case lifecycle.PaymentCancelHold:
		return t.CancelHold(ctx, p.JobID, p.DriverID, p.PaymentIntentID)
	}
	return fmt.Errorf("unknown payment event %q", p.Event)
}

// CancelHold releases the hold taken when the driver was bound.
func (t *Triggers) CancelHold(ctx context.Context, jobID, driverID, paymentIntentID string) error {
	if t.skip(lifecycle.PaymentTrigger{JobID: jobID, DriverID: driverID, PaymentIntentID: paymentIntentID}) {
		return nil
	}
	if err := t.gateway.Cancel(ctx, paymentIntentID); err != nil {
		return fmt.Errorf("cancel %s: %w", paymentIntentID, err)
	}
	t.logger.Info("payment_hold_cancelled", "job_id", jobID, "driver_id", driverID, "payment_intent", paymentIntentID)
	return nil
}

func (t *Triggers) skip(p lifecycle.PaymentTrigger) bool {
	if t.gateway == nil || p.PaymentIntentID == "" {
		t.logger.Debug("payment_trigger_skipped", "job_id", p.JobID, "driver_id", p.DriverID, "event", p.Event)
		return true
	}
	return false
}

// FakeGateway records calls in memory. It backs local runs without a
// Stripe key and tests.
type FakeGateway struct {
	mu        sync.Mutex
	n         int
	Holds     map[string]int64
	Captured  []string
	Cancelled []string
	HoldErr   error
}

func NewFakeGateway() *FakeGateway { return &FakeGateway{Holds: make(map[string]int64)} }

func (f *FakeGateway) Hold(_ context.Context, amount int64, _, _ string, _ map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.HoldErr != nil {
		return "", f.HoldErr
	}
	f.n++
	id := fmt.Sprintf("pi_fake_%d", f.n)
	f.Holds[id] = amount
	return id, nil
}

func (f *FakeGateway) Capture(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Captured = append(f.Captured, id)
	return nil
}

func (f *FakeGateway) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Cancelled = append(f.Cancelled, id)
	return nil
}

func (f *FakeGateway) CancelledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Cancelled...)
}
