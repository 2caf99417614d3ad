package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/freight-trips/internal/dispatch"
	"github.com/example/freight-trips/internal/logging"
	"github.com/example/freight-trips/internal/models"
	"github.com/example/freight-trips/internal/observability"
)

type AggregateUpdater interface {
	ApplyTripStatus(ctx context.Context, jobID, driverID string, s models.Status) error
}

type TimelineWriter interface {
	AppendTimeline(ctx context.Context, ev models.TimelineEvent) error
}

// TimelinePublisher streams applied transitions to downstream consumers.
type TimelinePublisher interface {
	PublishTimeline(ctx context.Context, ev models.TimelineEvent) error
}

// ProposalCleaner withdraws the proposal a trip was bound through.
type ProposalCleaner interface {
	CancelAcceptedProposal(ctx context.Context, jobID, driverID string) (bool, error)
}

type Payments interface {
	Trigger(ctx context.Context, t PaymentTrigger) error
}

// EffectRunner executes transition effects. Every effect is attempted; a
// failure is logged and counted and never undoes the transition.
type EffectRunner struct {
	Jobs      AggregateUpdater
	Timeline  TimelineWriter
	Stream    TimelinePublisher
	Notifier  dispatch.Notifier
	Payments  Payments
	Proposals ProposalCleaner
	Logger    *slog.Logger
}

// Run returns the number of effects that failed.
func (r *EffectRunner) Run(ctx context.Context, effects []Effect) int {
	logger := logging.FromContext(ctx, r.Logger)
	failed := 0
	for _, e := range effects {
		for name, err := range r.run(ctx, e) {
			if err == nil {
				continue
			}
			failed++
			observability.EffectFailures.WithLabelValues(name).Inc()
			logger.Warn("effect_failed", "effect", name, "job_id", e.JobID, "driver_id", e.DriverID, "status", e.Status, "error", err)
		}
	}
	return failed
}

func (r *EffectRunner) run(ctx context.Context, e Effect) map[string]error {
	switch e.Kind {
	case EffectAggregateUpdate:
		if r.Jobs == nil {
			return nil
		}
		return map[string]error{string(e.Kind): r.Jobs.ApplyTripStatus(ctx, e.JobID, e.DriverID, e.Status)}
	case EffectTimeline:
		out := map[string]error{}
		if r.Timeline != nil {
			out[string(e.Kind)] = r.Timeline.AppendTimeline(ctx, *e.Timeline)
		}
		if r.Stream != nil {
			out["timeline_stream"] = r.Stream.PublishTimeline(ctx, *e.Timeline)
		}
		return out
	case EffectNotify:
		if r.Notifier == nil {
			return nil
		}
		return map[string]error{string(e.Kind): r.Notifier.Notify(ctx, *e.Notification)}
	case EffectPaymentTrigger:
		if r.Payments == nil {
			return nil
		}
		return map[string]error{string(e.Kind): r.Payments.Trigger(ctx, *e.Payment)}
	case EffectProposalCleanup:
		if r.Proposals == nil {
			return nil
		}
		_, err := r.Proposals.CancelAcceptedProposal(ctx, e.JobID, e.DriverID)
		return map[string]error{string(e.Kind): err}
	}
	return map[string]error{"unknown": fmt.Errorf("unknown effect kind %q", e.Kind)}
}
