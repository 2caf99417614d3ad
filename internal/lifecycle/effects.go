package lifecycle

import (
	"fmt"
	"time"

	"github.com/example/freight-trips/internal/dispatch"
	"github.com/example/freight-trips/internal/models"
)

type EffectKind string

const (
	EffectAggregateUpdate EffectKind = "aggregate_update"
	EffectNotify          EffectKind = "notify"
	EffectTimeline        EffectKind = "timeline"
	EffectPaymentTrigger  EffectKind = "payment_trigger"
	EffectProposalCleanup EffectKind = "proposal_cleanup"
)

type PaymentEvent string

const (
	PaymentFiscalDocument PaymentEvent = "FISCAL_DOCUMENT"
	PaymentCapture        PaymentEvent = "CAPTURE"
	PaymentCancelHold     PaymentEvent = "CANCEL_HOLD"
)

// PaymentTrigger names a payment or fiscal collaborator call.
type PaymentTrigger struct {
	Event           PaymentEvent `json:"event"`
	JobID           string       `json:"job_id"`
	DriverID        string       `json:"driver_id"`
	AssignmentID    string       `json:"assignment_id,omitempty"`
	PaymentIntentID string       `json:"payment_intent_id,omitempty"`
	Amount          int64        `json:"amount"`
	Currency        string       `json:"currency,omitempty"`
}

// Effect is one follow-up of an applied transition. Exactly one of the
// payload fields is set, matching Kind.
type Effect struct {
	Kind         EffectKind
	JobID        string
	DriverID     string
	Status       models.Status
	Notification *dispatch.Notification
	Timeline     *models.TimelineEvent
	Payment      *PaymentTrigger
}

func paymentEvent(s models.Status) PaymentEvent {
	switch s {
	case models.StatusDelivered:
		return PaymentFiscalDocument
	case models.StatusCompleted:
		return PaymentCapture
	case models.StatusCancelled, models.StatusRejected:
		return PaymentCancelHold
	}
	return ""
}

var statusTitles = map[models.Status]string{
	models.StatusLoading:                      "Loading started",
	models.StatusLoaded:                       "Cargo loaded",
	models.StatusInTransit:                    "Trip in transit",
	models.StatusDelivered:                    "Cargo delivered",
	models.StatusDeliveredPendingConfirmation: "Delivery awaiting confirmation",
	models.StatusCompleted:                    "Trip completed",
	models.StatusCancelled:                    "Trip cancelled",
	models.StatusRejected:                     "Delivery rejected",
}

func buildEffects(req Request, job models.Job, a models.Assignment, tp models.TripProgress, now time.Time) []Effect {
	to := tp.CurrentStatus
	effects := []Effect{
		{Kind: EffectAggregateUpdate, JobID: req.JobID, DriverID: req.DriverID, Status: to},
		{Kind: EffectTimeline, JobID: req.JobID, DriverID: req.DriverID, Status: to, Timeline: &models.TimelineEvent{
			JobID:     req.JobID,
			DriverID:  req.DriverID,
			From:      req.Expected,
			To:        to,
			ActorID:   req.Actor.UserID,
			ActorRole: req.Actor.Role,
			Reason:    req.Reason,
			Version:   tp.Version,
			At:        now,
		}},
	}

	for _, userID := range recipients(req.Actor, job, req.DriverID) {
		effects = append(effects, Effect{
			Kind: EffectNotify, JobID: req.JobID, DriverID: req.DriverID, Status: to,
			Notification: &dispatch.Notification{
				UserID:  userID,
				Title:   statusTitles[to],
				Message: notifyMessage(job, to, req.Reason),
				Type:    "TRIP_STATUS",
				Data: map[string]any{
					"job_id":    req.JobID,
					"driver_id": req.DriverID,
					"status":    string(to),
					"version":   tp.Version,
				},
			},
		})
	}

	if ev := paymentEvent(to); ev != "" {
		amount := a.AgreedPrice
		if amount == 0 {
			amount = job.Price
		}
		effects = append(effects, Effect{
			Kind: EffectPaymentTrigger, JobID: req.JobID, DriverID: req.DriverID, Status: to,
			Payment: &PaymentTrigger{
				Event:           ev,
				JobID:           req.JobID,
				DriverID:        req.DriverID,
				AssignmentID:    a.ID,
				PaymentIntentID: a.PaymentIntentID,
				Amount:          amount,
				Currency:        job.Currency,
			},
		})
	}
	if to == models.StatusCancelled || to == models.StatusRejected {
		effects = append(effects, Effect{Kind: EffectProposalCleanup, JobID: req.JobID, DriverID: req.DriverID, Status: to})
	}
	return effects
}

// recipients is the counterpart of the actor; admins inform both sides.
func recipients(actor models.Actor, job models.Job, driverID string) []string {
	switch actor.Role {
	case models.RoleDriver:
		return []string{job.OwnerID}
	case models.RoleOwner:
		return []string{driverID}
	}
	return []string{job.OwnerID, driverID}
}

func notifyMessage(job models.Job, s models.Status, reason string) string {
	name := job.Title
	if name == "" {
		name = job.ID
	}
	msg := fmt.Sprintf("%s is now %s", name, s)
	if reason != "" {
		msg += ": " + reason
	}
	return msg
}
