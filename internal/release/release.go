// Package release rolls an in-progress assignment back to an open,
// unassigned slot: forced by the job owner or an admin, or requested by the
// driver before any physical checkpoint.
package release

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/example/freight-trips/internal/apperr"
	"github.com/example/freight-trips/internal/dispatch"
	"github.com/example/freight-trips/internal/logging"
	"github.com/example/freight-trips/internal/models"
	"github.com/example/freight-trips/internal/observability"
)

type Store interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	ReleaseDriver(ctx context.Context, jobID, driverID string) (models.Job, error)
	GetCurrent(ctx context.Context, jobID, driverID string) (models.TripProgress, error)
	Delete(ctx context.Context, jobID, driverID string, onlyIf ...models.Status) error
	ActiveAssignment(ctx context.Context, jobID, driverID string) (models.Assignment, error)
	CancelAssignment(ctx context.Context, jobID, driverID string, onlyIf []models.Status, audit models.CancelAudit) (models.Assignment, error)
	CancelAcceptedProposal(ctx context.Context, jobID, driverID string) (bool, error)
	CountCheckpoints(ctx context.Context, jobID, driverID string) (int, error)
}

// HoldCanceller releases the payment hold of a cancelled assignment.
type HoldCanceller interface {
	CancelHold(ctx context.Context, jobID, driverID, paymentIntentID string) error
}

// releasable are the only statuses a driver can be released from. Anything
// later needs manual intervention.
var releasable = []models.Status{models.StatusAccepted, models.StatusLoading}

// Rollback steps, in execution order.
const (
	StepCancelAssignment = "cancel_assignment"
	StepDeleteProgress   = "delete_trip_progress"
	StepCancelProposal   = "cancel_proposal"
	StepUpdateJob        = "update_job"
)

type Coordinator struct {
	Store    Store
	Notifier dispatch.Notifier // optional
	Payments HoldCanceller     // optional
	Logger   *slog.Logger
	Now      func() time.Time
}

type Result struct {
	JobID            string    `json:"jobId"`
	DriverID         string    `json:"driverId"`
	PreviousStatus   string    `json:"previousStatus"`
	JobStatus        string    `json:"jobStatus"`
	AcceptedSlots    int       `json:"acceptedSlots"`
	ProposalCanceled bool      `json:"proposalCancelled"`
	ReleasedAt       time.Time `json:"releasedAt"`
}

func (c *Coordinator) now() time.Time {
	if c.Now == nil {
		return time.Now().UTC()
	}
	return c.Now().UTC()
}

// ForceRelease removes driverID from jobID on behalf of the job owner or an
// admin.
func (c *Coordinator) ForceRelease(ctx context.Context, actor models.Actor, jobID, driverID, reason string) (Result, error) {
	res, err := c.forceRelease(ctx, actor, jobID, driverID, reason)
	observability.ReleasesTotal.WithLabelValues("force", outcome(err)).Inc()
	return res, err
}

func (c *Coordinator) forceRelease(ctx context.Context, actor models.Actor, jobID, driverID, reason string) (Result, error) {
	if actor.UserID == "" {
		return Result{}, apperr.Unauthenticated("missing actor")
	}
	if strings.TrimSpace(jobID) == "" {
		return Result{}, apperr.Invalid("jobId", "required")
	}
	if strings.TrimSpace(driverID) == "" {
		return Result{}, apperr.Invalid("driverId", "required")
	}
	job, err := c.Store.GetJob(ctx, jobID)
	if err != nil {
		return Result{}, err
	}
	if actor.Role != models.RoleAdmin && !(actor.Role == models.RoleOwner && actor.UserID == job.OwnerID) {
		return Result{}, apperr.Forbidden("only the job owner or an admin may release a driver")
	}
	res, err := c.rollback(ctx, job, driverID, models.CancelAudit{By: actor.UserID, Role: actor.Role, Reason: reason, At: c.now()})
	if err != nil {
		return Result{}, err
	}
	c.notify(ctx, dispatch.Notification{
		UserID: driverID, Title: "Released from job", Type: "RELEASE",
		Message: releaseMessage(job, reason),
		Data:    map[string]any{"job_id": jobID, "reason": reason},
	})
	return res, nil
}

// Withdraw lets the assigned driver give the slot back, as long as no
// physical checkpoint was recorded.
func (c *Coordinator) Withdraw(ctx context.Context, actor models.Actor, jobID, reason string) (Result, error) {
	res, err := c.withdraw(ctx, actor, jobID, reason)
	observability.ReleasesTotal.WithLabelValues("withdraw", outcome(err)).Inc()
	return res, err
}

func (c *Coordinator) withdraw(ctx context.Context, actor models.Actor, jobID, reason string) (Result, error) {
	if actor.UserID == "" {
		return Result{}, apperr.Unauthenticated("missing actor")
	}
	if strings.TrimSpace(jobID) == "" {
		return Result{}, apperr.Invalid("jobId", "required")
	}
	job, err := c.Store.GetJob(ctx, jobID)
	if err != nil {
		return Result{}, err
	}
	if actor.Role != models.RoleDriver || !job.HasDriver(actor.UserID) {
		return Result{}, apperr.Forbidden("only the assigned driver may withdraw")
	}
	n, err := c.Store.CountCheckpoints(ctx, jobID, actor.UserID)
	if err != nil {
		return Result{}, apperr.Infra("count checkpoints", err)
	}
	if n > 0 {
		return Result{}, apperr.Conflict(apperr.CodeHasCheckins, "driver already recorded a checkpoint for this job")
	}
	res, err := c.rollback(ctx, job, actor.UserID, models.CancelAudit{By: actor.UserID, Role: actor.Role, Reason: reason, At: c.now()})
	if err != nil {
		return Result{}, err
	}
	c.notify(ctx, dispatch.Notification{
		UserID: job.OwnerID, Title: "Driver withdrew", Type: "WITHDRAW",
		Message: "A driver withdrew from " + display(job),
		Data:    map[string]any{"job_id": jobID, "driver_id": actor.UserID, "reason": reason},
	})
	return res, nil
}

// rollback reconciles the two status records and then applies the four
// mutations in order. A failure before the first mutation is a clean
// rejection; a failure after it is a PartialFailureError naming what was
// already applied.
func (c *Coordinator) rollback(ctx context.Context, job models.Job, driverID string, audit models.CancelAudit) (Result, error) {
	logger := logging.FromContext(ctx, c.Logger)
	status, err := c.reconcile(ctx, job.ID, driverID)
	if err != nil {
		return Result{}, err
	}
	if !contains(releasable, status) {
		return Result{}, apperr.Conflict(apperr.CodeInvalidStatusForRelease,
			"driver is "+string(status)+"; release is only possible while ACCEPTED or LOADING")
	}

	assignment, err := c.Store.CancelAssignment(ctx, job.ID, driverID, releasable, audit)
	if err != nil {
		var se *apperr.StaleStateError
		if errors.As(err, &se) {
			return Result{}, apperr.Conflict(apperr.CodeInvalidStatusForRelease, "driver moved to "+se.Actual+" before the release applied")
		}
		return Result{}, err
	}

	done := []string{StepCancelAssignment}
	fail := func(step string, err error) (Result, error) {
		pf := &apperr.PartialFailureError{Op: "release", Completed: append([]string(nil), done...), Failed: step, Err: err}
		logger.Error("release_partial_failure",
			"job_id", job.ID, "driver_id", driverID, "completed", pf.Completed, "failed", step, "error", err)
		return Result{}, pf
	}

	if err := c.Store.Delete(ctx, job.ID, driverID, releasable...); err != nil {
		var nf *apperr.NotFoundError
		if !errors.As(err, &nf) {
			return fail(StepDeleteProgress, err)
		}
	}
	done = append(done, StepDeleteProgress)

	proposal, err := c.Store.CancelAcceptedProposal(ctx, job.ID, driverID)
	if err != nil {
		return fail(StepCancelProposal, err)
	}
	done = append(done, StepCancelProposal)

	updated, err := c.Store.ReleaseDriver(ctx, job.ID, driverID)
	if err != nil {
		return fail(StepUpdateJob, err)
	}

	if c.Payments != nil && assignment.PaymentIntentID != "" {
		if err := c.Payments.CancelHold(ctx, job.ID, driverID, assignment.PaymentIntentID); err != nil {
			logger.Warn("release_hold_cancel_failed", "job_id", job.ID, "driver_id", driverID, "payment_intent", assignment.PaymentIntentID, "error", err)
		}
	}
	logger.Info("driver_released",
		"job_id", job.ID, "driver_id", driverID, "previous_status", status, "by", audit.By, "role", audit.Role,
		"job_status", updated.Status, "accepted_slots", updated.AcceptedSlots)
	return Result{
		JobID:            job.ID,
		DriverID:         driverID,
		PreviousStatus:   string(status),
		JobStatus:        string(updated.Status),
		AcceptedSlots:    updated.AcceptedSlots,
		ProposalCanceled: proposal,
		ReleasedAt:       audit.At,
	}, nil
}

// reconcile reads both status records for the pair. They must agree: a
// disagreement is reported as STATE_DRIFT instead of trusting either one.
func (c *Coordinator) reconcile(ctx context.Context, jobID, driverID string) (models.Status, error) {
	logger := logging.FromContext(ctx, c.Logger)
	var nf *apperr.NotFoundError

	tp, tpErr := c.Store.GetCurrent(ctx, jobID, driverID)
	if tpErr != nil && !errors.As(tpErr, &nf) {
		return "", tpErr
	}
	a, aErr := c.Store.ActiveAssignment(ctx, jobID, driverID)
	if aErr != nil && !errors.As(aErr, &nf) {
		return "", aErr
	}
	hasTrip, hasAssignment := tpErr == nil, aErr == nil

	switch {
	case !hasTrip && !hasAssignment:
		return "", apperr.NotFound("assignment", jobID+"/"+driverID)
	case hasTrip && hasAssignment && tp.CurrentStatus.AssignmentStatus() == a.Status:
		return tp.CurrentStatus, nil
	case !hasTrip && hasAssignment && a.Status == models.StatusCompleted:
		// finished trips are archived
		return a.Status, nil
	}

	var tripStatus, assignmentStatus string
	if hasTrip {
		tripStatus = string(tp.CurrentStatus)
	}
	if hasAssignment {
		assignmentStatus = string(a.Status)
	}
	observability.StateDriftTotal.Inc()
	logger.Error("state_drift",
		"job_id", jobID, "driver_id", driverID, "trip_status", tripStatus, "assignment_status", assignmentStatus)
	return "", apperr.Conflict(apperr.CodeStateDrift,
		"trip progress ("+orNone(tripStatus)+") and assignment ("+orNone(assignmentStatus)+") disagree")
}

func (c *Coordinator) notify(ctx context.Context, n dispatch.Notification) {
	if c.Notifier == nil {
		return
	}
	if err := c.Notifier.Notify(ctx, n); err != nil {
		logging.FromContext(ctx, c.Logger).Warn("release_notify_failed", "user_id", n.UserID, "type", n.Type, "error", err)
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(apperr.Code(err))
}

func contains(set []models.Status, s models.Status) bool {
	for _, c := range set {
		if c == s {
			return true
		}
	}
	return false
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func display(j models.Job) string {
	if j.Title != "" {
		return j.Title
	}
	return "job " + j.ID
}

func releaseMessage(j models.Job, reason string) string {
	msg := "You were released from " + display(j)
	if reason != "" {
		msg += ": " + reason
	}
	return msg
}
