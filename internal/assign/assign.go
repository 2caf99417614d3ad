// Package assign binds drivers to job slots, either directly on the posted
// price or through an owner-approved price proposal.
package assign

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/example/freight-trips/internal/apperr"
	"github.com/example/freight-trips/internal/dispatch"
	"github.com/example/freight-trips/internal/geo"
	"github.com/example/freight-trips/internal/logging"
	"github.com/example/freight-trips/internal/models"
	"github.com/example/freight-trips/internal/storage"
)

type Store interface {
	CreateJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	CreateProposal(ctx context.Context, p models.Proposal) error
	GetProposal(ctx context.Context, id string) (models.Proposal, error)
	Bind(ctx context.Context, req storage.BindRequest) (models.Assignment, error)
}

// Holder places and releases the payment hold that backs a binding.
type Holder interface {
	Hold(ctx context.Context, amount int64, currency, idempotencyKey string, metadata map[string]string) (string, error)
	Cancel(ctx context.Context, paymentIntentID string) error
}

type Service struct {
	Store    Store
	Payments Holder            // optional
	Notifier dispatch.Notifier // optional
	// Tracker is seeded at bind time so a trip that never pings still goes
	// silent after the configured window.
	Tracker geo.HeartbeatTracker // optional
	Logger  *slog.Logger
	Now     func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// Accept binds the calling driver to a free slot at the posted price.
func (s *Service) Accept(ctx context.Context, actor models.Actor, jobID string) (models.Assignment, error) {
	if err := requireDriver(actor); err != nil {
		return models.Assignment{}, err
	}
	if jobID == "" {
		return models.Assignment{}, apperr.Invalid("jobId", "required")
	}
	job, err := s.openJob(ctx, jobID)
	if err != nil {
		return models.Assignment{}, err
	}
	a, err := s.bind(ctx, job, storage.BindRequest{JobID: job.ID, DriverID: actor.UserID, Price: job.Price})
	if err != nil {
		return models.Assignment{}, err
	}
	s.notify(ctx, dispatch.Notification{
		UserID: job.OwnerID, Title: "Driver assigned", Type: "ASSIGNMENT",
		Message: "A driver accepted " + display(job),
		Data:    map[string]any{"job_id": job.ID, "driver_id": actor.UserID},
	})
	return a, nil
}

// Propose records a counter-offer from the calling driver.
func (s *Service) Propose(ctx context.Context, actor models.Actor, jobID string, price int64) (models.Proposal, error) {
	if err := requireDriver(actor); err != nil {
		return models.Proposal{}, err
	}
	if jobID == "" {
		return models.Proposal{}, apperr.Invalid("jobId", "required")
	}
	if price <= 0 {
		return models.Proposal{}, apperr.Invalid("price", "must be positive")
	}
	job, err := s.openJob(ctx, jobID)
	if err != nil {
		return models.Proposal{}, err
	}
	if job.HasDriver(actor.UserID) {
		return models.Proposal{}, apperr.Conflict(apperr.CodeAlreadyAssigned, "driver already bound to this job")
	}
	now := s.now()
	p := models.Proposal{
		ID: uuid.NewString(), JobID: jobID, DriverID: actor.UserID, Price: price,
		Status: models.ProposalPending, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.Store.CreateProposal(ctx, p); err != nil {
		return models.Proposal{}, err
	}
	s.notify(ctx, dispatch.Notification{
		UserID: job.OwnerID, Title: "New proposal", Type: "PROPOSAL",
		Message: "A driver proposed " + strconv.FormatInt(price, 10) + " for " + display(job),
		Data:    map[string]any{"job_id": jobID, "proposal_id": p.ID, "driver_id": actor.UserID},
	})
	return p, nil
}

// Approve binds the proposing driver at the proposed price. Only the job
// owner or an admin may approve.
func (s *Service) Approve(ctx context.Context, actor models.Actor, proposalID string) (models.Assignment, error) {
	if actor.UserID == "" {
		return models.Assignment{}, apperr.Unauthenticated("missing actor")
	}
	p, err := s.Store.GetProposal(ctx, proposalID)
	if err != nil {
		return models.Assignment{}, err
	}
	job, err := s.Store.GetJob(ctx, p.JobID)
	if err != nil {
		return models.Assignment{}, err
	}
	if actor.Role != models.RoleAdmin && !(actor.Role == models.RoleOwner && actor.UserID == job.OwnerID) {
		return models.Assignment{}, apperr.Forbidden("only the job owner may approve")
	}
	if p.Status != models.ProposalPending {
		return models.Assignment{}, apperr.Conflict(apperr.CodeAlreadyAssigned, "proposal is "+string(p.Status))
	}
	a, err := s.bind(ctx, job, storage.BindRequest{JobID: job.ID, DriverID: p.DriverID, Price: p.Price, ProposalID: p.ID})
	if err != nil {
		return models.Assignment{}, err
	}
	s.notify(ctx, dispatch.Notification{
		UserID: p.DriverID, Title: "Proposal approved", Type: "ASSIGNMENT",
		Message: "Your proposal for " + display(job) + " was approved",
		Data:    map[string]any{"job_id": job.ID, "proposal_id": p.ID},
	})
	return a, nil
}

func (s *Service) openJob(ctx context.Context, jobID string) (models.Job, error) {
	job, err := s.Store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if !job.OpenSlot() {
		return models.Job{}, apperr.Conflict(apperr.CodeSlotsFull, "job has no free slot")
	}
	return job, nil
}

// bind takes the payment hold, then binds. A failed binding releases the hold.
func (s *Service) bind(ctx context.Context, job models.Job, req storage.BindRequest) (models.Assignment, error) {
	logger := logging.FromContext(ctx, s.Logger)
	req.At = s.now()
	if s.Payments != nil && req.Price > 0 {
		key := "hold:" + req.JobID + ":" + req.DriverID
		if req.ProposalID != "" {
			key += ":" + req.ProposalID
		}
		id, err := s.Payments.Hold(ctx, req.Price, currency(job), key, map[string]string{"job_id": req.JobID, "driver_id": req.DriverID})
		if err != nil {
			return models.Assignment{}, apperr.Infra("payment hold", err)
		}
		req.PaymentIntentID = id
	}
	a, err := s.Store.Bind(ctx, req)
	if err != nil {
		if req.PaymentIntentID != "" {
			if cerr := s.Payments.Cancel(context.WithoutCancel(ctx), req.PaymentIntentID); cerr != nil {
				logger.Error("payment_hold_leaked", "job_id", req.JobID, "driver_id", req.DriverID, "payment_intent", req.PaymentIntentID, "error", cerr)
			}
		}
		return models.Assignment{}, err
	}
	logger.Info("driver_bound", "job_id", req.JobID, "driver_id", req.DriverID, "assignment_id", a.ID, "price", req.Price)
	if s.Tracker != nil {
		pos := job.Origin
		if job.CurrentLocation != nil {
			pos = *job.CurrentLocation
		}
		if err := s.Tracker.Touch(ctx, req.JobID, req.DriverID, pos, req.At); err != nil {
			logger.Warn("heartbeat_seed_failed", "job_id", req.JobID, "driver_id", req.DriverID, "error", err)
		}
	}
	return a, nil
}

func (s *Service) notify(ctx context.Context, n dispatch.Notification) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.Notify(ctx, n); err != nil {
		logging.FromContext(ctx, s.Logger).Warn("notify_failed", "user_id", n.UserID, "type", n.Type, "error", err)
	}
}

func requireDriver(a models.Actor) error {
	if a.UserID == "" {
		return apperr.Unauthenticated("missing actor")
	}
	if a.Role != models.RoleDriver {
		return apperr.Forbidden("only drivers take job slots")
	}
	return nil
}

func currency(j models.Job) string {
	if j.Currency == "" {
		return "usd"
	}
	return j.Currency
}

func display(j models.Job) string {
	if j.Title != "" {
		return j.Title
	}
	return "job " + j.ID
}
