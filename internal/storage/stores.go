package storage

import (
	"context"
	"time"

	"github.com/example/freight-trips/internal/models"
)

// TripProgressStore holds the authoritative per-(job, driver) trip status.
// There is at most one row per pair.
type TripProgressStore interface {
	GetCurrent(ctx context.Context, jobID, driverID string) (models.TripProgress, error)
	// CompareAndSwap moves the pair from expected to next in one atomic step
	// and mirrors the status onto the active assignment. A terminal next
	// status archives the row. A mismatch yields *apperr.StaleStateError.
	CompareAndSwap(ctx context.Context, jobID, driverID string, expected, next models.Status) (models.TripProgress, error)
	// Delete removes the row. When onlyIf is non-empty the row is removed
	// only while its status is one of onlyIf.
	Delete(ctx context.Context, jobID, driverID string, onlyIf ...models.Status) error
}

type JobStore interface {
	CreateJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdateLocation(ctx context.Context, jobID string, at models.Coord, ts time.Time) error
	ApplyTripStatus(ctx context.Context, jobID, driverID string, s models.Status) error
	ReleaseDriver(ctx context.Context, jobID, driverID string) (models.Job, error)
}

type AssignmentStore interface {
	// ActiveAssignment returns the most recent non-cancelled assignment.
	ActiveAssignment(ctx context.Context, jobID, driverID string) (models.Assignment, error)
	CancelAssignment(ctx context.Context, jobID, driverID string, onlyIf []models.Status, audit models.CancelAudit) (models.Assignment, error)
}

type ProposalStore interface {
	CreateProposal(ctx context.Context, p models.Proposal) error
	GetProposal(ctx context.Context, id string) (models.Proposal, error)
	// CancelAcceptedProposal cancels the ACCEPTED proposal for the pair and
	// reports whether one existed.
	CancelAcceptedProposal(ctx context.Context, jobID, driverID string) (bool, error)
}

// BindRequest binds a driver to a job slot.
type BindRequest struct {
	JobID           string
	DriverID        string
	Price           int64
	PaymentIntentID string
	ProposalID      string
	At              time.Time
}

// BindingStore creates Assignment and TripProgress together with the slot
// bookkeeping on the job.
type BindingStore interface {
	Bind(ctx context.Context, req BindRequest) (models.Assignment, error)
}

type CheckpointStore interface {
	AddCheckpoint(ctx context.Context, c models.Checkpoint) error
	CountCheckpoints(ctx context.Context, jobID, driverID string) (int, error)
}

type PingStore interface {
	AppendPing(ctx context.Context, p models.LocationPing) error
	LastPing(ctx context.Context, jobID, driverID string) (models.LocationPing, bool, error)
}

type IncidentFilter struct {
	JobID   string
	OwnerID string
	Limit   int
}

type IncidentStore interface {
	CreateIncident(ctx context.Context, inc models.Incident) error
	LatestIncident(ctx context.Context, jobID, driverID string, t models.IncidentType) (models.Incident, bool, error)
	// ListIncidents returns incidents joined with job display data, newest first.
	ListIncidents(ctx context.Context, f IncidentFilter) ([]models.IncidentView, error)
}

type TimelineStore interface {
	AppendTimeline(ctx context.Context, ev models.TimelineEvent) error
	Timeline(ctx context.Context, jobID string) ([]models.TimelineEvent, error)
}

// IdempotencyStore persists the first response produced for a request key.
type IdempotencyStore interface {
	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	PutResponse(ctx context.Context, key string, body []byte, ttl time.Duration) error
}

// Store is everything the API server needs from persistence.
type Store interface {
	TripProgressStore
	JobStore
	AssignmentStore
	ProposalStore
	BindingStore
	CheckpointStore
	PingStore
	IncidentStore
	TimelineStore
}

// activeStatus reports whether an assignment status still binds a driver.
func activeStatus(s models.Status) bool {
	return s != models.StatusCancelled && s != models.StatusCompleted
}

func statusIn(s models.Status, set []models.Status) bool {
	if len(set) == 0 {
		return true
	}
	for _, c := range set {
		if c == s {
			return true
		}
	}
	return false
}
