// Package lifecycle owns the trip status order. Transition validates a
// requested status against the persisted one, applies it with a single
// compare-and-swap and returns the effects the caller should run.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/example/freight-trips/internal/apperr"
	"github.com/example/freight-trips/internal/logging"
	"github.com/example/freight-trips/internal/models"
	"github.com/example/freight-trips/internal/observability"
	"github.com/example/freight-trips/internal/storage"
)

var successor = map[models.Status]models.Status{
	models.StatusAccepted:                     models.StatusLoading,
	models.StatusLoading:                      models.StatusLoaded,
	models.StatusLoaded:                       models.StatusInTransit,
	models.StatusInTransit:                    models.StatusDelivered,
	models.StatusDelivered:                    models.StatusDeliveredPendingConfirmation,
	models.StatusDeliveredPendingConfirmation: models.StatusCompleted,
}

// Next returns the canonical successor of s.
func Next(s models.Status) (models.Status, bool) {
	n, ok := successor[s]
	return n, ok
}

// party is how the actor relates to one trip.
type party int

const (
	partyNone party = iota
	partyDriver
	partyOwner
	partyAdmin
)

type grant struct {
	from    []models.Status
	parties []party
}

// exits lists who may leave the canonical order, and from where.
var exits = map[models.Status][]grant{
	models.StatusCancelled: {
		{from: []models.Status{models.StatusAccepted}, parties: []party{partyDriver}},
		{from: []models.Status{models.StatusAccepted, models.StatusLoading}, parties: []party{partyOwner}},
		{parties: []party{partyAdmin}},
	},
	models.StatusRejected: {
		{from: []models.Status{models.StatusDelivered, models.StatusDeliveredPendingConfirmation}, parties: []party{partyOwner}},
		{parties: []party{partyAdmin}},
	},
}

// confirmers may apply the canonical step into the keyed status. Every
// other canonical step belongs to the assigned driver.
var confirmers = map[models.Status][]party{
	models.StatusCompleted: {partyOwner, partyAdmin},
}

type Request struct {
	JobID     string
	DriverID  string
	Actor     models.Actor
	Expected  models.Status
	Requested models.Status
	Reason    string
}

type Result struct {
	JobID     string        `json:"job_id"`
	DriverID  string        `json:"driver_id"`
	Previous  models.Status `json:"previous_status"`
	NewStatus models.Status `json:"new_status"`
	Version   int64         `json:"version"`
	Effects   []Effect      `json:"-"`
}

type Machine struct {
	trips       storage.TripProgressStore
	jobs        storage.JobStore
	assignments storage.AssignmentStore
	logger      *slog.Logger
	Now         func() time.Time
}

// NewMachine builds a Machine. assignments may be nil; payment effects then
// carry no payment intent.
func NewMachine(trips storage.TripProgressStore, jobs storage.JobStore, assignments storage.AssignmentStore, logger *slog.Logger) *Machine {
	return &Machine{trips: trips, jobs: jobs, assignments: assignments, logger: logging.OrDefault(logger), Now: time.Now}
}

func (m *Machine) Transition(ctx context.Context, req Request) (Result, error) {
	res, err := m.transition(ctx, req)
	observability.TransitionsTotal.WithLabelValues(string(req.Requested), resultLabel(err)).Inc()
	return res, err
}

func (m *Machine) transition(ctx context.Context, req Request) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}
	job, err := m.jobs.GetJob(ctx, req.JobID)
	if err != nil {
		return Result{}, err
	}
	p := relation(req.Actor, job, req.DriverID)
	if p == partyNone {
		return Result{}, apperr.NotAuthorized("not a party to this trip")
	}
	cur, err := m.trips.GetCurrent(ctx, req.JobID, req.DriverID)
	if err != nil {
		return Result{}, err
	}
	if cur.CurrentStatus != req.Expected {
		return Result{}, &apperr.StaleStateError{Expected: string(req.Expected), Actual: string(cur.CurrentStatus)}
	}
	if err := authorize(p, cur.CurrentStatus, req.Requested); err != nil {
		return Result{}, err
	}

	var assignment models.Assignment
	if paymentEvent(req.Requested) != "" && m.assignments != nil {
		if a, err := m.assignments.ActiveAssignment(ctx, req.JobID, req.DriverID); err == nil {
			assignment = a
		}
	}

	next, err := m.trips.CompareAndSwap(ctx, req.JobID, req.DriverID, req.Expected, req.Requested)
	if err != nil {
		return Result{}, err
	}
	m.logger.Info("transition_applied",
		"job_id", req.JobID, "driver_id", req.DriverID, "from", req.Expected, "to", req.Requested,
		"version", next.Version, "actor_id", req.Actor.UserID, "actor_role", req.Actor.Role)

	return Result{
		JobID:     req.JobID,
		DriverID:  req.DriverID,
		Previous:  req.Expected,
		NewStatus: next.CurrentStatus,
		Version:   next.Version,
		Effects:   buildEffects(req, job, assignment, next, m.Now().UTC()),
	}, nil
}

func validate(req Request) error {
	switch {
	case strings.TrimSpace(req.JobID) == "":
		return apperr.Invalid("jobId", "required")
	case strings.TrimSpace(req.DriverID) == "":
		return apperr.Invalid("driverId", "required")
	case !req.Expected.Valid():
		return apperr.Invalid("expectedStatus", "unknown status %q", req.Expected)
	case !req.Requested.Valid():
		return apperr.Invalid("status", "unknown status %q", req.Requested)
	case req.Actor.UserID == "":
		return apperr.Unauthenticated("missing actor")
	}
	return nil
}

func relation(a models.Actor, job models.Job, driverID string) party {
	switch a.Role {
	case models.RoleAdmin:
		return partyAdmin
	case models.RoleOwner:
		if a.UserID == job.OwnerID {
			return partyOwner
		}
	case models.RoleDriver:
		if a.UserID == driverID {
			return partyDriver
		}
	}
	return partyNone
}

// authorize checks that to is a legal move from the persisted status from
// and that p may make it.
func authorize(p party, from, to models.Status) error {
	invalid := &apperr.InvalidTransitionError{From: string(from), To: string(to)}
	if from.Terminal() {
		return invalid
	}
	if next, ok := Next(from); ok && next == to {
		allowed, ok := confirmers[to]
		if !ok {
			allowed = []party{partyDriver}
		}
		if !hasParty(allowed, p) {
			return apperr.NotAuthorized(string(to) + " is not yours to set")
		}
		return nil
	}
	grants, ok := exits[to]
	if !ok {
		return invalid
	}
	reachable := false
	for _, g := range grants {
		if !statusIn(from, g.from) {
			continue
		}
		reachable = true
		if hasParty(g.parties, p) {
			return nil
		}
	}
	if !reachable {
		return invalid
	}
	return apperr.NotAuthorized(string(to) + " not allowed from " + string(from) + " for this actor")
}

func hasParty(ps []party, p party) bool {
	for _, c := range ps {
		if c == p {
			return true
		}
	}
	return false
}

// statusIn treats an empty set as every non-terminal status.
func statusIn(s models.Status, set []models.Status) bool {
	if len(set) == 0 {
		return !s.Terminal()
	}
	for _, c := range set {
		if c == s {
			return true
		}
	}
	return false
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return strings.ToLower(apperr.Code(err))
}
