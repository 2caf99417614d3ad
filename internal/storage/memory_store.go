package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/freight-trips/internal/apperr"
	"github.com/example/freight-trips/internal/models"
)

// MemoryStore implements Store behind a single mutex. Every method is one
// critical section, which gives it the same atomicity as the single-statement
// Postgres implementation.
type MemoryStore struct {
	mu          sync.RWMutex
	jobs        map[string]*models.Job
	trips       map[string]models.TripProgress
	archive     []models.TripProgress
	assignments map[string][]*models.Assignment
	proposals   map[string]*models.Proposal
	checkpoints map[string][]models.Checkpoint
	pings       map[string][]models.LocationPing
	incidents   []models.Incident
	timeline    map[string][]models.TimelineEvent

	Now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]*models.Job),
		trips:       make(map[string]models.TripProgress),
		assignments: make(map[string][]*models.Assignment),
		proposals:   make(map[string]*models.Proposal),
		checkpoints: make(map[string][]models.Checkpoint),
		pings:       make(map[string][]models.LocationPing),
		timeline:    make(map[string][]models.TimelineEvent),
		Now:         time.Now,
	}
}

func pairKey(jobID, driverID string) string { return jobID + "/" + driverID }

func (m *MemoryStore) now() time.Time { return m.Now().UTC() }

func cloneJob(j *models.Job) models.Job {
	out := *j
	out.AssignedDriverIDs = append([]string(nil), j.AssignedDriverIDs...)
	out.Route = append([]models.Coord(nil), j.Route...)
	if j.CurrentLocation != nil {
		c := *j.CurrentLocation
		out.CurrentLocation = &c
	}
	if j.LastLocationUpdate != nil {
		t := *j.LastLocationUpdate
		out.LastLocationUpdate = &t
	}
	return out
}

// --- trip progress ---

func (m *MemoryStore) GetCurrent(ctx context.Context, jobID, driverID string) (models.TripProgress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tp, ok := m.trips[pairKey(jobID, driverID)]
	if !ok {
		return models.TripProgress{}, apperr.NotFound("trip", pairKey(jobID, driverID))
	}
	return tp, nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, jobID, driverID string, expected, next models.Status) (models.TripProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pairKey(jobID, driverID)
	tp, ok := m.trips[k]
	if !ok {
		return models.TripProgress{}, apperr.NotFound("trip", k)
	}
	if tp.CurrentStatus != expected {
		return models.TripProgress{}, &apperr.StaleStateError{Expected: string(expected), Actual: string(tp.CurrentStatus)}
	}
	now := m.now()
	tp.CurrentStatus = next
	tp.Version++
	tp.UpdatedAt = now
	if a := m.activeAssignmentLocked(k); a != nil {
		a.Status = next.AssignmentStatus()
		a.UpdatedAt = now
	}
	if next.Terminal() {
		delete(m.trips, k)
		m.archive = append(m.archive, tp)
	} else {
		m.trips[k] = tp
	}
	return tp, nil
}

func (m *MemoryStore) Delete(ctx context.Context, jobID, driverID string, onlyIf ...models.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pairKey(jobID, driverID)
	tp, ok := m.trips[k]
	if !ok {
		return apperr.NotFound("trip", k)
	}
	if !statusIn(tp.CurrentStatus, onlyIf) {
		return &apperr.StaleStateError{Expected: string(onlyIf[0]), Actual: string(tp.CurrentStatus)}
	}
	delete(m.trips, k)
	return nil
}

// Archived returns trips that reached a terminal status, oldest first.
func (m *MemoryStore) Archived() []models.TripProgress {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.TripProgress(nil), m.archive...)
}

// --- jobs ---

func (m *MemoryStore) CreateJob(ctx context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.Status == "" {
		job.Status = models.JobOpen
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = m.now()
	}
	job.UpdatedAt = job.CreatedAt
	c := cloneJob(&job)
	m.jobs[job.ID] = &c
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, apperr.NotFound("job", id)
	}
	return cloneJob(j), nil
}

func (m *MemoryStore) UpdateLocation(ctx context.Context, jobID string, at models.Coord, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return apperr.NotFound("job", jobID)
	}
	t := ts.UTC()
	if j.LastLocationUpdate != nil && !t.After(*j.LastLocationUpdate) {
		return nil
	}
	j.CurrentLocation = &at
	j.LastLocationUpdate = &t
	j.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) ApplyTripStatus(ctx context.Context, jobID, driverID string, s models.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return apperr.NotFound("job", jobID)
	}
	j.ApplyTripStatus(driverID, s)
	j.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) ReleaseDriver(ctx context.Context, jobID, driverID string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return models.Job{}, apperr.NotFound("job", jobID)
	}
	j.ReleaseDriver(driverID)
	j.UpdatedAt = m.now()
	return cloneJob(j), nil
}

// --- assignments ---

func (m *MemoryStore) activeAssignmentLocked(k string) *models.Assignment {
	rows := m.assignments[k]
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Status != models.StatusCancelled {
			return rows[i]
		}
	}
	return nil
}

func (m *MemoryStore) ActiveAssignment(ctx context.Context, jobID, driverID string) (models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a := m.activeAssignmentLocked(pairKey(jobID, driverID))
	if a == nil {
		return models.Assignment{}, apperr.NotFound("assignment", pairKey(jobID, driverID))
	}
	return *a, nil
}

func (m *MemoryStore) CancelAssignment(ctx context.Context, jobID, driverID string, onlyIf []models.Status, audit models.CancelAudit) (models.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pairKey(jobID, driverID)
	a := m.activeAssignmentLocked(k)
	if a == nil {
		return models.Assignment{}, apperr.NotFound("assignment", k)
	}
	if !statusIn(a.Status, onlyIf) {
		return models.Assignment{}, &apperr.StaleStateError{Expected: string(onlyIf[0]), Actual: string(a.Status)}
	}
	at := audit.At.UTC()
	a.Status = models.StatusCancelled
	a.CancelledBy = audit.By
	a.CancelReason = audit.Reason
	a.CancelledAt = &at
	a.UpdatedAt = at
	return *a, nil
}

// --- proposals ---

func (m *MemoryStore) CreateProposal(ctx context.Context, p models.Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[p.JobID]; !ok {
		return apperr.NotFound("job", p.JobID)
	}
	c := p
	m.proposals[p.ID] = &c
	return nil
}

func (m *MemoryStore) GetProposal(ctx context.Context, id string) (models.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proposals[id]
	if !ok {
		return models.Proposal{}, apperr.NotFound("proposal", id)
	}
	return *p, nil
}

func (m *MemoryStore) CancelAcceptedProposal(ctx context.Context, jobID, driverID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for _, p := range m.proposals {
		if p.JobID == jobID && p.DriverID == driverID && p.Status == models.ProposalAccepted {
			p.Status = models.ProposalCancelled
			p.UpdatedAt = m.now()
			found = true
		}
	}
	return found, nil
}

// --- binding ---

func (m *MemoryStore) Bind(ctx context.Context, req BindRequest) (models.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[req.JobID]
	if !ok {
		return models.Assignment{}, apperr.NotFound("job", req.JobID)
	}
	k := pairKey(req.JobID, req.DriverID)
	if _, busy := m.trips[k]; busy || j.HasDriver(req.DriverID) {
		return models.Assignment{}, apperr.Conflict(apperr.CodeAlreadyAssigned, "driver already bound to this job")
	}
	if a := m.activeAssignmentLocked(k); a != nil && activeStatus(a.Status) {
		return models.Assignment{}, apperr.Conflict(apperr.CodeAlreadyAssigned, "driver already bound to this job")
	}
	if !j.OpenSlot() {
		return models.Assignment{}, apperr.Conflict(apperr.CodeSlotsFull, "job has no free slot")
	}
	var proposal *models.Proposal
	if req.ProposalID != "" {
		p, ok := m.proposals[req.ProposalID]
		if !ok {
			return models.Assignment{}, apperr.NotFound("proposal", req.ProposalID)
		}
		if p.Status != models.ProposalPending {
			return models.Assignment{}, apperr.Conflict(apperr.CodeAlreadyAssigned, "proposal is "+string(p.Status))
		}
		proposal = p
	}

	at := req.At.UTC()
	j.AddDriver(req.DriverID)
	j.UpdatedAt = at
	a := &models.Assignment{
		ID:              uuid.NewString(),
		JobID:           req.JobID,
		DriverID:        req.DriverID,
		Status:          models.StatusAccepted,
		AgreedPrice:     req.Price,
		PaymentIntentID: req.PaymentIntentID,
		CreatedAt:       at,
		UpdatedAt:       at,
	}
	m.assignments[k] = append(m.assignments[k], a)
	m.trips[k] = models.TripProgress{JobID: req.JobID, DriverID: req.DriverID, CurrentStatus: models.StatusAccepted, Version: 1, UpdatedAt: at}
	if proposal != nil {
		proposal.Status = models.ProposalAccepted
		proposal.UpdatedAt = at
	}
	return *a, nil
}

// --- checkpoints ---

func (m *MemoryStore) AddCheckpoint(ctx context.Context, c models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pairKey(c.JobID, c.DriverID)
	m.checkpoints[k] = append(m.checkpoints[k], c)
	return nil
}

func (m *MemoryStore) CountCheckpoints(ctx context.Context, jobID, driverID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.checkpoints[pairKey(jobID, driverID)]), nil
}

// --- pings ---

func (m *MemoryStore) AppendPing(ctx context.Context, p models.LocationPing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pairKey(p.JobID, p.DriverID)
	m.pings[k] = append(m.pings[k], p)
	return nil
}

func (m *MemoryStore) LastPing(ctx context.Context, jobID, driverID string) (models.LocationPing, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.pings[pairKey(jobID, driverID)]
	if len(rows) == 0 {
		return models.LocationPing{}, false, nil
	}
	return rows[len(rows)-1], true, nil
}

// Pings returns every ping recorded for the pair, oldest first.
func (m *MemoryStore) Pings(jobID, driverID string) []models.LocationPing {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.LocationPing(nil), m.pings[pairKey(jobID, driverID)]...)
}

// --- incidents ---

func (m *MemoryStore) CreateIncident(ctx context.Context, inc models.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents = append(m.incidents, inc)
	return nil
}

func (m *MemoryStore) LatestIncident(ctx context.Context, jobID, driverID string, t models.IncidentType) (models.Incident, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.incidents) - 1; i >= 0; i-- {
		inc := m.incidents[i]
		if inc.JobID == jobID && inc.DriverID == driverID && inc.Type == t {
			return inc, true, nil
		}
	}
	return models.Incident{}, false, nil
}

func (m *MemoryStore) ListIncidents(ctx context.Context, f IncidentFilter) ([]models.IncidentView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.IncidentView, 0, len(m.incidents))
	for _, inc := range m.incidents {
		if f.JobID != "" && inc.JobID != f.JobID {
			continue
		}
		v := models.IncidentView{Incident: inc}
		if j, ok := m.jobs[inc.JobID]; ok {
			v.JobTitle = j.Title
			v.OwnerID = j.OwnerID
		}
		if f.OwnerID != "" && v.OwnerID != f.OwnerID {
			continue
		}
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// --- timeline ---

func (m *MemoryStore) AppendTimeline(ctx context.Context, ev models.TimelineEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeline[ev.JobID] = append(m.timeline[ev.JobID], ev)
	return nil
}

func (m *MemoryStore) Timeline(ctx context.Context, jobID string) ([]models.TimelineEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.TimelineEvent(nil), m.timeline[jobID]...), nil
}

var _ Store = (*MemoryStore)(nil)
