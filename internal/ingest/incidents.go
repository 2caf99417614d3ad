package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/freight-trips/internal/apperr"
	"github.com/example/freight-trips/internal/dispatch"
	"github.com/example/freight-trips/internal/logging"
	"github.com/example/freight-trips/internal/models"
	"github.com/example/freight-trips/internal/observability"
	"github.com/example/freight-trips/internal/storage"
)

type IncidentStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	LastPing(ctx context.Context, jobID, driverID string) (models.LocationPing, bool, error)
	storage.IncidentStore
}

// IncidentRecorder persists incidents and tells the job owner about them.
type IncidentRecorder struct {
	Store       IncidentStore
	Notifier    dispatch.Notifier // optional
	DedupWindow time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

func (r *IncidentRecorder) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now().UTC()
}

// Raise records an auto-generated incident. The same (job, driver, type)
// is not raised twice within DedupWindow; created is false in that case and
// the existing incident is returned.
func (r *IncidentRecorder) Raise(ctx context.Context, inc models.Incident) (out models.Incident, created bool, err error) {
	inc.AutoGenerated = true
	if r.DedupWindow > 0 {
		last, ok, err := r.Store.LatestIncident(ctx, inc.JobID, inc.DriverID, inc.Type)
		if err != nil {
			return models.Incident{}, false, apperr.Infra("latest incident", err)
		}
		if ok && r.now().Sub(last.CreatedAt) < r.DedupWindow {
			return last, false, nil
		}
	}
	out, err = r.record(ctx, inc)
	return out, err == nil, err
}

type ReportInput struct {
	JobID        string         `json:"jobId"`
	DriverID     string         `json:"driverId,omitempty"`
	Type         string         `json:"incidentType"`
	Severity     string         `json:"severity"`
	LastKnownLat *float64       `json:"lastKnownLat,omitempty"`
	LastKnownLng *float64       `json:"lastKnownLng,omitempty"`
	Description  string         `json:"description,omitempty"`
	Evidence     map[string]any `json:"evidenceData,omitempty"`
}

// Report records an incident filed by a person: the assigned driver, the
// job owner or an admin.
func (r *IncidentRecorder) Report(ctx context.Context, actor models.Actor, in ReportInput) (models.Incident, error) {
	if actor.UserID == "" {
		return models.Incident{}, apperr.Unauthenticated("missing actor")
	}
	inc, err := validateReport(in)
	if err != nil {
		return models.Incident{}, err
	}
	job, err := r.Store.GetJob(ctx, in.JobID)
	if err != nil {
		return models.Incident{}, err
	}
	switch actor.Role {
	case models.RoleDriver:
		if !job.HasDriver(actor.UserID) {
			return models.Incident{}, apperr.Forbidden("not assigned to this job")
		}
		inc.DriverID = actor.UserID
	case models.RoleOwner:
		if job.OwnerID != actor.UserID {
			return models.Incident{}, apperr.Forbidden("not the job owner")
		}
	case models.RoleAdmin:
	default:
		return models.Incident{}, apperr.Forbidden("unknown role")
	}
	return r.record(ctx, inc)
}

func validateReport(in ReportInput) (models.Incident, error) {
	if strings.TrimSpace(in.JobID) == "" {
		return models.Incident{}, apperr.Invalid("jobId", "required")
	}
	t := models.IncidentType(strings.ToUpper(in.Type))
	if !t.Valid() {
		return models.Incident{}, apperr.Invalid("incidentType", "unknown type %q", in.Type)
	}
	sev := models.Severity(strings.ToUpper(in.Severity))
	if in.Severity == "" {
		sev = models.SeverityMedium
	}
	if !sev.Valid() {
		return models.Incident{}, apperr.Invalid("severity", "unknown severity %q", in.Severity)
	}
	inc := models.Incident{
		JobID: in.JobID, DriverID: in.DriverID, Type: t, Severity: sev,
		Description: in.Description, Evidence: in.Evidence,
	}
	if (in.LastKnownLat == nil) != (in.LastKnownLng == nil) {
		return models.Incident{}, apperr.Invalid("lastKnownLat", "lat and lng go together")
	}
	if in.LastKnownLat != nil {
		c := models.Coord{Lat: *in.LastKnownLat, Lng: *in.LastKnownLng}
		if err := validCoord(c); err != nil {
			return models.Incident{}, err
		}
		inc.LastKnownPosition = &c
	}
	return inc, nil
}

func (r *IncidentRecorder) record(ctx context.Context, inc models.Incident) (models.Incident, error) {
	logger := logging.FromContext(ctx, r.Logger)
	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	inc.CreatedAt = r.now()
	if inc.LastKnownPosition == nil && inc.DriverID != "" {
		if p, ok, err := r.Store.LastPing(ctx, inc.JobID, inc.DriverID); err == nil && ok {
			c := p.Coord()
			inc.LastKnownPosition = &c
		}
	}
	if err := r.Store.CreateIncident(ctx, inc); err != nil {
		return models.Incident{}, apperr.Infra("create incident", err)
	}
	observability.IncidentsTotal.WithLabelValues(string(inc.Type), strconv.FormatBool(inc.AutoGenerated)).Inc()
	logger.Warn("incident_recorded",
		"incident_id", inc.ID, "job_id", inc.JobID, "driver_id", inc.DriverID,
		"type", inc.Type, "severity", inc.Severity, "auto", inc.AutoGenerated)
	r.notifyOwner(ctx, inc)
	return inc, nil
}

// notifyOwner is best-effort; failures are logged only.
func (r *IncidentRecorder) notifyOwner(ctx context.Context, inc models.Incident) {
	if r.Notifier == nil {
		return
	}
	logger := logging.FromContext(ctx, r.Logger)
	job, err := r.Store.GetJob(ctx, inc.JobID)
	if err != nil {
		logger.Warn("incident_notify_failed", "incident_id", inc.ID, "job_id", inc.JobID, "error", err)
		return
	}
	data := map[string]any{
		"incident_id": inc.ID,
		"job_id":      inc.JobID,
		"driver_id":   inc.DriverID,
		"type":        string(inc.Type),
		"severity":    string(inc.Severity),
	}
	msg := fmt.Sprintf("%s on %s", inc.Type, displayJob(job))
	if p := inc.LastKnownPosition; p != nil {
		data["lat"], data["lng"] = p.Lat, p.Lng
		msg += fmt.Sprintf(", last seen at %.5f,%.5f", p.Lat, p.Lng)
	}
	n := dispatch.Notification{UserID: job.OwnerID, Title: "Trip incident", Message: msg, Type: "INCIDENT", Data: data}
	if err := r.Notifier.Notify(ctx, n); err != nil {
		logger.Warn("incident_notify_failed", "incident_id", inc.ID, "job_id", inc.JobID, "error", err)
	}
}

// List returns incidents visible to actor, newest first.
func (r *IncidentRecorder) List(ctx context.Context, actor models.Actor, f storage.IncidentFilter) ([]models.IncidentView, error) {
	switch actor.Role {
	case models.RoleAdmin:
	case models.RoleOwner:
		f.OwnerID = actor.UserID
	case models.RoleDriver:
		if f.JobID == "" {
			return nil, apperr.Invalid("jobId", "required for drivers")
		}
		job, err := r.Store.GetJob(ctx, f.JobID)
		if err != nil {
			return nil, err
		}
		if !job.HasDriver(actor.UserID) {
			return nil, apperr.Forbidden("not assigned to this job")
		}
	default:
		return nil, apperr.Unauthenticated("missing actor")
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return r.Store.ListIncidents(ctx, f)
}

func displayJob(j models.Job) string {
	if j.Title != "" {
		return j.Title
	}
	return "job " + j.ID
}
