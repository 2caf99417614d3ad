// Package ingest accepts driver position pings and checkpoints, and raises
// incidents for route deviation, suspected spoofing and signal loss.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/freight-trips/internal/apperr"
	"github.com/example/freight-trips/internal/geo"
	"github.com/example/freight-trips/internal/logging"
	"github.com/example/freight-trips/internal/models"
	"github.com/example/freight-trips/internal/observability"
	"github.com/example/freight-trips/internal/route"
)

type Store interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	GetCurrent(ctx context.Context, jobID, driverID string) (models.TripProgress, error)
	UpdateLocation(ctx context.Context, jobID string, at models.Coord, ts time.Time) error
	AppendPing(ctx context.Context, p models.LocationPing) error
	LastPing(ctx context.Context, jobID, driverID string) (models.LocationPing, bool, error)
	AddCheckpoint(ctx context.Context, c models.Checkpoint) error
}

// PingPublisher streams accepted pings, e.g. to the heartbeat consumer.
type PingPublisher interface {
	PublishPing(ctx context.Context, p models.LocationPing) error
}

type Service struct {
	Store     Store
	Tracker   geo.HeartbeatTracker // optional
	Publisher PingPublisher        // optional
	Corridors route.Provider       // optional
	Incidents *IncidentRecorder

	// DeviationMeters applies when the corridor carries no tolerance.
	DeviationMeters  float64
	SpoofMaxSpeedKmh float64
	Logger           *slog.Logger
	Now              func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

type PingInput struct {
	JobID     string     `json:"jobId"`
	Lat       float64    `json:"lat"`
	Lng       float64    `json:"lng"`
	Speed     *float64   `json:"speed,omitempty"`
	Heading   *float64   `json:"heading,omitempty"`
	Accuracy  *float64   `json:"accuracy,omitempty"`
	Source    string     `json:"source,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func validCoord(c models.Coord) error {
	if math.IsNaN(c.Lat) || c.Lat < -90 || c.Lat > 90 {
		return apperr.Invalid("lat", "must be within [-90, 90]")
	}
	if math.IsNaN(c.Lng) || c.Lng < -180 || c.Lng > 180 {
		return apperr.Invalid("lng", "must be within [-180, 180]")
	}
	return nil
}

func validatePing(in PingInput) error {
	if strings.TrimSpace(in.JobID) == "" {
		return apperr.Invalid("jobId", "required")
	}
	if err := validCoord(models.Coord{Lat: in.Lat, Lng: in.Lng}); err != nil {
		return err
	}
	if v := in.Speed; v != nil && (math.IsNaN(*v) || *v < 0 || *v > 300) {
		return apperr.Invalid("speed", "must be within [0, 300]")
	}
	if v := in.Heading; v != nil && (math.IsNaN(*v) || *v < 0 || *v > 360) {
		return apperr.Invalid("heading", "must be within [0, 360]")
	}
	if v := in.Accuracy; v != nil && (math.IsNaN(*v) || *v < 0) {
		return apperr.Invalid("accuracy", "must not be negative")
	}
	return nil
}

// Ingest validates and stores one ping from the assigned driver. Anomaly
// checks and notifications run after the ping is stored and never fail it.
func (s *Service) Ingest(ctx context.Context, actor models.Actor, in PingInput) (models.LocationPing, error) {
	if err := validatePing(in); err != nil {
		observability.PingsTotal.WithLabelValues("invalid").Inc()
		return models.LocationPing{}, err
	}
	job, err := s.assignedJob(ctx, actor, in.JobID)
	if err != nil {
		observability.PingsTotal.WithLabelValues("rejected").Inc()
		return models.LocationPing{}, err
	}
	logger := logging.FromContext(ctx, s.Logger)

	ts := s.now()
	if in.Timestamp != nil && !in.Timestamp.IsZero() && !in.Timestamp.After(ts) {
		ts = in.Timestamp.UTC()
	}
	ping := models.LocationPing{
		ID: uuid.NewString(), JobID: in.JobID, DriverID: actor.UserID,
		Lat: in.Lat, Lng: in.Lng, Speed: in.Speed, Heading: in.Heading, Accuracy: in.Accuracy,
		Source: in.Source, Timestamp: ts,
	}

	prev, hasPrev, err := s.Store.LastPing(ctx, ping.JobID, ping.DriverID)
	if err != nil {
		logger.Warn("last_ping_lookup_failed", "job_id", ping.JobID, "driver_id", ping.DriverID, "error", err)
		hasPrev = false
	}
	if err := s.Store.AppendPing(ctx, ping); err != nil {
		observability.PingsTotal.WithLabelValues("error").Inc()
		return models.LocationPing{}, apperr.Infra("append ping", err)
	}
	if err := s.Store.UpdateLocation(ctx, ping.JobID, ping.Coord(), ts); err != nil {
		observability.PingsTotal.WithLabelValues("error").Inc()
		return models.LocationPing{}, apperr.Infra("update location", err)
	}
	observability.PingsTotal.WithLabelValues("accepted").Inc()

	if s.Tracker != nil {
		if err := s.Tracker.Touch(ctx, ping.JobID, ping.DriverID, ping.Coord(), ts); err != nil {
			logger.Warn("heartbeat_touch_failed", "job_id", ping.JobID, "driver_id", ping.DriverID, "error", err)
		}
	}
	if s.Publisher != nil {
		if err := s.Publisher.PublishPing(ctx, ping); err != nil {
			logger.Warn("ping_publish_failed", "job_id", ping.JobID, "driver_id", ping.DriverID, "error", err)
		}
	}
	if hasPrev {
		s.checkSpoofing(ctx, prev, ping)
	}
	s.checkCorridor(ctx, job, ping)
	return ping, nil
}

func (s *Service) assignedJob(ctx context.Context, actor models.Actor, jobID string) (models.Job, error) {
	if actor.UserID == "" {
		return models.Job{}, apperr.Unauthenticated("missing actor")
	}
	if actor.Role != models.RoleDriver {
		return models.Job{}, apperr.Forbidden("only the assigned driver reports positions")
	}
	job, err := s.Store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if !job.HasDriver(actor.UserID) {
		return models.Job{}, apperr.Forbidden("not assigned to this job")
	}
	// terminal trips are archived out of the live table
	tp, err := s.Store.GetCurrent(ctx, jobID, actor.UserID)
	var nf *apperr.NotFoundError
	switch {
	case errors.As(err, &nf):
		return models.Job{}, apperr.Conflict(apperr.CodeTripNotActive, "trip has already ended")
	case err != nil:
		return models.Job{}, err
	case tp.CurrentStatus.Terminal():
		return models.Job{}, apperr.Conflict(apperr.CodeTripNotActive, "trip is "+string(tp.CurrentStatus))
	}
	return job, nil
}

// checkSpoofing flags a jump between consecutive pings that implies an
// impossible speed.
func (s *Service) checkSpoofing(ctx context.Context, prev, cur models.LocationPing) {
	if s.SpoofMaxSpeedKmh <= 0 || s.Incidents == nil {
		return
	}
	dt := cur.Timestamp.Sub(prev.Timestamp).Seconds()
	if dt <= 0 {
		return
	}
	meters := geo.Distance(prev.Coord(), cur.Coord())
	kmh := meters / dt * 3.6
	if kmh <= s.SpoofMaxSpeedKmh {
		return
	}
	s.raise(ctx, models.Incident{
		JobID: cur.JobID, DriverID: cur.DriverID, Type: models.IncidentSuspectedSpoofing, Severity: models.SeverityHigh,
		LastKnownPosition: coordPtr(cur.Coord()),
		Evidence: map[string]any{
			"implied_speed_kmh": math.Round(kmh),
			"distance_m":        math.Round(meters),
			"interval_s":        dt,
			"previous_ping_id":  prev.ID,
			"ping_id":           cur.ID,
		},
	})
}

func (s *Service) checkCorridor(ctx context.Context, job models.Job, p models.LocationPing) {
	if s.Corridors == nil || s.Incidents == nil {
		return
	}
	cor, ok, err := s.Corridors.Corridor(ctx, job)
	if err != nil {
		logging.FromContext(ctx, s.Logger).Warn("corridor_lookup_failed", "job_id", job.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	limit := cor.ToleranceMeters
	if limit <= 0 {
		limit = s.DeviationMeters
	}
	dist, ok := geo.DistanceToPath(p.Coord(), cor.Path)
	if !ok || limit <= 0 || dist <= limit {
		return
	}
	sev := models.SeverityMedium
	if dist > 3*limit {
		sev = models.SeverityHigh
	}
	s.raise(ctx, models.Incident{
		JobID: p.JobID, DriverID: p.DriverID, Type: models.IncidentRouteDeviation, Severity: sev,
		LastKnownPosition: coordPtr(p.Coord()),
		Evidence:          map[string]any{"distance_m": math.Round(dist), "threshold_m": limit, "ping_id": p.ID},
	})
}

func (s *Service) raise(ctx context.Context, inc models.Incident) {
	if _, _, err := s.Incidents.Raise(ctx, inc); err != nil {
		logging.FromContext(ctx, s.Logger).Warn("incident_raise_failed", "job_id", inc.JobID, "driver_id", inc.DriverID, "type", inc.Type, "error", err)
	}
}

var checkpointKinds = map[string]bool{
	"PICKUP_ARRIVAL":     true,
	"LOADING_STARTED":    true,
	"LOADING_FINISHED":   true,
	"DELIVERY_ARRIVAL":   true,
	"UNLOADING_FINISHED": true,
}

type CheckinInput struct {
	JobID string   `json:"jobId"`
	Kind  string   `json:"kind"`
	Lat   *float64 `json:"lat,omitempty"`
	Lng   *float64 `json:"lng,omitempty"`
}

// Checkin records a physical checkpoint by the assigned driver.
func (s *Service) Checkin(ctx context.Context, actor models.Actor, in CheckinInput) (models.Checkpoint, error) {
	if strings.TrimSpace(in.JobID) == "" {
		return models.Checkpoint{}, apperr.Invalid("jobId", "required")
	}
	kind := strings.ToUpper(in.Kind)
	if !checkpointKinds[kind] {
		return models.Checkpoint{}, apperr.Invalid("kind", "unknown checkpoint %q", in.Kind)
	}
	if (in.Lat == nil) != (in.Lng == nil) {
		return models.Checkpoint{}, apperr.Invalid("lat", "lat and lng go together")
	}
	c := models.Checkpoint{ID: uuid.NewString(), JobID: in.JobID, DriverID: actor.UserID, Kind: kind, RecordedAt: s.now()}
	if in.Lat != nil {
		pos := models.Coord{Lat: *in.Lat, Lng: *in.Lng}
		if err := validCoord(pos); err != nil {
			return models.Checkpoint{}, err
		}
		c.Position = &pos
	}
	if _, err := s.assignedJob(ctx, actor, in.JobID); err != nil {
		return models.Checkpoint{}, err
	}
	if err := s.Store.AddCheckpoint(ctx, c); err != nil {
		return models.Checkpoint{}, apperr.Infra("add checkpoint", err)
	}
	logging.FromContext(ctx, s.Logger).Info("checkpoint_recorded", "job_id", c.JobID, "driver_id", c.DriverID, "kind", c.Kind)
	return c, nil
}

func coordPtr(c models.Coord) *models.Coord { return &c }
