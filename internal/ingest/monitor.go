package ingest

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/example/freight-trips/internal/apperr"
	"github.com/example/freight-trips/internal/geo"
	"github.com/example/freight-trips/internal/logging"
	"github.com/example/freight-trips/internal/models"
	"github.com/example/freight-trips/internal/observability"
)

type TripReader interface {
	GetCurrent(ctx context.Context, jobID, driverID string) (models.TripProgress, error)
}

// SignalMonitor raises SIGNAL_LOST for trips whose driver stopped pinging.
// Each silence episode is reported once; the next ping starts a new one.
type SignalMonitor struct {
	Tracker   geo.HeartbeatTracker
	Trips     TripReader
	Incidents *IncidentRecorder
	Silence   time.Duration
	Interval  time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

func (m *SignalMonitor) now() time.Time {
	if m.Now == nil {
		return time.Now().UTC()
	}
	return m.Now().UTC()
}

// Run scans every Interval until ctx is done.
func (m *SignalMonitor) Run(ctx context.Context) {
	interval := m.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := logging.OrDefault(m.Logger)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := m.Scan(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("signal_scan_failed", "error", err)
			}
		}
	}
}

// Scan performs one pass and returns the number of incidents raised.
func (m *SignalMonitor) Scan(ctx context.Context) (int, error) {
	logger := logging.OrDefault(m.Logger)
	now := m.now()
	stale, err := m.Tracker.Stale(ctx, now.Add(-m.Silence))
	if err != nil {
		return 0, err
	}
	raised := 0
	for _, hb := range stale {
		tp, err := m.Trips.GetCurrent(ctx, hb.JobID, hb.DriverID)
		if err != nil {
			var nf *apperr.NotFoundError
			if errors.As(err, &nf) {
				_ = m.Tracker.Forget(ctx, hb.JobID, hb.DriverID)
				continue
			}
			logger.Warn("signal_scan_trip_lookup_failed", "job_id", hb.JobID, "driver_id", hb.DriverID, "error", err)
			continue
		}
		if !tripMoving(tp.CurrentStatus) {
			_ = m.Tracker.Forget(ctx, hb.JobID, hb.DriverID)
			continue
		}
		pos := hb.Position
		_, created, err := m.Incidents.Raise(ctx, models.Incident{
			JobID: hb.JobID, DriverID: hb.DriverID, Type: models.IncidentSignalLost, Severity: models.SeverityHigh,
			LastKnownPosition: &pos,
			Evidence: map[string]any{
				"last_seen":      hb.LastSeen.Format(time.RFC3339),
				"silent_minutes": math.Round(now.Sub(hb.LastSeen).Minutes()),
			},
		})
		if err != nil {
			logger.Warn("signal_lost_raise_failed", "job_id", hb.JobID, "driver_id", hb.DriverID, "error", err)
			continue
		}
		if err := m.Tracker.MarkLost(ctx, hb.JobID, hb.DriverID); err != nil {
			logger.Warn("signal_lost_mark_failed", "job_id", hb.JobID, "driver_id", hb.DriverID, "error", err)
		}
		if created {
			raised++
		}
	}
	if n, err := m.Tracker.Count(ctx); err == nil {
		observability.TrackedTrips.Set(float64(n))
	}
	return raised, nil
}

// tripMoving reports whether silence on a trip in status s is an incident.
// Trips waiting for confirmation no longer need a live position.
func tripMoving(s models.Status) bool {
	switch s {
	case models.StatusAccepted, models.StatusLoading, models.StatusLoaded, models.StatusInTransit:
		return true
	}
	return false
}
