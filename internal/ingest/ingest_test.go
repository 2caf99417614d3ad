package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/freight-trips/internal/apperr"
	"github.com/example/freight-trips/internal/assign"
	"github.com/example/freight-trips/internal/dispatch"
	"github.com/example/freight-trips/internal/geo"
	"github.com/example/freight-trips/internal/logging"
	"github.com/example/freight-trips/internal/models"
	"github.com/example/freight-trips/internal/route"
	"github.com/example/freight-trips/internal/storage"
)

var driver = models.Actor{UserID: "driver-1", Role: models.RoleDriver}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sink struct {
	mu  sync.Mutex
	got []dispatch.Notification
	err error
}

func (s *sink) Notify(_ context.Context, n dispatch.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	return s.err
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

type fixture struct {
	svc     *Service
	store   *storage.MemoryStore
	tracker *geo.Tracker
	notify  *sink
	clock   *clock
	rec     *IncidentRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	store := storage.NewMemoryStore()
	store.Now = c.Now
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, models.Job{
		ID: "job-1", OwnerID: "owner-1", Title: "Steel coils", Status: models.JobOpen, RequiredSlots: 1,
		Route: []models.Coord{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 1}},
	}))
	_, err := store.Bind(ctx, storage.BindRequest{JobID: "job-1", DriverID: driver.UserID, At: c.Now()})
	require.NoError(t, err)

	n := &sink{}
	rec := &IncidentRecorder{Store: store, Notifier: n, DedupWindow: 15 * time.Minute, Logger: logging.Discard(), Now: c.Now}
	tr := geo.NewTracker()
	svc := &Service{
		Store:            store,
		Tracker:          tr,
		Corridors:        route.StaticProvider{},
		Incidents:        rec,
		DeviationMeters:  2000,
		SpoofMaxSpeedKmh: 300,
		Logger:           logging.Discard(),
		Now:              c.Now,
	}
	return &fixture{svc: svc, store: store, tracker: tr, notify: n, clock: c, rec: rec}
}

func f64(v float64) *float64 { return &v }

func TestLatitudeOutOfRangeRejectedWithoutMutation(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.svc.Ingest(context.Background(), driver, PingInput{JobID: "job-1", Lat: 200, Lng: 0.5})
	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "lat", ve.Field)

	job, err := fx.store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Nil(t, job.CurrentLocation)
	assert.Nil(t, job.LastLocationUpdate)
	assert.Empty(t, fx.store.Pings("job-1", driver.UserID))
}

func TestTelemetryValidation(t *testing.T) {
	fx := newFixture(t)
	cases := map[string]PingInput{
		"lng":     {JobID: "job-1", Lat: 0, Lng: 181},
		"speed":   {JobID: "job-1", Lat: 0, Lng: 0, Speed: f64(301)},
		"heading": {JobID: "job-1", Lat: 0, Lng: 0, Heading: f64(-1)},
		"jobId":   {Lat: 0, Lng: 0},
	}
	for field, in := range cases {
		_, err := fx.svc.Ingest(context.Background(), driver, in)
		var ve *apperr.ValidationError
		require.ErrorAs(t, err, &ve, field)
		assert.Equal(t, field, ve.Field)
	}
}

func TestOnlyAssignedDriverMayPing(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.svc.Ingest(context.Background(), models.Actor{UserID: "driver-2", Role: models.RoleDriver}, PingInput{JobID: "job-1", Lat: 0, Lng: 0.1})
	assert.Equal(t, apperr.CodeForbidden, apperr.Code(err))
	_, err = fx.svc.Ingest(context.Background(), models.Actor{UserID: "owner-1", Role: models.RoleOwner}, PingInput{JobID: "job-1", Lat: 0, Lng: 0.1})
	assert.Equal(t, apperr.CodeForbidden, apperr.Code(err))
}

func TestPingForEndedTripRejected(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	_, err := fx.store.CompareAndSwap(ctx, "job-1", driver.UserID, models.StatusAccepted, models.StatusCancelled)
	require.NoError(t, err)

	_, err = fx.svc.Ingest(ctx, driver, PingInput{JobID: "job-1", Lat: 0, Lng: 0.1})
	assert.Equal(t, apperr.CodeTripNotActive, apperr.Code(err))
	assert.Empty(t, fx.store.Pings("job-1", driver.UserID))
	n, _ := fx.tracker.Count(ctx)
	assert.Zero(t, n)

	_, err = fx.svc.Checkin(ctx, driver, CheckinInput{JobID: "job-1", Kind: "delivery_arrival"})
	assert.Equal(t, apperr.CodeTripNotActive, apperr.Code(err))
}

func TestPingUpdatesLastKnownPositionAndHeartbeat(t *testing.T) {
	fx := newFixture(t)
	p, err := fx.svc.Ingest(context.Background(), driver, PingInput{JobID: "job-1", Lat: 0.001, Lng: 0.2, Speed: f64(72), Source: "gps"})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)

	job, err := fx.store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotNil(t, job.CurrentLocation)
	assert.Equal(t, 0.2, job.CurrentLocation.Lng)
	n, _ := fx.tracker.Count(context.Background())
	assert.Equal(t, 1, n)
	assert.Zero(t, fx.notify.count(), "on-route ping raises nothing")
}

func TestLatePingDoesNotRewindLocation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	_, err := fx.svc.Ingest(ctx, driver, PingInput{JobID: "job-1", Lat: 0, Lng: 0.4})
	require.NoError(t, err)
	earlier := fx.clock.Now().Add(-2 * time.Minute)
	_, err = fx.svc.Ingest(ctx, driver, PingInput{JobID: "job-1", Lat: 0, Lng: 0.2, Timestamp: &earlier})
	require.NoError(t, err)

	job, err := fx.store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, job.CurrentLocation)
	assert.Equal(t, 0.4, job.CurrentLocation.Lng)
	assert.Equal(t, fx.clock.Now(), *job.LastLocationUpdate)
	assert.Len(t, fx.store.Pings("job-1", driver.UserID), 2, "late pings are still kept in history")
}

func TestRouteDeviationRaisedOnceWithinDedupWindow(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	// ~5.5km north of the planned line.
	_, err := fx.svc.Ingest(ctx, driver, PingInput{JobID: "job-1", Lat: 0.05, Lng: 0.5})
	require.NoError(t, err)
	fx.clock.Advance(time.Minute)
	_, err = fx.svc.Ingest(ctx, driver, PingInput{JobID: "job-1", Lat: 0.05, Lng: 0.51})
	require.NoError(t, err)

	list, err := fx.rec.List(ctx, models.Actor{UserID: "owner-1", Role: models.RoleOwner}, storage.IncidentFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	inc := list[0]
	assert.Equal(t, models.IncidentRouteDeviation, inc.Type)
	assert.True(t, inc.AutoGenerated)
	assert.Equal(t, "Steel coils", inc.JobTitle)
	require.NotNil(t, inc.LastKnownPosition)
	assert.Equal(t, 0.05, inc.LastKnownPosition.Lat)

	require.Equal(t, 1, fx.notify.count())
	assert.Equal(t, "owner-1", fx.notify.got[0].UserID)
	assert.Equal(t, 0.05, fx.notify.got[0].Data["lat"])

	fx.clock.Advance(15 * time.Minute)
	_, err = fx.svc.Ingest(ctx, driver, PingInput{JobID: "job-1", Lat: 0.05, Lng: 0.52})
	require.NoError(t, err)
	list, _ = fx.rec.List(ctx, models.Actor{UserID: "admin", Role: models.RoleAdmin}, storage.IncidentFilter{})
	assert.Len(t, list, 2, "dedup window has passed")
}

func TestNotificationFailureNeverFailsIngest(t *testing.T) {
	fx := newFixture(t)
	fx.notify.err = errors.New("push provider down")
	_, err := fx.svc.Ingest(context.Background(), driver, PingInput{JobID: "job-1", Lat: 0.05, Lng: 0.5})
	require.NoError(t, err)
	assert.Equal(t, 1, fx.notify.count())
}

func TestImpliedSpeedRaisesSpoofing(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	_, err := fx.svc.Ingest(ctx, driver, PingInput{JobID: "job-1", Lat: 0, Lng: 0.1})
	require.NoError(t, err)
	fx.clock.Advance(time.Minute)
	// 0.5 degrees of longitude (~55km) in one minute.
	_, err = fx.svc.Ingest(ctx, driver, PingInput{JobID: "job-1", Lat: 0, Lng: 0.6})
	require.NoError(t, err)

	inc, ok, err := fx.store.LatestIncident(ctx, "job-1", driver.UserID, models.IncidentSuspectedSpoofing)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.SeverityHigh, inc.Severity)
	assert.Greater(t, inc.Evidence["implied_speed_kmh"].(float64), 300.0)
}

func TestReportIncident(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	inc, err := fx.rec.Report(ctx, driver, ReportInput{
		JobID: "job-1", Type: "gps_disabled", Severity: "critical",
		LastKnownLat: f64(-1.5), LastKnownLng: f64(36.8), Description: "phone restarted",
	})
	require.NoError(t, err)
	assert.Equal(t, models.IncidentGPSDisabled, inc.Type)
	assert.Equal(t, driver.UserID, inc.DriverID)
	assert.False(t, inc.AutoGenerated)

	_, err = fx.rec.Report(ctx, driver, ReportInput{JobID: "job-1", Type: "ALIENS"})
	assert.Equal(t, apperr.CodeValidation, apperr.Code(err))
	_, err = fx.rec.Report(ctx, driver, ReportInput{JobID: "job-1", Type: "SIGNAL_LOST", LastKnownLat: f64(1)})
	assert.Equal(t, apperr.CodeValidation, apperr.Code(err))
	_, err = fx.rec.Report(ctx, models.Actor{UserID: "owner-9", Role: models.RoleOwner}, ReportInput{JobID: "job-1", Type: "SIGNAL_LOST"})
	assert.Equal(t, apperr.CodeForbidden, apperr.Code(err))
}

func TestCheckin(t *testing.T) {
	fx := newFixture(t)
	c, err := fx.svc.Checkin(context.Background(), driver, CheckinInput{JobID: "job-1", Kind: "pickup_arrival", Lat: f64(0), Lng: f64(0)})
	require.NoError(t, err)
	assert.Equal(t, "PICKUP_ARRIVAL", c.Kind)
	n, err := fx.store.CountCheckpoints(context.Background(), "job-1", driver.UserID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = fx.svc.Checkin(context.Background(), driver, CheckinInput{JobID: "job-1", Kind: "nap"})
	assert.Equal(t, apperr.CodeValidation, apperr.Code(err))
}

func TestSignalMonitorRaisesOncePerEpisode(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	_, err := fx.svc.Ingest(ctx, driver, PingInput{JobID: "job-1", Lat: 0, Lng: 0.3})
	require.NoError(t, err)

	mon := &SignalMonitor{Tracker: fx.tracker, Trips: fx.store, Incidents: fx.rec, Silence: 10 * time.Minute, Logger: logging.Discard(), Now: fx.clock.Now}

	fx.clock.Advance(5 * time.Minute)
	n, err := mon.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "inside the silence window")

	fx.clock.Advance(6 * time.Minute)
	n, err = mon.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	fx.clock.Advance(30 * time.Minute)
	n, err = mon.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "same episode is not raised again")

	inc, ok, err := fx.store.LatestIncident(ctx, "job-1", driver.UserID, models.IncidentSignalLost)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, inc.LastKnownPosition)
	assert.InDelta(t, 0.3, inc.LastKnownPosition.Lng, 1e-9)
}

func TestSignalMonitorForgetsFinishedTrips(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	_, err := fx.svc.Ingest(ctx, driver, PingInput{JobID: "job-1", Lat: 0, Lng: 0.3})
	require.NoError(t, err)
	_, err = fx.store.CompareAndSwap(ctx, "job-1", driver.UserID, models.StatusAccepted, models.StatusCancelled)
	require.NoError(t, err)

	mon := &SignalMonitor{Tracker: fx.tracker, Trips: fx.store, Incidents: fx.rec, Silence: time.Minute, Logger: logging.Discard(), Now: fx.clock.Now}
	fx.clock.Advance(time.Hour)
	n, err := mon.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	count, _ := fx.tracker.Count(ctx)
	assert.Zero(t, count)
}

func TestSignalLostForTripThatNeverPinged(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.store.CreateJob(ctx, models.Job{
		ID: "job-2", OwnerID: "owner-1", Status: models.JobOpen, RequiredSlots: 1,
		Origin: models.Coord{Lat: 1.25, Lng: 103.8},
	}))
	binder := &assign.Service{Store: fx.store, Tracker: fx.tracker, Logger: logging.Discard(), Now: fx.clock.Now}
	_, err := binder.Accept(ctx, driver, "job-2")
	require.NoError(t, err)
	for _, step := range [][2]models.Status{
		{models.StatusAccepted, models.StatusLoading},
		{models.StatusLoading, models.StatusLoaded},
		{models.StatusLoaded, models.StatusInTransit},
	} {
		_, err := fx.store.CompareAndSwap(ctx, "job-2", driver.UserID, step[0], step[1])
		require.NoError(t, err)
	}

	mon := &SignalMonitor{Tracker: fx.tracker, Trips: fx.store, Incidents: fx.rec, Silence: 10 * time.Minute, Logger: logging.Discard(), Now: fx.clock.Now}
	fx.clock.Advance(3 * time.Hour)
	n, err := mon.Scan(ctx)
	require.NoError(t, err)
	// job-1 from the fixture was bound straight on the store and is never tracked
	assert.Equal(t, 1, n)

	inc, ok, err := fx.store.LatestIncident(ctx, "job-2", driver.UserID, models.IncidentSignalLost)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, inc.LastKnownPosition)
	assert.Equal(t, models.Coord{Lat: 1.25, Lng: 103.8}, *inc.LastKnownPosition)
}
