package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/example/freight-trips/internal/geo"
	"github.com/example/freight-trips/internal/models"
)

// fakeWriter implements HeartbeatWriter for tests
type fakeWriter struct {
	fail  int // number of times to fail Touch before succeeding
	calls int
}

func (f *fakeWriter) Touch(ctx context.Context, jobID, driverID string, pos models.Coord, at time.Time) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("touch fail")
	}
	return nil
}

func ping() models.LocationPing {
	return models.LocationPing{ID: "p1", JobID: "job-1", DriverID: "d1", Lat: 1, Lng: 2, Timestamp: time.Now().UTC()}
}

func TestTouchWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeWriter{fail: 2}
	start := time.Now()
	if err := touchWithRetry(context.Background(), f, ping(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected doubling backoff between attempts")
	}
}

func TestTouchWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeWriter{fail: 5}
	if err := touchWithRetry(context.Background(), f, ping(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
}

func TestTouchWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeWriter{fail: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := touchWithRetry(ctx, f, ping(), 3, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDecodePing(t *testing.T) {
	good, _ := json.Marshal(ping())
	if _, err := decodePing(good); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bad := []string{
		`not json`,
		`{"job_id":"job-1","lat":1,"lng":2,"timestamp":"2024-01-01T00:00:00Z"}`,
		`{"job_id":"job-1","driver_id":"d1","lat":1,"lng":2}`,
		`{"job_id":"job-1","driver_id":"d1","lat":95,"lng":2,"timestamp":"2024-01-01T00:00:00Z"}`,
	}
	for _, b := range bad {
		if _, err := decodePing([]byte(b)); err == nil {
			t.Fatalf("expected %s to be rejected", b)
		}
	}
}

func TestProjectsIntoRedisTracker(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()
	tracker := geo.NewRedisTracker(rc, "trips:")

	p := ping()
	p.Timestamp = time.Now().Add(-time.Hour).UTC()
	if err := touchWithRetry(context.Background(), tracker, p, 3, time.Millisecond); err != nil {
		t.Fatalf("touch: %v", err)
	}
	stale, err := tracker.Stale(context.Background(), time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if len(stale) != 1 || stale[0].JobID != "job-1" || stale[0].DriverID != "d1" {
		t.Fatalf("unexpected stale set %+v", stale)
	}
}
