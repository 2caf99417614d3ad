package geo

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/example/freight-trips/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	d := Haversine(0, 0, 1, 0)
	if math.Abs(d-111195) > 100 {
		t.Fatalf("expected ~111195m, got %f", d)
	}
}

func TestDistanceToPath(t *testing.T) {
	path := []models.Coord{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 1}}
	cases := []struct {
		name string
		p    models.Coord
		want float64
	}{
		{"on the line", models.Coord{Lat: 0, Lng: 0.5}, 0},
		{"beside the line", models.Coord{Lat: 0.01, Lng: 0.5}, 1112},
		{"past the end", models.Coord{Lat: 0, Lng: 1.01}, 1112},
	}
	for _, tc := range cases {
		got, ok := DistanceToPath(tc.p, path)
		if !ok {
			t.Fatalf("%s: expected ok", tc.name)
		}
		if math.Abs(got-tc.want) > 5 {
			t.Fatalf("%s: expected ~%f, got %f", tc.name, tc.want, got)
		}
	}
	if _, ok := DistanceToPath(models.Coord{}, nil); ok {
		t.Fatal("empty path must report !ok")
	}
}

func exerciseTracker(t *testing.T, tr HeartbeatTracker) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	pos := models.Coord{Lat: -23.55, Lng: -46.63}

	if err := tr.Touch(ctx, "j1", "d1", pos, base); err != nil {
		t.Fatal(err)
	}
	if err := tr.Touch(ctx, "j2", "d2", pos, base.Add(9*time.Minute)); err != nil {
		t.Fatal(err)
	}
	stale, err := tr.Stale(ctx, base.Add(5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].JobID != "j1" || stale[0].DriverID != "d1" {
		t.Fatalf("expected only j1/d1 stale, got %+v", stale)
	}
	if math.Abs(stale[0].Position.Lat-pos.Lat) > 1e-4 || math.Abs(stale[0].Position.Lng-pos.Lng) > 1e-4 {
		t.Fatalf("position not kept: %+v", stale[0].Position)
	}

	if err := tr.MarkLost(ctx, "j1", "d1"); err != nil {
		t.Fatal(err)
	}
	if stale, _ = tr.Stale(ctx, base.Add(5*time.Minute)); len(stale) != 0 {
		t.Fatalf("lost pair must not be reported again, got %+v", stale)
	}

	// A fresh ping opens a new episode.
	if err := tr.Touch(ctx, "j1", "d1", pos, base.Add(20*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if stale, _ = tr.Stale(ctx, base.Add(31*time.Minute)); len(stale) != 2 {
		t.Fatalf("expected both pairs stale, got %+v", stale)
	}

	if err := tr.Forget(ctx, "j2", "d2"); err != nil {
		t.Fatal(err)
	}
	n, err := tr.Count(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 tracked trip, got %d (%v)", n, err)
	}
}

func TestMemoryTracker(t *testing.T) {
	exerciseTracker(t, NewTracker())
}

func TestRedisTracker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	exerciseTracker(t, NewRedisTracker(client, "test:"))
}
