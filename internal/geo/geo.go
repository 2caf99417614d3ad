package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/freight-trips/internal/models"
)

const earthRadius = 6371000.0

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadius * c
}

func Distance(a, b models.Coord) float64 { return Haversine(a.Lat, a.Lng, b.Lat, b.Lng) }

// DistanceToPath returns the distance in meters from p to the nearest
// segment of path. Each segment is projected onto a local plane around p,
// which is accurate for corridor-sized distances. ok is false for an empty
// path.
func DistanceToPath(p models.Coord, path []models.Coord) (meters float64, ok bool) {
	switch len(path) {
	case 0:
		return 0, false
	case 1:
		return Distance(p, path[0]), true
	}
	cosLat := math.Cos(p.Lat * math.Pi / 180)
	project := func(c models.Coord) (x, y float64) {
		x = (c.Lng - p.Lng) * math.Pi / 180 * earthRadius * cosLat
		y = (c.Lat - p.Lat) * math.Pi / 180 * earthRadius
		return x, y
	}
	best := math.Inf(1)
	for i := 1; i < len(path); i++ {
		ax, ay := project(path[i-1])
		bx, by := project(path[i])
		if d := originToSegment(ax, ay, bx, by); d < best {
			best = d
		}
	}
	return best, true
}

func originToSegment(ax, ay, bx, by float64) float64 {
	dx, dy := bx-ax, by-ay
	l2 := dx*dx + dy*dy
	t := 0.0
	if l2 > 0 {
		t = -(ax*dx + ay*dy) / l2
		t = math.Max(0, math.Min(1, t))
	}
	cx, cy := ax+t*dx, ay+t*dy
	return math.Hypot(cx, cy)
}

// Heartbeat is the last ping seen for one trip.
type Heartbeat struct {
	JobID    string
	DriverID string
	Position models.Coord
	LastSeen time.Time
}

// HeartbeatTracker keeps the silence view used by the signal monitor.
// Touch starts a new episode: a pair marked lost becomes eligible again.
type HeartbeatTracker interface {
	Touch(ctx context.Context, jobID, driverID string, pos models.Coord, at time.Time) error
	// Stale lists pairs silent since before cutoff that are not marked lost.
	Stale(ctx context.Context, cutoff time.Time) ([]Heartbeat, error)
	MarkLost(ctx context.Context, jobID, driverID string) error
	Forget(ctx context.Context, jobID, driverID string) error
	Count(ctx context.Context) (int, error)
}

type trackedTrip struct {
	hb   Heartbeat
	lost bool
}

// Tracker is the in-process HeartbeatTracker.
type Tracker struct {
	mu    sync.RWMutex
	trips map[string]*trackedTrip
}

func NewTracker() *Tracker {
	return &Tracker{trips: make(map[string]*trackedTrip)}
}

func memberKey(jobID, driverID string) string { return jobID + "/" + driverID }

func (t *Tracker) Touch(_ context.Context, jobID, driverID string, pos models.Coord, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := memberKey(jobID, driverID)
	if cur, ok := t.trips[k]; ok && at.Before(cur.hb.LastSeen) {
		return nil
	}
	t.trips[k] = &trackedTrip{hb: Heartbeat{JobID: jobID, DriverID: driverID, Position: pos, LastSeen: at}}
	return nil
}

func (t *Tracker) Stale(_ context.Context, cutoff time.Time) ([]Heartbeat, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Heartbeat
	for _, tr := range t.trips {
		if !tr.lost && tr.hb.LastSeen.Before(cutoff) {
			out = append(out, tr.hb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.Before(out[j].LastSeen) })
	return out, nil
}

func (t *Tracker) MarkLost(_ context.Context, jobID, driverID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.trips[memberKey(jobID, driverID)]; ok {
		tr.lost = true
	}
	return nil
}

func (t *Tracker) Forget(_ context.Context, jobID, driverID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.trips, memberKey(jobID, driverID))
	return nil
}

func (t *Tracker) Count(context.Context) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.trips), nil
}
