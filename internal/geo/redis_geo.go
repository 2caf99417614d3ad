package geo

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/freight-trips/internal/models"
)

// RedisTracker implements HeartbeatTracker with Redis so every API replica
// and the ping consumer share one view. Positions live in a GEO set,
// last-seen times in a sorted set scored by unix millis, and pairs already
// reported lost in a plain set.
type RedisTracker struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisTracker(client redis.UniversalClient, prefix string) *RedisTracker {
	if prefix == "" {
		prefix = "trips:"
	}
	return &RedisTracker{client: client, prefix: prefix}
}

func (r *RedisTracker) posKey() string  { return r.prefix + "pos" }
func (r *RedisTracker) seenKey() string { return r.prefix + "seen" }
func (r *RedisTracker) lostKey() string { return r.prefix + "lost" }

func member(jobID, driverID string) string { return jobID + "|" + driverID }

func splitMember(m string) (jobID, driverID string, ok bool) {
	return strings.Cut(m, "|")
}

func (r *RedisTracker) Touch(ctx context.Context, jobID, driverID string, pos models.Coord, at time.Time) error {
	m := member(jobID, driverID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, r.posKey(), &redis.GeoLocation{Name: m, Longitude: pos.Lng, Latitude: pos.Lat})
		pipe.ZAdd(ctx, r.seenKey(), redis.Z{Score: float64(at.UnixMilli()), Member: m})
		pipe.SRem(ctx, r.lostKey(), m)
		return nil
	})
	return err
}

func (r *RedisTracker) Stale(ctx context.Context, cutoff time.Time) ([]Heartbeat, error) {
	zs, err := r.client.ZRangeByScoreWithScores(ctx, r.seenKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil || len(zs) == 0 {
		return nil, err
	}
	members := make([]string, 0, len(zs))
	seen := make(map[string]time.Time, len(zs))
	for _, z := range zs {
		m, _ := z.Member.(string)
		lost, err := r.client.SIsMember(ctx, r.lostKey(), m).Result()
		if err != nil {
			return nil, err
		}
		if lost {
			continue
		}
		members = append(members, m)
		seen[m] = time.UnixMilli(int64(z.Score)).UTC()
	}
	if len(members) == 0 {
		return nil, nil
	}
	positions, err := r.client.GeoPos(ctx, r.posKey(), members...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Heartbeat, 0, len(members))
	for i, m := range members {
		jobID, driverID, ok := splitMember(m)
		if !ok {
			continue
		}
		hb := Heartbeat{JobID: jobID, DriverID: driverID, LastSeen: seen[m]}
		if i < len(positions) && positions[i] != nil {
			hb.Position = models.Coord{Lat: positions[i].Latitude, Lng: positions[i].Longitude}
		}
		out = append(out, hb)
	}
	return out, nil
}

func (r *RedisTracker) MarkLost(ctx context.Context, jobID, driverID string) error {
	return r.client.SAdd(ctx, r.lostKey(), member(jobID, driverID)).Err()
}

func (r *RedisTracker) Forget(ctx context.Context, jobID, driverID string) error {
	m := member(jobID, driverID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.posKey(), m)
		pipe.ZRem(ctx, r.seenKey(), m)
		pipe.SRem(ctx, r.lostKey(), m)
		return nil
	})
	return err
}

func (r *RedisTracker) Count(ctx context.Context) (int, error) {
	n, err := r.client.ZCard(ctx, r.seenKey()).Result()
	return int(n), err
}
