package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxViolations = 1000

type counter struct {
	n       int64
	expires time.Time
}

// MemoryStore is a single-process Store.
type MemoryStore struct {
	mu         sync.Mutex
	counters   map[string]counter
	blocks     map[string]time.Time
	violations []Violation
	Now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]counter), blocks: make(map[string]time.Time), Now: time.Now}
}

func (m *MemoryStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	c, ok := m.counters[key]
	if !ok || !now.Before(c.expires) {
		c = counter{expires: now.Add(ttl)}
	}
	c.n++
	m.counters[key] = c
	return c.n, nil
}

func (m *MemoryStore) Reset(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counters, key)
	return nil
}

func (m *MemoryStore) BlockedUntil(ctx context.Context, key string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocks[key], nil
}

func (m *MemoryStore) Block(ctx context.Context, key string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[key] = until
	return nil
}

func (m *MemoryStore) RecordViolation(ctx context.Context, v Violation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.violations = append(m.violations, v)
	if len(m.violations) > maxViolations {
		m.violations = m.violations[len(m.violations)-maxViolations:]
	}
	return nil
}

// Violations returns recorded violations, oldest first.
func (m *MemoryStore) Violations() []Violation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Violation(nil), m.violations...)
}

// incrScript increments and sets the expiry in one server-side step, so a
// counter can never be left without a TTL.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisStore shares counters across API replicas.
type RedisStore struct {
	client        redis.UniversalClient
	violationsKey string
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, violationsKey: "rl:violations"}
}

func (r *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return incrScript.Run(ctx, r.client, []string{key}, ttl.Milliseconds()).Int64()
}

func (r *RedisStore) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisStore) BlockedUntil(ctx context.Context, key string) (time.Time, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func (r *RedisStore) Block(ctx context.Context, key string, until time.Time) error {
	ttl := time.Until(until)
	if ttl < time.Second {
		ttl = time.Second
	}
	return r.client.Set(ctx, key, strconv.FormatInt(until.UnixMilli(), 10), ttl).Err()
}

func (r *RedisStore) RecordViolation(ctx context.Context, v Violation) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, r.violationsKey, b)
		p.LTrim(ctx, r.violationsKey, 0, maxViolations-1)
		return nil
	})
	return err
}

// Violations returns the most recent violations, newest first.
func (r *RedisStore) Violations(ctx context.Context, n int64) ([]Violation, error) {
	raw, err := r.client.LRange(ctx, r.violationsKey, 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Violation, 0, len(raw))
	for _, s := range raw {
		var v Violation
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
