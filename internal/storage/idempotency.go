package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type idemEntry struct {
	body    []byte
	expires time.Time
}

// MemoryIdempotency keeps responses in process memory.
type MemoryIdempotency struct {
	mu      sync.Mutex
	entries map[string]idemEntry
	Now     func() time.Time
}

func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{entries: make(map[string]idemEntry), Now: time.Now}
}

func (m *MemoryIdempotency) GetResponse(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if m.Now().After(e.expires) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.body, true, nil
}

// PutResponse keeps the first body stored for key.
func (m *MemoryIdempotency) PutResponse(ctx context.Context, key string, body []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && m.Now().Before(e.expires) {
		return nil
	}
	m.entries[key] = idemEntry{body: append([]byte(nil), body...), expires: m.Now().Add(ttl)}
	return nil
}

// RedisIdempotency stores responses with SET NX EX so concurrent replicas
// agree on the first response.
type RedisIdempotency struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisIdempotency(client redis.UniversalClient) *RedisIdempotency {
	return &RedisIdempotency{client: client, prefix: "idem:"}
}

func (r *RedisIdempotency) GetResponse(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *RedisIdempotency) PutResponse(ctx context.Context, key string, body []byte, ttl time.Duration) error {
	return r.client.SetNX(ctx, r.prefix+key, body, ttl).Err()
}
