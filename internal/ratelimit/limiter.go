// Package ratelimit gates mutating endpoints with fixed per-minute and
// per-hour windows, an independent short burst window and progressive
// blocking for repeat offenders. Counters live in a Store so every API
// replica shares one view; the limiter fails open when the store is down.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/freight-trips/internal/logging"
	"github.com/example/freight-trips/internal/observability"
)

// Policy configures one endpoint. A zero limit disables that window.
type Policy struct {
	PerMinute   int
	PerHour     int
	Burst       int
	BurstWindow time.Duration

	// BlockAfter exhausted windows within ViolationTTL trigger a block whose
	// duration is taken from Escalation, one step further per block.
	BlockAfter   int
	Escalation   []time.Duration
	ViolationTTL time.Duration
	StrikeTTL    time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.BurstWindow <= 0 {
		p.BurstWindow = 5 * time.Second
	}
	if p.BlockAfter <= 0 {
		p.BlockAfter = 3
	}
	if len(p.Escalation) == 0 {
		p.Escalation = []time.Duration{5 * time.Minute, 15 * time.Minute, time.Hour}
	}
	if p.ViolationTTL <= 0 {
		p.ViolationTTL = time.Hour
	}
	if p.StrikeTTL <= 0 {
		p.StrikeTTL = 24 * time.Hour
	}
	return p
}

// Decision is the outcome of one Check.
type Decision struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	Blocked    bool
	RetryAfter time.Duration
	FailOpen   bool
}

// Violation is recorded every time a window is exhausted.
type Violation struct {
	Identifier string    `json:"identifier"`
	Endpoint   string    `json:"endpoint"`
	Window     string    `json:"window"`
	Count      int64     `json:"count"`
	Limit      int       `json:"limit"`
	At         time.Time `json:"at"`
}

// Store is the shared counter backend. Incr must be atomic per key and set
// the expiry only when it creates the key.
type Store interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Reset(ctx context.Context, key string) error
	BlockedUntil(ctx context.Context, key string) (time.Time, error)
	Block(ctx context.Context, key string, until time.Time) error
	RecordViolation(ctx context.Context, v Violation) error
}

type Limiter struct {
	store    Store
	policies map[string]Policy
	fallback Policy
	logger   *slog.Logger
	Now      func() time.Time
}

// New builds a limiter. Endpoints without a policy use fallback.
func New(store Store, policies map[string]Policy, fallback Policy, logger *slog.Logger) *Limiter {
	ps := make(map[string]Policy, len(policies))
	for k, p := range policies {
		ps[k] = p.withDefaults()
	}
	return &Limiter{store: store, policies: ps, fallback: fallback.withDefaults(), logger: logging.OrDefault(logger), Now: time.Now}
}

func (l *Limiter) Policy(endpoint string) Policy {
	if p, ok := l.policies[endpoint]; ok {
		return p
	}
	return l.fallback
}

type window struct {
	name  string
	limit int
	size  time.Duration
}

func (l *Limiter) Check(ctx context.Context, identifier, endpoint string) Decision {
	p := l.Policy(endpoint)
	now := l.Now()
	base := identifier + ":" + endpoint

	until, err := l.store.BlockedUntil(ctx, "rl:block:"+base)
	if err != nil {
		return l.failOpen(endpoint, identifier, p, "blocked_until", err)
	}
	if until.After(now) {
		observability.RateLimitDecisions.WithLabelValues(endpoint, "blocked").Inc()
		return Decision{Limit: p.PerMinute, ResetAt: until, Blocked: true, RetryAfter: until.Sub(now)}
	}

	windows := []window{
		{name: "burst", limit: p.Burst, size: p.BurstWindow},
		{name: "minute", limit: p.PerMinute, size: time.Minute},
		{name: "hour", limit: p.PerHour, size: time.Hour},
	}
	dec := Decision{Allowed: true, Remaining: -1}
	var (
		exceeded     bool
		newViolation *Violation
	)
	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		start := now.Truncate(w.size)
		reset := start.Add(w.size)
		key := fmt.Sprintf("rl:%s:%s:%d", w.name, base, start.Unix())
		n, err := l.store.Incr(ctx, key, w.size+time.Second)
		if err != nil {
			return l.failOpen(endpoint, identifier, p, "incr", err)
		}
		remaining := w.limit - int(n)
		if remaining < 0 {
			remaining = 0
		}
		if int(n) > w.limit {
			// Report the window that forces the longest wait.
			if !exceeded || reset.After(dec.ResetAt) {
				dec.Limit, dec.Remaining, dec.ResetAt = w.limit, 0, reset
			}
			exceeded = true
			if int(n) == w.limit+1 && newViolation == nil {
				newViolation = &Violation{Identifier: identifier, Endpoint: endpoint, Window: w.name, Count: n, Limit: w.limit, At: now}
			}
			continue
		}
		if !exceeded && (dec.Remaining < 0 || remaining < dec.Remaining) {
			dec.Limit, dec.Remaining, dec.ResetAt = w.limit, remaining, reset
		}
	}
	if dec.Remaining < 0 {
		dec.Remaining = 0
	}
	if !exceeded {
		observability.RateLimitDecisions.WithLabelValues(endpoint, "allowed").Inc()
		return dec
	}

	dec.Allowed = false
	dec.RetryAfter = dec.ResetAt.Sub(now)
	if newViolation != nil {
		if blockUntil, blocked := l.registerViolation(ctx, base, p, *newViolation); blocked {
			dec.Blocked = true
			dec.ResetAt = blockUntil
			dec.RetryAfter = blockUntil.Sub(now)
		}
	}
	result := "limited"
	if dec.Blocked {
		result = "blocked"
	}
	observability.RateLimitDecisions.WithLabelValues(endpoint, result).Inc()
	return dec
}

// registerViolation records v and escalates to a block once the violation
// count reaches the policy threshold.
func (l *Limiter) registerViolation(ctx context.Context, base string, p Policy, v Violation) (time.Time, bool) {
	l.logger.Info("rate_limit_violation",
		"identifier", v.Identifier, "endpoint", v.Endpoint, "window", v.Window, "count", v.Count, "limit", v.Limit)
	if err := l.store.RecordViolation(ctx, v); err != nil {
		l.logger.Warn("rate_limit_violation_record_failed", "identifier", v.Identifier, "endpoint", v.Endpoint, "error", err)
	}
	count, err := l.store.Incr(ctx, "rl:viol:"+base, p.ViolationTTL)
	if err != nil {
		l.logger.Warn("rate_limit_violation_count_failed", "identifier", v.Identifier, "endpoint", v.Endpoint, "error", err)
		return time.Time{}, false
	}
	if int(count) < p.BlockAfter {
		return time.Time{}, false
	}
	strike, err := l.store.Incr(ctx, "rl:strike:"+base, p.StrikeTTL)
	if err != nil {
		strike = 1
	}
	idx := int(strike) - 1
	if idx >= len(p.Escalation) {
		idx = len(p.Escalation) - 1
	}
	until := v.At.Add(p.Escalation[idx])
	if err := l.store.Block(ctx, "rl:block:"+base, until); err != nil {
		l.logger.Warn("rate_limit_block_failed", "identifier", v.Identifier, "endpoint", v.Endpoint, "error", err)
		return time.Time{}, false
	}
	if err := l.store.Reset(ctx, "rl:viol:"+base); err != nil {
		// the block stands; the stale count only brings the next one sooner
		l.logger.Warn("rate_limit_violation_reset_failed", "identifier", v.Identifier, "endpoint", v.Endpoint, "error", err)
	}
	l.logger.Warn("rate_limit_blocked",
		"identifier", v.Identifier, "endpoint", v.Endpoint, "strike", strike, "blocked_until", until)
	return until, true
}

func (l *Limiter) failOpen(endpoint, identifier string, p Policy, op string, err error) Decision {
	observability.RateLimitFailOpen.WithLabelValues(endpoint).Inc()
	l.logger.Warn("rate_limit_fail_open", "endpoint", endpoint, "identifier", identifier, "op", op, "error", err)
	return Decision{Allowed: true, Limit: p.PerMinute, Remaining: p.PerMinute, FailOpen: true}
}
