package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/freight-trips/internal/apperr"
	"github.com/example/freight-trips/internal/guard"
	"github.com/example/freight-trips/internal/models"
)

func fastGuard(cooldown time.Duration) *guard.Guard {
	return guard.New(guard.NewRegistry(), guard.Options{
		Cooldown: cooldown, Timeout: time.Second, MaxRetries: 3,
		InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond,
	})
}

func newClient(t *testing.T, h http.Handler, g *guard.Guard) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, "tok", g)
	require.NoError(t, err)
	return c
}

func writeErr(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": code, "message": msg, "details": details}})
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("", "", nil)
	assert.Error(t, err)
	_, err = New("localhost:8080", "", nil)
	assert.Error(t, err)
}

func TestErrorsDecodeToTaxonomy(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		code    string
		msg     string
		details map[string]any
		check   func(t *testing.T, err error)
	}{
		{"validation", 400, "VALIDATION_ERROR", "validation: lat: out of range", map[string]any{"field": "lat", "reason": "out of range"}, func(t *testing.T, err error) {
			var ve *apperr.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, "lat", ve.Field)
		}},
		{"forbidden", 403, "FORBIDDEN", "forbidden: no", nil, func(t *testing.T, err error) {
			assert.Equal(t, 403, apperr.HTTPStatus(err))
		}},
		{"not authorized", 403, "NOT_AUTHORIZED", "not authorized: not a party to this trip", nil, func(t *testing.T, err error) {
			var na *apperr.NotAuthorizedError
			require.ErrorAs(t, err, &na)
			assert.Equal(t, "not a party to this trip", na.Reason)
			assert.Equal(t, "not authorized: not a party to this trip", err.Error())
			assert.False(t, apperr.Retryable(err))
		}},
		{"stale", 409, "STALE_STATE", "stale", map[string]any{"expected": "ACCEPTED", "actual": "LOADING"}, func(t *testing.T, err error) {
			var se *apperr.StaleStateError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, "LOADING", se.Actual)
			assert.True(t, apperr.Retryable(err))
		}},
		{"conflict", 409, "HAS_CHECKINS", "has_checkins: driver already recorded a checkpoint", nil, func(t *testing.T, err error) {
			var ce *apperr.ConflictError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, "driver already recorded a checkpoint", ce.Reason)
			assert.False(t, apperr.Retryable(err))
		}},
		{"partial", 500, "PARTIAL_FAILURE", "release partially applied", map[string]any{"operation": "release", "completed": []string{"cancel_assignment"}, "failed": "delete_trip_progress"}, func(t *testing.T, err error) {
			var pf *apperr.PartialFailureError
			require.ErrorAs(t, err, &pf)
			assert.Equal(t, []string{"cancel_assignment"}, pf.Completed)
			assert.Equal(t, "delete_trip_progress", pf.Failed)
		}},
		{"infra", 503, "INFRA_ERROR", "temporarily unavailable", nil, func(t *testing.T, err error) {
			assert.Equal(t, apperr.CodeInfra, apperr.Code(err))
			assert.True(t, apperr.Retryable(err))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeErr(w, tc.status, tc.code, tc.msg, tc.details)
			}), nil)
			_, err := c.Trip(context.Background(), "job-1", "d1")
			require.Error(t, err)
			assert.Equal(t, tc.code, apperr.Code(err))
			tc.check(t, err)
		})
	}
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		writeErr(w, 429, "RATE_LIMITED", "rate limited", map[string]any{"limit": 10, "blocked": true})
	}), nil)
	_, err := c.Accept(context.Background(), "job-1")
	var rl *apperr.RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 7*time.Second, rl.RetryAfter)
	assert.Equal(t, 10, rl.Limit)
	assert.True(t, rl.Blocked)
}

// tripServer is a scripted trip API with one trip, CAS transitions and
// idempotency keys. failBefore rejects transitions without applying them;
// loseReplies applies a transition and then reports a failure.
type tripServer struct {
	mu          sync.Mutex
	status      models.Status
	stored      map[string][]byte
	keys        []string
	expected    []models.Status
	failBefore  int
	loseReplies int
}

func (s *tripServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch r.URL.Path {
	case "/api/v1/trips/job-1/d1":
		_ = json.NewEncoder(w).Encode(models.TripProgress{JobID: "job-1", DriverID: "d1", CurrentStatus: s.status})
	case "/api/v1/transitions":
		var in TransitionInput
		_ = json.NewDecoder(r.Body).Decode(&in)
		key := r.Header.Get("Idempotency-Key")
		s.keys = append(s.keys, key)
		s.expected = append(s.expected, in.ExpectedStatus)
		if body, ok := s.stored[key]; ok {
			_, _ = w.Write(body)
			return
		}
		if s.failBefore > 0 {
			s.failBefore--
			writeErr(w, 503, "INFRA_ERROR", "db down", nil)
			return
		}
		if in.ExpectedStatus != s.status {
			writeErr(w, 409, "STALE_STATE", "stale", map[string]any{"expected": string(in.ExpectedStatus), "actual": string(s.status)})
			return
		}
		prev := s.status
		s.status = in.Status
		body, _ := json.Marshal(TransitionResult{JobID: "job-1", DriverID: "d1", Previous: prev, NewStatus: in.Status, Version: 2})
		s.stored[key] = body
		if s.loseReplies > 0 {
			s.loseReplies--
			writeErr(w, 503, "INFRA_ERROR", "gateway timeout", nil)
			return
		}
		_, _ = w.Write(body)
	default:
		http.NotFound(w, r)
	}
}

func TestAdvanceRetriesWithOneKey(t *testing.T) {
	srv := &tripServer{status: models.StatusAccepted, stored: map[string][]byte{}, failBefore: 2}
	c := newClient(t, srv, fastGuard(0))

	res, err := c.Advance(context.Background(), "job-1", "d1", models.StatusLoading, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusLoading, res.NewStatus)

	require.Len(t, srv.keys, 3)
	assert.Equal(t, srv.keys[0], srv.keys[1])
	assert.Equal(t, srv.keys[0], srv.keys[2])
	assert.NotEmpty(t, srv.keys[0])
}

func TestAdvanceReplaysLostResponse(t *testing.T) {
	srv := &tripServer{status: models.StatusAccepted, stored: map[string][]byte{}, loseReplies: 1}
	c := newClient(t, srv, fastGuard(0))

	res, err := c.Advance(context.Background(), "job-1", "d1", models.StatusLoading, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, res.Previous)
	assert.Equal(t, models.StatusLoading, srv.status)
	// The retry still names the status the first attempt observed.
	assert.Equal(t, []models.Status{models.StatusAccepted, models.StatusAccepted}, srv.expected)
}

func TestAdvanceStopsOnInvalidTransition(t *testing.T) {
	var hits int
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/trips/job-1/d1" {
			_ = json.NewEncoder(w).Encode(models.TripProgress{CurrentStatus: models.StatusAccepted})
			return
		}
		hits++
		writeErr(w, 409, "INVALID_TRANSITION", "invalid", map[string]any{"from": "ACCEPTED", "to": "LOADED"})
	}), fastGuard(0))
	_, err := c.Advance(context.Background(), "job-1", "d1", models.StatusLoaded, "")
	assert.Equal(t, apperr.CodeInvalidTransition, apperr.Code(err))
	assert.Equal(t, 1, hits)
}

func TestReleaseCooldownDropsRepeat(t *testing.T) {
	var hits int
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_ = json.NewEncoder(w).Encode(ReleaseResult{JobID: "job-1", DriverID: "d1", PreviousStatus: "ACCEPTED"})
	}), fastGuard(time.Minute))

	res, err := c.Release(context.Background(), "job-1", "d1", "")
	require.NoError(t, err)
	assert.Equal(t, "ACCEPTED", res.PreviousStatus)

	_, err = c.Release(context.Background(), "job-1", "d1", "")
	assert.True(t, errors.Is(err, guard.ErrCoolingDown))
	assert.Equal(t, 1, hits)
}

func TestPartialFailureIsNotRetried(t *testing.T) {
	var hits int
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		writeErr(w, 500, "PARTIAL_FAILURE", "release partially applied", map[string]any{"completed": []string{"cancel_assignment"}, "failed": "update_job"})
	}), fastGuard(0))
	_, err := c.Withdraw(context.Background(), "job-1", "")
	assert.Equal(t, apperr.CodePartialFailure, apperr.Code(err))
	assert.Equal(t, 1, hits)
}

func TestSendLocationRetriesUnavailable(t *testing.T) {
	var hits int
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			writeErr(w, 503, "INFRA_ERROR", "temporarily unavailable", nil)
			return
		}
		var loc Location
		_ = json.NewDecoder(r.Body).Decode(&loc)
		_ = json.NewEncoder(w).Encode(models.LocationPing{JobID: loc.JobID, Lat: loc.Lat, Lng: loc.Lng})
	}), fastGuard(0))
	ping, err := c.SendLocation(context.Background(), Location{JobID: "job-1", Lat: 1, Lng: 2})
	require.NoError(t, err)
	assert.Equal(t, 2.0, ping.Lng)
	assert.Equal(t, 2, hits)
}
