package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaxonomy(t *testing.T) {
	cases := []struct {
		err       error
		code      string
		status    int
		retryable bool
	}{
		{Invalid("lat", "out of range"), CodeValidation, http.StatusBadRequest, false},
		{Unauthenticated("no token"), CodeUnauthenticated, http.StatusUnauthorized, false},
		{Forbidden("not owner"), CodeForbidden, http.StatusForbidden, false},
		{NotAuthorized("not a party"), CodeNotAuthorized, http.StatusForbidden, false},
		{NotFound("job", "j1"), CodeNotFound, http.StatusNotFound, false},
		{&StaleStateError{Expected: "ACCEPTED", Actual: "LOADING"}, CodeStaleState, http.StatusConflict, true},
		{&InvalidTransitionError{From: "ACCEPTED", To: "LOADED"}, CodeInvalidTransition, http.StatusConflict, false},
		{Conflict(CodeHasCheckins, "already checked in"), CodeHasCheckins, http.StatusConflict, false},
		{Conflict(CodeStateDrift, "assignment disagrees"), CodeStateDrift, http.StatusConflict, false},
		{Conflict(CodeTripNotActive, "trip has already ended"), CodeTripNotActive, http.StatusConflict, false},
		{&RateLimitedError{Limit: 5, RetryAfter: time.Second}, CodeRateLimited, http.StatusTooManyRequests, true},
		{Infra("db", errors.New("conn refused")), CodeInfra, http.StatusServiceUnavailable, true},
		{errors.New("surprise"), CodeInfra, http.StatusServiceUnavailable, true},
		{&PartialFailureError{Op: "release", Completed: []string{"a"}, Failed: "b", Err: errors.New("x")}, CodePartialFailure, http.StatusInternalServerError, false},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tc.err)
			assert.Equal(t, tc.code, Code(wrapped))
			assert.Equal(t, tc.status, HTTPStatus(wrapped))
			assert.Equal(t, tc.retryable, Retryable(wrapped))
		})
	}
}

func TestNilAndCancel(t *testing.T) {
	assert.Equal(t, "", Code(nil))
	assert.Equal(t, http.StatusOK, HTTPStatus(nil))
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(Infra("call", context.Canceled)))
	assert.Nil(t, Infra("noop", nil))
}

func TestPartialFailureWinsOverCause(t *testing.T) {
	err := &PartialFailureError{Op: "release", Failed: "update_job", Err: NotFound("job", "j1")}
	assert.Equal(t, CodePartialFailure, Code(err))
	var nf *NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestRetryAfter(t *testing.T) {
	d, ok := RetryAfter(fmt.Errorf("wrap: %w", &RateLimitedError{RetryAfter: 3 * time.Second}))
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, d)

	_, ok = RetryAfter(Infra("db", errors.New("down")))
	assert.False(t, ok)
}

func TestConflictMessage(t *testing.T) {
	assert.Equal(t, "slots_full: no open slots", Conflict(CodeSlotsFull, "no open slots").Error())
	assert.Equal(t, "validation: lat: out of range", Invalid("lat", "out of range").Error())
}
