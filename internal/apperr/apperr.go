// Package apperr defines the error taxonomy shared by the API server and the
// client. Every error knows its wire code, its HTTP status and whether a
// caller may retry it.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeUnauthenticated   = "UNAUTHENTICATED"
	CodeForbidden         = "FORBIDDEN"
	CodeNotAuthorized     = "NOT_AUTHORIZED"
	CodeNotFound          = "NOT_FOUND"
	CodeStaleState        = "STALE_STATE"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeRateLimited       = "RATE_LIMITED"
	CodeInfra             = "INFRA_ERROR"
	CodePartialFailure    = "PARTIAL_FAILURE"

	// Conflict codes.
	CodeHasCheckins             = "HAS_CHECKINS"
	CodeInvalidStatusForRelease = "INVALID_STATUS_FOR_RELEASE"
	CodeSlotsFull               = "SLOTS_FULL"
	CodeAlreadyAssigned         = "ALREADY_ASSIGNED"
	CodeStateDrift              = "STATE_DRIFT"
	CodeTripNotActive           = "TRIP_NOT_ACTIVE"
)

// ValidationError rejects malformed input before any state is read.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

type AuthError struct {
	Forbidden bool
	Reason    string
}

func (e *AuthError) Error() string {
	if e.Forbidden {
		return "forbidden: " + e.Reason
	}
	return "unauthenticated: " + e.Reason
}

func Unauthenticated(reason string) error { return &AuthError{Reason: reason} }
func Forbidden(reason string) error       { return &AuthError{Forbidden: true, Reason: reason} }

// NotAuthorizedError rejects a trip status change the actor is not
// permitted to make, either because they are not a party to the trip or
// because their role may not make that move.
type NotAuthorizedError struct {
	Reason string
}

func (e *NotAuthorizedError) Error() string { return "not authorized: " + e.Reason }

func NotAuthorized(reason string) error { return &NotAuthorizedError{Reason: reason} }

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Resource, e.ID) }

func NotFound(resource, id string) error { return &NotFoundError{Resource: resource, ID: id} }

// StaleStateError reports a compare-and-swap mismatch.
type StaleStateError struct {
	Expected string
	Actual   string
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("stale state: expected %s, persisted %s", e.Expected, e.Actual)
}

type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// ConflictError is a clean business-rule rejection identified by Code.
type ConflictError struct {
	Code   string
	Reason string
}

func (e *ConflictError) Error() string { return strings.ToLower(e.Code) + ": " + e.Reason }

func Conflict(code, reason string) error { return &ConflictError{Code: code, Reason: reason} }

type RateLimitedError struct {
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Blocked    bool
}

func (e *RateLimitedError) Error() string {
	if e.Blocked {
		return fmt.Sprintf("rate limited: blocked, retry after %s", e.RetryAfter)
	}
	return fmt.Sprintf("rate limited: limit %d, retry after %s", e.Limit, e.RetryAfter)
}

// InfraError wraps a storage or dependency failure.
type InfraError struct {
	Op  string
	Err error
}

func (e *InfraError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *InfraError) Unwrap() error { return e.Err }

func Infra(op string, err error) error {
	if err == nil {
		return nil
	}
	return &InfraError{Op: op, Err: err}
}

// PartialFailureError reports a multi-record operation that stopped after
// some, but not all, of its mutations were applied.
type PartialFailureError struct {
	Op        string
	Completed []string
	Failed    string
	Err       error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%s partially applied: completed [%s], failed at %s: %v",
		e.Op, strings.Join(e.Completed, ", "), e.Failed, e.Err)
}

func (e *PartialFailureError) Unwrap() error { return e.Err }

// Code returns the wire code for err.
func Code(err error) string {
	var (
		ve *ValidationError
		ae *AuthError
		na *NotAuthorizedError
		nf *NotFoundError
		se *StaleStateError
		it *InvalidTransitionError
		ce *ConflictError
		rl *RateLimitedError
		pf *PartialFailureError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pf):
		return CodePartialFailure
	case errors.As(err, &ve):
		return CodeValidation
	case errors.As(err, &ae):
		if ae.Forbidden {
			return CodeForbidden
		}
		return CodeUnauthenticated
	case errors.As(err, &na):
		return CodeNotAuthorized
	case errors.As(err, &nf):
		return CodeNotFound
	case errors.As(err, &se):
		return CodeStaleState
	case errors.As(err, &it):
		return CodeInvalidTransition
	case errors.As(err, &ce):
		return ce.Code
	case errors.As(err, &rl):
		return CodeRateLimited
	}
	return CodeInfra
}

func HTTPStatus(err error) int {
	switch Code(err) {
	case "":
		return http.StatusOK
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden, CodeNotAuthorized:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodePartialFailure:
		return http.StatusInternalServerError
	case CodeInfra:
		return http.StatusServiceUnavailable
	}
	// stale state, invalid transition and every conflict code
	return http.StatusConflict
}

// Retryable reports whether a failed call may succeed if repeated. Stale
// state and infrastructure failures are transient; validation, auth,
// invalid transitions, conflicts and partial failures are not.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch Code(err) {
	case CodeStaleState, CodeInfra, CodeRateLimited:
		return true
	}
	return false
}

// RetryAfter returns the server-provided wait carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}
