package httpapi

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/example/freight-trips/internal/apperr"
	"github.com/example/freight-trips/internal/logging"
)

type errorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorBody struct {
	Error errorPayload `json:"error"`
}

// writeError renders err as the JSON error body with its taxonomy status.
// Server-side failures are logged with the request logger.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	payload := errorPayload{Code: apperr.Code(err), Message: err.Error(), Details: details(err)}
	if status >= 500 {
		logger := logging.FromContext(r.Context(), nil)
		if payload.Code == apperr.CodePartialFailure {
			logger.Error("request_partial_failure", "route", routeTemplate(r), "error", err)
		} else {
			logger.Error("request_failed", "route", routeTemplate(r), "error", err)
			payload.Message = "temporarily unavailable"
		}
	}
	writeJSON(w, status, errorBody{Error: payload})
}

func details(err error) map[string]any {
	var (
		ve *apperr.ValidationError
		se *apperr.StaleStateError
		it *apperr.InvalidTransitionError
		rl *apperr.RateLimitedError
		pf *apperr.PartialFailureError
		nf *apperr.NotFoundError
	)
	switch {
	case errors.As(err, &pf):
		return map[string]any{"operation": pf.Op, "completed": pf.Completed, "failed": pf.Failed}
	case errors.As(err, &ve):
		return map[string]any{"field": ve.Field, "reason": ve.Reason}
	case errors.As(err, &se):
		return map[string]any{"expected": se.Expected, "actual": se.Actual}
	case errors.As(err, &it):
		return map[string]any{"from": it.From, "to": it.To}
	case errors.As(err, &rl):
		return map[string]any{
			"limit":               rl.Limit,
			"reset_at":            rl.ResetAt.UTC().Format(time.RFC3339),
			"retry_after_seconds": int(math.Ceil(rl.RetryAfter.Seconds())),
			"blocked":             rl.Blocked,
		}
	case errors.As(err, &nf):
		return map[string]any{"resource": nf.Resource, "id": nf.ID}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
