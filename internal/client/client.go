// Package client is the typed HTTP client for the trip API. Mutating calls
// that a user triggers from a button go through a guard.Guard so repeated
// taps execute once and transient failures are retried.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/freight-trips/internal/apperr"
	"github.com/example/freight-trips/internal/guard"
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	guard      *guard.Guard
}

// New constructs a client. A nil g uses a guard with default options over
// the process-wide registry.
func New(baseURL, token string, g *guard.Guard) (*Client, error) {
	normalized, err := normalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	if g == nil {
		g = guard.New(nil, guard.DefaultOptions())
	}
	return &Client{
		baseURL: normalized,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		guard: g,
	}, nil
}

func normalizeBaseURL(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", fmt.Errorf("api url cannot be empty")
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return "", fmt.Errorf("invalid api url: %w", err)
	}
	if parsed.Scheme == "" {
		return "", fmt.Errorf("api url must include scheme (https://)")
	}
	return strings.TrimRight(value, "/"), nil
}

// WithToken returns a copy of c that authenticates as another user. The
// guard is shared.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

type errorPayload struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, hdr http.Header, reqBody, respBody any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	op := method + " " + path

	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Infra(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Infra(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(op, resp, data)
	}
	if respBody == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, respBody)
}

// decodeError turns an error response back into the apperr type the server
// rendered it from.
func decodeError(op string, resp *http.Response, data []byte) error {
	var p errorPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Error.Code == "" {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return &apperr.RateLimitedError{RetryAfter: retryAfter(resp, nil)}
		}
		return apperr.Infra(op, fmt.Errorf("status %d: %s", resp.StatusCode, msg))
	}
	e, d := p.Error, p.Error.Details
	switch e.Code {
	case apperr.CodeValidation:
		return &apperr.ValidationError{Field: str(d, "field"), Reason: orDefault(str(d, "reason"), e.Message)}
	case apperr.CodeUnauthenticated:
		return &apperr.AuthError{Reason: e.Message}
	case apperr.CodeForbidden:
		return &apperr.AuthError{Forbidden: true, Reason: e.Message}
	case apperr.CodeNotAuthorized:
		return &apperr.NotAuthorizedError{Reason: strings.TrimPrefix(e.Message, "not authorized: ")}
	case apperr.CodeNotFound:
		return &apperr.NotFoundError{Resource: orDefault(str(d, "resource"), "resource"), ID: str(d, "id")}
	case apperr.CodeStaleState:
		return &apperr.StaleStateError{Expected: str(d, "expected"), Actual: str(d, "actual")}
	case apperr.CodeInvalidTransition:
		return &apperr.InvalidTransitionError{From: str(d, "from"), To: str(d, "to")}
	case apperr.CodeRateLimited:
		rl := &apperr.RateLimitedError{RetryAfter: retryAfter(resp, d)}
		if v, ok := d["limit"].(float64); ok {
			rl.Limit = int(v)
		}
		if v, ok := d["blocked"].(bool); ok {
			rl.Blocked = v
		}
		if t, err := time.Parse(time.RFC3339, str(d, "reset_at")); err == nil {
			rl.ResetAt = t
		}
		return rl
	case apperr.CodePartialFailure:
		pf := &apperr.PartialFailureError{Op: str(d, "operation"), Failed: str(d, "failed"), Err: errors.New(e.Message)}
		if list, ok := d["completed"].([]any); ok {
			for _, s := range list {
				if s, ok := s.(string); ok {
					pf.Completed = append(pf.Completed, s)
				}
			}
		}
		return pf
	case apperr.CodeInfra:
		return apperr.Infra(op, errors.New(e.Message))
	}
	if resp.StatusCode == http.StatusConflict {
		reason := strings.TrimPrefix(e.Message, strings.ToLower(e.Code)+": ")
		return apperr.Conflict(e.Code, reason)
	}
	return apperr.Infra(op, fmt.Errorf("%s (%d): %s", e.Code, resp.StatusCode, e.Message))
}

func retryAfter(resp *http.Response, d map[string]any) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if v, ok := d["retry_after_seconds"].(float64); ok && v > 0 {
		return time.Duration(v) * time.Second
	}
	return 0
}

func str(d map[string]any, k string) string {
	s, _ := d[k].(string)
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
