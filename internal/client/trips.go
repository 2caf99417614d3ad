package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/example/freight-trips/internal/apperr"
	"github.com/example/freight-trips/internal/models"
)

type TransitionInput struct {
	JobID          string        `json:"jobId"`
	DriverID       string        `json:"driverId"`
	ExpectedStatus models.Status `json:"expectedStatus"`
	Status         models.Status `json:"status"`
	Reason         string        `json:"reason,omitempty"`
}

type TransitionResult struct {
	JobID     string        `json:"job_id"`
	DriverID  string        `json:"driver_id"`
	Previous  models.Status `json:"previous_status"`
	NewStatus models.Status `json:"new_status"`
	Version   int64         `json:"version"`
}

type ReleaseResult struct {
	JobID            string    `json:"jobId"`
	DriverID         string    `json:"driverId"`
	PreviousStatus   string    `json:"previousStatus"`
	JobStatus        string    `json:"jobStatus"`
	AcceptedSlots    int       `json:"acceptedSlots"`
	ProposalCanceled bool      `json:"proposalCancelled"`
	ReleasedAt       time.Time `json:"releasedAt"`
}

type Location struct {
	JobID    string   `json:"jobId"`
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	Speed    *float64 `json:"speed,omitempty"`
	Heading  *float64 `json:"heading,omitempty"`
	Accuracy *float64 `json:"accuracy,omitempty"`
	Source   string   `json:"source,omitempty"`
}

type IncidentReport struct {
	JobID        string         `json:"jobId"`
	IncidentType string         `json:"incidentType"`
	Severity     string         `json:"severity,omitempty"`
	LastKnownLat *float64       `json:"lastKnownLat,omitempty"`
	LastKnownLng *float64       `json:"lastKnownLng,omitempty"`
	Description  string         `json:"description,omitempty"`
	EvidenceData map[string]any `json:"evidenceData,omitempty"`
}

type JobInput struct {
	Title         string         `json:"title"`
	Price         int64          `json:"price"`
	Currency      string         `json:"currency,omitempty"`
	RequiredSlots int            `json:"requiredSlots"`
	Origin        models.Coord   `json:"origin"`
	Destination   models.Coord   `json:"destination"`
	Route         []models.Coord `json:"route,omitempty"`
}

// Trip returns the current progress of a driver on a job.
func (c *Client) Trip(ctx context.Context, jobID, driverID string) (models.TripProgress, error) {
	var tp models.TripProgress
	path := "/api/v1/trips/" + url.PathEscape(jobID) + "/" + url.PathEscape(driverID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, nil, &tp); err != nil {
		return models.TripProgress{}, err
	}
	return tp, nil
}

// Transition sends one CAS transition. A non-empty idempotencyKey lets the
// server replay the first successful response.
func (c *Client) Transition(ctx context.Context, in TransitionInput, idempotencyKey string) (TransitionResult, error) {
	var hdr http.Header
	if idempotencyKey != "" {
		hdr = http.Header{"Idempotency-Key": []string{idempotencyKey}}
	}
	var res TransitionResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/transitions", nil, hdr, in, &res); err != nil {
		return TransitionResult{}, err
	}
	return res, nil
}

func (c *Client) Job(ctx context.Context, jobID string) (models.Job, error) {
	var job models.Job
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(jobID), nil, nil, nil, &job); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

func (c *Client) PostJob(ctx context.Context, in JobInput) (models.Job, error) {
	var job models.Job
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/jobs", nil, nil, in, &job); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

func (c *Client) Accept(ctx context.Context, jobID string) (models.Assignment, error) {
	var a models.Assignment
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/accept", nil, nil, map[string]string{"jobId": jobID}, &a); err != nil {
		return models.Assignment{}, err
	}
	return a, nil
}

func (c *Client) Propose(ctx context.Context, jobID string, price int64) (models.Proposal, error) {
	var p models.Proposal
	body := map[string]any{"jobId": jobID, "price": price}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/proposals", nil, nil, body, &p); err != nil {
		return models.Proposal{}, err
	}
	return p, nil
}

func (c *Client) Checkin(ctx context.Context, jobID, kind string) (models.Checkpoint, error) {
	var cp models.Checkpoint
	body := map[string]string{"jobId": jobID, "kind": kind}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/checkins", nil, nil, body, &cp); err != nil {
		return models.Checkpoint{}, err
	}
	return cp, nil
}

// Incidents lists incidents visible to the caller. jobID may be empty for
// owners and admins.
func (c *Client) Incidents(ctx context.Context, jobID string, limit int) ([]models.IncidentView, error) {
	q := url.Values{}
	if jobID != "" {
		q.Set("jobId", jobID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Incidents []models.IncidentView `json:"incidents"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/incidents", q, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Incidents, nil
}

// Advance moves the driver's trip to status. Every attempt refetches the
// current status, and all attempts share one idempotency key, so an attempt
// whose response was lost is replayed instead of applied twice.
func (c *Client) Advance(ctx context.Context, jobID, driverID string, status models.Status, reason string) (TransitionResult, error) {
	key := uuid.NewString()
	var (
		res   TransitionResult
		first models.Status
	)
	err := c.guard.Do(ctx, "advance:"+jobID+":"+driverID, func(ctx context.Context) error {
		expected := first
		tp, err := c.Trip(ctx, jobID, driverID)
		switch {
		case err == nil && (first == "" || tp.CurrentStatus != status):
			expected = tp.CurrentStatus
		case err != nil && (first == "" || apperr.Code(err) != apperr.CodeNotFound):
			return err
		}
		if first == "" {
			first = expected
		}
		r, err := c.Transition(ctx, TransitionInput{
			JobID: jobID, DriverID: driverID, ExpectedStatus: expected, Status: status, Reason: reason,
		}, key)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	return res, err
}

func (c *Client) Release(ctx context.Context, jobID, driverID, reason string) (ReleaseResult, error) {
	var res ReleaseResult
	body := map[string]string{"jobId": jobID, "driverId": driverID, "reason": reason}
	err := c.guard.Do(ctx, "release:"+jobID+":"+driverID, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, "/api/v1/release", nil, nil, body, &res)
	})
	return res, err
}

func (c *Client) Withdraw(ctx context.Context, jobID, reason string) (ReleaseResult, error) {
	var res ReleaseResult
	body := map[string]string{"jobId": jobID, "reason": reason}
	err := c.guard.Do(ctx, "withdraw:"+jobID, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, "/api/v1/withdraw", nil, nil, body, &res)
	})
	return res, err
}

func (c *Client) SendLocation(ctx context.Context, loc Location) (models.LocationPing, error) {
	var ping models.LocationPing
	err := c.guard.Do(ctx, "location:"+loc.JobID, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, "/api/v1/locations", nil, nil, loc, &ping)
	})
	return ping, err
}

func (c *Client) ReportIncident(ctx context.Context, in IncidentReport) (models.Incident, error) {
	var inc models.Incident
	err := c.guard.Do(ctx, "incident:"+in.JobID+":"+in.IncidentType, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, "/api/v1/incidents", nil, nil, in, &inc)
	})
	return inc, err
}

func (c *Client) Approve(ctx context.Context, proposalID string) (models.Assignment, error) {
	var a models.Assignment
	path := "/api/v1/proposals/" + url.PathEscape(proposalID) + "/approve"
	err := c.guard.Do(ctx, "approve:"+proposalID, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, path, nil, nil, nil, &a)
	})
	return a, err
}
