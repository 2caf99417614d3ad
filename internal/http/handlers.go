package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/freight-trips/internal/apperr"
	"github.com/example/freight-trips/internal/assign"
	"github.com/example/freight-trips/internal/auth"
	"github.com/example/freight-trips/internal/dispatch"
	"github.com/example/freight-trips/internal/ingest"
	"github.com/example/freight-trips/internal/lifecycle"
	"github.com/example/freight-trips/internal/logging"
	"github.com/example/freight-trips/internal/models"
	"github.com/example/freight-trips/internal/ratelimit"
	"github.com/example/freight-trips/internal/release"
	"github.com/example/freight-trips/internal/storage"
)

const maxBodyBytes = 1 << 20

// Deps are the collaborators the API server routes requests to. Limiter,
// Idempotency and WS are optional.
type Deps struct {
	Store          storage.Store
	Machine        *lifecycle.Machine
	Effects        *lifecycle.EffectRunner
	Idempotency    storage.IdempotencyStore
	IdempotencyTTL time.Duration
	Limiter        *ratelimit.Limiter
	Auth           *auth.JWTService
	Assign         *assign.Service
	Ingest         *ingest.Service
	Incidents      *ingest.IncidentRecorder
	Release        *release.Coordinator
	WS             *dispatch.WSRegistry
	// TrustedProxies lets X-Forwarded-For name anonymous callers when the
	// peer is one of them.
	TrustedProxies []netip.Prefix
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if deps.IdempotencyTTL <= 0 {
		deps.IdempotencyTTL = 24 * time.Hour
	}
	s := &Server{deps: deps, logger: logging.OrDefault(logger), mux: mux.NewRouter()}
	s.registerMiddleware()
	s.mux.Use(s.authMiddleware)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/jobs", s.limited(ratelimit.EndpointJobs, s.handlePostJob)).Methods("POST")
	api.HandleFunc("/jobs/{jobId}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/jobs/{jobId}/timeline", s.handleTimeline).Methods("GET")
	api.HandleFunc("/transitions", s.limited(ratelimit.EndpointTransition, s.handleTransition)).Methods("POST")
	api.HandleFunc("/trips/{jobId}/{driverId}", s.handleGetTrip).Methods("GET")
	api.HandleFunc("/locations", s.limited(ratelimit.EndpointLocations, s.handleLocation)).Methods("POST")
	api.HandleFunc("/incidents", s.limited(ratelimit.EndpointIncidents, s.handleReportIncident)).Methods("POST")
	api.HandleFunc("/incidents", s.handleListIncidents).Methods("GET")
	api.HandleFunc("/release", s.limited(ratelimit.EndpointRelease, s.handleRelease)).Methods("POST")
	api.HandleFunc("/withdraw", s.limited(ratelimit.EndpointWithdraw, s.handleWithdraw)).Methods("POST")
	api.HandleFunc("/accept", s.limited(ratelimit.EndpointAccept, s.handleAccept)).Methods("POST")
	api.HandleFunc("/proposals", s.limited(ratelimit.EndpointProposals, s.handlePropose)).Methods("POST")
	api.HandleFunc("/proposals/{proposalId}/approve", s.limited(ratelimit.EndpointProposals, s.handleApprove)).Methods("POST")
	api.HandleFunc("/checkins", s.limited(ratelimit.EndpointCheckins, s.handleCheckin)).Methods("POST")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handlePostJob(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var in assign.PostInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.deps.Assign.Post(r.Context(), actor, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.visibleJob(r, mux.Vars(r)["jobId"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	job, err := s.visibleJob(r, mux.Vars(r)["jobId"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	events, err := s.deps.Store.Timeline(r.Context(), job.ID)
	if err != nil {
		writeError(w, r, apperr.Infra("timeline", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "events": events})
}

// visibleJob loads a job the caller is a party to.
func (s *Server) visibleJob(r *http.Request, jobID string) (models.Job, error) {
	actor, err := actorFrom(r)
	if err != nil {
		return models.Job{}, err
	}
	job, err := s.deps.Store.GetJob(r.Context(), jobID)
	if err != nil {
		return models.Job{}, err
	}
	switch {
	case actor.Role == models.RoleAdmin:
	case actor.Role == models.RoleOwner && actor.UserID == job.OwnerID:
	case actor.Role == models.RoleDriver && job.HasDriver(actor.UserID):
	default:
		return models.Job{}, apperr.Forbidden("not a party to this job")
	}
	return job, nil
}

type transitionInput struct {
	JobID          string        `json:"jobId"`
	DriverID       string        `json:"driverId"`
	ExpectedStatus models.Status `json:"expectedStatus"`
	Status         models.Status `json:"status"`
	Reason         string        `json:"reason,omitempty"`
}

// handleTransition applies one CAS transition. With an Idempotency-Key the
// first successful response is stored and replayed for repeats of the key.
func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var in transitionInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()
	logger := logging.FromContext(ctx, s.logger)

	key := r.Header.Get("Idempotency-Key")
	if key != "" {
		key = "idem:transition:" + actor.UserID + ":" + key
		if s.replay(w, r, key) {
			return
		}
	}

	res, err := s.deps.Machine.Transition(ctx, lifecycle.Request{
		JobID: in.JobID, DriverID: in.DriverID, Actor: actor,
		Expected: in.ExpectedStatus, Requested: in.Status, Reason: in.Reason,
	})
	if err != nil {
		// A retry can lose the race against its own first attempt.
		var se *apperr.StaleStateError
		if key != "" && errors.As(err, &se) && s.replay(w, r, key) {
			return
		}
		writeError(w, r, err)
		return
	}

	body, err := json.Marshal(res)
	if err != nil {
		writeError(w, r, apperr.Infra("encode transition", err))
		return
	}
	if key != "" && s.deps.Idempotency != nil {
		if err := s.deps.Idempotency.PutResponse(ctx, key, body, s.deps.IdempotencyTTL); err != nil {
			logger.Warn("idempotency_store_failed", "job_id", res.JobID, "driver_id", res.DriverID, "error", err)
		}
	}
	if s.deps.Effects != nil {
		s.deps.Effects.Run(context.WithoutCancel(ctx), res.Effects)
	}
	writeRaw(w, http.StatusOK, body)
}

func (s *Server) replay(w http.ResponseWriter, r *http.Request, key string) bool {
	if s.deps.Idempotency == nil {
		return false
	}
	body, ok, err := s.deps.Idempotency.GetResponse(r.Context(), key)
	if err != nil {
		logging.FromContext(r.Context(), s.logger).Warn("idempotency_lookup_failed", "error", err)
		return false
	}
	if !ok {
		return false
	}
	w.Header().Set("Idempotent-Replayed", "true")
	writeRaw(w, http.StatusOK, body)
	return true
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.deps.Store.GetJob(r.Context(), vars["jobId"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	driverID := vars["driverId"]
	switch {
	case actor.Role == models.RoleAdmin:
	case actor.Role == models.RoleOwner && actor.UserID == job.OwnerID:
	case actor.Role == models.RoleDriver && actor.UserID == driverID:
	default:
		writeError(w, r, apperr.Forbidden("not a party to this trip"))
		return
	}
	tp, err := s.deps.Store.GetCurrent(r.Context(), job.ID, driverID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tp)
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var in ingest.PingInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	ping, err := s.deps.Ingest.Ingest(r.Context(), actor, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ping)
}

func (s *Server) handleReportIncident(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var in ingest.ReportInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	inc, err := s.deps.Incidents.Report(r.Context(), actor, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inc)
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	f := storage.IncidentFilter{JobID: q.Get("jobId")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, apperr.Invalid("limit", "must be a positive integer"))
			return
		}
		f.Limit = n
	}
	list, err := s.deps.Incidents.List(r.Context(), actor, f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []models.IncidentView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": list})
}

type releaseInput struct {
	JobID    string `json:"jobId"`
	DriverID string `json:"driverId"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var in releaseInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.deps.Release.ForceRelease(r.Context(), actor, in.JobID, in.DriverID, in.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var in releaseInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.deps.Release.Withdraw(r.Context(), actor, in.JobID, in.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type acceptInput struct {
	JobID string `json:"jobId"`
	Price int64  `json:"price,omitempty"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var in acceptInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	a, err := s.deps.Assign.Accept(r.Context(), actor, in.JobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var in acceptInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.deps.Assign.Propose(r.Context(), actor, in.JobID, in.Price)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	a, err := s.deps.Assign.Approve(r.Context(), actor, mux.Vars(r)["proposalId"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleCheckin(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var in ingest.CheckinInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := s.deps.Ingest.Checkin(r.Context(), actor, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

var upgrader = websocket.Upgrader{}

// handleWS attaches the caller's socket to the registry. Browsers cannot set
// headers on the upgrade, so the token may also come as access_token.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		tok := r.URL.Query().Get("access_token")
		if tok == "" {
			writeError(w, r, err)
			return
		}
		if actor, err = s.deps.Auth.Verify(tok); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if s.deps.WS == nil {
		writeError(w, r, apperr.Infra("ws", errors.New("live channel disabled")))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess := s.deps.WS.Add(actor.UserID, conn)
	logger := logging.FromContext(r.Context(), s.logger)
	logger.Info("ws_connected", "user_id", actor.UserID)
	defer func() {
		s.deps.WS.Remove(actor.UserID, sess)
		_ = conn.Close()
		logger.Info("ws_disconnected", "user_id", actor.UserID)
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return apperr.Invalid("body", "required")
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperr.Invalid("body", "malformed JSON: %v", err)
	}
	return nil
}
