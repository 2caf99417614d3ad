package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/freight-trips/internal/apperr"
	"github.com/example/freight-trips/internal/models"
)

//go:embed schema.sql
var schemaSQL string

type PostgresStore struct {
	db  *sql.DB
	Now func() time.Time
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db, Now: time.Now}, nil
}

// NewPostgresStoreFromDB wraps an existing pool.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, Now: time.Now}
}

func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schemaSQL)
	return err
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) now() time.Time { return p.Now().UTC() }

// --- trip progress ---

func (p *PostgresStore) GetCurrent(ctx context.Context, jobID, driverID string) (models.TripProgress, error) {
	var tp models.TripProgress
	err := p.db.QueryRowContext(ctx,
		`SELECT job_id, driver_id, current_status, version, updated_at FROM trip_progress WHERE job_id=$1 AND driver_id=$2`,
		jobID, driverID).Scan(&tp.JobID, &tp.DriverID, &tp.CurrentStatus, &tp.Version, &tp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TripProgress{}, apperr.NotFound("trip", pairKey(jobID, driverID))
	}
	if err != nil {
		return models.TripProgress{}, apperr.Infra("get trip progress", err)
	}
	return tp, nil
}

// The assignment mirror only fires when the trip row moved, so the pair is
// written by a single statement or not at all.
const casAdvanceSQL = `
WITH moved AS (
    UPDATE trip_progress SET current_status = $4, version = version + 1, updated_at = $5
    WHERE job_id = $1 AND driver_id = $2 AND current_status = $3
    RETURNING job_id, driver_id, current_status, version, updated_at
), mirrored AS (
    UPDATE assignments a SET status = $6, updated_at = $5
    FROM moved
    WHERE a.id = (SELECT id FROM assignments WHERE job_id = $1 AND driver_id = $2 AND status <> 'CANCELLED'
                  ORDER BY created_at DESC LIMIT 1)
    RETURNING a.id
)
SELECT job_id, driver_id, current_status, version, updated_at FROM moved`

const casTerminalSQL = `
WITH moved AS (
    DELETE FROM trip_progress
    WHERE job_id = $1 AND driver_id = $2 AND current_status = $3
    RETURNING job_id, driver_id, version + 1 AS version
), archived AS (
    INSERT INTO trip_progress_archive (job_id, driver_id, final_status, version, archived_at)
    SELECT job_id, driver_id, $4, version, $5 FROM moved
    RETURNING job_id
), mirrored AS (
    UPDATE assignments a SET status = $6, updated_at = $5
    FROM moved
    WHERE a.id = (SELECT id FROM assignments WHERE job_id = $1 AND driver_id = $2 AND status <> 'CANCELLED'
                  ORDER BY created_at DESC LIMIT 1)
    RETURNING a.id
)
SELECT job_id, driver_id, $4::text, version, $5::timestamptz FROM moved`

func (p *PostgresStore) CompareAndSwap(ctx context.Context, jobID, driverID string, expected, next models.Status) (models.TripProgress, error) {
	q := casAdvanceSQL
	if next.Terminal() {
		q = casTerminalSQL
	}
	var tp models.TripProgress
	err := p.db.QueryRowContext(ctx, q, jobID, driverID, string(expected), string(next), p.now(), string(next.AssignmentStatus())).
		Scan(&tp.JobID, &tp.DriverID, &tp.CurrentStatus, &tp.Version, &tp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TripProgress{}, p.casMiss(ctx, jobID, driverID, expected)
	}
	if err != nil {
		return models.TripProgress{}, apperr.Infra("compare and swap trip", err)
	}
	return tp, nil
}

// casMiss explains why a conditional statement touched no row.
func (p *PostgresStore) casMiss(ctx context.Context, jobID, driverID string, expected models.Status) error {
	cur, err := p.GetCurrent(ctx, jobID, driverID)
	if err != nil {
		return err
	}
	return &apperr.StaleStateError{Expected: string(expected), Actual: string(cur.CurrentStatus)}
}

func (p *PostgresStore) Delete(ctx context.Context, jobID, driverID string, onlyIf ...models.Status) error {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM trip_progress WHERE job_id=$1 AND driver_id=$2 AND (cardinality($3::text[]) = 0 OR current_status = ANY($3))`,
		jobID, driverID, pq.Array(statusStrings(onlyIf)))
	if err != nil {
		return apperr.Infra("delete trip progress", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if len(onlyIf) == 0 {
			return apperr.NotFound("trip", pairKey(jobID, driverID))
		}
		return p.casMiss(ctx, jobID, driverID, onlyIf[0])
	}
	return nil
}

func statusStrings(in []models.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

// --- jobs ---

const jobColumns = `id, owner_id, title, status, price, currency, required_slots, accepted_slots, completed_slots,
driver_id, assigned_driver_ids, origin_lat, origin_lng, dest_lat, dest_lng, route, current_lat, current_lng,
last_location_update, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var (
		j        models.Job
		driverID sql.NullString
		route    []byte
		curLat   sql.NullFloat64
		curLng   sql.NullFloat64
		lastLoc  sql.NullTime
	)
	err := row.Scan(&j.ID, &j.OwnerID, &j.Title, &j.Status, &j.Price, &j.Currency, &j.RequiredSlots, &j.AcceptedSlots,
		&j.CompletedSlots, &driverID, pq.Array(&j.AssignedDriverIDs), &j.Origin.Lat, &j.Origin.Lng,
		&j.Destination.Lat, &j.Destination.Lng, &route, &curLat, &curLng, &lastLoc, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}
	j.DriverID = driverID.String
	if len(route) > 0 {
		if err := json.Unmarshal(route, &j.Route); err != nil {
			return models.Job{}, fmt.Errorf("decode route: %w", err)
		}
	}
	if curLat.Valid && curLng.Valid {
		j.CurrentLocation = &models.Coord{Lat: curLat.Float64, Lng: curLng.Float64}
	}
	if lastLoc.Valid {
		t := lastLoc.Time
		j.LastLocationUpdate = &t
	}
	return j, nil
}

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func (p *PostgresStore) CreateJob(ctx context.Context, job models.Job) error {
	if job.Status == "" {
		job.Status = models.JobOpen
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = p.now()
	}
	var route []byte
	if len(job.Route) > 0 {
		b, err := json.Marshal(job.Route)
		if err != nil {
			return apperr.Infra("encode route", err)
		}
		route = b
	}
	if job.AssignedDriverIDs == nil {
		job.AssignedDriverIDs = []string{}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO jobs (id, owner_id, title, status, price, currency, required_slots,
accepted_slots, completed_slots, driver_id, assigned_driver_ids, origin_lat, origin_lng, dest_lat, dest_lng, route, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$17)`,
		job.ID, job.OwnerID, job.Title, string(job.Status), job.Price, job.Currency, job.RequiredSlots, job.AcceptedSlots,
		job.CompletedSlots, nullString(job.DriverID), pq.Array(job.AssignedDriverIDs), job.Origin.Lat, job.Origin.Lng,
		job.Destination.Lat, job.Destination.Lng, route, job.CreatedAt)
	return apperr.Infra("create job", err)
}

func (p *PostgresStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	j, err := scanJob(p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, apperr.NotFound("job", id)
	}
	if err != nil {
		return models.Job{}, apperr.Infra("get job", err)
	}
	return j, nil
}

func (p *PostgresStore) UpdateLocation(ctx context.Context, jobID string, at models.Coord, ts time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE jobs SET current_lat=$2, current_lng=$3, last_location_update=$4, updated_at=$5
		 WHERE id=$1 AND (last_location_update IS NULL OR last_location_update < $4)`,
		jobID, at.Lat, at.Lng, ts.UTC(), p.now())
	if err != nil {
		return apperr.Infra("update job location", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	// an older fix leaves the row alone; only a missing job is an error
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id=$1)`, jobID).Scan(&exists); err != nil {
		return apperr.Infra("update job location", err)
	}
	if !exists {
		return apperr.NotFound("job", jobID)
	}
	return nil
}

// mutateJob applies fn to a locked job row and writes back the slot fields.
func (p *PostgresStore) mutateJob(ctx context.Context, op, jobID string, fn func(*models.Job)) (models.Job, error) {
	var out models.Job
	err := p.inTx(ctx, op, func(tx *sql.Tx) error {
		j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1 FOR UPDATE`, jobID))
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("job", jobID)
		}
		if err != nil {
			return err
		}
		fn(&j)
		j.UpdatedAt = p.now()
		if err := writeJobSlots(ctx, tx, j); err != nil {
			return err
		}
		out = j
		return nil
	})
	return out, err
}

func writeJobSlots(ctx context.Context, tx *sql.Tx, j models.Job) error {
	if j.AssignedDriverIDs == nil {
		j.AssignedDriverIDs = []string{}
	}
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET status=$2, accepted_slots=$3, completed_slots=$4, driver_id=$5,
assigned_driver_ids=$6, updated_at=$7 WHERE id=$1`,
		j.ID, string(j.Status), j.AcceptedSlots, j.CompletedSlots, nullString(j.DriverID), pq.Array(j.AssignedDriverIDs), j.UpdatedAt)
	return err
}

func (p *PostgresStore) ApplyTripStatus(ctx context.Context, jobID, driverID string, s models.Status) error {
	_, err := p.mutateJob(ctx, "apply trip status", jobID, func(j *models.Job) { j.ApplyTripStatus(driverID, s) })
	return err
}

func (p *PostgresStore) ReleaseDriver(ctx context.Context, jobID, driverID string) (models.Job, error) {
	return p.mutateJob(ctx, "release driver", jobID, func(j *models.Job) { j.ReleaseDriver(driverID) })
}

// inTx runs fn in a transaction. Typed application errors pass through;
// anything else is reported as an infrastructure failure.
func (p *PostgresStore) inTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Infra(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if apperr.Code(err) != apperr.CodeInfra {
			return err
		}
		var ie *apperr.InfraError
		if errors.As(err, &ie) {
			return err
		}
		return apperr.Infra(op, err)
	}
	return apperr.Infra(op, tx.Commit())
}

// --- assignments ---

const assignmentColumns = `id, job_id, driver_id, status, agreed_price, payment_intent_id, cancelled_by, cancel_reason, cancelled_at, created_at, updated_at`

func scanAssignment(row rowScanner) (models.Assignment, error) {
	var (
		a           models.Assignment
		cancelledAt sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.JobID, &a.DriverID, &a.Status, &a.AgreedPrice, &a.PaymentIntentID, &a.CancelledBy,
		&a.CancelReason, &cancelledAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return models.Assignment{}, err
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time
		a.CancelledAt = &t
	}
	return a, nil
}

func (p *PostgresStore) ActiveAssignment(ctx context.Context, jobID, driverID string) (models.Assignment, error) {
	a, err := scanAssignment(p.db.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments
WHERE job_id=$1 AND driver_id=$2 AND status <> 'CANCELLED' ORDER BY created_at DESC LIMIT 1`, jobID, driverID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Assignment{}, apperr.NotFound("assignment", pairKey(jobID, driverID))
	}
	if err != nil {
		return models.Assignment{}, apperr.Infra("get assignment", err)
	}
	return a, nil
}

func (p *PostgresStore) CancelAssignment(ctx context.Context, jobID, driverID string, onlyIf []models.Status, audit models.CancelAudit) (models.Assignment, error) {
	at := audit.At.UTC()
	a, err := scanAssignment(p.db.QueryRowContext(ctx, `UPDATE assignments SET status='CANCELLED', cancelled_by=$3,
cancel_reason=$4, cancelled_at=$5, updated_at=$5
WHERE id = (SELECT id FROM assignments WHERE job_id=$1 AND driver_id=$2 AND status <> 'CANCELLED' ORDER BY created_at DESC LIMIT 1)
  AND (cardinality($6::text[]) = 0 OR status = ANY($6))
RETURNING `+assignmentColumns, jobID, driverID, audit.By, audit.Reason, at, pq.Array(statusStrings(onlyIf))))
	if errors.Is(err, sql.ErrNoRows) {
		cur, gerr := p.ActiveAssignment(ctx, jobID, driverID)
		if gerr != nil {
			return models.Assignment{}, gerr
		}
		return models.Assignment{}, &apperr.StaleStateError{Expected: string(onlyIf[0]), Actual: string(cur.Status)}
	}
	if err != nil {
		return models.Assignment{}, apperr.Infra("cancel assignment", err)
	}
	return a, nil
}

// --- proposals ---

func (p *PostgresStore) CreateProposal(ctx context.Context, pr models.Proposal) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO proposals (id, job_id, driver_id, price, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$6)`, pr.ID, pr.JobID, pr.DriverID, pr.Price, string(pr.Status), pr.CreatedAt.UTC())
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return apperr.NotFound("job", pr.JobID)
	}
	return apperr.Infra("create proposal", err)
}

func (p *PostgresStore) GetProposal(ctx context.Context, id string) (models.Proposal, error) {
	var pr models.Proposal
	err := p.db.QueryRowContext(ctx, `SELECT id, job_id, driver_id, price, status, created_at, updated_at FROM proposals WHERE id=$1`, id).
		Scan(&pr.ID, &pr.JobID, &pr.DriverID, &pr.Price, &pr.Status, &pr.CreatedAt, &pr.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Proposal{}, apperr.NotFound("proposal", id)
	}
	if err != nil {
		return models.Proposal{}, apperr.Infra("get proposal", err)
	}
	return pr, nil
}

func (p *PostgresStore) CancelAcceptedProposal(ctx context.Context, jobID, driverID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE proposals SET status='CANCELLED', updated_at=$3
WHERE job_id=$1 AND driver_id=$2 AND status='ACCEPTED'`, jobID, driverID, p.now())
	if err != nil {
		return false, apperr.Infra("cancel proposal", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// --- binding ---

func (p *PostgresStore) Bind(ctx context.Context, req BindRequest) (models.Assignment, error) {
	at := req.At.UTC()
	a := models.Assignment{
		ID:              uuid.NewString(),
		JobID:           req.JobID,
		DriverID:        req.DriverID,
		Status:          models.StatusAccepted,
		AgreedPrice:     req.Price,
		PaymentIntentID: req.PaymentIntentID,
		CreatedAt:       at,
		UpdatedAt:       at,
	}
	err := p.inTx(ctx, "bind driver", func(tx *sql.Tx) error {
		j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1 FOR UPDATE`, req.JobID))
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("job", req.JobID)
		}
		if err != nil {
			return err
		}
		if j.HasDriver(req.DriverID) {
			return apperr.Conflict(apperr.CodeAlreadyAssigned, "driver already bound to this job")
		}
		if !j.OpenSlot() {
			return apperr.Conflict(apperr.CodeSlotsFull, "job has no free slot")
		}
		if req.ProposalID != "" {
			res, err := tx.ExecContext(ctx, `UPDATE proposals SET status='ACCEPTED', updated_at=$2 WHERE id=$1 AND status='PENDING'`, req.ProposalID, at)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return apperr.Conflict(apperr.CodeAlreadyAssigned, "proposal is no longer pending")
			}
		}
		j.AddDriver(req.DriverID)
		j.UpdatedAt = at
		if err := writeJobSlots(ctx, tx, j); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO assignments (id, job_id, driver_id, status, agreed_price, payment_intent_id, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$7)`, a.ID, a.JobID, a.DriverID, string(a.Status), a.AgreedPrice, a.PaymentIntentID, at); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO trip_progress (job_id, driver_id, current_status, version, updated_at) VALUES ($1,$2,$3,1,$4)`,
			req.JobID, req.DriverID, string(models.StatusAccepted), at)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return apperr.Conflict(apperr.CodeAlreadyAssigned, "driver already has an active trip on this job")
		}
		return err
	})
	if err != nil {
		return models.Assignment{}, err
	}
	return a, nil
}

// --- checkpoints ---

func (p *PostgresStore) AddCheckpoint(ctx context.Context, c models.Checkpoint) error {
	var lat, lng sql.NullFloat64
	if c.Position != nil {
		lat = sql.NullFloat64{Float64: c.Position.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: c.Position.Lng, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO checkpoints (id, job_id, driver_id, kind, lat, lng, recorded_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		c.ID, c.JobID, c.DriverID, c.Kind, lat, lng, c.RecordedAt.UTC())
	return apperr.Infra("add checkpoint", err)
}

func (p *PostgresStore) CountCheckpoints(ctx context.Context, jobID, driverID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM checkpoints WHERE job_id=$1 AND driver_id=$2`, jobID, driverID).Scan(&n)
	if err != nil {
		return 0, apperr.Infra("count checkpoints", err)
	}
	return n, nil
}

// --- pings ---

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func (p *PostgresStore) AppendPing(ctx context.Context, pg models.LocationPing) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO location_pings (id, job_id, driver_id, lat, lng, speed, heading, accuracy, source, recorded_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, pg.ID, pg.JobID, pg.DriverID, pg.Lat, pg.Lng, nullFloat(pg.Speed),
		nullFloat(pg.Heading), nullFloat(pg.Accuracy), pg.Source, pg.Timestamp.UTC())
	return apperr.Infra("append ping", err)
}

func (p *PostgresStore) LastPing(ctx context.Context, jobID, driverID string) (models.LocationPing, bool, error) {
	var (
		pg                       models.LocationPing
		speed, heading, accuracy sql.NullFloat64
	)
	err := p.db.QueryRowContext(ctx, `SELECT id, job_id, driver_id, lat, lng, speed, heading, accuracy, source, recorded_at
FROM location_pings WHERE job_id=$1 AND driver_id=$2 ORDER BY recorded_at DESC LIMIT 1`, jobID, driverID).
		Scan(&pg.ID, &pg.JobID, &pg.DriverID, &pg.Lat, &pg.Lng, &speed, &heading, &accuracy, &pg.Source, &pg.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return models.LocationPing{}, false, nil
	}
	if err != nil {
		return models.LocationPing{}, false, apperr.Infra("last ping", err)
	}
	pg.Speed, pg.Heading, pg.Accuracy = floatPtr(speed), floatPtr(heading), floatPtr(accuracy)
	return pg, true, nil
}

// --- incidents ---

func (p *PostgresStore) CreateIncident(ctx context.Context, inc models.Incident) error {
	var lat, lng sql.NullFloat64
	if inc.LastKnownPosition != nil {
		lat = sql.NullFloat64{Float64: inc.LastKnownPosition.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: inc.LastKnownPosition.Lng, Valid: true}
	}
	var evidence []byte
	if len(inc.Evidence) > 0 {
		b, err := json.Marshal(inc.Evidence)
		if err != nil {
			return apperr.Infra("encode evidence", err)
		}
		evidence = b
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO incidents (id, job_id, driver_id, incident_type, severity, last_lat, last_lng,
description, evidence, auto_generated, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		inc.ID, inc.JobID, inc.DriverID, string(inc.Type), string(inc.Severity), lat, lng, inc.Description, evidence,
		inc.AutoGenerated, inc.CreatedAt.UTC())
	return apperr.Infra("create incident", err)
}

const incidentColumns = `i.id, i.job_id, i.driver_id, i.incident_type, i.severity, i.last_lat, i.last_lng, i.description, i.evidence, i.auto_generated, i.created_at`

func scanIncident(row rowScanner, extra ...any) (models.Incident, error) {
	var (
		inc      models.Incident
		lat, lng sql.NullFloat64
		evidence []byte
	)
	dest := append([]any{&inc.ID, &inc.JobID, &inc.DriverID, &inc.Type, &inc.Severity, &lat, &lng, &inc.Description,
		&evidence, &inc.AutoGenerated, &inc.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return models.Incident{}, err
	}
	if lat.Valid && lng.Valid {
		inc.LastKnownPosition = &models.Coord{Lat: lat.Float64, Lng: lng.Float64}
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &inc.Evidence); err != nil {
			return models.Incident{}, fmt.Errorf("decode evidence: %w", err)
		}
	}
	return inc, nil
}

func (p *PostgresStore) LatestIncident(ctx context.Context, jobID, driverID string, t models.IncidentType) (models.Incident, bool, error) {
	inc, err := scanIncident(p.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents i
WHERE i.job_id=$1 AND i.driver_id=$2 AND i.incident_type=$3 ORDER BY i.created_at DESC LIMIT 1`, jobID, driverID, string(t)))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Incident{}, false, nil
	}
	if err != nil {
		return models.Incident{}, false, apperr.Infra("latest incident", err)
	}
	return inc, true, nil
}

func (p *PostgresStore) ListIncidents(ctx context.Context, f IncidentFilter) ([]models.IncidentView, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+incidentColumns+`, COALESCE(j.title, ''), COALESCE(j.owner_id, '')
FROM incidents i LEFT JOIN jobs j ON j.id = i.job_id
WHERE ($1 = '' OR i.job_id = $1) AND ($2 = '' OR j.owner_id = $2)
ORDER BY i.created_at DESC LIMIT $3`, f.JobID, f.OwnerID, limit)
	if err != nil {
		return nil, apperr.Infra("list incidents", err)
	}
	defer rows.Close()
	var out []models.IncidentView
	for rows.Next() {
		var v models.IncidentView
		inc, err := scanIncident(rows, &v.JobTitle, &v.OwnerID)
		if err != nil {
			return nil, apperr.Infra("scan incident", err)
		}
		v.Incident = inc
		out = append(out, v)
	}
	return out, apperr.Infra("list incidents", rows.Err())
}

// --- timeline ---

func (p *PostgresStore) AppendTimeline(ctx context.Context, ev models.TimelineEvent) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trip_timeline (job_id, driver_id, from_status, to_status, actor_id, actor_role, reason, version, at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, ev.JobID, ev.DriverID, string(ev.From), string(ev.To), ev.ActorID, string(ev.ActorRole),
		ev.Reason, ev.Version, ev.At.UTC())
	return apperr.Infra("append timeline", err)
}

func (p *PostgresStore) Timeline(ctx context.Context, jobID string) ([]models.TimelineEvent, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT job_id, driver_id, from_status, to_status, actor_id, actor_role, reason, version, at
FROM trip_timeline WHERE job_id=$1 ORDER BY at`, jobID)
	if err != nil {
		return nil, apperr.Infra("timeline", err)
	}
	defer rows.Close()
	var out []models.TimelineEvent
	for rows.Next() {
		var ev models.TimelineEvent
		if err := rows.Scan(&ev.JobID, &ev.DriverID, &ev.From, &ev.To, &ev.ActorID, &ev.ActorRole, &ev.Reason, &ev.Version, &ev.At); err != nil {
			return nil, apperr.Infra("scan timeline", err)
		}
		out = append(out, ev)
	}
	return out, apperr.Infra("timeline", rows.Err())
}

var _ Store = (*PostgresStore)(nil)
