package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"content-engine/internal/models"
)

// ErrNotFound is returned when a job does not exist or is not visible to the
// requesting tenant.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Tenant       string
	Type         string
	Payload      map[string]any
	CallbackURL  string
	ScheduledFor *time.Time
	MaxAttempts  int
}

// CreateJob inserts a single pending job row. There is deliberately no
// provider work here; the insert either succeeds durably or the caller must
// assume the job does not exist.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	st := models.StatusPending
	if p.ScheduledFor != nil && p.ScheduledFor.After(now) {
		st = models.StatusScheduled
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, tenant, type, status, payload, attempt, max_attempts, callback_url, scheduled_for, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $9)
	`, id, p.Tenant, p.Type, st, payloadJSON, p.MaxAttempts, emptyToNil(p.CallbackURL), p.ScheduledFor, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:           id,
		Tenant:       p.Tenant,
		Type:         p.Type,
		Status:       st,
		Payload:      p.Payload,
		Attempt:      0,
		MaxAttempts:  p.MaxAttempts,
		CallbackURL:  emptyToNil(p.CallbackURL),
		ScheduledFor: p.ScheduledFor,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

const jobColumns = `id, tenant, type, status, payload, result, last_error, attempt, max_attempts, callback_url, scheduled_for, locked_until, created_at, updated_at`

// GetJob fetches a job by id within a tenant boundary. A job is never visible
// outside its tenant.
func (s *Store) GetJob(ctx context.Context, tenant, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND tenant = $2
	`, id, tenant)
	return scanJob(row)
}

// GetJobByID fetches a job by id alone. Reserved for internal paths (webhook
// resolution, worker reports) where the tenant is not known up front.
func (s *Store) GetJobByID(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = $1
	`, id)
	return scanJob(row)
}

// ListJobsFilter narrows a tenant job listing.
type ListJobsFilter struct {
	Status string
	Type   string
	Limit  int
	Offset int
}

// ListJobs returns a tenant's jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, tenant string, f ListJobsFilter) ([]models.Job, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE tenant = $1
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR type = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`, tenant, f.Status, f.Type, f.Limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListMatchCandidates returns non-terminal jobs of the given type, oldest
// first, capped. Only a handful of jobs of one type are ever in flight at
// once, so the cap is generous.
func (s *Store) ListMatchCandidates(ctx context.Context, jobType string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE type = $1 AND status = ANY($2)
		ORDER BY created_at ASC
		LIMIT $3
	`, jobType, statusList(models.NonTerminalStatuses), limit)
	if err != nil {
		return nil, fmt.Errorf("list match candidates: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// TransitionParams describes a conditional status update.
type TransitionParams struct {
	ID string
	// From is the set of statuses the row must currently hold. The update is
	// a no-op when the row is in any other state; this is what keeps terminal
	// states terminal under webhook/worker races.
	From   []models.Status
	To     models.Status
	Result map[string]any
	Error  *string
}

// TransitionStatus applies a compare-and-swap status update. It returns true
// when the row transitioned and false when the precondition did not hold
// (already terminal, or a concurrent writer won the race).
func (s *Store) TransitionStatus(ctx context.Context, p TransitionParams) (bool, error) {
	if !models.IsCanonical(p.To) {
		return false, fmt.Errorf("refusing non-canonical status %q", p.To)
	}

	var resultJSON []byte
	if p.Result != nil {
		var err error
		resultJSON, err = json.Marshal(p.Result)
		if err != nil {
			return false, fmt.Errorf("marshal result: %w", err)
		}
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2,
		    result = COALESCE($3, result),
		    last_error = COALESCE($4, last_error),
		    locked_until = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($5)
	`, p.ID, p.To, resultJSON, p.Error, statusList(p.From))
	if err != nil {
		return false, fmt.Errorf("transition job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimJob leases a pending or scheduled job for the external worker: sets
// running, bumps the attempt counter, and records the lease deadline. Returns
// false when the job was already claimed or is no longer claimable.
func (s *Store) ClaimJob(ctx context.Context, id string, lockedUntil time.Time) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, attempt = attempt + 1, locked_until = $3, updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)
		  AND (scheduled_for IS NULL OR scheduled_for <= NOW())
		RETURNING `+jobColumns+`
	`, id, models.StatusRunning, lockedUntil, statusList([]models.Status{models.StatusPending, models.StatusScheduled}))

	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// MergePayload folds fields into the job payload document. This is how the
// worker records provider correlation ids once it has them.
func (s *Store) MergePayload(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal payload fields: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET payload = payload || $2::jsonb, updated_at = NOW() WHERE id = $1
	`, id, fieldsJSON)
	if err != nil {
		return fmt.Errorf("merge payload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseExpiredLeases re-opens running jobs whose lease lapsed without a
// report, so the worker can claim them again. Jobs out of attempts fail.
func (s *Store) ReleaseExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = CASE WHEN attempt >= max_attempts THEN 'failed' ELSE 'pending' END,
		    last_error = CASE WHEN attempt >= max_attempts THEN 'worker lease expired' ELSE last_error END,
		    locked_until = NULL,
		    updated_at = NOW()
		WHERE status = 'running' AND locked_until IS NOT NULL AND locked_until <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("release expired leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// QueueRef identifies a job that needs a fresh queue signal.
type QueueRef struct {
	ID     string
	Tenant string
}

// PromoteDueScheduled moves scheduled jobs whose time has come into pending
// and returns their refs so the caller can push queue signals for them.
func (s *Store) PromoteDueScheduled(ctx context.Context, now time.Time) ([]QueueRef, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs
		SET status = 'pending', updated_at = NOW()
		WHERE status = 'scheduled' AND scheduled_for <= $1
		RETURNING id, tenant
	`, now)
	if err != nil {
		return nil, fmt.Errorf("promote scheduled jobs: %w", err)
	}
	defer rows.Close()
	return scanQueueRefs(rows)
}

// ListStalePending returns pending jobs older than the cutoff. A pending job
// that old has likely lost its queue signal and needs a new push.
func (s *Store) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]QueueRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant FROM jobs
		WHERE status = 'pending' AND updated_at <= $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale pending jobs: %w", err)
	}
	defer rows.Close()
	return scanQueueRefs(rows)
}

func scanQueueRefs(rows pgx.Rows) ([]QueueRef, error) {
	var refs []QueueRef
	for rows.Next() {
		var r QueueRef
		if err := rows.Scan(&r.ID, &r.Tenant); err != nil {
			return nil, fmt.Errorf("scan job ref: %w", err)
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var payloadJSON, resultJSON []byte
	var lastErr, callbackURL pgtype.Text
	var scheduledFor, lockedUntil pgtype.Timestamptz

	err := row.Scan(
		&job.ID, &job.Tenant, &job.Type, &job.Status, &payloadJSON, &resultJSON,
		&lastErr, &job.Attempt, &job.MaxAttempts, &callbackURL,
		&scheduledFor, &lockedUntil, &job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if resultJSON != nil {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	job.Error = textPtr(lastErr)
	job.CallbackURL = textPtr(callbackURL)
	job.ScheduledFor = timePtr(scheduledFor)
	job.LockedUntil = timePtr(lockedUntil)
	return job, nil
}

func statusList(statuses []models.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
