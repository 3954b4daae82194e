package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"content-engine/internal/models"
	"content-engine/internal/quota"
	"content-engine/internal/store"
	"content-engine/internal/telemetry"
)

// Enqueuer is the boundary the API routes call to submit work. It performs a
// single durable insert and a queue signal; it never talks to a provider.
type Enqueuer struct {
	store  JobStore
	queue  QueuePusher
	gate   quota.Gate
	logger *slog.Logger
}

// NewEnqueuer wires the enqueue path.
func NewEnqueuer(st JobStore, q QueuePusher, gate quota.Gate, logger *slog.Logger) *Enqueuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enqueuer{store: st, queue: q, gate: gate, logger: logger}
}

// EnqueueOptions carries the optional parts of a submission.
type EnqueueOptions struct {
	CallbackURL  string
	ScheduledFor *time.Time
	MaxAttempts  int
}

// Enqueue validates the submission, checks the tenant quota, persists the
// job as pending, and makes it visible to workers. The caller must not
// assume the job exists unless this returns nil error.
func (e *Enqueuer) Enqueue(ctx context.Context, tenant, jobType string, payload map[string]any, opts EnqueueOptions) (models.Job, error) {
	if tenant == "" {
		return models.Job{}, ErrMissingTenant
	}
	if !models.IsKnownType(jobType) {
		return models.Job{}, fmt.Errorf("%w: %q", ErrUnknownType, jobType)
	}
	if _, err := models.DecodePayload(jobType, payload); err != nil {
		return models.Job{}, err
	}

	if e.gate != nil {
		allowed, err := e.gate.Allow(ctx, tenant)
		if err != nil {
			return models.Job{}, fmt.Errorf("quota check: %w", err)
		}
		if !allowed {
			telemetry.QuotaRejects.Inc()
			return models.Job{}, ErrQuotaExceeded
		}
	}

	job, err := e.store.CreateJob(ctx, store.CreateJobParams{
		Tenant:       tenant,
		Type:         jobType,
		Payload:      payload,
		CallbackURL:  opts.CallbackURL,
		ScheduledFor: opts.ScheduledFor,
		MaxAttempts:  opts.MaxAttempts,
	})
	if err != nil {
		return models.Job{}, err
	}

	if e.queue != nil && job.Status == models.StatusPending {
		if err := e.queue.Push(ctx, tenant, job.ID); err != nil {
			// The insert is durable; workers also reclaim via the janitor,
			// so a missed signal delays the job rather than losing it.
			e.logger.Warn("queue signal failed", "job_id", job.ID, "error", err)
		}
	}

	telemetry.EnqueueCounter.Inc()
	e.logger.Info("job enqueued", "job_id", job.ID, "tenant", tenant, "type", jobType)
	return job, nil
}
