package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"content-engine/internal/models"
	"content-engine/internal/status"
	"content-engine/internal/store"
)

// ErrJobGone is returned when a report references a job that does not exist.
var ErrJobGone = errors.New("job not found")

// WorkerStore adds the lease operations the worker contract needs.
type WorkerStore interface {
	JobStore
	ClaimJob(ctx context.Context, id string, lockedUntil time.Time) (models.Job, bool, error)
}

// QueueClaimer is the worker-facing slice of the Redis queue.
type QueueClaimer interface {
	Claim(ctx context.Context, tenant string) (string, error)
	Ack(ctx context.Context, jobID string) error
}

// WorkerService implements the contract the out-of-process worker fulfills
// against the job store: claim a leased job, then report progress and
// provider correlation ids back.
type WorkerService struct {
	store      WorkerStore
	queue      QueueClaimer
	index      TokenLookup
	trans      *Transitioner
	visibility time.Duration
	logger     *slog.Logger
}

// NewWorkerService wires the worker contract.
func NewWorkerService(st WorkerStore, q QueueClaimer, index TokenLookup, trans *Transitioner, visibility time.Duration, logger *slog.Logger) *WorkerService {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerService{store: st, queue: q, index: index, trans: trans, visibility: visibility, logger: logger}
}

// Claim leases the next ready job. The second return is false when nothing
// is claimable. Queue entries whose job row is no longer claimable (e.g.
// cancelled by an operator) are acked and skipped.
func (w *WorkerService) Claim(ctx context.Context, tenant string) (models.Job, bool, error) {
	for i := 0; i < 10; i++ {
		id, err := w.queue.Claim(ctx, tenant)
		if err != nil {
			return models.Job{}, false, err
		}
		if id == "" {
			return models.Job{}, false, nil
		}

		job, ok, err := w.store.ClaimJob(ctx, id, leaseDeadline(w.visibility))
		if err != nil {
			return models.Job{}, false, err
		}
		if !ok {
			_ = w.queue.Ack(ctx, id)
			continue
		}
		w.logger.Info("job claimed", "job_id", job.ID, "tenant", job.Tenant, "attempt", job.Attempt)
		return job, true, nil
	}
	return models.Job{}, false, nil
}

// WorkerReport is one progress report from the worker.
type WorkerReport struct {
	// Status is the worker's view of the job, in any vocabulary the worker's
	// provider uses; it is normalized before persistence. Empty means
	// "correlation-only report".
	Status string `json:"status"`
	// Correlation carries provider-assigned ids to fold into the job payload
	// (task_id, video_id, ...). These are what webhook matching keys on.
	Correlation map[string]string `json:"correlation,omitempty"`
	Result      map[string]any    `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// Report persists a worker report: correlation ids first (merged into the
// payload and written to the token index), then the status transition, then
// the queue ack for terminal outcomes.
func (w *WorkerService) Report(ctx context.Context, jobID string, rep WorkerReport) (models.Job, error) {
	job, err := w.store.GetJobByID(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Job{}, ErrJobGone
	}
	if err != nil {
		return models.Job{}, err
	}

	if len(rep.Correlation) > 0 {
		fields := make(map[string]any, len(rep.Correlation))
		for k, v := range rep.Correlation {
			fields[k] = v
		}
		if err := w.store.MergePayload(ctx, job.ID, fields); err != nil {
			return models.Job{}, err
		}
		if job.Payload == nil {
			job.Payload = map[string]any{}
		}
		for k, v := range fields {
			job.Payload[k] = v
		}
		if w.index != nil {
			for _, v := range rep.Correlation {
				if err := w.index.Put(ctx, v, job.ID); err != nil {
					w.logger.Warn("token index write failed", "job_id", job.ID, "error", err)
				}
			}
		}
	}

	if rep.Status != "" {
		target := status.Normalize(rep.Status)
		var errMsg *string
		if target == models.StatusFailed {
			msg := rep.Error
			if msg == "" {
				msg = "worker reported failure"
			}
			errMsg = &msg
		}
		if _, err := w.trans.Apply(ctx, job, target, rep.Result, errMsg); err != nil {
			return models.Job{}, err
		}
		if models.IsTerminal(target) && w.queue != nil {
			if err := w.queue.Ack(ctx, job.ID); err != nil {
				w.logger.Warn("queue ack failed", "job_id", job.ID, "error", err)
			}
		}
	}

	return w.store.GetJobByID(ctx, jobID)
}
