package engine

import (
	"context"
	"log/slog"
	"time"

	"content-engine/internal/models"
	"content-engine/internal/store"
	"content-engine/internal/telemetry"
)

// statusRank orders the lifecycle for the monotonicity guard. Terminal
// states share the highest rank; they are unreachable as CAS preconditions
// anyway.
func statusRank(s models.Status) int {
	switch s {
	case models.StatusPending:
		return 0
	case models.StatusScheduled:
		return 1
	case models.StatusRunning:
		return 2
	default:
		return 3
	}
}

// allowedFrom lists the statuses a row may hold for a transition to target.
// Encoding the predecessor set into the CAS keeps a losing racer from
// regressing or re-opening a job no matter how reads interleave.
func allowedFrom(target models.Status) []models.Status {
	var from []models.Status
	for _, s := range models.NonTerminalStatuses {
		if statusRank(s) <= statusRank(target) {
			from = append(from, s)
		}
	}
	return from
}

// Transitioner applies guarded status transitions and fans out terminal
// side effects after the write commits.
type Transitioner struct {
	store    JobStore
	notifier Notifier
	logger   *slog.Logger
}

// NewTransitioner wires the transition path. notifier may be nil.
func NewTransitioner(st JobStore, notifier Notifier, logger *slog.Logger) *Transitioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transitioner{store: st, notifier: notifier, logger: logger}
}

// Apply moves job to target with optimistic concurrency. It returns true
// when the row transitioned. A false return means the precondition did not
// hold (the job is already terminal, or a concurrent writer moved it further
// along) and is an idempotent no-op, never an error.
func (t *Transitioner) Apply(ctx context.Context, job models.Job, target models.Status, result map[string]any, errMsg *string) (bool, error) {
	if models.IsTerminal(job.Status) {
		telemetry.TerminalNoops.Inc()
		t.logger.Info("transition ignored, job already terminal",
			"job_id", job.ID, "status", job.Status, "target", target)
		return false, nil
	}
	if statusRank(target) < statusRank(job.Status) {
		// A late "queued" event for a running job carries no information.
		return false, nil
	}

	applied, err := t.store.TransitionStatus(ctx, store.TransitionParams{
		ID:     job.ID,
		From:   allowedFrom(target),
		To:     target,
		Result: result,
		Error:  errMsg,
	})
	if err != nil {
		return false, err
	}
	if !applied {
		telemetry.TerminalNoops.Inc()
		t.logger.Info("transition lost race", "job_id", job.ID, "target", target)
		return false, nil
	}

	telemetry.TransitionsApplied.WithLabelValues(string(target)).Inc()
	t.logger.Info("job transitioned", "job_id", job.ID, "from", job.Status, "to", target)

	if models.IsTerminal(target) && t.notifier != nil {
		final := job
		final.Status = target
		if result != nil {
			final.Result = result
		}
		if errMsg != nil {
			final.Error = errMsg
		}
		final.UpdatedAt = time.Now().UTC()
		// Side effects run on their own failure path; they can never roll
		// back or delay the committed transition.
		t.notifier.JobFinished(final)
	}
	return true, nil
}
