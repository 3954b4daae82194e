// Package engine holds the job lifecycle logic: enqueueing, matching inbound
// provider events to in-flight jobs, and applying status transitions.
package engine

import (
	"context"
	"errors"
	"time"

	"content-engine/internal/models"
	"content-engine/internal/store"
)

var (
	ErrUnknownType   = errors.New("unknown job type")
	ErrMissingTenant = errors.New("tenant is required")
	ErrQuotaExceeded = errors.New("tenant quota exceeded")
)

// JobStore is the slice of the Postgres store the engine needs. *store.Store
// satisfies it; tests use in-memory fakes.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJobByID(ctx context.Context, id string) (models.Job, error)
	ListMatchCandidates(ctx context.Context, jobType string, limit int) ([]models.Job, error)
	TransitionStatus(ctx context.Context, p store.TransitionParams) (bool, error)
	MergePayload(ctx context.Context, id string, fields map[string]any) error
	InsertWebhookEvent(ctx context.Context, eventType string, payload map[string]any, payloadHash string) (bool, error)
	MarkEventProcessed(ctx context.Context, payloadHash string) error
}

// QueuePusher signals a new job to polling workers.
type QueuePusher interface {
	Push(ctx context.Context, tenant, jobID string) error
}

// TokenLookup resolves correlation tokens through the secondary index.
type TokenLookup interface {
	Lookup(ctx context.Context, tokens []string) (string, bool, error)
	Put(ctx context.Context, token, jobID string) error
}

// Notifier receives terminal jobs for fire-and-forget side effects
// (callback dispatch, artefact materialization). Implementations must not
// block and must never return the failure to the caller.
type Notifier interface {
	JobFinished(job models.Job)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(job models.Job)

func (f NotifierFunc) JobFinished(job models.Job) { f(job) }

// nonTerminal is the CAS precondition for every transition; it is what makes
// terminal states sticky.
func nonTerminal() []models.Status {
	return []models.Status{models.StatusPending, models.StatusScheduled, models.StatusRunning}
}

// leaseDeadline computes a worker lease expiry.
func leaseDeadline(visibility time.Duration) time.Time {
	return time.Now().UTC().Add(visibility)
}
