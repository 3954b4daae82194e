package models

import (
	"time"
)

// Status is the canonical job lifecycle state persisted in Postgres.
// No other value may ever be written; provider vocabularies are normalized
// before persistence.
type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsCanonical reports whether s belongs to the canonical set.
func IsCanonical(s Status) bool {
	switch s {
	case StatusPending, StatusScheduled, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether s permits no further transitions.
func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// NonTerminalStatuses is the candidate set the matcher scans.
var NonTerminalStatuses = []Status{StatusPending, StatusScheduled, StatusRunning}

// Job types accepted by the enqueuer. The type drives which payload fields
// are meaningful.
const (
	TypeVideoGenerate = "video:generate"
	TypeImageGenerate = "image:generate"
	TypeArticleWrite  = "article:write"
	TypeSocialPublish = "social:publish"
	TypeResearchRun   = "research:run"
	TypeProviderTest  = "provider:test"
)

// KnownTypes is the closed job-type vocabulary.
var KnownTypes = []string{
	TypeVideoGenerate, TypeImageGenerate, TypeArticleWrite,
	TypeSocialPublish, TypeResearchRun, TypeProviderTest,
}

// IsKnownType reports whether t is in the closed type vocabulary.
func IsKnownType(t string) bool {
	for _, k := range KnownTypes {
		if t == k {
			return true
		}
	}
	return false
}

// CorrelationFields are the payload keys that may carry a provider-assigned
// token once the worker has obtained one.
var CorrelationFields = []string{"task_id", "video_id", "callback_id", "provider_job_id"}

// Job is a durable, tenant-scoped unit of asynchronous work.
type Job struct {
	ID           string         `json:"id"`
	Tenant       string         `json:"tenant"`
	Type         string         `json:"type"`
	Status       Status         `json:"status"`
	Payload      map[string]any `json:"payload"`
	Result       map[string]any `json:"result,omitempty"`
	Error        *string        `json:"error,omitempty"`
	Attempt      int            `json:"attempt"`
	MaxAttempts  int            `json:"max_attempts"`
	CallbackURL  *string        `json:"callback_url,omitempty"`
	ScheduledFor *time.Time     `json:"scheduled_for,omitempty"`
	LockedUntil  *time.Time     `json:"locked_until,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// CorrelationTokens returns the non-empty provider tokens currently stored in
// the job payload.
func (j Job) CorrelationTokens() []string {
	if j.Payload == nil {
		return nil
	}
	var tokens []string
	for _, f := range CorrelationFields {
		if v, ok := j.Payload[f].(string); ok && v != "" {
			tokens = append(tokens, v)
		}
	}
	return tokens
}

// OutputAssets extracts the externally visible output identifiers from the
// result document, if any.
func (j Job) OutputAssets() []string {
	if j.Result == nil {
		return nil
	}
	raw, ok := j.Result["output_assets"].([]any)
	if !ok {
		return nil
	}
	assets := make([]string, 0, len(raw))
	for _, a := range raw {
		if s, ok := a.(string); ok && s != "" {
			assets = append(assets, s)
		}
	}
	return assets
}

// WebhookEvent is an immutable audit record of one inbound provider callback.
// Rows are created on first sight of a payload hash and never deleted; only
// the Processed flag ever changes, and only from false to true.
type WebhookEvent struct {
	ID          string         `json:"id"`
	EventType   string         `json:"event_type"`
	Payload     map[string]any `json:"payload"`
	PayloadHash string         `json:"payload_hash"`
	Processed   bool           `json:"processed"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Artefact is a tenant-visible content object produced by a successful job.
type Artefact struct {
	ID          string    `json:"id"`
	Tenant      string    `json:"tenant"`
	SourceJobID string    `json:"source_job_id"`
	Kind        string    `json:"kind"`
	URL         string    `json:"url"`
	MirrorKey   *string   `json:"mirror_key,omitempty"`
	ThumbKey    *string   `json:"thumb_key,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
