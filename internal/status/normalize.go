package status

import (
	"strings"

	"content-engine/internal/models"
)

// mapping covers every provider vocabulary token seen in production. New
// transient tokens providers invent fall through to running.
var mapping = map[string]models.Status{
	// canonical values pass through
	"pending":   models.StatusPending,
	"scheduled": models.StatusScheduled,
	"running":   models.StatusRunning,
	"completed": models.StatusCompleted,
	"failed":    models.StatusFailed,
	"cancelled": models.StatusCancelled,

	// video provider vocabulary
	"queued":      models.StatusPending,
	"queueing":    models.StatusPending,
	"waiting":     models.StatusPending,
	"submitted":   models.StatusPending,
	"in_queue":    models.StatusPending,
	"processing":  models.StatusRunning,
	"in_progress": models.StatusRunning,
	"generating":  models.StatusRunning,
	"rendering":   models.StatusRunning,
	"success":     models.StatusCompleted,
	"complete":    models.StatusCompleted,
	"done":        models.StatusCompleted,
	"finished":    models.StatusCompleted,
	"error":       models.StatusFailed,
	"failure":     models.StatusFailed,
	"timeout":     models.StatusFailed,
	"canceled":    models.StatusCancelled,
	"aborted":     models.StatusCancelled,

	// Legacy alias: early persisted rows and one provider still emit
	// "succeeded". Honored permanently.
	"succeeded": models.StatusCompleted,
}

// Normalize maps a provider-specific status token onto the canonical set.
// Total over all strings: unmapped tokens are treated as the least-committal
// in-flight state so a job is never left un-updated by a vocabulary change.
func Normalize(raw string) models.Status {
	if s, ok := mapping[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s
	}
	return models.StatusRunning
}
