package engine

import (
	"context"
	"fmt"
	"log/slog"

	"content-engine/internal/models"
	"content-engine/internal/status"
	"content-engine/internal/telemetry"
)

// Outcome classifies what a webhook resolution did.
type Outcome string

const (
	// OutcomeApplied: the event transitioned its job.
	OutcomeApplied Outcome = "applied"
	// OutcomeUnmatched: no in-flight job carries the correlation token yet.
	// The stored event stays unprocessed until a later delivery resolves.
	OutcomeUnmatched Outcome = "unmatched"
	// OutcomeNoop: the matched job was already terminal; nothing changed.
	OutcomeNoop Outcome = "noop"
)

// ProviderEvent is a parsed, validated webhook delivery ready for resolution.
type ProviderEvent struct {
	Provider     string
	JobType      string
	RawStatus    string
	Tokens       []string
	AssetURL     string
	ErrorMessage string
	PayloadHash  string
}

// Resolver turns persisted webhook events into job transitions.
type Resolver struct {
	store   JobStore
	matcher *Matcher
	trans   *Transitioner
	logger  *slog.Logger
}

// NewResolver wires the resolution path.
func NewResolver(st JobStore, matcher *Matcher, trans *Transitioner, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: st, matcher: matcher, trans: trans, logger: logger}
}

// Resolve matches the event to a job and applies the normalized transition,
// then marks the audit row processed. An unmatched event is acknowledged but
// left unprocessed; the worker usually has not written the correlation id
// yet and a provider retry will land after it has.
func (r *Resolver) Resolve(ctx context.Context, ev ProviderEvent) (Outcome, error) {
	job, matched, err := r.matcher.Match(ctx, ev.Tokens, ev.JobType)
	if err != nil {
		return "", err
	}
	if !matched {
		telemetry.WebhookUnmatched.WithLabelValues(ev.Provider).Inc()
		r.logger.Info("webhook unmatched", "provider", ev.Provider, "tokens", ev.Tokens)
		return OutcomeUnmatched, nil
	}

	target := status.Normalize(ev.RawStatus)

	var result map[string]any
	var errMsg *string
	switch target {
	case models.StatusCompleted:
		if ev.AssetURL != "" {
			result = map[string]any{
				"asset_url":     ev.AssetURL,
				"output_assets": []any{ev.AssetURL},
			}
		}
	case models.StatusFailed:
		msg := ev.ErrorMessage
		if msg == "" {
			// The error column is never left empty on failure.
			msg = fmt.Sprintf("provider %s reported status %q", ev.Provider, ev.RawStatus)
		}
		errMsg = &msg
	}

	applied, err := r.trans.Apply(ctx, job, target, result, errMsg)
	if err != nil {
		return "", err
	}

	if err := r.store.MarkEventProcessed(ctx, ev.PayloadHash); err != nil {
		// The transition is committed; a stuck processed flag only costs an
		// operator replay being a no-op.
		r.logger.Warn("mark event processed failed", "hash", ev.PayloadHash, "error", err)
	}

	if !applied {
		return OutcomeNoop, nil
	}
	return OutcomeApplied, nil
}
