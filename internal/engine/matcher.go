package engine

import (
	"context"
	"errors"
	"log/slog"

	"content-engine/internal/models"
	"content-engine/internal/store"
)

// Matcher resolves provider correlation tokens to the one in-flight job that
// carries the same token in its payload. The token is only known once the
// worker has made its first provider call and written it back, so an event
// can legitimately arrive before any job is matchable.
type Matcher struct {
	store     JobStore
	index     TokenLookup
	scanLimit int
	logger    *slog.Logger
}

// NewMatcher wires the matcher. index may be nil, in which case every match
// is a candidate scan.
func NewMatcher(st JobStore, index TokenLookup, scanLimit int, logger *slog.Logger) *Matcher {
	if scanLimit <= 0 {
		scanLimit = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{store: st, index: index, scanLimit: scanLimit, logger: logger}
}

// Match returns the in-flight job of jobType owning any of the tokens. The
// boolean is false when nothing matches, which is not an error condition.
func (m *Matcher) Match(ctx context.Context, tokens []string, jobType string) (models.Job, bool, error) {
	if len(tokens) == 0 {
		return models.Job{}, false, nil
	}

	// Fast path: the index is written when the worker reports the provider
	// task id, so most events resolve without a scan.
	if m.index != nil {
		if id, ok, err := m.index.Lookup(ctx, tokens); err != nil {
			m.logger.Warn("token index lookup failed, falling back to scan", "error", err)
		} else if ok {
			job, err := m.store.GetJobByID(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				// stale index entry; fall through to the scan
			} else if err != nil {
				return models.Job{}, false, err
			} else if job.Type == jobType && !models.IsTerminal(job.Status) {
				return job, true, nil
			}
		}
	}

	candidates, err := m.store.ListMatchCandidates(ctx, jobType, m.scanLimit)
	if err != nil {
		return models.Job{}, false, err
	}

	tokenSet := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if t != "" {
			tokenSet[t] = struct{}{}
		}
	}

	// First match wins; correlation tokens are provider-unique so ties do
	// not happen in practice.
	for _, job := range candidates {
		for _, t := range job.CorrelationTokens() {
			if _, ok := tokenSet[t]; ok {
				return job, true, nil
			}
		}
	}
	return models.Job{}, false, nil
}
