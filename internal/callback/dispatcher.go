// Package callback delivers best-effort completion notifications. The
// polling status endpoint is the source of truth; this is a convenience
// POST with no retries and no delivery guarantee.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"content-engine/internal/models"
	"content-engine/internal/telemetry"
)

// Summary is the terminal job document POSTed to the caller's URL.
type Summary struct {
	JobID        string   `json:"job_id"`
	Type         string   `json:"type"`
	Status       string   `json:"status"`
	Error        *string  `json:"error,omitempty"`
	OutputAssets []string `json:"output_assets"`
	CompletedAt  string   `json:"completed_at"`
}

// Dispatcher posts terminal summaries to caller-supplied URLs.
type Dispatcher struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// New builds a dispatcher with the given per-delivery timeout.
func New(timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		logger:  logger,
	}
}

// Dispatch fires the notification without blocking the caller. Jobs without
// a callback URL are skipped.
func (d *Dispatcher) Dispatch(job models.Job) {
	if job.CallbackURL == nil || *job.CallbackURL == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.Deliver(ctx, job); err != nil {
			telemetry.CallbackFailure.Inc()
			d.logger.Warn("callback delivery failed", "job_id", job.ID, "url", *job.CallbackURL, "error", err)
			return
		}
		telemetry.CallbackSuccess.Inc()
		d.logger.Info("callback delivered", "job_id", job.ID)
	}()
}

// Deliver performs a single synchronous POST. Exposed for the dispatch
// goroutine and for tests.
func (d *Dispatcher) Deliver(ctx context.Context, job models.Job) error {
	summary := Summary{
		JobID:        job.ID,
		Type:         job.Type,
		Status:       string(job.Status),
		Error:        job.Error,
		OutputAssets: job.OutputAssets(),
		CompletedAt:  job.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if summary.OutputAssets == nil {
		summary.OutputAssets = []string{}
	}

	body, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *job.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("callback endpoint returned %d", resp.StatusCode)
	}
	return nil
}
