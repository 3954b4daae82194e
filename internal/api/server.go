package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"content-engine/internal/config"
	"content-engine/internal/engine"
	"content-engine/internal/models"
	"content-engine/internal/store"
	"content-engine/internal/telemetry"
)

// Enqueuer accepts validated job submissions.
type Enqueuer interface {
	Enqueue(ctx context.Context, tenant, jobType string, payload map[string]any, opts engine.EnqueueOptions) (models.Job, error)
}

// JobReader is the tenant-scoped read slice of the store.
type JobReader interface {
	GetJob(ctx context.Context, tenant, id string) (models.Job, error)
	ListJobs(ctx context.Context, tenant string, f store.ListJobsFilter) ([]models.Job, error)
}

// Transitioner applies guarded status transitions. Used by the cancel
// handler so API-side cancellation obeys the same lifecycle rules as
// everything else.
type Transitioner interface {
	Apply(ctx context.Context, job models.Job, target models.Status, result map[string]any, errMsg *string) (bool, error)
}

// Acker removes a job's queue signal once it can no longer be worked.
type Acker interface {
	Ack(ctx context.Context, jobID string) error
}

// Server wires the public HTTP surface: job submission and reads, the
// provider webhook endpoints, and operational routes.
type Server struct {
	cfg    config.Config
	jobs   JobReader
	enq    Enqueuer
	trans  Transitioner
	acker  Acker
	hooks  map[string]http.Handler
	worker *WorkerAPI
	logger *slog.Logger
}

// New constructs the API server. hooks maps a provider route suffix
// ("video", "status") to its webhook ingestor; worker may be nil when the
// internal worker contract is not exposed.
func New(cfg config.Config, jobs JobReader, enq Enqueuer, trans Transitioner, acker Acker, hooks map[string]http.Handler, worker *WorkerAPI, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		jobs:   jobs,
		enq:    enq,
		trans:  trans,
		acker:  acker,
		hooks:  hooks,
		worker: worker,
		logger: logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)

	for name, h := range s.hooks {
		r.Method(http.MethodPost, "/webhooks/"+name, h)
	}

	if s.worker != nil {
		r.Route("/internal/worker", s.worker.Mount)
	}
	return r
}

type enqueueRequest struct {
	Type         string         `json:"type"`
	Payload      map[string]any `json:"payload"`
	CallbackURL  string         `json:"callback_url"`
	ScheduledFor *time.Time     `json:"scheduled_for"`
	DelaySeconds int            `json:"delay_seconds"`
	MaxAttempts  int            `json:"max_attempts"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	opts := engine.EnqueueOptions{
		CallbackURL:  req.CallbackURL,
		ScheduledFor: req.ScheduledFor,
		MaxAttempts:  req.MaxAttempts,
	}
	if req.DelaySeconds > 0 {
		at := time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
		opts.ScheduledFor = &at
	}

	job, err := s.enq.Enqueue(r.Context(), tenantFromRequest(r), req.Type, req.Payload, opts)
	switch {
	case errors.Is(err, engine.ErrMissingTenant), errors.Is(err, engine.ErrUnknownType),
		errors.Is(err, models.ErrInvalidPayload):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, engine.ErrQuotaExceeded):
		http.Error(w, "tenant quota exceeded", http.StatusTooManyRequests)
		return
	case err != nil:
		s.logger.Error("enqueue failed", "error", err)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, jobView(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ListJobsFilter{
		Status: q.Get("status"),
		Type:   q.Get("type"),
		Limit:  intParam(q.Get("limit"), 50),
		Offset: intParam(q.Get("offset"), 0),
	}
	if f.Status != "" && !models.IsCanonical(models.Status(f.Status)) {
		http.Error(w, "unknown status filter", http.StatusBadRequest)
		return
	}

	jobs, err := s.jobs.ListJobs(r.Context(), tenantFromRequest(r), f)
	if err != nil {
		s.logger.Error("list jobs failed", "error", err)
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}

	views := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, jobView(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("get job failed", "error", err)
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobView(job))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	applied, err := s.trans.Apply(r.Context(), job, models.StatusCancelled, nil, nil)
	if err != nil {
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	if !applied {
		// Already terminal; report the settled state instead of conflicting.
		writeJSON(w, http.StatusConflict, map[string]string{"status": string(job.Status)})
		return
	}
	if s.acker != nil {
		if err := s.acker.Ack(r.Context(), job.ID); err != nil {
			s.logger.Warn("queue ack failed", "job_id", job.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.StatusCancelled)})
}

// jobView is the external status read: progress is coarse (0 queued, 50
// running, 100 settled) and output_assets is always an array.
func jobView(job models.Job) map[string]any {
	assets := job.OutputAssets()
	if assets == nil {
		assets = []string{}
	}
	view := map[string]any{
		"job_id":        job.ID,
		"type":          job.Type,
		"status":        job.Status,
		"progress":      progressFor(job.Status),
		"attempt":       job.Attempt,
		"max_attempts":  job.MaxAttempts,
		"created_at":    job.CreatedAt,
		"output_assets": assets,
	}
	if models.IsTerminal(job.Status) {
		view["completed_at"] = job.UpdatedAt
	}
	if job.Error != nil {
		view["error"] = *job.Error
	}
	return view
}

func progressFor(st models.Status) int {
	switch {
	case models.IsTerminal(st):
		return 100
	case st == models.StatusRunning:
		return 50
	default:
		return 0
	}
}

func tenantFromRequest(r *http.Request) string {
	return r.Header.Get("X-Tenant-ID")
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
