package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"content-engine/internal/engine"
	"content-engine/internal/models"
)

// WorkerContract is what the out-of-process worker calls over HTTP.
type WorkerContract interface {
	Claim(ctx context.Context, tenant string) (models.Job, bool, error)
	Report(ctx context.Context, jobID string, rep engine.WorkerReport) (models.Job, error)
}

// WorkerAPI exposes the worker contract under /internal/worker, behind a
// shared bearer token. An empty configured token fails closed.
type WorkerAPI struct {
	token   string
	service WorkerContract
	logger  *slog.Logger
}

// NewWorkerAPI wires the worker routes.
func NewWorkerAPI(token string, service WorkerContract, logger *slog.Logger) *WorkerAPI {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerAPI{token: token, service: service, logger: logger}
}

// Mount attaches the worker routes to a chi sub-router.
func (a *WorkerAPI) Mount(r chi.Router) {
	r.Use(a.authenticate)
	r.Post("/claim", a.handleClaim)
	r.Post("/jobs/{id}/report", a.handleReport)
}

func (a *WorkerAPI) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get("Authorization")
		expected := "Bearer " + a.token
		if a.token == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type claimRequest struct {
	Tenant string `json:"tenant"`
}

func (a *WorkerAPI) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}

	job, ok, err := a.service.Claim(r.Context(), req.Tenant)
	if err != nil {
		a.logger.Error("worker claim failed", "error", err)
		http.Error(w, "claim failed", http.StatusInternalServerError)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *WorkerAPI) handleReport(w http.ResponseWriter, r *http.Request) {
	var rep engine.WorkerReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	job, err := a.service.Report(r.Context(), chi.URLParam(r, "id"), rep)
	if errors.Is(err, engine.ErrJobGone) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error("worker report failed", "job_id", chi.URLParam(r, "id"), "error", err)
		http.Error(w, "report failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobView(job))
}
