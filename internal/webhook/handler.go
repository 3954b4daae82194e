package webhook

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"content-engine/internal/engine"
	"content-engine/internal/telemetry"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// EventStore is the audit-ledger slice of the store.
type EventStore interface {
	InsertWebhookEvent(ctx context.Context, eventType string, payload map[string]any, payloadHash string) (bool, error)
}

// EventResolver applies a persisted event to its job.
type EventResolver interface {
	Resolve(ctx context.Context, ev engine.ProviderEvent) (engine.Outcome, error)
}

// Ingestor handles inbound deliveries for one provider. Per request:
// authenticate, parse, deduplicate, persist, resolve. Every step before
// persistence rejects; everything after acknowledges.
type Ingestor struct {
	provider Provider
	events   EventStore
	resolver EventResolver
	logger   *slog.Logger
}

// NewIngestor wires an ingestor for one provider.
func NewIngestor(p Provider, events EventStore, resolver EventResolver, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{provider: p, events: events, resolver: resolver, logger: logger}
}

type ingestResponse struct {
	Status string `json:"status"`
}

// ServeHTTP implements the per-request state machine. Duplicates and
// unmatched events are 200s: from the provider's perspective neither is
// actionable and retrying would not help.
func (h *Ingestor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Fail closed: an unset secret disables the endpoint rather than
	// letting everything through.
	token := r.URL.Query().Get("token")
	if h.provider.Secret == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(h.provider.Secret)) != 1 {
		telemetry.WebhookRejected.WithLabelValues(h.provider.Name, "auth").Inc()
		h.logger.Warn("webhook auth failed", "provider", h.provider.Name)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	// The body is read exactly once; the hash is computed over these raw
	// bytes, not a re-serialization.
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		telemetry.WebhookRejected.WithLabelValues(h.provider.Name, "body").Inc()
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		telemetry.WebhookRejected.WithLabelValues(h.provider.Name, "parse").Inc()
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	parsed, err := h.provider.Parse(body)
	if err != nil {
		telemetry.WebhookRejected.WithLabelValues(h.provider.Name, "schema").Inc()
		h.logger.Warn("webhook schema rejected", "provider", h.provider.Name, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	telemetry.WebhookReceived.WithLabelValues(h.provider.Name).Inc()

	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])
	eventType := h.provider.Name + "." + parsed.StatusKey

	created, err := h.events.InsertWebhookEvent(r.Context(), eventType, body, hash)
	if err != nil {
		h.logger.Error("webhook event persist failed", "provider", h.provider.Name, "error", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	if !created {
		// Retry storms and proxy duplicates land here; the first delivery
		// already owns the transition.
		telemetry.WebhookDuplicate.WithLabelValues(h.provider.Name).Inc()
		h.logger.Info("duplicate webhook", "provider", h.provider.Name, "hash", hash)
		writeJSON(w, http.StatusOK, ingestResponse{Status: "duplicate"})
		return
	}

	outcome, err := h.resolver.Resolve(r.Context(), engine.ProviderEvent{
		Provider:     h.provider.Name,
		JobType:      parsed.JobType,
		RawStatus:    parsed.RawStatus,
		Tokens:       parsed.Tokens,
		AssetURL:     parsed.AssetURL,
		ErrorMessage: parsed.ErrorMsg,
		PayloadHash:  hash,
	})
	if err != nil {
		// The event row is durable; an operator can replay it. 5xx tells the
		// provider to retry, which the dedup layer absorbs safely.
		h.logger.Error("webhook resolution failed", "provider", h.provider.Name, "hash", hash, "error", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, ingestResponse{Status: string(outcome)})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
