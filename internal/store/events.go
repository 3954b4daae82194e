package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"content-engine/internal/models"
)

// InsertWebhookEvent records an inbound provider callback keyed by its
// payload hash. Returns created=false when a row with the same hash already
// exists; the unique index is what makes concurrent duplicate deliveries
// collapse to exactly one row.
func (s *Store) InsertWebhookEvent(ctx context.Context, eventType string, payload map[string]any, payloadHash string) (bool, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal event payload: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events (id, event_type, payload, payload_hash, processed, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)
		ON CONFLICT (payload_hash) DO NOTHING
	`, uuid.New().String(), eventType, payloadJSON, payloadHash, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkEventProcessed flips the processed flag for the event with the given
// hash. The flag never goes back to false.
func (s *Store) MarkEventProcessed(ctx context.Context, payloadHash string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events SET processed = TRUE WHERE payload_hash = $1
	`, payloadHash)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

// GetWebhookEvent fetches the audit row for a payload hash.
func (s *Store) GetWebhookEvent(ctx context.Context, payloadHash string) (models.WebhookEvent, error) {
	var ev models.WebhookEvent
	var payloadJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, event_type, payload, payload_hash, processed, created_at
		FROM webhook_events WHERE payload_hash = $1
	`, payloadHash).Scan(&ev.ID, &ev.EventType, &payloadJSON, &ev.PayloadHash, &ev.Processed, &ev.CreatedAt)
	if err != nil {
		return models.WebhookEvent{}, fmt.Errorf("get webhook event: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
		return models.WebhookEvent{}, fmt.Errorf("unmarshal event payload: %w", err)
	}
	return ev, nil
}
