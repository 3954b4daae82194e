package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"content-engine/internal/models"
)

// CreateArtefact inserts a tenant-visible content artefact produced by a
// successful job. Artefacts are immutable once written.
func (s *Store) CreateArtefact(ctx context.Context, a models.Artefact) (models.Artefact, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.CreatedAt = time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO artefacts (id, tenant, source_job_id, kind, url, mirror_key, thumb_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.Tenant, a.SourceJobID, a.Kind, a.URL, a.MirrorKey, a.ThumbKey, a.CreatedAt)
	if err != nil {
		return models.Artefact{}, fmt.Errorf("insert artefact: %w", err)
	}
	return a, nil
}

// ListArtefactsByJob returns the artefacts linked to a job, within the
// tenant boundary.
func (s *Store) ListArtefactsByJob(ctx context.Context, tenant, jobID string) ([]models.Artefact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant, source_job_id, kind, url, mirror_key, thumb_key, created_at
		FROM artefacts WHERE tenant = $1 AND source_job_id = $2
		ORDER BY created_at ASC
	`, tenant, jobID)
	if err != nil {
		return nil, fmt.Errorf("list artefacts: %w", err)
	}
	defer rows.Close()

	var out []models.Artefact
	for rows.Next() {
		var a models.Artefact
		if err := rows.Scan(&a.ID, &a.Tenant, &a.SourceJobID, &a.Kind, &a.URL, &a.MirrorKey, &a.ThumbKey, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artefact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
