package sources

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/north-brook/replaysync/internal/models"
)

// Repository handles source persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a sources repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const sourceColumns = `id, project_id, source_type, host, api_key, COALESCE(provider_project,''), last_active_at, created_at`

func scanSource(row pgx.Row) (*models.Source, error) {
	var s models.Source
	err := row.Scan(&s.ID, &s.ProjectID, &s.SourceType, &s.Host, &s.APIKey, &s.ProviderProject, &s.LastActiveAt, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetByID returns a source by ID, or nil when it does not exist.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Source, error) {
	const q = `SELECT ` + sourceColumns + ` FROM sources WHERE id = $1`
	src, err := scanSource(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return src, nil
}

// ListActivated returns sources that have synced at least once
// (non-null last_active_at), optionally scoped to one project.
func (r *Repository) ListActivated(ctx context.Context, projectID *uuid.UUID) ([]models.Source, error) {
	q := `SELECT ` + sourceColumns + ` FROM sources WHERE last_active_at IS NOT NULL`
	args := []any{}
	if projectID != nil {
		q += ` AND project_id = $1`
		args = append(args, *projectID)
	}
	q += ` ORDER BY created_at`

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *src)
	}
	return list, rows.Err()
}

// TouchLastActive advances the source's last_active_at.
func (r *Repository) TouchLastActive(ctx context.Context, id uuid.UUID, at time.Time) error {
	const q = `UPDATE sources SET last_active_at = $1 WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, at, id)
	return err
}
