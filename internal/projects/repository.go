package projects

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/north-brook/replaysync/internal/models"
)

// Repository handles project reads. Projects are owned by the billing
// surface; this subsystem never mutates them.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a projects repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID returns a project by ID, or nil when it does not exist.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	const q = `SELECT id, name, COALESCE(plan,''), subscribed_at, created_at
		FROM projects WHERE id = $1`
	var p models.Project
	err := r.pool.QueryRow(ctx, q, id).Scan(&p.ID, &p.Name, &p.Plan, &p.SubscribedAt, &p.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}
