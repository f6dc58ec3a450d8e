package sessions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/north-brook/replaysync/internal/models"
)

// Repository handles session persistence. Every status transition is a
// single conditional UPDATE keyed on the expected prior status, so
// concurrent or duplicate callbacks can never move a row backwards.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a sessions repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const sessionColumns = `id, source_id, external_id, status, session_at, processed_at,
	COALESCE(video_url,''), video_duration, COALESCE(events_url,''), created_at, updated_at`

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.SourceID, &s.ExternalID, &s.Status, &s.SessionAt, &s.ProcessedAt,
		&s.VideoURL, &s.VideoDuration, &s.EventsURL, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create inserts a new pending session for a discovered recording.
func (r *Repository) Create(ctx context.Context, s *models.Session) error {
	const q = `INSERT INTO sessions (id, source_id, external_id, status, session_at, video_duration)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`
	return r.pool.QueryRow(ctx, q, s.SourceID, s.ExternalID, s.Status, s.SessionAt, s.VideoDuration).
		Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
}

// GetByID returns a session by ID, or nil when it does not exist.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	s, err := scanSession(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// ListByProject returns sessions for a project, newest first.
func (r *Repository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Session, error) {
	const q = `SELECT s.id, s.source_id, s.external_id, s.status, s.session_at, s.processed_at,
			COALESCE(s.video_url,''), s.video_duration, COALESCE(s.events_url,''), s.created_at, s.updated_at
		FROM sessions s JOIN sources src ON src.id = s.source_id
		WHERE src.project_id = $1 ORDER BY s.session_at DESC`
	rows, err := r.pool.Query(ctx, q, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

// LatestSessionTime returns the most recent session_at for a source, or
// nil when the source has no sessions yet.
func (r *Repository) LatestSessionTime(ctx context.Context, sourceID uuid.UUID) (*time.Time, error) {
	const q = `SELECT session_at FROM sessions WHERE source_id = $1
		ORDER BY session_at DESC LIMIT 1`
	var at time.Time
	err := r.pool.QueryRow(ctx, q, sourceID).Scan(&at)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &at, nil
}

// ExistingExternalIDs returns which of the given external recording IDs
// already have a session for this source.
func (r *Repository) ExistingExternalIDs(ctx context.Context, sourceID uuid.UUID, externalIDs []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(externalIDs))
	if len(externalIDs) == 0 {
		return existing, nil
	}
	const q = `SELECT external_id FROM sessions WHERE source_id = $1 AND external_id = ANY($2)`
	rows, err := r.pool.Query(ctx, q, sourceID, externalIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		existing[id] = true
	}
	return existing, rows.Err()
}

// MarkProcessing moves a session pending → processing and stamps
// processed_at. Returns false without error when the session is no longer
// pending, which makes duplicate callbacks a no-op.
func (r *Repository) MarkProcessing(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	const q = `UPDATE sessions SET status = $1, processed_at = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4`
	tag, err := r.pool.Exec(ctx, q, models.SessionStatusProcessing, at, id, models.SessionStatusPending)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailedFrom moves a session from the expected prior status to failed.
// Returns false without error when the row has already moved on.
func (r *Repository) MarkFailedFrom(ctx context.Context, id uuid.UUID, from string) (bool, error) {
	const q = `UPDATE sessions SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`
	tag, err := r.pool.Exec(ctx, q, models.SessionStatusFailed, id, from)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkAnalyzed moves a session processing → analyzed and records the
// rendered artifact locations. Returns false without error when the
// session is not processing.
func (r *Repository) MarkAnalyzed(ctx context.Context, id uuid.UUID, videoURL string, videoDuration int, eventsURL string) (bool, error) {
	const q = `UPDATE sessions SET status = $1, video_url = $2, video_duration = $3,
			events_url = $4, updated_at = NOW()
		WHERE id = $5 AND status = $6`
	tag, err := r.pool.Exec(ctx, q, models.SessionStatusAnalyzed, videoURL, videoDuration, eventsURL, id, models.SessionStatusProcessing)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateArchivedLocations rewrites artifact URLs after the archive worker
// mirrors them into our bucket. Status is untouched.
func (r *Repository) UpdateArchivedLocations(ctx context.Context, id uuid.UUID, videoURL, eventsURL string) error {
	const q = `UPDATE sessions SET video_url = $1, events_url = $2, updated_at = NOW() WHERE id = $3`
	_, err := r.pool.Exec(ctx, q, videoURL, eventsURL, id)
	return err
}

// UsageWithin returns the summed video duration (seconds) of a project's
// sessions whose recordings fall inside the window.
func (r *Repository) UsageWithin(ctx context.Context, projectID uuid.UUID, start, end time.Time) (time.Duration, error) {
	const q = `SELECT COALESCE(SUM(s.video_duration), 0)
		FROM sessions s JOIN sources src ON src.id = s.source_id
		WHERE src.project_id = $1 AND s.session_at >= $2 AND s.session_at < $3`
	var seconds int64
	if err := r.pool.QueryRow(ctx, q, projectID, start, end).Scan(&seconds); err != nil {
		return 0, err
	}
	return time.Duration(seconds) * time.Second, nil
}

// CountActive returns how many of a project's sessions are currently
// rendering (processing).
func (r *Repository) CountActive(ctx context.Context, projectID uuid.UUID) (int, error) {
	const q = `SELECT COUNT(*) FROM sessions s JOIN sources src ON src.id = s.source_id
		WHERE src.project_id = $1 AND s.status = $2`
	var n int
	if err := r.pool.QueryRow(ctx, q, projectID, models.SessionStatusProcessing).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
