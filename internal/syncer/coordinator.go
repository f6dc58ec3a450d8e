// Package syncer discovers new recordings from connected sources and
// drives them into the render pipeline.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/north-brook/replaysync/internal/gate"
	"github.com/north-brook/replaysync/internal/models"
	"github.com/north-brook/replaysync/internal/plan"
	"github.com/north-brook/replaysync/internal/provider"
)

// SourceStore is the slice of the source store a pass needs.
type SourceStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Source, error)
	ListActivated(ctx context.Context, projectID *uuid.UUID) ([]models.Source, error)
	TouchLastActive(ctx context.Context, id uuid.UUID, at time.Time) error
}

// SessionStore is the slice of the session store a pass needs.
type SessionStore interface {
	Create(ctx context.Context, s *models.Session) error
	LatestSessionTime(ctx context.Context, sourceID uuid.UUID) (*time.Time, error)
	ExistingExternalIDs(ctx context.Context, sourceID uuid.UUID, externalIDs []string) (map[string]bool, error)
	UsageWithin(ctx context.Context, projectID uuid.UUID, start, end time.Time) (time.Duration, error)
}

// ProjectStore is the slice of the project store a pass needs.
type ProjectStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error)
}

// Dispatcher submits a pending session to the rendering worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, src *models.Source, sess *models.Session, rec provider.Recording) error
}

// Coordinator runs sync passes: per source, compute the resumable cursor,
// fetch new recordings, create pending sessions and dispatch them under
// the project plan's worker limit. Passes for different sources are fully
// independent; the store is the only shared state.
type Coordinator struct {
	sources    SourceStore
	sessions   SessionStore
	projects   ProjectStore
	providers  provider.Factory
	dispatcher Dispatcher
	lookback   time.Duration
	logger     *zap.Logger
	now        func() time.Time

	passes sync.WaitGroup
}

// NewCoordinator creates a sync coordinator. lookback is the cursor
// fallback window for sources with no sessions yet.
func NewCoordinator(
	sources SourceStore,
	sessions SessionStore,
	projects ProjectStore,
	providers provider.Factory,
	dispatcher Dispatcher,
	lookback time.Duration,
	logger *zap.Logger,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if lookback <= 0 {
		lookback = 7 * 24 * time.Hour
	}
	return &Coordinator{
		sources:    sources,
		sessions:   sessions,
		projects:   projects,
		providers:  providers,
		dispatcher: dispatcher,
		lookback:   lookback,
		logger:     logger,
		now:        time.Now,
	}
}

// StartPass runs a pass in a tracked background goroutine. The trigger
// endpoint returns before passes finish; Wait drains them on shutdown.
func (c *Coordinator) StartPass(sourceID uuid.UUID) {
	c.passes.Add(1)
	go func() {
		defer c.passes.Done()
		if err := c.Pass(context.Background(), sourceID); err != nil {
			c.logger.Error("sync pass failed", zap.String("source_id", sourceID.String()), zap.Error(err))
		}
	}()
}

// Wait blocks until all in-flight passes finish.
func (c *Coordinator) Wait() {
	c.passes.Wait()
}

// Pass syncs one source. A missing source or project aborts the whole
// pass; a failed dispatch of one recording does not abort its siblings.
func (c *Coordinator) Pass(ctx context.Context, sourceID uuid.UUID) error {
	src, err := c.sources.GetByID(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("load source: %w", err)
	}
	if src == nil {
		return fmt.Errorf("source %s not found", sourceID)
	}

	cursor, err := c.cursor(ctx, src)
	if err != nil {
		return err
	}

	// The pass marks the source seen again on every exit from here on,
	// so a crashed fetch stays visible to health checks.
	defer func() {
		if err := c.sources.TouchLastActive(ctx, src.ID, c.now()); err != nil {
			c.logger.Warn("final last_active_at update failed", zap.String("source_id", src.ID.String()), zap.Error(err))
		}
	}()

	recs, err := c.providers(src).ListRecordings(ctx, cursor)
	if err != nil {
		return fmt.Errorf("list recordings: %w", err)
	}
	if len(recs) == 0 {
		c.logger.Debug("no new recordings", zap.String("source_id", src.ID.String()))
		return nil
	}

	project, err := c.projects.GetByID(ctx, src.ProjectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	if project == nil {
		return fmt.Errorf("project %s not found", src.ProjectID)
	}

	fresh, err := c.dedupe(ctx, src.ID, recs)
	if err != nil {
		return err
	}

	start, end := plan.BillingPeriod(project.Plan, project.SubscribedAt, project.CreatedAt, c.now())
	used, err := c.sessions.UsageWithin(ctx, project.ID, start, end)
	if err != nil {
		return fmt.Errorf("load usage: %w", err)
	}

	g := gate.New(plan.WorkerLimit(project.Plan))
	var wg sync.WaitGroup
	admitted := 0
	for _, rec := range fresh {
		rec := rec
		dur := time.Duration(rec.Duration) * time.Second
		if !plan.HasRemainingAllowance(project.Plan, used, dur) {
			c.logger.Warn("recording skipped: plan allowance exhausted",
				zap.String("source_id", src.ID.String()),
				zap.String("external_id", rec.ID),
				zap.String("plan", project.Plan))
			continue
		}
		sess := &models.Session{
			SourceID:      src.ID,
			ExternalID:    rec.ID,
			Status:        models.SessionStatusPending,
			SessionAt:     rec.Timestamp,
			VideoDuration: rec.Duration,
		}
		if err := c.sessions.Create(ctx, sess); err != nil {
			c.logger.Error("create session failed",
				zap.String("source_id", src.ID.String()),
				zap.String("external_id", rec.ID),
				zap.Error(err))
			continue
		}
		// Allowance accrues only for recordings that actually got a
		// session; a failed insert leaves the budget untouched.
		used += dur
		admitted++

		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Run(ctx, func() error {
				return c.dispatcher.Dispatch(ctx, src, sess, rec)
			})
			if err != nil {
				c.logger.Warn("dispatch failed",
					zap.String("session_id", sess.ID.String()),
					zap.String("external_id", rec.ID),
					zap.Error(err))
			}
		}()
	}
	wg.Wait()

	c.logger.Info("sync pass complete",
		zap.String("source_id", src.ID.String()),
		zap.Int("discovered", len(recs)),
		zap.Int("admitted", admitted))
	return nil
}

// cursor computes where discovery resumes and marks the source seen. The
// cursor is the latest session's timestamp, exactly: overlap at the
// boundary is fine because dispatch is deduped on external recording ID.
func (c *Coordinator) cursor(ctx context.Context, src *models.Source) (time.Time, error) {
	latest, err := c.sessions.LatestSessionTime(ctx, src.ID)
	if err != nil {
		return time.Time{}, fmt.Errorf("load cursor: %w", err)
	}
	cursor := c.now().Add(-c.lookback)
	if latest != nil {
		cursor = *latest
	}

	if err := c.sources.TouchLastActive(ctx, src.ID, c.now()); err != nil {
		c.logger.Warn("initial last_active_at update failed", zap.String("source_id", src.ID.String()), zap.Error(err))
	}
	return cursor, nil
}

// dedupe filters out recordings that already have a session for this
// source.
func (c *Coordinator) dedupe(ctx context.Context, sourceID uuid.UUID, recs []provider.Recording) ([]provider.Recording, error) {
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	existing, err := c.sessions.ExistingExternalIDs(ctx, sourceID, ids)
	if err != nil {
		return nil, fmt.Errorf("load existing sessions: %w", err)
	}
	fresh := recs[:0]
	for _, r := range recs {
		if !existing[r.ID] {
			fresh = append(fresh, r)
		}
	}
	return fresh, nil
}
