package projects

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/north-brook/replaysync/internal/plan"
	"github.com/north-brook/replaysync/pkg/response"
)

// UsageStore supplies aggregated session usage for quota snapshots.
type UsageStore interface {
	UsageWithin(ctx context.Context, projectID uuid.UUID, start, end time.Time) (time.Duration, error)
	CountActive(ctx context.Context, projectID uuid.UUID) (int, error)
}

// QuotaSnapshot is the computed quota state for one project. It is
// derived on demand, never persisted.
type QuotaSnapshot struct {
	Plan               string    `json:"plan"`
	WorkerLimit        int       `json:"worker_limit"`
	ActiveWorkers      int       `json:"active_workers"`
	RemainingWorkers   int       `json:"remaining_workers"`
	PeriodStart        time.Time `json:"period_start"`
	PeriodEnd          time.Time `json:"period_end"`
	UsedSeconds        int64     `json:"used_seconds"`
	RemainingSeconds   int64     `json:"remaining_seconds"`
	AllowanceExhausted bool      `json:"allowance_exhausted"`
}

// Handler serves project quota reads for the dashboard.
type Handler struct {
	repo   *Repository
	usage  UsageStore
	logger *zap.Logger
}

// NewHandler creates a projects handler.
func NewHandler(repo *Repository, usage UsageStore, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, usage: usage, logger: logger}
}

// GetQuota handles GET /projects/:id/quota.
func (h *Handler) GetQuota(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid project id")
		return
	}
	ctx := c.Request.Context()

	project, err := h.repo.GetByID(ctx, id)
	if err != nil {
		h.logger.Error("get project failed", zap.Error(err))
		response.Internal(c, "failed to load project")
		return
	}
	if project == nil {
		response.NotFound(c, "project not found")
		return
	}

	start, end := plan.BillingPeriod(project.Plan, project.SubscribedAt, project.CreatedAt, time.Now())
	used, err := h.usage.UsageWithin(ctx, project.ID, start, end)
	if err != nil {
		h.logger.Error("load usage failed", zap.Error(err))
		response.Internal(c, "failed to load usage")
		return
	}
	active, err := h.usage.CountActive(ctx, project.ID)
	if err != nil {
		h.logger.Error("count active failed", zap.Error(err))
		response.Internal(c, "failed to load usage")
		return
	}

	remaining := plan.RemainingAllowance(project.Plan, used)
	response.OK(c, QuotaSnapshot{
		Plan:               project.Plan,
		WorkerLimit:        plan.WorkerLimit(project.Plan),
		ActiveWorkers:      active,
		RemainingWorkers:   plan.RemainingWorkerCapacity(project.Plan, active),
		PeriodStart:        start,
		PeriodEnd:          end,
		UsedSeconds:        int64(used / time.Second),
		RemainingSeconds:   int64(remaining / time.Second),
		AllowanceExhausted: remaining == 0,
	})
}
