package syncer

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/north-brook/replaysync/pkg/response"
)

// TriggerHandler handles the scheduler-invoked sync trigger. It fans out
// one coordinator pass per activated source and returns without waiting
// for them (fire-and-continue); the coordinator tracks the passes.
type TriggerHandler struct {
	coordinator *Coordinator
	sources     SourceStore
	logger      *zap.Logger
}

// NewTriggerHandler creates a trigger handler.
func NewTriggerHandler(coordinator *Coordinator, sources SourceStore, logger *zap.Logger) *TriggerHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TriggerHandler{coordinator: coordinator, sources: sources, logger: logger}
}

// Trigger handles GET /sync-trigger?project_id=<optional>. Auth is done
// by the shared-secret middleware on the route.
func (h *TriggerHandler) Trigger(c *gin.Context) {
	var projectID *uuid.UUID
	if raw := c.Query("project_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			response.BadRequest(c, "invalid project_id")
			return
		}
		projectID = &id
	}

	srcs, err := h.sources.ListActivated(c.Request.Context(), projectID)
	if err != nil {
		h.logger.Error("list sources failed", zap.Error(err))
		response.Internal(c, "failed to list sources")
		return
	}

	for _, src := range srcs {
		h.coordinator.StartPass(src.ID)
	}
	h.logger.Info("sync triggered", zap.Int("sources", len(srcs)))
	response.OK(c, gin.H{"sources": len(srcs)})
}
