package sessions

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/north-brook/replaysync/internal/models"
	"github.com/north-brook/replaysync/pkg/response"
	"github.com/north-brook/replaysync/pkg/storage"
)

// Store is the slice of the session repository the read handlers need.
type Store interface {
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Session, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
}

// Handler serves session reads for the dashboard.
type Handler struct {
	repo   Store
	s3     *storage.S3
	logger *zap.Logger
}

// NewHandler creates a sessions handler. s3 may be nil when no archive
// bucket is configured; download URLs are then unavailable.
func NewHandler(repo Store, s3 *storage.S3, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, s3: s3, logger: logger}
}

// ListByProject handles GET /projects/:id/sessions.
func (h *Handler) ListByProject(c *gin.Context) {
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid project id")
		return
	}
	list, err := h.repo.ListByProject(c.Request.Context(), projectID)
	if err != nil {
		h.logger.Error("list sessions failed", zap.Error(err))
		response.Internal(c, "failed to list sessions")
		return
	}
	response.OK(c, list)
}

// GetByID handles GET /sessions/:id.
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	sess, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("get session failed", zap.Error(err))
		response.Internal(c, "failed to load session")
		return
	}
	if sess == nil {
		response.NotFound(c, "session not found")
		return
	}
	response.OK(c, sess)
}

// GenerateVideoURL handles GET /sessions/:id/video-url. Returns a
// presigned download URL once the session's video is archived.
func (h *Handler) GenerateVideoURL(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	sess, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("get session failed", zap.Error(err))
		response.Internal(c, "failed to load session")
		return
	}
	if sess == nil {
		response.NotFound(c, "session not found")
		return
	}
	if sess.Status != models.SessionStatusAnalyzed || sess.VideoURL == "" {
		response.Conflict(c, "session video not available")
		return
	}
	// The archive worker rewrites video_url to the canonical bucket
	// object URL; anything else is still the render service's copy.
	if h.s3 == nil || sess.VideoURL != h.s3.ObjectURL(storage.VideoKey(sess.ID.String())) {
		response.OK(c, gin.H{"url": sess.VideoURL})
		return
	}
	url, err := h.s3.GeneratePresignedDownloadURL(c.Request.Context(), storage.VideoKey(sess.ID.String()), h.s3.PresignExpire())
	if err != nil {
		h.logger.Error("presign video url failed", zap.Error(err), zap.String("session_id", sess.ID.String()))
		response.Internal(c, "failed to generate download url")
		return
	}
	response.OK(c, gin.H{"url": url})
}
