package render

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/north-brook/replaysync/internal/models"
	"github.com/north-brook/replaysync/pkg/queue"
	"github.com/north-brook/replaysync/pkg/response"
)

// WebhookStore is the slice of the session store the callback handlers
// need.
type WebhookStore interface {
	MarkProcessing(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	MarkAnalyzed(ctx context.Context, id uuid.UUID, videoURL string, videoDuration int, eventsURL string) (bool, error)
	MarkFailedFrom(ctx context.Context, id uuid.UUID, from string) (bool, error)
}

// ArchiveEnqueuer queues archive jobs for completed sessions.
type ArchiveEnqueuer interface {
	EnqueueArchive(ctx context.Context, p queue.ArchivePayload) error
}

// AcceptedPayload is the body the rendering worker posts when it accepts
// a job. The session is identified by the callback URL path.
type AcceptedPayload struct {
	ExternalID string `json:"external_id"`
}

// CompletedPayload is the final-result body. Error is set on failure;
// otherwise the artifact fields are.
type CompletedPayload struct {
	ExternalID    string `json:"external_id"`
	VideoURI      string `json:"video_uri"`
	VideoDuration int    `json:"video_duration"`
	EventsURI     string `json:"events_uri"`
	Error         string `json:"error"`
}

// WebhookHandler consumes callbacks from the rendering worker. Both
// handlers are idempotent under at-least-once delivery: a callback for a
// session that already moved on affects zero rows and is acknowledged as
// a success.
type WebhookHandler struct {
	store   WebhookStore
	archive ArchiveEnqueuer
	logger  *zap.Logger
	now     func() time.Time
}

// NewWebhookHandler creates a webhook handler. archive may be nil when no
// archive pipeline is configured.
func NewWebhookHandler(store WebhookStore, archive ArchiveEnqueuer, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{store: store, archive: archive, logger: logger, now: time.Now}
}

// Accepted handles POST /jobs/process-replay/:session_id/accepted.
// Conditionally moves the session pending → processing and stamps
// processed_at.
func (h *WebhookHandler) Accepted(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.BadRequest(c, "invalid session_id")
		return
	}
	var body AcceptedPayload
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	updated, err := h.store.MarkProcessing(c.Request.Context(), sessionID, h.now())
	if err != nil {
		h.logger.Error("mark processing failed", zap.Error(err), zap.String("session_id", sessionID.String()))
		response.Internal(c, "failed to update session")
		return
	}

	msg := "session processing"
	if !updated {
		// Duplicate delivery or a race with the failure path. Acknowledge
		// so the rendering worker stops retrying.
		msg = "session already transitioned"
		h.logger.Debug("accepted callback was a no-op", zap.String("session_id", sessionID.String()))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session_id": sessionID.String(), "message": msg})
}

// Completed handles POST /jobs/process-replay/:session_id/completed. An
// error payload moves the session processing → failed; a success payload
// moves it processing → analyzed with the rendered artifact locations
// and queues the archive job.
func (h *WebhookHandler) Completed(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.BadRequest(c, "invalid session_id")
		return
	}
	var body CompletedPayload
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	ctx := c.Request.Context()

	if body.Error != "" {
		updated, err := h.store.MarkFailedFrom(ctx, sessionID, models.SessionStatusProcessing)
		if err != nil {
			h.logger.Error("mark failed failed", zap.Error(err), zap.String("session_id", sessionID.String()))
			response.Internal(c, "failed to update session")
			return
		}
		h.logger.Info("render reported failure",
			zap.String("session_id", sessionID.String()),
			zap.String("external_id", body.ExternalID),
			zap.String("render_error", body.Error),
			zap.Bool("applied", updated))
		c.JSON(http.StatusOK, gin.H{"success": true, "session_id": sessionID.String(), "message": "session failed"})
		return
	}

	if body.VideoURI == "" {
		response.BadRequest(c, "video_uri required")
		return
	}
	updated, err := h.store.MarkAnalyzed(ctx, sessionID, body.VideoURI, body.VideoDuration, body.EventsURI)
	if err != nil {
		h.logger.Error("mark analyzed failed", zap.Error(err), zap.String("session_id", sessionID.String()))
		response.Internal(c, "failed to update session")
		return
	}
	if updated && h.archive != nil {
		if err := h.archive.EnqueueArchive(ctx, queue.ArchivePayload{
			SessionID: sessionID,
			VideoURI:  body.VideoURI,
			EventsURI: body.EventsURI,
		}); err != nil {
			// The session is already analyzed; archiving is best-effort
			// and the queue's retry path owns redelivery.
			h.logger.Error("enqueue archive failed", zap.Error(err), zap.String("session_id", sessionID.String()))
		}
	}

	msg := "session analyzed"
	if !updated {
		msg = "session already transitioned"
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session_id": sessionID.String(), "message": msg})
}
