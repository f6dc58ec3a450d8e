// Package worker runs the background archive loop: it mirrors rendered
// replay artifacts into our S3 bucket once a session is analyzed.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/north-brook/replaysync/pkg/queue"
	"github.com/north-brook/replaysync/pkg/storage"
)

// ArchiveStore is the slice of the session store the archiver needs.
type ArchiveStore interface {
	UpdateArchivedLocations(ctx context.Context, id uuid.UUID, videoURL, eventsURL string) error
}

// ArchiveProcessor processes archive jobs: download each artifact from the
// render service's URI, stream it into S3, rewrite the session's artifact
// locations.
type ArchiveProcessor struct {
	store      ArchiveStore
	s3         *storage.S3
	queue      *queue.Queue
	httpClient *http.Client
	logger     *zap.Logger
}

// NewArchiveProcessor creates an archive processor.
func NewArchiveProcessor(store ArchiveStore, s3 *storage.S3, q *queue.Queue, logger *zap.Logger) *ArchiveProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveProcessor{
		store:      store,
		s3:         s3,
		queue:      q,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		logger:     logger,
	}
}

// Process executes one archive job.
func (p *ArchiveProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeArchive {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	sessionID := payload.SessionID.String()
	videoURL, err := p.mirror(ctx, payload.VideoURI, storage.VideoKey(sessionID), "video/mp4")
	if err != nil {
		return fmt.Errorf("mirror video: %w", err)
	}

	eventsURL := ""
	if payload.EventsURI != "" {
		eventsURL, err = p.mirror(ctx, payload.EventsURI, storage.EventsKey(sessionID), "application/json")
		if err != nil {
			return fmt.Errorf("mirror events: %w", err)
		}
	}

	if err := p.store.UpdateArchivedLocations(ctx, payload.SessionID, videoURL, eventsURL); err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	p.logger.Info("replay archived",
		zap.String("session_id", sessionID),
		zap.String("video_url", videoURL))
	return nil
}

// mirror streams one artifact from the render service into S3.
func (p *ArchiveProcessor) mirror(ctx context.Context, uri, key, fallbackContentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download status: %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = fallbackContentType
	}
	return p.s3.Upload(ctx, key, contentType, resp.Body, resp.ContentLength)
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ArchiveProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("archive worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Info("archive worker stopping")
				return
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}
