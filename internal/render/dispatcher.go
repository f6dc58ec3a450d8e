// Package render submits sessions to the external rendering worker and
// consumes its asynchronous callbacks.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/north-brook/replaysync/internal/models"
	"github.com/north-brook/replaysync/internal/provider"
)

// DispatchStore is the slice of the session store the dispatcher needs.
type DispatchStore interface {
	MarkFailedFrom(ctx context.Context, id uuid.UUID, from string) (bool, error)
}

// Request is the render submission payload sent to the rendering worker.
type Request struct {
	SourceType     string `json:"source_type"`
	SourceHost     string `json:"source_host"`
	SourceKey      string `json:"source_key"`
	SourceProject  string `json:"source_project"`
	ExternalID     string `json:"external_id"`
	ActiveDuration int    `json:"active_duration"`
	ProjectID      string `json:"project_id"`
	SessionID      string `json:"session_id"`
	Callback       string `json:"callback"`
}

// Dispatcher submits render requests. Submission success means the job is
// enqueued, nothing more: the session stays pending until the rendering
// worker calls back to accept it.
type Dispatcher struct {
	store           DispatchStore
	httpClient      *http.Client
	renderURL       string
	callbackBaseURL string
	logger          *zap.Logger
}

// NewDispatcher creates a render dispatcher.
func NewDispatcher(store DispatchStore, renderURL, callbackBaseURL string, httpClient *http.Client, logger *zap.Logger) *Dispatcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:           store,
		httpClient:      httpClient,
		renderURL:       renderURL,
		callbackBaseURL: callbackBaseURL,
		logger:          logger,
	}
}

// CallbackURL returns the per-session callback root the rendering worker
// posts to, appending /accepted on acceptance and /completed on the
// final result.
func (d *Dispatcher) CallbackURL(sessionID uuid.UUID) string {
	return fmt.Sprintf("%s/jobs/process-replay/%s", d.callbackBaseURL, sessionID)
}

// Dispatch submits one pending session to the rendering worker. A
// transport failure or non-2xx response moves the session pending →
// failed; siblings in the same pass are unaffected.
func (d *Dispatcher) Dispatch(ctx context.Context, src *models.Source, sess *models.Session, rec provider.Recording) error {
	req := Request{
		SourceType:     src.SourceType,
		SourceHost:     src.Host,
		SourceKey:      src.APIKey,
		SourceProject:  src.ProviderProject,
		ExternalID:     rec.ID,
		ActiveDuration: rec.Duration,
		ProjectID:      src.ProjectID.String(),
		SessionID:      sess.ID.String(),
		Callback:       d.CallbackURL(sess.ID),
	}
	if err := d.submit(ctx, req); err != nil {
		d.logger.Warn("render submission failed",
			zap.String("session_id", sess.ID.String()),
			zap.String("external_id", rec.ID),
			zap.Error(err))
		if _, markErr := d.store.MarkFailedFrom(ctx, sess.ID, models.SessionStatusPending); markErr != nil {
			return fmt.Errorf("mark failed: %w", markErr)
		}
		return err
	}
	d.logger.Debug("render request submitted", zap.String("session_id", sess.ID.String()))
	return nil
}

func (d *Dispatcher) submit(ctx context.Context, r Request) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal render request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.renderURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("submit status: %d", resp.StatusCode)
	}
	return nil
}
