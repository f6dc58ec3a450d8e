// Package provider talks to the external recording-data providers that
// sources point at.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/north-brook/replaysync/internal/models"
)

// Recording is one recording as reported by a provider.
type Recording struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Duration  int       `json:"duration"` // active seconds
}

// Lister fetches recordings for one source since a cursor timestamp.
type Lister interface {
	ListRecordings(ctx context.Context, since time.Time) ([]Recording, error)
}

// Factory builds a Lister for a source's connection details.
type Factory func(src *models.Source) Lister

// Client is the HTTP Lister implementation. It queries the provider's
// recording list API with the source's key.
type Client struct {
	src        *models.Source
	httpClient *http.Client
}

// NewClient creates a provider client for one source.
func NewClient(src *models.Source, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{src: src, httpClient: httpClient}
}

// NewFactory returns a Factory producing HTTP clients that share one
// http.Client.
func NewFactory(httpClient *http.Client) Factory {
	return func(src *models.Source) Lister {
		return NewClient(src, httpClient)
	}
}

// ListRecordings returns recordings with timestamp >= since.
func (c *Client) ListRecordings(ctx context.Context, since time.Time) ([]Recording, error) {
	u, err := url.Parse(c.src.Host)
	if err != nil {
		return nil, fmt.Errorf("parse source host: %w", err)
	}
	u.Path = "/api/v1/recordings"
	q := u.Query()
	q.Set("project", c.src.ProviderProject)
	q.Set("since", since.UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.src.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list recordings status: %d", resp.StatusCode)
	}

	var out struct {
		Recordings []Recording `json:"recordings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode recordings: %w", err)
	}
	return out.Recordings, nil
}
