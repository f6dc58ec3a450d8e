package models

import (
	"time"

	"github.com/google/uuid"
)

// Source is a connected recording-data provider for a project.
// LastActiveAt advances when a sync pass runs; a NULL value means the
// source was never activated and the trigger skips it.
type Source struct {
	ID              uuid.UUID  `json:"id"`
	ProjectID       uuid.UUID  `json:"project_id"`
	SourceType      string     `json:"source_type"`
	Host            string     `json:"host"`
	APIKey          string     `json:"-"`
	ProviderProject string     `json:"provider_project"`
	LastActiveAt    *time.Time `json:"last_active_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}
