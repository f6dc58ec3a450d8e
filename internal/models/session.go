package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus values. Status only moves forward:
// pending → processing → analyzed | failed. Every transition is applied
// as a conditional update keyed on the expected prior status, so duplicate
// or out-of-order callbacks cannot corrupt a row.
const (
	SessionStatusPending    = "pending"
	SessionStatusProcessing = "processing"
	SessionStatusAnalyzed   = "analyzed"
	SessionStatusFailed     = "failed"
)

// Session is one recording moving through render → analysis.
type Session struct {
	ID            uuid.UUID  `json:"id"`
	SourceID      uuid.UUID  `json:"source_id"`
	ExternalID    string     `json:"external_id"`
	Status        string     `json:"status"`
	SessionAt     time.Time  `json:"session_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	VideoURL      string     `json:"video_url,omitempty"`
	VideoDuration int        `json:"video_duration"`
	EventsURL     string     `json:"events_url,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
