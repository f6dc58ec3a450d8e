package models

import (
	"time"

	"github.com/google/uuid"
)

// Project is a tenant workspace. Its plan drives render worker limits and
// the monthly replay allowance; this subsystem only reads it.
type Project struct {
	ID           uuid.UUID  `json:"id"`
	Name         string     `json:"name"`
	Plan         string     `json:"plan"`
	SubscribedAt *time.Time `json:"subscribed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
