package store

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("store disabled")

// ErrNotFound is returned when a deployment id is unknown.
var ErrNotFound = errors.New("deployment not found")

// Config configures persistence.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": in-process map, lost on restart
//
// If Driver is empty or "none", persistence is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Deployment is the durable record of a managed target.
type Deployment struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	LastKind  string    `json:"last_kind,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusEvent records one status transition of a deployment.
// Keep it compact and schema-stable.
type StatusEvent struct {
	At       time.Time `json:"at"`
	TargetID string    `json:"target_id"`
	Kind     string    `json:"kind,omitempty"`
	Status   string    `json:"status"`
	Detail   string    `json:"detail,omitempty"`
}
