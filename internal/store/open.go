package store

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "deployd/pkg/logx"
)

// Store is the persistence API used by the deploy runner, the HTTP API and
// maintenance jobs.
type Store interface {
	UpsertDeployment(ctx context.Context, d Deployment) error
	GetDeployment(ctx context.Context, id string) (Deployment, bool, error)
	ListDeployments(ctx context.Context) ([]Deployment, error)
	SetStatus(ctx context.Context, id, status string, at time.Time) error

	AppendEvent(ctx context.Context, e StatusEvent) error
	ListEvents(ctx context.Context, targetID string, limit int) ([]StatusEvent, error)
	PruneEvents(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if persistence is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return newMemory(), nil
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
