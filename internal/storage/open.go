package storage

import (
	"context"
	"errors"
	"strings"

	"jobrelay/internal/job"
	logx "jobrelay/pkg/logx"
)

// Store is the persistence API used by the relay, the poller and the HTTP
// surface.
type Store interface {
	CreateJob(ctx context.Context, j job.Job) (job.Job, error)
	GetJob(ctx context.Context, id string, c job.Capability) (job.Job, error)
	// AppendUpdate appends u to the job's update sequence and derives the
	// new status. Appends for one job id are serialized.
	AppendUpdate(ctx context.Context, id string, c job.Capability, u job.StatusUpdate) (job.StoredUpdate, error)
	// SetStatus overrides the job status. A job in a terminal status keeps
	// it: the call returns the current job with ErrTerminal.
	SetStatus(ctx context.Context, id string, c job.Capability, s job.Status) (job.Job, error)

	// EnsureNotificationGroup returns the group for (UserID, Type, JobID),
	// creating it from g when absent.
	EnsureNotificationGroup(ctx context.Context, g NotificationGroup) (NotificationGroup, error)
	AppendNotificationEvent(ctx context.Context, groupID string, e NotificationEvent) (NotificationEvent, error)
	GetNotificationGroup(ctx context.Context, id string) (NotificationGroup, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "none":
		return nil, ErrDisabled
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
