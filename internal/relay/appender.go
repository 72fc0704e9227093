package relay

import (
	"context"
	"errors"
	"fmt"

	"jobrelay/internal/job"
	"jobrelay/internal/storage"
	logx "jobrelay/pkg/logx"
)

// Appender records decoded updates on their jobs.
type Appender struct {
	store storage.Store
	log   logx.Logger
}

func NewAppender(store storage.Store, log logx.Logger) *Appender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Appender{store: store, log: log}
}

// Append fetches the job and appends u to it. A missing job is logged and
// reported as storage.ErrNotFound; the caller moves on to its next message.
func (a *Appender) Append(ctx context.Context, jobID string, c job.Capability, u job.StatusUpdate) (job.StoredUpdate, error) {
	if _, err := a.store.GetJob(ctx, jobID, c); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			a.log.Warn("status update for unknown job", logx.JobID(jobID))
			return job.StoredUpdate{}, err
		}
		return job.StoredUpdate{}, fmt.Errorf("fetch job %s: %w", jobID, err)
	}
	su, err := a.store.AppendUpdate(ctx, jobID, c, u)
	if err != nil {
		return job.StoredUpdate{}, fmt.Errorf("append update to %s: %w", jobID, err)
	}
	return su, nil
}
