package storage

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"jobrelay/internal/job"
)

var (
	ErrDisabled  = errors.New("storage disabled")
	ErrNotFound  = errors.New("not found")
	ErrExists    = errors.New("already exists")
	ErrForbidden = errors.New("capability does not permit this operation")
	ErrTerminal  = errors.New("job already finished")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (or empty): in-process maps
//   - "file": jsonl journal + snapshot under Path
//   - "sqlite": SQLite database file at Path
//   - "redis": RedisURL (redis://host:port/db), keys under KeyPrefix
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	RedisURL    string
	KeyPrefix   string
}

// NotificationGroup collects the notifications one user receives about one
// job from one source type.
type NotificationGroup struct {
	ID        string              `json:"id"`
	UserID    string              `json:"userId"`
	Type      string              `json:"type"`
	ProjectID string              `json:"projectId,omitempty"`
	JobID     string              `json:"jobId,omitempty"`
	CreatedAt time.Time           `json:"createdAt"`
	Events    []NotificationEvent `json:"events,omitempty"`
}

// NotificationEvent is one progress notification inside a group.
type NotificationEvent struct {
	ID        string          `json:"id"`
	Progress  float64         `json:"progress"`
	State     job.Status      `json:"state,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func groupKey(userID, typ, jobID string) string {
	return userID + "\x00" + typ + "\x00" + jobID
}

// prepareJob fills defaults for a new job record.
func prepareJob(j job.Job, now time.Time) (job.Job, error) {
	j.ID = strings.TrimSpace(j.ID)
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Engine == "" {
		j.Engine = job.EngineGeneric
	}
	if j.Status == "" {
		j.Status = job.StatusQueued
	}
	if !j.Status.Valid() {
		return job.Job{}, errors.New("invalid job status: " + string(j.Status))
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = j.CreatedAt
	j.Updates = nil
	return j, nil
}

func prepareUpdate(jobID string, u job.StatusUpdate, now time.Time) job.StatusUpdate {
	u.JobID = jobID
	if u.ReceivedAt.IsZero() {
		u.ReceivedAt = now
	}
	return u
}

func prepareGroup(g NotificationGroup, now time.Time) (NotificationGroup, error) {
	if strings.TrimSpace(g.UserID) == "" || strings.TrimSpace(g.Type) == "" {
		return NotificationGroup{}, errors.New("notification group requires user and type")
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.Events = nil
	return g, nil
}

func prepareEvent(e NotificationEvent, now time.Time) NotificationEvent {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	return e
}
