// Package job holds the job record shared by the relay, the poller and the
// stores. A job is a long-running unit of external compute work tracked by id.
package job

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusComplete  Status = "COMPLETE"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether no further updates are expected.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusComplete, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ParseStatus is case-insensitive. ERROR is accepted as an alias of FAILED.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if s == "ERROR" {
		return StatusFailed, nil
	}
	if !s.Valid() {
		return "", fmt.Errorf("unknown job status %q", raw)
	}
	return s, nil
}

// EngineKind tags the compute engine that produces a job's updates.
// Each kind owns one ingestion queue and one broadcast channel.
type EngineKind string

const (
	EngineGeneric  EngineKind = "generic"
	EngineSciml    EngineKind = "sciml"
	EnginePyciemss EngineKind = "pyciemss"
)

// StatusUpdate is one decoded message describing job progress or completion.
type StatusUpdate struct {
	JobID      string          `json:"jobId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      string          `json:"error,omitempty"`
	Completed  bool            `json:"completed"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Terminal reports whether the update ends the job.
func (u StatusUpdate) Terminal() bool { return u.Completed || u.Error != "" }

// StoredUpdate is a StatusUpdate as persisted on its job. Seq starts at 1.
type StoredUpdate struct {
	StatusUpdate
	Seq int64 `json:"seq"`
}

// Job is the persisted job record.
type Job struct {
	ID        string          `json:"id"`
	Engine    EngineKind      `json:"engine"`
	Status    Status          `json:"status"`
	ProjectID string          `json:"projectId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Updates   []StoredUpdate  `json:"updates"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand out of a store.
func (j Job) Clone() Job {
	cp := j
	cp.Metadata = cloneRaw(j.Metadata)
	if j.Updates != nil {
		cp.Updates = make([]StoredUpdate, len(j.Updates))
		for i, u := range j.Updates {
			u.Payload = cloneRaw(u.Payload)
			cp.Updates[i] = u
		}
	}
	return cp
}

// NextStatus derives the status after applying u to a job in status cur.
// Terminal states are sticky.
func NextStatus(cur Status, u StatusUpdate) Status {
	if cur.IsTerminal() {
		return cur
	}
	switch {
	case u.Error != "":
		return StatusFailed
	case u.Completed:
		return StatusComplete
	default:
		return StatusRunning
	}
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
