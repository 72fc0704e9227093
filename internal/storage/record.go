package storage

import (
	"encoding/json"
	"time"

	"jobrelay/internal/job"
)

// updateRecord is a stored update as written to the file journal, the
// snapshot and redis lists. Payload is []byte so it round-trips byte for
// byte as base64 instead of being re-encoded as JSON.
type updateRecord struct {
	JobID      string    `json:"jobId"`
	Payload    []byte    `json:"payload,omitempty"`
	Error      string    `json:"error,omitempty"`
	Completed  bool      `json:"completed"`
	ReceivedAt time.Time `json:"receivedAt"`
	Seq        int64     `json:"seq,omitempty"`
}

func toUpdateRecord(su job.StoredUpdate) updateRecord {
	return updateRecord{
		JobID:      su.JobID,
		Payload:    append([]byte(nil), su.Payload...),
		Error:      su.Error,
		Completed:  su.Completed,
		ReceivedAt: su.ReceivedAt,
		Seq:        su.Seq,
	}
}

func (r updateRecord) stored() job.StoredUpdate {
	su := job.StoredUpdate{
		StatusUpdate: job.StatusUpdate{
			JobID:      r.JobID,
			Error:      r.Error,
			Completed:  r.Completed,
			ReceivedAt: r.ReceivedAt,
		},
		Seq: r.Seq,
	}
	if r.Payload != nil {
		su.Payload = json.RawMessage(append([]byte(nil), r.Payload...))
	}
	return su
}

// jobRecord is the journal and snapshot form of a job.
type jobRecord struct {
	ID        string         `json:"id"`
	Engine    job.EngineKind `json:"engine"`
	Status    job.Status     `json:"status"`
	ProjectID string         `json:"projectId,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	Metadata  []byte         `json:"metadata,omitempty"`
	Updates   []updateRecord `json:"updates,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

func toJobRecord(j job.Job) jobRecord {
	r := jobRecord{
		ID:        j.ID,
		Engine:    j.Engine,
		Status:    j.Status,
		ProjectID: j.ProjectID,
		UserID:    j.UserID,
		Metadata:  append([]byte(nil), j.Metadata...),
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
	for _, u := range j.Updates {
		r.Updates = append(r.Updates, toUpdateRecord(u))
	}
	return r
}

func (r jobRecord) job() job.Job {
	j := job.Job{
		ID:        r.ID,
		Engine:    r.Engine,
		Status:    r.Status,
		ProjectID: r.ProjectID,
		UserID:    r.UserID,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Metadata != nil {
		j.Metadata = json.RawMessage(append([]byte(nil), r.Metadata...))
	}
	for _, u := range r.Updates {
		j.Updates = append(j.Updates, u.stored())
	}
	return j
}
