package notifier

import (
	"time"

	"jobrelay/internal/job"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// GroupType names the notification group source, "simulation" by default.
	GroupType string
}

type HistoryItem struct {
	At       time.Time  `json:"at"`
	JobID    string     `json:"jobId"`
	UserID   string     `json:"userId"`
	GroupID  string     `json:"groupId"`
	Progress float64    `json:"progress"`
	State    job.Status `json:"state,omitempty"`
	Final    bool       `json:"final,omitempty"`
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
// Keep it small; Data may be logged/serialized by subscribers.
type NotificationEvent struct {
	JobID   string    `json:"jobId"`
	UserID  string    `json:"userId,omitempty"`
	GroupID string    `json:"groupId,omitempty"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
