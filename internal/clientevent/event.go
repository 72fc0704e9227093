// Package clientevent delivers typed events to the live browser connections
// held by this process.
//
// Connections are process-local. A client whose connection moves to another
// process must subscribe to its jobs again there.
package clientevent

import (
	"time"

	"github.com/google/uuid"

	"jobrelay/internal/job"
)

type Type string

const (
	SimulationSciml        Type = "SIMULATION_SCIML"
	SimulationPyciemss     Type = "SIMULATION_PYCIEMSS"
	SimulationNotification Type = "SIMULATION_NOTIFICATION"
	Heartbeat              Type = "HEARTBEAT"
	Notification           Type = "NOTIFICATION"
)

// Event is the envelope written to a client connection.
type Event struct {
	ID                  string `json:"id"`
	CreatedAtMs         int64  `json:"createdAtMs"`
	Type                Type   `json:"type"`
	ProjectID           string `json:"projectId,omitempty"`
	NotificationGroupID string `json:"notificationGroupId,omitempty"`
	Data                any    `json:"data"`
}

func New(typ Type, data any) Event {
	return Event{
		ID:          uuid.NewString(),
		CreatedAtMs: time.Now().UnixMilli(),
		Type:        typ,
		Data:        data,
	}
}

// TypeFor maps an engine kind to the event type its updates are sent as.
func TypeFor(kind job.EngineKind) Type {
	switch kind {
	case job.EngineSciml:
		return SimulationSciml
	case job.EnginePyciemss:
		return SimulationPyciemss
	default:
		return Notification
	}
}

// Dispatcher delivers ev to userID's live connections on this process. It
// is a silent no-op when the user has none.
type Dispatcher interface {
	Dispatch(ev Event, userID string)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ev Event, userID string)

func (f DispatcherFunc) Dispatch(ev Event, userID string) { f(ev, userID) }
