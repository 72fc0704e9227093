package relay

import (
	"context"

	"jobrelay/internal/clientevent"
	"jobrelay/internal/eventbus"
	"jobrelay/internal/job"
	logx "jobrelay/pkg/logx"
)

// Listener forwards broadcast copies to users subscribed on this process.
// It never writes to storage.
type Listener struct {
	kind       job.EngineKind
	decoder    *Decoder
	registry   *Registry
	dispatcher clientevent.Dispatcher
	bus        eventbus.Bus
	log        logx.Logger
}

// UpdateEvent is the data of a client event built from a status update.
type UpdateEvent struct {
	JobID     string `json:"jobId"`
	Engine    string `json:"engine"`
	Payload   any    `json:"payload,omitempty"`
	Error     string `json:"error,omitempty"`
	Completed bool   `json:"completed"`
}

func (l *Listener) Handle(ctx context.Context, body []byte) {
	u, ok := l.decoder.Decode(l.kind, body)
	if !ok {
		return
	}

	users := l.registry.SubscribersOf(u.JobID)
	if len(users) > 0 {
		data := UpdateEvent{JobID: u.JobID, Engine: string(l.kind), Error: u.Error, Completed: u.Completed}
		if len(u.Payload) > 0 {
			data.Payload = u.Payload
		}
		ev := clientevent.New(clientevent.TypeFor(l.kind), data)
		for _, user := range users {
			l.dispatcher.Dispatch(ev, user)
		}
		l.log.Trace("dispatched update", logx.JobID(u.JobID), logx.Int("users", len(users)))
	}

	if u.Terminal() {
		l.registry.MarkTerminal(u.JobID)
		if l.bus != nil {
			l.bus.Publish(eventbus.Event{Type: eventbus.JobTerminal, Data: eventbus.JobEvent{JobID: u.JobID}})
		}
	}
}
