package relay

import (
	"context"
	"fmt"

	"jobrelay/internal/broker"
	"jobrelay/internal/job"
)

// Republisher copies consumed messages onto each engine's fanout channel.
type Republisher struct {
	b        broker.Broker
	channels map[job.EngineKind]string
}

func NewRepublisher(b broker.Broker, routes []Route) *Republisher {
	ch := make(map[job.EngineKind]string, len(routes))
	for _, r := range routes {
		ch[r.Kind] = r.Channel
	}
	return &Republisher{b: b, channels: ch}
}

// Republish broadcasts raw unmodified. Every listening process, this one
// included, gets a copy.
func (r *Republisher) Republish(ctx context.Context, kind job.EngineKind, raw []byte) error {
	ch, ok := r.channels[kind]
	if !ok {
		return fmt.Errorf("no broadcast channel for engine %q", kind)
	}
	return r.b.Broadcast(ctx, ch, raw)
}
