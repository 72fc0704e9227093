package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published inside one process.
const (
	JobCreated   = "job.created"
	JobUpdated   = "job.updated"
	JobTerminal  = "job.terminal"
	JobCancelled = "job.cancelled"
	JobDeleted   = "job.deleted"

	PollStarted = "poll.started"
	PollStopped = "poll.stopped"

	NotifierSent   = "notifier.sent"
	NotifierFailed = "notifier.failed"

	ConfigReloaded = "config.reloaded"
)

// JobEvent is the Data carried by job.* events.
type JobEvent struct {
	JobID  string `json:"jobId"`
	Status string `json:"status,omitempty"`
	Origin string `json:"origin,omitempty"` // instance id that persisted the update
}

// Event is an in-process signal between components.
//
// Publish never blocks: subscribers get buffered channels and slow ones drop.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns a channel receiving events whose Type equals one of
	// types or starts with a prefix ending in "." (e.g. "job."). No types
	// means every event.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch     chan Event
	filter []string
}

func (s *sub) wants(typ string) bool {
	if len(s.filter) == 0 {
		return true
	}
	for _, f := range s.filter {
		if f == typ || (strings.HasSuffix(f, ".") && strings.HasPrefix(typ, f)) {
			return true
		}
	}
	return false
}

type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			targets = append(targets, s.ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		// A concurrent unsubscribe may close ch under us.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *MemBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer), filter: append([]string(nil), types...)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

// Dropped counts deliveries skipped because a subscriber buffer was full.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }

// Subscribers returns the current subscriber count.
func (b *MemBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
