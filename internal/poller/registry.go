package poller

import (
	"context"
	"errors"
	"sort"
	"sync"

	"jobrelay/internal/eventbus"
	logx "jobrelay/pkg/logx"
)

var ErrClosed = errors.New("poll registry stopped")

// Registry holds the active notifier of every polled job so schedules can
// be replaced or cancelled by job id.
type Registry struct {
	fetch Fetcher
	rep   Reporter
	log   logx.Logger
	bus   eventbus.Bus

	mu     sync.Mutex
	polls  map[string]*Notifier
	ctx    context.Context
	cancel context.CancelFunc
}

func NewRegistry(fetch Fetcher, rep Reporter, log logx.Logger, bus eventbus.Bus) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		fetch:  fetch,
		rep:    rep,
		log:    log,
		bus:    bus,
		polls:  map[string]*Notifier{},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins polling opts.JobID, replacing any schedule already running
// for that job. Schedules outlive the caller's request; they end on their
// own, through Cancel, or through Stop.
func (r *Registry) Start(opts Options) (*Notifier, error) {
	n, err := NewNotifier(opts, r.fetch, r.rep, r.log)
	if err != nil {
		return nil, err
	}
	n.onStop = r.forget

	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	prev := r.polls[opts.JobID]
	r.polls[opts.JobID] = n
	ctx := r.ctx
	r.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}
	if err := n.Start(ctx); err != nil {
		r.forget(n)
		return nil, err
	}
	r.publish(eventbus.PollStarted, opts.JobID)
	r.log.Debug("poll started", logx.JobID(opts.JobID), logx.Duration("interval", opts.Interval), logx.Int("threshold", opts.Threshold))
	return n, nil
}

func (r *Registry) forget(n *Notifier) {
	r.mu.Lock()
	removed := false
	if cur, ok := r.polls[n.JobID()]; ok && cur == n {
		delete(r.polls, n.JobID())
		removed = true
	}
	r.mu.Unlock()
	if removed {
		r.publish(eventbus.PollStopped, n.JobID())
	}
}

func (r *Registry) publish(typ, jobID string) {
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.JobEvent{JobID: jobID}})
	}
}

// Cancel stops the schedule for jobID and reports whether one was running.
func (r *Registry) Cancel(jobID string) bool {
	r.mu.Lock()
	n := r.polls[jobID]
	r.mu.Unlock()
	if n == nil {
		return false
	}
	return n.Cancel()
}

// Stop cancels every schedule and refuses new ones.
func (r *Registry) Stop() {
	r.mu.Lock()
	r.cancel()
	all := make([]*Notifier, 0, len(r.polls))
	for _, n := range r.polls {
		all = append(all, n)
	}
	r.mu.Unlock()
	for _, n := range all {
		n.Cancel()
	}
}

// Active returns the number of running schedules.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.polls)
}

func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	all := make([]*Notifier, 0, len(r.polls))
	for _, n := range r.polls {
		all = append(all, n)
	}
	r.mu.Unlock()
	out := make([]Info, 0, len(all))
	for _, n := range all {
		out = append(out, n.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// Watch cancels schedules for jobs reported terminal, cancelled or deleted
// on bus. It blocks until ctx ends.
func (r *Registry) Watch(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(64, eventbus.JobTerminal, eventbus.JobCancelled, eventbus.JobDeleted)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			je, ok := e.Data.(eventbus.JobEvent)
			if !ok || je.JobID == "" {
				continue
			}
			if r.Cancel(je.JobID) {
				r.log.Debug("poll cancelled by event", logx.JobID(je.JobID), logx.String("event", e.Type))
			}
		}
	}
}
