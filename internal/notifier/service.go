// Package notifier turns poll reports into stored notification events and
// pushes them to the job owner's live connections.
//
// Reports are queued and handled by a small worker pool. Each report is
// appended to the job's notification group, which is created on first use,
// and then dispatched as a SIMULATION_NOTIFICATION client event. Sends are
// rate limited and retried with jittered backoff; a report that still fails
// is dropped and announced on the bus as notifier.failed.
package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"jobrelay/internal/clientevent"
	"jobrelay/internal/eventbus"
	"jobrelay/internal/poller"
	rtsup "jobrelay/internal/runtime/supervisor"
	"jobrelay/internal/storage"
	logx "jobrelay/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historyCap = 300

// Groups is the part of storage.Store the notifier writes to.
type Groups interface {
	EnsureNotificationGroup(ctx context.Context, g storage.NotificationGroup) (storage.NotificationGroup, error)
	AppendNotificationEvent(ctx context.Context, groupID string, e storage.NotificationEvent) (storage.NotificationEvent, error)
}

// Payload is the Data of a SIMULATION_NOTIFICATION client event.
type Payload struct {
	JobID     string          `json:"jobId"`
	EventID   string          `json:"eventId"`
	Progress  float64         `json:"progress"`
	State     string          `json:"state,omitempty"`
	Iteration int             `json:"iteration"`
	Threshold int             `json:"threshold"`
	Final     bool            `json:"final"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Service implements an async notification pipeline:
// queue + worker pool + rate limit + retry.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	groups Groups
	disp   clientevent.Dispatcher
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan poller.Report
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, groups Groups, disp clientevent.Dispatcher, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		groups: groups,
		disp:   disp,
		log:    log,
		bus:    bus,
	}
	s.applyLocked(cfg)
	return s
}

// Supervisor returns the worker supervisor, or nil when not started.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps the config. Worker and queue sizes take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 50
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.GroupType == "" {
		cfg.GroupType = "simulation"
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is idempotent and a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan poller.Report, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.Comp("notifier"))),
		// notification failures must not take the relay down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			// Clean exits happen on shutdown (queue close).
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Report queues r for delivery without blocking. Reports about jobs whose
// owner is unknown (the poll fetch failed) are skipped.
func (s *Service) Report(ctx context.Context, r poller.Report) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if r.UserID == "" {
		s.log.Debug("poll report without owner skipped", logx.JobID(r.JobID), logx.Int("iteration", r.Iteration))
		return nil
	}

	select {
	case q <- r:
		return nil
	default:
		s.publish(eventbus.NotifierFailed, r, "", ErrQueueFull)
		return ErrQueueFull
	}
}

// Snapshot returns the most recent deliveries, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan poller.Report) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, r)
		}
	}
}

func (s *Service) sendWithRetry(runCtx context.Context, r poller.Report) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	if s.groups == nil {
		return
	}

	maxAttempts := 1 + cfg.RetryMax
	var (
		group   storage.NotificationGroup
		haveGrp bool
		lastErr error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(runCtx); err != nil {
				return
			}
		}

		callCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
		var err error
		if !haveGrp {
			group, err = s.groups.EnsureNotificationGroup(callCtx, storage.NotificationGroup{
				UserID:    r.UserID,
				Type:      cfg.GroupType,
				ProjectID: r.ProjectID,
				JobID:     r.JobID,
			})
			haveGrp = err == nil
		}
		var ev storage.NotificationEvent
		if err == nil {
			ev, err = s.groups.AppendNotificationEvent(callCtx, group.ID, storage.NotificationEvent{
				Progress:  r.Progress,
				State:     r.Status,
				Timestamp: r.At,
				Data:      r.Metadata,
			})
		}
		cancel()
		if err == nil {
			s.dispatch(r, group, ev)
			return
		}
		lastErr = err
		s.log.Debug("notification persist failed", logx.JobID(r.JobID), logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.Err(err))

		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-runCtx.Done():
			t.Stop()
			return
		}
	}

	s.log.Warn("notification dropped", logx.JobID(r.JobID), logx.User(r.UserID), logx.Err(lastErr))
	s.publish(eventbus.NotifierFailed, r, group.ID, lastErr)
}

func (s *Service) dispatch(r poller.Report, g storage.NotificationGroup, ev storage.NotificationEvent) {
	ce := clientevent.New(clientevent.SimulationNotification, Payload{
		JobID:     r.JobID,
		EventID:   ev.ID,
		Progress:  r.Progress,
		State:     string(r.Status),
		Iteration: r.Iteration,
		Threshold: r.Threshold,
		Final:     r.Final,
		Metadata:  r.Metadata,
	})
	ce.ProjectID = r.ProjectID
	ce.NotificationGroupID = g.ID
	if s.disp != nil {
		s.disp.Dispatch(ce, r.UserID)
	}
	s.appendHistory(HistoryItem{
		At:       time.Now(),
		JobID:    r.JobID,
		UserID:   r.UserID,
		GroupID:  g.ID,
		Progress: r.Progress,
		State:    r.Status,
		Final:    r.Final,
	})
	s.publish(eventbus.NotifierSent, r, g.ID, nil)
}

func (s *Service) publish(typ string, r poller.Report, groupID string, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ne := NotificationEvent{JobID: r.JobID, UserID: r.UserID, GroupID: groupID, At: now}
	if err != nil {
		ne.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ne})
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the NEXT attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d < 0 {
		return 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
