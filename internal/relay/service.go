package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"jobrelay/internal/broker"
	"jobrelay/internal/clientevent"
	"jobrelay/internal/eventbus"
	"jobrelay/internal/job"
	rtsup "jobrelay/internal/runtime/supervisor"
	"jobrelay/internal/storage"
	logx "jobrelay/pkg/logx"
)

// Broadcast policies decide what happens to a message whose update could
// not be persisted.
const (
	PolicyOnPersist = "on_persist" // broadcast only persisted updates
	PolicyAlways    = "always"     // broadcast every decoded message
)

var ErrRunning = errors.New("relay already running")

// hotPathSample keeps one in this many per-message trace lines.
const hotPathSample = 64

// Route binds an engine kind to its ingestion queue and fanout channel.
type Route struct {
	Kind    job.EngineKind
	Queue   string
	Channel string
}

func DefaultRoutes() []Route {
	return []Route{
		{Kind: job.EngineGeneric, Queue: "job-status", Channel: "job-status-broadcast"},
		{Kind: job.EngineSciml, Queue: "sciml-queue", Channel: "sciml-broadcast"},
		{Kind: job.EnginePyciemss, Queue: "simulation-status", Channel: "simulation-status-broadcast"},
	}
}

type Config struct {
	Routes          []Route
	BroadcastPolicy string
	InstanceID      string
}

// Stats are cumulative counters since process start.
type Stats struct {
	Consumed      uint64        `json:"consumed"` // fully handled queue messages
	Rejected      uint64        `json:"rejected"`
	Persisted     uint64        `json:"persisted"`
	PersistFailed uint64        `json:"persistFailed"`
	Broadcast     uint64        `json:"broadcast"`
	Withheld      uint64        `json:"withheld"`
	Registry      RegistryStats `json:"registry"`
}

// Service consumes every engine queue as one of the fleet's competing
// consumers and listens on every engine channel for this process.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log        logx.Logger
	bus        eventbus.Bus
	broker     broker.Broker
	dispatcher clientevent.Dispatcher

	decoder     *Decoder
	appender    *Appender
	republisher *Republisher
	registry    *Registry

	sup   *rtsup.Supervisor
	ready chan struct{}

	consumed      atomic.Uint64
	persisted     atomic.Uint64
	persistFailed atomic.Uint64
	broadcast     atomic.Uint64
	withheld      atomic.Uint64
}

func New(cfg Config, b broker.Broker, store storage.Store, d clientevent.Dispatcher, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:        log,
		bus:        bus,
		broker:     b,
		dispatcher: d,
		decoder:    NewDecoder(log),
		appender:   NewAppender(store, log),
		registry:   NewRegistry(),
	}
	s.applyLocked(cfg)
	s.republisher = NewRepublisher(b, s.cfg.Routes)
	return s
}

// Apply updates the broadcast policy. Route changes need a restart.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	routes := s.cfg.Routes
	s.applyLocked(cfg)
	s.cfg.Routes = routes
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if len(cfg.Routes) == 0 {
		cfg.Routes = DefaultRoutes()
	}
	cfg.BroadcastPolicy = strings.ToLower(strings.TrimSpace(cfg.BroadcastPolicy))
	if cfg.BroadcastPolicy == "" {
		cfg.BroadcastPolicy = PolicyOnPersist
	}
	s.cfg = cfg
}

func (s *Service) Registry() *Registry { return s.registry }

func (s *Service) Routes() []Route {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Route(nil), s.cfg.Routes...)
}

// Route returns the route for kind.
func (s *Service) Route(kind job.EngineKind) (Route, bool) {
	for _, r := range s.Routes() {
		if r.Kind == kind {
			return r, true
		}
	}
	return Route{}, false
}

func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Ready is closed once every fanout binding of the current run is live.
func (s *Service) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready == nil {
		ch := make(chan struct{})
		return ch
	}
	return s.ready
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return ErrRunning
	}
	log := s.log.With(logx.Comp("relay"))
	s.sup = rtsup.New(ctx, rtsup.WithLogger(log))
	s.ready = make(chan struct{})

	var pending atomic.Int32
	pending.Store(int32(len(s.cfg.Routes)))
	ready := s.ready
	markReady := func() {
		if pending.Add(-1) == 0 {
			close(ready)
		}
	}

	for _, r := range s.cfg.Routes {
		r := r
		l := &Listener{
			kind:       r.Kind,
			decoder:    s.decoder,
			registry:   s.registry,
			dispatcher: s.dispatcher,
			bus:        s.bus,
			log:        log.With(logx.Engine(string(r.Kind))).Sample(hotPathSample),
		}
		var once sync.Once
		s.sup.GoRestart("listen."+string(r.Kind), func(c context.Context) error {
			bound := make(chan struct{})
			done := make(chan struct{})
			defer close(done)
			go func() {
				select {
				case <-bound:
					once.Do(markReady)
				case <-done:
				}
			}()
			return s.broker.Listen(c, r.Channel, bound, l.Handle)
		}, rtsup.WithPublishFirstError(true), rtsup.WithRestartBackoff(200*time.Millisecond, 10*time.Second))

		s.sup.GoRestart("consume."+string(r.Kind), func(c context.Context) error {
			return s.broker.Consume(c, r.Queue, func(hc context.Context, body []byte) {
				s.Ingest(hc, r.Kind, body)
			})
		}, rtsup.WithPublishFirstError(true), rtsup.WithRestartBackoff(200*time.Millisecond, 10*time.Second))
	}
	log.Info("relay started", logx.Int("routes", len(s.cfg.Routes)), logx.String("policy", s.cfg.BroadcastPolicy))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Ingest runs one queued message through decode, append and republish.
func (s *Service) Ingest(ctx context.Context, kind job.EngineKind, body []byte) {
	defer s.consumed.Add(1)
	u, ok := s.decoder.Decode(kind, body)
	if !ok {
		return
	}

	s.mu.Lock()
	policy, instance := s.cfg.BroadcastPolicy, s.cfg.InstanceID
	s.mu.Unlock()

	su, err := s.appender.Append(ctx, u.JobID, job.System(), u)
	if err != nil {
		s.persistFailed.Add(1)
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("persisting status update failed", logx.JobID(u.JobID), logx.Err(err))
		}
		if policy == PolicyOnPersist {
			s.withheld.Add(1)
			return
		}
	} else {
		s.persisted.Add(1)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.JobUpdated, Data: eventbus.JobEvent{JobID: su.JobID, Origin: instance}})
		}
	}

	if err := s.republisher.Republish(ctx, kind, body); err != nil {
		s.log.Warn("broadcast failed", logx.JobID(u.JobID), logx.Err(fmt.Errorf("engine %s: %w", kind, err)))
		return
	}
	s.broadcast.Add(1)
}

func (s *Service) Stats() Stats {
	return Stats{
		Consumed:      s.consumed.Load(),
		Rejected:      s.decoder.Rejected(),
		Persisted:     s.persisted.Load(),
		PersistFailed: s.persistFailed.Load(),
		Broadcast:     s.broadcast.Load(),
		Withheld:      s.withheld.Load(),
		Registry:      s.registry.Stats(),
	}
}
