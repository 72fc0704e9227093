// Package scheduler runs named maintenance jobs on cron schedules.
//
// Specs accept five or six fields (seconds optional) and descriptors such
// as "@hourly" or "@every 1m". Interval schedules get a random startup
// spread unless Config.NoSpread is set. A job that is still running when
// its next trigger fires is skipped for that trigger.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "jobrelay/pkg/logx"
)

var ErrExists = errors.New("schedule already exists")

type Config struct {
	Timezone string // IANA name; empty means local time
	NoSpread bool
	// Timeout bounds one run; 0 means one minute.
	Timeout time.Duration
}

// Job is one scheduled unit of work. Its context ends on timeout or Stop.
type Job func(ctx context.Context) error

type entry struct {
	name    string
	spec    string
	job     Job
	id      cron.EntryID
	spread  time.Duration
	running sync.Mutex

	mu      sync.Mutex
	runs    uint64
	fails   uint64
	skipped uint64
	lastErr string
	lastRun time.Time
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	rng    *rand.Rand

	entries map[string]*entry
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			log.Warn("unknown timezone; using local", logx.String("tz", tz), logx.Err(err))
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		log: log,
		cfg: cfg,
		loc: loc,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		c:       cron.New(cron.WithLocation(loc)),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		entries: map[string]*entry{},
		ctx:     ctx,
		cancel:  cancel,
	}
}

// AddCron registers job under name. Names are unique; use Remove first to
// change a schedule.
func (s *Service) AddCron(name, spec string, job Job) error {
	name = strings.TrimSpace(name)
	spec = strings.TrimSpace(spec)
	if name == "" || job == nil {
		return errors.New("schedule needs a name and a job")
	}
	sched, spread, err := s.schedule(name, spec)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrExists, name)
	}
	e := &entry{name: name, spec: spec, job: job, spread: spread}
	e.id = s.c.Schedule(sched, cron.FuncJob(func() { s.run(e) }))
	s.entries[name] = e
	s.log.Debug("schedule added", logx.String("name", name), logx.String("spec", spec), logx.Duration("spread", spread))
	return nil
}

func (s *Service) schedule(name, spec string) (cron.Schedule, time.Duration, error) {
	if every, ok := strings.CutPrefix(spec, "@every"); ok && !s.cfg.NoSpread {
		d, err := time.ParseDuration(strings.TrimSpace(every))
		if err == nil && d > 0 {
			s.mu.Lock()
			sched, jitter := spreadInterval(d, time.Now().In(s.loc), name, s.rng)
			s.mu.Unlock()
			return sched, jitter, nil
		}
	}
	sched, err := s.parser.Parse(spec)
	return sched, 0, err
}

// Remove unregisters name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return false
	}
	s.c.Remove(e.id)
	delete(s.entries, name)
	return true
}

func (s *Service) run(e *entry) {
	if !e.running.TryLock() {
		e.mu.Lock()
		e.skipped++
		e.mu.Unlock()
		s.log.Debug("schedule still running; trigger skipped", logx.String("name", e.name))
		return
	}
	defer e.running.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout)
	defer cancel()
	start := time.Now()
	err := safeRun(ctx, e.job)

	e.mu.Lock()
	e.runs++
	e.lastRun = start
	e.lastErr = ""
	if err != nil {
		e.fails++
		e.lastErr = err.Error()
	}
	e.mu.Unlock()

	if err != nil {
		s.log.Warn("scheduled job failed", logx.String("name", e.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Trace("scheduled job done", logx.String("name", e.name), logx.Duration("took", time.Since(start)))
}

func safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job(ctx)
}

func (s *Service) Start() {
	s.c.Start()
	s.mu.Lock()
	n := len(s.entries)
	s.mu.Unlock()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", n))
}

// Stop halts triggering, cancels running jobs and waits for them until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	done := s.c.Stop().Done()
	s.cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Spread  time.Duration `json:"spread,omitempty"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev,omitempty"`
	LastRun time.Time     `json:"lastRun,omitempty"`
	Runs    uint64        `json:"runs"`
	Fails   uint64        `json:"fails"`
	Skipped uint64        `json:"skipped"`
	LastErr string        `json:"lastErr,omitempty"`
}

func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	all := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e)
	}
	s.mu.Unlock()

	out := make([]ScheduleInfo, 0, len(all))
	for _, e := range all {
		ce := s.c.Entry(e.id)
		e.mu.Lock()
		out = append(out, ScheduleInfo{
			Name: e.name, Spec: e.spec, Spread: e.spread,
			Next: ce.Next, Prev: ce.Prev,
			LastRun: e.lastRun, Runs: e.runs, Fails: e.fails, Skipped: e.skipped, LastErr: e.lastErr,
		})
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
