// Package poller re-checks submitted jobs on a decaying schedule and reports
// their progress, so clients converge even when an engine never pushes a
// status message.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"time"

	"jobrelay/internal/job"
	logx "jobrelay/pkg/logx"
)

// Defaults used by the submission flow.
const (
	DefaultInterval  = 2 * time.Second
	DefaultThreshold = 300
	DefaultHalfTime  = 2 * time.Second
)

var (
	ErrInvalidOptions = errors.New("invalid poll options")
	ErrStarted        = errors.New("poll already started")
)

type State int

const (
	Idle State = iota
	Scheduled
	Checking
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scheduled:
		return "scheduled"
	case Checking:
		return "checking"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Options struct {
	Interval    time.Duration // delay before the first check
	Threshold   int           // maximum number of checks
	HalfTime    time.Duration // growth constant: delay doubles every HalfTime.Seconds() iterations
	MaxInterval time.Duration // 0 means uncapped

	JobID      string
	ProjectID  string
	Capability job.Capability
	Metadata   json.RawMessage // echoed in every report

	CheckTimeout time.Duration // bound on one fetch+report; default 10s
}

func (o Options) validate() error {
	switch {
	case o.JobID == "":
		return errors.Join(ErrInvalidOptions, errors.New("job id required"))
	case o.Interval <= 0:
		return errors.Join(ErrInvalidOptions, errors.New("interval must be positive"))
	case o.Threshold <= 0:
		return errors.Join(ErrInvalidOptions, errors.New("threshold must be positive"))
	case o.HalfTime <= 0:
		return errors.Join(ErrInvalidOptions, errors.New("half-time must be positive"))
	case !o.Capability.CanRead():
		return errors.Join(ErrInvalidOptions, errors.New("capability cannot read the job"))
	}
	return nil
}

// Fetcher loads the current job record. storage.Store satisfies it.
type Fetcher interface {
	GetJob(ctx context.Context, id string, c job.Capability) (job.Job, error)
}

// Report describes one completed check.
type Report struct {
	JobID     string          `json:"jobId"`
	ProjectID string          `json:"projectId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Engine    job.EngineKind  `json:"engine,omitempty"`
	Status    job.Status      `json:"status"`
	Iteration int             `json:"iteration"`
	Threshold int             `json:"threshold"`
	Progress  float64         `json:"progress"`
	Final     bool            `json:"final"` // no further reports follow
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	At        time.Time       `json:"at"`
}

type Reporter interface {
	Report(ctx context.Context, r Report) error
}

type ReporterFunc func(ctx context.Context, r Report) error

func (f ReporterFunc) Report(ctx context.Context, r Report) error { return f(ctx, r) }

// NextDelay is the wait after the given number of completed checks:
// interval * 2^(iteration / halfTime seconds), capped by max when max > 0.
func NextDelay(interval, halfTime time.Duration, iteration int, max time.Duration) time.Duration {
	if iteration <= 0 || halfTime <= 0 {
		return capDelay(interval, max)
	}
	f := float64(interval) * math.Pow(2, float64(iteration)/halfTime.Seconds())
	if math.IsInf(f, 0) || math.IsNaN(f) || f >= math.MaxInt64 {
		return capDelay(time.Duration(math.MaxInt64), max)
	}
	return capDelay(time.Duration(f), max)
}

func capDelay(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}

// Notifier polls one job. Each check reschedules the next one with
// time.AfterFunc; no goroutine waits between checks.
type Notifier struct {
	opts  Options
	fetch Fetcher
	rep   Reporter
	log   logx.Logger

	mu        sync.Mutex
	state     State
	iteration int
	ver       uint64
	timer     *time.Timer
	nextAt    time.Time
	delays    []time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	unwatch   func() bool
	done      chan struct{}
	onStop    func(*Notifier)
}

func NewNotifier(opts Options, fetch Fetcher, rep Reporter, log logx.Logger) (*Notifier, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if fetch == nil || rep == nil {
		return nil, errors.Join(ErrInvalidOptions, errors.New("fetcher and reporter required"))
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		opts:  opts,
		fetch: fetch,
		rep:   rep,
		log:   log.With(logx.JobID(opts.JobID)),
		done:  make(chan struct{}),
	}, nil
}

// Start schedules the first check after Interval. ctx bounds the whole
// schedule; cancelling it stops the notifier.
func (n *Notifier) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != Idle {
		return ErrStarted
	}
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.unwatch = context.AfterFunc(ctx, func() { n.Cancel() })
	n.scheduleLocked(n.opts.Interval)
	return nil
}

func (n *Notifier) scheduleLocked(d time.Duration) {
	n.state = Scheduled
	n.ver++
	ver := n.ver
	n.delays = append(n.delays, d)
	n.nextAt = time.Now().Add(d)
	n.timer = time.AfterFunc(d, func() { n.check(ver) })
}

func (n *Notifier) check(ver uint64) {
	n.mu.Lock()
	if n.ver != ver || n.state != Scheduled {
		n.mu.Unlock()
		return
	}
	n.state = Checking
	ctx := n.ctx
	n.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, n.opts.CheckTimeout)
	defer cancel()

	r := Report{
		JobID:     n.opts.JobID,
		ProjectID: n.opts.ProjectID,
		Threshold: n.opts.Threshold,
		Metadata:  n.opts.Metadata,
	}
	j, err := n.fetch.GetJob(cctx, n.opts.JobID, n.opts.Capability)
	if err != nil {
		// Treated as non-terminal; the schedule keeps going.
		n.log.Warn("poll fetch failed", logx.Err(err))
	} else {
		r.Status = j.Status
		r.UserID = j.UserID
		r.Engine = j.Engine
		if r.ProjectID == "" {
			r.ProjectID = j.ProjectID
		}
	}
	terminal := err == nil && j.Status.IsTerminal()

	n.mu.Lock()
	if n.state != Checking {
		// Cancelled while fetching.
		n.mu.Unlock()
		return
	}
	if !terminal {
		n.iteration++
	}
	r.Iteration = n.iteration
	last := terminal || n.iteration >= n.opts.Threshold
	n.mu.Unlock()

	r.Final = last
	r.At = time.Now()
	switch {
	case terminal:
		r.Progress = 1
	default:
		r.Progress = float64(r.Iteration) / float64(n.opts.Threshold)
	}
	if err := n.rep.Report(cctx, r); err != nil {
		n.log.Warn("poll report failed", logx.Int("iteration", r.Iteration), logx.Err(err))
	}

	n.mu.Lock()
	if n.state != Checking {
		n.mu.Unlock()
		return
	}
	if last {
		n.stopLocked()
		n.mu.Unlock()
		n.log.Debug("poll finished", logx.Int("checks", r.Iteration), logx.Bool("terminal", terminal))
		n.finished()
		return
	}
	n.scheduleLocked(NextDelay(n.opts.Interval, n.opts.HalfTime, n.iteration, n.opts.MaxInterval))
	n.mu.Unlock()
}

func (n *Notifier) stopLocked() bool {
	if n.state == Stopped {
		return false
	}
	n.state = Stopped
	n.ver++
	if n.timer != nil {
		n.timer.Stop()
	}
	if n.unwatch != nil {
		n.unwatch()
	}
	if n.cancel != nil {
		n.cancel()
	}
	close(n.done)
	return true
}

func (n *Notifier) finished() {
	if n.onStop != nil {
		n.onStop(n)
	}
}

// Cancel stops the schedule. A check already running is abandoned and its
// report, if not yet sent, is skipped. It reports whether this call stopped it.
func (n *Notifier) Cancel() bool {
	n.mu.Lock()
	stopped := n.stopLocked()
	n.mu.Unlock()
	if stopped {
		n.finished()
	}
	return stopped
}

// Done is closed once the notifier reaches Stopped.
func (n *Notifier) Done() <-chan struct{} { return n.done }

func (n *Notifier) JobID() string { return n.opts.JobID }

// Info is a point-in-time view of a notifier.
type Info struct {
	JobID     string        `json:"jobId"`
	State     string        `json:"state"`
	Iteration int           `json:"iteration"`
	Threshold int           `json:"threshold"`
	NextAt    time.Time     `json:"nextAt,omitempty"`
	LastDelay time.Duration `json:"lastDelay"`
}

func (n *Notifier) Info() Info {
	n.mu.Lock()
	defer n.mu.Unlock()
	in := Info{
		JobID:     n.opts.JobID,
		State:     n.state.String(),
		Iteration: n.iteration,
		Threshold: n.opts.Threshold,
	}
	if n.state == Scheduled {
		in.NextAt = n.nextAt
	}
	if len(n.delays) > 0 {
		in.LastDelay = n.delays[len(n.delays)-1]
	}
	return in
}

// Delays returns every delay scheduled so far, first check included.
func (n *Notifier) Delays() []time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]time.Duration(nil), n.delays...)
}

func (n *Notifier) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}
