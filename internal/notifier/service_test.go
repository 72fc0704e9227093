package notifier

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jobrelay/internal/clientevent"
	"jobrelay/internal/eventbus"
	"jobrelay/internal/job"
	"jobrelay/internal/poller"
	"jobrelay/internal/storage"
	logx "jobrelay/pkg/logx"
)

type delivered struct {
	mu     sync.Mutex
	events []clientevent.Event
	users  []string
}

func (d *delivered) Dispatch(ev clientevent.Event, userID string) {
	d.mu.Lock()
	d.events = append(d.events, ev)
	d.users = append(d.users, userID)
	d.mu.Unlock()
}

func (d *delivered) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

// flakyGroups fails the first n appends.
type flakyGroups struct {
	*storage.MemoryStore
	failures atomic.Int32
}

func (f *flakyGroups) AppendNotificationEvent(ctx context.Context, groupID string, e storage.NotificationEvent) (storage.NotificationEvent, error) {
	if f.failures.Add(-1) >= 0 {
		return storage.NotificationEvent{}, errors.New("transient")
	}
	return f.MemoryStore.AppendNotificationEvent(ctx, groupID, e)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func report(iter int, final bool) poller.Report {
	return poller.Report{
		JobID:     "J1",
		ProjectID: "P1",
		UserID:    "alice",
		Status:    job.StatusRunning,
		Iteration: iter,
		Threshold: 4,
		Progress:  float64(iter) / 4,
		Final:     final,
		Metadata:  []byte(`{"simulationId":"S"}`),
		At:        time.Now(),
	}
}

func TestReportsPersistAndDispatch(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	disp := &delivered{}
	bus := eventbus.New()
	sent, unsub := bus.Subscribe(8, eventbus.NotifierSent)
	defer unsub()

	s := New(Config{Enabled: true, Workers: 1}, st, disp, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	for i := 1; i <= 3; i++ {
		if err := s.Report(context.Background(), report(i, i == 3)); err != nil {
			t.Fatalf("Report(%d): %v", i, err)
		}
	}
	waitFor(t, "three dispatches", func() bool { return disp.count() == 3 })

	disp.mu.Lock()
	first := disp.events[0]
	last := disp.events[2]
	user := disp.users[0]
	disp.mu.Unlock()

	if first.Type != clientevent.SimulationNotification || user != "alice" || first.ProjectID != "P1" {
		t.Fatalf("event = %+v to %q", first, user)
	}
	if first.NotificationGroupID == "" || first.NotificationGroupID != last.NotificationGroupID {
		t.Fatalf("group ids differ: %q vs %q", first.NotificationGroupID, last.NotificationGroupID)
	}
	p, ok := last.Data.(Payload)
	if !ok || !p.Final || p.Iteration != 3 || string(p.Metadata) != `{"simulationId":"S"}` {
		t.Fatalf("payload = %#v", last.Data)
	}

	g, err := st.GetNotificationGroup(context.Background(), first.NotificationGroupID)
	if err != nil {
		t.Fatalf("GetNotificationGroup: %v", err)
	}
	if g.UserID != "alice" || g.Type != "simulation" || g.JobID != "J1" || len(g.Events) != 3 {
		t.Fatalf("group = %+v", g)
	}
	if g.Events[2].Progress != 0.75 || g.Events[2].State != job.StatusRunning {
		t.Fatalf("last stored event = %+v", g.Events[2])
	}

	if h := s.Snapshot(); len(h) != 3 || !h[2].Final {
		t.Fatalf("history = %+v", h)
	}
	waitFor(t, "sent events", func() bool { return len(sent) == 3 })
}

func TestRetryRecoversTransientFailure(t *testing.T) {
	t.Parallel()
	groups := &flakyGroups{MemoryStore: storage.NewMemory()}
	groups.failures.Store(2)
	disp := &delivered{}
	s := New(Config{Enabled: true, Workers: 1, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, groups, disp, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Report(context.Background(), report(1, false)); err != nil {
		t.Fatalf("Report: %v", err)
	}
	waitFor(t, "dispatch after retries", func() bool { return disp.count() == 1 })
}

func TestExhaustedRetriesPublishFailure(t *testing.T) {
	t.Parallel()
	groups := &flakyGroups{MemoryStore: storage.NewMemory()}
	groups.failures.Store(100)
	disp := &delivered{}
	bus := eventbus.New()
	failed, unsub := bus.Subscribe(4, eventbus.NotifierFailed)
	defer unsub()
	s := New(Config{Enabled: true, Workers: 1, RetryMax: 1, RetryBase: time.Millisecond, RetryMaxDelay: time.Millisecond}, groups, disp, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Report(context.Background(), report(1, false)); err != nil {
		t.Fatalf("Report: %v", err)
	}
	select {
	case e := <-failed:
		ne, ok := e.Data.(NotificationEvent)
		if !ok || ne.JobID != "J1" || ne.Error == "" {
			t.Fatalf("failure event = %+v", e)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no notifier.failed event")
	}
	if disp.count() != 0 {
		t.Fatalf("failed report was dispatched")
	}
}

func TestReportLifecycleErrors(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()

	off := New(Config{}, st, &delivered{}, logx.Nop(), nil)
	off.Start(context.Background())
	if err := off.Report(context.Background(), report(1, false)); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled err = %v", err)
	}

	s := New(Config{Enabled: true}, st, &delivered{}, logx.Nop(), nil)
	if err := s.Report(context.Background(), report(1, false)); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started err = %v", err)
	}
	s.Start(context.Background())
	s.Start(context.Background())
	if s.Supervisor() == nil {
		t.Fatalf("supervisor missing after Start")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if err := s.Report(context.Background(), report(1, false)); !errors.Is(err, ErrStopped) {
		t.Fatalf("after stop err = %v", err)
	}

	cctx, ccancel := context.WithCancel(context.Background())
	ccancel()
	if err := s.Report(cctx, report(1, false)); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled ctx err = %v", err)
	}
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	disp := clientevent.DispatcherFunc(func(clientevent.Event, string) { <-block })
	s := New(Config{Enabled: true, Workers: 1, QueueSize: 1}, storage.NewMemory(), disp, logx.Nop(), nil)
	s.Start(context.Background())
	defer func() {
		close(block)
		s.Stop(context.Background())
	}()

	var full bool
	for i := 0; i < 50 && !full; i++ {
		err := s.Report(context.Background(), report(i+1, false))
		switch {
		case errors.Is(err, ErrQueueFull):
			full = true
		case err != nil:
			t.Fatalf("Report: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	if !full {
		t.Fatalf("queue never reported full")
	}
}

func TestOwnerlessReportSkipped(t *testing.T) {
	t.Parallel()
	disp := &delivered{}
	s := New(Config{Enabled: true}, storage.NewMemory(), disp, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())
	r := report(1, false)
	r.UserID = ""
	if err := s.Report(context.Background(), r); err != nil {
		t.Fatalf("Report: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if disp.count() != 0 {
		t.Fatalf("ownerless report dispatched")
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		if d < 0 || d > time.Second {
			t.Fatalf("attempt %d delay %s out of bounds", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay %s outside jitter window", d)
	}
}
