package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	logx "jobrelay/pkg/logx"
)

func TestAddCronValidation(t *testing.T) {
	t.Parallel()
	s := New(Config{NoSpread: true}, logx.Nop())
	noop := func(context.Context) error { return nil }

	cases := []struct {
		name, spec string
		job        Job
		ok         bool
	}{
		{"sweep", "@every 1m", noop, true},
		{"hourly", "@hourly", noop, true},
		{"seconds", "*/5 * * * * *", noop, true},
		{"five", "0 3 * * *", noop, true},
		{"bad", "every minute", noop, false},
		{"", "@hourly", noop, false},
		{"nil", "@hourly", nil, false},
	}
	for _, tc := range cases {
		err := s.AddCron(tc.name, tc.spec, tc.job)
		if (err == nil) != tc.ok {
			t.Fatalf("AddCron(%q, %q) err = %v, want ok=%v", tc.name, tc.spec, err, tc.ok)
		}
	}
	if err := s.AddCron("sweep", "@every 2m", noop); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate err = %v, want ErrExists", err)
	}
	if got := len(s.Snapshot()); got != 4 {
		t.Fatalf("schedules = %d, want 4", got)
	}
	if !s.Remove("sweep") || s.Remove("sweep") {
		t.Fatalf("Remove should succeed once")
	}
}

func TestScheduledJobRuns(t *testing.T) {
	t.Parallel()
	s := New(Config{NoSpread: true}, logx.Nop())
	var runs atomic.Int32
	if err := s.AddCron("tick", "@every 1s", func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("AddCron: %v", err)
	}
	s.Start()
	defer s.Stop(context.Background())

	deadline := time.Now().Add(4 * time.Second)
	for runs.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("job never ran")
		}
		time.Sleep(20 * time.Millisecond)
	}
	info := s.Snapshot()[0]
	if info.Name != "tick" || info.Next.IsZero() {
		t.Fatalf("snapshot = %+v", info)
	}
}

func TestRunRecordsFailuresPanicsAndOverlap(t *testing.T) {
	t.Parallel()
	s := New(Config{NoSpread: true}, logx.Nop())

	failing := &entry{name: "fail", job: func(context.Context) error { return errors.New("boom") }}
	s.run(failing)
	if failing.runs != 1 || failing.fails != 1 || failing.lastErr != "boom" {
		t.Fatalf("failing entry = runs %d fails %d err %q", failing.runs, failing.fails, failing.lastErr)
	}

	panicky := &entry{name: "panic", job: func(context.Context) error { panic("bad state") }}
	s.run(panicky)
	if panicky.fails != 1 {
		t.Fatalf("panic not recorded as failure")
	}

	release := make(chan struct{})
	started := make(chan struct{})
	slow := &entry{name: "slow", job: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}
	go s.run(slow)
	<-started
	s.run(slow)
	close(release)
	if slow.skipped != 1 {
		t.Fatalf("overlapping trigger not skipped")
	}
}

func TestStopCancelsRunningJob(t *testing.T) {
	t.Parallel()
	s := New(Config{NoSpread: true}, logx.Nop())
	started := make(chan struct{})
	done := make(chan error, 1)
	e := &entry{name: "long", job: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	go func() {
		s.run(e)
		done <- nil
	}()
	<-started
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("job ignored Stop")
	}
}

func TestSpreadInterval(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(1))
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, every := range []time.Duration{time.Second, time.Minute, time.Hour} {
		sched, jitter := spreadInterval(every, now, "sweep", rng)
		if jitter < 0 || jitter >= min(every, maxStartupSpread) {
			t.Fatalf("every %s: jitter %s out of range", every, jitter)
		}
		first := sched.Next(now)
		if !first.Equal(now.Add(every + jitter)) {
			t.Fatalf("every %s: first run %s", every, first)
		}
		if next := sched.Next(first); !next.After(first) {
			t.Fatalf("every %s: second run %s not after first", every, next)
		}
	}
}
