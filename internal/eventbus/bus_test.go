package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestSubscribeFilters(t *testing.T) {
	t.Parallel()
	b := New()

	all, unsubAll := b.Subscribe(8)
	defer unsubAll()
	jobs, unsubJobs := b.Subscribe(8, "job.")
	defer unsubJobs()
	term, unsubTerm := b.Subscribe(8, JobTerminal)
	defer unsubTerm()

	b.Publish(Event{Type: JobUpdated})
	b.Publish(Event{Type: JobTerminal, Data: JobEvent{JobID: "j"}})
	b.Publish(Event{Type: PollStarted})

	if got := len(all); got != 3 {
		t.Fatalf("all got %d events, want 3", got)
	}
	if got := len(jobs); got != 2 {
		t.Fatalf("job. got %d events, want 2", got)
	}
	if got := len(term); got != 1 {
		t.Fatalf("terminal got %d events, want 1", got)
	}
	e := <-term
	if e.Time.IsZero() {
		t.Fatalf("publish should stamp time")
	}
	if je, ok := e.Data.(JobEvent); !ok || je.JobID != "j" {
		t.Fatalf("data = %#v", e.Data)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		b.Publish(Event{Type: "a"})
		b.Publish(Event{Type: "b"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
	if b.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", b.Dropped())
	}
	if e := <-ch; e.Type != "a" {
		t.Fatalf("first event = %q, want a", e.Type)
	}
}

func TestUnsubscribeWhilePublishing(t *testing.T) {
	t.Parallel()
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		_, unsub := b.Subscribe(1)
		wg.Add(2)
		go func() { defer wg.Done(); b.Publish(Event{Type: "x"}) }()
		go func() { defer wg.Done(); unsub(); unsub() }()
	}
	wg.Wait()
	if n := b.Subscribers(); n != 0 {
		t.Fatalf("subscribers = %d, want 0", n)
	}
}
