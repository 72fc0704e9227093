package broker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	logx "jobrelay/pkg/logx"
)

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}

// exerciseBroker runs the two delivery shapes against a pair of brokers that
// share one backend.
func exerciseBroker(t *testing.T, a, b Broker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	got := map[string]int{}
	count := func(who string) Handler {
		return func(_ context.Context, body []byte) {
			mu.Lock()
			got[who+":"+string(body)]++
			mu.Unlock()
		}
	}

	// Queue: competing consumers, each message handled once overall.
	var handled atomic.Int32
	seen := sync.Map{}
	dup := atomic.Bool{}
	qh := func(_ context.Context, body []byte) {
		if _, loaded := seen.LoadOrStore(string(body), true); loaded {
			dup.Store(true)
		}
		handled.Add(1)
	}
	go func() { _ = a.Consume(ctx, "work", qh) }()
	go func() { _ = b.Consume(ctx, "work", qh) }()
	time.Sleep(50 * time.Millisecond)

	const n = 40
	for i := 0; i < n; i++ {
		if err := a.Publish(ctx, "work", []byte(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	waitFor(t, 5*time.Second, func() bool { return handled.Load() == n })
	if dup.Load() {
		t.Fatalf("a queued message was handled twice")
	}

	// Channel: every listener gets every broadcast.
	readyA, readyB := make(chan struct{}), make(chan struct{})
	go func() { _ = a.Listen(ctx, "fan", readyA, count("a")) }()
	go func() { _ = b.Listen(ctx, "fan", readyB, count("b")) }()
	<-readyA
	<-readyB
	if err := a.Broadcast(ctx, "fan", []byte("hello")); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got["a:hello"] == 1 && got["b:hello"] == 1
	})
}

func TestHubDelivery(t *testing.T) {
	t.Parallel()
	hub := NewHub(64, logx.Nop())
	defer hub.Close()
	exerciseBroker(t, hub, hub)
}

func TestHubListenerUnbindsOnCancel(t *testing.T) {
	t.Parallel()
	hub := NewHub(4, logx.Nop())
	defer hub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- hub.Listen(ctx, "c", ready, func(context.Context, []byte) {}) }()
	<-ready
	if hub.Listeners("c") != 1 {
		t.Fatalf("listeners = %d, want 1", hub.Listeners("c"))
	}
	cancel()
	<-done
	if hub.Listeners("c") != 0 {
		t.Fatalf("listener binding survived cancel")
	}
	// Broadcasting with nobody bound is not an error.
	if err := hub.Broadcast(context.Background(), "c", []byte("x")); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
}

func TestHubHandlerPanicKeepsConsuming(t *testing.T) {
	t.Parallel()
	hub := NewHub(8, logx.Nop())
	defer hub.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ok atomic.Int32
	go func() {
		_ = hub.Consume(ctx, "q", func(_ context.Context, body []byte) {
			if string(body) == "bad" {
				panic("bad message")
			}
			ok.Add(1)
		})
	}()
	for _, m := range []string{"bad", "good", "good"} {
		if err := hub.Publish(ctx, "q", []byte(m)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	waitFor(t, 2*time.Second, func() bool { return ok.Load() == 2 })
}

func TestHubQueueBuffersBeforeConsumer(t *testing.T) {
	t.Parallel()
	hub := NewHub(8, logx.Nop())
	ctx := context.Background()
	if err := hub.Publish(ctx, "q", []byte("early")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if hub.Depth("q") != 1 {
		t.Fatalf("depth = %d, want 1", hub.Depth("q"))
	}
	_ = hub.Close()
	if err := hub.Publish(ctx, "q", []byte("late")); err != ErrClosed {
		t.Fatalf("Publish after close err = %v, want ErrClosed", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "kafka"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	b, err := Open(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("Open default: %v", err)
	}
	if _, ok := b.(*Hub); !ok {
		t.Fatalf("default broker = %T, want *Hub", b)
	}
}

func TestRedisDelivery(t *testing.T) {
	url := os.Getenv("JOBRELAY_TEST_REDIS")
	if url == "" {
		t.Skip("JOBRELAY_TEST_REDIS not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	client := redis.NewClient(opt)
	defer client.Close()

	prefix := fmt.Sprintf("jobrelay-test:%d:", time.Now().UnixNano())
	defer func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	}()
	cfg := Config{KeyPrefix: prefix, BlockTimeout: 100 * time.Millisecond}
	a := cfg
	a.InstanceID = "a"
	b := cfg
	b.InstanceID = "b"
	exerciseBroker(t, NewRedis(client, a, logx.Nop()), NewRedis(client, b, logx.Nop()))
}
