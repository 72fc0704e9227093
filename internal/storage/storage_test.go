package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"

	"jobrelay/internal/job"
	logx "jobrelay/pkg/logx"
)

// rawPayload has whitespace and characters encoding/json would escape.
const rawPayload = "{\"progress\": 10,\n  \"note\": \"a<b & c\"}"

func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	rw := job.System()

	created, err := st.CreateJob(ctx, job.Job{ID: "job-1", Engine: job.EngineSciml, UserID: "alice", Metadata: json.RawMessage(`{"k":1}`)})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if created.Status != job.StatusQueued {
		t.Fatalf("new job status = %q, want QUEUED", created.Status)
	}
	if _, err := st.CreateJob(ctx, job.Job{ID: "job-1"}); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate CreateJob err = %v, want ErrExists", err)
	}

	if _, err := st.AppendUpdate(ctx, "missing", rw, job.StatusUpdate{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("AppendUpdate(missing) err = %v, want ErrNotFound", err)
	}
	if _, err := st.AppendUpdate(ctx, "job-1", job.ReadOnly("x"), job.StatusUpdate{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("AppendUpdate(read-only) err = %v, want ErrForbidden", err)
	}

	u1, err := st.AppendUpdate(ctx, "job-1", rw, job.StatusUpdate{Payload: json.RawMessage(rawPayload)})
	if err != nil {
		t.Fatalf("AppendUpdate 1: %v", err)
	}
	u2, err := st.AppendUpdate(ctx, "job-1", rw, job.StatusUpdate{Completed: true})
	if err != nil {
		t.Fatalf("AppendUpdate 2: %v", err)
	}
	if u1.Seq != 1 || u2.Seq != 2 {
		t.Fatalf("seqs = %d,%d want 1,2", u1.Seq, u2.Seq)
	}

	got, err := st.GetJob(ctx, "job-1", job.ReadOnly("alice"))
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != job.StatusComplete {
		t.Fatalf("status = %q, want COMPLETE", got.Status)
	}
	if len(got.Updates) != 2 || string(got.Updates[0].Payload) != rawPayload || !got.Updates[1].Completed {
		t.Fatalf("updates = %+v", got.Updates)
	}
	if got.UserID != "alice" || got.Engine != job.EngineSciml {
		t.Fatalf("job fields lost: %+v", got)
	}

	// Terminal is sticky for derived status.
	if _, err := st.AppendUpdate(ctx, "job-1", rw, job.StatusUpdate{Error: "late"}); err != nil {
		t.Fatalf("AppendUpdate 3: %v", err)
	}
	got, _ = st.GetJob(ctx, "job-1", rw)
	if got.Status != job.StatusComplete {
		t.Fatalf("status after late error = %q, want COMPLETE", got.Status)
	}

	if _, err := st.GetJob(ctx, "job-1", job.Capability{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("GetJob(no cap) err = %v, want ErrForbidden", err)
	}

	kept, err := st.SetStatus(ctx, "job-1", rw, job.StatusCancelled)
	if !errors.Is(err, ErrTerminal) || kept.Status != job.StatusComplete {
		t.Fatalf("SetStatus(finished) = %q, %v; want COMPLETE, ErrTerminal", kept.Status, err)
	}
	if _, err := st.CreateJob(ctx, job.Job{ID: "job-2"}); err != nil {
		t.Fatalf("CreateJob job-2: %v", err)
	}
	set, err := st.SetStatus(ctx, "job-2", rw, job.StatusCancelled)
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if set.Status != job.StatusCancelled {
		t.Fatalf("SetStatus returned %q", set.Status)
	}
	if _, err := st.AppendUpdate(ctx, "job-2", rw, job.StatusUpdate{Completed: true}); err != nil {
		t.Fatalf("AppendUpdate after cancel: %v", err)
	}
	if got, _ := st.GetJob(ctx, "job-2", rw); got.Status != job.StatusCancelled {
		t.Fatalf("status after late completion = %q, want CANCELLED", got.Status)
	}
	if _, err := st.SetStatus(ctx, "missing", rw, job.StatusCancelled); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetStatus(missing) err = %v, want ErrNotFound", err)
	}

	g1, err := st.EnsureNotificationGroup(ctx, NotificationGroup{UserID: "alice", Type: "sciml", JobID: "job-1", ProjectID: "p"})
	if err != nil {
		t.Fatalf("EnsureNotificationGroup: %v", err)
	}
	g2, err := st.EnsureNotificationGroup(ctx, NotificationGroup{UserID: "alice", Type: "sciml", JobID: "job-1"})
	if err != nil {
		t.Fatalf("EnsureNotificationGroup again: %v", err)
	}
	if g1.ID == "" || g1.ID != g2.ID {
		t.Fatalf("group ids = %q,%q want equal and non-empty", g1.ID, g2.ID)
	}
	if _, err := st.EnsureNotificationGroup(ctx, NotificationGroup{Type: "sciml"}); err == nil {
		t.Fatalf("expected error for group without user")
	}

	for i, p := range []float64{0.25, 0.5} {
		if _, err := st.AppendNotificationEvent(ctx, g1.ID, NotificationEvent{Progress: p, State: job.StatusRunning}); err != nil {
			t.Fatalf("AppendNotificationEvent %d: %v", i, err)
		}
	}
	if _, err := st.AppendNotificationEvent(ctx, "nope", NotificationEvent{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("AppendNotificationEvent(missing) err = %v, want ErrNotFound", err)
	}
	g, err := st.GetNotificationGroup(ctx, g1.ID)
	if err != nil {
		t.Fatalf("GetNotificationGroup: %v", err)
	}
	if len(g.Events) != 2 || g.Events[0].Progress != 0.25 || g.Events[1].Progress != 0.5 {
		t.Fatalf("events = %+v", g.Events)
	}
	if g.ProjectID != "p" {
		t.Fatalf("group project = %q, want p", g.ProjectID)
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	exerciseStore(t, NewMemory())
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	exerciseStore(t, st)
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "jobrelay.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	exerciseStore(t, st)
}

func TestRedisStore(t *testing.T) {
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
	prefix := "jobrelay-test:" + t.Name() + ":"
	defer func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	}()
	exerciseStore(t, NewRedis(client, prefix, logx.Nop()))
}

func TestFileStoreReplaysJournal(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := st.CreateJob(ctx, job.Job{ID: "j"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := st.AppendUpdate(ctx, "j", job.System(), job.StatusUpdate{Payload: json.RawMessage(rawPayload)}); err != nil {
		t.Fatalf("AppendUpdate: %v", err)
	}
	if _, err := st.AppendUpdate(ctx, "j", job.System(), job.StatusUpdate{Error: "boom"}); err != nil {
		t.Fatalf("AppendUpdate: %v", err)
	}
	g, err := st.EnsureNotificationGroup(ctx, NotificationGroup{UserID: "u", Type: "t", JobID: "j"})
	if err != nil {
		t.Fatalf("EnsureNotificationGroup: %v", err)
	}
	if _, err := st.AppendNotificationEvent(ctx, g.ID, NotificationEvent{Progress: 1}); err != nil {
		t.Fatalf("AppendNotificationEvent: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	re, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer re.Close()
	j, err := re.GetJob(ctx, "j", job.System())
	if err != nil {
		t.Fatalf("GetJob after reopen: %v", err)
	}
	if j.Status != job.StatusFailed || len(j.Updates) != 2 || j.Updates[1].Error != "boom" {
		t.Fatalf("replayed job = %+v", j)
	}
	if got := string(j.Updates[0].Payload); got != rawPayload {
		t.Fatalf("payload after reopen = %q, want %q", got, rawPayload)
	}
	rg, err := re.GetNotificationGroup(ctx, g.ID)
	if err != nil {
		t.Fatalf("GetNotificationGroup after reopen: %v", err)
	}
	if len(rg.Events) != 1 {
		t.Fatalf("replayed events = %d, want 1", len(rg.Events))
	}
}

func TestFileStoreCompaction(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	st.(*fileStore).compactEvery = 3
	if _, err := st.CreateJob(ctx, job.Job{ID: "j"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := st.AppendUpdate(ctx, "j", job.System(), job.StatusUpdate{Payload: json.RawMessage(rawPayload)}); err != nil {
			t.Fatalf("AppendUpdate %d: %v", i, err)
		}
	}
	_ = st.Close()

	if _, err := os.Stat(filepath.Join(filepath.Dir(path), "state.snapshot.json")); err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}
	re, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer re.Close()
	j, err := re.GetJob(ctx, "j", job.System())
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if len(j.Updates) != 4 {
		t.Fatalf("updates after compaction = %d, want 4", len(j.Updates))
	}
	for i, u := range j.Updates {
		if string(u.Payload) != rawPayload {
			t.Fatalf("update %d payload after snapshot = %q", i, u.Payload)
		}
	}
}

func TestFileStoreFailedJournalWriteLeavesNoTrace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := st.CreateJob(ctx, job.Job{ID: "j"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	fs := st.(*fileStore)
	_ = fs.journal.Close()

	if _, err := st.AppendUpdate(ctx, "j", job.System(), job.StatusUpdate{Completed: true}); err == nil {
		t.Fatalf("AppendUpdate succeeded on a closed journal")
	}
	if _, err := st.SetStatus(ctx, "j", job.System(), job.StatusRunning); err == nil {
		t.Fatalf("SetStatus succeeded on a closed journal")
	}
	j, err := st.GetJob(ctx, "j", job.System())
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if len(j.Updates) != 0 || j.Status != job.StatusQueued {
		t.Fatalf("unjournaled write visible: status=%q updates=%d", j.Status, len(j.Updates))
	}
}

func TestMemoryAppendConcurrentSeq(t *testing.T) {
	t.Parallel()
	st := NewMemory()
	ctx := context.Background()
	if _, err := st.CreateJob(ctx, job.Job{ID: "j"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	const n = 50
	var wg sync.WaitGroup
	seen := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			su, err := st.AppendUpdate(ctx, "j", job.System(), job.StatusUpdate{})
			if err != nil {
				t.Errorf("AppendUpdate: %v", err)
				return
			}
			seen <- su.Seq
		}()
	}
	wg.Wait()
	close(seen)
	got := map[int64]bool{}
	for s := range seen {
		if got[s] {
			t.Fatalf("duplicate seq %d", s)
		}
		got[s] = true
	}
	if len(got) != n {
		t.Fatalf("distinct seqs = %d, want %d", len(got), n)
	}
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "none"}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("none driver err = %v, want ErrDisabled", err)
	}
	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for redis without url")
	}
	st, err := Open(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("default driver: %v", err)
	}
	if _, ok := st.(*MemoryStore); !ok {
		t.Fatalf("default driver = %T, want *MemoryStore", st)
	}
}
