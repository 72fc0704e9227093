package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"jobrelay/internal/job"
	logx "jobrelay/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal)
//
// State lives in an embedded MemoryStore. A mutation is journaled first and
// applied to memory only once the journal write succeeded. The journal is
// periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger
	mem *MemoryStore

	mu sync.Mutex // serializes journal+apply

	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type journalRecord struct {
	Op     string             `json:"op"`
	Job    *jobRecord         `json:"job,omitempty"`
	ID     string             `json:"id,omitempty"`
	Update *updateRecord      `json:"update,omitempty"`
	Status job.Status         `json:"status,omitempty"`
	At     time.Time          `json:"at,omitempty"`
	Group  *NotificationGroup `json:"group,omitempty"`
	Event  *NotificationEvent `json:"event,omitempty"`
}

const (
	opJob    = "job"
	opUpdate = "update"
	opStatus = "status"
	opGroup  = "group"
	opEvent  = "event"
)

// errUnchanged tells commitLocked there is nothing to write.
var errUnchanged = errors.New("unchanged")

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	mem := NewMemory()
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("snapshot load failed; continuing with journal only", logx.String("path", snapPath), logx.Err(err))
	}
	n, err := replayJournal(journalPath, mem)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("replayed", n))

	return &fileStore{
		log:          log,
		mem:          mem,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: 1000,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) CreateJob(ctx context.Context, j job.Job) (job.Job, error) {
	j, err := prepareJob(j, s.mem.now())
	if err != nil {
		return job.Job{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.commitLocked(func() (journalRecord, error) {
		if _, ok := s.mem.jobs[j.ID]; ok {
			return journalRecord{}, ErrExists
		}
		rec := toJobRecord(j)
		return journalRecord{Op: opJob, Job: &rec}, nil
	})
	if err != nil {
		return job.Job{}, err
	}
	return j.Clone(), nil
}

func (s *fileStore) GetJob(ctx context.Context, id string, c job.Capability) (job.Job, error) {
	return s.mem.GetJob(ctx, id, c)
}

func (s *fileStore) AppendUpdate(ctx context.Context, id string, c job.Capability, u job.StatusUpdate) (job.StoredUpdate, error) {
	if !c.CanWrite() {
		return job.StoredUpdate{}, ErrForbidden
	}
	u = prepareUpdate(id, u, s.mem.now())
	s.mu.Lock()
	defer s.mu.Unlock()
	var su job.StoredUpdate
	err := s.commitLocked(func() (journalRecord, error) {
		j, ok := s.mem.jobs[id]
		if !ok {
			return journalRecord{}, ErrNotFound
		}
		su = job.StoredUpdate{StatusUpdate: u, Seq: int64(len(j.Updates)) + 1}
		rec := toUpdateRecord(su)
		return journalRecord{Op: opUpdate, ID: id, Update: &rec}, nil
	})
	if err != nil {
		return job.StoredUpdate{}, err
	}
	su.Payload = append(json.RawMessage(nil), u.Payload...)
	return su, nil
}

func (s *fileStore) SetStatus(ctx context.Context, id string, c job.Capability, st job.Status) (job.Job, error) {
	if !c.CanWrite() {
		return job.Job{}, ErrForbidden
	}
	at := s.mem.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.commitLocked(func() (journalRecord, error) {
		j, ok := s.mem.jobs[id]
		if !ok {
			return journalRecord{}, ErrNotFound
		}
		if j.Status.IsTerminal() {
			return journalRecord{}, ErrTerminal
		}
		return journalRecord{Op: opStatus, ID: id, Status: st, At: at}, nil
	})
	if err != nil && !errors.Is(err, ErrTerminal) {
		return job.Job{}, err
	}
	j, gerr := s.mem.GetJob(ctx, id, c)
	if gerr != nil {
		return job.Job{}, gerr
	}
	return j, err
}

func (s *fileStore) EnsureNotificationGroup(ctx context.Context, g NotificationGroup) (NotificationGroup, error) {
	g, err := prepareGroup(g, s.mem.now())
	if err != nil {
		return NotificationGroup{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := g
	err = s.commitLocked(func() (journalRecord, error) {
		if id, ok := s.mem.groupIdx[groupKey(g.UserID, g.Type, g.JobID)]; ok {
			out = cloneGroup(s.mem.groups[id])
			return journalRecord{}, errUnchanged
		}
		return journalRecord{Op: opGroup, Group: &g}, nil
	})
	if err != nil {
		return NotificationGroup{}, err
	}
	return out, nil
}

func (s *fileStore) AppendNotificationEvent(ctx context.Context, groupID string, e NotificationEvent) (NotificationEvent, error) {
	e = prepareEvent(e, s.mem.now())
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.commitLocked(func() (journalRecord, error) {
		if _, ok := s.mem.groups[groupID]; !ok {
			return journalRecord{}, ErrNotFound
		}
		return journalRecord{Op: opEvent, ID: groupID, Event: &e}, nil
	})
	if err != nil {
		return NotificationEvent{}, err
	}
	return e, nil
}

func (s *fileStore) GetNotificationGroup(ctx context.Context, id string) (NotificationGroup, error) {
	return s.mem.GetNotificationGroup(ctx, id)
}

// commitLocked builds a record against the current state, journals it and
// then applies it to memory. build runs under the memory lock; an error from
// it aborts without writing. Callers hold s.mu.
func (s *fileStore) commitLocked(build func() (journalRecord, error)) error {
	if s.journal == nil {
		return ErrDisabled
	}
	if err := s.journalAndApply(build); err != nil {
		if errors.Is(err, errUnchanged) {
			return nil
		}
		return err
	}
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) journalAndApply(build func() (journalRecord, error)) error {
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	r, err := build()
	if err != nil {
		return err
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	return applyRecordLocked(s.mem, r)
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.mem.snapshot()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, mem *MemoryStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap memorySnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()
	for _, j := range snap.Jobs {
		_ = mem.putJobLocked(j.job())
	}
	for _, g := range snap.Groups {
		mem.putGroupLocked(g)
	}
	return nil
}

func replayJournal(path string, mem *MemoryStore) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	mem.mu.Lock()
	defer mem.mu.Unlock()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// torn tail write; skip
			continue
		}
		if err := applyRecordLocked(mem, r); errors.Is(err, errUnknownOp) {
			continue
		}
		n++
	}
	return n, sc.Err()
}

var errUnknownOp = errors.New("unknown journal op")

// applyRecordLocked replays one journal record into mem. Callers hold mem.mu.
func applyRecordLocked(mem *MemoryStore, r journalRecord) error {
	switch r.Op {
	case opJob:
		if r.Job != nil {
			return mem.putJobLocked(r.Job.job())
		}
	case opUpdate:
		if r.Update != nil {
			_, err := mem.appendLocked(r.ID, r.Update.stored().StatusUpdate)
			return err
		}
	case opStatus:
		_, err := mem.setStatusLocked(r.ID, r.Status, r.At)
		return err
	case opGroup:
		if r.Group != nil {
			mem.putGroupLocked(*r.Group)
		}
	case opEvent:
		if r.Event != nil {
			return mem.appendEventLocked(r.ID, *r.Event)
		}
	default:
		return errUnknownOp
	}
	return nil
}
