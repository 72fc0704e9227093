package storage

import (
	"context"
	"sync"
	"time"

	"jobrelay/internal/job"
)

// MemoryStore keeps everything in process memory. It is the default driver
// and the in-memory state behind the file driver.
type MemoryStore struct {
	mu       sync.RWMutex
	jobs     map[string]*job.Job
	groups   map[string]*NotificationGroup
	groupIdx map[string]string // groupKey -> group id

	now func() time.Time
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		jobs:     map[string]*job.Job{},
		groups:   map[string]*NotificationGroup{},
		groupIdx: map[string]string{},
		now:      time.Now,
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateJob(ctx context.Context, j job.Job) (job.Job, error) {
	_ = ctx
	j, err := prepareJob(j, s.now())
	if err != nil {
		return job.Job{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.putJobLocked(j); err != nil {
		return job.Job{}, err
	}
	return j.Clone(), nil
}

func (s *MemoryStore) putJobLocked(j job.Job) error {
	if _, ok := s.jobs[j.ID]; ok {
		return ErrExists
	}
	cp := j.Clone()
	s.jobs[j.ID] = &cp
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string, c job.Capability) (job.Job, error) {
	_ = ctx
	if !c.CanRead() {
		return job.Job{}, ErrForbidden
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, ErrNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) AppendUpdate(ctx context.Context, id string, c job.Capability, u job.StatusUpdate) (job.StoredUpdate, error) {
	_ = ctx
	if !c.CanWrite() {
		return job.StoredUpdate{}, ErrForbidden
	}
	u = prepareUpdate(id, u, s.now())
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(id, u)
}

func (s *MemoryStore) appendLocked(id string, u job.StatusUpdate) (job.StoredUpdate, error) {
	j, ok := s.jobs[id]
	if !ok {
		return job.StoredUpdate{}, ErrNotFound
	}
	su := job.StoredUpdate{StatusUpdate: u, Seq: int64(len(j.Updates)) + 1}
	su.Payload = append([]byte(nil), u.Payload...)
	j.Updates = append(j.Updates, su)
	j.Status = job.NextStatus(j.Status, u)
	j.UpdatedAt = u.ReceivedAt
	return su, nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, id string, c job.Capability, st job.Status) (job.Job, error) {
	_ = ctx
	if !c.CanWrite() {
		return job.Job{}, ErrForbidden
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStatusLocked(id, st, s.now())
}

func (s *MemoryStore) setStatusLocked(id string, st job.Status, at time.Time) (job.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, ErrNotFound
	}
	if j.Status.IsTerminal() {
		return j.Clone(), ErrTerminal
	}
	j.Status = st
	j.UpdatedAt = at
	return j.Clone(), nil
}

func (s *MemoryStore) EnsureNotificationGroup(ctx context.Context, g NotificationGroup) (NotificationGroup, error) {
	_ = ctx
	g, err := prepareGroup(g, s.now())
	if err != nil {
		return NotificationGroup{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.groupIdx[groupKey(g.UserID, g.Type, g.JobID)]; ok {
		return cloneGroup(s.groups[id]), nil
	}
	s.putGroupLocked(g)
	return cloneGroup(&g), nil
}

func (s *MemoryStore) putGroupLocked(g NotificationGroup) {
	cp := g
	s.groups[g.ID] = &cp
	s.groupIdx[groupKey(g.UserID, g.Type, g.JobID)] = g.ID
}

func (s *MemoryStore) AppendNotificationEvent(ctx context.Context, groupID string, e NotificationEvent) (NotificationEvent, error) {
	_ = ctx
	e = prepareEvent(e, s.now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendEventLocked(groupID, e); err != nil {
		return NotificationEvent{}, err
	}
	return e, nil
}

func (s *MemoryStore) appendEventLocked(groupID string, e NotificationEvent) error {
	g, ok := s.groups[groupID]
	if !ok {
		return ErrNotFound
	}
	e.Data = append([]byte(nil), e.Data...)
	g.Events = append(g.Events, e)
	return nil
}

func (s *MemoryStore) GetNotificationGroup(ctx context.Context, id string) (NotificationGroup, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return NotificationGroup{}, ErrNotFound
	}
	return cloneGroup(g), nil
}

// snapshot copies all state for compaction.
func (s *MemoryStore) snapshot() memorySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := memorySnapshot{
		Jobs:   make([]jobRecord, 0, len(s.jobs)),
		Groups: make([]NotificationGroup, 0, len(s.groups)),
	}
	for _, j := range s.jobs {
		out.Jobs = append(out.Jobs, toJobRecord(*j))
	}
	for _, g := range s.groups {
		out.Groups = append(out.Groups, cloneGroup(g))
	}
	return out
}

type memorySnapshot struct {
	Jobs   []jobRecord         `json:"jobs"`
	Groups []NotificationGroup `json:"groups"`
}

func cloneGroup(g *NotificationGroup) NotificationGroup {
	if g == nil {
		return NotificationGroup{}
	}
	cp := *g
	if g.Events != nil {
		cp.Events = make([]NotificationEvent, len(g.Events))
		for i, e := range g.Events {
			e.Data = append([]byte(nil), e.Data...)
			cp.Events[i] = e
		}
	}
	return cp
}
