package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"jobrelay/internal/job"
	logx "jobrelay/pkg/logx"
)

// RedisStore keeps jobs in hashes and their updates in lists.
//
// Keys (prefix defaults to "jobrelay:"):
//   - job:<id>                       hash (engine, status, project, user, metadata, created, updated)
//   - job:<id>:updates               list of JSON update records, payload base64; seq = index + 1
//   - ngroup:<id>                    hash
//   - ngroup:idx:<user>:<type>:<job> string -> group id
//   - ngroup:<id>:events             list of JSON NotificationEvent
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	log    logx.Logger
	owned  bool
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	raw := strings.TrimSpace(cfg.RedisURL)
	if raw == "" {
		return nil, errors.New("storage.redis_url is required for redis driver")
	}
	opt, err := redis.ParseURL(raw)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	st := NewRedis(client, cfg.KeyPrefix, log)
	st.owned = true
	return st, nil
}

// NewRedis wraps an existing client. The caller owns the client lifecycle.
func NewRedis(client redis.UniversalClient, prefix string, log logx.Logger) *RedisStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = "jobrelay:"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RedisStore{client: client, prefix: prefix, log: log}
}

func (s *RedisStore) jobKey(id string) string     { return s.prefix + "job:" + id }
func (s *RedisStore) updatesKey(id string) string { return s.prefix + "job:" + id + ":updates" }
func (s *RedisStore) groupKey(id string) string   { return s.prefix + "ngroup:" + id }
func (s *RedisStore) eventsKey(id string) string  { return s.prefix + "ngroup:" + id + ":events" }
func (s *RedisStore) groupIdxKey(user, typ, jobID string) string {
	return s.prefix + "ngroup:idx:" + user + ":" + typ + ":" + jobID
}

func (s *RedisStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

func (s *RedisStore) CreateJob(ctx context.Context, j job.Job) (job.Job, error) {
	j, err := prepareJob(j, time.Now())
	if err != nil {
		return job.Job{}, err
	}
	ok, err := s.client.HSetNX(ctx, s.jobKey(j.ID), "engine", string(j.Engine)).Result()
	if err != nil {
		return job.Job{}, err
	}
	if !ok {
		return job.Job{}, ErrExists
	}
	err = s.client.HSet(ctx, s.jobKey(j.ID), map[string]any{
		"status":   string(j.Status),
		"project":  j.ProjectID,
		"user":     j.UserID,
		"metadata": string(j.Metadata),
		"created":  fmtTime(j.CreatedAt),
		"updated":  fmtTime(j.UpdatedAt),
	}).Err()
	if err != nil {
		return job.Job{}, err
	}
	return j.Clone(), nil
}

func (s *RedisStore) GetJob(ctx context.Context, id string, c job.Capability) (job.Job, error) {
	if !c.CanRead() {
		return job.Job{}, ErrForbidden
	}
	h, err := s.client.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return job.Job{}, err
	}
	if len(h) == 0 {
		return job.Job{}, ErrNotFound
	}
	j := job.Job{
		ID:        id,
		Engine:    job.EngineKind(h["engine"]),
		Status:    job.Status(h["status"]),
		ProjectID: h["project"],
		UserID:    h["user"],
		CreatedAt: parseTime(h["created"]),
		UpdatedAt: parseTime(h["updated"]),
	}
	if m := h["metadata"]; m != "" {
		j.Metadata = json.RawMessage(m)
	}

	items, err := s.client.LRange(ctx, s.updatesKey(id), 0, -1).Result()
	if err != nil {
		return job.Job{}, err
	}
	for i, it := range items {
		var rec updateRecord
		if err := json.Unmarshal([]byte(it), &rec); err != nil {
			s.log.Warn("skipping unreadable stored update", logx.JobID(id), logx.Int("index", i), logx.Err(err))
			continue
		}
		su := rec.stored()
		su.Seq = int64(i) + 1
		j.Updates = append(j.Updates, su)
	}
	return j, nil
}

func (s *RedisStore) AppendUpdate(ctx context.Context, id string, c job.Capability, u job.StatusUpdate) (job.StoredUpdate, error) {
	if !c.CanWrite() {
		return job.StoredUpdate{}, ErrForbidden
	}
	u = prepareUpdate(id, u, time.Now())
	b, err := json.Marshal(toUpdateRecord(job.StoredUpdate{StatusUpdate: u}))
	if err != nil {
		return job.StoredUpdate{}, err
	}

	var seq int64
	key := s.jobKey(id)
	txf := func(tx *redis.Tx) error {
		status, err := tx.HGet(ctx, key, "status").Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		next := job.NextStatus(job.Status(status), u)
		var push *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			push = pipe.RPush(ctx, s.updatesKey(id), b)
			pipe.HSet(ctx, key, "status", string(next), "updated", fmtTime(u.ReceivedAt))
			return nil
		})
		if err != nil {
			return err
		}
		seq = push.Val()
		return nil
	}

	// Optimistic lock on the job hash; retry a few times on contention.
	for attempt := 0; attempt < 5; attempt++ {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return job.StoredUpdate{}, err
	}
	return job.StoredUpdate{StatusUpdate: u, Seq: seq}, nil
}

func (s *RedisStore) SetStatus(ctx context.Context, id string, c job.Capability, st job.Status) (job.Job, error) {
	if !c.CanWrite() {
		return job.Job{}, ErrForbidden
	}
	key := s.jobKey(id)
	txf := func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, "status").Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if job.Status(cur).IsTerminal() {
			return ErrTerminal
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "status", string(st), "updated", fmtTime(time.Now()))
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < 5; attempt++ {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil && !errors.Is(err, ErrTerminal) {
		return job.Job{}, err
	}
	j, gerr := s.GetJob(ctx, id, c)
	if gerr != nil {
		return job.Job{}, gerr
	}
	return j, err
}

func (s *RedisStore) EnsureNotificationGroup(ctx context.Context, g NotificationGroup) (NotificationGroup, error) {
	g, err := prepareGroup(g, time.Now())
	if err != nil {
		return NotificationGroup{}, err
	}
	idx := s.groupIdxKey(g.UserID, g.Type, g.JobID)
	ok, err := s.client.SetNX(ctx, idx, g.ID, 0).Result()
	if err != nil {
		return NotificationGroup{}, err
	}
	if !ok {
		id, err := s.client.Get(ctx, idx).Result()
		if err != nil {
			return NotificationGroup{}, err
		}
		return s.GetNotificationGroup(ctx, id)
	}
	err = s.client.HSet(ctx, s.groupKey(g.ID), map[string]any{
		"user":    g.UserID,
		"type":    g.Type,
		"project": g.ProjectID,
		"job":     g.JobID,
		"created": fmtTime(g.CreatedAt),
	}).Err()
	if err != nil {
		return NotificationGroup{}, err
	}
	return g, nil
}

func (s *RedisStore) AppendNotificationEvent(ctx context.Context, groupID string, e NotificationEvent) (NotificationEvent, error) {
	e = prepareEvent(e, time.Now())
	n, err := s.client.Exists(ctx, s.groupKey(groupID)).Result()
	if err != nil {
		return NotificationEvent{}, err
	}
	if n == 0 {
		return NotificationEvent{}, ErrNotFound
	}
	b, err := json.Marshal(e)
	if err != nil {
		return NotificationEvent{}, err
	}
	if err := s.client.RPush(ctx, s.eventsKey(groupID), b).Err(); err != nil {
		return NotificationEvent{}, err
	}
	return e, nil
}

func (s *RedisStore) GetNotificationGroup(ctx context.Context, id string) (NotificationGroup, error) {
	h, err := s.client.HGetAll(ctx, s.groupKey(id)).Result()
	if err != nil {
		return NotificationGroup{}, err
	}
	if len(h) == 0 {
		return NotificationGroup{}, ErrNotFound
	}
	g := NotificationGroup{
		ID:        id,
		UserID:    h["user"],
		Type:      h["type"],
		ProjectID: h["project"],
		JobID:     h["job"],
		CreatedAt: parseTime(h["created"]),
	}
	items, err := s.client.LRange(ctx, s.eventsKey(id), 0, -1).Result()
	if err != nil {
		return NotificationGroup{}, err
	}
	for _, it := range items {
		var e NotificationEvent
		if err := json.Unmarshal([]byte(it), &e); err != nil {
			continue
		}
		g.Events = append(g.Events, e)
	}
	return g, nil
}
