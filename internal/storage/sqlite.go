package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"jobrelay/internal/job"
	logx "jobrelay/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway, and the per-job
	// append transaction relies on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateJob(ctx context.Context, j job.Job) (job.Job, error) {
	j, err := prepareJob(j, time.Now())
	if err != nil {
		return job.Job{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, engine, status, project_id, user_id, metadata, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		j.ID, string(j.Engine), string(j.Status), nullStr(j.ProjectID), nullStr(j.UserID),
		nullBytes(j.Metadata), fmtTime(j.CreatedAt), fmtTime(j.UpdatedAt),
	)
	if err != nil {
		return job.Job{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return job.Job{}, ErrExists
	}
	return j.Clone(), nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *sqliteStore) loadJob(ctx context.Context, q queryer, id string, withUpdates bool) (job.Job, error) {
	var (
		j                   job.Job
		engine, status      string
		project, user       sql.NullString
		meta                []byte
		createdAt, updateAt string
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, engine, status, project_id, user_id, metadata, created_at, updated_at FROM jobs WHERE id = ?`, id,
	).Scan(&j.ID, &engine, &status, &project, &user, &meta, &createdAt, &updateAt)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, ErrNotFound
	}
	if err != nil {
		return job.Job{}, err
	}
	j.Engine = job.EngineKind(engine)
	j.Status = job.Status(status)
	j.ProjectID = project.String
	j.UserID = user.String
	if len(meta) > 0 {
		j.Metadata = meta
	}
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updateAt)
	if !withUpdates {
		return j, nil
	}

	rows, err := q.QueryContext(ctx,
		`SELECT seq, payload, error, completed, received_at FROM job_updates WHERE job_id = ? ORDER BY seq`, id)
	if err != nil {
		return job.Job{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			u        job.StoredUpdate
			payload  []byte
			errStr   sql.NullString
			received string
		)
		if err := rows.Scan(&u.Seq, &payload, &errStr, &u.Completed, &received); err != nil {
			return job.Job{}, err
		}
		u.JobID = id
		if len(payload) > 0 {
			u.Payload = payload
		}
		u.Error = errStr.String
		u.ReceivedAt = parseTime(received)
		j.Updates = append(j.Updates, u)
	}
	return j, rows.Err()
}

func (s *sqliteStore) GetJob(ctx context.Context, id string, c job.Capability) (job.Job, error) {
	if !c.CanRead() {
		return job.Job{}, ErrForbidden
	}
	return s.loadJob(ctx, s.db, id, true)
}

func (s *sqliteStore) AppendUpdate(ctx context.Context, id string, c job.Capability, u job.StatusUpdate) (job.StoredUpdate, error) {
	if !c.CanWrite() {
		return job.StoredUpdate{}, ErrForbidden
	}
	u = prepareUpdate(id, u, time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return job.StoredUpdate{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return job.StoredUpdate{}, ErrNotFound
	}
	if err != nil {
		return job.StoredUpdate{}, err
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM job_updates WHERE job_id = ?`, id).Scan(&seq); err != nil {
		return job.StoredUpdate{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO job_updates(job_id, seq, payload, error, completed, received_at) VALUES(?,?,?,?,?,?)`,
		id, seq, nullBytes(u.Payload), nullStr(u.Error), u.Completed, fmtTime(u.ReceivedAt),
	); err != nil {
		return job.StoredUpdate{}, err
	}
	next := job.NextStatus(job.Status(status), u)
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`, string(next), fmtTime(u.ReceivedAt), id,
	); err != nil {
		return job.StoredUpdate{}, err
	}
	if err := tx.Commit(); err != nil {
		return job.StoredUpdate{}, err
	}
	return job.StoredUpdate{StatusUpdate: u, Seq: seq}, nil
}

func (s *sqliteStore) SetStatus(ctx context.Context, id string, c job.Capability, st job.Status) (job.Job, error) {
	if !c.CanWrite() {
		return job.Job{}, ErrForbidden
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status NOT IN (?, ?, ?)`,
		string(st), fmtTime(time.Now()), id,
		string(job.StatusComplete), string(job.StatusFailed), string(job.StatusCancelled))
	if err != nil {
		return job.Job{}, err
	}
	j, err := s.loadJob(ctx, s.db, id, true)
	if err != nil {
		return job.Job{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return j, ErrTerminal
	}
	return j, nil
}

func (s *sqliteStore) EnsureNotificationGroup(ctx context.Context, g NotificationGroup) (NotificationGroup, error) {
	g, err := prepareGroup(g, time.Now())
	if err != nil {
		return NotificationGroup{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notification_groups(id, user_id, type, project_id, job_id, created_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(user_id, type, job_id) DO NOTHING`,
		g.ID, g.UserID, g.Type, nullStr(g.ProjectID), g.JobID, fmtTime(g.CreatedAt),
	)
	if err != nil {
		return NotificationGroup{}, err
	}
	var id string
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM notification_groups WHERE user_id = ? AND type = ? AND job_id = ?`,
		g.UserID, g.Type, g.JobID,
	).Scan(&id)
	if err != nil {
		return NotificationGroup{}, err
	}
	return s.GetNotificationGroup(ctx, id)
}

func (s *sqliteStore) AppendNotificationEvent(ctx context.Context, groupID string, e NotificationEvent) (NotificationEvent, error) {
	e = prepareEvent(e, time.Now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_events(id, group_id, progress, state, ts, data, ord)
		 SELECT ?, id, ?, ?, ?, ?, (SELECT COALESCE(MAX(ord), 0) + 1 FROM notification_events WHERE group_id = ?)
		 FROM notification_groups WHERE id = ?`,
		e.ID, e.Progress, nullStr(string(e.State)), fmtTime(e.Timestamp), nullBytes(e.Data), groupID, groupID,
	)
	if err != nil {
		return NotificationEvent{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotificationEvent{}, ErrNotFound
	}
	return e, nil
}

func (s *sqliteStore) GetNotificationGroup(ctx context.Context, id string) (NotificationGroup, error) {
	var (
		g         NotificationGroup
		project   sql.NullString
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, type, project_id, job_id, created_at FROM notification_groups WHERE id = ?`, id,
	).Scan(&g.ID, &g.UserID, &g.Type, &project, &g.JobID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return NotificationGroup{}, ErrNotFound
	}
	if err != nil {
		return NotificationGroup{}, err
	}
	g.ProjectID = project.String
	g.CreatedAt = parseTime(createdAt)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, progress, state, ts, data FROM notification_events WHERE group_id = ? ORDER BY ord`, id)
	if err != nil {
		return NotificationGroup{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e     NotificationEvent
			state sql.NullString
			ts    string
			data  []byte
		)
		if err := rows.Scan(&e.ID, &e.Progress, &state, &ts, &data); err != nil {
			return NotificationGroup{}, err
		}
		e.State = job.Status(state.String)
		e.Timestamp = parseTime(ts)
		if len(data) > 0 {
			e.Data = data
		}
		g.Events = append(g.Events, e)
	}
	return g, rows.Err()
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
