// Package registry is the durable store of meetings: the single source of
// truth for lifecycle state. All status mutations go through the lifecycle
// engine, which serializes writers with compare-and-set on the status column.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Store wraps PostgreSQL access to the meetings table.
type Store struct {
	db *sql.DB
}

// Open connects and verifies the database is reachable.
func Open(ctx context.Context, url string) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const schema = `
CREATE TABLE IF NOT EXISTS meetings (
	id            BIGSERIAL PRIMARY KEY,
	owner_id      TEXT        NOT NULL,
	platform      TEXT        NOT NULL,
	native_id     TEXT        NOT NULL,
	passcode      TEXT        NOT NULL DEFAULT '',
	status        TEXT        NOT NULL,
	language      TEXT        NOT NULL DEFAULT '',
	task          TEXT        NOT NULL DEFAULT '',
	bot_name      TEXT        NOT NULL DEFAULT '',
	webhook_url   TEXT        NOT NULL DEFAULT '',
	connection_id TEXT        NOT NULL UNIQUE,
	bot_token     TEXT        NOT NULL,
	container_id  TEXT        NOT NULL DEFAULT '',
	worker_url    TEXT        NOT NULL DEFAULT '',
	data          JSONB       NOT NULL DEFAULT '{}'::jsonb,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at    TIMESTAMPTZ,
	ended_at      TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS meetings_single_active_idx
	ON meetings (owner_id, platform, native_id)
	WHERE status NOT IN ('COMPLETED', 'FAILED');

CREATE INDEX IF NOT EXISTS meetings_owner_status_idx
	ON meetings (owner_id, status);
`

// EnsureSchema creates the meetings table and indexes if absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const meetingCols = `id, owner_id, platform, native_id, passcode, status,
	language, task, bot_name, webhook_url, connection_id, bot_token,
	container_id, worker_url, data, created_at, updated_at, started_at, ended_at`

func nonTerminalStrings() []string {
	set := NonTerminalStatuses()
	out := make([]string, len(set))
	for i, st := range set {
		out[i] = string(st)
	}
	return out
}

// CreateRequested inserts a new REQUESTED meeting. The per-owner advisory
// lock makes the limit count and the insert a single admission decision; the
// partial unique index backs the single-active invariant even across
// processes that skip the lock.
func (s *Store) CreateRequested(ctx context.Context, m *Meeting, limit int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, m.OwnerID); err != nil {
		return fmt.Errorf("owner lock: %w", err)
	}

	var active int
	err = tx.QueryRowContext(ctx,
		`SELECT count(*) FROM meetings WHERE owner_id = $1 AND status = ANY($2)`,
		m.OwnerID, pq.Array(nonTerminalStrings()),
	).Scan(&active)
	if err != nil {
		return fmt.Errorf("count active: %w", err)
	}
	if active >= limit {
		return ErrLimitReached
	}

	m.Status = StatusRequested
	data, err := json.Marshal(m.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO meetings
			(owner_id, platform, native_id, passcode, status, language, task,
			 bot_name, webhook_url, connection_id, bot_token, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at`,
		m.OwnerID, string(m.Platform), m.NativeID, m.Passcode, string(m.Status),
		m.Language, m.Task, m.BotName, m.WebhookURL, m.ConnectionID, m.BotToken, data,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert meeting: %w", err)
	}

	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Get loads one meeting by id.
func (s *Store) Get(ctx context.Context, id int64) (*Meeting, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+meetingCols+` FROM meetings WHERE id = $1`, id)
	return scanMeeting(row)
}

// FindLatestByNative returns the newest meeting for the owner/platform/native
// triple regardless of status. Stop and reconfigure resolve meetings through
// this so repeating a stop against a finished meeting stays idempotent.
func (s *Store) FindLatestByNative(ctx context.Context, ownerID string, platform Platform, nativeID string) (*Meeting, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+meetingCols+` FROM meetings
		 WHERE owner_id = $1 AND platform = $2 AND native_id = $3
		 ORDER BY id DESC LIMIT 1`,
		ownerID, string(platform), nativeID)
	return scanMeeting(row)
}

// FindByConnectionID resolves the meeting a bot callback belongs to.
func (s *Store) FindByConnectionID(ctx context.Context, connectionID string) (*Meeting, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+meetingCols+` FROM meetings WHERE connection_id = $1`, connectionID)
	return scanMeeting(row)
}

// ListByOwner returns the owner's meetings, most recent first.
func (s *Store) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Meeting, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+meetingCols+` FROM meetings
		 WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list meetings: %w", err)
	}
	defer rows.Close()
	return scanMeetings(rows)
}

// ListNonTerminalByOwner returns the owner's running meetings.
func (s *Store) ListNonTerminalByOwner(ctx context.Context, ownerID string) ([]*Meeting, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+meetingCols+` FROM meetings
		 WHERE owner_id = $1 AND status = ANY($2) ORDER BY created_at DESC`,
		ownerID, pq.Array(nonTerminalStrings()))
	if err != nil {
		return nil, fmt.Errorf("list running meetings: %w", err)
	}
	defer rows.Close()
	return scanMeetings(rows)
}

// ListNonTerminal feeds the container watchdog with every running meeting.
func (s *Store) ListNonTerminal(ctx context.Context) ([]*Meeting, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+meetingCols+` FROM meetings WHERE status = ANY($1)`,
		pq.Array(nonTerminalStrings()))
	if err != nil {
		return nil, fmt.Errorf("list non-terminal: %w", err)
	}
	defer rows.Close()
	return scanMeetings(rows)
}

// UpdateCAS persists a computed meeting record, guarded by the status the
// caller loaded. Zero rows affected means another writer won; reload and
// retry.
func (s *Store) UpdateCAS(ctx context.Context, m *Meeting, expect Status) error {
	data, err := json.Marshal(m.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE meetings
		SET status = $1, data = $2, container_id = $3, worker_url = $4,
		    language = $5, task = $6, started_at = $7, ended_at = $8,
		    updated_at = now()
		WHERE id = $9 AND status = $10`,
		string(m.Status), data, m.ContainerID, m.WorkerURL,
		m.Language, m.Task, nullTime(m.StartedAt), nullTime(m.EndedAt),
		m.ID, string(expect))
	if err != nil {
		return fmt.Errorf("update meeting: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// SetContainerID records the launched container without touching status.
func (s *Store) SetContainerID(ctx context.Context, id int64, containerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE meetings SET container_id = $1, updated_at = now() WHERE id = $2`,
		containerID, id)
	if err != nil {
		return fmt.Errorf("set container id: %w", err)
	}
	return nil
}

// SetWorkerURL records the transcription worker serving this meeting.
func (s *Store) SetWorkerURL(ctx context.Context, id int64, workerURL string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE meetings SET worker_url = $1, updated_at = now() WHERE id = $2`,
		workerURL, id)
	if err != nil {
		return fmt.Errorf("set worker url: %w", err)
	}
	return nil
}

// SetStopRequested flags the envelope so a late startup callback is answered
// with leave_now. Server-side jsonb_set keeps the write atomic.
func (s *Store) SetStopRequested(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE meetings
		 SET data = jsonb_set(data, '{stop_requested}', 'true'::jsonb), updated_at = now()
		 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("set stop_requested: %w", err)
	}
	return nil
}

// UpdateConfigIfActive rewrites language/task only while the meeting is
// ACTIVE; ErrConflict when the status moved underneath the caller.
func (s *Store) UpdateConfigIfActive(ctx context.Context, id int64, language, task string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE meetings SET language = $1, task = $2, updated_at = now()
		WHERE id = $3 AND status = $4`,
		language, task, id, string(StatusActive))
	if err != nil {
		return fmt.Errorf("update config: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeeting(row rowScanner) (*Meeting, error) {
	var (
		m                  Meeting
		platform, status   string
		data               []byte
		startedAt, endedAt sql.NullTime
	)
	err := row.Scan(&m.ID, &m.OwnerID, &platform, &m.NativeID, &m.Passcode,
		&status, &m.Language, &m.Task, &m.BotName, &m.WebhookURL,
		&m.ConnectionID, &m.BotToken, &m.ContainerID, &m.WorkerURL, &data,
		&m.CreatedAt, &m.UpdatedAt, &startedAt, &endedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan meeting: %w", err)
	}
	m.Platform = Platform(platform)
	m.Status = normalizeStatus(status)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &m.Data); err != nil {
			return nil, fmt.Errorf("decode data envelope: %w", err)
		}
	}
	if startedAt.Valid {
		m.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		m.EndedAt = &endedAt.Time
	}
	return &m, nil
}

func scanMeetings(rows *sql.Rows) ([]*Meeting, error) {
	var out []*Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
