package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "modernc.org/sqlite"
)

const sqliteSchemaVersion = 1

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS queues (
  id                    TEXT PRIMARY KEY,
  name                  TEXT NOT NULL UNIQUE,
  state                 TEXT NOT NULL,
  max_retries           INTEGER NOT NULL,
  retry_delay           INTEGER NOT NULL,
  retry_multiplier      REAL NOT NULL,
  max_retry_delay       INTEGER NOT NULL,
  visibility_timeout    INTEGER NOT NULL,
  message_ttl           INTEGER NOT NULL,
  max_queue_size        INTEGER NOT NULL,
  max_message_size      INTEGER NOT NULL,
  priority_enabled      INTEGER NOT NULL,
  fifo_enabled          INTEGER NOT NULL,
  content_deduplication INTEGER NOT NULL,
  deduplication_window  INTEGER NOT NULL,
  rate_limit_per_second REAL NOT NULL,
  dlq_queue_id          TEXT,
  created_at            INTEGER NOT NULL,
  updated_at            INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
  id                    TEXT PRIMARY KEY,
  queue_id              TEXT NOT NULL,
  type                  TEXT NOT NULL,
  payload               BLOB NOT NULL,
  priority              INTEGER NOT NULL,
  status                TEXT NOT NULL,
  attempt_count         INTEGER NOT NULL,
  max_attempts          INTEGER NOT NULL,
  created_at            INTEGER NOT NULL,
  scheduled_at          INTEGER,
  processing_started_at INTEGER,
  completed_at          INTEGER,
  visibility_timeout_at INTEGER,
  deduplication_id      TEXT,
  group_id              TEXT,
  correlation_id        TEXT,
  claimed_by            TEXT,
  last_error            TEXT,
  origin_queue_id       TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_claimable
  ON messages(queue_id, status, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_visibility
  ON messages(status, visibility_timeout_at);
CREATE INDEX IF NOT EXISTS idx_messages_scheduled
  ON messages(status, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_messages_dedup
  ON messages(queue_id, deduplication_id, created_at);

CREATE TABLE IF NOT EXISTS attempts (
  id             TEXT PRIMARY KEY,
  message_id     TEXT NOT NULL,
  queue_id       TEXT NOT NULL,
  handler        TEXT NOT NULL,
  attempt_number INTEGER NOT NULL,
  outcome        TEXT NOT NULL,
  error          TEXT,
  latency        INTEGER NOT NULL,
  created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_message
  ON attempts(message_id, created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_attempts_queue
  ON attempts(queue_id, created_at DESC, id DESC);
`

const messageColumns = `id, queue_id, type, payload, priority, status, attempt_count, max_attempts,
created_at, scheduled_at, processing_started_at, completed_at, visibility_timeout_at,
deduplication_id, group_id, correlation_id, claimed_by, last_error, origin_queue_id`

const queueColumns = `id, name, state, max_retries, retry_delay, retry_multiplier, max_retry_delay,
visibility_timeout, message_ttl, max_queue_size, max_message_size, priority_enabled, fifo_enabled,
content_deduplication, deduplication_window, rate_limit_per_second, dlq_queue_id, created_at, updated_at`

type SQLiteOption func(*SQLiteStore)

func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// SQLiteStore persists queues, messages and attempt history in a single
// SQLite database. The pool is limited to one connection, so every claim
// transaction runs as the sole writer and row selection plus the status
// flip are atomic.
type SQLiteStore struct {
	db    *sql.DB
	nowFn func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:    db,
		nowFn: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous=full: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	return s.migrate(ctx)
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	return s.inTx(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER NOT NULL
);
`); err != nil {
			return fmt.Errorf("sqlite: init migrations table: %w", err)
		}

		var current int
		err := conn.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlite: read schema_version: %w", err)
		}
		if current > sqliteSchemaVersion {
			return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, sqliteSchemaVersion)
		}

		for v := current + 1; v <= sqliteSchemaVersion; v++ {
			switch v {
			case 1:
				if _, err := conn.ExecContext(ctx, sqliteSchemaV1); err != nil {
					return fmt.Errorf("sqlite: migrate v1: %w", err)
				}
			default:
				return fmt.Errorf("sqlite: unknown migration %d", v)
			}
		}

		if current != sqliteSchemaVersion {
			if _, err := conn.ExecContext(ctx, `INSERT OR REPLACE INTO schema_migrations(rowid, version) VALUES (1, ?);`, sqliteSchemaVersion); err != nil {
				return fmt.Errorf("sqlite: write schema_version: %w", err)
			}
		}
		return nil
	})
}

// inTx runs fn inside BEGIN IMMEDIATE on a dedicated connection. IMMEDIATE
// takes the write lock up front, so fn observes a stable snapshot and its
// writes cannot race another writer.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	if err := fn(conn); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLiteStore) CreateQueue(ctx context.Context, q Queue) error {
	if q.ID == uuid.Nil {
		q.ID = NewID()
	}
	now := s.nowFn()
	if q.State == "" {
		q.State = QueueActive
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	q.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
INSERT INTO queues (`+queueColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, queueArgs(q)...)
	if err != nil {
		if isSQLiteConstraintError(err) {
			return ErrQueueExists
		}
		return err
	}
	return nil
}

func (s *SQLiteStore) GetQueue(ctx context.Context, id uuid.UUID) (Queue, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+queueColumns+` FROM queues WHERE id = ?;
`, id.String())
	return scanQueue(row)
}

func (s *SQLiteStore) GetQueueByName(ctx context.Context, name string) (Queue, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+queueColumns+` FROM queues WHERE name = ?;
`, strings.TrimSpace(name))
	return scanQueue(row)
}

func (s *SQLiteStore) UpdateQueue(ctx context.Context, q Queue) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE queues SET
  name = ?, state = ?, max_retries = ?, retry_delay = ?, retry_multiplier = ?,
  max_retry_delay = ?, visibility_timeout = ?, message_ttl = ?, max_queue_size = ?,
  max_message_size = ?, priority_enabled = ?, fifo_enabled = ?, content_deduplication = ?,
  deduplication_window = ?, rate_limit_per_second = ?, dlq_queue_id = ?, updated_at = ?
WHERE id = ?;
`,
		q.Name,
		string(q.State),
		q.MaxRetries,
		int64(q.RetryDelay),
		q.RetryMultiplier,
		int64(q.MaxRetryDelay),
		int64(q.VisibilityTimeout),
		int64(q.MessageTTL),
		q.MaxQueueSize,
		q.MaxMessageSize,
		boolInt(q.PriorityEnabled),
		boolInt(q.FifoEnabled),
		boolInt(q.ContentDeduplication),
		int64(q.DeduplicationWindow),
		q.RateLimitPerSecond,
		uuidArg(q.DLQQueueID),
		s.nowFn().UnixNano(),
		q.ID.String(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrQueueNotFound
	}
	return nil
}

func (s *SQLiteStore) SetQueueState(ctx context.Context, id uuid.UUID, state QueueState) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE queues SET state = ?, updated_at = ? WHERE id = ?;
`, string(state), s.nowFn().UnixNano(), id.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrQueueNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteQueue(ctx context.Context, id uuid.UUID, force bool) error {
	return s.inTx(ctx, func(conn *sql.Conn) error {
		var exists int
		if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM queues WHERE id = ?;`, id.String()).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrQueueNotFound
		}

		if !force {
			var inflight int
			if err := conn.QueryRowContext(ctx, `
SELECT COUNT(*) FROM messages WHERE queue_id = ? AND status = ?;
`, id.String(), string(StatusProcessing)).Scan(&inflight); err != nil {
				return err
			}
			if inflight > 0 {
				return ErrQueueNotEmpty
			}
		}

		if _, err := conn.ExecContext(ctx, `DELETE FROM messages WHERE queue_id = ?;`, id.String()); err != nil {
			return err
		}
		_, err := conn.ExecContext(ctx, `DELETE FROM queues WHERE id = ?;`, id.String())
		return err
	})
}

func (s *SQLiteStore) ListQueues(ctx context.Context) ([]Queue, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+queueColumns+` FROM queues ORDER BY name ASC;
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Queue, 0)
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) QueueDepth(ctx context.Context, id uuid.UUID) (int, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queues WHERE id = ?;`, id.String()).Scan(&exists); err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, ErrQueueNotFound
	}

	var depth int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM messages
WHERE queue_id = ? AND status IN (?, ?, ?);
`, id.String(), string(StatusPending), string(StatusScheduled), string(StatusProcessing)).Scan(&depth)
	return depth, err
}

func (s *SQLiteStore) InsertMessage(ctx context.Context, m Message) error {
	m = s.prepareInsert(m)
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queues WHERE id = ?;`, m.QueueID.String()).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrQueueNotFound
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO messages (`+messageColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, messageArgs(m)...)
	if err != nil {
		if isSQLiteConstraintError(err) {
			return ErrMessageExists
		}
		return err
	}
	return nil
}

func (s *SQLiteStore) InsertMessages(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	prepared := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		prepared = append(prepared, s.prepareInsert(m))
	}

	return s.inTx(ctx, func(conn *sql.Conn) error {
		for _, m := range prepared {
			var exists int
			if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM queues WHERE id = ?;`, m.QueueID.String()).Scan(&exists); err != nil {
				return err
			}
			if exists == 0 {
				return ErrQueueNotFound
			}
			if _, err := conn.ExecContext(ctx, `
INSERT INTO messages (`+messageColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, messageArgs(m)...); err != nil {
				if isSQLiteConstraintError(err) {
					return ErrMessageExists
				}
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) prepareInsert(m Message) Message {
	if m.ID == uuid.Nil {
		m.ID = NewID()
	}
	now := s.nowFn()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.Status == "" {
		if !m.ScheduledAt.IsZero() && m.ScheduledAt.After(now) {
			m.Status = StatusScheduled
		} else {
			m.Status = StatusPending
		}
	}
	if m.Payload == nil {
		m.Payload = []byte{}
	}
	return m
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id uuid.UUID) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+messageColumns+` FROM messages WHERE id = ?;
`, id.String())
	return scanMessage(row)
}

func (s *SQLiteStore) LookupDeduplicationID(ctx context.Context, queueID uuid.UUID, dedupID string, since time.Time) (uuid.UUID, bool, error) {
	var idStr string
	err := s.db.QueryRowContext(ctx, `
SELECT id FROM messages
WHERE queue_id = ? AND deduplication_id = ? AND created_at >= ?
ORDER BY created_at ASC, id ASC
LIMIT 1;
`, queueID.String(), dedupID, since.UnixNano()).Scan(&idStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, false, err
	}
	return id, true, nil
}

func (s *SQLiteStore) Claim(ctx context.Context, req ClaimRequest) ([]Message, error) {
	var out []Message
	err := s.inTx(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `
SELECT `+queueColumns+` FROM queues WHERE id = ?;
`, req.QueueID.String())
		q, err := scanQueue(row)
		if err != nil {
			return err
		}
		if !q.AcceptsClaim() {
			return nil
		}

		now := req.Now
		if now.IsZero() {
			now = s.nowFn()
		}
		max := clampBatch(req.Max)

		timeout := req.VisibilityTimeout
		if timeout <= 0 {
			timeout = q.VisibilityTimeout
		}
		if timeout <= 0 {
			timeout = 30 * time.Second
		}

		// For fifo queues, over-select so group duplicates skipped in the
		// batch-local pass below still leave enough candidates.
		limit := max
		if q.FifoEnabled {
			limit = max * 4
		}

		query := `
SELECT ` + messageColumns + `
FROM messages m
WHERE m.queue_id = ?
  AND (
    (m.status = ? AND (m.scheduled_at IS NULL OR m.scheduled_at <= ?))
    OR (m.status = ? AND m.scheduled_at <= ?)
  )`
		args := []any{
			req.QueueID.String(),
			string(StatusPending), now.UnixNano(),
			string(StatusScheduled), now.UnixNano(),
		}
		if q.FifoEnabled {
			query += `
  AND NOT EXISTS (
    SELECT 1 FROM messages p
    WHERE p.queue_id = m.queue_id
      AND p.status = ?
      AND p.group_id = m.group_id
      AND p.group_id != ''
  )`
			args = append(args, string(StatusProcessing))
		}
		if q.PriorityEnabled {
			query += "\nORDER BY m.priority DESC, m.created_at ASC, m.id ASC LIMIT ?"
		} else {
			query += "\nORDER BY m.created_at ASC, m.id ASC LIMIT ?"
		}
		args = append(args, limit)

		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		candidates := make([]Message, 0, limit)
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, m)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		busyGroups := map[string]struct{}{}
		out = make([]Message, 0, max)
		for _, m := range candidates {
			if len(out) >= max {
				break
			}
			if q.FifoEnabled && m.GroupID != "" {
				if _, busy := busyGroups[m.GroupID]; busy {
					continue
				}
				busyGroups[m.GroupID] = struct{}{}
			}

			visibleUntil := now.Add(timeout)
			if _, err := conn.ExecContext(ctx, `
UPDATE messages
SET status = ?, claimed_by = ?, processing_started_at = ?, visibility_timeout_at = ?,
    attempt_count = attempt_count + 1
WHERE id = ? AND status = ?;
`,
				string(StatusProcessing),
				req.WorkerID.String(),
				now.UnixNano(),
				visibleUntil.UnixNano(),
				m.ID.String(),
				string(m.Status),
			); err != nil {
				return err
			}

			m.Status = StatusProcessing
			m.ClaimedBy = req.WorkerID
			m.ProcessingStartedAt = now.UTC()
			m.VisibilityTimeoutAt = visibleUntil.UTC()
			m.AttemptCount++
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// withClaim loads the message inside a write transaction and verifies it is
// still processing under workerID before running fn.
func (s *SQLiteStore) withClaim(ctx context.Context, msgID, workerID uuid.UUID, fn func(conn *sql.Conn, m Message) error) error {
	return s.inTx(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `
SELECT `+messageColumns+` FROM messages WHERE id = ?;
`, msgID.String())
		m, err := scanMessage(row)
		if err != nil {
			return err
		}
		if m.Status != StatusProcessing || m.ClaimedBy != workerID {
			return ErrNotClaimed
		}
		return fn(conn, m)
	})
}

func (s *SQLiteStore) Complete(ctx context.Context, msgID, workerID uuid.UUID, now time.Time) (Message, error) {
	if now.IsZero() {
		now = s.nowFn()
	}
	var out Message
	err := s.withClaim(ctx, msgID, workerID, func(conn *sql.Conn, m Message) error {
		if _, err := conn.ExecContext(ctx, `
UPDATE messages
SET status = ?, completed_at = ?, claimed_by = NULL, visibility_timeout_at = NULL
WHERE id = ?;
`, string(StatusCompleted), now.UnixNano(), msgID.String()); err != nil {
			return err
		}
		m.Status = StatusCompleted
		m.CompletedAt = now.UTC()
		m.ClaimedBy = uuid.Nil
		m.VisibilityTimeoutAt = time.Time{}
		out = m
		return nil
	})
	return out, err
}

func (s *SQLiteStore) Release(ctx context.Context, msgID, workerID uuid.UUID, nextVisibleAt time.Time, lastError string) (Message, error) {
	var out Message
	err := s.withClaim(ctx, msgID, workerID, func(conn *sql.Conn, m Message) error {
		if _, err := conn.ExecContext(ctx, `
UPDATE messages
SET status = ?, claimed_by = NULL, processing_started_at = NULL,
    visibility_timeout_at = NULL, scheduled_at = ?, last_error = ?
WHERE id = ?;
`, string(StatusPending), nanosArg(nextVisibleAt), nullStr(lastError), msgID.String()); err != nil {
			return err
		}
		m.Status = StatusPending
		m.ClaimedBy = uuid.Nil
		m.ProcessingStartedAt = time.Time{}
		m.VisibilityTimeoutAt = time.Time{}
		m.ScheduledAt = nextVisibleAt
		m.LastError = lastError
		out = m
		return nil
	})
	return out, err
}

func (s *SQLiteStore) DeadLetter(ctx context.Context, msgID, workerID uuid.UUID, terminal MessageStatus, reason string, dlq uuid.UUID, now time.Time) (Message, error) {
	if now.IsZero() {
		now = s.nowFn()
	}
	var out Message
	err := s.withClaim(ctx, msgID, workerID, func(conn *sql.Conn, m Message) error {
		if err := s.terminate(ctx, conn, &m, terminal, reason, dlq, now); err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

// terminate applies the shared terminal transition. When the dead letter
// target exists and accepts enqueues the message keeps its identity and
// moves queues; otherwise it parks in place under the terminal status.
func (s *SQLiteStore) terminate(ctx context.Context, conn *sql.Conn, m *Message, terminal MessageStatus, reason string, dlq uuid.UUID, now time.Time) error {
	move := false
	if dlq != uuid.Nil {
		row := conn.QueryRowContext(ctx, `
SELECT `+queueColumns+` FROM queues WHERE id = ?;
`, dlq.String())
		dq, err := scanQueue(row)
		if err == nil && dq.AcceptsEnqueue() {
			move = true
		} else if err != nil && !errors.Is(err, ErrQueueNotFound) {
			return err
		}
	}

	if move {
		if _, err := conn.ExecContext(ctx, `
UPDATE messages
SET queue_id = ?, origin_queue_id = ?, status = ?, attempt_count = 0,
    claimed_by = NULL, processing_started_at = NULL, visibility_timeout_at = NULL,
    scheduled_at = NULL, last_error = ?
WHERE id = ?;
`, dlq.String(), m.QueueID.String(), string(StatusPending), nullStr(reason), m.ID.String()); err != nil {
			return err
		}
		m.OriginQueueID = m.QueueID
		m.QueueID = dlq
		m.Status = StatusPending
		m.AttemptCount = 0
		m.ClaimedBy = uuid.Nil
		m.ProcessingStartedAt = time.Time{}
		m.VisibilityTimeoutAt = time.Time{}
		m.ScheduledAt = time.Time{}
		m.LastError = reason
		return nil
	}

	if _, err := conn.ExecContext(ctx, `
UPDATE messages
SET status = ?, completed_at = ?, claimed_by = NULL, processing_started_at = NULL,
    visibility_timeout_at = NULL, last_error = ?
WHERE id = ?;
`, string(terminal), now.UnixNano(), nullStr(reason), m.ID.String()); err != nil {
		return err
	}
	m.Status = terminal
	m.CompletedAt = now.UTC()
	m.ClaimedBy = uuid.Nil
	m.ProcessingStartedAt = time.Time{}
	m.VisibilityTimeoutAt = time.Time{}
	m.LastError = reason
	return nil
}

func (s *SQLiteStore) ExtendVisibility(ctx context.Context, msgID, workerID uuid.UUID, extendBy time.Duration) error {
	if extendBy <= 0 {
		return nil
	}
	return s.withClaim(ctx, msgID, workerID, func(conn *sql.Conn, m Message) error {
		newUntil := m.VisibilityTimeoutAt.Add(extendBy)
		_, err := conn.ExecContext(ctx, `
UPDATE messages SET visibility_timeout_at = ? WHERE id = ?;
`, newUntil.UnixNano(), msgID.String())
		return err
	})
}

func (s *SQLiteStore) ExpiredClaims(ctx context.Context, now time.Time, limit int) ([]Message, error) {
	if now.IsZero() {
		now = s.nowFn()
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+messageColumns+`
FROM messages
WHERE status = ? AND visibility_timeout_at IS NOT NULL AND visibility_timeout_at <= ?
ORDER BY visibility_timeout_at ASC
LIMIT ?;
`, string(StatusProcessing), now.UnixNano(), clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *SQLiteStore) ActivateScheduled(ctx context.Context, now time.Time) (int, error) {
	if now.IsZero() {
		now = s.nowFn()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE messages SET status = ? WHERE status = ? AND scheduled_at <= ?;
`, string(StatusPending), string(StatusScheduled), now.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) ExpiredTTL(ctx context.Context, now time.Time, limit int) ([]Message, error) {
	if now.IsZero() {
		now = s.nowFn()
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT m.id, m.queue_id, m.type, m.payload, m.priority, m.status, m.attempt_count, m.max_attempts,
m.created_at, m.scheduled_at, m.processing_started_at, m.completed_at, m.visibility_timeout_at,
m.deduplication_id, m.group_id, m.correlation_id, m.claimed_by, m.last_error, m.origin_queue_id
FROM messages m
JOIN queues q ON q.id = m.queue_id
WHERE m.status IN (?, ?)
  AND q.message_ttl > 0
  AND m.created_at + q.message_ttl <= ?
ORDER BY m.created_at ASC
LIMIT ?;
`, string(StatusPending), string(StatusScheduled), now.UnixNano(), clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *SQLiteStore) ExpireMessage(ctx context.Context, msgID uuid.UUID, reason string, dlq uuid.UUID, now time.Time) (Message, error) {
	if now.IsZero() {
		now = s.nowFn()
	}
	var out Message
	err := s.inTx(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `
SELECT `+messageColumns+` FROM messages WHERE id = ?;
`, msgID.String())
		m, err := scanMessage(row)
		if err != nil {
			return err
		}
		if m.Status != StatusPending && m.Status != StatusScheduled {
			return ErrConflict
		}
		if err := s.terminate(ctx, conn, &m, StatusDeadLetter, reason, dlq, now); err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

func (s *SQLiteStore) Requeue(ctx context.Context, msgID uuid.UUID, now time.Time) (Message, error) {
	var out Message
	err := s.inTx(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `
SELECT `+messageColumns+` FROM messages WHERE id = ?;
`, msgID.String())
		m, err := scanMessage(row)
		if err != nil {
			return err
		}
		if m.Status != StatusFailed && m.Status != StatusDeadLetter {
			return ErrConflict
		}
		if _, err := conn.ExecContext(ctx, `
UPDATE messages
SET status = ?, attempt_count = 0, claimed_by = NULL, scheduled_at = NULL,
    processing_started_at = NULL, completed_at = NULL, visibility_timeout_at = NULL
WHERE id = ?;
`, string(StatusPending), msgID.String()); err != nil {
			return err
		}
		m.Status = StatusPending
		m.AttemptCount = 0
		m.ClaimedBy = uuid.Nil
		m.ScheduledAt = time.Time{}
		m.ProcessingStartedAt = time.Time{}
		m.CompletedAt = time.Time{}
		m.VisibilityTimeoutAt = time.Time{}
		out = m
		return nil
	})
	return out, err
}

func (s *SQLiteStore) RequeueByStatus(ctx context.Context, queueID uuid.UUID, status MessageStatus, now time.Time) (int, error) {
	if status != StatusFailed && status != StatusDeadLetter {
		return 0, ErrConflict
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE messages
SET status = ?, attempt_count = 0, claimed_by = NULL, scheduled_at = NULL,
    processing_started_at = NULL, completed_at = NULL, visibility_timeout_at = NULL
WHERE queue_id = ? AND status = ?;
`, string(StatusPending), queueID.String(), string(status))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) CancelMessage(ctx context.Context, msgID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM messages WHERE id = ? AND status IN (?, ?);
`, msgID.String(), string(StatusPending), string(StatusScheduled))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) PurgeQueue(ctx context.Context, queueID uuid.UUID, status MessageStatus) (int, error) {
	query := `DELETE FROM messages WHERE queue_id = ?`
	args := []any{queueID.String()}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	} else {
		// An unscoped purge leaves in-flight rows for their ack or nack.
		query += ` AND status <> ?`
		args = append(args, string(StatusProcessing))
	}
	res, err := s.db.ExecContext(ctx, query+";", args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) ListMessages(ctx context.Context, f MessageFilter) ([]Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE 1=1`
	args := []any{}
	if f.QueueID != uuid.Nil {
		query += ` AND queue_id = ?`
		args = append(args, f.QueueID.String())
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	if f.GroupID != "" {
		query += ` AND group_id = ?`
		args = append(args, f.GroupID)
	}
	if f.CorrelationID != "" {
		query += ` AND correlation_id = ?`
		args = append(args, f.CorrelationID)
	}
	if !f.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, f.Until.UnixNano())
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, clampLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *SQLiteStore) Stats(ctx context.Context, queueID uuid.UUID) (QueueStats, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queues WHERE id = ?;`, queueID.String()).Scan(&exists); err != nil {
		return QueueStats{}, err
	}
	if exists == 0 {
		return QueueStats{}, ErrQueueNotFound
	}

	st := QueueStats{
		QueueID: queueID,
		ByStatus: map[MessageStatus]int{
			StatusPending:    0,
			StatusScheduled:  0,
			StatusProcessing: 0,
			StatusCompleted:  0,
			StatusFailed:     0,
			StatusDeadLetter: 0,
		},
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT status, COUNT(*) FROM messages WHERE queue_id = ? GROUP BY status;
`, queueID.String())
	if err != nil {
		return QueueStats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return QueueStats{}, err
		}
		st.ByStatus[MessageStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return QueueStats{}, err
	}

	var oldest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
SELECT MIN(created_at) FROM messages WHERE queue_id = ? AND status = ?;
`, queueID.String(), string(StatusPending)).Scan(&oldest); err != nil {
		return QueueStats{}, err
	}
	if oldest.Valid {
		st.OldestPendingAt = time.Unix(0, oldest.Int64).UTC()
	}

	st.Depth = st.ByStatus[StatusPending] + st.ByStatus[StatusScheduled] + st.ByStatus[StatusProcessing]
	return st, nil
}

func (s *SQLiteStore) RecordAttempt(ctx context.Context, a Attempt) error {
	if a.ID == uuid.Nil {
		a.ID = NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.nowFn()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO attempts (id, message_id, queue_id, handler, attempt_number, outcome, error, latency, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		a.ID.String(),
		a.MessageID.String(),
		a.QueueID.String(),
		a.Handler,
		a.AttemptNumber,
		string(a.Outcome),
		nullStr(a.Error),
		int64(a.Latency),
		a.CreatedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, f AttemptFilter) ([]Attempt, error) {
	query := `
SELECT id, message_id, queue_id, handler, attempt_number, outcome, error, latency, created_at
FROM attempts WHERE 1=1`
	args := []any{}
	if f.MessageID != uuid.Nil {
		query += ` AND message_id = ?`
		args = append(args, f.MessageID.String())
	}
	if f.QueueID != uuid.Nil {
		query += ` AND queue_id = ?`
		args = append(args, f.QueueID.String())
	}
	if f.Handler != "" {
		query += ` AND handler = ?`
		args = append(args, f.Handler)
	}
	if f.Outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, string(f.Outcome))
	}
	if !f.Before.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, f.Before.UnixNano())
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, clampLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Attempt, 0)
	for rows.Next() {
		var a Attempt
		var idStr, msgStr, queueStr, outcome string
		var errStr sql.NullString
		var latency, createdAt int64
		if err := rows.Scan(&idStr, &msgStr, &queueStr, &a.Handler, &a.AttemptNumber, &outcome, &errStr, &latency, &createdAt); err != nil {
			return nil, err
		}
		if a.ID, err = uuid.Parse(idStr); err != nil {
			return nil, err
		}
		if a.MessageID, err = uuid.Parse(msgStr); err != nil {
			return nil, err
		}
		if a.QueueID, err = uuid.Parse(queueStr); err != nil {
			return nil, err
		}
		a.Outcome = AttemptOutcome(outcome)
		if errStr.Valid {
			a.Error = errStr.String
		}
		a.Latency = time.Duration(latency)
		a.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueue(row rowScanner) (Queue, error) {
	var q Queue
	var idStr, state string
	var retryDelay, maxRetryDelay, visTimeout, messageTTL, dedupWindow int64
	var priorityEnabled, fifoEnabled, contentDedup int
	var dlqStr sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&idStr,
		&q.Name,
		&state,
		&q.MaxRetries,
		&retryDelay,
		&q.RetryMultiplier,
		&maxRetryDelay,
		&visTimeout,
		&messageTTL,
		&q.MaxQueueSize,
		&q.MaxMessageSize,
		&priorityEnabled,
		&fifoEnabled,
		&contentDedup,
		&dedupWindow,
		&q.RateLimitPerSecond,
		&dlqStr,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Queue{}, ErrQueueNotFound
		}
		return Queue{}, err
	}

	if q.ID, err = uuid.Parse(idStr); err != nil {
		return Queue{}, err
	}
	q.State = QueueState(state)
	q.RetryDelay = time.Duration(retryDelay)
	q.MaxRetryDelay = time.Duration(maxRetryDelay)
	q.VisibilityTimeout = time.Duration(visTimeout)
	q.MessageTTL = time.Duration(messageTTL)
	q.PriorityEnabled = priorityEnabled != 0
	q.FifoEnabled = fifoEnabled != 0
	q.ContentDeduplication = contentDedup != 0
	q.DeduplicationWindow = time.Duration(dedupWindow)
	if dlqStr.Valid {
		if q.DLQQueueID, err = uuid.Parse(dlqStr.String); err != nil {
			return Queue{}, err
		}
	}
	q.CreatedAt = time.Unix(0, createdAt).UTC()
	q.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return q, nil
}

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	var idStr, queueStr, status string
	var createdAt int64
	var scheduledAt, processingAt, completedAt, visibleAt sql.NullInt64
	var dedupID, groupID, correlationID, claimedBy, lastError, originQueue sql.NullString

	err := row.Scan(
		&idStr,
		&queueStr,
		&m.Type,
		&m.Payload,
		&m.Priority,
		&status,
		&m.AttemptCount,
		&m.MaxAttempts,
		&createdAt,
		&scheduledAt,
		&processingAt,
		&completedAt,
		&visibleAt,
		&dedupID,
		&groupID,
		&correlationID,
		&claimedBy,
		&lastError,
		&originQueue,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrMessageNotFound
		}
		return Message{}, err
	}

	if m.ID, err = uuid.Parse(idStr); err != nil {
		return Message{}, err
	}
	if m.QueueID, err = uuid.Parse(queueStr); err != nil {
		return Message{}, err
	}
	m.Status = MessageStatus(status)
	m.CreatedAt = time.Unix(0, createdAt).UTC()
	m.ScheduledAt = fromNanos(scheduledAt)
	m.ProcessingStartedAt = fromNanos(processingAt)
	m.CompletedAt = fromNanos(completedAt)
	m.VisibilityTimeoutAt = fromNanos(visibleAt)
	if dedupID.Valid {
		m.DeduplicationID = dedupID.String
	}
	if groupID.Valid {
		m.GroupID = groupID.String
	}
	if correlationID.Valid {
		m.CorrelationID = correlationID.String
	}
	if claimedBy.Valid && claimedBy.String != "" {
		if m.ClaimedBy, err = uuid.Parse(claimedBy.String); err != nil {
			return Message{}, err
		}
	}
	if lastError.Valid {
		m.LastError = lastError.String
	}
	if originQueue.Valid && originQueue.String != "" {
		if m.OriginQueueID, err = uuid.Parse(originQueue.String); err != nil {
			return Message{}, err
		}
	}
	return m, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	out := make([]Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func queueArgs(q Queue) []any {
	return []any{
		q.ID.String(),
		q.Name,
		string(q.State),
		q.MaxRetries,
		int64(q.RetryDelay),
		q.RetryMultiplier,
		int64(q.MaxRetryDelay),
		int64(q.VisibilityTimeout),
		int64(q.MessageTTL),
		q.MaxQueueSize,
		q.MaxMessageSize,
		boolInt(q.PriorityEnabled),
		boolInt(q.FifoEnabled),
		boolInt(q.ContentDeduplication),
		int64(q.DeduplicationWindow),
		q.RateLimitPerSecond,
		uuidArg(q.DLQQueueID),
		q.CreatedAt.UnixNano(),
		q.UpdatedAt.UnixNano(),
	}
}

func messageArgs(m Message) []any {
	return []any{
		m.ID.String(),
		m.QueueID.String(),
		m.Type,
		m.Payload,
		m.Priority,
		string(m.Status),
		m.AttemptCount,
		m.MaxAttempts,
		m.CreatedAt.UnixNano(),
		nanosArg(m.ScheduledAt),
		nanosArg(m.ProcessingStartedAt),
		nanosArg(m.CompletedAt),
		nanosArg(m.VisibilityTimeoutAt),
		nullStr(m.DeduplicationID),
		nullStr(m.GroupID),
		nullStr(m.CorrelationID),
		uuidArg(m.ClaimedBy),
		nullStr(m.LastError),
		uuidArg(m.OriginQueueID),
	}
}

func nanosArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64).UTC()
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func uuidArg(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id.String()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func isSQLiteConstraintError(err error) bool {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended sqlite result codes include base code in the lower 8 bits.
	const sqliteConstraintBase = 19
	return sqliteErr.Code()&0xff == sqliteConstraintBase
}
