package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS queues (
  id                    TEXT PRIMARY KEY,
  name                  TEXT NOT NULL UNIQUE,
  state                 TEXT NOT NULL,
  max_retries           INTEGER NOT NULL,
  retry_delay           BIGINT NOT NULL,
  retry_multiplier      DOUBLE PRECISION NOT NULL,
  max_retry_delay       BIGINT NOT NULL,
  visibility_timeout    BIGINT NOT NULL,
  message_ttl           BIGINT NOT NULL,
  max_queue_size        INTEGER NOT NULL,
  max_message_size      INTEGER NOT NULL,
  priority_enabled      BOOLEAN NOT NULL,
  fifo_enabled          BOOLEAN NOT NULL,
  content_deduplication BOOLEAN NOT NULL,
  deduplication_window  BIGINT NOT NULL,
  rate_limit_per_second DOUBLE PRECISION NOT NULL,
  dlq_queue_id          TEXT,
  created_at            TIMESTAMPTZ NOT NULL,
  updated_at            TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
  id                    TEXT PRIMARY KEY,
  queue_id              TEXT NOT NULL,
  type                  TEXT NOT NULL,
  payload               BYTEA NOT NULL,
  priority              INTEGER NOT NULL,
  status                TEXT NOT NULL,
  attempt_count         INTEGER NOT NULL,
  max_attempts          INTEGER NOT NULL,
  created_at            TIMESTAMPTZ NOT NULL,
  scheduled_at          TIMESTAMPTZ,
  processing_started_at TIMESTAMPTZ,
  completed_at          TIMESTAMPTZ,
  visibility_timeout_at TIMESTAMPTZ,
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
  latency        BIGINT NOT NULL,
  created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_message
  ON attempts(message_id, created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_attempts_queue
  ON attempts(queue_id, created_at DESC, id DESC);
`

type PostgresOption func(*PostgresStore)

func WithPostgresNowFunc(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// PostgresStore backs the engine with a shared Postgres database. Claims use
// FOR UPDATE SKIP LOCKED, so concurrent claimants never block on each other
// and never observe the same candidate row.
type PostgresStore struct {
	db    *sql.DB
	nowFn func() time.Time
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &PostgresStore{
		db:    db,
		nowFn: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := s.db.ExecContext(context.Background(), postgresSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) CreateQueue(ctx context.Context, q Queue) error {
	if q.ID == uuid.Nil {
		q.ID = NewID()
	}
	now := s.nowFn().UTC()
	if q.State == "" {
		q.State = QueueActive
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	q.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
INSERT INTO queues (`+queueColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
`, pgQueueArgs(q)...)
	return mapPostgresError(err, ErrQueueExists)
}

func (s *PostgresStore) GetQueue(ctx context.Context, id uuid.UUID) (Queue, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+queueColumns+` FROM queues WHERE id = $1
`, id.String())
	return pgScanQueue(row)
}

func (s *PostgresStore) GetQueueByName(ctx context.Context, name string) (Queue, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+queueColumns+` FROM queues WHERE name = $1
`, strings.TrimSpace(name))
	return pgScanQueue(row)
}

func (s *PostgresStore) UpdateQueue(ctx context.Context, q Queue) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE queues SET
  name = $1, state = $2, max_retries = $3, retry_delay = $4, retry_multiplier = $5,
  max_retry_delay = $6, visibility_timeout = $7, message_ttl = $8, max_queue_size = $9,
  max_message_size = $10, priority_enabled = $11, fifo_enabled = $12, content_deduplication = $13,
  deduplication_window = $14, rate_limit_per_second = $15, dlq_queue_id = $16, updated_at = $17
WHERE id = $18
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
		q.PriorityEnabled,
		q.FifoEnabled,
		q.ContentDeduplication,
		int64(q.DeduplicationWindow),
		q.RateLimitPerSecond,
		uuidArg(q.DLQQueueID),
		s.nowFn().UTC(),
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

func (s *PostgresStore) SetQueueState(ctx context.Context, id uuid.UUID, state QueueState) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE queues SET state = $1, updated_at = $2 WHERE id = $3
`, string(state), s.nowFn().UTC(), id.String())
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

func (s *PostgresStore) DeleteQueue(ctx context.Context, id uuid.UUID, force bool) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM queues WHERE id = $1`, id.String()).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrQueueNotFound
		}

		if !force {
			var inflight int
			if err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM messages WHERE queue_id = $1 AND status = $2
`, id.String(), string(StatusProcessing)).Scan(&inflight); err != nil {
				return err
			}
			if inflight > 0 {
				return ErrQueueNotEmpty
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE queue_id = $1`, id.String()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM queues WHERE id = $1`, id.String())
		return err
	})
}

func (s *PostgresStore) ListQueues(ctx context.Context) ([]Queue, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+queueColumns+` FROM queues ORDER BY name ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Queue, 0)
	for rows.Next() {
		q, err := pgScanQueue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *PostgresStore) QueueDepth(ctx context.Context, id uuid.UUID) (int, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queues WHERE id = $1`, id.String()).Scan(&exists); err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, ErrQueueNotFound
	}

	var depth int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM messages
WHERE queue_id = $1 AND status IN ($2, $3, $4)
`, id.String(), string(StatusPending), string(StatusScheduled), string(StatusProcessing)).Scan(&depth)
	return depth, err
}

func (s *PostgresStore) InsertMessage(ctx context.Context, m Message) error {
	m = s.prepareInsertPG(m)
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queues WHERE id = $1`, m.QueueID.String()).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrQueueNotFound
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO messages (`+messageColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
`, pgMessageArgs(m)...)
	return mapPostgresError(err, ErrMessageExists)
}

func (s *PostgresStore) InsertMessages(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	prepared := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		prepared = append(prepared, s.prepareInsertPG(m))
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, m := range prepared {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM queues WHERE id = $1`, m.QueueID.String()).Scan(&exists); err != nil {
				return err
			}
			if exists == 0 {
				return ErrQueueNotFound
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO messages (`+messageColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
`, pgMessageArgs(m)...); err != nil {
				return mapPostgresError(err, ErrMessageExists)
			}
		}
		return nil
	})
}

func (s *PostgresStore) prepareInsertPG(m Message) Message {
	if m.ID == uuid.Nil {
		m.ID = NewID()
	}
	now := s.nowFn().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.CreatedAt = m.CreatedAt.UTC()
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

func (s *PostgresStore) GetMessage(ctx context.Context, id uuid.UUID) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+messageColumns+` FROM messages WHERE id = $1
`, id.String())
	return pgScanMessage(row)
}

func (s *PostgresStore) LookupDeduplicationID(ctx context.Context, queueID uuid.UUID, dedupID string, since time.Time) (uuid.UUID, bool, error) {
	var idStr string
	err := s.db.QueryRowContext(ctx, `
SELECT id FROM messages
WHERE queue_id = $1 AND deduplication_id = $2 AND created_at >= $3
ORDER BY created_at ASC, id ASC
LIMIT 1
`, queueID.String(), dedupID, since.UTC()).Scan(&idStr)
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

func (s *PostgresStore) Claim(ctx context.Context, req ClaimRequest) ([]Message, error) {
	var out []Message
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
SELECT `+queueColumns+` FROM queues WHERE id = $1
`, req.QueueID.String())
		q, err := pgScanQueue(row)
		if err != nil {
			return err
		}
		if !q.AcceptsClaim() {
			return nil
		}

		if q.FifoEnabled {
			// Fifo claims serialize on a queue-scoped advisory lock. The
			// group exclusion subquery below runs under READ COMMITTED and
			// cannot see another transaction's uncommitted claims, while
			// SKIP LOCKED silently passes over the locked rows; without the
			// lock two claimers could put one group's messages in flight
			// twice.
			if _, err := tx.ExecContext(ctx,
				`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
				req.QueueID.String(),
			); err != nil {
				return err
			}
		}

		now := req.Now
		if now.IsZero() {
			now = s.nowFn()
		}
		now = now.UTC()
		max := clampBatch(req.Max)

		timeout := req.VisibilityTimeout
		if timeout <= 0 {
			timeout = q.VisibilityTimeout
		}
		if timeout <= 0 {
			timeout = 30 * time.Second
		}

		// Over-select for fifo queues so group duplicates dropped in the
		// batch-local pass still leave enough candidates.
		limit := max
		if q.FifoEnabled {
			limit = max * 4
		}

		query := `
SELECT ` + messageColumns + `
FROM messages m
WHERE m.queue_id = $1
  AND (
    (m.status = $2 AND (m.scheduled_at IS NULL OR m.scheduled_at <= $3))
    OR (m.status = $4 AND m.scheduled_at <= $3)
  )`
		args := []any{
			req.QueueID.String(),
			string(StatusPending), now,
			string(StatusScheduled),
		}
		if q.FifoEnabled {
			query += `
  AND NOT EXISTS (
    SELECT 1 FROM messages p
    WHERE p.queue_id = m.queue_id
      AND p.status = $5
      AND p.group_id = m.group_id
      AND p.group_id IS NOT NULL
  )`
			args = append(args, string(StatusProcessing))
		}
		if q.PriorityEnabled {
			query += "\nORDER BY m.priority DESC, m.created_at ASC, m.id ASC"
		} else {
			query += "\nORDER BY m.created_at ASC, m.id ASC"
		}
		if q.FifoEnabled {
			query += "\nLIMIT $6 FOR UPDATE SKIP LOCKED"
		} else {
			query += "\nLIMIT $5 FOR UPDATE SKIP LOCKED"
		}
		args = append(args, limit)

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		candidates := make([]Message, 0, limit)
		for rows.Next() {
			m, err := pgScanMessage(rows)
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
			if _, err := tx.ExecContext(ctx, `
UPDATE messages
SET status = $1, claimed_by = $2, processing_started_at = $3, visibility_timeout_at = $4,
    attempt_count = attempt_count + 1
WHERE id = $5
`,
				string(StatusProcessing),
				req.WorkerID.String(),
				now,
				visibleUntil,
				m.ID.String(),
			); err != nil {
				return err
			}

			m.Status = StatusProcessing
			m.ClaimedBy = req.WorkerID
			m.ProcessingStartedAt = now
			m.VisibilityTimeoutAt = visibleUntil
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

// withClaim locks the message row and verifies it is still processing under
// workerID before running fn.
func (s *PostgresStore) withClaim(ctx context.Context, msgID, workerID uuid.UUID, fn func(tx *sql.Tx, m Message) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE
`, msgID.String())
		m, err := pgScanMessage(row)
		if err != nil {
			return err
		}
		if m.Status != StatusProcessing || m.ClaimedBy != workerID {
			return ErrNotClaimed
		}
		return fn(tx, m)
	})
}

func (s *PostgresStore) Complete(ctx context.Context, msgID, workerID uuid.UUID, now time.Time) (Message, error) {
	if now.IsZero() {
		now = s.nowFn()
	}
	now = now.UTC()
	var out Message
	err := s.withClaim(ctx, msgID, workerID, func(tx *sql.Tx, m Message) error {
		if _, err := tx.ExecContext(ctx, `
UPDATE messages
SET status = $1, completed_at = $2, claimed_by = NULL, visibility_timeout_at = NULL
WHERE id = $3
`, string(StatusCompleted), now, msgID.String()); err != nil {
			return err
		}
		m.Status = StatusCompleted
		m.CompletedAt = now
		m.ClaimedBy = uuid.Nil
		m.VisibilityTimeoutAt = time.Time{}
		out = m
		return nil
	})
	return out, err
}

func (s *PostgresStore) Release(ctx context.Context, msgID, workerID uuid.UUID, nextVisibleAt time.Time, lastError string) (Message, error) {
	var out Message
	err := s.withClaim(ctx, msgID, workerID, func(tx *sql.Tx, m Message) error {
		if _, err := tx.ExecContext(ctx, `
UPDATE messages
SET status = $1, claimed_by = NULL, processing_started_at = NULL,
    visibility_timeout_at = NULL, scheduled_at = $2, last_error = $3
WHERE id = $4
`, string(StatusPending), pgTimeArg(nextVisibleAt), nullStr(lastError), msgID.String()); err != nil {
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

func (s *PostgresStore) DeadLetter(ctx context.Context, msgID, workerID uuid.UUID, terminal MessageStatus, reason string, dlq uuid.UUID, now time.Time) (Message, error) {
	if now.IsZero() {
		now = s.nowFn()
	}
	now = now.UTC()
	var out Message
	err := s.withClaim(ctx, msgID, workerID, func(tx *sql.Tx, m Message) error {
		if err := s.terminatePG(ctx, tx, &m, terminal, reason, dlq, now); err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

func (s *PostgresStore) terminatePG(ctx context.Context, tx *sql.Tx, m *Message, terminal MessageStatus, reason string, dlq uuid.UUID, now time.Time) error {
	move := false
	if dlq != uuid.Nil {
		row := tx.QueryRowContext(ctx, `
SELECT `+queueColumns+` FROM queues WHERE id = $1
`, dlq.String())
		dq, err := pgScanQueue(row)
		if err == nil && dq.AcceptsEnqueue() {
			move = true
		} else if err != nil && !errors.Is(err, ErrQueueNotFound) {
			return err
		}
	}

	if move {
		if _, err := tx.ExecContext(ctx, `
UPDATE messages
SET queue_id = $1, origin_queue_id = $2, status = $3, attempt_count = 0,
    claimed_by = NULL, processing_started_at = NULL, visibility_timeout_at = NULL,
    scheduled_at = NULL, last_error = $4
WHERE id = $5
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

	if _, err := tx.ExecContext(ctx, `
UPDATE messages
SET status = $1, completed_at = $2, claimed_by = NULL, processing_started_at = NULL,
    visibility_timeout_at = NULL, last_error = $3
WHERE id = $4
`, string(terminal), now, nullStr(reason), m.ID.String()); err != nil {
		return err
	}
	m.Status = terminal
	m.CompletedAt = now
	m.ClaimedBy = uuid.Nil
	m.ProcessingStartedAt = time.Time{}
	m.VisibilityTimeoutAt = time.Time{}
	m.LastError = reason
	return nil
}

func (s *PostgresStore) ExtendVisibility(ctx context.Context, msgID, workerID uuid.UUID, extendBy time.Duration) error {
	if extendBy <= 0 {
		return nil
	}
	return s.withClaim(ctx, msgID, workerID, func(tx *sql.Tx, m Message) error {
		newUntil := m.VisibilityTimeoutAt.Add(extendBy)
		_, err := tx.ExecContext(ctx, `
UPDATE messages SET visibility_timeout_at = $1 WHERE id = $2
`, newUntil.UTC(), msgID.String())
		return err
	})
}

func (s *PostgresStore) ExpiredClaims(ctx context.Context, now time.Time, limit int) ([]Message, error) {
	if now.IsZero() {
		now = s.nowFn()
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+messageColumns+`
FROM messages
WHERE status = $1 AND visibility_timeout_at IS NOT NULL AND visibility_timeout_at <= $2
ORDER BY visibility_timeout_at ASC
LIMIT $3
`, string(StatusProcessing), now.UTC(), clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return pgCollectMessages(rows)
}

func (s *PostgresStore) ActivateScheduled(ctx context.Context, now time.Time) (int, error) {
	if now.IsZero() {
		now = s.nowFn()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE messages SET status = $1 WHERE status = $2 AND scheduled_at <= $3
`, string(StatusPending), string(StatusScheduled), now.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) ExpiredTTL(ctx context.Context, now time.Time, limit int) ([]Message, error) {
	if now.IsZero() {
		now = s.nowFn()
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT m.id, m.queue_id, m.type, m.payload, m.priority, m.status, m.attempt_count, m.max_attempts,
m.created_at, m.scheduled_at, m.processing_started_at, m.completed_at, m.visibility_timeout_at,
m.deduplication_id, m.group_id, m.correlation_id, m.claimed_by, m.last_error, m.origin_queue_id
FROM messages m
JOIN queues q ON q.id = m.queue_id
WHERE m.status IN ($1, $2)
  AND q.message_ttl > 0
  AND m.created_at + make_interval(secs => q.message_ttl / 1e9) <= $3
ORDER BY m.created_at ASC
LIMIT $4
`, string(StatusPending), string(StatusScheduled), now.UTC(), clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return pgCollectMessages(rows)
}

func (s *PostgresStore) ExpireMessage(ctx context.Context, msgID uuid.UUID, reason string, dlq uuid.UUID, now time.Time) (Message, error) {
	if now.IsZero() {
		now = s.nowFn()
	}
	now = now.UTC()
	var out Message
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE
`, msgID.String())
		m, err := pgScanMessage(row)
		if err != nil {
			return err
		}
		if m.Status != StatusPending && m.Status != StatusScheduled {
			return ErrConflict
		}
		if err := s.terminatePG(ctx, tx, &m, StatusDeadLetter, reason, dlq, now); err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

func (s *PostgresStore) Requeue(ctx context.Context, msgID uuid.UUID, now time.Time) (Message, error) {
	var out Message
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE
`, msgID.String())
		m, err := pgScanMessage(row)
		if err != nil {
			return err
		}
		if m.Status != StatusFailed && m.Status != StatusDeadLetter {
			return ErrConflict
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE messages
SET status = $1, attempt_count = 0, claimed_by = NULL, scheduled_at = NULL,
    processing_started_at = NULL, completed_at = NULL, visibility_timeout_at = NULL
WHERE id = $2
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

func (s *PostgresStore) RequeueByStatus(ctx context.Context, queueID uuid.UUID, status MessageStatus, now time.Time) (int, error) {
	if status != StatusFailed && status != StatusDeadLetter {
		return 0, ErrConflict
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE messages
SET status = $1, attempt_count = 0, claimed_by = NULL, scheduled_at = NULL,
    processing_started_at = NULL, completed_at = NULL, visibility_timeout_at = NULL
WHERE queue_id = $2 AND status = $3
`, string(StatusPending), queueID.String(), string(status))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) CancelMessage(ctx context.Context, msgID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM messages WHERE id = $1 AND status IN ($2, $3)
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

func (s *PostgresStore) PurgeQueue(ctx context.Context, queueID uuid.UUID, status MessageStatus) (int, error) {
	query := `DELETE FROM messages WHERE queue_id = $1`
	args := []any{queueID.String()}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	} else {
		// An unscoped purge leaves in-flight rows for their ack or nack.
		query += ` AND status <> $2`
		args = append(args, string(StatusProcessing))
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) ListMessages(ctx context.Context, f MessageFilter) ([]Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE TRUE`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.QueueID != uuid.Nil {
		query += ` AND queue_id = ` + arg(f.QueueID.String())
	}
	if f.Status != "" {
		query += ` AND status = ` + arg(string(f.Status))
	}
	if f.Type != "" {
		query += ` AND type = ` + arg(f.Type)
	}
	if f.GroupID != "" {
		query += ` AND group_id = ` + arg(f.GroupID)
	}
	if f.CorrelationID != "" {
		query += ` AND correlation_id = ` + arg(f.CorrelationID)
	}
	if !f.Since.IsZero() {
		query += ` AND created_at >= ` + arg(f.Since.UTC())
	}
	if !f.Until.IsZero() {
		query += ` AND created_at < ` + arg(f.Until.UTC())
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ` + arg(clampLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return pgCollectMessages(rows)
}

func (s *PostgresStore) Stats(ctx context.Context, queueID uuid.UUID) (QueueStats, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queues WHERE id = $1`, queueID.String()).Scan(&exists); err != nil {
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
SELECT status, COUNT(*) FROM messages WHERE queue_id = $1 GROUP BY status
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

	var oldest sql.NullTime
	if err := s.db.QueryRowContext(ctx, `
SELECT MIN(created_at) FROM messages WHERE queue_id = $1 AND status = $2
`, queueID.String(), string(StatusPending)).Scan(&oldest); err != nil {
		return QueueStats{}, err
	}
	if oldest.Valid {
		st.OldestPendingAt = oldest.Time.UTC()
	}

	st.Depth = st.ByStatus[StatusPending] + st.ByStatus[StatusScheduled] + st.ByStatus[StatusProcessing]
	return st, nil
}

func (s *PostgresStore) RecordAttempt(ctx context.Context, a Attempt) error {
	if a.ID == uuid.Nil {
		a.ID = NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.nowFn()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO attempts (id, message_id, queue_id, handler, attempt_number, outcome, error, latency, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`,
		a.ID.String(),
		a.MessageID.String(),
		a.QueueID.String(),
		a.Handler,
		a.AttemptNumber,
		string(a.Outcome),
		nullStr(a.Error),
		int64(a.Latency),
		a.CreatedAt.UTC(),
	)
	return err
}

func (s *PostgresStore) ListAttempts(ctx context.Context, f AttemptFilter) ([]Attempt, error) {
	query := `
SELECT id, message_id, queue_id, handler, attempt_number, outcome, error, latency, created_at
FROM attempts WHERE TRUE`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.MessageID != uuid.Nil {
		query += ` AND message_id = ` + arg(f.MessageID.String())
	}
	if f.QueueID != uuid.Nil {
		query += ` AND queue_id = ` + arg(f.QueueID.String())
	}
	if f.Handler != "" {
		query += ` AND handler = ` + arg(f.Handler)
	}
	if f.Outcome != "" {
		query += ` AND outcome = ` + arg(string(f.Outcome))
	}
	if !f.Before.IsZero() {
		query += ` AND created_at < ` + arg(f.Before.UTC())
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ` + arg(clampLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Attempt, 0)
	for rows.Next() {
		var a Attempt
		var idStr, msgStr, queueStr, outcome string
		var errStr sql.NullString
		var latency int64
		var createdAt time.Time
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
		a.CreatedAt = createdAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func pgScanQueue(row rowScanner) (Queue, error) {
	var q Queue
	var idStr, state string
	var retryDelay, maxRetryDelay, visTimeout, messageTTL, dedupWindow int64
	var dlqStr sql.NullString
	var createdAt, updatedAt time.Time

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
		&q.PriorityEnabled,
		&q.FifoEnabled,
		&q.ContentDeduplication,
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
	q.DeduplicationWindow = time.Duration(dedupWindow)
	if dlqStr.Valid {
		if q.DLQQueueID, err = uuid.Parse(dlqStr.String); err != nil {
			return Queue{}, err
		}
	}
	q.CreatedAt = createdAt.UTC()
	q.UpdatedAt = updatedAt.UTC()
	return q, nil
}

func pgScanMessage(row rowScanner) (Message, error) {
	var m Message
	var idStr, queueStr, status string
	var createdAt time.Time
	var scheduledAt, processingAt, completedAt, visibleAt sql.NullTime
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
	m.CreatedAt = createdAt.UTC()
	m.ScheduledAt = pgTime(scheduledAt)
	m.ProcessingStartedAt = pgTime(processingAt)
	m.CompletedAt = pgTime(completedAt)
	m.VisibilityTimeoutAt = pgTime(visibleAt)
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

func pgCollectMessages(rows *sql.Rows) ([]Message, error) {
	out := make([]Message, 0)
	for rows.Next() {
		m, err := pgScanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func pgQueueArgs(q Queue) []any {
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
		q.PriorityEnabled,
		q.FifoEnabled,
		q.ContentDeduplication,
		int64(q.DeduplicationWindow),
		q.RateLimitPerSecond,
		uuidArg(q.DLQQueueID),
		q.CreatedAt.UTC(),
		q.UpdatedAt.UTC(),
	}
}

func pgMessageArgs(m Message) []any {
	return []any{
		m.ID.String(),
		m.QueueID.String(),
		m.Type,
		m.Payload,
		m.Priority,
		string(m.Status),
		m.AttemptCount,
		m.MaxAttempts,
		m.CreatedAt.UTC(),
		pgTimeArg(m.ScheduledAt),
		pgTimeArg(m.ProcessingStartedAt),
		pgTimeArg(m.CompletedAt),
		pgTimeArg(m.VisibilityTimeoutAt),
		nullStr(m.DeduplicationID),
		nullStr(m.GroupID),
		nullStr(m.CorrelationID),
		uuidArg(m.ClaimedBy),
		nullStr(m.LastError),
		uuidArg(m.OriginQueueID),
	}
}

func pgTimeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func pgTime(v sql.NullTime) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return v.Time.UTC()
}

func mapPostgresError(err error, conflict error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return conflict
	}
	return err
}
