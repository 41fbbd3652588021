// Package store defines the durable store contract the queue engine runs on,
// plus the memory, SQLite, and Postgres implementations. All mutual exclusion
// between concurrent claimants lives here: a claim is an atomic
// compare-and-swap on message status, and every ownership-sensitive
// transition carries a (message, claimant, status) precondition.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type QueueState string

const (
	QueueActive   QueueState = "active"
	QueuePaused   QueueState = "paused"
	QueueDraining QueueState = "draining"
	QueueDisabled QueueState = "disabled"
)

type MessageStatus string

const (
	StatusPending    MessageStatus = "pending"
	StatusScheduled  MessageStatus = "scheduled"
	StatusProcessing MessageStatus = "processing"
	StatusCompleted  MessageStatus = "completed"
	StatusFailed     MessageStatus = "failed"
	StatusDeadLetter MessageStatus = "dead_letter"
)

type AttemptOutcome string

const (
	OutcomeCompleted  AttemptOutcome = "completed"
	OutcomeRetried    AttemptOutcome = "retried"
	OutcomeDeadLetter AttemptOutcome = "dead_letter"
	OutcomeFailed     AttemptOutcome = "failed"
	OutcomeExpired    AttemptOutcome = "expired"
)

var (
	ErrQueueNotFound   = errors.New("queue not found")
	ErrQueueExists     = errors.New("queue already exists")
	ErrMessageNotFound = errors.New("message not found")
	ErrMessageExists   = errors.New("message already exists")
	ErrQueueFull       = errors.New("queue full")
	ErrNotClaimed      = errors.New("message not claimed by caller")
	ErrQueueNotEmpty   = errors.New("queue has in-flight messages")
	ErrConflict        = errors.New("store conflict")
)

// Queue holds queue identity and mutable configuration. A zero duration or
// count means "engine default".
type Queue struct {
	ID                   uuid.UUID
	Name                 string
	State                QueueState
	MaxRetries           int
	RetryDelay           time.Duration
	RetryMultiplier      float64
	MaxRetryDelay        time.Duration
	VisibilityTimeout    time.Duration
	MessageTTL           time.Duration
	MaxQueueSize         int
	MaxMessageSize       int
	PriorityEnabled      bool
	FifoEnabled          bool
	ContentDeduplication bool
	DeduplicationWindow  time.Duration
	RateLimitPerSecond   float64
	DLQQueueID           uuid.UUID
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// HasDLQ reports whether a dead-letter target queue is configured.
func (q Queue) HasDLQ() bool { return q.DLQQueueID != uuid.Nil }

// AcceptsEnqueue reports whether new messages may enter the queue.
func (q Queue) AcceptsEnqueue() bool {
	return q.State == QueueActive || q.State == QueuePaused
}

// AcceptsClaim reports whether existing messages may be claimed.
func (q Queue) AcceptsClaim() bool {
	return q.State == QueueActive || q.State == QueueDraining
}

type Message struct {
	ID                  uuid.UUID
	QueueID             uuid.UUID
	Type                string
	Payload             []byte
	Priority            int
	Status              MessageStatus
	AttemptCount        int
	MaxAttempts         int
	CreatedAt           time.Time
	ScheduledAt         time.Time
	ProcessingStartedAt time.Time
	CompletedAt         time.Time
	VisibilityTimeoutAt time.Time
	DeduplicationID     string
	GroupID             string
	CorrelationID       string
	ClaimedBy           uuid.UUID
	LastError           string
	// OriginQueueID is set when the message was re-targeted to a DLQ and
	// records the queue it failed in.
	OriginQueueID uuid.UUID
}

// Terminal reports whether the message reached a final state.
func (m Message) Terminal() bool {
	switch m.Status {
	case StatusCompleted, StatusFailed, StatusDeadLetter:
		return true
	}
	return false
}

// ClaimRequest selects eligible messages for one queue. Eligibility, ordering
// (priority vs fifo), and the group in-flight exclusion are applied by the
// store inside the same atomic step as the status transition.
type ClaimRequest struct {
	QueueID           uuid.UUID
	WorkerID          uuid.UUID
	Max               int
	VisibilityTimeout time.Duration
	Now               time.Time
}

type Attempt struct {
	ID            uuid.UUID
	MessageID     uuid.UUID
	QueueID       uuid.UUID
	Handler       string
	AttemptNumber int
	Outcome       AttemptOutcome
	Error         string
	Latency       time.Duration
	CreatedAt     time.Time
}

type MessageFilter struct {
	QueueID       uuid.UUID
	Status        MessageStatus
	Type          string
	GroupID       string
	CorrelationID string
	Since         time.Time
	Until         time.Time
	Limit         int
}

type AttemptFilter struct {
	MessageID uuid.UUID
	QueueID   uuid.UUID
	Handler   string
	Outcome   AttemptOutcome
	Before    time.Time
	Limit     int
}

type QueueStats struct {
	QueueID         uuid.UUID
	ByStatus        map[MessageStatus]int
	Depth           int
	OldestPendingAt time.Time
}

// Store is the durable-store collaborator. Implementations must make Claim
// exclusive: concurrent calls never hand the same message to two workers.
type Store interface {
	CreateQueue(ctx context.Context, q Queue) error
	GetQueue(ctx context.Context, id uuid.UUID) (Queue, error)
	GetQueueByName(ctx context.Context, name string) (Queue, error)
	UpdateQueue(ctx context.Context, q Queue) error
	SetQueueState(ctx context.Context, id uuid.UUID, state QueueState) error
	DeleteQueue(ctx context.Context, id uuid.UUID, force bool) error
	ListQueues(ctx context.Context) ([]Queue, error)
	// QueueDepth counts pending, scheduled, and processing messages.
	QueueDepth(ctx context.Context, id uuid.UUID) (int, error)

	InsertMessage(ctx context.Context, m Message) error
	// InsertMessages is transactional: all rows commit or none do.
	InsertMessages(ctx context.Context, msgs []Message) error
	GetMessage(ctx context.Context, id uuid.UUID) (Message, error)
	LookupDeduplicationID(ctx context.Context, queueID uuid.UUID, dedupID string, since time.Time) (uuid.UUID, bool, error)

	Claim(ctx context.Context, req ClaimRequest) ([]Message, error)
	Complete(ctx context.Context, msgID, workerID uuid.UUID, now time.Time) (Message, error)
	Release(ctx context.Context, msgID, workerID uuid.UUID, nextVisibleAt time.Time, lastError string) (Message, error)
	// DeadLetter terminates a processing message. With a dlq target the
	// message is re-targeted to that queue as pending (identity preserved,
	// attempt count reset, last error carried); without one it stays in
	// place under the given terminal status.
	DeadLetter(ctx context.Context, msgID, workerID uuid.UUID, terminal MessageStatus, reason string, dlq uuid.UUID, now time.Time) (Message, error)
	ExtendVisibility(ctx context.Context, msgID, workerID uuid.UUID, extendBy time.Duration) error

	// ExpiredClaims returns processing messages whose visibility timeout
	// passed without ack or nack. The rows are returned untouched; the
	// caller routes them through the regular failure path.
	ExpiredClaims(ctx context.Context, now time.Time, limit int) ([]Message, error)
	ActivateScheduled(ctx context.Context, now time.Time) (int, error)
	// ExpiredTTL returns pending/scheduled messages older than their
	// queue's message TTL.
	ExpiredTTL(ctx context.Context, now time.Time, limit int) ([]Message, error)
	// ExpireMessage terminates a pending/scheduled message (TTL path).
	ExpireMessage(ctx context.Context, msgID uuid.UUID, reason string, dlq uuid.UUID, now time.Time) (Message, error)

	// Requeue resurrects a failed or dead-lettered message as pending with
	// a fresh attempt budget.
	Requeue(ctx context.Context, msgID uuid.UUID, now time.Time) (Message, error)
	RequeueByStatus(ctx context.Context, queueID uuid.UUID, status MessageStatus, now time.Time) (int, error)
	CancelMessage(ctx context.Context, msgID uuid.UUID) (bool, error)
	PurgeQueue(ctx context.Context, queueID uuid.UUID, status MessageStatus) (int, error)

	ListMessages(ctx context.Context, f MessageFilter) ([]Message, error)
	Stats(ctx context.Context, queueID uuid.UUID) (QueueStats, error)

	RecordAttempt(ctx context.Context, a Attempt) error
	ListAttempts(ctx context.Context, f AttemptFilter) ([]Attempt, error)

	Close() error
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxClaimBatch    = 100
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func clampBatch(n int) int {
	if n <= 0 {
		return 1
	}
	if n > maxClaimBatch {
		return maxClaimBatch
	}
	return n
}
