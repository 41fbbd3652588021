package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quernmq/quern/internal/dedupe"
	"github.com/quernmq/quern/internal/store"
)

// EnqueueRequest describes one message to publish. Delay and ScheduledAt
// are alternatives; when both are set ScheduledAt wins.
type EnqueueRequest struct {
	QueueID         uuid.UUID
	Type            string
	Payload         []byte
	Priority        int
	Delay           time.Duration
	ScheduledAt     *time.Time
	DeduplicationID string
	GroupID         string
	CorrelationID   string
	// MaxAttempts overrides the queue's retry budget for this message.
	MaxAttempts int
}

type EnqueueResult struct {
	Message store.Message
	// Duplicate is set when deduplication suppressed the insert;
	// Message then carries the ID of the earlier message.
	Duplicate bool
}

// Enqueue validates and persists a message. Deduplicated submissions
// return the original message's identity instead of an error so
// publishers can treat them as idempotent successes.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (res EnqueueResult, err error) {
	ctx, span := e.startSpan(ctx, "engine.enqueue",
		attribute.String("queue.id", req.QueueID.String()),
		attribute.String("message.type", req.Type))
	defer func() { endSpan(span, err) }()

	q, err := e.store.GetQueue(ctx, req.QueueID)
	if err != nil {
		return EnqueueResult{}, err
	}
	if err := e.checkEnqueue(ctx, q, req, 1); err != nil {
		return EnqueueResult{}, err
	}

	now := e.nowFn()
	m := buildMessage(q, req, now)

	key := dedupKeyFor(q, req)
	if key != "" {
		holder, fresh, err := e.reserveDedup(ctx, q, key, m.ID, now)
		if err != nil {
			return EnqueueResult{}, err
		}
		if !fresh {
			messagesDeduplicatedTotal.WithLabelValues(q.Name).Inc()
			e.logger.Debug("enqueue deduplicated", "queue", q.Name, "duplicate_of", holder)
			return EnqueueResult{Message: store.Message{ID: holder, QueueID: q.ID}, Duplicate: true}, nil
		}
	}

	if err := e.store.InsertMessage(ctx, m); err != nil {
		if key != "" {
			_ = e.dedupe.Release(ctx, q.ID, key)
		}
		return EnqueueResult{}, err
	}

	messagesEnqueuedTotal.WithLabelValues(q.Name).Inc()
	e.notifier.Publish(Event{Type: EventEnqueued, QueueID: q.ID, MessageID: m.ID, At: now})
	e.logger.Debug("message enqueued",
		"queue", q.Name, "message_id", m.ID, "type", m.Type, "status", m.Status)
	return EnqueueResult{Message: m}, nil
}

// EnqueueBatch publishes several messages to one queue. Messages whose
// deduplication key is already held are reported as duplicates; the
// remainder is inserted atomically.
func (e *Engine) EnqueueBatch(ctx context.Context, queueID uuid.UUID, reqs []EnqueueRequest) (results []EnqueueResult, err error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	ctx, span := e.startSpan(ctx, "engine.enqueue_batch",
		attribute.String("queue.id", queueID.String()),
		attribute.Int("batch.size", len(reqs)))
	defer func() { endSpan(span, err) }()

	q, err := e.store.GetQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}
	for i := range reqs {
		reqs[i].QueueID = queueID
		if err := e.checkEnqueue(ctx, q, reqs[i], len(reqs)); err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
	}

	now := e.nowFn()
	results = make([]EnqueueResult, len(reqs))
	var fresh []store.Message
	var reservedKeys []string

	release := func() {
		for _, key := range reservedKeys {
			_ = e.dedupe.Release(ctx, q.ID, key)
		}
	}

	for i, req := range reqs {
		m := buildMessage(q, req, now)
		key := dedupKeyFor(q, req)
		if key != "" {
			holder, freshKey, err := e.reserveDedup(ctx, q, key, m.ID, now)
			if err != nil {
				release()
				return nil, err
			}
			if !freshKey {
				messagesDeduplicatedTotal.WithLabelValues(q.Name).Inc()
				results[i] = EnqueueResult{Message: store.Message{ID: holder, QueueID: q.ID}, Duplicate: true}
				continue
			}
			reservedKeys = append(reservedKeys, key)
		}
		results[i] = EnqueueResult{Message: m}
		fresh = append(fresh, m)
	}

	if len(fresh) > 0 {
		if err := e.store.InsertMessages(ctx, fresh); err != nil {
			release()
			return nil, err
		}
	}

	messagesEnqueuedTotal.WithLabelValues(q.Name).Add(float64(len(fresh)))
	for _, m := range fresh {
		e.notifier.Publish(Event{Type: EventEnqueued, QueueID: q.ID, MessageID: m.ID, At: now})
	}
	e.logger.Debug("batch enqueued", "queue", q.Name, "inserted", len(fresh), "deduplicated", len(reqs)-len(fresh))
	return results, nil
}

// checkEnqueue runs the validations shared by single and batch enqueue.
// incoming is the size of the batch the message arrives in, counted
// against the queue's capacity.
func (e *Engine) checkEnqueue(ctx context.Context, q store.Queue, req EnqueueRequest, incoming int) error {
	if !q.AcceptsEnqueue() {
		return fmt.Errorf("%w: queue %q is %s", ErrQueueNotActive, q.Name, q.State)
	}
	if strings.TrimSpace(req.Type) == "" {
		return fmt.Errorf("%w: message type is required", ErrValidation)
	}
	if req.Priority < 0 {
		return fmt.Errorf("%w: priority must not be negative", ErrValidation)
	}
	if req.MaxAttempts < 0 {
		return fmt.Errorf("%w: max attempts must not be negative", ErrValidation)
	}
	if q.MaxMessageSize > 0 && len(req.Payload) > q.MaxMessageSize {
		return fmt.Errorf("%w: payload of %d bytes exceeds queue limit of %d", ErrValidation, len(req.Payload), q.MaxMessageSize)
	}
	if q.MaxQueueSize > 0 {
		depth, err := e.store.QueueDepth(ctx, q.ID)
		if err != nil {
			return err
		}
		if depth+incoming > q.MaxQueueSize {
			return store.ErrQueueFull
		}
	}
	return nil
}

// reserveDedup claims the deduplication key, consulting the durable
// store record as well so restarts of the in-memory index cannot let a
// duplicate through within the window.
func (e *Engine) reserveDedup(ctx context.Context, q store.Queue, key string, msgID uuid.UUID, now time.Time) (uuid.UUID, bool, error) {
	window := q.DeduplicationWindow
	if window <= 0 {
		window = defaultDedupWindow
	}
	holder, fresh, err := e.dedupe.Reserve(ctx, q.ID, key, msgID, window)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("dedupe reserve: %w", err)
	}
	if !fresh {
		return holder, false, nil
	}
	prior, found, err := e.store.LookupDeduplicationID(ctx, q.ID, key, now.Add(-window))
	if err != nil {
		_ = e.dedupe.Release(ctx, q.ID, key)
		return uuid.Nil, false, err
	}
	if found {
		return prior, false, nil
	}
	return msgID, true, nil
}

func dedupKeyFor(q store.Queue, req EnqueueRequest) string {
	if key := strings.TrimSpace(req.DeduplicationID); key != "" {
		return key
	}
	if q.ContentDeduplication {
		return dedupe.ContentKey(req.Payload)
	}
	return ""
}

func buildMessage(q store.Queue, req EnqueueRequest, now time.Time) store.Message {
	m := store.Message{
		ID:              store.NewID(),
		QueueID:         q.ID,
		Type:            strings.TrimSpace(req.Type),
		Payload:         req.Payload,
		Priority:        req.Priority,
		Status:          store.StatusPending,
		MaxAttempts:     req.MaxAttempts,
		CreatedAt:       now,
		DeduplicationID: strings.TrimSpace(req.DeduplicationID),
		GroupID:         strings.TrimSpace(req.GroupID),
		CorrelationID:   strings.TrimSpace(req.CorrelationID),
	}
	if m.MaxAttempts == 0 {
		m.MaxAttempts = q.MaxRetries + 1
	}
	if m.DeduplicationID == "" && q.ContentDeduplication {
		m.DeduplicationID = dedupe.ContentKey(req.Payload)
	}
	switch {
	case req.ScheduledAt != nil && req.ScheduledAt.After(now):
		m.ScheduledAt = *req.ScheduledAt
		m.Status = store.StatusScheduled
	case req.Delay > 0:
		m.ScheduledAt = now.Add(req.Delay)
		m.Status = store.StatusScheduled
	}
	return m
}
