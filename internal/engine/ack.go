package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quernmq/quern/internal/store"
)

// AckRequest acknowledges successful processing of a claimed message.
// Handler names the processing handler for circuit breaker accounting;
// it may be empty for callers outside the runner.
type AckRequest struct {
	MessageID uuid.UUID
	WorkerID  uuid.UUID
	Handler   string
}

// NackRequest reports a processing failure. Requeue false marks the
// message permanently failed in place; true routes it through the
// retry schedule and, once the attempt budget is spent, to the queue's
// dead letter target.
type NackRequest struct {
	MessageID uuid.UUID
	WorkerID  uuid.UUID
	Handler   string
	Error     string
	Requeue   bool
	// Delay overrides the queue's backoff schedule for this retry.
	Delay time.Duration
}

// NackResult reports where the message ended up.
type NackResult struct {
	Message store.Message
	Outcome store.AttemptOutcome
	// RetryAt is set when the message was released for another attempt.
	RetryAt time.Time
}

func (e *Engine) Acknowledge(ctx context.Context, req AckRequest) (err error) {
	ctx, span := e.startSpan(ctx, "engine.ack", attribute.String("message.id", req.MessageID.String()))
	defer func() { endSpan(span, err) }()

	now := e.nowFn()
	m, err := e.store.Complete(ctx, req.MessageID, req.WorkerID, now)
	if errors.Is(err, store.ErrNotClaimed) {
		return ErrNotClaimedByCaller
	}
	if err != nil {
		return err
	}

	latency := attemptLatency(m, now)
	e.recordAttempt(ctx, m, req.Handler, store.OutcomeCompleted, "", latency, now)
	if req.Handler != "" {
		e.breakers.Get(req.Handler).RecordSuccess()
	}
	e.workers.Release(req.WorkerID, 1)
	e.latencies.Observe(m.QueueID, latency)

	attemptsTotal.WithLabelValues(string(store.OutcomeCompleted)).Inc()
	processingDuration.Observe(latency.Seconds())
	e.notifier.Publish(Event{Type: EventCompleted, QueueID: m.QueueID, MessageID: m.ID, At: now})
	e.logger.Debug("message acknowledged", "message_id", m.ID, "worker_id", req.WorkerID, "latency", latency)
	return nil
}

func (e *Engine) NegativeAcknowledge(ctx context.Context, req NackRequest) (res NackResult, err error) {
	ctx, span := e.startSpan(ctx, "engine.nack",
		attribute.String("message.id", req.MessageID.String()),
		attribute.Bool("requeue", req.Requeue))
	defer func() { endSpan(span, err) }()

	now := e.nowFn()
	m, err := e.store.GetMessage(ctx, req.MessageID)
	if err != nil {
		return NackResult{}, err
	}
	if m.Status != store.StatusProcessing || m.ClaimedBy != req.WorkerID {
		return NackResult{}, ErrNotClaimedByCaller
	}
	q, err := e.store.GetQueue(ctx, m.QueueID)
	if err != nil {
		return NackResult{}, err
	}

	latency := attemptLatency(m, now)
	decision := retryPolicyFor(q).Decide(m.AttemptCount, maxAttemptsFor(m, q), req.Requeue)

	var (
		out     store.Message
		outcome store.AttemptOutcome
		retryAt time.Time
	)
	switch {
	case !decision.Exhausted:
		delay := decision.Delay
		if req.Delay > 0 {
			delay = req.Delay
		}
		retryAt = now.Add(delay)
		out, err = e.store.Release(ctx, req.MessageID, req.WorkerID, retryAt, req.Error)
		outcome = store.OutcomeRetried
	case req.Requeue:
		out, err = e.store.DeadLetter(ctx, req.MessageID, req.WorkerID, store.StatusDeadLetter, req.Error, q.DLQQueueID, now)
		outcome = store.OutcomeDeadLetter
	default:
		out, err = e.store.DeadLetter(ctx, req.MessageID, req.WorkerID, store.StatusFailed, req.Error, uuid.Nil, now)
		outcome = store.OutcomeFailed
	}
	if errors.Is(err, store.ErrNotClaimed) {
		return NackResult{}, ErrNotClaimedByCaller
	}
	if err != nil {
		return NackResult{}, err
	}

	e.recordAttempt(ctx, m, req.Handler, outcome, req.Error, latency, now)
	if req.Handler != "" {
		e.breakers.Get(req.Handler).RecordFailure()
	}
	e.workers.Release(req.WorkerID, 1)

	attemptsTotal.WithLabelValues(string(outcome)).Inc()
	switch outcome {
	case store.OutcomeRetried:
		e.notifier.Publish(Event{Type: EventRetried, QueueID: m.QueueID, MessageID: m.ID, At: now})
		e.logger.Debug("message scheduled for retry",
			"message_id", m.ID, "attempt", m.AttemptCount, "retry_at", retryAt, "error", req.Error)
	case store.OutcomeDeadLetter:
		e.notifier.Publish(Event{Type: EventDeadLettered, QueueID: m.QueueID, MessageID: m.ID, At: now})
		e.logger.Warn("message dead lettered",
			"message_id", m.ID, "queue_id", m.QueueID, "attempts", m.AttemptCount, "error", req.Error)
	default:
		e.notifier.Publish(Event{Type: EventFailed, QueueID: m.QueueID, MessageID: m.ID, At: now})
		e.logger.Warn("message failed permanently",
			"message_id", m.ID, "queue_id", m.QueueID, "error", req.Error)
	}
	return NackResult{Message: out, Outcome: outcome, RetryAt: retryAt}, nil
}

// RetryMessage resurrects a failed or dead lettered message with a
// fresh attempt budget.
func (e *Engine) RetryMessage(ctx context.Context, msgID uuid.UUID) (store.Message, error) {
	m, err := e.store.Requeue(ctx, msgID, e.nowFn())
	if err != nil {
		return store.Message{}, err
	}
	e.logger.Info("message requeued", "message_id", m.ID, "queue_id", m.QueueID)
	return m, nil
}

// RetryAll requeues every message of a queue in the given terminal
// status and returns how many were moved.
func (e *Engine) RetryAll(ctx context.Context, queueID uuid.UUID, status store.MessageStatus) (int, error) {
	if status != store.StatusFailed && status != store.StatusDeadLetter {
		return 0, fmt.Errorf("%w: only failed or dead_letter messages can be retried in bulk", ErrValidation)
	}
	n, err := e.store.RequeueByStatus(ctx, queueID, status, e.nowFn())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Info("bulk retry", "queue_id", queueID, "status", status, "count", n)
	}
	return n, nil
}

// Cancel removes a message that has not started processing. It reports
// whether the message was still cancellable.
func (e *Engine) Cancel(ctx context.Context, msgID uuid.UUID) (bool, error) {
	ok, err := e.store.CancelMessage(ctx, msgID)
	if err != nil {
		return false, err
	}
	if ok {
		e.notifier.Publish(Event{Type: EventCancelled, MessageID: msgID, At: e.nowFn()})
	}
	return ok, nil
}

// Purge deletes messages from a queue, optionally restricted to one
// status. An empty status purges everything not in flight.
func (e *Engine) Purge(ctx context.Context, queueID uuid.UUID, status store.MessageStatus) (int, error) {
	n, err := e.store.PurgeQueue(ctx, queueID, status)
	if err != nil {
		return 0, err
	}
	e.logger.Info("queue purged", "queue_id", queueID, "status", status, "count", n)
	return n, nil
}

func (e *Engine) recordAttempt(ctx context.Context, m store.Message, handler string, outcome store.AttemptOutcome, errMsg string, latency time.Duration, now time.Time) {
	a := store.Attempt{
		ID:            store.NewID(),
		MessageID:     m.ID,
		QueueID:       m.QueueID,
		Handler:       handler,
		AttemptNumber: m.AttemptCount,
		Outcome:       outcome,
		Error:         errMsg,
		Latency:       latency,
		CreatedAt:     now,
	}
	if err := e.store.RecordAttempt(ctx, a); err != nil {
		e.logger.Error("recording attempt failed", "message_id", m.ID, "error", err)
	}
}

func attemptLatency(m store.Message, now time.Time) time.Duration {
	if m.ProcessingStartedAt.IsZero() {
		return 0
	}
	d := now.Sub(m.ProcessingStartedAt)
	if d < 0 {
		return 0
	}
	return d
}
