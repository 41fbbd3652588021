package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quernmq/quern/internal/store"
	"github.com/quernmq/quern/internal/worker"
)

// ClaimRequest asks for up to Max messages on behalf of a worker.
// QueueID names a single queue; QueueIDs spreads the claim across
// several queues, drained in the given order until Max is reached.
// A zero VisibilityTimeout falls back to each queue's configured
// timeout.
type ClaimRequest struct {
	QueueID           uuid.UUID
	QueueIDs          []uuid.UUID
	WorkerID          uuid.UUID
	Max               int
	VisibilityTimeout time.Duration
}

func (r ClaimRequest) queues() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(r.QueueIDs)+1)
	if r.QueueID != uuid.Nil {
		ids = append(ids, r.QueueID)
	}
	for _, id := range r.QueueIDs {
		if id != uuid.Nil && id != r.QueueID {
			ids = append(ids, id)
		}
	}
	return ids
}

// Claim hands out eligible messages. Paused and disabled queues yield
// an empty batch rather than an error so pollers can keep their loop
// simple. The batch size is clipped by each queue's rate limit and the
// worker's free concurrency before the stores are asked; with several
// queues the earlier ones are drained first and later ones fill the
// remaining budget.
func (e *Engine) Claim(ctx context.Context, req ClaimRequest) (msgs []store.Message, err error) {
	if req.WorkerID == uuid.Nil {
		return nil, fmt.Errorf("%w: worker id is required", ErrValidation)
	}
	queues := req.queues()
	if len(queues) == 0 {
		return nil, fmt.Errorf("%w: at least one queue id is required", ErrValidation)
	}
	ctx, span := e.startSpan(ctx, "engine.claim",
		attribute.Int("queue.count", len(queues)),
		attribute.String("worker.id", req.WorkerID.String()))
	defer func() { endSpan(span, err) }()

	max := req.Max
	if max <= 0 {
		max = 1
	}

	granted, err := e.workers.Acquire(req.WorkerID, max)
	switch {
	case errors.Is(err, worker.ErrNotFound):
		// Unregistered workers claim without concurrency accounting.
		granted = max
	case errors.Is(err, worker.ErrDraining):
		return nil, nil
	case err != nil:
		return nil, err
	case granted == 0:
		return nil, nil
	}
	defer func() {
		if unused := granted - len(msgs); unused > 0 {
			e.releaseWorkerSlots(req.WorkerID, unused)
		}
	}()

	now := e.nowFn()
	var firstErr error
	for _, queueID := range queues {
		remaining := granted - len(msgs)
		if remaining <= 0 {
			break
		}
		batch, cerr := e.claimFromQueue(ctx, req, queueID, remaining, now)
		if cerr != nil {
			if firstErr == nil {
				firstErr = cerr
			}
			e.logger.Warn("claim skipped queue", "queue_id", queueID, "error", cerr)
			continue
		}
		msgs = append(msgs, batch...)
	}
	if len(msgs) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return msgs, nil
}

func (e *Engine) claimFromQueue(ctx context.Context, req ClaimRequest, queueID uuid.UUID, max int, now time.Time) ([]store.Message, error) {
	q, err := e.store.GetQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if !q.AcceptsClaim() {
		return nil, nil
	}

	allowed := max
	var lim *queueLimiter
	if q.RateLimitPerSecond > 0 {
		lim = e.limiterFor(q, now)
		allowed = lim.takeAt(now, max)
		if allowed == 0 {
			claimsRateLimitedTotal.WithLabelValues(q.Name).Inc()
			return nil, nil
		}
	}

	msgs, err := e.store.Claim(ctx, store.ClaimRequest{
		QueueID:           queueID,
		WorkerID:          req.WorkerID,
		Max:               allowed,
		VisibilityTimeout: req.VisibilityTimeout,
		Now:               now,
	})
	if err != nil {
		if lim != nil {
			lim.refund(allowed)
		}
		return nil, err
	}
	// Tokens taken for slots the store could not fill go back so a
	// sparse queue is not throttled below its configured rate.
	if lim != nil {
		if unused := allowed - len(msgs); unused > 0 {
			lim.refund(unused)
		}
	}

	if len(msgs) > 0 {
		messagesClaimedTotal.WithLabelValues(q.Name).Add(float64(len(msgs)))
		for _, m := range msgs {
			e.notifier.Publish(Event{Type: EventClaimed, QueueID: q.ID, MessageID: m.ID, At: now})
		}
		e.logger.Debug("messages claimed", "queue", q.Name, "worker_id", req.WorkerID, "count", len(msgs))
	}
	return msgs, nil
}

// ExtendVisibility pushes out the claim deadline of an in-flight
// message, for handlers that legitimately run long.
func (e *Engine) ExtendVisibility(ctx context.Context, msgID, workerID uuid.UUID, extendBy time.Duration) error {
	if extendBy <= 0 {
		return fmt.Errorf("%w: extension must be positive", ErrValidation)
	}
	err := e.store.ExtendVisibility(ctx, msgID, workerID, extendBy)
	if errors.Is(err, store.ErrNotClaimed) {
		return ErrNotClaimedByCaller
	}
	return err
}

func (e *Engine) releaseWorkerSlots(workerID uuid.UUID, n int) {
	if n > 0 {
		e.workers.Release(workerID, n)
	}
}
