package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quernmq/quern/internal/store"
)

const (
	defaultSweepInterval = time.Second
	defaultSweepBatch    = 100
)

// SweepResult reports what one maintenance pass did.
type SweepResult struct {
	Reclaimed    int
	Activated    int
	Expired      int
	StaleWorkers int
}

// Sweep runs one maintenance pass: expired claims go back through the
// failure path, due scheduled messages become pending, TTL-expired
// messages are terminated, and silent workers are marked disconnected.
func (e *Engine) Sweep(ctx context.Context, batch int) (res SweepResult, err error) {
	ctx, span := e.startSpan(ctx, "engine.sweep")
	defer func() { endSpan(span, err) }()

	if batch <= 0 {
		batch = defaultSweepBatch
	}
	now := e.nowFn()

	expired, err := e.store.ExpiredClaims(ctx, now, batch)
	if err != nil {
		return res, err
	}
	for _, m := range expired {
		_, err := e.NegativeAcknowledge(ctx, NackRequest{
			MessageID: m.ID,
			WorkerID:  m.ClaimedBy,
			Error:     "visibility timeout expired",
			Requeue:   true,
		})
		if errors.Is(err, ErrNotClaimedByCaller) {
			// The worker acked or nacked between our read and now.
			continue
		}
		if err != nil {
			return res, err
		}
		res.Reclaimed++
	}
	if res.Reclaimed > 0 {
		sweepReclaimedTotal.Add(float64(res.Reclaimed))
		e.logger.Info("reclaimed expired claims", "count", res.Reclaimed)
	}

	activated, err := e.store.ActivateScheduled(ctx, now)
	if err != nil {
		return res, err
	}
	res.Activated = activated

	stale, err := e.store.ExpiredTTL(ctx, now, batch)
	if err != nil {
		return res, err
	}
	dlqByQueue := make(map[uuid.UUID]uuid.UUID)
	for _, m := range stale {
		dlq, ok := dlqByQueue[m.QueueID]
		if !ok {
			q, err := e.store.GetQueue(ctx, m.QueueID)
			if err != nil {
				if errors.Is(err, store.ErrQueueNotFound) {
					continue
				}
				return res, err
			}
			dlq = q.DLQQueueID
			dlqByQueue[m.QueueID] = dlq
		}
		out, err := e.store.ExpireMessage(ctx, m.ID, "message ttl exceeded", dlq, now)
		if errors.Is(err, store.ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return res, err
		}
		e.recordAttempt(ctx, out, "", store.OutcomeExpired, "message ttl exceeded", 0, now)
		e.notifier.Publish(Event{Type: EventExpired, QueueID: m.QueueID, MessageID: m.ID, At: now})
		res.Expired++
	}
	if res.Expired > 0 {
		sweepExpiredTotal.Add(float64(res.Expired))
		e.logger.Info("expired messages past ttl", "count", res.Expired)
	}

	for _, w := range e.workers.SweepStale(now) {
		e.logger.Warn("worker missed heartbeats", "worker_id", w.ID, "name", w.Name)
		res.StaleWorkers++
	}

	return res, nil
}

// Reaper runs Sweep on a fixed interval until its context is cancelled.
type Reaper struct {
	engine   *Engine
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

func NewReaper(e *Engine, interval time.Duration, batch int) *Reaper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	return &Reaper{engine: e, interval: interval, batch: batch, logger: e.logger}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.engine.Sweep(ctx, r.batch); err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Error("sweep failed", "error", err)
			}
		}
	}
}
