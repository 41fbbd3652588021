package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quernmq/quern/internal/engine"
	"github.com/quernmq/quern/internal/store"
	"github.com/quernmq/quern/internal/worker"
)

// Handler processes one claimed message. A nil return acknowledges it;
// an error routes it through the retry schedule unless wrapped with
// Permanent.
type Handler interface {
	Name() string
	Handle(ctx context.Context, m store.Message) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, m store.Message) error
}

func (h HandlerFunc) Name() string { return h.HandlerName }

func (h HandlerFunc) Handle(ctx context.Context, m store.Message) error {
	return h.Fn(ctx, m)
}

// PermanentError marks a failure that must not be retried; the message
// goes straight to failed instead of through the backoff schedule.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Subscription binds a handler to a queue.
type Subscription struct {
	QueueID     uuid.UUID
	Handler     Handler
	Concurrency int
	BatchSize   int
	// Timeout bounds a single handler invocation. Zero means 30s.
	Timeout time.Duration
}

// Runner owns a worker identity and a set of consumer loops. Start
// spawns the loops; Drain stops them gracefully.
type Runner struct {
	Engine            *engine.Engine
	Name              string
	Subscriptions     []Subscription
	Logger            *slog.Logger
	PollInterval      time.Duration
	HeartbeatInterval time.Duration

	workerID uuid.UUID
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

const (
	defaultPollInterval      = 500 * time.Millisecond
	defaultHeartbeatInterval = 10 * time.Second
	defaultHandlerTimeout    = 30 * time.Second
)

// Start registers the worker and spawns one consumer goroutine per
// subscription concurrency slot plus a heartbeat loop.
func (r *Runner) Start() error {
	if r.Engine == nil {
		return errors.New("runner: engine is required")
	}
	if len(r.Subscriptions) == 0 {
		return errors.New("runner: at least one subscription is required")
	}
	if r.Logger == nil {
		r.Logger = slog.Default()
	}
	if r.PollInterval <= 0 {
		r.PollInterval = defaultPollInterval
	}
	if r.HeartbeatInterval <= 0 {
		r.HeartbeatInterval = defaultHeartbeatInterval
	}

	handlers := make([]string, 0, len(r.Subscriptions))
	total := 0
	for _, sub := range r.Subscriptions {
		if sub.Handler == nil {
			return errors.New("runner: subscription without handler")
		}
		handlers = append(handlers, sub.Handler.Name())
		c := sub.Concurrency
		if c <= 0 {
			c = 1
		}
		total += c
	}

	w, err := r.Engine.Workers().Register(worker.Worker{
		Name:           r.Name,
		Handlers:       handlers,
		MaxConcurrency: total,
	})
	if err != nil {
		return fmt.Errorf("runner: register worker: %w", err)
	}
	r.workerID = w.ID
	r.stopCh = make(chan struct{})

	for _, sub := range r.Subscriptions {
		concurrency := sub.Concurrency
		if concurrency <= 0 {
			concurrency = 1
		}
		for i := 0; i < concurrency; i++ {
			r.wg.Add(1)
			go r.consume(sub)
		}
	}

	r.wg.Add(1)
	go r.heartbeat()

	r.Logger.Info("runner started",
		"worker_id", r.workerID, "name", w.Name, "subscriptions", len(r.Subscriptions))
	return nil
}

// WorkerID is valid after Start.
func (r *Runner) WorkerID() uuid.UUID { return r.workerID }

// Drain stops claiming, waits for in-flight handlers up to the timeout
// and deregisters the worker. Returns false if the timeout expired
// first.
func (r *Runner) Drain(timeout time.Duration) bool {
	if r.stopCh == nil {
		return true
	}
	_ = r.Engine.Workers().Drain(r.workerID)
	r.stopOnce.Do(func() { close(r.stopCh) })

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		_ = r.Engine.Workers().Deregister(r.workerID)
		return true
	case <-time.After(timeout):
		return false
	}
}

func (r *Runner) consume(sub Subscription) {
	defer r.wg.Done()

	batch := sub.BatchSize
	if batch <= 0 {
		batch = 1
	}

	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		msgs, err := r.Engine.Claim(context.Background(), engine.ClaimRequest{
			QueueID:  sub.QueueID,
			WorkerID: r.workerID,
			Max:      batch,
		})
		if err != nil {
			r.Logger.Warn("claim failed",
				"queue_id", sub.QueueID, "handler", sub.Handler.Name(), "error", err)
			r.sleep(r.PollInterval)
			continue
		}
		if len(msgs) == 0 {
			r.sleep(r.PollInterval)
			continue
		}

		for _, m := range msgs {
			r.handle(sub, m)
		}
	}
}

func (r *Runner) handle(sub Subscription, m store.Message) {
	handler := sub.Handler.Name()

	br := r.Engine.Breakers().Get(handler)
	if !br.Allow() {
		// Back out of the claim; the retry schedule spaces out probes.
		_, err := r.Engine.NegativeAcknowledge(context.Background(), engine.NackRequest{
			MessageID: m.ID,
			WorkerID:  r.workerID,
			Error:     engine.ErrCircuitOpen.Error(),
			Requeue:   true,
		})
		if err != nil {
			r.Logger.Warn("nack after open circuit failed", "message_id", m.ID, "error", err)
		}
		r.sleep(r.PollInterval)
		return
	}

	timeout := sub.Timeout
	if timeout <= 0 {
		timeout = defaultHandlerTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	err := sub.Handler.Handle(ctx, m)
	cancel()

	if err == nil {
		if ackErr := r.Engine.Acknowledge(context.Background(), engine.AckRequest{
			MessageID: m.ID,
			WorkerID:  r.workerID,
			Handler:   handler,
		}); ackErr != nil && !errors.Is(ackErr, engine.ErrNotClaimedByCaller) {
			r.Logger.Warn("ack failed", "message_id", m.ID, "handler", handler, "error", ackErr)
		}
		return
	}

	var perm *PermanentError
	requeue := !errors.As(err, &perm)
	if _, nackErr := r.Engine.NegativeAcknowledge(context.Background(), engine.NackRequest{
		MessageID: m.ID,
		WorkerID:  r.workerID,
		Handler:   handler,
		Error:     err.Error(),
		Requeue:   requeue,
	}); nackErr != nil && !errors.Is(nackErr, engine.ErrNotClaimedByCaller) {
		r.Logger.Warn("nack failed", "message_id", m.ID, "handler", handler, "error", nackErr)
	}
}

func (r *Runner) heartbeat() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.Engine.Workers().Heartbeat(r.workerID); err != nil {
				r.Logger.Warn("heartbeat failed", "worker_id", r.workerID, "error", err)
			}
		}
	}
}

func (r *Runner) sleep(d time.Duration) {
	select {
	case <-r.stopCh:
	case <-time.After(d):
	}
}
