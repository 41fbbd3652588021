package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quernmq/quern/internal/breaker"
	"github.com/quernmq/quern/internal/dedupe"
	"github.com/quernmq/quern/internal/retry"
	"github.com/quernmq/quern/internal/store"
	"github.com/quernmq/quern/internal/worker"
)

// Queue config defaults applied at creation time. A zero value in the
// request means "use the default", not "disabled"; features that can be
// disabled have explicit flags or sentinel values.
const (
	defaultMaxRetries        = 3
	defaultRetryDelay        = time.Second
	defaultRetryMultiplier   = 2.0
	defaultMaxRetryDelay     = time.Minute
	defaultVisibilityTimeout = 30 * time.Second
	defaultDedupWindow       = 5 * time.Minute

	maxQueueNameLength = 128
)

// Engine coordinates queue stores, deduplication, circuit breaking and
// worker accounting behind one API. All state transitions flow through
// the store; the engine layers policy (validation, retry decisions,
// rate limits) on top.
type Engine struct {
	store    store.Store
	dedupe   dedupe.Index
	workers  *worker.Registry
	breakers *breaker.Registry
	notifier *Notifier
	logger   *slog.Logger
	nowFn    func() time.Time

	limiterMu sync.Mutex
	limiters  map[uuid.UUID]*queueLimiter

	latencies *latencyTracker

	// breakerCfg is only consulted during New.
	breakerCfg *breaker.Config
}

type Option func(*Engine)

// WithNowFunc fixes the engine clock, used by tests.
func WithNowFunc(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.nowFn = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithDedupeIndex replaces the default in-memory deduplication index,
// typically with the Redis-backed one for multi-node deployments.
func WithDedupeIndex(idx dedupe.Index) Option {
	return func(e *Engine) {
		if idx != nil {
			e.dedupe = idx
		}
	}
}

func WithBreakerConfig(cfg breaker.Config) Option {
	return func(e *Engine) {
		e.breakerCfg = &cfg
	}
}

func WithWorkerRegistry(reg *worker.Registry) Option {
	return func(e *Engine) {
		if reg != nil {
			e.workers = reg
		}
	}
}

func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		logger:    slog.Default(),
		nowFn:     time.Now,
		limiters:  make(map[uuid.UUID]*queueLimiter),
		latencies: newLatencyTracker(defaultLatencyWindow),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.dedupe == nil {
		e.dedupe = dedupe.NewMemoryIndex(dedupe.WithMemoryIndexNowFunc(e.nowFn))
	}
	if e.workers == nil {
		e.workers = worker.NewRegistry(worker.WithNowFunc(e.nowFn))
	}
	cfg := breaker.DefaultConfig()
	if e.breakerCfg != nil {
		cfg = *e.breakerCfg
	}
	e.breakers = breaker.NewRegistry(cfg, e.nowFn)
	e.notifier = NewNotifier()
	return e
}

// Store exposes the underlying store for read paths (listing, stats)
// that need no engine policy.
func (e *Engine) Store() store.Store { return e.store }

func (e *Engine) Workers() *worker.Registry { return e.workers }

func (e *Engine) Breakers() *breaker.Registry { return e.breakers }

func (e *Engine) Notifier() *Notifier { return e.notifier }

func (e *Engine) Close() error {
	e.notifier.Close()
	if err := e.dedupe.Close(); err != nil {
		return err
	}
	return e.store.Close()
}

// CreateQueue validates the request, fills config defaults and persists
// the queue. The returned queue carries the generated ID.
func (e *Engine) CreateQueue(ctx context.Context, q store.Queue) (store.Queue, error) {
	q.Name = strings.TrimSpace(q.Name)
	if q.Name == "" {
		return store.Queue{}, fmt.Errorf("%w: queue name is required", ErrValidation)
	}
	if len(q.Name) > maxQueueNameLength {
		return store.Queue{}, fmt.Errorf("%w: queue name exceeds %d characters", ErrValidation, maxQueueNameLength)
	}
	if q.ID == uuid.Nil {
		q.ID = store.NewID()
	}
	applyQueueDefaults(&q)
	if err := e.validateQueueConfig(ctx, q); err != nil {
		return store.Queue{}, err
	}
	if err := e.store.CreateQueue(ctx, q); err != nil {
		return store.Queue{}, err
	}
	created, err := e.store.GetQueue(ctx, q.ID)
	if err != nil {
		return store.Queue{}, err
	}
	e.logger.Info("queue created", "queue", created.Name, "queue_id", created.ID)
	e.notifier.Publish(Event{Type: EventQueueCreated, QueueID: created.ID, At: e.nowFn()})
	return created, nil
}

func (e *Engine) GetQueue(ctx context.Context, id uuid.UUID) (store.Queue, error) {
	return e.store.GetQueue(ctx, id)
}

func (e *Engine) GetQueueByName(ctx context.Context, name string) (store.Queue, error) {
	return e.store.GetQueueByName(ctx, strings.TrimSpace(name))
}

func (e *Engine) ListQueues(ctx context.Context) ([]store.Queue, error) {
	return e.store.ListQueues(ctx)
}

func (e *Engine) GetMessage(ctx context.Context, id uuid.UUID) (store.Message, error) {
	return e.store.GetMessage(ctx, id)
}

func (e *Engine) ListMessages(ctx context.Context, f store.MessageFilter) ([]store.Message, error) {
	return e.store.ListMessages(ctx, f)
}

func (e *Engine) ListAttempts(ctx context.Context, f store.AttemptFilter) ([]store.Attempt, error) {
	return e.store.ListAttempts(ctx, f)
}

// UpdateQueue replaces a queue's configuration. Identity fields (ID,
// name) must match the stored queue; state changes go through
// SetQueueState.
func (e *Engine) UpdateQueue(ctx context.Context, q store.Queue) (store.Queue, error) {
	existing, err := e.store.GetQueue(ctx, q.ID)
	if err != nil {
		return store.Queue{}, err
	}
	q.Name = existing.Name
	q.State = existing.State
	applyQueueDefaults(&q)
	if err := e.validateQueueConfig(ctx, q); err != nil {
		return store.Queue{}, err
	}
	if err := e.store.UpdateQueue(ctx, q); err != nil {
		return store.Queue{}, err
	}
	e.dropLimiter(q.ID)
	return e.store.GetQueue(ctx, q.ID)
}

// SetQueueState drives the queue lifecycle: active, paused, draining,
// disabled. Invalid names are rejected before touching the store.
func (e *Engine) SetQueueState(ctx context.Context, id uuid.UUID, state store.QueueState) error {
	switch state {
	case store.QueueActive, store.QueuePaused, store.QueueDraining, store.QueueDisabled:
	default:
		return fmt.Errorf("%w: unknown queue state %q", ErrValidation, state)
	}
	if err := e.store.SetQueueState(ctx, id, state); err != nil {
		return err
	}
	e.logger.Info("queue state changed", "queue_id", id, "state", state)
	e.notifier.Publish(Event{Type: EventQueueStateChanged, QueueID: id, At: e.nowFn()})
	return nil
}

func (e *Engine) PauseQueue(ctx context.Context, id uuid.UUID) error {
	return e.SetQueueState(ctx, id, store.QueuePaused)
}

func (e *Engine) ResumeQueue(ctx context.Context, id uuid.UUID) error {
	return e.SetQueueState(ctx, id, store.QueueActive)
}

func (e *Engine) DrainQueue(ctx context.Context, id uuid.UUID) error {
	return e.SetQueueState(ctx, id, store.QueueDraining)
}

// DeleteQueue removes a queue. Without force the store refuses while
// messages remain.
func (e *Engine) DeleteQueue(ctx context.Context, id uuid.UUID, force bool) error {
	if err := e.store.DeleteQueue(ctx, id, force); err != nil {
		return err
	}
	e.dropLimiter(id)
	e.latencies.Drop(id)
	e.logger.Info("queue deleted", "queue_id", id, "force", force)
	return nil
}

func (e *Engine) validateQueueConfig(ctx context.Context, q store.Queue) error {
	if q.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative", ErrValidation)
	}
	if q.RetryMultiplier < 1 {
		return fmt.Errorf("%w: retry multiplier must be at least 1", ErrValidation)
	}
	if q.RetryDelay < 0 || q.MaxRetryDelay < 0 || q.VisibilityTimeout <= 0 {
		return fmt.Errorf("%w: retry and visibility durations must be positive", ErrValidation)
	}
	if q.RateLimitPerSecond < 0 {
		return fmt.Errorf("%w: rate limit must not be negative", ErrValidation)
	}
	if q.PriorityEnabled && q.FifoEnabled {
		return fmt.Errorf("%w: priority and fifo ordering are mutually exclusive", ErrValidation)
	}
	if q.DLQQueueID != uuid.Nil {
		if q.DLQQueueID == q.ID {
			return fmt.Errorf("%w: queue cannot be its own dead letter target", ErrValidation)
		}
		if _, err := e.store.GetQueue(ctx, q.DLQQueueID); err != nil {
			return fmt.Errorf("dead letter target: %w", err)
		}
	}
	return nil
}

func applyQueueDefaults(q *store.Queue) {
	if q.State == "" {
		q.State = store.QueueActive
	}
	if q.MaxRetries == 0 {
		q.MaxRetries = defaultMaxRetries
	}
	if q.RetryDelay == 0 {
		q.RetryDelay = defaultRetryDelay
	}
	if q.RetryMultiplier == 0 {
		q.RetryMultiplier = defaultRetryMultiplier
	}
	if q.MaxRetryDelay == 0 {
		q.MaxRetryDelay = defaultMaxRetryDelay
	}
	if q.VisibilityTimeout == 0 {
		q.VisibilityTimeout = defaultVisibilityTimeout
	}
	if q.ContentDeduplication && q.DeduplicationWindow == 0 {
		q.DeduplicationWindow = defaultDedupWindow
	}
}

// retryPolicyFor derives the backoff policy from queue config.
func retryPolicyFor(q store.Queue) retry.Policy {
	p := retry.Policy{
		Base:       q.RetryDelay,
		Multiplier: q.RetryMultiplier,
		Cap:        q.MaxRetryDelay,
	}
	if p.Base <= 0 {
		p.Base = defaultRetryDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultRetryMultiplier
	}
	if p.Cap <= 0 {
		p.Cap = defaultMaxRetryDelay
	}
	return p
}

// maxAttemptsFor resolves the attempt budget: the per-message override
// wins, otherwise the queue's retry count plus the initial attempt.
func maxAttemptsFor(m store.Message, q store.Queue) int {
	if m.MaxAttempts > 0 {
		return m.MaxAttempts
	}
	return q.MaxRetries + 1
}
