// Package worker tracks registered consumers and their claim capacity.
package worker

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateConnected    State = "connected"
	StateDraining     State = "draining"
	StateDisconnected State = "disconnected"
)

var (
	ErrNotFound = errors.New("worker not found")
	ErrDraining = errors.New("worker is draining")
)

// Worker is a registered consumer. InFlight counts claims granted through
// Acquire and not yet returned with Release.
type Worker struct {
	ID              uuid.UUID
	Name            string
	Handlers        []string
	MaxConcurrency  int
	InFlight        int
	State           State
	RegisteredAt    time.Time
	LastHeartbeatAt time.Time
}

// Handles reports whether the worker subscribed to the handler, either
// explicitly or by registering with no handler filter.
func (w Worker) Handles(handler string) bool {
	if len(w.Handlers) == 0 {
		return true
	}
	for _, h := range w.Handlers {
		if h == handler {
			return true
		}
	}
	return false
}

type Option func(*Registry)

func WithNowFunc(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.nowFn = now
		}
	}
}

// WithLivenessThreshold sets how long a worker may go without a heartbeat
// before a sweep marks it disconnected.
func WithLivenessThreshold(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.liveness = d
		}
	}
}

type Registry struct {
	mu       sync.Mutex
	nowFn    func() time.Time
	liveness time.Duration
	workers  map[uuid.UUID]*Worker
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		nowFn:    time.Now,
		liveness: 30 * time.Second,
		workers:  make(map[uuid.UUID]*Worker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Register(w Worker) (Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if strings.TrimSpace(w.Name) == "" {
		w.Name = w.ID.String()
	}
	if w.MaxConcurrency <= 0 {
		w.MaxConcurrency = 1
	}
	now := r.nowFn()
	w.State = StateConnected
	w.InFlight = 0
	w.RegisteredAt = now
	w.LastHeartbeatAt = now

	cpy := w
	r.workers[w.ID] = &cpy
	return w, nil
}

func (r *Registry) Heartbeat(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.workers[id]
	if w == nil {
		return ErrNotFound
	}
	w.LastHeartbeatAt = r.nowFn()
	if w.State == StateDisconnected {
		w.State = StateConnected
	}
	return nil
}

func (r *Registry) Deregister(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.workers[id] == nil {
		return ErrNotFound
	}
	delete(r.workers, id)
	return nil
}

func (r *Registry) Get(id uuid.UUID) (Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.workers[id]
	if w == nil {
		return Worker{}, ErrNotFound
	}
	return *w, nil
}

func (r *Registry) List() []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Acquire grants up to want claim slots, bounded by the worker's remaining
// concurrency. Draining and disconnected workers get nothing.
func (r *Registry) Acquire(id uuid.UUID, want int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.workers[id]
	if w == nil {
		return 0, ErrNotFound
	}
	if w.State == StateDraining {
		return 0, ErrDraining
	}
	if w.State != StateConnected {
		return 0, nil
	}
	if want <= 0 {
		return 0, nil
	}

	free := w.MaxConcurrency - w.InFlight
	if free <= 0 {
		return 0, nil
	}
	granted := want
	if granted > free {
		granted = free
	}
	w.InFlight += granted
	return granted, nil
}

func (r *Registry) Release(id uuid.UUID, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.workers[id]
	if w == nil || n <= 0 {
		return
	}
	w.InFlight -= n
	if w.InFlight < 0 {
		w.InFlight = 0
	}
}

// Drain stops new claim grants for the worker; in-flight work finishes.
func (r *Registry) Drain(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.workers[id]
	if w == nil {
		return ErrNotFound
	}
	w.State = StateDraining
	return nil
}

// SweepStale marks workers past the liveness threshold disconnected and
// returns them, so the caller can recover their claims.
func (r *Registry) SweepStale(now time.Time) []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if now.IsZero() {
		now = r.nowFn()
	}
	out := make([]Worker, 0)
	for _, w := range r.workers {
		if w.State != StateConnected {
			continue
		}
		if now.Sub(w.LastHeartbeatAt) <= r.liveness {
			continue
		}
		w.State = StateDisconnected
		out = append(out, *w)
	}
	return out
}
