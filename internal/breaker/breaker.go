// Package breaker guards message handlers with per-handler circuit breakers.
package breaker

import (
	"sync"
	"time"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes a breaker. FailureThreshold consecutive failures open the
// circuit; after Cooldown the breaker admits up to HalfOpenMaxCalls trial
// calls, and SuccessThreshold consecutive successes close it again.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
	HalfOpenMaxCalls int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         time.Minute,
		HalfOpenMaxCalls: 1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	return c
}

// Snapshot is a point-in-time view of a breaker for stats endpoints.
type Snapshot struct {
	Handler          string
	State            State
	ConsecutiveFails int
	OpenedAt         time.Time
	TotalSuccesses   uint64
	TotalFailures    uint64
	TotalRejections  uint64
}

type Breaker struct {
	mu      sync.Mutex
	cfg     Config
	nowFn   func() time.Time
	handler string

	state            State
	consecutiveFails int
	halfOpenSuccess  int
	halfOpenInFlight int
	openedAt         time.Time

	totalSuccesses  uint64
	totalFailures   uint64
	totalRejections uint64
}

func New(handler string, cfg Config, nowFn func() time.Time) *Breaker {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Breaker{
		cfg:     cfg.withDefaults(),
		nowFn:   nowFn,
		handler: handler,
		state:   StateClosed,
	}
}

// Allow reports whether a call may proceed. An open breaker whose cooldown
// has elapsed transitions to half-open and admits trial calls.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.nowFn().Sub(b.openedAt) < b.cfg.Cooldown {
			b.totalRejections++
			return false
		}
		b.state = StateHalfOpen
		b.halfOpenSuccess = 0
		b.halfOpenInFlight = 1
		return true
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
			b.totalRejections++
			return false
		}
		b.halfOpenInFlight++
		return true
	}
	return false
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++
	switch b.state {
	case StateClosed:
		b.consecutiveFails = 0
	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.consecutiveFails = 0
			b.halfOpenSuccess = 0
			b.halfOpenInFlight = 0
			b.openedAt = time.Time{}
		}
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	switch b.state {
	case StateClosed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.open()
		}
	case StateHalfOpen:
		// A failed trial call reopens immediately.
		b.open()
	}
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.nowFn()
	b.halfOpenSuccess = 0
	b.halfOpenInFlight = 0
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed and clears the failure streak. Lifetime
// totals survive a reset.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFails = 0
	b.halfOpenSuccess = 0
	b.halfOpenInFlight = 0
	b.openedAt = time.Time{}
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Handler:          b.handler,
		State:            b.state,
		ConsecutiveFails: b.consecutiveFails,
		OpenedAt:         b.openedAt,
		TotalSuccesses:   b.totalSuccesses,
		TotalFailures:    b.totalFailures,
		TotalRejections:  b.totalRejections,
	}
}

// Registry hands out one breaker per handler name. Failures on one handler
// never affect another handler's circuit.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	nowFn    func() time.Time
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config, nowFn func() time.Time) *Registry {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Registry{
		cfg:      cfg.withDefaults(),
		nowFn:    nowFn,
		breakers: make(map[string]*Breaker),
	}
}

func (r *Registry) Get(handler string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.breakers[handler]
	if b == nil {
		b = New(handler, r.cfg, r.nowFn)
		r.breakers[handler] = b
	}
	return b
}

func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
