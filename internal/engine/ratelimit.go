package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quernmq/quern/internal/store"
)

// queueLimiter is a token bucket gating claim throughput for a queue.
// Tokens refill continuously at the configured rate; burst capacity
// equals one second of refill so a cold queue can hand out a full
// second's worth immediately.
type queueLimiter struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
}

func newQueueLimiter(ratePerSecond float64, now time.Time) *queueLimiter {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	burst := ratePerSecond
	if burst < 1 {
		burst = 1
	}
	return &queueLimiter{
		rate:   ratePerSecond,
		burst:  burst,
		tokens: burst,
		last:   now,
	}
}

// takeAt consumes up to want tokens at the given instant and reports
// how many it got.
func (l *queueLimiter) takeAt(now time.Time, want int) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.last) {
		dt := now.Sub(l.last).Seconds()
		l.tokens += dt * l.rate
		if l.tokens > l.burst {
			l.tokens = l.burst
		}
		l.last = now
	}

	got := 0
	for got < want && l.tokens >= 1 {
		l.tokens--
		got++
	}
	return got
}

// refund returns tokens taken for claim slots that went unfilled.
func (l *queueLimiter) refund(n int) {
	if n <= 0 {
		return
	}
	l.mu.Lock()
	l.tokens += float64(n)
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.mu.Unlock()
}

// limiterFor returns the token bucket for a queue, rebuilding it when
// the configured rate changed since the last claim.
func (e *Engine) limiterFor(q store.Queue, now time.Time) *queueLimiter {
	e.limiterMu.Lock()
	defer e.limiterMu.Unlock()

	lim, ok := e.limiters[q.ID]
	if !ok || lim.rate != q.RateLimitPerSecond {
		lim = newQueueLimiter(q.RateLimitPerSecond, now)
		e.limiters[q.ID] = lim
	}
	return lim
}

func (e *Engine) dropLimiter(id uuid.UUID) {
	e.limiterMu.Lock()
	delete(e.limiters, id)
	e.limiterMu.Unlock()
}
