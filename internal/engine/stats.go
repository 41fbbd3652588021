package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quernmq/quern/internal/store"
)

const defaultLatencyWindow = 1024

// LatencySummary describes recent completion latencies of one queue,
// computed over a sliding window of the last observations.
type LatencySummary struct {
	Count int
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
}

// QueueOverview bundles everything a dashboard needs for one queue.
type QueueOverview struct {
	Queue   store.Queue
	Stats   store.QueueStats
	Latency LatencySummary
}

// Overview fetches queue config, store counters and the in-memory
// latency window for a queue.
func (e *Engine) Overview(ctx context.Context, queueID uuid.UUID) (QueueOverview, error) {
	q, err := e.store.GetQueue(ctx, queueID)
	if err != nil {
		return QueueOverview{}, err
	}
	stats, err := e.store.Stats(ctx, queueID)
	if err != nil {
		return QueueOverview{}, err
	}
	queueDepthGauge.WithLabelValues(q.Name).Set(float64(stats.Depth))
	return QueueOverview{
		Queue:   q,
		Stats:   stats,
		Latency: e.latencies.Summary(queueID),
	}, nil
}

// latencyTracker keeps a bounded ring of completion latencies per
// queue. Percentiles are approximate over the window, which is enough
// for operational dashboards without touching the store.
type latencyTracker struct {
	mu     sync.Mutex
	window int
	rings  map[uuid.UUID]*latencyRing
}

type latencyRing struct {
	samples []time.Duration
	next    int
	full    bool
}

func newLatencyTracker(window int) *latencyTracker {
	if window <= 0 {
		window = defaultLatencyWindow
	}
	return &latencyTracker{
		window: window,
		rings:  make(map[uuid.UUID]*latencyRing),
	}
}

func (t *latencyTracker) Observe(queueID uuid.UUID, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ring, ok := t.rings[queueID]
	if !ok {
		ring = &latencyRing{samples: make([]time.Duration, t.window)}
		t.rings[queueID] = ring
	}
	ring.samples[ring.next] = d
	ring.next++
	if ring.next == len(ring.samples) {
		ring.next = 0
		ring.full = true
	}
}

func (t *latencyTracker) Summary(queueID uuid.UUID) LatencySummary {
	t.mu.Lock()
	ring, ok := t.rings[queueID]
	if !ok {
		t.mu.Unlock()
		return LatencySummary{}
	}
	n := ring.next
	if ring.full {
		n = len(ring.samples)
	}
	samples := make([]time.Duration, n)
	copy(samples, ring.samples[:n])
	t.mu.Unlock()

	if len(samples) == 0 {
		return LatencySummary{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return LatencySummary{
		Count: len(samples),
		P50:   percentile(samples, 0.50),
		P95:   percentile(samples, 0.95),
		P99:   percentile(samples, 0.99),
	}
}

func (t *latencyTracker) Drop(queueID uuid.UUID) {
	t.mu.Lock()
	delete(t.rings, queueID)
	t.mu.Unlock()
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
