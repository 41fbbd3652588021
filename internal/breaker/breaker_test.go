package breaker

import (
	"testing"
	"time"
)

func testBreaker(now *time.Time, cfg Config) *Breaker {
	return New("send-email", cfg, func() time.Time { return *now })
}

func TestBreaker_OpensAtFailureThreshold(t *testing.T) {
	now := time.Date(2026, 3, 4, 11, 0, 0, 0, time.UTC)
	b := testBreaker(&now, Config{FailureThreshold: 5, SuccessThreshold: 2, Cooldown: time.Minute})

	for i := 0; i < 4; i++ {
		if !b.Allow() {
			t.Fatalf("rejected before threshold at failure %d", i)
		}
		b.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Fatalf("state=%s after 4 failures, want closed", b.State())
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state=%s after 5 failures, want open", b.State())
	}
	if b.Allow() {
		t.Fatalf("open breaker allowed a call")
	}
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	now := time.Date(2026, 3, 4, 11, 5, 0, 0, time.UTC)
	b := testBreaker(&now, Config{FailureThreshold: 3, SuccessThreshold: 1, Cooldown: time.Minute})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("state=%s, want closed (streak was broken)", b.State())
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state=%s, want open", b.State())
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	now := time.Date(2026, 3, 4, 11, 10, 0, 0, time.UTC)
	b := testBreaker(&now, Config{FailureThreshold: 2, SuccessThreshold: 2, Cooldown: time.Minute, HalfOpenMaxCalls: 1})

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state=%s, want open", b.State())
	}

	now = now.Add(30 * time.Second)
	if b.Allow() {
		t.Fatalf("allowed before cooldown elapsed")
	}

	now = now.Add(31 * time.Second)
	if !b.Allow() {
		t.Fatalf("rejected trial call after cooldown")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state=%s, want half_open", b.State())
	}
	// Only one trial call in flight.
	if b.Allow() {
		t.Fatalf("allowed second concurrent trial call")
	}

	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatalf("state=%s after 1 success, want half_open", b.State())
	}
	if !b.Allow() {
		t.Fatalf("rejected second trial call")
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state=%s after 2 successes, want closed", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 3, 4, 11, 15, 0, 0, time.UTC)
	b := testBreaker(&now, Config{FailureThreshold: 2, SuccessThreshold: 2, Cooldown: time.Minute})

	b.RecordFailure()
	b.RecordFailure()
	now = now.Add(2 * time.Minute)
	if !b.Allow() {
		t.Fatalf("rejected trial call")
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state=%s, want open after failed trial", b.State())
	}
	if b.Allow() {
		t.Fatalf("allowed call right after reopening")
	}
}

func TestBreaker_ResetKeepsTotals(t *testing.T) {
	now := time.Date(2026, 3, 4, 11, 20, 0, 0, time.UTC)
	b := testBreaker(&now, Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Hour})

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state=%s, want open", b.State())
	}
	b.Allow() // rejected, counted

	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("state=%s after reset, want closed", b.State())
	}
	snap := b.Snapshot()
	if snap.TotalFailures != 1 {
		t.Fatalf("total_failures=%d, want 1", snap.TotalFailures)
	}
	if snap.TotalRejections != 1 {
		t.Fatalf("total_rejections=%d, want 1", snap.TotalRejections)
	}
	if snap.ConsecutiveFails != 0 {
		t.Fatalf("consecutive_fails=%d, want 0", snap.ConsecutiveFails)
	}
}

func TestRegistry_IsolatesHandlers(t *testing.T) {
	now := time.Date(2026, 3, 4, 11, 25, 0, 0, time.UTC)
	r := NewRegistry(Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Hour}, func() time.Time { return now })

	r.Get("send-email").RecordFailure()
	if r.Get("send-email").State() != StateOpen {
		t.Fatalf("send-email state=%s, want open", r.Get("send-email").State())
	}
	if r.Get("resize-image").State() != StateClosed {
		t.Fatalf("resize-image state=%s, want closed", r.Get("resize-image").State())
	}

	snaps := r.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("snapshots=%d, want 2", len(snaps))
	}
}
