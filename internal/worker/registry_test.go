package worker

import (
	"errors"
	"testing"
	"time"
)

func TestRegistry_AcquireRespectsConcurrency(t *testing.T) {
	now := time.Date(2026, 3, 4, 14, 0, 0, 0, time.UTC)
	r := NewRegistry(WithNowFunc(func() time.Time { return now }))

	w, err := r.Register(Worker{Name: "w1", MaxConcurrency: 5})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	granted, err := r.Acquire(w.ID, 3)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if granted != 3 {
		t.Fatalf("granted=%d, want 3", granted)
	}

	granted, err = r.Acquire(w.ID, 10)
	if err != nil {
		t.Fatalf("acquire over capacity: %v", err)
	}
	if granted != 2 {
		t.Fatalf("granted=%d, want 2 (remaining capacity)", granted)
	}

	granted, err = r.Acquire(w.ID, 1)
	if err != nil {
		t.Fatalf("acquire at capacity: %v", err)
	}
	if granted != 0 {
		t.Fatalf("granted=%d at capacity, want 0", granted)
	}

	r.Release(w.ID, 2)
	granted, err = r.Acquire(w.ID, 5)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if granted != 2 {
		t.Fatalf("granted=%d after release, want 2", granted)
	}
}

func TestRegistry_DrainBlocksAcquire(t *testing.T) {
	r := NewRegistry()
	w, _ := r.Register(Worker{Name: "w1", MaxConcurrency: 2})

	if err := r.Drain(w.ID); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if _, err := r.Acquire(w.ID, 1); !errors.Is(err, ErrDraining) {
		t.Fatalf("acquire while draining err=%v, want ErrDraining", err)
	}
}

func TestRegistry_SweepStale(t *testing.T) {
	now := time.Date(2026, 3, 4, 14, 5, 0, 0, time.UTC)
	r := NewRegistry(
		WithNowFunc(func() time.Time { return now }),
		WithLivenessThreshold(30*time.Second),
	)

	stale, _ := r.Register(Worker{Name: "stale"})
	fresh, _ := r.Register(Worker{Name: "fresh"})

	now = now.Add(time.Minute)
	if err := r.Heartbeat(fresh.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	swept := r.SweepStale(now)
	if len(swept) != 1 || swept[0].ID != stale.ID {
		t.Fatalf("swept=%v, want only %s", swept, stale.ID)
	}

	got, err := r.Get(stale.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateDisconnected {
		t.Fatalf("state=%s, want disconnected", got.State)
	}

	// A heartbeat reconnects a swept worker.
	if err := r.Heartbeat(stale.ID); err != nil {
		t.Fatalf("heartbeat swept: %v", err)
	}
	got, _ = r.Get(stale.ID)
	if got.State != StateConnected {
		t.Fatalf("state=%s after heartbeat, want connected", got.State)
	}
}

func TestRegistry_DeregisterAndNotFound(t *testing.T) {
	r := NewRegistry()
	w, _ := r.Register(Worker{Name: "w1"})

	if err := r.Deregister(w.ID); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if err := r.Deregister(w.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double deregister err=%v, want ErrNotFound", err)
	}
	if _, err := r.Acquire(w.ID, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("acquire gone err=%v, want ErrNotFound", err)
	}
}

func TestWorker_Handles(t *testing.T) {
	any := Worker{}
	if !any.Handles("send-email") {
		t.Fatalf("worker with no filter should handle everything")
	}

	scoped := Worker{Handlers: []string{"send-email", "resize-image"}}
	if !scoped.Handles("resize-image") {
		t.Fatalf("subscribed handler rejected")
	}
	if scoped.Handles("transcode-video") {
		t.Fatalf("unsubscribed handler accepted")
	}
}
