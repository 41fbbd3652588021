package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

type storeFactory struct {
	name string
	new  func(t *testing.T, now *time.Time) Store
}

func contractStoreFactories() []storeFactory {
	out := []storeFactory{
		{
			name: "memory",
			new: func(t *testing.T, now *time.Time) Store {
				t.Helper()
				return NewMemoryStore(
					WithNowFunc(func() time.Time { return now.UTC() }),
				)
			},
		},
		{
			name: "sqlite",
			new: func(t *testing.T, now *time.Time) Store {
				t.Helper()
				dbPath := filepath.Join(t.TempDir(), "quern.db")
				s, err := NewSQLiteStore(
					dbPath,
					WithSQLiteNowFunc(func() time.Time { return now.UTC() }),
				)
				if err != nil {
					t.Fatalf("new sqlite store: %v", err)
				}
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		},
	}

	dsn := strings.TrimSpace(os.Getenv("QUERN_TEST_POSTGRES_DSN"))
	if dsn != "" {
		out = append(out, storeFactory{
			name: "postgres",
			new: func(t *testing.T, now *time.Time) Store {
				t.Helper()
				s, err := NewPostgresStore(
					dsn,
					WithPostgresNowFunc(func() time.Time { return now.UTC() }),
				)
				if err != nil {
					t.Fatalf("new postgres store: %v", err)
				}
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		})
	}

	return out
}

func contractQueue(t *testing.T, s Store, name string, mutate func(*Queue)) Queue {
	t.Helper()
	q := Queue{
		ID:                NewID(),
		Name:              name,
		State:             QueueActive,
		MaxRetries:        3,
		RetryDelay:        time.Second,
		RetryMultiplier:   2,
		MaxRetryDelay:     time.Minute,
		VisibilityTimeout: 30 * time.Second,
	}
	if mutate != nil {
		mutate(&q)
	}
	if err := s.CreateQueue(context.Background(), q); err != nil {
		t.Fatalf("create queue %s: %v", name, err)
	}
	return q
}

func TestStoreContract_ClaimComplete(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
			s := factory.new(t, &now)
			q := contractQueue(t, s, "orders-"+factory.name, nil)
			worker := NewID()

			msgID := NewID()
			if err := s.InsertMessage(ctx, Message{ID: msgID, QueueID: q.ID, Type: "order.created", Payload: []byte(`{"n":1}`), MaxAttempts: 3}); err != nil {
				t.Fatalf("insert: %v", err)
			}

			claimed, err := s.Claim(ctx, ClaimRequest{QueueID: q.ID, WorkerID: worker, Max: 10})
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if len(claimed) != 1 {
				t.Fatalf("claimed=%d, want 1", len(claimed))
			}
			m := claimed[0]
			if m.Status != StatusProcessing {
				t.Fatalf("status=%s, want processing", m.Status)
			}
			if m.ClaimedBy != worker {
				t.Fatalf("claimed_by=%s, want %s", m.ClaimedBy, worker)
			}
			if m.AttemptCount != 1 {
				t.Fatalf("attempt_count=%d, want 1", m.AttemptCount)
			}

			// A second claimant must not see the in-flight message.
			other, err := s.Claim(ctx, ClaimRequest{QueueID: q.ID, WorkerID: NewID(), Max: 10})
			if err != nil {
				t.Fatalf("second claim: %v", err)
			}
			if len(other) != 0 {
				t.Fatalf("second claim got %d messages, want 0", len(other))
			}

			done, err := s.Complete(ctx, msgID, worker, now)
			if err != nil {
				t.Fatalf("complete: %v", err)
			}
			if done.Status != StatusCompleted {
				t.Fatalf("status=%s, want completed", done.Status)
			}
			if done.CompletedAt.IsZero() {
				t.Fatalf("completed_at not set")
			}

			if _, err := s.Complete(ctx, msgID, worker, now); !errors.Is(err, ErrNotClaimed) {
				t.Fatalf("double complete err=%v, want ErrNotClaimed", err)
			}
		})
	}
}

func TestStoreContract_CompleteWrongWorker(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 2, 9, 5, 0, 0, time.UTC)
			s := factory.new(t, &now)
			q := contractQueue(t, s, "wrong-worker-"+factory.name, nil)
			worker := NewID()

			msgID := NewID()
			if err := s.InsertMessage(ctx, Message{ID: msgID, QueueID: q.ID, Type: "t", MaxAttempts: 3}); err != nil {
				t.Fatalf("insert: %v", err)
			}
			if _, err := s.Claim(ctx, ClaimRequest{QueueID: q.ID, WorkerID: worker, Max: 1}); err != nil {
				t.Fatalf("claim: %v", err)
			}

			if _, err := s.Complete(ctx, msgID, NewID(), now); !errors.Is(err, ErrNotClaimed) {
				t.Fatalf("complete by other worker err=%v, want ErrNotClaimed", err)
			}
		})
	}
}

func TestStoreContract_ReleaseDelaysRedelivery(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 2, 9, 10, 0, 0, time.UTC)
			s := factory.new(t, &now)
			q := contractQueue(t, s, "release-"+factory.name, nil)
			worker := NewID()

			msgID := NewID()
			if err := s.InsertMessage(ctx, Message{ID: msgID, QueueID: q.ID, Type: "t", MaxAttempts: 5}); err != nil {
				t.Fatalf("insert: %v", err)
			}
			if _, err := s.Claim(ctx, ClaimRequest{QueueID: q.ID, WorkerID: worker, Max: 1, Now: now}); err != nil {
				t.Fatalf("claim: %v", err)
			}

			released, err := s.Release(ctx, msgID, worker, now.Add(2*time.Second), "boom")
			if err != nil {
				t.Fatalf("release: %v", err)
			}
			if released.Status != StatusPending {
				t.Fatalf("status=%s, want pending", released.Status)
			}
			if released.LastError != "boom" {
				t.Fatalf("last_error=%q, want boom", released.LastError)
			}

			claimed, err := s.Claim(ctx, ClaimRequest{QueueID: q.ID, WorkerID: worker, Max: 1, Now: now})
			if err != nil {
				t.Fatalf("claim before delay: %v", err)
			}
			if len(claimed) != 0 {
				t.Fatalf("claim before delay=%d, want 0", len(claimed))
			}

			now = now.Add(3 * time.Second)
			claimed, err = s.Claim(ctx, ClaimRequest{QueueID: q.ID, WorkerID: worker, Max: 1, Now: now})
			if err != nil {
				t.Fatalf("claim after delay: %v", err)
			}
			if len(claimed) != 1 {
				t.Fatalf("claim after delay=%d, want 1", len(claimed))
			}
			if claimed[0].AttemptCount != 2 {
				t.Fatalf("attempt_count=%d, want 2", claimed[0].AttemptCount)
			}
		})
	}
}

func TestStoreContract_DeadLetterMovesMessage(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
			s := factory.new(t, &now)
			dlq := contractQueue(t, s, "dlq-"+factory.name, nil)
			q := contractQueue(t, s, "main-"+factory.name, func(q *Queue) { q.DLQQueueID = dlq.ID })
			worker := NewID()

			msgID := NewID()
			if err := s.InsertMessage(ctx, Message{ID: msgID, QueueID: q.ID, Type: "t", MaxAttempts: 1}); err != nil {
				t.Fatalf("insert: %v", err)
			}
			if _, err := s.Claim(ctx, ClaimRequest{QueueID: q.ID, WorkerID: worker, Max: 1}); err != nil {
				t.Fatalf("claim: %v", err)
			}

			moved, err := s.DeadLetter(ctx, msgID, worker, StatusDeadLetter, "exhausted", dlq.ID, now)
			if err != nil {
				t.Fatalf("dead letter: %v", err)
			}
			if moved.QueueID != dlq.ID {
				t.Fatalf("queue_id=%s, want dlq %s", moved.QueueID, dlq.ID)
			}
			if moved.OriginQueueID != q.ID {
				t.Fatalf("origin_queue_id=%s, want %s", moved.OriginQueueID, q.ID)
			}
			if moved.Status != StatusPending {
				t.Fatalf("status=%s, want pending", moved.Status)
			}
			if moved.AttemptCount != 0 {
				t.Fatalf("attempt_count=%d, want 0", moved.AttemptCount)
			}
			if moved.ID != msgID {
				t.Fatalf("identity changed: %s != %s", moved.ID, msgID)
			}
			if moved.LastError != "exhausted" {
				t.Fatalf("last_error=%q, want exhausted", moved.LastError)
			}

			// The moved message is claimable from the dead letter queue.
			claimed, err := s.Claim(ctx, ClaimRequest{QueueID: dlq.ID, WorkerID: worker, Max: 1})
			if err != nil {
				t.Fatalf("claim from dlq: %v", err)
			}
			if len(claimed) != 1 || claimed[0].ID != msgID {
				t.Fatalf("dlq claim=%v, want message %s", claimed, msgID)
			}
		})
	}
}

func TestStoreContract_DeadLetterWithoutTargetParksInPlace(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 2, 9, 20, 0, 0, time.UTC)
			s := factory.new(t, &now)
			q := contractQueue(t, s, "no-dlq-"+factory.name, nil)
			worker := NewID()

			msgID := NewID()
			if err := s.InsertMessage(ctx, Message{ID: msgID, QueueID: q.ID, Type: "t", MaxAttempts: 1}); err != nil {
				t.Fatalf("insert: %v", err)
			}
			if _, err := s.Claim(ctx, ClaimRequest{QueueID: q.ID, WorkerID: worker, Max: 1}); err != nil {
				t.Fatalf("claim: %v", err)
			}

			parked, err := s.DeadLetter(ctx, msgID, worker, StatusDeadLetter, "exhausted", uuid.Nil, now)
			if err != nil {
				t.Fatalf("dead letter: %v", err)
			}
			if parked.Status != StatusDeadLetter {
				t.Fatalf("status=%s, want dead_letter", parked.Status)
			}
			if parked.QueueID != q.ID {
				t.Fatalf("queue_id=%s, want %s", parked.QueueID, q.ID)
			}

			// Terminal messages are not claimable but can be requeued.
			claimed, err := s.Claim(ctx, ClaimRequest{QueueID: q.ID, WorkerID: worker, Max: 1})
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if len(claimed) != 0 {
				t.Fatalf("claimed terminal message")
			}

			requeued, err := s.Requeue(ctx, msgID, now)
			if err != nil {
				t.Fatalf("requeue: %v", err)
			}
			if requeued.Status != StatusPending || requeued.AttemptCount != 0 {
				t.Fatalf("requeued status=%s attempts=%d, want pending/0", requeued.Status, requeued.AttemptCount)
			}
		})
	}
}

func TestStoreContract_PriorityOrdering(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 2, 9, 25, 0, 0, time.UTC)
			s := factory.new(t, &now)
			q := contractQueue(t, s, "prio-"+factory.name, func(q *Queue) { q.PriorityEnabled = true })
			worker := NewID()

			low := NewID()
			highOld := NewID()
			highNew := NewID()
			if err := s.InsertMessage(ctx, Message{ID: low, QueueID: q.ID, Type: "t", Priority: 1, CreatedAt: now, MaxAttempts: 1}); err != nil {
				t.Fatalf("insert low: %v", err)
			}
			if err := s.InsertMessage(ctx, Message{ID: highOld, QueueID: q.ID, Type: "t", Priority: 9, CreatedAt: now.Add(time.Second), MaxAttempts: 1}); err != nil {
				t.Fatalf("insert high old: %v", err)
			}
			if err := s.InsertMessage(ctx, Message{ID: highNew, QueueID: q.ID, Type: "t", Priority: 9, CreatedAt: now.Add(2 * time.Second), MaxAttempts: 1}); err != nil {
				t.Fatalf("insert high new: %v", err)
			}

			now = now.Add(3 * time.Second)
			claimed, err := s.Claim(ctx, ClaimRequest{QueueID: q.ID, WorkerID: worker, Max: 3, Now: now})
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if len(claimed) != 3 {
				t.Fatalf("claimed=%d, want 3", len(claimed))
			}
			want := []uuid.UUID{highOld, highNew, low}
			for i, m := range claimed {
				if m.ID != want[i] {
					t.Fatalf("claim order[%d]=%s, want %s", i, m.ID, want[i])
				}
			}
		})
	}
}

func TestStoreContract_FifoGroupExclusion(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
			s := factory.new(t, &now)
			q := contractQueue(t, s, "fifo-"+factory.name, func(q *Queue) { q.FifoEnabled = true })
			worker := NewID()

			first := NewID()
			second := NewID()
			other := NewID()
			if err := s.InsertMessage(ctx, Message{ID: first, QueueID: q.ID, Type: "t", GroupID: "user-1", CreatedAt: now, MaxAttempts: 1}); err != nil {
				t.Fatalf("insert first: %v", err)
			}
			if err := s.InsertMessage(ctx, Message{ID: second, QueueID: q.ID, Type: "t", GroupID: "user-1", CreatedAt: now.Add(time.Second), MaxAttempts: 1}); err != nil {
				t.Fatalf("insert second: %v", err)
			}
			if err := s.InsertMessage(ctx, Message{ID: other, QueueID: q.ID, Type: "t", GroupID: "user-2", CreatedAt: now.Add(2 * time.Second), MaxAttempts: 1}); err != nil {
				t.Fatalf("insert other: %v", err)
			}

			now = now.Add(3 * time.Second)
			claimed, err := s.Claim(ctx, ClaimRequest{QueueID: q.ID, WorkerID: worker, Max: 10, Now: now})
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if len(claimed) != 2 {
				t.Fatalf("claimed=%d, want 2 (one per group)", len(claimed))
			}
			if claimed[0].ID != first {
				t.Fatalf("claim[0]=%s, want group head %s", claimed[0].ID, first)
			}
			if claimed[1].ID != other {
				t.Fatalf("claim[1]=%s, want %s", claimed[1].ID, other)
			}

			// The second group member stays blocked until the head completes.
			blocked, err := s.Claim(ctx, ClaimRequest{QueueID: q.ID, WorkerID: worker, Max: 10, Now: now})
			if err != nil {
				t.Fatalf("claim blocked: %v", err)
			}
			if len(blocked) != 0 {
				t.Fatalf("claimed blocked group member")
			}

			if _, err := s.Complete(ctx, first, worker, now); err != nil {
				t.Fatalf("complete head: %v", err)
			}
			unblocked, err := s.Claim(ctx, ClaimRequest{QueueID: q.ID, WorkerID: worker, Max: 10, Now: now})
			if err != nil {
				t.Fatalf("claim unblocked: %v", err)
			}
			if len(unblocked) != 1 || unblocked[0].ID != second {
				t.Fatalf("unblocked=%v, want %s", unblocked, second)
			}
		})
	}
}

func TestStoreContract_ScheduledNotClaimableUntilDue(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 2, 9, 35, 0, 0, time.UTC)
			s := factory.new(t, &now)
			q := contractQueue(t, s, "sched-"+factory.name, nil)
			worker := NewID()

			msgID := NewID()
			if err := s.InsertMessage(ctx, Message{ID: msgID, QueueID: q.ID, Type: "t", ScheduledAt: now.Add(time.Minute), MaxAttempts: 1}); err != nil {
				t.Fatalf("insert: %v", err)
			}

			got, err := s.GetMessage(ctx, msgID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != StatusScheduled {
				t.Fatalf("status=%s, want scheduled", got.Status)
			}

			claimed, err := s.Claim(ctx, ClaimRequest{QueueID: q.ID, WorkerID: worker, Max: 1, Now: now})
			if err != nil {
				t.Fatalf("claim before due: %v", err)
			}
			if len(claimed) != 0 {
				t.Fatalf("claimed scheduled message before due")
			}

			now = now.Add(2 * time.Minute)
			n, err := s.ActivateScheduled(ctx, now)
			if err != nil {
				t.Fatalf("activate scheduled: %v", err)
			}
			if n != 1 {
				t.Fatalf("activated=%d, want 1", n)
			}

			claimed, err = s.Claim(ctx, ClaimRequest{QueueID: q.ID, WorkerID: worker, Max: 1, Now: now})
			if err != nil {
				t.Fatalf("claim after due: %v", err)
			}
			if len(claimed) != 1 || claimed[0].ID != msgID {
				t.Fatalf("claim after due=%v, want %s", claimed, msgID)
			}
		})
	}
}

func TestStoreContract_ExpiredClaimsAndExtend(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 2, 9, 40, 0, 0, time.UTC)
			s := factory.new(t, &now)
			q := contractQueue(t, s, "expire-"+factory.name, func(q *Queue) { q.VisibilityTimeout = 10 * time.Second })
			worker := NewID()

			msgID := NewID()
			if err := s.InsertMessage(ctx, Message{ID: msgID, QueueID: q.ID, Type: "t", MaxAttempts: 3}); err != nil {
				t.Fatalf("insert: %v", err)
			}
			if _, err := s.Claim(ctx, ClaimRequest{QueueID: q.ID, WorkerID: worker, Max: 1, Now: now}); err != nil {
				t.Fatalf("claim: %v", err)
			}

			expired, err := s.ExpiredClaims(ctx, now.Add(5*time.Second), 10)
			if err != nil {
				t.Fatalf("expired claims early: %v", err)
			}
			if len(expired) != 0 {
				t.Fatalf("expired early=%d, want 0", len(expired))
			}

			if err := s.ExtendVisibility(ctx, msgID, worker, 20*time.Second); err != nil {
				t.Fatalf("extend: %v", err)
			}

			expired, err = s.ExpiredClaims(ctx, now.Add(15*time.Second), 10)
			if err != nil {
				t.Fatalf("expired claims after extend: %v", err)
			}
			if len(expired) != 0 {
				t.Fatalf("expired after extend=%d, want 0", len(expired))
			}

			expired, err = s.ExpiredClaims(ctx, now.Add(31*time.Second), 10)
			if err != nil {
				t.Fatalf("expired claims late: %v", err)
			}
			if len(expired) != 1 || expired[0].ID != msgID {
				t.Fatalf("expired late=%v, want %s", expired, msgID)
			}
			if expired[0].ClaimedBy != worker {
				t.Fatalf("expired claimed_by=%s, want %s", expired[0].ClaimedBy, worker)
			}
		})
	}
}

func TestStoreContract_DedupLookupWindow(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 2, 9, 45, 0, 0, time.UTC)
			s := factory.new(t, &now)
			q := contractQueue(t, s, "dedup-"+factory.name, nil)

			msgID := NewID()
			if err := s.InsertMessage(ctx, Message{ID: msgID, QueueID: q.ID, Type: "t", DeduplicationID: "dedup-key", CreatedAt: now, MaxAttempts: 1}); err != nil {
				t.Fatalf("insert: %v", err)
			}

			id, found, err := s.LookupDeduplicationID(ctx, q.ID, "dedup-key", now.Add(-time.Minute))
			if err != nil {
				t.Fatalf("lookup: %v", err)
			}
			if !found || id != msgID {
				t.Fatalf("lookup found=%v id=%s, want %s", found, id, msgID)
			}

			// Outside the window the earlier message is invisible.
			_, found, err = s.LookupDeduplicationID(ctx, q.ID, "dedup-key", now.Add(time.Minute))
			if err != nil {
				t.Fatalf("lookup outside window: %v", err)
			}
			if found {
				t.Fatalf("lookup outside window found a message")
			}

			_, found, err = s.LookupDeduplicationID(ctx, q.ID, "other-key", now.Add(-time.Minute))
			if err != nil {
				t.Fatalf("lookup other key: %v", err)
			}
			if found {
				t.Fatalf("lookup other key found a message")
			}
		})
	}
}

func TestStoreContract_QueueLifecycle(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 2, 9, 50, 0, 0, time.UTC)
			s := factory.new(t, &now)
			q := contractQueue(t, s, "lifecycle-"+factory.name, nil)
			worker := NewID()

			if err := s.CreateQueue(ctx, Queue{ID: NewID(), Name: q.Name}); !errors.Is(err, ErrQueueExists) {
				t.Fatalf("duplicate name err=%v, want ErrQueueExists", err)
			}

			byName, err := s.GetQueueByName(ctx, q.Name)
			if err != nil {
				t.Fatalf("get by name: %v", err)
			}
			if byName.ID != q.ID {
				t.Fatalf("get by name id=%s, want %s", byName.ID, q.ID)
			}

			msgID := NewID()
			if err := s.InsertMessage(ctx, Message{ID: msgID, QueueID: q.ID, Type: "t", MaxAttempts: 1}); err != nil {
				t.Fatalf("insert: %v", err)
			}

			// Paused queues accept messages but release none.
			if err := s.SetQueueState(ctx, q.ID, QueuePaused); err != nil {
				t.Fatalf("pause: %v", err)
			}
			claimed, err := s.Claim(ctx, ClaimRequest{QueueID: q.ID, WorkerID: worker, Max: 1})
			if err != nil {
				t.Fatalf("claim paused: %v", err)
			}
			if len(claimed) != 0 {
				t.Fatalf("claimed from paused queue")
			}

			// Draining queues release but reject new messages at the engine
			// layer; the store still claims them.
			if err := s.SetQueueState(ctx, q.ID, QueueDraining); err != nil {
				t.Fatalf("drain: %v", err)
			}
			claimed, err = s.Claim(ctx, ClaimRequest{QueueID: q.ID, WorkerID: worker, Max: 1})
			if err != nil {
				t.Fatalf("claim draining: %v", err)
			}
			if len(claimed) != 1 {
				t.Fatalf("claim draining=%d, want 1", len(claimed))
			}

			if err := s.DeleteQueue(ctx, q.ID, false); !errors.Is(err, ErrQueueNotEmpty) {
				t.Fatalf("delete with in-flight err=%v, want ErrQueueNotEmpty", err)
			}
			if err := s.DeleteQueue(ctx, q.ID, true); err != nil {
				t.Fatalf("force delete: %v", err)
			}
			if _, err := s.GetQueue(ctx, q.ID); !errors.Is(err, ErrQueueNotFound) {
				t.Fatalf("get deleted err=%v, want ErrQueueNotFound", err)
			}
			if _, err := s.GetMessage(ctx, claimed[0].ID); !errors.Is(err, ErrMessageNotFound) {
				t.Fatalf("message survived queue delete: %v", err)
			}
		})
	}
}

func TestStoreContract_StatsAndDepth(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 2, 9, 55, 0, 0, time.UTC)
			s := factory.new(t, &now)
			q := contractQueue(t, s, "stats-"+factory.name, nil)
			worker := NewID()

			first := NewID()
			if err := s.InsertMessage(ctx, Message{ID: first, QueueID: q.ID, Type: "t", CreatedAt: now, MaxAttempts: 3}); err != nil {
				t.Fatalf("insert first: %v", err)
			}
			if err := s.InsertMessage(ctx, Message{ID: NewID(), QueueID: q.ID, Type: "t", CreatedAt: now.Add(time.Second), MaxAttempts: 3}); err != nil {
				t.Fatalf("insert second: %v", err)
			}
			if _, err := s.Claim(ctx, ClaimRequest{QueueID: q.ID, WorkerID: worker, Max: 1, Now: now.Add(2 * time.Second)}); err != nil {
				t.Fatalf("claim: %v", err)
			}
			if _, err := s.Complete(ctx, first, worker, now.Add(3*time.Second)); err != nil {
				t.Fatalf("complete: %v", err)
			}

			st, err := s.Stats(ctx, q.ID)
			if err != nil {
				t.Fatalf("stats: %v", err)
			}
			if st.ByStatus[StatusPending] != 1 {
				t.Fatalf("pending=%d, want 1", st.ByStatus[StatusPending])
			}
			if st.ByStatus[StatusCompleted] != 1 {
				t.Fatalf("completed=%d, want 1", st.ByStatus[StatusCompleted])
			}
			if st.Depth != 1 {
				t.Fatalf("depth=%d, want 1", st.Depth)
			}

			depth, err := s.QueueDepth(ctx, q.ID)
			if err != nil {
				t.Fatalf("queue depth: %v", err)
			}
			if depth != 1 {
				t.Fatalf("queue depth=%d, want 1", depth)
			}
		})
	}
}

func TestStoreContract_AttemptHistory(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
			s := factory.new(t, &now)
			q := contractQueue(t, s, "attempts-"+factory.name, nil)
			msgID := NewID()

			for i, outcome := range []AttemptOutcome{OutcomeRetried, OutcomeCompleted} {
				a := Attempt{
					ID:            NewID(),
					MessageID:     msgID,
					QueueID:       q.ID,
					Handler:       "send-email",
					AttemptNumber: i + 1,
					Outcome:       outcome,
					Latency:       25 * time.Millisecond,
					CreatedAt:     now.Add(time.Duration(i) * time.Second),
				}
				if outcome == OutcomeRetried {
					a.Error = "transient"
				}
				if err := s.RecordAttempt(ctx, a); err != nil {
					t.Fatalf("record attempt %d: %v", i+1, err)
				}
			}

			got, err := s.ListAttempts(ctx, AttemptFilter{MessageID: msgID})
			if err != nil {
				t.Fatalf("list attempts: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("attempts=%d, want 2", len(got))
			}
			// Newest first.
			if got[0].Outcome != OutcomeCompleted || got[1].Outcome != OutcomeRetried {
				t.Fatalf("order=%s,%s, want completed,retried", got[0].Outcome, got[1].Outcome)
			}
			if got[1].Error != "transient" {
				t.Fatalf("error=%q, want transient", got[1].Error)
			}

			retried, err := s.ListAttempts(ctx, AttemptFilter{MessageID: msgID, Outcome: OutcomeRetried})
			if err != nil {
				t.Fatalf("list retried: %v", err)
			}
			if len(retried) != 1 {
				t.Fatalf("retried=%d, want 1", len(retried))
			}
		})
	}
}

func TestStoreContract_CancelAndPurge(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 2, 10, 5, 0, 0, time.UTC)
			s := factory.new(t, &now)
			q := contractQueue(t, s, "cancel-"+factory.name, nil)
			worker := NewID()

			pending := NewID()
			inflight := NewID()
			if err := s.InsertMessage(ctx, Message{ID: pending, QueueID: q.ID, Type: "t", CreatedAt: now, MaxAttempts: 1}); err != nil {
				t.Fatalf("insert pending: %v", err)
			}
			if err := s.InsertMessage(ctx, Message{ID: inflight, QueueID: q.ID, Type: "t", CreatedAt: now.Add(-time.Second), MaxAttempts: 1}); err != nil {
				t.Fatalf("insert inflight: %v", err)
			}
			if _, err := s.Claim(ctx, ClaimRequest{QueueID: q.ID, WorkerID: worker, Max: 1, Now: now}); err != nil {
				t.Fatalf("claim: %v", err)
			}

			ok, err := s.CancelMessage(ctx, pending)
			if err != nil {
				t.Fatalf("cancel pending: %v", err)
			}
			if !ok {
				t.Fatalf("cancel pending=false, want true")
			}

			ok, err = s.CancelMessage(ctx, inflight)
			if err != nil {
				t.Fatalf("cancel inflight: %v", err)
			}
			if ok {
				t.Fatalf("cancelled an in-flight message")
			}

			// An unscoped purge removes everything except in-flight rows.
			leftover := NewID()
			if err := s.InsertMessage(ctx, Message{ID: leftover, QueueID: q.ID, Type: "t", CreatedAt: now, MaxAttempts: 1}); err != nil {
				t.Fatalf("insert leftover: %v", err)
			}
			n, err := s.PurgeQueue(ctx, q.ID, "")
			if err != nil {
				t.Fatalf("purge: %v", err)
			}
			if n != 1 {
				t.Fatalf("purged=%d, want 1", n)
			}
			if _, err := s.GetMessage(ctx, inflight); err != nil {
				t.Fatalf("in-flight message purged: %v", err)
			}

			// An explicit status still reaches processing rows.
			n, err = s.PurgeQueue(ctx, q.ID, StatusProcessing)
			if err != nil {
				t.Fatalf("purge processing: %v", err)
			}
			if n != 1 {
				t.Fatalf("purged=%d, want 1", n)
			}
		})
	}
}
