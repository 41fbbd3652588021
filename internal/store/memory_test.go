package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryStore_ConcurrentClaimsNeverOverlap(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	s := NewMemoryStore(WithNowFunc(func() time.Time { return now }))

	q := Queue{ID: NewID(), Name: "concurrent", VisibilityTimeout: 30 * time.Second}
	if err := s.CreateQueue(ctx, q); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	const total = 100
	for i := 0; i < total; i++ {
		if err := s.InsertMessage(ctx, Message{ID: NewID(), QueueID: q.ID, Type: "t", MaxAttempts: 1}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[uuid.UUID]int, total)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			workerID := NewID()
			for {
				claimed, err := s.Claim(ctx, ClaimRequest{QueueID: q.ID, WorkerID: workerID, Max: 5})
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, m := range claimed {
					seen[m.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("claimed %d distinct messages, want %d", len(seen), total)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("message %s claimed %d times", id, n)
		}
	}
}

func TestMemoryStore_InsertBatchAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	q := Queue{ID: NewID(), Name: "batch"}
	if err := s.CreateQueue(ctx, q); err != nil {
		t.Fatalf("create queue: %v", err)
	}

	dup := NewID()
	batch := []Message{
		{ID: NewID(), QueueID: q.ID, Type: "t"},
		{ID: dup, QueueID: q.ID, Type: "t"},
		{ID: dup, QueueID: q.ID, Type: "t"},
	}
	if err := s.InsertMessages(ctx, batch); err != ErrMessageExists {
		t.Fatalf("batch with duplicate err=%v, want ErrMessageExists", err)
	}

	msgs, err := s.ListMessages(ctx, MessageFilter{QueueID: q.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("partial batch visible: %d messages", len(msgs))
	}

	ok := []Message{
		{ID: NewID(), QueueID: q.ID, Type: "t"},
		{ID: NewID(), QueueID: q.ID, Type: "t"},
	}
	if err := s.InsertMessages(ctx, ok); err != nil {
		t.Fatalf("valid batch: %v", err)
	}
	msgs, err = s.ListMessages(ctx, MessageFilter{QueueID: q.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages=%d, want 2", len(msgs))
	}
}
