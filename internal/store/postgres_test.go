//go:build integration

package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var pgDSN string

func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	pgDSN = fmt.Sprintf("postgres://test:test@%s:%s/test?sslmode=disable", host, port.Port())
	// Let the env-gated contract factories pick up the same database.
	os.Setenv("QUERN_TEST_POSTGRES_DSN", pgDSN)

	code := m.Run()

	if err := container.Terminate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to terminate container: %v\n", err)
	}
	os.Exit(code)
}

func TestPostgresStore_ClaimRoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	s, err := NewPostgresStore(pgDSN, WithPostgresNowFunc(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	defer s.Close()

	q := Queue{ID: NewID(), Name: "pg-roundtrip", VisibilityTimeout: 30 * time.Second}
	if err := s.CreateQueue(ctx, q); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	defer s.DeleteQueue(ctx, q.ID, true)

	worker := NewID()
	msgID := NewID()
	if err := s.InsertMessage(ctx, Message{ID: msgID, QueueID: q.ID, Type: "t", Payload: []byte("pg"), MaxAttempts: 3}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	claimed, err := s.Claim(ctx, ClaimRequest{QueueID: q.ID, WorkerID: worker, Max: 1, Now: now})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed=%d, want 1", len(claimed))
	}
	if claimed[0].AttemptCount != 1 {
		t.Fatalf("attempt_count=%d, want 1", claimed[0].AttemptCount)
	}

	done, err := s.Complete(ctx, msgID, worker, now.Add(time.Second))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Fatalf("status=%s, want completed", done.Status)
	}
}

func TestPostgresStore_ConcurrentFifoClaimsKeepGroupExclusive(t *testing.T) {
	ctx := context.Background()
	s, err := NewPostgresStore(pgDSN)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	defer s.Close()

	q := Queue{ID: NewID(), Name: "pg-fifo-race", FifoEnabled: true, VisibilityTimeout: 30 * time.Second}
	if err := s.CreateQueue(ctx, q); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	defer s.DeleteQueue(ctx, q.ID, true)

	for _, group := range []string{"g1", "g2"} {
		for i := 0; i < 5; i++ {
			m := Message{ID: NewID(), QueueID: q.ID, Type: "t", Payload: []byte("pg"), GroupID: group, MaxAttempts: 3}
			if err := s.InsertMessage(ctx, m); err != nil {
				t.Fatalf("insert: %v", err)
			}
		}
	}

	// Concurrent claimers race the group in-flight check; per group only
	// one message may be handed out.
	var (
		mu      sync.Mutex
		claimed []Message
	)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msgs, err := s.Claim(ctx, ClaimRequest{QueueID: q.ID, WorkerID: NewID(), Max: 4})
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			mu.Lock()
			claimed = append(claimed, msgs...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	perGroup := map[string]int{}
	for _, m := range claimed {
		perGroup[m.GroupID]++
	}
	for group, n := range perGroup {
		if n > 1 {
			t.Fatalf("group %s has %d messages in flight, want at most 1", group, n)
		}
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed=%d, want 2 (one per group)", len(claimed))
	}
}

func TestPostgresStore_EmptyDSNRejected(t *testing.T) {
	if _, err := NewPostgresStore("  "); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}
