// Package dedupe suppresses duplicate enqueues within a per-queue window.
package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ContentKey derives a deduplication key from the message payload.
func ContentKey(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Index reserves deduplication keys. Reserve is called before the message is
// inserted; a failed insert must Release the key so a later enqueue is not
// suppressed by a message that never existed.
type Index interface {
	// Reserve claims key for msgID within queueID for the given window. When
	// the key is already held it returns the holder's message ID and true.
	Reserve(ctx context.Context, queueID uuid.UUID, key string, msgID uuid.UUID, window time.Duration) (uuid.UUID, bool, error)
	Release(ctx context.Context, queueID uuid.UUID, key string) error
	Close() error
}

type memoryEntry struct {
	msgID     uuid.UUID
	expiresAt time.Time
}

// MemoryIndex keeps reservations in process memory with lazy expiry. It is
// the default when no Redis address is configured.
type MemoryIndex struct {
	mu      sync.Mutex
	nowFn   func() time.Time
	entries map[string]memoryEntry
}

type MemoryIndexOption func(*MemoryIndex)

func WithMemoryIndexNowFunc(now func() time.Time) MemoryIndexOption {
	return func(i *MemoryIndex) {
		if now != nil {
			i.nowFn = now
		}
	}
}

func NewMemoryIndex(opts ...MemoryIndexOption) *MemoryIndex {
	i := &MemoryIndex{
		nowFn:   time.Now,
		entries: make(map[string]memoryEntry),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

var _ Index = (*MemoryIndex)(nil)

func (i *MemoryIndex) Reserve(_ context.Context, queueID uuid.UUID, key string, msgID uuid.UUID, window time.Duration) (uuid.UUID, bool, error) {
	if window <= 0 {
		return uuid.Nil, false, nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.nowFn()
	i.pruneLocked(now)

	k := indexKey(queueID, key)
	if e, ok := i.entries[k]; ok && e.expiresAt.After(now) {
		return e.msgID, true, nil
	}
	i.entries[k] = memoryEntry{msgID: msgID, expiresAt: now.Add(window)}
	return uuid.Nil, false, nil
}

func (i *MemoryIndex) Release(_ context.Context, queueID uuid.UUID, key string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.entries, indexKey(queueID, key))
	return nil
}

func (i *MemoryIndex) Close() error { return nil }

func (i *MemoryIndex) pruneLocked(now time.Time) {
	for k, e := range i.entries {
		if !e.expiresAt.After(now) {
			delete(i.entries, k)
		}
	}
}

func indexKey(queueID uuid.UUID, key string) string {
	return queueID.String() + ":" + key
}
