package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryOption func(*MemoryStore)

func WithNowFunc(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// MemoryStore keeps all state under one mutex. The claim selection and the
// status transition happen inside the same critical section, which gives the
// same at-most-one-claimant guarantee the SQL backends get from row locking.
type MemoryStore struct {
	mu       sync.Mutex
	nowFn    func() time.Time
	queues   map[uuid.UUID]*Queue
	messages map[uuid.UUID]*Message
	attempts []Attempt
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		nowFn:    time.Now,
		queues:   make(map[uuid.UUID]*Queue),
		messages: make(map[uuid.UUID]*Message),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateQueue(_ context.Context, q Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q.ID == uuid.Nil {
		q.ID = NewID()
	}
	if _, exists := s.queues[q.ID]; exists {
		return ErrQueueExists
	}
	for _, existing := range s.queues {
		if existing.Name == q.Name {
			return ErrQueueExists
		}
	}
	now := s.nowFn()
	if q.State == "" {
		q.State = QueueActive
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	q.UpdatedAt = now

	cpy := q
	s.queues[q.ID] = &cpy
	return nil
}

func (s *MemoryStore) GetQueue(_ context.Context, id uuid.UUID) (Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[id]
	if q == nil {
		return Queue{}, ErrQueueNotFound
	}
	return *q, nil
}

func (s *MemoryStore) GetQueueByName(_ context.Context, name string) (Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name = strings.TrimSpace(name)
	for _, q := range s.queues {
		if q.Name == name {
			return *q, nil
		}
	}
	return Queue{}, ErrQueueNotFound
}

func (s *MemoryStore) UpdateQueue(_ context.Context, q Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.queues[q.ID]
	if existing == nil {
		return ErrQueueNotFound
	}
	q.CreatedAt = existing.CreatedAt
	q.UpdatedAt = s.nowFn()
	cpy := q
	s.queues[q.ID] = &cpy
	return nil
}

func (s *MemoryStore) SetQueueState(_ context.Context, id uuid.UUID, state QueueState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[id]
	if q == nil {
		return ErrQueueNotFound
	}
	q.State = state
	q.UpdatedAt = s.nowFn()
	return nil
}

func (s *MemoryStore) DeleteQueue(_ context.Context, id uuid.UUID, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queues[id] == nil {
		return ErrQueueNotFound
	}
	if !force {
		for _, m := range s.messages {
			if m.QueueID == id && m.Status == StatusProcessing {
				return ErrQueueNotEmpty
			}
		}
	}
	for msgID, m := range s.messages {
		if m.QueueID == id {
			delete(s.messages, msgID)
		}
	}
	delete(s.queues, id)
	return nil
}

func (s *MemoryStore) ListQueues(_ context.Context) ([]Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Queue, 0, len(s.queues))
	for _, q := range s.queues {
		out = append(out, *q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) QueueDepth(_ context.Context, id uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queues[id] == nil {
		return 0, ErrQueueNotFound
	}
	return s.depthLocked(id), nil
}

func (s *MemoryStore) depthLocked(id uuid.UUID) int {
	n := 0
	for _, m := range s.messages {
		if m.QueueID != id {
			continue
		}
		switch m.Status {
		case StatusPending, StatusScheduled, StatusProcessing:
			n++
		}
	}
	return n
}

func (s *MemoryStore) InsertMessage(_ context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(m)
}

func (s *MemoryStore) InsertMessages(_ context.Context, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Pre-validate so the batch is all-or-nothing.
	seen := make(map[uuid.UUID]struct{}, len(msgs))
	for _, m := range msgs {
		if m.ID != uuid.Nil {
			if _, dup := seen[m.ID]; dup {
				return ErrMessageExists
			}
			seen[m.ID] = struct{}{}
			if _, exists := s.messages[m.ID]; exists {
				return ErrMessageExists
			}
		}
		if s.queues[m.QueueID] == nil {
			return ErrQueueNotFound
		}
	}
	for _, m := range msgs {
		if err := s.insertLocked(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) insertLocked(m Message) error {
	if s.queues[m.QueueID] == nil {
		return ErrQueueNotFound
	}
	if m.ID == uuid.Nil {
		m.ID = NewID()
	}
	if _, exists := s.messages[m.ID]; exists {
		return ErrMessageExists
	}
	now := s.nowFn()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.Status == "" {
		if !m.ScheduledAt.IsZero() && m.ScheduledAt.After(now) {
			m.Status = StatusScheduled
		} else {
			m.Status = StatusPending
		}
	}
	m.Payload = append([]byte(nil), m.Payload...)
	cpy := m
	s.messages[m.ID] = &cpy
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id uuid.UUID) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.messages[id]
	if m == nil {
		return Message{}, ErrMessageNotFound
	}
	return cloneMessage(*m), nil
}

func (s *MemoryStore) LookupDeduplicationID(_ context.Context, queueID uuid.UUID, dedupID string, since time.Time) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Message
	for _, m := range s.messages {
		if m.QueueID != queueID || m.DeduplicationID != dedupID {
			continue
		}
		if m.CreatedAt.Before(since) {
			continue
		}
		if best == nil || m.CreatedAt.Before(best.CreatedAt) {
			best = m
		}
	}
	if best == nil {
		return uuid.Nil, false, nil
	}
	return best.ID, true, nil
}

func (s *MemoryStore) Claim(_ context.Context, req ClaimRequest) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[req.QueueID]
	if q == nil {
		return nil, ErrQueueNotFound
	}
	if !q.AcceptsClaim() {
		return nil, nil
	}

	now := req.Now
	if now.IsZero() {
		now = s.nowFn()
	}
	max := clampBatch(req.Max)

	timeout := req.VisibilityTimeout
	if timeout <= 0 {
		timeout = q.VisibilityTimeout
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	// Groups with an in-flight message are excluded for fifo queues; groups
	// selected within this batch join the exclusion set so a batch never
	// holds two messages of one group.
	busyGroups := map[string]struct{}{}
	if q.FifoEnabled {
		for _, m := range s.messages {
			if m.QueueID == q.ID && m.Status == StatusProcessing && m.GroupID != "" {
				busyGroups[m.GroupID] = struct{}{}
			}
		}
	}

	candidates := make([]*Message, 0)
	for _, m := range s.messages {
		if m.QueueID != q.ID {
			continue
		}
		switch m.Status {
		case StatusPending:
			if !m.ScheduledAt.IsZero() && m.ScheduledAt.After(now) {
				continue
			}
		case StatusScheduled:
			if m.ScheduledAt.After(now) {
				continue
			}
		default:
			continue
		}
		candidates = append(candidates, m)
	}

	if q.PriorityEnabled {
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Priority != candidates[j].Priority {
				return candidates[i].Priority > candidates[j].Priority
			}
			if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
				return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
			}
			return candidates[i].ID.String() < candidates[j].ID.String()
		})
	} else {
		sort.Slice(candidates, func(i, j int) bool {
			if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
				return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
			}
			return candidates[i].ID.String() < candidates[j].ID.String()
		})
	}

	out := make([]Message, 0, max)
	for _, m := range candidates {
		if len(out) >= max {
			break
		}
		if q.FifoEnabled && m.GroupID != "" {
			if _, busy := busyGroups[m.GroupID]; busy {
				continue
			}
			busyGroups[m.GroupID] = struct{}{}
		}

		m.Status = StatusProcessing
		m.ClaimedBy = req.WorkerID
		m.ProcessingStartedAt = now
		m.VisibilityTimeoutAt = now.Add(timeout)
		m.AttemptCount++
		out = append(out, cloneMessage(*m))
	}
	return out, nil
}

func (s *MemoryStore) Complete(_ context.Context, msgID, workerID uuid.UUID, now time.Time) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.claimedLocked(msgID, workerID)
	if err != nil {
		return Message{}, err
	}
	if now.IsZero() {
		now = s.nowFn()
	}
	m.Status = StatusCompleted
	m.CompletedAt = now
	m.ClaimedBy = uuid.Nil
	m.VisibilityTimeoutAt = time.Time{}
	return cloneMessage(*m), nil
}

func (s *MemoryStore) Release(_ context.Context, msgID, workerID uuid.UUID, nextVisibleAt time.Time, lastError string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.claimedLocked(msgID, workerID)
	if err != nil {
		return Message{}, err
	}
	m.Status = StatusPending
	m.ClaimedBy = uuid.Nil
	m.ProcessingStartedAt = time.Time{}
	m.VisibilityTimeoutAt = time.Time{}
	m.ScheduledAt = nextVisibleAt
	m.LastError = lastError
	return cloneMessage(*m), nil
}

func (s *MemoryStore) DeadLetter(_ context.Context, msgID, workerID uuid.UUID, terminal MessageStatus, reason string, dlq uuid.UUID, now time.Time) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.claimedLocked(msgID, workerID)
	if err != nil {
		return Message{}, err
	}
	if now.IsZero() {
		now = s.nowFn()
	}
	s.terminateLocked(m, terminal, reason, dlq, now)
	return cloneMessage(*m), nil
}

// terminateLocked applies the terminal transition shared by the nack and TTL
// paths. Identity and history are preserved across a DLQ move.
func (s *MemoryStore) terminateLocked(m *Message, terminal MessageStatus, reason string, dlq uuid.UUID, now time.Time) {
	m.ClaimedBy = uuid.Nil
	m.ProcessingStartedAt = time.Time{}
	m.VisibilityTimeoutAt = time.Time{}
	m.LastError = reason

	if dlq != uuid.Nil && s.queues[dlq] != nil && s.queues[dlq].AcceptsEnqueue() {
		m.OriginQueueID = m.QueueID
		m.QueueID = dlq
		m.Status = StatusPending
		m.AttemptCount = 0
		m.ScheduledAt = time.Time{}
		return
	}
	m.Status = terminal
	m.CompletedAt = now
}

func (s *MemoryStore) ExtendVisibility(_ context.Context, msgID, workerID uuid.UUID, extendBy time.Duration) error {
	if extendBy <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.claimedLocked(msgID, workerID)
	if err != nil {
		return err
	}
	m.VisibilityTimeoutAt = m.VisibilityTimeoutAt.Add(extendBy)
	return nil
}

func (s *MemoryStore) ExpiredClaims(_ context.Context, now time.Time, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.IsZero() {
		now = s.nowFn()
	}
	limit = clampLimit(limit)

	out := make([]Message, 0)
	for _, m := range s.messages {
		if len(out) >= limit {
			break
		}
		if m.Status != StatusProcessing {
			continue
		}
		if m.VisibilityTimeoutAt.IsZero() || m.VisibilityTimeoutAt.After(now) {
			continue
		}
		out = append(out, cloneMessage(*m))
	}
	return out, nil
}

func (s *MemoryStore) ActivateScheduled(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.IsZero() {
		now = s.nowFn()
	}
	n := 0
	for _, m := range s.messages {
		if m.Status != StatusScheduled {
			continue
		}
		if m.ScheduledAt.After(now) {
			continue
		}
		m.Status = StatusPending
		n++
	}
	return n, nil
}

func (s *MemoryStore) ExpiredTTL(_ context.Context, now time.Time, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.IsZero() {
		now = s.nowFn()
	}
	limit = clampLimit(limit)

	out := make([]Message, 0)
	for _, m := range s.messages {
		if len(out) >= limit {
			break
		}
		if m.Status != StatusPending && m.Status != StatusScheduled {
			continue
		}
		q := s.queues[m.QueueID]
		if q == nil || q.MessageTTL <= 0 {
			continue
		}
		if m.CreatedAt.Add(q.MessageTTL).After(now) {
			continue
		}
		out = append(out, cloneMessage(*m))
	}
	return out, nil
}

func (s *MemoryStore) ExpireMessage(_ context.Context, msgID uuid.UUID, reason string, dlq uuid.UUID, now time.Time) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.messages[msgID]
	if m == nil {
		return Message{}, ErrMessageNotFound
	}
	if m.Status != StatusPending && m.Status != StatusScheduled {
		return Message{}, ErrConflict
	}
	if now.IsZero() {
		now = s.nowFn()
	}
	s.terminateLocked(m, StatusDeadLetter, reason, dlq, now)
	return cloneMessage(*m), nil
}

func (s *MemoryStore) Requeue(_ context.Context, msgID uuid.UUID, now time.Time) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.messages[msgID]
	if m == nil {
		return Message{}, ErrMessageNotFound
	}
	if m.Status != StatusFailed && m.Status != StatusDeadLetter {
		return Message{}, ErrConflict
	}
	if now.IsZero() {
		now = s.nowFn()
	}
	s.requeueLocked(m)
	return cloneMessage(*m), nil
}

func (s *MemoryStore) requeueLocked(m *Message) {
	m.Status = StatusPending
	m.AttemptCount = 0
	m.ClaimedBy = uuid.Nil
	m.ScheduledAt = time.Time{}
	m.ProcessingStartedAt = time.Time{}
	m.CompletedAt = time.Time{}
	m.VisibilityTimeoutAt = time.Time{}
}

func (s *MemoryStore) RequeueByStatus(_ context.Context, queueID uuid.UUID, status MessageStatus, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status != StatusFailed && status != StatusDeadLetter {
		return 0, ErrConflict
	}
	n := 0
	for _, m := range s.messages {
		if m.QueueID != queueID || m.Status != status {
			continue
		}
		s.requeueLocked(m)
		n++
	}
	return n, nil
}

func (s *MemoryStore) CancelMessage(_ context.Context, msgID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.messages[msgID]
	if m == nil {
		return false, nil
	}
	if m.Status != StatusPending && m.Status != StatusScheduled {
		return false, nil
	}
	delete(s.messages, msgID)
	return true, nil
}

func (s *MemoryStore) PurgeQueue(_ context.Context, queueID uuid.UUID, status MessageStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, m := range s.messages {
		if m.QueueID != queueID {
			continue
		}
		if status != "" && m.Status != status {
			continue
		}
		// An unscoped purge leaves in-flight rows for their ack or nack.
		if status == "" && m.Status == StatusProcessing {
			continue
		}
		delete(s.messages, id)
		n++
	}
	return n, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, f MessageFilter) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := clampLimit(f.Limit)
	out := make([]Message, 0)
	for _, m := range s.messages {
		if f.QueueID != uuid.Nil && m.QueueID != f.QueueID {
			continue
		}
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		if f.Type != "" && m.Type != f.Type {
			continue
		}
		if f.GroupID != "" && m.GroupID != f.GroupID {
			continue
		}
		if f.CorrelationID != "" && m.CorrelationID != f.CorrelationID {
			continue
		}
		if !f.Since.IsZero() && m.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && !m.CreatedAt.Before(f.Until) {
			continue
		}
		out = append(out, cloneMessage(*m))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context, queueID uuid.UUID) (QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queues[queueID] == nil {
		return QueueStats{}, ErrQueueNotFound
	}

	st := QueueStats{
		QueueID: queueID,
		ByStatus: map[MessageStatus]int{
			StatusPending:    0,
			StatusScheduled:  0,
			StatusProcessing: 0,
			StatusCompleted:  0,
			StatusFailed:     0,
			StatusDeadLetter: 0,
		},
	}
	for _, m := range s.messages {
		if m.QueueID != queueID {
			continue
		}
		st.ByStatus[m.Status]++
		if m.Status == StatusPending {
			if st.OldestPendingAt.IsZero() || m.CreatedAt.Before(st.OldestPendingAt) {
				st.OldestPendingAt = m.CreatedAt
			}
		}
	}
	st.Depth = st.ByStatus[StatusPending] + st.ByStatus[StatusScheduled] + st.ByStatus[StatusProcessing]
	return st, nil
}

func (s *MemoryStore) RecordAttempt(_ context.Context, a Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == uuid.Nil {
		a.ID = NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.nowFn()
	}
	s.attempts = append(s.attempts, a)
	return nil
}

func (s *MemoryStore) ListAttempts(_ context.Context, f AttemptFilter) ([]Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := clampLimit(f.Limit)
	out := make([]Attempt, 0)
	for _, a := range s.attempts {
		if f.MessageID != uuid.Nil && a.MessageID != f.MessageID {
			continue
		}
		if f.QueueID != uuid.Nil && a.QueueID != f.QueueID {
			continue
		}
		if f.Handler != "" && a.Handler != f.Handler {
			continue
		}
		if f.Outcome != "" && a.Outcome != f.Outcome {
			continue
		}
		if !f.Before.IsZero() && !a.CreatedAt.Before(f.Before) {
			continue
		}
		out = append(out, a)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() > out[j].ID.String()
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// claimedLocked resolves a message that must be processing and claimed by
// workerID. A mismatch means the caller lost its claim (visibility timeout
// expired and another worker took over, or a stale retry).
func (s *MemoryStore) claimedLocked(msgID, workerID uuid.UUID) (*Message, error) {
	m := s.messages[msgID]
	if m == nil {
		return nil, ErrMessageNotFound
	}
	if m.Status != StatusProcessing || m.ClaimedBy != workerID {
		return nil, ErrNotClaimed
	}
	return m, nil
}

func cloneMessage(m Message) Message {
	m.Payload = append([]byte(nil), m.Payload...)
	return m
}
