package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventEnqueued          EventType = "enqueued"
	EventClaimed           EventType = "claimed"
	EventCompleted         EventType = "completed"
	EventRetried           EventType = "retried"
	EventDeadLettered      EventType = "dead_lettered"
	EventFailed            EventType = "failed"
	EventExpired           EventType = "expired"
	EventCancelled         EventType = "cancelled"
	EventQueueCreated      EventType = "queue_created"
	EventQueueStateChanged EventType = "queue_state_changed"
)

type Event struct {
	Type      EventType
	QueueID   uuid.UUID
	MessageID uuid.UUID
	At        time.Time
}

// Notifier fans engine events out to subscribers. Delivery is best
// effort: a subscriber whose buffer is full misses the event rather
// than stalling the engine.
type Notifier struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a cancel function. The
// channel is closed on cancel or when the notifier shuts down.
func (n *Notifier) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = ch
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		if sub, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(sub)
		}
		n.mu.Unlock()
	}
	return ch, cancel
}

func (n *Notifier) Publish(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	for _, ch := range n.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}
