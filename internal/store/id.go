package store

import "github.com/google/uuid"

// NewID returns a fresh message/queue/attempt identifier.
func NewID() uuid.UUID {
	return uuid.New()
}
