package engine

import "errors"

var (
	// ErrValidation marks requests rejected before they reach the store.
	ErrValidation = errors.New("invalid request")
	// ErrQueueNotActive is returned when a queue's state forbids the
	// requested operation.
	ErrQueueNotActive = errors.New("queue state does not permit operation")
	// ErrNotClaimedByCaller is returned when an ack or nack names a worker
	// that does not hold the message's claim.
	ErrNotClaimedByCaller = errors.New("message not claimed by caller")
	// ErrCircuitOpen is returned when the handler's circuit breaker
	// rejects an execution.
	ErrCircuitOpen = errors.New("circuit breaker open")
)
