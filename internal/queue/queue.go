// Package queue carries job descriptors between submitters and workers.
//
// Delivery is at-least-once: a received message is leased to one consumer
// for a bounded window and becomes claimable again when the lease expires,
// unless it was deleted (completed) or moved to the dead list first.
package queue

import (
	"context"
	"time"
)

// Message is one received queue entry. Handle is the token for
// Delete/Extend/MoveToDead; Attempt counts prior deliveries and comes from
// transport metadata, never from the payload itself.
type Message struct {
	Handle  string
	Body    []byte
	Attempt int
}

type Queue interface {
	// Enqueue appends a message and returns its id.
	Enqueue(ctx context.Context, body []byte) (string, error)

	// Receive claims the next message under a lease, blocking up to wait.
	// It returns (nil, nil) when no message arrives within the window.
	Receive(ctx context.Context, wait time.Duration) (*Message, error)

	// Delete removes a message for good. Deletion is the commit point of
	// a job; an undeleted message always comes back.
	Delete(ctx context.Context, handle string) error

	// Extend pushes the lease deadline of an in-flight message forward.
	Extend(ctx context.Context, handle string, ttl time.Duration) error

	// MoveToDead routes a poison message to the dead list so it is never
	// redelivered. Moving an already-dead message is a no-op.
	MoveToDead(ctx context.Context, handle string) error

	// ReclaimExpired returns expired leases to the ready list and reports
	// how many messages were requeued.
	ReclaimExpired(ctx context.Context) (int, error)
}
