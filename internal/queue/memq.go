package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemQ is an in-process Queue with the same lease semantics as RedisQ.
// It backs embedded single-host mode and the concurrency tests; many
// goroutines may share one instance.
type MemQ struct {
	leaseTTL time.Duration

	mu    sync.Mutex
	ready []string
	msgs  map[string]*memMsg
	dead  []string
	wake  chan struct{}
}

type memMsg struct {
	body     []byte
	receives int
	inflight bool
	deadline time.Time
	dead     bool
}

func NewMem(leaseTTL time.Duration) *MemQ {
	return &MemQ{
		leaseTTL: leaseTTL,
		msgs:     make(map[string]*memMsg),
		wake:     make(chan struct{}),
	}
}

func (q *MemQ) Enqueue(_ context.Context, body []byte) (string, error) {
	id := uuid.NewString()
	b := make([]byte, len(body))
	copy(b, body)

	q.mu.Lock()
	q.msgs[id] = &memMsg{body: b}
	q.ready = append(q.ready, id)
	q.wakeLocked()
	q.mu.Unlock()
	return id, nil
}

func (q *MemQ) Receive(ctx context.Context, wait time.Duration) (*Message, error) {
	deadline := time.Now().Add(wait)
	for {
		q.mu.Lock()
		q.reclaimLocked(time.Now())
		if len(q.ready) > 0 {
			id := q.ready[0]
			q.ready = q.ready[1:]
			m := q.msgs[id]
			if m == nil || m.dead {
				q.mu.Unlock()
				continue
			}
			m.receives++
			m.inflight = true
			m.deadline = time.Now().Add(q.leaseTTL)
			msg := &Message{Handle: id, Body: m.body, Attempt: m.receives - 1}
			q.mu.Unlock()
			return msg, nil
		}
		wake := q.wake
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(remaining):
			return nil, nil
		case <-wake:
		}
	}
}

func (q *MemQ) Delete(_ context.Context, handle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.msgs, handle)
	q.removeReadyLocked(handle)
	return nil
}

func (q *MemQ) Extend(_ context.Context, handle string, ttl time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if m, ok := q.msgs[handle]; ok && m.inflight {
		m.deadline = time.Now().Add(ttl)
	}
	return nil
}

func (q *MemQ) MoveToDead(_ context.Context, handle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.msgs[handle]
	if !ok || m.dead {
		return nil
	}
	m.dead = true
	m.inflight = false
	q.removeReadyLocked(handle)
	q.dead = append(q.dead, handle)
	return nil
}

func (q *MemQ) ReclaimExpired(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reclaimLocked(time.Now()), nil
}

// Dead returns the poisoned message ids, oldest first.
func (q *MemQ) Dead() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.dead))
	copy(out, q.dead)
	return out
}

// Pending reports how many messages are still live (ready or leased).
func (q *MemQ) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, m := range q.msgs {
		if !m.dead {
			n++
		}
	}
	return n
}

func (q *MemQ) reclaimLocked(now time.Time) int {
	n := 0
	for id, m := range q.msgs {
		if m.inflight && now.After(m.deadline) {
			m.inflight = false
			q.ready = append(q.ready, id)
			n++
		}
	}
	if n > 0 {
		q.wakeLocked()
	}
	return n
}

func (q *MemQ) removeReadyLocked(handle string) {
	for i, id := range q.ready {
		if id == handle {
			q.ready = append(q.ready[:i], q.ready[i+1:]...)
			return
		}
	}
}

func (q *MemQ) wakeLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}
