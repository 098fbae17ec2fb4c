package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemQReceiveEmpty(t *testing.T) {
	t.Parallel()
	q := NewMem(time.Minute)
	msg, err := q.Receive(context.Background(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if msg != nil {
		t.Errorf("Expected nil message from empty queue, got %+v", msg)
	}
}

func TestMemQDeliveryOrder(t *testing.T) {
	t.Parallel()
	q := NewMem(time.Minute)
	ctx := context.Background()

	for _, body := range []string{"a", "b", "c"} {
		if _, err := q.Enqueue(ctx, []byte(body)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		msg, err := q.Receive(ctx, time.Second)
		if err != nil || msg == nil {
			t.Fatalf("Receive: msg=%v err=%v", msg, err)
		}
		if string(msg.Body) != want {
			t.Errorf("Expected body %q, got %q", want, msg.Body)
		}
		if msg.Attempt != 0 {
			t.Errorf("Expected attempt 0 on first delivery, got %d", msg.Attempt)
		}
	}
}

// A leased message must not be visible to any other receiver until its
// lease expires, no matter how many receivers race for it.
func TestMemQLeaseExclusivity(t *testing.T) {
	t.Parallel()
	q := NewMem(time.Minute)
	ctx := context.Background()

	const n = 8
	if _, err := q.Enqueue(ctx, []byte("only")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var (
		mu  sync.Mutex
		got int
		wg  sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, err := q.Receive(ctx, 50*time.Millisecond)
			if err != nil {
				t.Errorf("Receive: %v", err)
				return
			}
			if msg != nil {
				mu.Lock()
				got++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if got != 1 {
		t.Errorf("Expected exactly one delivery, got %d", got)
	}
}

func TestMemQRedeliveryAfterExpiry(t *testing.T) {
	t.Parallel()
	q := NewMem(30 * time.Millisecond)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, []byte("job")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	first, err := q.Receive(ctx, time.Second)
	if err != nil || first == nil {
		t.Fatalf("First receive: msg=%v err=%v", first, err)
	}
	if first.Attempt != 0 {
		t.Errorf("Expected attempt 0, got %d", first.Attempt)
	}

	// Abandon the lease; the message must come back with a higher attempt.
	second, err := q.Receive(ctx, time.Second)
	if err != nil || second == nil {
		t.Fatalf("Second receive: msg=%v err=%v", second, err)
	}
	if second.Handle != first.Handle {
		t.Errorf("Expected same message, got %q and %q", first.Handle, second.Handle)
	}
	if second.Attempt != 1 {
		t.Errorf("Expected attempt 1 after redelivery, got %d", second.Attempt)
	}
}

func TestMemQExtendKeepsLease(t *testing.T) {
	t.Parallel()
	q := NewMem(60 * time.Millisecond)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, []byte("job")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	msg, err := q.Receive(ctx, time.Second)
	if err != nil || msg == nil {
		t.Fatalf("Receive: msg=%v err=%v", msg, err)
	}

	// Keep extending past the original deadline.
	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		if err := q.Extend(ctx, msg.Handle, 60*time.Millisecond); err != nil {
			t.Fatalf("Extend: %v", err)
		}
	}
	if again, _ := q.Receive(ctx, 10*time.Millisecond); again != nil {
		t.Errorf("Extended lease should block redelivery, got %+v", again)
	}
}

func TestMemQDeleteIsFinal(t *testing.T) {
	t.Parallel()
	q := NewMem(20 * time.Millisecond)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, []byte("job")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	msg, err := q.Receive(ctx, time.Second)
	if err != nil || msg == nil {
		t.Fatalf("Receive: msg=%v err=%v", msg, err)
	}
	if err := q.Delete(ctx, msg.Handle); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	// Even after the old lease window passes, nothing redelivers.
	time.Sleep(40 * time.Millisecond)
	if again, _ := q.Receive(ctx, 10*time.Millisecond); again != nil {
		t.Errorf("Deleted message redelivered: %+v", again)
	}
	if q.Pending() != 0 {
		t.Errorf("Expected no pending messages, got %d", q.Pending())
	}
}

func TestMemQMoveToDead(t *testing.T) {
	t.Parallel()
	q := NewMem(20 * time.Millisecond)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, []byte("bad")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	msg, err := q.Receive(ctx, time.Second)
	if err != nil || msg == nil {
		t.Fatalf("Receive: msg=%v err=%v", msg, err)
	}
	if err := q.MoveToDead(ctx, msg.Handle); err != nil {
		t.Fatalf("MoveToDead: %v", err)
	}
	// Moving twice must not duplicate the dead entry.
	if err := q.MoveToDead(ctx, msg.Handle); err != nil {
		t.Fatalf("MoveToDead again: %v", err)
	}

	if dead := q.Dead(); len(dead) != 1 || dead[0] != msg.Handle {
		t.Errorf("Expected dead list [%s], got %v", msg.Handle, dead)
	}
	time.Sleep(40 * time.Millisecond)
	if again, _ := q.Receive(ctx, 10*time.Millisecond); again != nil {
		t.Errorf("Dead message redelivered: %+v", again)
	}
}

func TestMemQReclaimExpired(t *testing.T) {
	t.Parallel()
	q := NewMem(10 * time.Millisecond)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, []byte("job")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if msg, err := q.Receive(ctx, time.Second); err != nil || msg == nil {
		t.Fatalf("Receive: msg=%v err=%v", msg, err)
	}
	time.Sleep(20 * time.Millisecond)

	n, err := q.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 reclaimed lease, got %d", n)
	}
}

func TestMemQWakesBlockedReceiver(t *testing.T) {
	t.Parallel()
	q := NewMem(time.Minute)
	ctx := context.Background()

	done := make(chan *Message, 1)
	go func() {
		msg, _ := q.Receive(ctx, 2*time.Second)
		done <- msg
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := q.Enqueue(ctx, []byte("late")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case msg := <-done:
		if msg == nil || string(msg.Body) != "late" {
			t.Errorf("Expected the late message, got %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("Receiver was not woken by the enqueue")
	}
}
