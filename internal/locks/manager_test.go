package locks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAcquireSerializesPerKey(t *testing.T) {
	manager := NewManager(nil, time.Minute, 10)
	ctx := context.Background()

	first, err := manager.Acquire(ctx, "db", "incident-1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	acquired := make(chan *Lock)
	go func() {
		lock, err := manager.Acquire(ctx, "db", "incident-2")
		if err != nil {
			t.Errorf("second acquire: %v", err)
			return
		}
		acquired <- lock
	}()

	select {
	case <-acquired:
		t.Fatalf("second acquire succeeded while lock held")
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()

	select {
	case lock := <-acquired:
		lock.Release()
	case <-time.After(time.Second):
		t.Fatalf("waiter never granted after release")
	}
}

func TestDistinctKeysProceedInParallel(t *testing.T) {
	manager := NewManager(nil, time.Minute, 10)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, key := range []string{"a", "b"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			acquireCtx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			lock, err := manager.Acquire(acquireCtx, key, "incident-"+key)
			if err != nil {
				errs <- err
				return
			}
			defer lock.Release()
			time.Sleep(100 * time.Millisecond)
		}(key)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("parallel acquire failed: %v", err)
	}
}

func TestQueueDepthBound(t *testing.T) {
	manager := NewManager(nil, time.Minute, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	holder, err := manager.Acquire(ctx, "db", "incident-0")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer holder.Release()

	// Fill the queue to depth.
	for i := 0; i < 2; i++ {
		go func(i int) {
			if lock, err := manager.Acquire(ctx, "db", "queued"); err == nil {
				<-ctx.Done()
				lock.Release()
			}
			_ = i
		}(i)
	}

	deadline := time.After(time.Second)
	for manager.QueueLen("db") < 2 {
		select {
		case <-deadline:
			t.Fatalf("queue never filled")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := manager.Acquire(ctx, "db", "overflow"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull beyond depth, got %v", err)
	}
}

func TestAcquireCancellation(t *testing.T) {
	manager := NewManager(nil, time.Minute, 10)

	holder, err := manager.Acquire(context.Background(), "db", "incident-0")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer holder.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := manager.Acquire(ctx, "db", "incident-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if got := manager.QueueLen("db"); got != 0 {
		t.Fatalf("cancelled waiter left in queue: %d", got)
	}
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	manager := NewManager(nil, 20*time.Millisecond, 10)

	// Simulate a crashed holder: acquire and never release.
	if _, err := manager.Acquire(context.Background(), "db", "crashed"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	lock, err := manager.Acquire(ctx, "db", "recovered")
	if err != nil {
		t.Fatalf("expected expired lease to be reclaimed: %v", err)
	}
	lock.Release()
}

func TestStaleReleaseDoesNotFreeReclaimedLock(t *testing.T) {
	manager := NewManager(nil, 20*time.Millisecond, 10)

	stale, err := manager.Acquire(context.Background(), "db", "stale")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	current, err := manager.Acquire(context.Background(), "db", "current")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}

	// The stale holder's deferred release must not free the reclaimed
	// lease out from under the current holder.
	stale.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := manager.Acquire(ctx, "db", "third"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("third acquire err = %v, want deadline exceeded while lock is held", err)
	}

	current.Release()
	if manager.Held("db") {
		t.Fatal("lock still held after current holder released")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	manager := NewManager(nil, time.Minute, 10)
	lock, err := manager.Acquire(context.Background(), "db", "incident-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	lock.Release()
	lock.Release()
	if manager.Held("db") {
		t.Fatalf("lock still held after release")
	}
}
