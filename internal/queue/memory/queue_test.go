package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JakeFAU/groupmonitor/internal/monitor"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue[monitor.Task](1)
	result := make(chan monitor.Task, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to start
	if err := q.Enqueue(context.Background(), monitor.TryJoin{Username: "alpha"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		if got.Target() != "alpha" || got.Kind() != monitor.KindTryJoin {
			t.Fatalf("expected try_join for alpha, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return task")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qDequeue := NewQueue[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := qDequeue.Dequeue(ctx); err == nil ||
		err.Error() != "dequeue canceled: context canceled" {
		t.Fatalf("expected dequeue cancel error, got %v", err)
	}

	qEnqueue := NewQueue[int](1)
	if err := qEnqueue.Enqueue(context.Background(), 1); err != nil {
		t.Fatalf("failed to prime enqueue queue: %v", err)
	}
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	if err := qEnqueue.Enqueue(ctx, 2); err == nil ||
		err.Error() != "enqueue canceled: context canceled" {
		t.Fatalf("expected enqueue cancel error, got %v", err)
	}
}

func TestQueueTryDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](2)
	if _, ok := q.TryDequeue(); ok {
		t.Fatal("expected empty queue")
	}
	if err := q.Enqueue(context.Background(), 3); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("expected len 1, got %d", q.Len())
	}
	got, ok := q.TryDequeue()
	if !ok || got != 3 {
		t.Fatalf("expected 3, got %d (ok=%v)", got, ok)
	}
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](1)
	q.Close()
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, monitor.ErrQueueClosed) {
		t.Fatalf("expected queue closed error, got %v", err)
	}
	if err := q.Enqueue(context.Background(), 1); !errors.Is(err, monitor.ErrQueueClosed) {
		t.Fatalf("expected queue closed error on enqueue, got %v", err)
	}
	// Closing twice should be safe.
	q.Close()
}
