package bigqueue

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestQueuePushPopOrder(t *testing.T) {
	q, err := New(2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer q.Close()

	for i := 0; i < 10; i++ {
		if err := q.Push([]byte(fmt.Sprintf("item-%d", i))); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < 10; i++ {
		item, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop %d: %v", i, err)
		}
		want := fmt.Sprintf("item-%d", i)
		if string(item) != want {
			t.Fatalf("Pop %d = %q, want %q", i, item, want)
		}
	}
}

func TestQueueSpillsWhenFull(t *testing.T) {
	q, err := New(1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer q.Close()

	// First push fills the one memory slot; the rest must spill to disk.
	for i := 0; i < 5; i++ {
		if err := q.Push([]byte(fmt.Sprintf("x%d", i))); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	time.Sleep(20 * time.Millisecond)
	if q.Len() == 0 {
		t.Fatal("expected some items to have spilled to disk")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 5; i++ {
		if _, err := q.Pop(ctx); err != nil {
			t.Fatalf("Pop %d: %v", i, err)
		}
	}
}

func TestQueuePreservesOrderUnderConcurrentPushDuringDrain(t *testing.T) {
	q, err := New(1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer q.Close()

	// Fill the single memory slot, then push a backlog that must spill.
	if err := q.Push([]byte("item-0")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	for i := 1; i < 5; i++ {
		if err := q.Push([]byte(fmt.Sprintf("item-%d", i))); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	time.Sleep(20 * time.Millisecond)
	if q.Len() == 0 {
		t.Fatal("expected a backlog to have spilled to disk")
	}

	// While the backlog is still draining, race a new push in: per the
	// spillSeq backlog check it must also spill rather than overtake the
	// pending items via a direct send into the freshly-freed memory slot.
	go q.Push([]byte("item-5"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 6; i++ {
		item, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop %d: %v", i, err)
		}
		want := fmt.Sprintf("item-%d", i)
		if string(item) != want {
			t.Fatalf("Pop %d = %q, want %q (FIFO order violated)", i, item, want)
		}
	}
}

func TestQueuePopCanceled(t *testing.T) {
	q, err := New(1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := q.Pop(ctx); err == nil {
		t.Fatal("expected Pop to fail on empty canceled queue")
	}
}
