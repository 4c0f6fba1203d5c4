package events

import "context"

// DefaultSlotSize is the default bound on concurrently-running tasks in a
// FnTaskSlot, matching the reference FnTaskSlot's default of 3.
const DefaultSlotSize = 3

// FnTaskSlot is a bounded-concurrency gate: Add blocks until a slot is free,
// then runs fn concurrently with up to maxSize-1 other tasks. It generalizes
// the reference implementation's queue-plus-worker-thread FnTaskSlot using a
// buffered channel as the semaphore, and fires an Observer with (true, task)
// when a task is admitted and (false, task) when it completes — used by
// callers that want to track in-flight downloads/uploads for metrics.
type FnTaskSlot struct {
	sem      chan struct{}
	observer *Observer
}

// NewFnTaskSlot creates a slot allowing up to maxSize concurrent tasks. A
// maxSize of 0 uses DefaultSlotSize.
func NewFnTaskSlot(maxSize int) *FnTaskSlot {
	if maxSize <= 0 {
		maxSize = DefaultSlotSize
	}
	return &FnTaskSlot{
		sem:      make(chan struct{}, maxSize),
		observer: NewObserver(false),
	}
}

// Observer returns the slot's admission/completion observer.
func (s *FnTaskSlot) Observer() *Observer { return s.observer }

// Add blocks until a slot is available or ctx is canceled, then runs fn on a
// new goroutine and returns immediately. Returns ctx.Err() if canceled before
// a slot opened.
func (s *FnTaskSlot) Add(ctx context.Context, fn func()) error {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	task := NewTask()
	s.observer.Fire(true, task)

	go func() {
		defer func() {
			<-s.sem
			s.observer.Fire(false, task)
		}()
		fn()
	}()

	return nil
}

// InFlight returns the number of tasks currently occupying a slot.
func (s *FnTaskSlot) InFlight() int { return len(s.sem) }
