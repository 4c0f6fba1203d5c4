package events

import (
	"context"
	"sync"
)

// Task is a cancelable future. Run executes fn on a new goroutine; Stop asks
// a running task to cancel cooperatively via its StopChannel, and propagates
// to any tasks hooked onto it (mirroring the reference Task's parent/child
// relation used so that, e.g., stopping a lookup stops its in-flight RPC
// tasks).
type Task struct {
	mu       sync.Mutex
	running  bool
	finished bool
	stopping bool
	result   interface{}
	err      error
	stopCh   chan struct{}
	done     chan struct{}
	observer *Observer // one-shot, fires (result, err) on completion
	children map[*Task]struct{}
	progress interface{}
}

// NewTask creates an idle Task.
func NewTask() *Task {
	return &Task{
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		observer: NewObserver(true),
		children: make(map[*Task]struct{}),
	}
}

// StopChannel returns a channel closed when Stop is called, for fn to select
// on cooperatively.
func (t *Task) StopChannel() <-chan struct{} { return t.stopCh }

// IsRunning reports whether the task is currently executing.
func (t *Task) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// IsStopping reports whether Stop has been requested.
func (t *Task) IsStopping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopping
}

// SetProgress records a progress value retrievable via Progress. Safe to
// call from fn while it runs.
func (t *Task) SetProgress(p interface{}) {
	t.mu.Lock()
	t.progress = p
	t.mu.Unlock()
}

// Progress returns the most recently recorded progress value.
func (t *Task) Progress() interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// Hook registers child so that Stop on t also stops child.
func (t *Task) Hook(child *Task) {
	t.mu.Lock()
	t.children[child] = struct{}{}
	t.mu.Unlock()
}

// Unhook removes a previously hooked child.
func (t *Task) Unhook(child *Task) {
	t.mu.Lock()
	delete(t.children, child)
	t.mu.Unlock()
}

// Run starts fn on a new goroutine. fn receives the Task so it can check
// IsStopping/StopChannel and report progress. Run does not block.
func (t *Task) Run(fn func(t *Task) (interface{}, error)) {
	t.mu.Lock()
	if t.running || t.finished {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()

	go func() {
		result, err := fn(t)

		t.mu.Lock()
		t.running = false
		t.finished = true
		t.result = result
		t.err = err
		t.mu.Unlock()
		close(t.done)

		t.observer.Fire(result, err)
	}()
}

// Stop requests cancellation: it closes StopChannel and recursively stops
// every hooked child task.
func (t *Task) Stop() {
	t.mu.Lock()
	if t.stopping {
		children := childSlice(t.children)
		t.mu.Unlock()
		for _, c := range children {
			c.Stop()
		}
		return
	}
	t.stopping = true
	close(t.stopCh)
	children := childSlice(t.children)
	t.mu.Unlock()

	for _, c := range children {
		c.Stop()
	}
}

func childSlice(m map[*Task]struct{}) []*Task {
	out := make([]*Task, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	return out
}

// Wait blocks until the task finishes and returns its result and error.
func (t *Task) Wait() (interface{}, error) {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

// Done returns a channel closed when the task finishes.
func (t *Task) Done() <-chan struct{} { return t.done }

// ContextWithStop derives a context from parent that is also canceled when
// t.Stop is called, letting a context-driven blocking call (a network read,
// a condition wait) be cancelled cooperatively through a Task's Stop/Hook
// mechanism rather than only through the context tree. The returned cancel
// func must be called once the driven operation returns, same as any
// context.WithCancel.
func ContextWithStop(parent context.Context, t *Task) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-t.StopChannel():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// OnComplete registers fn to be called with (result, err) when the task
// finishes. If the task has already finished, fn fires immediately, matching
// the one-shot Observer replay semantics.
func (t *Task) OnComplete(fn func(result interface{}, err error)) {
	t.observer.Register(func(args ...interface{}) {
		var result interface{}
		var err error
		if len(args) > 0 {
			result = args[0]
		}
		if len(args) > 1 {
			if e, ok := args[1].(error); ok {
				err = e
			}
		}
		fn(result, err)
	})
}
