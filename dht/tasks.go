package dht

import (
	"context"

	"bytestag/events"
)

// ctxTaskKey is the context key an in-flight operation's events.Task is
// stored under, so nested calls (a lookup's per-RPC sends, a publish's
// uploads) can Hook themselves onto the operation that started them without
// threading a *events.Task through every function signature.
type ctxTaskKey struct{}

func parentTaskFromContext(ctx context.Context) *events.Task {
	t, _ := ctx.Value(ctxTaskKey{}).(*events.Task)
	return t
}

// withChildTask creates a new Task for the operation about to start, hooks it
// onto any task already associated with ctx (so stopping an outer operation
// cascades inward), and returns a context carrying the new task plus a stop
// function the caller must invoke once the operation completes. A goroutine
// stops the task automatically if ctx is canceled first.
func withChildTask(ctx context.Context) (context.Context, func()) {
	t := events.NewTask()
	if parent := parentTaskFromContext(ctx); parent != nil {
		parent.Hook(t)
	}

	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			t.Stop()
		case <-stopped:
		}
	}()

	return context.WithValue(ctx, ctxTaskKey{}, t), func() { close(stopped) }
}

// hookTask hooks child onto whatever task ctx carries, if any, and returns an
// unhook function safe to defer unconditionally.
func hookTask(ctx context.Context, child *events.Task) func() {
	parent := parentTaskFromContext(ctx)
	if parent == nil {
		return func() {}
	}
	parent.Hook(child)
	return func() { parent.Unhook(child) }
}
