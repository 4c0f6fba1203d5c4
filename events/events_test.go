package events

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestReactorDispatch(t *testing.T) {
	r := NewReactor(4)
	go r.Run()
	defer r.Stop()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	r.On("greet", func(e Event) {
		mu.Lock()
		got = append(got, e.Data.(string))
		mu.Unlock()
		close(done)
	})

	if err := r.Post(Event{Type: "greet", Data: "hello"}); err != nil {
		t.Fatalf("Post: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %v", got)
	}
}

func TestReactorQueueFull(t *testing.T) {
	r := NewReactor(1)
	// Don't run the reactor so the queue never drains.
	if err := r.Post(Event{Type: "x"}); err != nil {
		t.Fatalf("first post should succeed: %v", err)
	}
	if err := r.Post(Event{Type: "x"}); err == nil {
		t.Fatal("expected error when queue is full")
	}
}

func TestSchedulerOneShot(t *testing.T) {
	s := NewScheduler()
	go s.Run()
	defer s.Stop()

	fired := make(chan struct{})
	s.AddOneShot(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("one-shot callback never fired")
	}
}

func TestSchedulerPeriodic(t *testing.T) {
	s := NewScheduler()
	go s.Run()
	defer s.Stop()

	count := make(chan struct{}, 10)
	entry := s.AddPeriodic(5*time.Millisecond, func() {
		select {
		case count <- struct{}{}:
		default:
		}
	})

	for i := 0; i < 3; i++ {
		select {
		case <-count:
		case <-time.After(time.Second):
			t.Fatal("periodic callback did not fire enough times")
		}
	}
	entry.Cancel()
}

func TestObserverOneShotReplay(t *testing.T) {
	o := NewObserver(true)
	o.Fire("result")

	got := make(chan interface{}, 1)
	o.Register(func(args ...interface{}) { got <- args[0] })

	select {
	case v := <-got:
		if v != "result" {
			t.Fatalf("got %v, want result", v)
		}
	case <-time.After(time.Second):
		t.Fatal("late subscriber never received replayed result")
	}
}

func TestObserverMultiFire(t *testing.T) {
	o := NewObserver(false)
	var n int
	var mu sync.Mutex
	o.Register(func(args ...interface{}) {
		mu.Lock()
		n++
		mu.Unlock()
	})
	o.Fire()
	o.Fire()
	mu.Lock()
	defer mu.Unlock()
	if n != 2 {
		t.Fatalf("n = %d, want 2", n)
	}
}

func TestTaskStopPropagatesToChildren(t *testing.T) {
	parent := NewTask()
	child := NewTask()
	parent.Hook(child)

	childStopped := make(chan struct{})
	child.Run(func(ct *Task) (interface{}, error) {
		<-ct.StopChannel()
		close(childStopped)
		return nil, nil
	})

	parent.Stop()

	select {
	case <-childStopped:
	case <-time.After(time.Second):
		t.Fatal("child task was not stopped when parent stopped")
	}
}

func TestTaskWait(t *testing.T) {
	task := NewTask()
	task.Run(func(t *Task) (interface{}, error) {
		return 42, nil
	})

	result, err := task.Wait()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 42 {
		t.Fatalf("result = %v, want 42", result)
	}
}

func TestFnTaskSlotBounds(t *testing.T) {
	slot := NewFnTaskSlot(2)
	var active int32
	var mu sync.Mutex
	var maxSeen int32
	release := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		if err := slot.Add(context.Background(), func() {
			defer wg.Done()
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			<-release
			mu.Lock()
			active--
			mu.Unlock()
		}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if maxSeen > 2 {
		t.Fatalf("maxSeen = %d, want <= 2", maxSeen)
	}
}
