package events

import (
	"container/heap"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// schedEntry is one pending timer, ordered by its absolute fire time.
type schedEntry struct {
	when     time.Time
	period   time.Duration // zero for one-shot entries
	fn       func()
	index    int  // heap index, maintained by container/heap
	canceled bool
}

type schedHeap []*schedEntry

func (h schedHeap) Len() int            { return len(h) }
func (h schedHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h schedHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *schedHeap) Push(x interface{}) { e := x.(*schedEntry); e.index = len(*h); *h = append(*h, e) }
func (h *schedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Entry is a handle to a scheduled callback, usable to cancel it.
type Entry struct {
	e *schedEntry
	s *Scheduler
}

// Cancel prevents the entry from firing again. Safe to call more than once.
func (en *Entry) Cancel() {
	en.s.mu.Lock()
	en.e.canceled = true
	en.s.mu.Unlock()
}

// Scheduler is a min-heap timer queue that fires callbacks on its own
// goroutine, generalizing the reference implementation's heapq-based
// EventScheduler thread. Periodic entries reschedule themselves after firing.
type Scheduler struct {
	mu    sync.Mutex
	heap  schedHeap
	wake  chan struct{}
	stop  chan struct{}
	done  chan struct{}
	log   *logrus.Entry
	timer *time.Timer
}

// NewScheduler creates an idle Scheduler; call Run to start processing
// timers on a new goroutine.
func NewScheduler() *Scheduler {
	return &Scheduler{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
		log:  logrus.WithField("component", "events.scheduler"),
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// AddAbsolute schedules fn to run once at t.
func (s *Scheduler) AddAbsolute(t time.Time, fn func()) *Entry {
	return s.add(t, 0, fn)
}

// AddOneShot schedules fn to run once after d elapses.
func (s *Scheduler) AddOneShot(d time.Duration, fn func()) *Entry {
	return s.add(time.Now().Add(d), 0, fn)
}

// AddPeriodic schedules fn to run every d, starting after the first interval
// elapses.
func (s *Scheduler) AddPeriodic(d time.Duration, fn func()) *Entry {
	return s.add(time.Now().Add(d), d, fn)
}

func (s *Scheduler) add(when time.Time, period time.Duration, fn func()) *Entry {
	e := &schedEntry{when: when, period: period, fn: fn}
	s.mu.Lock()
	heap.Push(&s.heap, e)
	s.mu.Unlock()
	s.poke()
	return &Entry{e: e, s: s}
}

// Run processes timers until Stop is called. Blocks the calling goroutine.
func (s *Scheduler) Run() {
	defer close(s.done)

	for {
		s.mu.Lock()
		var wait time.Duration
		if len(s.heap) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(s.heap[0].when)
			if wait < 0 {
				wait = 0
			}
		}
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}

		s.fireReady()
	}
}

func (s *Scheduler) fireReady() {
	now := time.Now()
	var ready []*schedEntry

	s.mu.Lock()
	for len(s.heap) > 0 && !s.heap[0].when.After(now) {
		e := heap.Pop(&s.heap).(*schedEntry)
		if e.canceled {
			continue
		}
		ready = append(ready, e)
		if e.period > 0 {
			e.when = now.Add(e.period)
			heap.Push(&s.heap, e)
		}
	}
	s.mu.Unlock()

	for _, e := range ready {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Errorf("scheduled callback panicked: %v", r)
				}
			}()
			e.fn()
		}()
	}
}

// Stop halts the scheduler goroutine started by Run.
func (s *Scheduler) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

// Done returns a channel closed once Run has returned.
func (s *Scheduler) Done() <-chan struct{} { return s.done }
