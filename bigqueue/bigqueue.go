// Package bigqueue implements a FIFO queue that spills onto disk once its
// in-memory capacity is exhausted, so a slow consumer never causes a
// producer (the Publisher or Replicator control loops) to block or drop
// work.
package bigqueue

import (
	"container/list"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bytestag/pkg/xerrors"
)

// DefaultMemorySize is the default in-memory channel capacity before Push
// starts spilling to disk, matching the reference BigDiskQueue's default.
const DefaultMemorySize = 100

// Queue is a disk-spilling FIFO. Push never blocks and never drops an item:
// once the in-memory channel is full, items are appended to a spill
// directory and drained back into memory as space frees up, preserving FIFO
// order across the memory/disk boundary.
type Queue struct {
	log *logrus.Entry

	mem chan []byte

	mu       sync.Mutex
	spillDir string
	spillSeq *list.List // ordered list of pending spill filenames
	wake     chan struct{}
	closing  chan struct{}
	closed   bool
	wg       sync.WaitGroup
}

// New creates a Queue with the given in-memory capacity (0 uses
// DefaultMemorySize) and starts its drain loop.
func New(memorySize int) (*Queue, error) {
	if memorySize <= 0 {
		memorySize = DefaultMemorySize
	}

	dir, err := os.MkdirTemp("", "bytestag-queue-*")
	if err != nil {
		return nil, fmt.Errorf("bigqueue: create spill dir: %w", err)
	}

	q := &Queue{
		log:      logrus.WithField("component", "bigqueue"),
		mem:      make(chan []byte, memorySize),
		spillDir: dir,
		spillSeq: list.New(),
		wake:     make(chan struct{}, 1),
		closing:  make(chan struct{}),
	}

	q.wg.Add(1)
	go q.drainLoop()

	return q, nil
}

func (q *Queue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Push enqueues item. It never blocks: if the in-memory channel is full, the
// item spills to disk immediately. An item is also spilled — even when the
// in-memory channel currently has room — whenever earlier items are already
// waiting on disk to be drained, so a fast concurrent Push can never jump
// ahead of a backlog and violate FIFO order across the memory/disk boundary.
func (q *Queue) Push(item []byte) error {
	q.mu.Lock()
	hasBacklog := q.spillSeq.Len() > 0
	q.mu.Unlock()

	if !hasBacklog {
		select {
		case q.mem <- item:
			return nil
		default:
		}
	}

	name := filepath.Join(q.spillDir, uuid.NewString())
	if err := os.WriteFile(name, item, 0o600); err != nil {
		return fmt.Errorf("bigqueue: spill to disk: %w", err)
	}

	q.mu.Lock()
	q.spillSeq.PushBack(name)
	q.mu.Unlock()
	q.poke()
	return nil
}

// Pop blocks until an item is available, ctx is canceled, or the queue is
// closed.
func (q *Queue) Pop(ctx context.Context) ([]byte, error) {
	select {
	case item, ok := <-q.mem:
		if !ok {
			return nil, xerrors.ErrStopped
		}
		return item, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.closing:
		return nil, xerrors.ErrStopped
	}
}

// drainLoop moves spilled items back into the memory channel as space frees
// up, mirroring the reference implementation's wait/drain-one/delete cycle.
// It blocks on a send to q.mem, which is itself the backpressure signal: the
// send proceeds the moment a consumer frees a slot via Pop.
func (q *Queue) drainLoop() {
	defer q.wg.Done()

	for {
		select {
		case <-q.closing:
			return
		case <-q.wake:
		}

		for {
			q.mu.Lock()
			front := q.spillSeq.Front()
			if front == nil {
				q.mu.Unlock()
				break
			}
			name := front.Value.(string)
			q.mu.Unlock()

			data, err := os.ReadFile(name)
			if err != nil {
				q.log.Warnf("read spilled item %s: %v", name, err)
				q.mu.Lock()
				q.spillSeq.Remove(front)
				q.mu.Unlock()
				continue
			}

			select {
			case q.mem <- data:
				os.Remove(name)
				q.mu.Lock()
				q.spillSeq.Remove(front)
				q.mu.Unlock()
			case <-q.closing:
				return
			}
		}
	}
}

// Len returns the number of items currently spilled to disk (not counting
// those already resident in memory).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.spillSeq.Len()
}

// Close stops the drain loop and removes the spill directory. Any items
// still spilled to disk are discarded.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.closing)
	q.wg.Wait()
	return os.RemoveAll(q.spillDir)
}
