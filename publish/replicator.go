package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bytestag/bigqueue"
	"bytestag/events"
	"bytestag/kvstore"
	"bytestag/pkg/metrics"
)

// ReplicationInterval is how often the Replicator walks the table looking
// for non-original records to re-store.
const ReplicationInterval = 3600 * time.Second

// Replicator periodically re-stores values this node holds a copy of (not
// its own originals) to keep them alive in the network on the publisher's
// behalf, and sweeps expired records from any backend that supports it.
type Replicator struct {
	engine engine
	store  kvstore.Table
	queue  *bigqueue.Queue
	sched  *events.Scheduler
	log    *logrus.Entry

	wg      sync.WaitGroup
	metrics metrics.Metrics
}

// SetMetrics attaches an optional observability sink. A nil value (the
// default) disables metrics recording entirely.
func (r *Replicator) SetMetrics(m metrics.Metrics) { r.metrics = m }

// NewReplicator builds a Replicator over store, using eng to perform the
// actual network re-store.
func NewReplicator(eng engine, store kvstore.Table) (*Replicator, error) {
	queue, err := bigqueue.New(0)
	if err != nil {
		return nil, fmt.Errorf("publish: new replicator: %w", err)
	}
	return &Replicator{
		engine: eng,
		store:  store,
		queue:  queue,
		sched:  events.NewScheduler(),
		log:    logrus.WithField("component", "publish.replicator"),
	}, nil
}

// Start launches the periodic tick and the worker draining the re-store
// queue.
func (r *Replicator) Start() {
	go r.sched.Run()
	r.sched.AddPeriodic(ReplicationInterval, r.tick)

	r.wg.Add(1)
	go r.worker()
}

// Close stops the tick scheduler and worker and releases the queue's spill
// directory.
func (r *Replicator) Close() error {
	r.sched.Stop()
	err := r.queue.Close()
	r.wg.Wait()
	return err
}

// tick implements the reference Replicator's fixed 3600s cycle: every
// non-expired record with is_original=false is enqueued for re-store, then
// any backend implementing Cleaner is swept for expired entries.
func (r *Replicator) tick() {
	ids, err := r.store.Keys()
	if err != nil {
		r.log.Warnf("replicate tick: list keys: %v", err)
		return
	}

	seen := make(map[kvstore.ID]struct{})
	now := time.Now()

	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		recs, err := r.store.RecordsByKey(id.Key)
		if err != nil {
			continue
		}
		for _, rec := range recs {
			seen[rec.ID()] = struct{}{}
			if rec.IsOriginal() {
				continue
			}
			if rec.Timestamp().Add(rec.TimeToLive()).Before(now) {
				continue
			}
			r.enqueue(rec.ID())
		}
	}

	if cleaner, ok := r.store.(kvstore.Cleaner); ok {
		if err := cleaner.Clean(); err != nil {
			r.log.Warnf("replicate tick: clean: %v", err)
		}
	}
}

func (r *Replicator) enqueue(id kvstore.ID) {
	raw, err := json.Marshal(id)
	if err != nil {
		r.log.Warnf("encode replicate entry %s: %v", id.Key.Hex(), err)
		return
	}
	if err := r.queue.Push(raw); err != nil {
		r.log.Warnf("enqueue replicate entry %s: %v", id.Key.Hex(), err)
	}
}

func (r *Replicator) worker() {
	defer r.wg.Done()
	ctx := context.Background()
	for {
		raw, err := r.queue.Pop(ctx)
		if err != nil {
			return
		}
		var id kvstore.ID
		if err := json.Unmarshal(raw, &id); err != nil {
			r.log.Warnf("decode queued replicate entry: %v", err)
			continue
		}
		r.replicateOne(id)
	}
}

func (r *Replicator) replicateOne(id kvstore.ID) {
	rec, err := r.store.Record(id)
	if err != nil {
		return
	}
	value, err := rec.Value()
	if err != nil {
		r.log.Debugf("replicate %s: read value: %v", id.Key.Hex(), err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	count, err := r.engine.PublishValue(ctx, id, value, rec.Timestamp())
	if err != nil {
		r.log.Warnf("replicate %s: %v", id.Key.Hex(), err)
		return
	}
	r.log.Debugf("re-stored %s to %d peers", id.Key.Hex(), count)
	_ = rec.SetLastUpdate(time.Now())
	if r.metrics != nil {
		r.metrics.IncReplicated()
		r.metrics.ObserveQueueDepth("replicate", r.queue.Len())
	}
}
