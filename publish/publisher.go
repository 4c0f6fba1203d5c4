// Package publish implements the two control loops that keep a node's
// published values alive in the network: the Publisher re-announces values
// this node originated, and the Replicator re-stores values it merely holds
// a copy of. Both drive the DHT engine's StoreValueTask (PublishValue)
// through a disk-spilling work queue so neither loop ever blocks on a slow
// or saturated upload slot.
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
	"bytestag/keys"
	"bytestag/kvstore"
	"bytestag/pkg/metrics"
)

// TRepublish is how long after its last successful publish an original
// value is re-announced, matching the reference T_REPUBLISH constant.
const TRepublish = 86400 * time.Second

// ScanInterval is how often the Publisher walks the table looking for
// originals due (or soon due) for republication.
const ScanInterval = 3600 * time.Second

// engine is the subset of dht.Engine the Publisher and Replicator need.
// Scoped to an interface so this package doesn't import dht directly and
// can be exercised against a fake in tests.
type engine interface {
	PublishValue(ctx context.Context, id kvstore.ID, value []byte, timestamp time.Time) (int, error)
}

// Publisher schedules and performs republication of originals: (key, index)
// pairs this node is the authoritative source for.
type Publisher struct {
	engine engine
	store  kvstore.Table
	queue  *bigqueue.Queue
	sched  *events.Scheduler
	log    *logrus.Entry

	mu        sync.Mutex
	scheduled map[kvstore.ID]*events.Entry

	wg      sync.WaitGroup
	metrics metrics.Metrics
}

// SetMetrics attaches an optional observability sink. A nil value (the
// default) disables metrics recording entirely.
func (p *Publisher) SetMetrics(m metrics.Metrics) { p.metrics = m }

// NewPublisher builds a Publisher over store, using eng to perform the
// actual network republication.
func NewPublisher(eng engine, store kvstore.Table) (*Publisher, error) {
	queue, err := bigqueue.New(0)
	if err != nil {
		return nil, fmt.Errorf("publish: new publisher: %w", err)
	}
	return &Publisher{
		engine:    eng,
		store:     store,
		queue:     queue,
		sched:     events.NewScheduler(),
		log:       logrus.WithField("component", "publish.publisher"),
		scheduled: make(map[kvstore.ID]*events.Entry),
	}, nil
}

// Start subscribes to the store's value-changed observer, arranges the
// periodic scan, and launches the worker that drains the publish queue.
func (p *Publisher) Start() {
	p.store.ValueChanged().Register(func(args ...interface{}) {
		if len(args) == 0 {
			return
		}
		id, ok := args[0].(kvstore.ID)
		if !ok {
			return
		}
		rec, err := p.store.Record(id)
		if err != nil || !rec.IsOriginal() {
			return
		}
		p.schedule(id, time.Now())
	})

	go p.sched.Run()
	p.sched.AddPeriodic(ScanInterval, p.scanAll)
	// Run one scan immediately so originals written before Start was called
	// still get picked up without waiting a full interval.
	go p.scanAll()

	p.wg.Add(1)
	go p.worker()
}

// Close stops the scan scheduler and worker and releases the queue's spill
// directory.
func (p *Publisher) Close() error {
	p.sched.Stop()
	err := p.queue.Close()
	p.wg.Wait()
	return err
}

func (p *Publisher) worker() {
	defer p.wg.Done()
	ctx := context.Background()
	for {
		raw, err := p.queue.Pop(ctx)
		if err != nil {
			return
		}
		var id kvstore.ID
		if err := json.Unmarshal(raw, &id); err != nil {
			p.log.Warnf("decode queued publish entry: %v", err)
			continue
		}
		p.publishOne(id)
	}
}

func (p *Publisher) publishOne(id kvstore.ID) {
	rec, err := p.store.Record(id)
	if err != nil {
		return
	}
	value, err := rec.Value()
	if err != nil {
		p.log.Debugf("publish %s: read value: %v", id.Key.Hex(), err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	count, err := p.engine.PublishValue(ctx, id, value, rec.Timestamp())
	if err != nil {
		p.log.Warnf("publish %s: %v", id.Key.Hex(), err)
		return
	}
	p.log.Debugf("republished %s to %d peers", id.Key.Hex(), count)
	_ = rec.SetLastUpdate(time.Now())
	if p.metrics != nil {
		p.metrics.IncPublished()
		p.metrics.ObserveQueueDepth("publish", p.queue.Len())
	}

	p.mu.Lock()
	delete(p.scheduled, id)
	p.mu.Unlock()
}

// scanAll walks every original record and schedules it per the reference
// Publisher: immediately if never republished, otherwise at
// last_update+TRepublish when that falls within the next scan window.
func (p *Publisher) scanAll() {
	ids, err := p.store.Keys()
	if err != nil {
		p.log.Warnf("scan: list keys: %v", err)
		return
	}

	seen := make(map[keys.KeyBytes]struct{})
	now := time.Now()

	for _, id := range ids {
		if _, ok := seen[id.Key]; ok {
			continue
		}
		seen[id.Key] = struct{}{}

		recs, err := p.store.RecordsByKey(id.Key)
		if err != nil {
			continue
		}
		for _, rec := range recs {
			if !rec.IsOriginal() {
				continue
			}
			if rec.LastUpdate().IsZero() {
				p.schedule(rec.ID(), now)
				continue
			}
			next := rec.LastUpdate().Add(TRepublish)
			if !next.After(now.Add(ScanInterval)) {
				p.schedule(rec.ID(), next)
			}
		}
	}
}

func (p *Publisher) schedule(id kvstore.ID, at time.Time) {
	p.mu.Lock()
	if existing, ok := p.scheduled[id]; ok {
		existing.Cancel()
	}
	entry := p.sched.AddAbsolute(at, func() { p.enqueue(id) })
	p.scheduled[id] = entry
	p.mu.Unlock()
}

func (p *Publisher) enqueue(id kvstore.ID) {
	raw, err := json.Marshal(id)
	if err != nil {
		p.log.Warnf("encode publish entry %s: %v", id.Key.Hex(), err)
		return
	}
	if err := p.queue.Push(raw); err != nil {
		p.log.Warnf("enqueue publish entry %s: %v", id.Key.Hex(), err)
	}
}
