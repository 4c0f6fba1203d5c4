package dht

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"bytestag/kvstore"
)

// PublishValue implements the reference StoreValueTask: it runs a value
// lookup for id.Key, then uploads value to every responded node that did
// NOT already report holding it (all \ useful), sorted by distance and
// uploaded through the engine's upload slot, which bounds the number of
// concurrent STORE transfers to Alpha and exposes per-upload admission
// events via Engine.UploadObserver for a monitor to track transfers. It
// returns the count of peers that accepted the store.
func (e *Engine) PublishValue(ctx context.Context, id kvstore.ID, value []byte, timestamp time.Time) (int, error) {
	ctx, stop := withChildTask(ctx)
	defer stop()

	result := e.LookupValue(ctx, id.Key)

	var successCount int32
	var wg sync.WaitGroup

	for _, node := range result.NonUseful {
		node := node
		wg.Add(1)
		err := e.uploadSlot.Add(ctx, func() {
			defer wg.Done()
			ok, err := e.StoreValue(ctx, node.Addr, id, value, timestamp)
			if err != nil {
				e.log.Debugf("publish value to %s failed: %v", node.Addr, err)
				return
			}
			if ok {
				atomic.AddInt32(&successCount, 1)
			}
		})
		if err != nil {
			wg.Done()
			break
		}
	}

	wg.Wait()
	return int(successCount), nil
}
