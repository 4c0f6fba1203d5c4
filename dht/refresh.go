package dht

import (
	"context"
	"time"

	"bytestag/keys"
	"bytestag/netio"
)

// refreshCheckInterval is how often the scheduler wakes up to look for
// buckets that have gone stale, independent of TRefresh itself.
const refreshCheckInterval = 60 * time.Second

// startBucketRefresh arranges for every k-bucket with no activity in the
// last TRefresh to be refreshed: a random key from that bucket's range is
// looked up, which naturally populates the bucket with live contacts — this
// mirrors the reference _refresh_buckets periodic task.
func (e *Engine) startBucketRefresh() {
	e.scheduler.AddPeriodic(refreshCheckInterval, func() {
		e.refreshStaleBuckets()
	})
}

func (e *Engine) refreshStaleBuckets() {
	now := time.Now()
	for i := 0; i < keys.BitSize; i++ {
		bucket := e.table.Bucket(i)
		if bucket.Len() == 0 {
			continue
		}
		if now.Sub(bucket.LastUpdate()) < e.cfg.TRefresh {
			continue
		}

		target, err := keys.RandomBucketKey(e.cfg.LocalKey, i)
		if err != nil {
			continue
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*netio.DefaultTimeout)
			defer cancel()
			e.LookupNodes(ctx, target)
		}()
	}
}
