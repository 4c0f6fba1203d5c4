package publish

import (
	"context"
	"sync"
	"testing"
	"time"

	"bytestag/keys"
	"bytestag/kvstore"
)

type fakeEngine struct {
	mu    sync.Mutex
	calls []kvstore.ID
}

func (f *fakeEngine) PublishValue(ctx context.Context, id kvstore.ID, value []byte, timestamp time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	return 1, nil
}

func (f *fakeEngine) callCount(id kvstore.ID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == id {
			n++
		}
	}
	return n
}

func randomID(t *testing.T) kvstore.ID {
	t.Helper()
	key, err := keys.Random()
	if err != nil {
		t.Fatalf("random key: %v", err)
	}
	value := []byte("publish test content")
	return kvstore.ID{Key: key, Index: keys.NewHash(value)}
}

func TestPublisherSchedulesOriginalWithZeroLastUpdate(t *testing.T) {
	store := kvstore.NewMemoryTable()
	id := randomID(t)
	if err := store.Set(id, []byte("publish test content")); err != nil {
		t.Fatalf("set: %v", err)
	}
	rec, err := store.Record(id)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := rec.SetIsOriginal(true); err != nil {
		t.Fatalf("set original: %v", err)
	}

	eng := &fakeEngine{}
	p, err := NewPublisher(eng, store)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer p.Close()

	p.Start()

	deadline := time.Now().Add(2 * time.Second)
	for eng.callCount(id) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if eng.callCount(id) == 0 {
		t.Fatalf("expected publisher to publish the original record")
	}
}

func TestPublisherReactsToValueChanged(t *testing.T) {
	store := kvstore.NewMemoryTable()
	eng := &fakeEngine{}
	p, err := NewPublisher(eng, store)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer p.Close()
	p.Start()

	id := randomID(t)
	if err := store.Set(id, []byte("publish test content")); err != nil {
		t.Fatalf("set: %v", err)
	}
	rec, err := store.Record(id)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := rec.SetIsOriginal(true); err != nil {
		t.Fatalf("set original: %v", err)
	}
	// Re-fire value_changed now that the record is marked original, since
	// Set() fired it before SetIsOriginal ran.
	store.ValueChanged().Fire(id)

	deadline := time.Now().Add(2 * time.Second)
	for eng.callCount(id) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if eng.callCount(id) == 0 {
		t.Fatalf("expected value_changed to trigger a publish")
	}
}

func TestReplicatorRestoresNonOriginalRecord(t *testing.T) {
	store := kvstore.NewMemoryTable()
	id := randomID(t)
	if err := store.Set(id, []byte("publish test content")); err != nil {
		t.Fatalf("set: %v", err)
	}
	rec, err := store.Record(id)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := rec.SetTimeToLive(time.Hour); err != nil {
		t.Fatalf("set ttl: %v", err)
	}
	if err := rec.SetTimestamp(time.Now()); err != nil {
		t.Fatalf("set timestamp: %v", err)
	}

	eng := &fakeEngine{}
	r, err := NewReplicator(eng, store)
	if err != nil {
		t.Fatalf("new replicator: %v", err)
	}
	defer r.Close()
	r.Start()

	r.tick()

	deadline := time.Now().Add(2 * time.Second)
	for eng.callCount(id) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if eng.callCount(id) == 0 {
		t.Fatalf("expected replicator to re-store the non-original record")
	}
}

func TestReplicatorSkipsExpiredRecord(t *testing.T) {
	store := kvstore.NewMemoryTable()
	id := randomID(t)
	if err := store.Set(id, []byte("publish test content")); err != nil {
		t.Fatalf("set: %v", err)
	}
	rec, err := store.Record(id)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := rec.SetTimeToLive(time.Second); err != nil {
		t.Fatalf("set ttl: %v", err)
	}
	if err := rec.SetTimestamp(time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("set timestamp: %v", err)
	}

	eng := &fakeEngine{}
	r, err := NewReplicator(eng, store)
	if err != nil {
		t.Fatalf("new replicator: %v", err)
	}
	defer r.Close()

	r.tick()
	time.Sleep(50 * time.Millisecond)

	if eng.callCount(id) != 0 {
		t.Fatalf("expected expired record to be skipped, got %d calls", eng.callCount(id))
	}
}
