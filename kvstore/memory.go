package kvstore

import (
	"sync"
	"time"

	"bytestag/events"
	"bytestag/keys"
	"bytestag/pkg/xerrors"
)

type memoryEntry struct {
	value      []byte
	timestamp  time.Time
	ttl        time.Duration
	isOriginal bool
	lastUpdate time.Time
}

// MemoryTable is a process-local, non-persistent Table backed by a map. It
// is the simplest backend, generally used for tests and for values the node
// itself originates before they are replicated elsewhere.
type MemoryTable struct {
	mu      sync.RWMutex
	table   map[keys.KeyBytes]map[keys.KeyBytes]*memoryEntry
	changed *events.Observer
}

// NewMemoryTable creates an empty MemoryTable.
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{
		table:   make(map[keys.KeyBytes]map[keys.KeyBytes]*memoryEntry),
		changed: events.NewObserver(false),
	}
}

func (t *MemoryTable) entry(id ID) *memoryEntry {
	byIndex, ok := t.table[id.Key]
	if !ok {
		return nil
	}
	return byIndex[id.Index]
}

func (t *MemoryTable) Contains(id ID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entry(id) != nil
}

func (t *MemoryTable) Get(id ID) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e := t.entry(id)
	if e == nil {
		return nil, xerrors.ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (t *MemoryTable) Set(id ID, value []byte) error {
	t.mu.Lock()

	byIndex, ok := t.table[id.Key]
	if !ok {
		byIndex = make(map[keys.KeyBytes]*memoryEntry)
		t.table[id.Key] = byIndex
	}

	e, ok := byIndex[id.Index]
	if !ok {
		e = &memoryEntry{}
		byIndex[id.Index] = e
	}
	e.value = append([]byte(nil), value...)
	t.mu.Unlock()
	t.changed.Fire(id)
	return nil
}

func (t *MemoryTable) Delete(id ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	byIndex, ok := t.table[id.Key]
	if !ok {
		return xerrors.ErrNotFound
	}
	if _, ok := byIndex[id.Index]; !ok {
		return xerrors.ErrNotFound
	}
	delete(byIndex, id.Index)
	if len(byIndex) == 0 {
		delete(t.table, id.Key)
	}
	return nil
}

func (t *MemoryTable) Keys() ([]ID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []ID
	for key, byIndex := range t.table {
		for index := range byIndex {
			out = append(out, ID{Key: key, Index: index})
		}
	}
	return out, nil
}

func (t *MemoryTable) Indices(key keys.KeyBytes) ([]keys.KeyBytes, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	byIndex, ok := t.table[key]
	if !ok {
		return nil, nil
	}
	out := make([]keys.KeyBytes, 0, len(byIndex))
	for index := range byIndex {
		out = append(out, index)
	}
	return out, nil
}

// RecordsByKey returns the Record for every index stored under key.
func (t *MemoryTable) RecordsByKey(key keys.KeyBytes) ([]Record, error) {
	indices, _ := t.Indices(key)
	out := make([]Record, 0, len(indices))
	for _, idx := range indices {
		rec, err := t.Record(ID{Key: key, Index: idx})
		if err == nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ValueChanged returns the observer fired with the ID on every successful Set.
func (t *MemoryTable) ValueChanged() *events.Observer { return t.changed }

func (t *MemoryTable) Record(id ID) (Record, error) {
	t.mu.RLock()
	e := t.entry(id)
	t.mu.RUnlock()
	if e == nil {
		return nil, xerrors.ErrNotFound
	}
	return &memoryRecord{table: t, id: id}, nil
}

// IsAcceptable mirrors the reference MemoryKVPTable: a re-store of an
// existing id is only rejected when the offered timestamp exactly matches
// the stored one (i.e. it is indistinguishable from a duplicate republish).
func (t *MemoryTable) IsAcceptable(id ID, size int, timestamp time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e := t.entry(id)
	if e == nil {
		return true
	}
	return !e.timestamp.Equal(timestamp)
}

type memoryRecord struct {
	table *MemoryTable
	id    ID
}

func (r *memoryRecord) ID() ID { return r.id }

func (r *memoryRecord) Size() (int, error) {
	r.table.mu.RLock()
	defer r.table.mu.RUnlock()
	e := r.table.entry(r.id)
	if e == nil {
		return 0, xerrors.ErrNotFound
	}
	return len(e.value), nil
}

func (r *memoryRecord) Value() ([]byte, error) { return r.table.Get(r.id) }

func (r *memoryRecord) Timestamp() time.Time {
	r.table.mu.RLock()
	defer r.table.mu.RUnlock()
	if e := r.table.entry(r.id); e != nil {
		return e.timestamp
	}
	return time.Time{}
}

func (r *memoryRecord) SetTimestamp(ts time.Time) error {
	return r.mutate(func(e *memoryEntry) { e.timestamp = ts })
}

func (r *memoryRecord) TimeToLive() time.Duration {
	r.table.mu.RLock()
	defer r.table.mu.RUnlock()
	if e := r.table.entry(r.id); e != nil {
		return e.ttl
	}
	return 0
}

func (r *memoryRecord) SetTimeToLive(d time.Duration) error {
	return r.mutate(func(e *memoryEntry) { e.ttl = d })
}

func (r *memoryRecord) IsOriginal() bool {
	r.table.mu.RLock()
	defer r.table.mu.RUnlock()
	if e := r.table.entry(r.id); e != nil {
		return e.isOriginal
	}
	return false
}

func (r *memoryRecord) SetIsOriginal(b bool) error {
	return r.mutate(func(e *memoryEntry) { e.isOriginal = b })
}

func (r *memoryRecord) LastUpdate() time.Time {
	r.table.mu.RLock()
	defer r.table.mu.RUnlock()
	if e := r.table.entry(r.id); e != nil {
		return e.lastUpdate
	}
	return time.Time{}
}

func (r *memoryRecord) SetLastUpdate(t time.Time) error {
	return r.mutate(func(e *memoryEntry) { e.lastUpdate = t })
}

func (r *memoryRecord) mutate(fn func(*memoryEntry)) error {
	r.table.mu.Lock()
	defer r.table.mu.Unlock()
	e := r.table.entry(r.id)
	if e == nil {
		return xerrors.ErrNotFound
	}
	fn(e)
	return nil
}
