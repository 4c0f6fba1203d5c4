package kvstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"bytestag/events"
	"bytestag/keys"
	"bytestag/pkg/xerrors"
)

// indexFileName is the durable sidecar recording every entry's metadata
// (timestamp, TTL, is_original, last_update, backing path), so a restart
// recovers the index instead of orphaning the value files already on disk.
const indexFileName = "index.json"

// diskIndexEntry is diskMeta's on-disk, JSON-serializable shape.
type diskIndexEntry struct {
	Key        keys.KeyBytes `json:"key"`
	Index      keys.KeyBytes `json:"index"`
	Path       string        `json:"path"`
	Size       int           `json:"size"`
	Timestamp  time.Time     `json:"timestamp"`
	TTL        time.Duration `json:"ttl"`
	IsOriginal bool          `json:"is_original"`
	LastUpdate time.Time     `json:"last_update"`
}

// DefaultMaxSize is the default disk-cache capacity in bytes, matching the
// reference DiskCacheKVPTable's 64 GiB default.
const DefaultMaxSize int64 = 64 << 30

type diskMeta struct {
	path       string
	size       int
	timestamp  time.Time
	ttl        time.Duration
	isOriginal bool
	lastUpdate time.Time
}

// DiskCacheTable is a bounded, file-backed Table: each value is written to
// its own file under dir, with an LRU index capping the number of resident
// entries. Evicting an entry from the LRU deletes its backing file,
// generalizing the reference node's disk-backed LRU cache (there used for
// gateway-fetched content) to the KVP domain.
type DiskCacheTable struct {
	dir     string
	mu      sync.Mutex
	lru     *lru.Cache[ID, *diskMeta]
	log     *logrus.Entry
	changed *events.Observer

	maxSize     int64
	currentSize int64
}

// NewDiskCacheTable creates a DiskCacheTable rooted at dir (created if
// missing) holding up to maxEntries values and maxSize total bytes (0 uses
// DefaultMaxSize). maxEntries bounds the LRU's resident-entry count; maxSize
// is the capacity check IsAcceptable enforces per spec, matching the
// reference DiskCacheKVPTable's two independent limits.
func NewDiskCacheTable(dir string, maxEntries int, maxSize int64) (*DiskCacheTable, error) {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("kvstore: create cache dir: %w", err)
	}

	t := &DiskCacheTable{
		dir:     dir,
		log:     logrus.WithField("component", "kvstore.diskcache"),
		changed: events.NewObserver(false),
		maxSize: maxSize,
	}

	cache, err := lru.NewWithEvict(maxEntries, func(id ID, meta *diskMeta) {
		t.currentSize -= int64(meta.size)
		if err := os.Remove(meta.path); err != nil && !os.IsNotExist(err) {
			t.log.Warnf("evict %s: remove backing file: %v", id.Index, err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("kvstore: create lru: %w", err)
	}
	t.lru = cache
	t.loadIndex()
	return t, nil
}

func (t *DiskCacheTable) pathFor(id ID) string {
	return filepath.Join(t.dir, id.Key.Hex()+"-"+id.Index.Hex())
}

func (t *DiskCacheTable) indexPath() string {
	return filepath.Join(t.dir, indexFileName)
}

// loadIndex reads the durable index written by a prior process and repopulates
// the LRU from it, dropping any entry whose backing file no longer exists.
// Called once from NewDiskCacheTable, before any caller can observe the
// table, so it needs no locking of its own.
func (t *DiskCacheTable) loadIndex() {
	data, err := os.ReadFile(t.indexPath())
	if err != nil {
		if !os.IsNotExist(err) {
			t.log.Warnf("load index: %v", err)
		}
		return
	}

	var entries []diskIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.log.Warnf("decode index %s: %v", t.indexPath(), err)
		return
	}

	for _, e := range entries {
		if _, err := os.Stat(e.Path); err != nil {
			t.log.Warnf("dropping index entry for missing file %s: %v", e.Path, err)
			continue
		}
		id := ID{Key: e.Key, Index: e.Index}
		meta := &diskMeta{
			path: e.Path, size: e.Size, timestamp: e.Timestamp,
			ttl: e.TTL, isOriginal: e.IsOriginal, lastUpdate: e.LastUpdate,
		}
		t.lru.Add(id, meta)
		t.currentSize += int64(e.Size)
	}
}

// persistIndexLocked rewrites the durable index from the LRU's current
// contents. Callers must already hold t.mu. The rewrite is atomic: it writes
// to a temp file and renames over the real path, so a crash mid-write never
// leaves a truncated index behind.
func (t *DiskCacheTable) persistIndexLocked() {
	ids := t.lru.Keys()
	entries := make([]diskIndexEntry, 0, len(ids))
	for _, id := range ids {
		meta, ok := t.lru.Peek(id)
		if !ok {
			continue
		}
		entries = append(entries, diskIndexEntry{
			Key: id.Key, Index: id.Index, Path: meta.path, Size: meta.size,
			Timestamp: meta.timestamp, TTL: meta.ttl,
			IsOriginal: meta.isOriginal, LastUpdate: meta.lastUpdate,
		})
	}

	data, err := json.Marshal(entries)
	if err != nil {
		t.log.Warnf("encode index: %v", err)
		return
	}
	tmp := t.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		t.log.Warnf("write index: %v", err)
		return
	}
	if err := os.Rename(tmp, t.indexPath()); err != nil {
		t.log.Warnf("rename index into place: %v", err)
	}
}

func (t *DiskCacheTable) Contains(id ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.lru.Get(id)
	return ok
}

func (t *DiskCacheTable) Get(id ID) ([]byte, error) {
	t.mu.Lock()
	meta, ok := t.lru.Get(id)
	t.mu.Unlock()
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	data, err := os.ReadFile(meta.path)
	if err != nil {
		return nil, fmt.Errorf("kvstore: read %s: %w", id.Index, err)
	}
	return data, nil
}

func (t *DiskCacheTable) Set(id ID, value []byte) error {
	path := t.pathFor(id)
	if err := os.WriteFile(path, value, 0o644); err != nil {
		return fmt.Errorf("kvstore: write %s: %w", id.Index, err)
	}

	t.mu.Lock()

	now := time.Now()
	meta, existed := t.lru.Get(id)
	if !existed {
		meta = &diskMeta{path: path, timestamp: now, lastUpdate: now}
	} else {
		t.currentSize -= int64(meta.size)
		meta.lastUpdate = now
	}
	meta.size = len(value)
	meta.path = path
	t.currentSize += int64(meta.size)
	t.lru.Add(id, meta)
	t.persistIndexLocked()
	t.mu.Unlock()
	t.changed.Fire(id)
	return nil
}

func (t *DiskCacheTable) Delete(id ID) error {
	t.mu.Lock()
	meta, ok := t.lru.Peek(id)
	if ok {
		t.lru.Remove(id) // triggers the eviction callback, removing the file
		t.persistIndexLocked()
	}
	t.mu.Unlock()
	if !ok {
		return xerrors.ErrNotFound
	}
	_ = meta
	return nil
}

func (t *DiskCacheTable) Keys() ([]ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lru.Keys(), nil
}

func (t *DiskCacheTable) Indices(key keys.KeyBytes) ([]keys.KeyBytes, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []keys.KeyBytes
	for _, id := range t.lru.Keys() {
		if id.Key == key {
			out = append(out, id.Index)
		}
	}
	return out, nil
}

func (t *DiskCacheTable) Record(id ID) (Record, error) {
	t.mu.Lock()
	_, ok := t.lru.Get(id)
	t.mu.Unlock()
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	return &diskRecord{table: t, id: id}, nil
}

// IsAcceptable rejects an offered re-store when its timestamp matches the
// one already on file (a duplicate republish) or when accepting size bytes
// would push the cache past its byte capacity, matching the reference
// DiskCacheKVPTable.is_acceptable.
func (t *DiskCacheTable) IsAcceptable(id ID, size int, timestamp time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if meta, ok := t.lru.Peek(id); ok && meta.timestamp.Equal(timestamp) {
		return false
	}
	return t.currentSize+int64(size) <= t.maxSize
}

// RecordsByKey returns the Record for every index stored under key.
func (t *DiskCacheTable) RecordsByKey(key keys.KeyBytes) ([]Record, error) {
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
func (t *DiskCacheTable) ValueChanged() *events.Observer { return t.changed }

// Clean removes every entry whose timestamp+TTL has expired, matching the
// reference DiskCacheKVPTable.clean sweep the Replicator drives on each tick.
func (t *DiskCacheTable) Clean() error {
	now := time.Now()

	t.mu.Lock()
	var expired []ID
	for _, id := range t.lru.Keys() {
		meta, ok := t.lru.Peek(id)
		if ok && meta.ttl > 0 && meta.timestamp.Add(meta.ttl).Before(now) {
			expired = append(expired, id)
		}
	}
	t.mu.Unlock()

	for _, id := range expired {
		if err := t.Delete(id); err != nil && err != xerrors.ErrNotFound {
			t.log.Warnf("clean: delete %s: %v", id.Index, err)
		}
	}
	return nil
}

type diskRecord struct {
	table *DiskCacheTable
	id    ID
}

func (r *diskRecord) ID() ID { return r.id }

func (r *diskRecord) meta() (*diskMeta, bool) {
	r.table.mu.Lock()
	defer r.table.mu.Unlock()
	return r.table.lru.Peek(r.id)
}

func (r *diskRecord) Size() (int, error) {
	m, ok := r.meta()
	if !ok {
		return 0, xerrors.ErrNotFound
	}
	return m.size, nil
}

func (r *diskRecord) Value() ([]byte, error) { return r.table.Get(r.id) }

func (r *diskRecord) Timestamp() time.Time {
	if m, ok := r.meta(); ok {
		return m.timestamp
	}
	return time.Time{}
}

func (r *diskRecord) SetTimestamp(ts time.Time) error {
	return r.mutate(func(m *diskMeta) { m.timestamp = ts })
}

func (r *diskRecord) TimeToLive() time.Duration {
	if m, ok := r.meta(); ok {
		return m.ttl
	}
	return 0
}

func (r *diskRecord) SetTimeToLive(d time.Duration) error {
	return r.mutate(func(m *diskMeta) { m.ttl = d })
}

func (r *diskRecord) IsOriginal() bool {
	if m, ok := r.meta(); ok {
		return m.isOriginal
	}
	return false
}

func (r *diskRecord) SetIsOriginal(b bool) error {
	return r.mutate(func(m *diskMeta) { m.isOriginal = b })
}

func (r *diskRecord) LastUpdate() time.Time {
	if m, ok := r.meta(); ok {
		return m.lastUpdate
	}
	return time.Time{}
}

func (r *diskRecord) SetLastUpdate(t time.Time) error {
	return r.mutate(func(m *diskMeta) { m.lastUpdate = t })
}

func (r *diskRecord) mutate(fn func(*diskMeta)) error {
	r.table.mu.Lock()
	defer r.table.mu.Unlock()
	m, ok := r.table.lru.Peek(r.id)
	if !ok {
		return xerrors.ErrNotFound
	}
	fn(m)
	r.table.lru.Add(r.id, m)
	r.table.persistIndexLocked()
	return nil
}
