package kvstore

import (
	"time"

	"bytestag/events"
	"bytestag/keys"
	"bytestag/pkg/xerrors"
)

// AggregateTable presents several Tables as one: reads try each backend in
// order and return the first hit, while writes always land on a single
// designated "primary" backend. This lets a node serve shared files,
// disk-cached replicas, and its own in-memory originals through one Table
// interface to the DHT engine.
type AggregateTable struct {
	primary  Table
	backends []Table // includes primary; search order
}

// NewAggregateTable creates an AggregateTable that writes to primary and
// reads from primary followed by each of extra, in order.
func NewAggregateTable(primary Table, extra ...Table) *AggregateTable {
	return &AggregateTable{primary: primary, backends: append([]Table{primary}, extra...)}
}

func (a *AggregateTable) Contains(id ID) bool {
	for _, b := range a.backends {
		if b.Contains(id) {
			return true
		}
	}
	return false
}

func (a *AggregateTable) Get(id ID) ([]byte, error) {
	var lastErr error
	for _, b := range a.backends {
		v, err := b.Get(id)
		if err == nil {
			return v, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = xerrors.ErrNotFound
	}
	return nil, lastErr
}

func (a *AggregateTable) Set(id ID, value []byte) error {
	return a.primary.Set(id, value)
}

func (a *AggregateTable) Delete(id ID) error {
	var err error
	for _, b := range a.backends {
		if e := b.Delete(id); e == nil {
			err = nil
			return nil
		} else if err == nil {
			err = e
		}
	}
	return err
}

func (a *AggregateTable) Keys() ([]ID, error) {
	seen := make(map[ID]struct{})
	var out []ID
	for _, b := range a.backends {
		ids, err := b.Keys()
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out, nil
}

func (a *AggregateTable) Indices(key keys.KeyBytes) ([]keys.KeyBytes, error) {
	seen := make(map[keys.KeyBytes]struct{})
	var out []keys.KeyBytes
	for _, b := range a.backends {
		indices, err := b.Indices(key)
		if err != nil {
			return nil, err
		}
		for _, idx := range indices {
			if _, ok := seen[idx]; !ok {
				seen[idx] = struct{}{}
				out = append(out, idx)
			}
		}
	}
	return out, nil
}

func (a *AggregateTable) Record(id ID) (Record, error) {
	var lastErr error
	for _, b := range a.backends {
		r, err := b.Record(id)
		if err == nil {
			return r, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = xerrors.ErrNotFound
	}
	return nil, lastErr
}

// RecordsByKey concatenates the records stored under key across every
// backend, in search order.
func (a *AggregateTable) RecordsByKey(key keys.KeyBytes) ([]Record, error) {
	var out []Record
	for _, b := range a.backends {
		recs, err := b.RecordsByKey(key)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// IsAcceptable delegates to primary, but only when id is absent from every
// backend — a value already served by a read-only view (e.g. shared files)
// should never also be accepted as a remote STORE.
func (a *AggregateTable) IsAcceptable(id ID, size int, timestamp time.Time) bool {
	for _, b := range a.backends {
		if b != a.primary && b.Contains(id) {
			return false
		}
	}
	return a.primary.IsAcceptable(id, size, timestamp)
}

// ValueChanged returns the primary backend's change observer: the
// Publisher only needs to react to writes the aggregate itself produced.
func (a *AggregateTable) ValueChanged() *events.Observer { return a.primary.ValueChanged() }

// Clean calls Clean on every backend that implements Cleaner (e.g. the disk
// cache's TTL sweep), matching the reference aggregate's delegation.
func (a *AggregateTable) Clean() error {
	var firstErr error
	for _, b := range a.backends {
		if c, ok := b.(Cleaner); ok {
			if err := c.Clean(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
