// Package kvstore implements the content-addressed key-value-pair store: a
// (key, index) pair where index is the SHA-1 digest of the stored value,
// backed by interchangeable memory, disk-cache, shared-files, and aggregate
// implementations.
package kvstore

import (
	"time"

	"bytestag/events"
	"bytestag/keys"
	"bytestag/pkg/xerrors"
)

// ID identifies one key-value-pair entry: key groups related values (e.g.
// all parts of a file), index addresses one specific value under that key.
type ID struct {
	Key   keys.KeyBytes
	Index keys.KeyBytes
}

// Record is the metadata and accessor for one stored value.
type Record interface {
	ID() ID
	Size() (int, error)
	Value() ([]byte, error)

	Timestamp() time.Time
	SetTimestamp(time.Time) error

	TimeToLive() time.Duration
	SetTimeToLive(time.Duration) error

	IsOriginal() bool
	SetIsOriginal(bool) error

	LastUpdate() time.Time
	SetLastUpdate(time.Time) error
}

// Table is a key-value-pair store. Every implementation must be safe for
// concurrent use.
type Table interface {
	// Contains reports whether id is present.
	Contains(id ID) bool

	// Get returns the raw value bytes for id.
	Get(id ID) ([]byte, error)

	// Set stores value under id. Tables that are read-only (e.g. a view over
	// shared files) return xerrors.ErrReadOnly.
	Set(id ID, value []byte) error

	// Delete removes id. Read-only tables return xerrors.ErrReadOnly.
	Delete(id ID) error

	// Keys returns every ID currently stored.
	Keys() ([]ID, error)

	// Indices returns every index stored under key.
	Indices(key keys.KeyBytes) ([]keys.KeyBytes, error)

	// Record returns the Record for id, or xerrors.ErrNotFound.
	Record(id ID) (Record, error)

	// RecordsByKey returns the Record for every index currently stored
	// under key, used by the Publisher/Replicator scans which walk records
	// grouped by topic rather than by individual id.
	RecordsByKey(key keys.KeyBytes) ([]Record, error)

	// IsAcceptable reports whether a STORE RPC offering size bytes with the
	// given timestamp for id should be accepted — used to reject redundant
	// or oversized re-stores before a chunked transfer begins.
	IsAcceptable(id ID, size int, timestamp time.Time) bool

	// ValueChanged returns the observer fired with the written ID whenever
	// Set succeeds, so the Publisher can schedule a fresh original without
	// waiting for its periodic scan.
	ValueChanged() *events.Observer
}

// Cleaner is implemented by backends that can sweep expired records
// (timestamp+TTL < now). The Replicator calls Clean on every backend that
// supports it after each replication tick.
type Cleaner interface {
	Clean() error
}

// ErrReadOnly is re-exported for convenience; prefer xerrors.ErrReadOnly.
var ErrReadOnly = xerrors.ErrReadOnly
