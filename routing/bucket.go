package routing

import (
	"sync"
	"time"
)

// BucketFullError is returned by Bucket.Update when the bucket already holds
// K contacts. The caller must resolve the probation by pinging Node (the
// least-recently-seen contact) and calling KeepOld or KeepNew, per Kademlia's
// eviction policy. Until resolved, the bucket ignores further updates.
type BucketFullError struct {
	Node Node
}

func (e *BucketFullError) Error() string { return "routing: bucket is full" }

// Bucket holds up to K contacts ordered from least- to most-recently-seen.
type Bucket struct {
	mu         sync.Mutex
	number     int
	nodes      []Node
	lastUpdate time.Time
	full       bool
	pending    Node // candidate waiting on probation while full
}

func newBucket(number int) *Bucket {
	return &Bucket{number: number}
}

// Number returns the bucket's index in its routing table.
func (b *Bucket) Number() int { return b.number }

// Nodes returns a snapshot of the bucket's contacts, oldest first.
func (b *Bucket) Nodes() []Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Node, len(b.nodes))
	copy(out, b.nodes)
	return out
}

// Len returns the number of contacts currently in the bucket.
func (b *Bucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.nodes)
}

// LastUpdate returns the time the bucket was last modified.
func (b *Bucket) LastUpdate() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUpdate
}

// Contains reports whether node is present in the bucket.
func (b *Bucket) Contains(node Node) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range b.nodes {
		if n.Equal(node) {
			return true
		}
	}
	return false
}

// Update moves node to the most-recently-seen position, adding it if new.
// If the bucket is already at capacity, it returns *BucketFullError naming
// the least-recently-seen node as the probation candidate and ignores the
// update until KeepOld or KeepNew is called. While a probation decision is
// outstanding, further updates are silently ignored, matching the reference
// bucket's "paper doesn't say what happens, so we ignore" comment.
func (b *Bucket) Update(node Node) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.full {
		return nil
	}

	if idx := indexOf(b.nodes, node); idx >= 0 {
		b.nodes = append(b.nodes[:idx], b.nodes[idx+1:]...)
		b.nodes = append(b.nodes, node)
		b.lastUpdate = time.Now()
		return nil
	}

	if len(b.nodes) < K {
		b.nodes = append(b.nodes, node)
		b.lastUpdate = time.Now()
		return nil
	}

	b.full = true
	b.pending = node
	return &BucketFullError{Node: b.nodes[0]}
}

func indexOf(nodes []Node, node Node) int {
	for i, n := range nodes {
		if n.Equal(node) {
			return i
		}
	}
	return -1
}

// KeepOld resolves a full-bucket probation in favor of the existing oldest
// node: the candidate from Update is dropped and the bucket stays full.
func (b *Bucket) KeepOld() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.full = false
	b.lastUpdate = time.Now()
}

// KeepNew resolves a full-bucket probation in favor of the new candidate:
// the oldest node is evicted and the candidate is appended as
// most-recently-seen.
func (b *Bucket) KeepNew() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.nodes) > 0 {
		b.nodes = b.nodes[1:]
	}
	b.nodes = append(b.nodes, b.pending)
	b.full = false
	b.lastUpdate = time.Now()
}
