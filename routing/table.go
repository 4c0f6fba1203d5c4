package routing

import (
	"fmt"
	"math/rand"

	"bytestag/keys"
)

// Table is the full set of 160 k-buckets rooted at a local node id.
type Table struct {
	localKey keys.KeyBytes
	buckets  [keys.BitSize]*Bucket
}

// NewTable creates a routing table for the given local node id.
func NewTable(localKey keys.KeyBytes) *Table {
	t := &Table{localKey: localKey}
	for i := range t.buckets {
		t.buckets[i] = newBucket(i)
	}
	return t
}

// LocalKey returns the node id this table is rooted at.
func (t *Table) LocalKey() keys.KeyBytes { return t.localKey }

// Bucket returns the bucket at the given index.
func (t *Table) Bucket(index int) *Bucket { return t.buckets[index] }

// BucketFor returns the bucket that should hold node's key.
func (t *Table) BucketFor(nodeKey keys.KeyBytes) *Bucket {
	return t.buckets[keys.ComputeBucketNumber(t.localKey, nodeKey)]
}

// NumContacts returns the total number of contacts across all buckets.
func (t *Table) NumContacts() int {
	n := 0
	for _, b := range t.buckets {
		n += b.Len()
	}
	return n
}

// Update routes node to its bucket and updates it there. Returns an error if
// node shares the table's own local key, or propagates *BucketFullError from
// the target bucket.
func (t *Table) Update(node Node) error {
	if node.Key == t.localKey {
		return fmt.Errorf("routing: cannot add node with our own id")
	}
	return t.BucketFor(node.Key).Update(node)
}

// Contains reports whether node is present in the table.
func (t *Table) Contains(node Node) bool {
	return t.BucketFor(node.Key).Contains(node)
}

// AllNodes returns every contact currently held across all buckets.
func (t *Table) AllNodes() []Node {
	var out []Node
	for _, b := range t.buckets {
		out = append(out, b.Nodes()...)
	}
	return out
}

// CloseNodes returns up to count nodes close to key: if the home bucket
// already holds at least count contacts, a random sample of that bucket is
// returned; otherwise the home bucket's contacts seed the result and the
// remaining buckets are drawn from (in random order) until the count is met.
// Matches the reference implementation's get_close_nodes sampling strategy.
func (t *Table) CloseNodes(key keys.KeyBytes, count int) []Node {
	bucketNum := keys.ComputeBucketNumber(t.localKey, key)
	homeBucket := t.buckets[bucketNum]
	homeNodes := homeBucket.Nodes()

	if len(homeNodes) >= count {
		return sampleNodes(homeNodes, count)
	}

	seen := make(map[Node]struct{})
	var result []Node
	for _, n := range homeNodes {
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			result = append(result, n)
		}
	}

	order := rand.Perm(len(t.buckets))
	for _, idx := range order {
		if len(result) >= count {
			break
		}
		nodes := t.buckets[idx].Nodes()
		needed := count - len(result)
		for _, n := range sampleNodes(nodes, needed) {
			if _, ok := seen[n]; !ok {
				seen[n] = struct{}{}
				result = append(result, n)
			}
		}
	}

	return result
}

func sampleNodes(nodes []Node, count int) []Node {
	if count >= len(nodes) {
		out := make([]Node, len(nodes))
		copy(out, nodes)
		return out
	}
	if count <= 0 {
		return nil
	}
	perm := rand.Perm(len(nodes))[:count]
	out := make([]Node, count)
	for i, idx := range perm {
		out[i] = nodes[idx]
	}
	return out
}

// CountClose returns the number of contacts in key's home bucket that are
// numerically closer to key than the local node is. This feeds the TTL
// discount formula: a densely-populated neighborhood around a key means
// shorter expiration times for values stored under it.
func (t *Table) CountClose(key keys.KeyBytes) int {
	bucket := t.buckets[keys.ComputeBucketNumber(t.localKey, key)]
	localDist := t.localKey.DistanceInt(key)

	count := 0
	for _, n := range bucket.Nodes() {
		if n.Key.DistanceInt(key).Cmp(localDist) < 0 {
			count++
		}
	}
	return count
}

// CountBelow returns the total number of contacts in every bucket with index
// strictly less than key's home bucket — the n_lower term of the TTL
// discount formula, counting all the neighborhoods known to be closer to the
// network's root than key's own neighborhood.
func (t *Table) CountBelow(key keys.KeyBytes) int {
	bucketNum := keys.ComputeBucketNumber(t.localKey, key)
	count := 0
	for i := 0; i < bucketNum; i++ {
		count += t.buckets[i].Len()
	}
	return count
}
