// Package routing implements the Kademlia routing table: 160 k-buckets
// holding up to K contacts each, with least-recently-seen eviction subject to
// a liveness probation check on the oldest contact.
package routing

import (
	"fmt"

	"bytestag/keys"
)

// K is the maximum number of contacts held in a single bucket.
const K = 20

// Node is a single routing table contact: a node id paired with the network
// address it was last seen at.
type Node struct {
	Key  keys.KeyBytes
	Addr string
}

// Equal reports whether two nodes share both the same key and address,
// matching the reference Node's equality semantics.
func (n Node) Equal(other Node) bool {
	return n.Key == other.Key && n.Addr == other.Addr
}

func (n Node) String() string {
	return fmt.Sprintf("<Node %s %s>", n.Key, n.Addr)
}
