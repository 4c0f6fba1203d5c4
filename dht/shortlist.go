package dht

import (
	"sort"
	"sync"

	"bytestag/keys"
	"bytestag/routing"
)

// shortlist tracks the state of one iterative lookup: the closest nodes
// found so far, which of them have been contacted, and the convergence
// bookkeeping needed to decide when to stop — mirroring the reference
// Shortlist class.
type shortlist struct {
	mu sync.Mutex

	target keys.KeyBytes

	active      map[keys.KeyBytes]routing.Node // responded, candidates for the result
	contacted   map[keys.KeyBytes]struct{}
	uncontacted []routing.Node

	initialClosest keys.KeyBytes
	hasInitial     bool
	iterationCount int
}

func newShortlist(target keys.KeyBytes, seed []routing.Node) *shortlist {
	s := &shortlist{
		target:    target,
		active:    make(map[keys.KeyBytes]routing.Node),
		contacted: make(map[keys.KeyBytes]struct{}),
	}
	s.addUncontacted(seed)
	return s
}

func (s *shortlist) addUncontacted(nodes []routing.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addUncontactedLocked(nodes)
}

func (s *shortlist) addUncontactedLocked(nodes []routing.Node) {
	for _, n := range nodes {
		if _, ok := s.contacted[n.Key]; ok {
			continue
		}
		if n.Key == s.target {
			continue
		}
		dup := false
		for _, u := range s.uncontacted {
			if u.Key == n.Key {
				dup = true
				break
			}
		}
		if !dup {
			s.uncontacted = append(s.uncontacted, n)
		}
	}
	s.sortUncontacted()
}

func (s *shortlist) sortUncontacted() {
	sort.Slice(s.uncontacted, func(i, j int) bool {
		return s.uncontacted[i].Key.DistanceInt(s.target).Cmp(s.uncontacted[j].Key.DistanceInt(s.target)) < 0
	})
}

// nextBatch pops up to alpha uncontacted nodes to query next.
func (s *shortlist) nextBatch(alpha int) []routing.Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := alpha
	if n > len(s.uncontacted) {
		n = len(s.uncontacted)
	}
	batch := append([]routing.Node(nil), s.uncontacted[:n]...)
	s.uncontacted = s.uncontacted[n:]
	for _, node := range batch {
		s.contacted[node.Key] = struct{}{}
	}

	if !s.hasInitial && len(s.active) > 0 {
		s.initialClosest = s.closestLocked()
		s.hasInitial = true
	}
	s.iterationCount++

	return batch
}

func (s *shortlist) recordResponse(from routing.Node, closerNodes []routing.Node) {
	s.mu.Lock()
	s.active[from.Key] = from
	s.mu.Unlock()

	s.addUncontacted(closerNodes)
}

func (s *shortlist) closestLocked() keys.KeyBytes {
	var best keys.KeyBytes
	first := true
	for k := range s.active {
		if first || k.DistanceInt(s.target).Cmp(best.DistanceInt(s.target)) < 0 {
			best = k
			first = false
		}
	}
	return best
}

// isFinished implements the reference Shortlist's two-part termination
// condition: either enough nodes have responded (or there is nothing left
// to contact), or at least two iterations have passed without the closest
// known node improving over the snapshot taken after the first iteration.
func (s *shortlist) isFinished(k int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.active) >= k || len(s.uncontacted) == 0 {
		return true
	}

	if s.iterationCount >= 2 && s.hasInitial {
		current := s.closestLocked()
		if current.DistanceInt(s.target).Cmp(s.initialClosest.DistanceInt(s.target)) >= 0 {
			return true
		}
	}

	return false
}

// results returns the active nodes ordered by distance to target, up to k.
func (s *shortlist) results(k int) []routing.Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes := make([]routing.Node, 0, len(s.active))
	for _, n := range s.active {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Key.DistanceInt(s.target).Cmp(nodes[j].Key.DistanceInt(s.target)) < 0
	})
	if len(nodes) > k {
		nodes = nodes[:k]
	}
	return nodes
}
