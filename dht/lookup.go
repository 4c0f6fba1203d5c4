package dht

import (
	"context"
	"sync"

	"bytestag/codec"
	"bytestag/keys"
	"bytestag/routing"
)

// LookupNodes runs an iterative FIND_NODE lookup for target, starting from
// the routing table's current close nodes, and returns the K closest nodes
// discovered. It drives up to cfg.Alpha RPCs in parallel per round, following
// the reference NodeLookupTask / Shortlist loop.
func (e *Engine) LookupNodes(ctx context.Context, target keys.KeyBytes) []routing.Node {
	if e.metrics != nil {
		e.metrics.IncLookups()
	}
	ctx, stop := withChildTask(ctx)
	defer stop()

	seed := e.table.CloseNodes(target, routing.K)
	sl := newShortlist(target, seed)

	for !sl.isFinished(routing.K) {
		batch := sl.nextBatch(e.cfg.Alpha)
		if len(batch) == 0 {
			break
		}
		e.queryBatch(ctx, sl, batch, nil)
	}

	return sl.results(routing.K)
}

// UsefulNode is a peer that answered a FIND_VALUE lookup by reporting it
// holds one or more KVPs for the queried key, per the reference Shortlist's
// "useful" set.
type UsefulNode struct {
	Node   routing.Node
	Values []codec.KVPExchangeInfo
}

// ValueLookupResult is the outcome of LookupValue: the useful nodes (those
// that reported having a value under the key) and the remaining responded
// nodes that did not — the latter are replication targets for StoreValue.
type ValueLookupResult struct {
	Useful    []UsefulNode
	NonUseful []routing.Node
}

// LookupValue runs an iterative FIND_VALUE lookup for key. Per spec, a value
// hit does not short-circuit the lookup early: every node already queued in
// the current round still gets queried, and the search only stops advancing
// once the shortlist itself converges — because the value may be spread
// across multiple KVPs under the same key. Useful nodes continue counting
// toward the shortlist's "responded" total like any other responder.
func (e *Engine) LookupValue(ctx context.Context, key keys.KeyBytes) ValueLookupResult {
	if e.metrics != nil {
		e.metrics.IncLookups()
	}
	ctx, stop := withChildTask(ctx)
	defer stop()

	seed := e.table.CloseNodes(key, routing.K)
	sl := newShortlist(key, seed)

	var mu sync.Mutex
	var useful []UsefulNode

	for !sl.isFinished(routing.K) {
		batch := sl.nextBatch(e.cfg.Alpha)
		if len(batch) == 0 {
			break
		}
		e.queryBatch(ctx, sl, batch, func(node routing.Node, r FindValueResult) {
			if len(r.Values) == 0 {
				return
			}
			mu.Lock()
			useful = append(useful, UsefulNode{Node: node, Values: r.Values})
			mu.Unlock()
		})
	}

	usefulKeys := make(map[keys.KeyBytes]struct{}, len(useful))
	for _, u := range useful {
		usefulKeys[u.Node.Key] = struct{}{}
	}

	var nonUseful []routing.Node
	for _, n := range sl.results(routing.K) {
		if _, ok := usefulKeys[n.Key]; !ok {
			nonUseful = append(nonUseful, n)
		}
	}

	return ValueLookupResult{Useful: useful, NonUseful: nonUseful}
}

// queryBatch fires FIND_NODE (or FIND_VALUE, when onValue is non-nil) RPCs
// against batch concurrently and folds the responses into sl.
func (e *Engine) queryBatch(ctx context.Context, sl *shortlist, batch []routing.Node, onValue func(routing.Node, FindValueResult)) {
	var wg sync.WaitGroup
	for _, node := range batch {
		node := node
		wg.Add(1)
		go func() {
			defer wg.Done()

			if onValue != nil {
				result, err := e.FindValue(ctx, node.Addr, sl.target)
				if err != nil {
					return
				}
				sl.recordResponse(node, result.Nodes)
				onValue(node, result)
				return
			}

			nodes, err := e.FindNode(ctx, node.Addr, sl.target)
			if err != nil {
				return
			}
			sl.recordResponse(node, nodes)
		}()
	}
	wg.Wait()
}

// JoinNetwork bootstraps the routing table by looking up this engine's own
// key against a set of known bootstrap addresses, matching the reference
// JoinNetworkTask.
func (e *Engine) JoinNetwork(ctx context.Context, bootstrap []string) error {
	for _, addr := range bootstrap {
		nodes, err := e.FindNode(ctx, addr, e.cfg.LocalKey)
		if err != nil {
			e.log.Warnf("bootstrap via %s failed: %v", addr, err)
			continue
		}
		for _, n := range nodes {
			_ = e.table.Update(n)
		}
	}

	e.LookupNodes(ctx, e.cfg.LocalKey)
	return nil
}
