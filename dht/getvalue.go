package dht

import (
	"context"
	"fmt"
	"sort"
	"time"

	"bytestag/keys"
	"bytestag/kvstore"
	"bytestag/netio"
	"bytestag/pkg/xerrors"
	"bytestag/routing"
)

// maxGetValueRounds bounds the number of contiguous-download attempts
// GetValueTask makes before giving up, matching the reference
// GetValueTask's fixed retry budget.
const maxGetValueRounds = 3

// FetchValue implements the reference GetValueTask: it runs a value lookup
// for id.Key, then downloads id's bytes from the nodes that reported having
// it (the "useful" set), appending contiguous ranges across up to 3 rounds
// until the majority-reported size is reached, validating the assembled
// bytes against id.Index. On a validated match it opportunistically
// replicates the value to the closest non-useful node and returns the
// bytes; on repeated hash mismatch it returns an error.
func (e *Engine) FetchValue(ctx context.Context, id kvstore.ID) ([]byte, error) {
	ctx, stop := withChildTask(ctx)
	defer stop()

	result := e.LookupValue(ctx, id.Key)

	usefulNodes, mostCommonSize := usefulNodesForIndex(result.Useful, id.Index)
	if len(usefulNodes) == 0 {
		return nil, xerrors.ErrNotFound
	}

	sort.Slice(usefulNodes, func(i, j int) bool {
		return usefulNodes[i].Key.DistanceInt(id.Key).Cmp(usefulNodes[j].Key.DistanceInt(id.Key)) < 0
	})

	for round := 0; round < maxGetValueRounds; round++ {
		buf := make([]byte, 0, mostCommonSize)

		for _, node := range usefulNodes {
			if mostCommonSize > 0 && len(buf) >= mostCommonSize {
				break
			}
			chunk, err := e.GetValue(ctx, node.Addr, id, len(buf))
			if err != nil {
				e.log.Debugf("fetch value from %s failed: %v", node.Addr, err)
				continue
			}
			buf = append(buf, chunk...)
		}

		if keys.ValidateValue(id.Index, buf) {
			e.replicateToClosestNonUseful(id, buf, result.NonUseful)
			return buf, nil
		}
	}

	return nil, fmt.Errorf("dht: fetch value: hash mismatch after %d rounds", maxGetValueRounds)
}

// usefulNodesForIndex filters useful FIND_VALUE responders down to those
// that reported a KVP matching index specifically (a key may carry many
// indices), and returns the mode of their reported sizes.
func usefulNodesForIndex(useful []UsefulNode, index keys.KeyBytes) ([]routing.Node, int) {
	var nodes []routing.Node
	sizeCounts := make(map[int]int)

	for _, u := range useful {
		for _, v := range u.Values {
			if v.Index == index {
				nodes = append(nodes, u.Node)
				sizeCounts[v.Size]++
				break
			}
		}
	}

	var mostCommonSize, bestCount int
	for size, count := range sizeCounts {
		if count > bestCount || (count == bestCount && size > mostCommonSize) {
			mostCommonSize, bestCount = size, count
		}
	}
	return nodes, mostCommonSize
}

func (e *Engine) replicateToClosestNonUseful(id kvstore.ID, value []byte, nonUseful []routing.Node) {
	if len(nonUseful) == 0 {
		return
	}
	closest := nonUseful[0]
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), netio.DefaultTimeout)
		defer cancel()
		if _, err := e.StoreValue(ctx, closest.Addr, id, value, time.Now()); err != nil {
			e.log.Debugf("replicate fetched value to %s failed: %v", closest.Addr, err)
		}
	}()
}
