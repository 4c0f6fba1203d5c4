package dht

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"bytestag/codec"
	"bytestag/keys"
	"bytestag/kvstore"
	"bytestag/netio"
	"bytestag/routing"
)

func refsToNodes(refs []codec.NodeRef) []routing.Node {
	out := make([]routing.Node, 0, len(refs))
	for _, r := range refs {
		out = append(out, routing.Node{Key: r.ID, Addr: r.Host + ":" + strconv.Itoa(r.Port)})
	}
	return out
}

func (e *Engine) call(ctx context.Context, addr string, req Request) (Reply, error) {
	req.NodeID = e.cfg.LocalKey

	pt := netio.NewSendPacketTask(e.server, addr, req, 0)
	unhook := hookTask(ctx, pt.Task())
	defer unhook()

	pt.Run(ctx)
	raw, err := pt.Wait()
	if err != nil {
		return Reply{}, err
	}

	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return Reply{}, fmt.Errorf("dht: unmarshal reply: %w", err)
	}

	e.updateRoutingTable(reply.NodeID, addr)
	return reply, nil
}

// Ping sends a PING RPC and returns nil if a reply was received in time.
func (e *Engine) Ping(ctx context.Context, addr string) error {
	_, err := e.call(ctx, addr, Request{RPC: RPCPing})
	return err
}

// FindNode sends a FIND_NODE RPC and returns the responding node's close
// nodes to target.
func (e *Engine) FindNode(ctx context.Context, addr string, target keys.KeyBytes) ([]routing.Node, error) {
	reply, err := e.call(ctx, addr, Request{RPC: RPCFindNode, Key: target})
	if err != nil {
		return nil, err
	}
	return refsToNodes(reply.Nodes), nil
}

// FindValueResult is the outcome of a FIND_VALUE RPC: either a set of value
// descriptors (a hit) or a set of closer nodes (a miss), mirroring the
// reference FindValueFromNodeResult.
type FindValueResult struct {
	Values []codec.KVPExchangeInfo
	Nodes  []routing.Node
}

// FindValue sends a FIND_VALUE RPC for key.
func (e *Engine) FindValue(ctx context.Context, addr string, key keys.KeyBytes) (FindValueResult, error) {
	reply, err := e.call(ctx, addr, Request{RPC: RPCFindValue, Key: key})
	if err != nil {
		return FindValueResult{}, err
	}
	return FindValueResult{Values: reply.Values, Nodes: refsToNodes(reply.Nodes)}, nil
}

// GetValue sends a GET_VALUE RPC for a specific (key, index), optionally
// resuming from valueOffset bytes into the value (used for multi-round
// downloads), and waits for the chunked transfer to complete.
func (e *Engine) GetValue(ctx context.Context, addr string, id kvstore.ID, valueOffset int) ([]byte, error) {
	reply, err := e.call(ctx, addr, Request{RPC: RPCGetValue, Key: id.Key, Index: id.Index, ValueOffset: valueOffset})
	if err != nil {
		return nil, err
	}
	if reply.XferID == "" {
		return nil, fmt.Errorf("dht: get value: no transfer id in reply")
	}

	download := e.transfers.Expect(reply.XferID, reply.Size+netio.StreamDataSize)
	dt := netio.NewDownloadTask(download)
	unhook := hookTask(ctx, dt.Task())
	defer unhook()

	dt.Run(ctx)
	return dt.Wait()
}

// StoreValue sends a STORE RPC announcing id/size/timestamp, and if the
// remote node accepts, transfers value in chunks.
func (e *Engine) StoreValue(ctx context.Context, addr string, id kvstore.ID, value []byte, timestamp time.Time) (bool, error) {
	reply, err := e.call(ctx, addr, Request{
		RPC: RPCStore, Key: id.Key, Index: id.Index,
		Size: len(value), Timestamp: float64(timestamp.Unix()),
	})
	if err != nil {
		return false, err
	}
	if !reply.OK {
		return false, nil
	}

	xferKey := fmt.Sprintf("store-%s-%s", id.Key.Hex(), id.Index.Hex())
	ut := netio.NewUploadTask(e.transfers, addr, value, xferKey)
	unhook := hookTask(ctx, ut.Task())
	defer unhook()

	ut.Run(ctx)
	if _, err := ut.Wait(); err != nil {
		return false, fmt.Errorf("dht: transfer store value: %w", err)
	}
	return true, nil
}
