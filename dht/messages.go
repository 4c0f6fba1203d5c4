// Package dht implements the Kademlia engine: RPC dispatch, shortlist-driven
// iterative lookups, bucket refresh, and the TTL policy for stored values.
package dht

import (
	"bytestag/codec"
	"bytestag/keys"
)

// RPCName identifies which Kademlia operation a Request carries.
type RPCName string

// The five RPCs the engine understands, matching the reference
// implementation's rpc_map dispatch table.
const (
	RPCPing      RPCName = "ping"
	RPCStore     RPCName = "store"
	RPCFindNode  RPCName = "findnode"
	RPCFindValue RPCName = "findval"
	RPCGetValue  RPCName = "getval"
)

// Request is the payload of every outbound RPC call. Fields irrelevant to a
// given RPC are left zero; the zero scalar fields are omitted from the wire
// form, while Key and Index, being fixed-size arrays, are always sent (as the
// all-zero key when unused).
type Request struct {
	RPC         RPCName       `json:"rpc"`
	NodeID      keys.KeyBytes `json:"nodeid"`
	Key         keys.KeyBytes `json:"key,omitempty"`
	Index       keys.KeyBytes `json:"index,omitempty"`
	Size        int           `json:"size,omitempty"`
	Timestamp   float64       `json:"timestmp,omitempty"`
	ValueOffset int           `json:"valofs,omitempty"`
}

// Reply is the payload of every RPC response.
type Reply struct {
	NodeID keys.KeyBytes              `json:"nodeid"`
	Nodes  []codec.NodeRef            `json:"nodes,omitempty"`
	Values []codec.KVPExchangeInfo    `json:"vals,omitempty"`
	XferID string                     `json:"xferid,omitempty"`
	Size   int                        `json:"size,omitempty"`
	OK     bool                       `json:"ok,omitempty"`
}
