package dht

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"bytestag/codec"
	"bytestag/events"
	"bytestag/keys"
	"bytestag/kvstore"
	"bytestag/netio"
	"bytestag/pkg/metrics"
	"bytestag/routing"
)

// Default timing constants. TExpire is the baseline value lifetime before
// TTL discounting; TRefresh is how often a stale bucket is refreshed.
// Per spec these take precedence over the reference implementation's
// TIME_EXPIRE=86490 (a stale value from an unrelated constant drift).
const (
	DefaultAlpha      = 3
	DefaultTExpire    = 86400 * time.Second
	DefaultTRefresh   = 3600 * time.Second
	MaxValueSize      = 1 << 20
	NetworkIDBytestag = "BYTESTAG"
)

// Config controls an Engine's identity and timing policy.
type Config struct {
	NetworkID  string
	LocalKey   keys.KeyBytes
	ListenAddr string
	Alpha      int
	TExpire    time.Duration
	TRefresh   time.Duration
}

func (c *Config) setDefaults() {
	if c.NetworkID == "" {
		c.NetworkID = NetworkIDBytestag
	}
	if c.Alpha <= 0 {
		c.Alpha = DefaultAlpha
	}
	if c.TExpire <= 0 {
		c.TExpire = DefaultTExpire
	}
	if c.TRefresh <= 0 {
		c.TRefresh = DefaultTRefresh
	}
}

// Engine is one node's Kademlia presence: it owns the routing table, the
// local KVP store, and the UDP transport, and answers/drives the five RPCs.
type Engine struct {
	cfg        Config
	table      *routing.Table
	store      kvstore.Table
	server     *netio.Server
	transfers  *netio.Transfers
	scheduler  *events.Scheduler
	uploadSlot *events.FnTaskSlot
	reactor    *events.Reactor
	log        *logrus.Entry
	metrics    metrics.Metrics
}

// rpcEvent carries one inbound request through the reactor to its registered
// RPC handler and back; result is buffered so the handler never blocks on a
// caller that has already timed out.
type rpcEvent struct {
	from   *net.UDPAddr
	req    Request
	result chan rpcResult
}

type rpcResult struct {
	reply interface{}
	err   error
}

// NewEngine binds a UDP socket at cfg.ListenAddr and returns an Engine ready
// to Start.
func NewEngine(cfg Config, store kvstore.Table) (*Engine, error) {
	cfg.setDefaults()

	e := &Engine{
		cfg:        cfg,
		table:      routing.NewTable(cfg.LocalKey),
		store:      store,
		scheduler:  events.NewScheduler(),
		uploadSlot: events.NewFnTaskSlot(cfg.Alpha),
		reactor:    events.NewReactor(0),
		log:        logrus.WithField("component", "dht.engine").WithField("node", cfg.LocalKey.Hex()[:8]),
	}

	server, err := netio.NewServer(cfg.NetworkID, cfg.ListenAddr, e.handleRequest)
	if err != nil {
		return nil, fmt.Errorf("dht: new engine: %w", err)
	}
	e.server = server
	e.transfers = netio.NewTransfers(server)

	return e, nil
}

// LocalKey returns this engine's node id.
func (e *Engine) LocalKey() keys.KeyBytes { return e.cfg.LocalKey }

// LocalAddr returns the bound UDP address.
func (e *Engine) LocalAddr() net.Addr { return e.server.LocalAddr() }

// Table returns the underlying routing table.
func (e *Engine) Table() *routing.Table { return e.table }

// Store returns the engine's local KVP store, so the Publisher and
// Replicator control loops can scan it directly.
func (e *Engine) Store() kvstore.Table { return e.store }

// UploadObserver returns the observer fired (added bool, task) on every
// admission/completion of an outbound STORE upload, used by PublishValue's
// upload slot so a monitor can track in-flight transfers.
func (e *Engine) UploadObserver() *events.Observer { return e.uploadSlot.Observer() }

// SetMetrics attaches an optional observability sink. A nil value (the
// default) disables metrics recording entirely.
func (e *Engine) SetMetrics(m metrics.Metrics) { e.metrics = m }

// Start begins serving RPCs and the bucket-refresh scheduler.
func (e *Engine) Start() {
	go e.reactor.Run()
	e.registerRPCHandlers()
	e.server.Start()
	go e.scheduler.Run()
	e.startBucketRefresh()
}

// Close stops the engine.
func (e *Engine) Close() error {
	e.scheduler.Stop()
	err := e.server.Close()
	e.reactor.Stop()
	return err
}

func (e *Engine) updateRoutingTable(nodeKey keys.KeyBytes, addr string) {
	if nodeKey == e.cfg.LocalKey {
		return
	}
	node := routing.Node{Key: nodeKey, Addr: addr}
	if err := e.table.Update(node); err != nil {
		var full *routing.BucketFullError
		if asBucketFull(err, &full) {
			e.resolveFullBucket(e.table.BucketFor(nodeKey), full, node)
		}
	}
}

func asBucketFull(err error, target **routing.BucketFullError) bool {
	if f, ok := err.(*routing.BucketFullError); ok {
		*target = f
		return true
	}
	return false
}

// resolveFullBucket pings the bucket's least-recently-seen node; if it
// answers, the old node is kept, otherwise the new candidate replaces it —
// matching the reference _update_full_bucket.
func (e *Engine) resolveFullBucket(bucket *routing.Bucket, full *routing.BucketFullError, candidate routing.Node) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), netio.DefaultTimeout)
		defer cancel()

		if err := e.Ping(ctx, full.Node.Addr); err != nil {
			bucket.KeepNew()
			_ = bucket.Update(candidate)
		} else {
			bucket.KeepOld()
		}
	}()
}

// registerRPCHandlers wires the five RPCs onto the reactor, keyed by RPC
// name, matching the reference implementation's rpc_map dispatch table:
// handleRequest posts every inbound request as an event and the reactor's own
// goroutine fans it out to exactly the handler registered for its rpc field.
func (e *Engine) registerRPCHandlers() {
	e.reactor.On(events.EventType(RPCPing), func(ev events.Event) {
		re := ev.Data.(*rpcEvent)
		re.result <- rpcResult{e.replyPing(), nil}
	})
	e.reactor.On(events.EventType(RPCFindNode), func(ev events.Event) {
		re := ev.Data.(*rpcEvent)
		re.result <- rpcResult{e.replyFindNode(re.req), nil}
	})
	e.reactor.On(events.EventType(RPCFindValue), func(ev events.Event) {
		re := ev.Data.(*rpcEvent)
		re.result <- rpcResult{e.replyFindValue(re.req), nil}
	})
	e.reactor.On(events.EventType(RPCGetValue), func(ev events.Event) {
		re := ev.Data.(*rpcEvent)
		reply, err := e.replyGetValue(re.req, re.from)
		re.result <- rpcResult{reply, err}
	})
	e.reactor.On(events.EventType(RPCStore), func(ev events.Event) {
		re := ev.Data.(*rpcEvent)
		reply, err := e.replyStore(re.req, re.from)
		re.result <- rpcResult{reply, err}
	})
}

// rpcDispatchTimeout bounds how long handleRequest waits for its posted event
// to be picked up and answered by the reactor goroutine.
const rpcDispatchTimeout = 10 * time.Second

func (e *Engine) handleRequest(from *net.UDPAddr, payload json.RawMessage) (interface{}, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("dht: unmarshal request: %w", err)
	}

	if req.RPC == "" {
		var chunk struct {
			XferID string `json:"xferid"`
			Data   []byte `json:"xferdata"`
		}
		if err := json.Unmarshal(payload, &chunk); err == nil && chunk.XferID != "" {
			return e.transfers.HandleChunk(chunk.XferID, chunk.Data)
		}
	}

	switch req.RPC {
	case RPCPing, RPCFindNode, RPCFindValue, RPCGetValue, RPCStore:
	default:
		return nil, fmt.Errorf("dht: unknown rpc %q", req.RPC)
	}

	e.updateRoutingTable(req.NodeID, from.String())

	re := &rpcEvent{from: from, req: req, result: make(chan rpcResult, 1)}
	if err := e.reactor.Post(events.Event{Type: events.EventType(req.RPC), Data: re}); err != nil {
		return nil, fmt.Errorf("dht: dispatch rpc %q: %w", req.RPC, err)
	}

	select {
	case res := <-re.result:
		return res.reply, res.err
	case <-time.After(rpcDispatchTimeout):
		return nil, fmt.Errorf("dht: rpc %q handler timed out", req.RPC)
	}
}

func (e *Engine) replyPing() *Reply {
	return &Reply{NodeID: e.cfg.LocalKey}
}

func (e *Engine) replyFindNode(req Request) *Reply {
	nodes := e.table.CloseNodes(req.Key, routing.K)
	return &Reply{NodeID: e.cfg.LocalKey, Nodes: nodesToRefs(nodes)}
}

// replyFindValue matches the reference _received_find_value_rpc's three-way
// fallback: an exact (key, index) hit returns just that record, a key-only
// match returns every record stored under that key, and otherwise it
// degrades to the FIND_NODE close-nodes response.
func (e *Engine) replyFindValue(req Request) *Reply {
	if !req.Index.Equal(keys.KeyBytes{}) {
		id := kvstore.ID{Key: req.Key, Index: req.Index}
		if rec, err := e.store.Record(id); err == nil {
			if info, err := exchangeInfo(rec); err == nil {
				return &Reply{NodeID: e.cfg.LocalKey, Values: []codec.KVPExchangeInfo{info}}
			}
		}
	}

	indices, _ := e.store.Indices(req.Key)
	if len(indices) > 0 {
		var values []codec.KVPExchangeInfo
		for _, idx := range indices {
			rec, err := e.store.Record(kvstore.ID{Key: req.Key, Index: idx})
			if err != nil {
				continue
			}
			info, err := exchangeInfo(rec)
			if err != nil {
				continue
			}
			values = append(values, info)
		}
		if len(values) > 0 {
			return &Reply{NodeID: e.cfg.LocalKey, Values: values}
		}
	}

	return e.replyFindNode(req)
}

func exchangeInfo(rec kvstore.Record) (codec.KVPExchangeInfo, error) {
	size, err := rec.Size()
	if err != nil {
		return codec.KVPExchangeInfo{}, err
	}
	id := rec.ID()
	return codec.KVPExchangeInfo{
		Key:       id.Key,
		Index:     id.Index,
		Size:      size,
		Timestamp: float64(rec.Timestamp().Unix()),
	}, nil
}

func (e *Engine) replyGetValue(req Request, from *net.UDPAddr) (*Reply, error) {
	value, err := e.store.Get(kvstore.ID{Key: req.Key, Index: req.Index})
	if err != nil {
		return nil, fmt.Errorf("dht: get value: %w", err)
	}
	if req.ValueOffset > 0 && req.ValueOffset < len(value) {
		value = value[req.ValueOffset:]
	}

	ctx, cancel := context.WithTimeout(context.Background(), netio.DefaultTimeout)
	defer cancel()
	xferID, err := e.transfers.Send(ctx, from.String(), value, string(RPCGetValue))
	if err != nil {
		return nil, fmt.Errorf("dht: send value: %w", err)
	}

	return &Reply{NodeID: e.cfg.LocalKey, XferID: xferID, Size: len(value)}, nil
}

func (e *Engine) replyStore(req Request, from *net.UDPAddr) (*Reply, error) {
	id := kvstore.ID{Key: req.Key, Index: req.Index}
	if req.Size > MaxValueSize {
		return nil, fmt.Errorf("dht: store rejected: size %d exceeds maximum", req.Size)
	}

	timestamp := time.Unix(int64(req.Timestamp), 0)
	if !e.store.IsAcceptable(id, req.Size, timestamp) {
		if e.metrics != nil {
			e.metrics.IncStoreRejected()
		}
		return &Reply{NodeID: e.cfg.LocalKey, OK: false}, nil
	}
	if e.metrics != nil {
		e.metrics.IncStoreAccepted()
	}

	download := e.transfers.Expect(fmt.Sprintf("store-%s-%s", id.Key.Hex(), id.Index.Hex()), req.Size)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), netio.TransferInactivityTimeout)
		defer cancel()

		data, err := download.Wait(ctx)
		if err != nil {
			e.log.Debugf("store from %s failed: %v", from, err)
			return
		}
		if !keys.ValidateValue(id.Index, data) {
			e.log.Warnf("store from %s failed hash validation", from)
			return
		}

		if err := e.store.Set(id, data); err != nil {
			e.log.Warnf("store from %s: %v", from, err)
			return
		}
		if rec, err := e.store.Record(id); err == nil {
			_ = rec.SetTimestamp(timestamp)
			_ = rec.SetTimeToLive(e.calculateExpiration(id.Key))
			_ = rec.SetLastUpdate(time.Now())
		}
	}()

	return &Reply{NodeID: e.cfg.LocalKey, OK: true}, nil
}

// calculateExpiration implements the TTL discount formula: values stored
// under a key with a densely populated neighborhood (c >= K close contacts
// already known) expire sooner, since republication pressure there is
// naturally higher. This fixes the reference implementation's
// "if c < Bucket.MAX_BUCKET_SIZE == 0" predicate, which due to Python
// chained-comparison semantics was always false and thus never applied the
// flat baseline; here the c < K branch is implemented directly.
func (e *Engine) calculateExpiration(key keys.KeyBytes) time.Duration {
	c := e.table.CountBelow(key) + e.table.CountClose(key)
	if c < routing.K {
		return e.cfg.TExpire
	}
	discount := expf(float64(c) / float64(routing.K))
	return time.Duration(float64(e.cfg.TExpire) / discount)
}

func nodesToRefs(nodes []routing.Node) []codec.NodeRef {
	out := make([]codec.NodeRef, 0, len(nodes))
	for _, n := range nodes {
		host, port := splitHostPort(n.Addr)
		out = append(out, codec.NodeRef{Host: host, Port: port, ID: n.Key})
	}
	return out
}
