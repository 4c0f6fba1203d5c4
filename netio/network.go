package netio

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTimeout is how long SendRequest waits for a reply before giving up,
// matching the reference network layer's default request timeout.
const DefaultTimeout = 10 * time.Second

// SequenceIDSize is the number of random bytes used to build a sequence id.
const SequenceIDSize = 20

// RequestHandler processes an inbound request payload and returns the reply
// payload to send back, or an error to drop the request silently (matching
// the reference server's "unknown/invalid packets are dropped" policy).
type RequestHandler func(from *net.UDPAddr, payload json.RawMessage) (reply interface{}, err error)

// pendingReply is a slot waiting for a correlated reply envelope.
type pendingReply struct {
	addr string
	ch   chan *Envelope
}

// Server is a single UDP socket shared for both sending and receiving,
// providing request/reply correlation by sequence id. One Server instance
// corresponds to one local node's network presence.
type Server struct {
	conn      *net.UDPConn
	networkID string
	handler   RequestHandler
	log       *logrus.Entry

	mu      sync.Mutex
	pending map[string]*pendingReply // seqID -> waiting caller

	closing chan struct{}
	wg      sync.WaitGroup
}

// NewServer binds a UDP socket at laddr (host:port, "" host binds all
// interfaces) and returns a Server ready to Start. networkID is stamped on
// every outgoing envelope and checked on every inbound one; mismatches are
// dropped.
func NewServer(networkID, laddr string, handler RequestHandler) (*Server, error) {
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("netio: resolve %q: %w", laddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("netio: listen %q: %w", laddr, err)
	}

	return &Server{
		conn:      conn,
		networkID: networkID,
		handler:   handler,
		log:       logrus.WithField("component", "netio.server"),
		pending:   make(map[string]*pendingReply),
		closing:   make(chan struct{}),
	}, nil
}

// LocalAddr returns the address the socket is bound to.
func (s *Server) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Start begins reading incoming datagrams on a new goroutine. Call Close to
// stop it.
func (s *Server) Start() {
	s.wg.Add(1)
	go s.readLoop()
}

// Close terminates the read loop and releases every pending reply waiter,
// mirroring the reference server's stop callback that unblocks all waiters
// with a nil result rather than leaving them to time out.
func (s *Server) Close() error {
	close(s.closing)
	err := s.conn.Close()

	s.mu.Lock()
	for seqID, p := range s.pending {
		close(p.ch)
		delete(s.pending, seqID)
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, MaxUDPPacketSize)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closing:
				return
			default:
				s.log.Debugf("read error: %v", err)
				continue
			}
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		go s.handleDatagram(data, from)
	}
}

func (s *Server) handleDatagram(data []byte, from *net.UDPAddr) {
	env, err := Unpack(data)
	if err != nil {
		s.log.Debugf("dropping unparseable datagram from %s: %v", from, err)
		return
	}
	if env.NetworkID != s.networkID {
		s.log.Debugf("dropping datagram with wrong network id from %s", from)
		return
	}

	if env.ReplyID != "" {
		s.deliverReply(env, from)
		return
	}

	if s.handler == nil {
		return
	}

	reply, err := s.handler(from, env.Payload)
	if err != nil {
		s.log.Debugf("handler error from %s: %v", from, err)
		return
	}
	if reply == nil {
		return
	}

	replyPayload, err := json.Marshal(reply)
	if err != nil {
		s.log.Errorf("marshal reply: %v", err)
		return
	}

	replyEnv := &Envelope{
		NetworkID: s.networkID,
		SeqID:     env.SeqID,
		ReplyID:   env.SeqID,
		Payload:   replyPayload,
	}
	if err := s.sendEnvelope(replyEnv, from); err != nil {
		s.log.Debugf("send reply to %s: %v", from, err)
	}
}

func (s *Server) deliverReply(env *Envelope, from *net.UDPAddr) {
	s.mu.Lock()
	p, ok := s.pending[env.ReplyID]
	if ok && p.addr == from.String() {
		delete(s.pending, env.ReplyID)
	}
	s.mu.Unlock()

	if !ok || p.addr != from.String() {
		s.log.Debugf("dropping reply with unknown/mismatched correlation from %s", from)
		return
	}

	select {
	case p.ch <- env:
	default:
	}
}

func (s *Server) sendEnvelope(env *Envelope, addr *net.UDPAddr) error {
	data, err := Pack(env)
	if err != nil {
		return err
	}
	_, err = s.conn.WriteToUDP(data, addr)
	return err
}

// NewSequenceID returns a random hex-encoded sequence id, used to correlate
// a request with its eventual reply.
func NewSequenceID() (string, error) {
	b := make([]byte, SequenceIDSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("netio: generate sequence id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// SendRequest sends payload to addr and blocks until a correlated reply
// arrives, ctx is canceled, or timeout elapses (0 uses DefaultTimeout). It
// returns the reply envelope's Payload.
func (s *Server) SendRequest(ctx context.Context, addr string, payload interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("netio: resolve %q: %w", addr, err)
	}

	seqID, err := NewSequenceID()
	if err != nil {
		return nil, err
	}

	payloadData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("netio: marshal request payload: %w", err)
	}

	ch := make(chan *Envelope, 1)
	s.mu.Lock()
	s.pending[seqID] = &pendingReply{addr: raddr.String(), ch: ch}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, seqID)
		s.mu.Unlock()
	}()

	env := &Envelope{
		NetworkID: s.networkID,
		SeqID:     seqID,
		Payload:   payloadData,
	}
	if err := s.sendEnvelope(env, raddr); err != nil {
		return nil, fmt.Errorf("netio: send request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("netio: server closed while awaiting reply")
		}
		return reply.Payload, nil
	case <-timer.C:
		return nil, fmt.Errorf("netio: request to %s timed out after %s", addr, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closing:
		return nil, fmt.Errorf("netio: server closed while awaiting reply")
	}
}

// SendNotification sends payload to addr without expecting a reply.
func (s *Server) SendNotification(addr string, payload interface{}) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("netio: resolve %q: %w", addr, err)
	}

	seqID, err := NewSequenceID()
	if err != nil {
		return err
	}

	payloadData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("netio: marshal payload: %w", err)
	}

	env := &Envelope{
		NetworkID: s.networkID,
		SeqID:     seqID,
		Payload:   payloadData,
	}
	return s.sendEnvelope(env, raddr)
}
