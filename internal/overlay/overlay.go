// Package overlay implements the network overlay (spec §4.2, "C2"):
// NodeId -> route resolution, session-multiplexed reliable/unreliable
// forwarding, ping keep-alive, and a requests-in-flight table for reply
// routing. It implements gsb.Transport so the service bus can route
// "/net/{node_id}/..." calls and broadcasts across it.
//
// Grounded on the teacher's libp2p-backed Node (core/network.go) and
// PeerManagement.SendAsync (core/peer_management.go) for the
// stream-per-peer shape; the reliable protocol multiplexes many logical
// calls over one long-lived stream per peer the way SendAsync opens one
// stream per logical exchange, generalized into a reusable session.
package overlay

import (
	"context"
	"fmt"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/sirupsen/logrus"

	"github.com/fluxmarket/node/internal/gsb"
	"github.com/fluxmarket/node/internal/identity"
)

const (
	// ReliableProtocol carries length-prefixed framed Packets (spec §4.2).
	ReliableProtocol protocol.ID = "/fluxmarket/reliable/1.0.0"
	// UnreliableProtocol carries best-effort messages, one whole
	// length-prefixed Packet per stream.
	UnreliableProtocol protocol.ID = "/fluxmarket/unreliable/1.0.0"

	defaultKeepAlive = 15 * time.Second
)

// LocalBus is the subset of gsb.Bus the overlay needs to serve inbound
// remote calls: dispatch into locally-bound handlers.
type LocalBus interface {
	Call(ctx context.Context, address string, caller identity.NodeID, payload []byte) (<-chan gsb.Chunk, error)
}

// Resolver maps a NodeId to a dialable libp2p address, e.g. via a relay or
// a DHT (spec §4.2: "A relay endpoint resolves NodeId to a transport
// route").
type Resolver interface {
	Resolve(ctx context.Context, node identity.NodeID) (peer.AddrInfo, error)
}

// Config controls overlay behavior.
type Config struct {
	ListenAddr   string
	KeepAlive    time.Duration
	BootstrapPeers []string
}

// Overlay is the node's network overlay endpoint.
type Overlay struct {
	log  *logrus.Entry
	host host.Host
	bus  LocalBus
	res  Resolver
	cfg  Config

	sessMu   sync.Mutex
	sessions map[identity.NodeID]*session

	pendingMu sync.Mutex
	pending   map[string]chan gsb.Chunk

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type session struct {
	peerID   peer.ID
	reliable network.Stream
	writeMu  sync.Mutex
}

// New creates an Overlay bound to cfg.ListenAddr. bus receives inbound
// remote calls after local dispatch; res resolves NodeIds to routes.
func New(cfg Config, bus LocalBus, res Resolver) (*Overlay, error) {
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		return nil, fmt.Errorf("overlay: create host: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Overlay{
		log:      logrus.WithField("component", "overlay"),
		host:     h,
		bus:      bus,
		res:      res,
		cfg:      cfg,
		sessions: make(map[identity.NodeID]*session),
		pending:  make(map[string]chan gsb.Chunk),
		ctx:      ctx,
		cancel:   cancel,
	}
	h.SetStreamHandler(ReliableProtocol, o.handleReliableStream)
	h.SetStreamHandler(UnreliableProtocol, o.handleUnreliableStream)
	o.wg.Add(1)
	go o.keepAliveLoop()
	return o, nil
}

func (o *Overlay) NodeID() identity.NodeID {
	return identity.NodeID(o.host.ID().String())
}

func (o *Overlay) Close() error {
	o.cancel()
	o.wg.Wait()
	return o.host.Close()
}

// getOrOpenSession returns the cached reliable session to node, opening one
// lazily on first use and reusing it thereafter (spec §4.2: "on first use a
// session is established lazily and reused").
func (o *Overlay) getOrOpenSession(ctx context.Context, node identity.NodeID) (*session, error) {
	o.sessMu.Lock()
	if s, ok := o.sessions[node]; ok {
		o.sessMu.Unlock()
		return s, nil
	}
	o.sessMu.Unlock()

	info, err := o.res.Resolve(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("overlay: resolve %s: %w", node, err)
	}
	if err := o.host.Connect(ctx, info); err != nil {
		return nil, fmt.Errorf("overlay: connect %s: %w", node, err)
	}
	stream, err := o.host.NewStream(ctx, info.ID, ReliableProtocol)
	if err != nil {
		return nil, fmt.Errorf("overlay: open reliable stream to %s: %w", node, err)
	}
	s := &session{peerID: info.ID, reliable: stream}

	o.sessMu.Lock()
	o.sessions[node] = s
	o.sessMu.Unlock()

	o.wg.Add(1)
	go o.readLoop(node, s)
	return s, nil
}

// teardownSession drops a broken session so the next call reopens it (spec
// §4.2: "On send failure, the channel is torn down and reopened on next
// use; in-flight call semantics become 'failed with retryable error'").
func (o *Overlay) teardownSession(node identity.NodeID, s *session) {
	o.sessMu.Lock()
	if o.sessions[node] == s {
		delete(o.sessions, node)
	}
	o.sessMu.Unlock()
	_ = s.reliable.Close()
}

// Call implements gsb.Transport: sends a CallRequest over the reliable
// session to node and demultiplexes CallReply chunks by request-id.
func (o *Overlay) Call(ctx context.Context, node, address string, caller identity.NodeID, payload []byte) (<-chan gsb.Chunk, error) {
	nodeID := identity.NodeID(node)
	s, err := o.getOrOpenSession(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	reqID := gsb.NewRequestID()
	ch := make(chan gsb.Chunk, 4)
	o.pendingMu.Lock()
	o.pending[reqID] = ch
	o.pendingMu.Unlock()

	pkt := &gsb.Packet{Kind: gsb.KindCallRequest, Request: &gsb.CallRequest{
		Caller:    string(caller),
		Address:   address,
		RequestID: reqID,
		Data:      payload,
	}}

	s.writeMu.Lock()
	err = gsb.WriteFramed(s.reliable, pkt)
	s.writeMu.Unlock()
	if err != nil {
		o.pendingMu.Lock()
		delete(o.pending, reqID)
		o.pendingMu.Unlock()
		o.teardownSession(nodeID, s)
		return nil, fmt.Errorf("overlay: send to %s: %w", node, err)
	}
	return ch, nil
}

// Broadcast implements gsb.Transport by fanning a BroadcastRequest out to up
// to `fanout` known peer sessions (spec §4.2's broadcast primitive).
func (o *Overlay) Broadcast(ctx context.Context, topic string, caller identity.NodeID, payload []byte, fanout int) error {
	o.sessMu.Lock()
	targets := make([]*session, 0, len(o.sessions))
	nodes := make([]identity.NodeID, 0, len(o.sessions))
	for n, s := range o.sessions {
		targets = append(targets, s)
		nodes = append(nodes, n)
		if fanout > 0 && len(targets) >= fanout {
			break
		}
	}
	o.sessMu.Unlock()

	pkt := &gsb.Packet{Kind: gsb.KindBroadcastRequest, Broadcast: &gsb.BroadcastRequest{
		Caller: string(caller), Topic: topic, Data: payload,
	}}
	var lastErr error
	for i, s := range targets {
		s.writeMu.Lock()
		err := gsb.WriteFramed(s.reliable, pkt)
		s.writeMu.Unlock()
		if err != nil {
			o.teardownSession(nodes[i], s)
			lastErr = err
		}
	}
	return lastErr
}

// readLoop demultiplexes inbound framed packets from an outbound session:
// CallReply packets route to the pending table, CallRequest/Broadcast
// packets are dispatched into the local bus (a peer may reuse our outbound
// stream to answer or to push a broadcast back).
func (o *Overlay) readLoop(node identity.NodeID, s *session) {
	defer o.wg.Done()
	for {
		pkt, err := gsb.ReadFramed(s.reliable)
		if err != nil {
			o.log.WithError(err).WithField("node", node).Debug("reliable session closed")
			o.teardownSession(node, s)
			return
		}
		o.dispatch(node, pkt)
	}
}

func (o *Overlay) handleReliableStream(s network.Stream) {
	node := identity.NodeID(s.Conn().RemotePeer().String())
	sess := &session{peerID: s.Conn().RemotePeer(), reliable: s}
	o.sessMu.Lock()
	if _, exists := o.sessions[node]; !exists {
		o.sessions[node] = sess
	}
	o.sessMu.Unlock()
	o.wg.Add(1)
	o.readLoop(node, sess)
}

func (o *Overlay) handleUnreliableStream(s network.Stream) {
	defer s.Close()
	pkt, err := gsb.ReadFramed(s)
	if err != nil {
		return
	}
	node := identity.NodeID(s.Conn().RemotePeer().String())
	o.dispatch(node, pkt)
}

func (o *Overlay) dispatch(node identity.NodeID, pkt *gsb.Packet) {
	switch pkt.Kind {
	case gsb.KindCallReply:
		o.pendingMu.Lock()
		ch, ok := o.pending[pkt.Reply.RequestID]
		if ok && pkt.Reply.ReplyType == gsb.Full {
			delete(o.pending, pkt.Reply.RequestID)
		}
		o.pendingMu.Unlock()
		if !ok {
			o.log.WithField("request_id", pkt.Reply.RequestID).Debug("reply for unknown request, dropping")
			return
		}
		select {
		case ch <- gsb.Chunk{Data: pkt.Reply.Data, Type: pkt.Reply.ReplyType, Code: pkt.Reply.Code}:
		default:
			o.log.WithField("request_id", pkt.Reply.RequestID).Debug("reply channel full, dropping chunk")
		}
		if pkt.Reply.ReplyType == gsb.Full {
			close(ch)
		}
	case gsb.KindCallRequest:
		o.serveInbound(node, pkt.Request)
	case gsb.KindBroadcastRequest:
		// Inbound broadcasts are handed to discovery via the local bus's own
		// topic address space; callers bind a handler for the topic address.
		o.serveInbound(node, &gsb.CallRequest{
			Caller: pkt.Broadcast.Caller, Address: gsb.PublicAddress("bcast/" + pkt.Broadcast.Topic), Data: pkt.Broadcast.Data,
		})
	}
}

func (o *Overlay) serveInbound(node identity.NodeID, req *gsb.CallRequest) {
	ctx, cancel := context.WithTimeout(o.ctx, 30*time.Second)
	defer cancel()
	ch, err := o.bus.Call(ctx, req.Address, node, req.Data)
	if err != nil {
		o.replyErr(node, req.RequestID)
		return
	}
	for chunk := range ch {
		o.reply(node, req.RequestID, chunk)
	}
}

func (o *Overlay) reply(node identity.NodeID, requestID string, chunk gsb.Chunk) {
	o.sessMu.Lock()
	s, ok := o.sessions[node]
	o.sessMu.Unlock()
	if !ok {
		return
	}
	pkt := &gsb.Packet{Kind: gsb.KindCallReply, Reply: &gsb.CallReply{
		RequestID: requestID, Code: chunk.Code, ReplyType: chunk.Type, Data: chunk.Data,
	}}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = gsb.WriteFramed(s.reliable, pkt)
}

func (o *Overlay) replyErr(node identity.NodeID, requestID string) {
	o.reply(node, requestID, gsb.Chunk{Type: gsb.Full, Code: gsb.ServiceFailure})
}

// keepAliveLoop pings the relay session at a fixed interval (spec §4.2,
// default 15s).
func (o *Overlay) keepAliveLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.pingAll()
		}
	}
}

func (o *Overlay) pingAll() {
	o.sessMu.Lock()
	snapshot := make(map[identity.NodeID]*session, len(o.sessions))
	for k, v := range o.sessions {
		snapshot[k] = v
	}
	o.sessMu.Unlock()

	for node, s := range snapshot {
		s.writeMu.Lock()
		err := gsb.WriteFramed(s.reliable, &gsb.Packet{Kind: gsb.KindBroadcastRequest, Broadcast: &gsb.BroadcastRequest{Topic: "ping"}})
		s.writeMu.Unlock()
		if err != nil {
			o.teardownSession(node, s)
		}
	}
}
