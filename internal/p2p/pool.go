package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/multiformats/go-multiaddr"

	"github.com/opendex-network/opendexd/internal/config"
	"github.com/opendex-network/opendexd/pkg/logging"
)

// ProtocolID is the libp2p protocol id packet streams run on.
const ProtocolID = "/opendex/packets/1.0.0"

// Version is the protocol version announced in the handshake.
const Version = "1.0.0"

// Pool errors
var (
	ErrSelfConnect      = errors.New("cannot attempt connection to self")
	ErrAlreadyConnected = errors.New("already connected to peer")
	ErrPeerNotFound     = errors.New("peer is not connected")
	ErrTorDisabled      = errors.New("tor connections are disabled")
	ErrPoolClosed       = errors.New("pool is shut down")
)

// Handler receives pool events and the packets the pool does not consume
// itself.
type Handler interface {
	// PeerOpened fires after a successful handshake.
	PeerOpened(p *Peer)

	// PeerClosed fires once when a peer connection ends.
	PeerClosed(p *Peer)

	// OrderReceived handles an order announced by a peer. It reports
	// whether the order was valid.
	OrderReceived(p *Peer, order OrderBody) bool

	// OrderInvalidationReceived handles an order invalidation from a peer.
	OrderInvalidationReceived(p *Peer, oi OrderInvalidationBody)

	// OrdersRequested returns the own orders to answer a GetOrders request
	// with.
	OrdersRequested(p *Peer) []OrderBody

	// SwapPacketReceived handles SwapRequest, SwapAccepted, SwapFailed and
	// SwapComplete packets.
	SwapPacketReceived(p *Peer, pkt *Packet)
}

// Pool maintains the set of connected peers: it dials, accepts, hands
// completed connections to the handler, and reconnects dropped outbound
// peers.
type Pool struct {
	cfg     *config.P2PConfig
	network string
	key     *NodeKey
	nodes   *NodeList
	handler Handler
	log     *logging.Logger

	host host.Host
	dht  *dht.IpfsDHT

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.RWMutex
	peers        map[string]*Peer
	pairs        []string
	destinations map[string]string
	accepting    bool
	closed       bool

	retryMu sync.Mutex
	retries map[string]context.CancelFunc
}

// New creates the pool and its libp2p host. The node key doubles as the
// libp2p identity, so the transport handshake pins the pubkey we dial.
func New(ctx context.Context, cfg *config.P2PConfig, netName string, key *NodeKey, nodes *NodeList, handler Handler) (*Pool, error) {
	ctx, cancel := context.WithCancel(ctx)

	p := &Pool{
		cfg:          cfg,
		network:      netName,
		key:          key,
		nodes:        nodes,
		handler:      handler,
		log:          logging.GetDefault().Component("p2p"),
		ctx:          ctx,
		cancel:       cancel,
		peers:        make(map[string]*Peer),
		destinations: make(map[string]string),
		retries:      make(map[string]context.CancelFunc),
	}

	privKey, err := key.Libp2pPrivKey()
	if err != nil {
		cancel()
		return nil, err
	}

	opts := []libp2p.Option{
		libp2p.Identity(privKey),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	}
	if cfg.NoListen {
		opts = append(opts, libp2p.NoListenAddrs)
	} else {
		listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.ListenAddrs))
		for _, addr := range cfg.ListenAddrs {
			ma, err := multiaddr.NewMultiaddr(addr)
			if err != nil {
				cancel()
				return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
			}
			listenAddrs = append(listenAddrs, ma)
		}
		opts = append(opts, libp2p.ListenAddrs(listenAddrs...))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}
	p.host = h
	p.accepting = !cfg.NoListen

	if cfg.EnableDHT {
		p.dht, err = dht.New(ctx, h, dht.Mode(dht.ModeAutoServer))
		if err != nil {
			h.Close()
			cancel()
			return nil, fmt.Errorf("failed to initialize DHT: %w", err)
		}
		if err := p.dht.Bootstrap(ctx); err != nil {
			p.log.Warn("DHT bootstrap failed", "error", err)
		}
	}

	h.SetStreamHandler(ProtocolID, p.handleInboundStream)

	p.log.Info("p2p pool initialized", "pubkey", key.PubKeyHex(), "listening", !cfg.NoListen)
	return p, nil
}

// PubKey returns the node's own hex-encoded pubkey.
func (p *Pool) PubKey() string {
	return p.key.PubKeyHex()
}

// SetPairs sets the pairs announced to peers and pushes a node state update
// to everyone connected.
func (p *Pool) SetPairs(pairs []string) {
	p.mu.Lock()
	p.pairs = append([]string(nil), pairs...)
	p.mu.Unlock()
	p.sendNodeStateUpdate()
}

// SetDestinations sets the per-currency payment destinations announced to
// peers.
func (p *Pool) SetDestinations(dests map[string]string) {
	p.mu.Lock()
	p.destinations = make(map[string]string, len(dests))
	for k, v := range dests {
		p.destinations[k] = v
	}
	p.mu.Unlock()
	p.sendNodeStateUpdate()
}

func (p *Pool) helloBody() *HelloBody {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return &HelloBody{
		NodePubKey:   p.key.PubKeyHex(),
		Version:      Version,
		Network:      p.network,
		Addresses:    append([]string(nil), p.cfg.AdvertisedAddrs...),
		Pairs:        append([]string(nil), p.pairs...),
		Destinations: p.destinations,
	}
}

// AddOutbound dials a node and runs the handshake. With retry set, a
// dropped connection is retried with exponential backoff when the peer
// disconnects for a transient reason.
func (p *Pool) AddOutbound(ctx context.Context, uri NodeURI, retry bool) (*Peer, error) {
	if uri.PubKey == p.key.PubKeyHex() {
		return nil, ErrSelfConnect
	}
	if uri.IsTor() && !p.cfg.Tor {
		return nil, fmt.Errorf("%w: %s", ErrTorDisabled, uri.Addr())
	}
	if p.nodes.IsBanned(uri.PubKey) {
		return nil, fmt.Errorf("%w: %s", ErrNodeBanned, uri.PubKey)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if _, ok := p.peers[uri.PubKey]; ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyConnected, uri.PubKey)
	}
	p.mu.Unlock()

	stream, err := p.openStream(ctx, uri)
	if err != nil {
		if retry {
			p.scheduleRetry(uri)
		}
		return nil, err
	}

	pr := newPeer(stream, false, uri.Addr())
	hello, err := pr.handshake(p.helloBody(), uri.PubKey, p.cfg.HandshakeTimeout)
	if err != nil {
		reason := ReasonUnknownError
		var idErr *UnexpectedIdentityError
		if errors.As(err, &idErr) {
			reason = ReasonUnexpectedIdentity
		} else if errors.Is(err, ErrVersionMismatch) {
			reason = ReasonIncompatibleProtocolVersion
		} else if errors.Is(err, ErrBadHandshake) {
			reason = ReasonConnectionTimeout
		}
		pr.Close(reason, true)
		return nil, err
	}

	if err := p.registerPeer(pr, hello, retry); err != nil {
		return nil, err
	}
	return pr, nil
}

// openStream dials the node's address and opens a packet stream. The
// libp2p security handshake already verifies the remote key matches the
// peer id derived from the URI's pubkey.
func (p *Pool) openStream(ctx context.Context, uri NodeURI) (network.Stream, error) {
	pid, err := PeerIDFromPubKey(uri.PubKey)
	if err != nil {
		return nil, err
	}

	ma, err := uri.Multiaddr()
	if err != nil {
		return nil, fmt.Errorf("cannot dial %s: %w", uri.Addr(), err)
	}
	p.host.Peerstore().AddAddr(pid, ma, peerstore.TempAddrTTL)

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.HandshakeTimeout)
	defer cancel()

	stream, err := p.host.NewStream(dialCtx, pid, ProtocolID)
	if err != nil && p.dht != nil {
		// The known address may be stale; ask the DHT for fresh ones.
		if info, dhtErr := p.dht.FindPeer(dialCtx, pid); dhtErr == nil && len(info.Addrs) > 0 {
			p.host.Peerstore().AddAddrs(pid, info.Addrs, peerstore.TempAddrTTL)
			stream, err = p.host.NewStream(dialCtx, pid, ProtocolID)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", uri.Addr(), err)
	}
	return stream, nil
}

// handleInboundStream accepts an inbound packet stream and runs the
// handshake from the listening side.
func (p *Pool) handleInboundStream(stream network.Stream) {
	remoteAddr := ""
	if ma := stream.Conn().RemoteMultiaddr(); ma != nil {
		remoteAddr = ma.String()
	}

	p.mu.RLock()
	accepting := p.accepting && !p.closed
	p.mu.RUnlock()

	pr := newPeer(stream, true, remoteAddr)
	if !accepting {
		pr.Close(ReasonNotAcceptingConnections, true)
		return
	}

	hello, err := pr.handshake(p.helloBody(), "", p.cfg.HandshakeTimeout)
	if err != nil {
		p.log.Debug("inbound handshake failed", "addr", remoteAddr, "error", err)
		reason := ReasonUnknownError
		if errors.Is(err, ErrVersionMismatch) {
			reason = ReasonIncompatibleProtocolVersion
		}
		pr.Close(reason, true)
		return
	}

	// The announced pubkey must be the key the transport authenticated.
	expectedID, err := PeerIDFromPubKey(hello.NodePubKey)
	if err != nil || expectedID != stream.Conn().RemotePeer() {
		pr.Close(ReasonUnexpectedIdentity, true)
		return
	}

	if p.nodes.IsBanned(hello.NodePubKey) {
		pr.Close(ReasonBanned, true)
		return
	}

	if err := p.registerPeer(pr, hello, false); err != nil {
		p.log.Debug("inbound peer rejected", "pubkey", hello.NodePubKey, "error", err)
	}
}

// registerPeer adds a handshaken peer to the pool and starts its loops.
func (p *Pool) registerPeer(pr *Peer, hello *HelloBody, retry bool) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		pr.Close(ReasonShutdown, true)
		return ErrPoolClosed
	}
	if _, ok := p.peers[pr.PubKey]; ok {
		p.mu.Unlock()
		pr.Close(ReasonAlreadyConnected, true)
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, pr.PubKey)
	}
	p.peers[pr.PubKey] = pr
	p.mu.Unlock()

	// A live connection supersedes any pending reconnect attempts.
	p.cancelRetry(pr.PubKey)

	if err := p.nodes.OnHandshake(pr.PubKey, pr.Address, hello.Addresses); err != nil {
		p.log.Warn("failed to record node", "pubkey", pr.PubKey, "error", err)
	}

	p.log.Info("peer connected",
		"pubkey", pr.PubKey, "addr", pr.Address, "inbound", pr.Inbound, "pairs", len(pr.Pairs()))

	pr.start(p.cfg.PingInterval, p.handlePacket, func(peer *Peer) {
		p.onPeerClose(peer, retry)
	})
	p.handler.PeerOpened(pr)
	return nil
}

func (p *Pool) onPeerClose(pr *Peer, retry bool) {
	p.mu.Lock()
	if p.peers[pr.PubKey] == pr {
		delete(p.peers, pr.PubKey)
	}
	closed := p.closed
	p.mu.Unlock()

	local, remote := pr.CloseReason()
	p.log.Info("peer disconnected", "pubkey", pr.PubKey, "reason", local)

	if local == ReasonMalformedPacket {
		p.AddReputationEvent(pr.PubKey, ReputationMalformedPacket)
	} else if local == ReasonUnknownError && remote == nil {
		p.AddReputationEvent(pr.PubKey, ReputationWireError)
	}

	p.handler.PeerClosed(pr)

	if closed || !retry || pr.Inbound {
		return
	}
	reason := local
	if remote != nil {
		reason = remote.Reason
	}
	switch reason {
	case ReasonShutdown, ReasonAlreadyConnected, ReasonConnectionTimeout:
		p.scheduleRetry(NodeURI{PubKey: pr.PubKey})
	}
}

// scheduleRetry starts a background reconnect loop for an outbound peer,
// backing off exponentially until connected or canceled.
func (p *Pool) scheduleRetry(uri NodeURI) {
	p.retryMu.Lock()
	if _, ok := p.retries[uri.PubKey]; ok {
		p.retryMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(p.ctx)
	p.retries[uri.PubKey] = cancel
	p.retryMu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.cancelRetry(uri.PubKey)

		delay := p.cfg.RetryInitialDelay
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			target := uri
			if target.Host == "" {
				addr := p.dialableAddress(p.nodes.Addresses(target.PubKey))
				if addr == "" {
					p.log.Debug("no dialable addresses for reconnect", "pubkey", target.PubKey)
					return
				}
				parsed, err := ParseURI(target.PubKey + "@" + addr)
				if err != nil {
					return
				}
				target = parsed
			}

			p.log.Debug("reconnecting to peer", "pubkey", target.PubKey, "delay", delay)
			_, err := p.AddOutbound(ctx, target, false)
			if err == nil || errors.Is(err, ErrAlreadyConnected) ||
				errors.Is(err, ErrNodeBanned) || errors.Is(err, ErrPoolClosed) {
				return
			}

			delay *= 2
			if delay > p.cfg.RetryMaxDelay {
				delay = p.cfg.RetryMaxDelay
			}
		}
	}()
}

func (p *Pool) cancelRetry(pubKey string) {
	p.retryMu.Lock()
	if cancel, ok := p.retries[pubKey]; ok {
		cancel()
		delete(p.retries, pubKey)
	}
	p.retryMu.Unlock()
}

// handlePacket dispatches packets the peer itself does not consume.
func (p *Pool) handlePacket(pr *Peer, pkt *Packet) {
	switch pkt.Type {
	case PacketOrder:
		var body OrderBody
		if err := pkt.DecodeBody(&body); err != nil {
			p.AddReputationEvent(pr.PubKey, ReputationMalformedPacket)
			return
		}
		if !p.handler.OrderReceived(pr, body) {
			p.AddReputationEvent(pr.PubKey, ReputationInvalidOrder)
		}
	case PacketOrderInvalidation:
		var body OrderInvalidationBody
		if err := pkt.DecodeBody(&body); err != nil {
			p.AddReputationEvent(pr.PubKey, ReputationMalformedPacket)
			return
		}
		p.handler.OrderInvalidationReceived(pr, body)
	case PacketGetOrders:
		orders := p.handler.OrdersRequested(pr)
		resp, err := NewResponse(PacketOrders, pkt.ID, &OrdersBody{Orders: orders})
		if err == nil {
			pr.SendPacket(resp)
		}
	case PacketSwapRequest, PacketSwapAccepted, PacketSwapFailed, PacketSwapComplete:
		p.handler.SwapPacketReceived(pr, pkt)
	case PacketHello:
		// A second Hello after the handshake is a protocol violation.
		p.AddReputationEvent(pr.PubKey, ReputationWireError)
	default:
		p.log.Debug("unhandled packet", "type", pkt.Type, "pubkey", pr.PubKey)
	}
}

// BroadcastOrder announces an order to every peer trading its pair.
func (p *Pool) BroadcastOrder(order OrderBody) {
	pkt, err := NewPacket(PacketOrder, &order)
	if err != nil {
		p.log.Error("failed to encode order packet", "error", err)
		return
	}
	for _, pr := range p.peersForPair(order.PairID) {
		pr.SendPacket(pkt)
	}
}

// BroadcastOrderInvalidation tells peers trading the pair that an order
// shrank or went away. A zero quantity removes the order entirely.
func (p *Pool) BroadcastOrderInvalidation(orderID, pairID string, quantity int64) {
	pkt, err := NewPacket(PacketOrderInvalidation, &OrderInvalidationBody{
		ID:       orderID,
		PairID:   pairID,
		Quantity: quantity,
	})
	if err != nil {
		p.log.Error("failed to encode order invalidation packet", "error", err)
		return
	}
	for _, pr := range p.peersForPair(pairID) {
		pr.SendPacket(pkt)
	}
}

func (p *Pool) sendNodeStateUpdate() {
	p.mu.RLock()
	body := &NodeStateUpdateBody{
		Addresses:    append([]string(nil), p.cfg.AdvertisedAddrs...),
		Pairs:        append([]string(nil), p.pairs...),
		Destinations: p.destinations,
	}
	peers := make([]*Peer, 0, len(p.peers))
	for _, pr := range p.peers {
		peers = append(peers, pr)
	}
	p.mu.RUnlock()

	pkt, err := NewPacket(PacketNodeStateUpdate, body)
	if err != nil {
		return
	}
	for _, pr := range peers {
		pr.SendPacket(pkt)
	}
}

func (p *Pool) peersForPair(pairID string) []*Peer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	peers := make([]*Peer, 0, len(p.peers))
	for _, pr := range p.peers {
		if pr.TradesPair(pairID) {
			peers = append(peers, pr)
		}
	}
	return peers
}

// Peer returns the connected peer with the given pubkey.
func (p *Pool) Peer(pubKey string) (*Peer, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pr, ok := p.peers[pubKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, pubKey)
	}
	return pr, nil
}

// Peers returns all connected peers.
func (p *Pool) Peers() []*Peer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	peers := make([]*Peer, 0, len(p.peers))
	for _, pr := range p.peers {
		peers = append(peers, pr)
	}
	return peers
}

// Disconnect closes the connection to a peer with the given reason.
func (p *Pool) Disconnect(pubKey string, reason DisconnectReason) error {
	pr, err := p.Peer(pubKey)
	if err != nil {
		return err
	}
	p.cancelRetry(pubKey)
	pr.Close(reason, true)
	return nil
}

// AddReputationEvent applies a reputation event and disconnects the peer
// if the event tripped the ban threshold.
func (p *Pool) AddReputationEvent(pubKey string, event ReputationEvent) {
	banned, err := p.nodes.AddReputationEvent(pubKey, event)
	if err != nil {
		p.log.Warn("failed to record reputation event",
			"pubkey", pubKey, "event", event, "error", err)
		return
	}
	if banned {
		p.Disconnect(pubKey, ReasonBanned)
	}
}

// BanNode bans a node and disconnects it if connected.
func (p *Pool) BanNode(pubKey string) error {
	if err := p.nodes.Ban(pubKey); err != nil {
		return err
	}
	p.cancelRetry(pubKey)
	p.Disconnect(pubKey, ReasonBanned)
	return nil
}

// UnbanNode lifts a node's ban. With reconnect set, an outbound connection
// attempt is made to the node's last known address.
func (p *Pool) UnbanNode(ctx context.Context, pubKey string, reconnect bool) error {
	if err := p.nodes.Unban(pubKey); err != nil {
		return err
	}
	if !reconnect {
		return nil
	}
	addr := p.dialableAddress(p.nodes.Addresses(pubKey))
	if addr == "" {
		return nil
	}
	uri, err := ParseURI(pubKey + "@" + addr)
	if err != nil {
		return err
	}
	_, err = p.AddOutbound(ctx, uri, false)
	return err
}

// dialableAddress picks the first stored address we are able to dial,
// skipping onion services unless Tor is enabled.
func (p *Pool) dialableAddress(addrs []string) string {
	for _, addr := range addrs {
		if isTorAddr(addr) && !p.cfg.Tor {
			continue
		}
		return addr
	}
	return ""
}

// NodeList exposes the persistent node book.
func (p *Pool) NodeList() *NodeList {
	return p.nodes
}

// Close disconnects all peers and shuts the host down.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.accepting = false
	peers := make([]*Peer, 0, len(p.peers))
	for _, pr := range p.peers {
		peers = append(peers, pr)
	}
	p.mu.Unlock()

	p.cancel()
	for _, pr := range peers {
		pr.Close(ReasonShutdown, true)
	}
	p.wg.Wait()

	if p.dht != nil {
		p.dht.Close()
	}
	return p.host.Close()
}
