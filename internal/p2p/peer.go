package p2p

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/network"

	"github.com/opendex-network/opendexd/pkg/logging"
)

// Peer errors
var (
	ErrPeerClosed      = errors.New("peer connection is closed")
	ErrRequestTimeout  = errors.New("request to peer timed out")
	ErrWrongNetwork    = errors.New("peer is on a different network")
	ErrBadHandshake    = errors.New("handshake failed")
	ErrVersionMismatch = errors.New("incompatible protocol version")
)

// UnexpectedIdentityError is returned when a dialed peer presents a
// different node pubkey than expected.
type UnexpectedIdentityError struct {
	Expected string
	Actual   string
}

func (e *UnexpectedIdentityError) Error() string {
	return fmt.Sprintf("node pubkey %s does not match expected %s", e.Actual, e.Expected)
}

// PeerState is the connection lifecycle state.
type PeerState int

// Peer lifecycle states.
const (
	PeerStateNew PeerState = iota
	PeerStateHandshaking
	PeerStateOpen
	PeerStateClosing
	PeerStateClosed
)

// Peer is one connected node: a packet stream plus the state learned in the
// handshake.
type Peer struct {
	// PubKey is the hex-encoded node pubkey, set after the handshake.
	PubKey  string
	Inbound bool

	// Address is the host:port this connection is associated with.
	Address string

	Version string

	ConnectedAt time.Time

	log    *logging.Logger
	stream network.Stream

	stateMu      sync.RWMutex
	state        PeerState
	addresses    []string
	pairs        []string
	destinations map[string]string

	sendMu sync.Mutex

	respMu    sync.Mutex
	responses map[uuid.UUID]chan *Packet

	missedPings int

	closeOnce sync.Once
	closed    chan struct{}

	// closeReason is the local reason the connection was closed,
	// remoteReason the one received in a Disconnecting packet.
	closeReason  DisconnectReason
	remoteReason *DisconnectingBody

	onPacket func(*Peer, *Packet)
	onClose  func(*Peer)
}

// compatibleVersion reports whether a peer's announced protocol version
// shares our major version.
func compatibleVersion(v string) bool {
	major := func(version string) string {
		return strings.SplitN(version, ".", 2)[0]
	}
	return v != "" && major(v) == major(Version)
}

func newPeer(stream network.Stream, inbound bool, address string) *Peer {
	return &Peer{
		Inbound:      inbound,
		Address:      address,
		log:          logging.GetDefault().Component("peer"),
		stream:       stream,
		state:        PeerStateNew,
		destinations: make(map[string]string),
		responses:    make(map[uuid.UUID]chan *Packet),
		closed:       make(chan struct{}),
	}
}

// handshake sends our Hello and waits for the peer's. For outbound
// connections expectedPubKey pins the identity we dialed.
func (p *Peer) handshake(own *HelloBody, expectedPubKey string, timeout time.Duration) (*HelloBody, error) {
	p.setState(PeerStateHandshaking)
	deadline := time.Now().Add(timeout)
	p.stream.SetDeadline(deadline)
	defer p.stream.SetDeadline(time.Time{})

	pkt, err := NewPacket(PacketHello, own)
	if err != nil {
		return nil, err
	}
	if err := p.sendPacketRaw(pkt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}

	received, err := ReadPacket(p.stream)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	if received.Type != PacketHello {
		return nil, fmt.Errorf("%w: expected hello, got %s", ErrBadHandshake, received.Type)
	}

	var hello HelloBody
	if err := received.DecodeBody(&hello); err != nil {
		return nil, err
	}
	if expectedPubKey != "" && hello.NodePubKey != expectedPubKey {
		return nil, &UnexpectedIdentityError{Expected: expectedPubKey, Actual: hello.NodePubKey}
	}
	if hello.Network != own.Network {
		return nil, fmt.Errorf("%w: %s != %s", ErrWrongNetwork, hello.Network, own.Network)
	}
	if !compatibleVersion(hello.Version) {
		return nil, fmt.Errorf("%w: %s", ErrVersionMismatch, hello.Version)
	}

	p.PubKey = hello.NodePubKey
	p.Version = hello.Version
	p.ConnectedAt = time.Now()
	p.stateMu.Lock()
	p.addresses = hello.Addresses
	p.pairs = hello.Pairs
	if hello.Destinations != nil {
		p.destinations = hello.Destinations
	}
	p.stateMu.Unlock()
	p.setState(PeerStateOpen)
	return &hello, nil
}

// start launches the read and ping loops. onPacket receives all packets not
// handled by the peer itself; onClose fires once when the connection ends.
func (p *Peer) start(pingInterval time.Duration, onPacket func(*Peer, *Packet), onClose func(*Peer)) {
	p.onPacket = onPacket
	p.onClose = onClose
	go p.readLoop()
	go p.pingLoop(pingInterval)
}

// SendPacket writes a packet to the peer.
func (p *Peer) SendPacket(pkt *Packet) error {
	select {
	case <-p.closed:
		return ErrPeerClosed
	default:
	}
	return p.sendPacketRaw(pkt)
}

func (p *Peer) sendPacketRaw(pkt *Packet) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	p.stream.SetWriteDeadline(time.Now().Add(30 * time.Second))
	defer p.stream.SetWriteDeadline(time.Time{})
	return WritePacket(p.stream, pkt)
}

// sendRequest sends a packet and waits for the response carrying its id.
func (p *Peer) sendRequest(ctx context.Context, pkt *Packet) (*Packet, error) {
	ch := make(chan *Packet, 1)
	p.respMu.Lock()
	p.responses[pkt.ID] = ch
	p.respMu.Unlock()
	defer func() {
		p.respMu.Lock()
		delete(p.responses, pkt.ID)
		p.respMu.Unlock()
	}()

	if err := p.SendPacket(pkt); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-p.closed:
		return nil, ErrPeerClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s", ErrRequestTimeout, pkt.Type)
	}
}

// GetOrders requests the peer's current own orders.
func (p *Peer) GetOrders(ctx context.Context) ([]OrderBody, error) {
	pkt, err := NewPacket(PacketGetOrders, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.sendRequest(ctx, pkt)
	if err != nil {
		return nil, err
	}
	var body OrdersBody
	if err := resp.DecodeBody(&body); err != nil {
		return nil, err
	}
	return body.Orders, nil
}

func (p *Peer) readLoop() {
	for {
		pkt, err := ReadPacket(p.stream)
		if err != nil {
			select {
			case <-p.closed:
			default:
				if errors.Is(err, ErrMalformedPacket) || errors.Is(err, ErrPacketTooLarge) {
					p.Close(ReasonMalformedPacket, true)
				} else {
					p.Close(ReasonUnknownError, false)
				}
			}
			return
		}

		if pkt.Type.isResponse() {
			p.respMu.Lock()
			ch, ok := p.responses[pkt.ReqID]
			p.respMu.Unlock()
			if ok {
				// The waiter's channel holds one packet; a duplicate
				// response for the same request id is dropped rather
				// than stalling the read loop.
				select {
				case ch <- pkt:
				default:
					p.log.Debug("dropping duplicate response", "pubkey", p.PubKey, "type", pkt.Type)
				}
			}
			continue
		}

		switch pkt.Type {
		case PacketPing:
			pong, err := NewResponse(PacketPong, pkt.ID, nil)
			if err == nil {
				p.SendPacket(pong)
			}
		case PacketDisconnecting:
			var body DisconnectingBody
			if pkt.DecodeBody(&body) == nil {
				p.stateMu.Lock()
				p.remoteReason = &body
				p.stateMu.Unlock()
				p.log.Debug("peer disconnecting", "pubkey", p.PubKey, "reason", body.Reason)
			}
			p.Close(ReasonUnknownError, false)
			return
		case PacketNodeStateUpdate:
			var body NodeStateUpdateBody
			if pkt.DecodeBody(&body) == nil {
				p.applyNodeState(&body)
			}
		default:
			if p.onPacket != nil {
				p.onPacket(p, pkt)
			}
		}
	}
}

func (p *Peer) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.closed:
			return
		case <-ticker.C:
			pkt, err := NewPacket(PacketPing, nil)
			if err != nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			_, err = p.sendRequest(ctx, pkt)
			cancel()
			if err != nil {
				p.missedPings++
				if p.missedPings >= 2 {
					p.log.Warn("peer stopped responding to pings", "pubkey", p.PubKey)
					p.Close(ReasonResponseStalling, true)
					return
				}
			} else {
				p.missedPings = 0
			}
		}
	}
}

func (p *Peer) applyNodeState(body *NodeStateUpdateBody) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if body.Addresses != nil {
		p.addresses = body.Addresses
	}
	if body.Pairs != nil {
		p.pairs = body.Pairs
	}
	if body.Destinations != nil {
		p.destinations = body.Destinations
	}
}

// Close shuts the connection down, optionally sending a Disconnecting
// packet with the reason first.
func (p *Peer) Close(reason DisconnectReason, sendReason bool) {
	p.closeOnce.Do(func() {
		p.setState(PeerStateClosing)
		p.closeReason = reason
		if sendReason {
			if pkt, err := NewPacket(PacketDisconnecting, &DisconnectingBody{Reason: reason}); err == nil {
				p.sendPacketRaw(pkt)
			}
		}
		close(p.closed)
		p.stream.Close()
		p.setState(PeerStateClosed)
		if p.onClose != nil {
			p.onClose(p)
		}
	})
}

// Closed returns a channel closed when the connection ends.
func (p *Peer) Closed() <-chan struct{} {
	return p.closed
}

// CloseReason returns the local close reason and the reason received from
// the peer, if any.
func (p *Peer) CloseReason() (DisconnectReason, *DisconnectingBody) {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.closeReason, p.remoteReason
}

// State returns the lifecycle state.
func (p *Peer) State() PeerState {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state
}

func (p *Peer) setState(s PeerState) {
	p.stateMu.Lock()
	p.state = s
	p.stateMu.Unlock()
}

// Pairs returns the pairs the peer advertises.
func (p *Peer) Pairs() []string {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return append([]string(nil), p.pairs...)
}

// Addresses returns the peer's advertised listening addresses.
func (p *Peer) Addresses() []string {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return append([]string(nil), p.addresses...)
}

// Destination returns the peer's payment destination for a currency.
func (p *Peer) Destination(currency string) string {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.destinations[currency]
}

// TradesPair reports whether the peer advertises the given pair.
func (p *Peer) TradesPair(pairID string) bool {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	for _, id := range p.pairs {
		if id == pairID {
			return true
		}
	}
	return false
}
