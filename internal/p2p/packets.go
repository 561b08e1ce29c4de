// Package p2p implements the peer-to-peer pool: framed packet streams over
// libp2p, the handshake, gossip, reputation, and reconnection.
package p2p

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// PacketType tags a wire packet.
type PacketType uint8

// Wire packet types.
const (
	PacketHello PacketType = iota + 1
	PacketDisconnecting
	PacketPing
	PacketPong
	PacketGetOrders
	PacketOrders
	PacketOrder
	PacketOrderInvalidation
	PacketSwapRequest
	PacketSwapAccepted
	PacketSwapFailed
	PacketSwapComplete
	PacketNodeStateUpdate
)

func (t PacketType) String() string {
	switch t {
	case PacketHello:
		return "hello"
	case PacketDisconnecting:
		return "disconnecting"
	case PacketPing:
		return "ping"
	case PacketPong:
		return "pong"
	case PacketGetOrders:
		return "getOrders"
	case PacketOrders:
		return "orders"
	case PacketOrder:
		return "order"
	case PacketOrderInvalidation:
		return "orderInvalidation"
	case PacketSwapRequest:
		return "swapRequest"
	case PacketSwapAccepted:
		return "swapAccepted"
	case PacketSwapFailed:
		return "swapFailed"
	case PacketSwapComplete:
		return "swapComplete"
	case PacketNodeStateUpdate:
		return "nodeStateUpdate"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// isResponse reports whether packets of this type carry the 16-byte request
// id of the packet they answer. The set is fixed per type so framing stays
// deterministic.
func (t PacketType) isResponse() bool {
	return t == PacketPong || t == PacketOrders
}

func (t PacketType) valid() bool {
	return t >= PacketHello && t <= PacketNodeStateUpdate
}

// Framing errors
var (
	ErrMalformedPacket = errors.New("malformed packet")
	ErrPacketTooLarge  = errors.New("packet exceeds maximum size")
)

// maxPacketSize bounds a single frame.
const maxPacketSize = 1 << 20

// Packet is one wire frame: 4-byte big-endian length, 1-byte type, 16-byte
// packet id, a 16-byte request id on response-typed packets, then the JSON
// body.
type Packet struct {
	Type PacketType
	ID   uuid.UUID

	// ReqID is the id of the packet this one answers; only present on the
	// wire for response-typed packets.
	ReqID uuid.UUID

	Body []byte
}

// NewPacket builds a packet with a fresh id and a JSON-encoded body. A nil
// body produces an empty payload.
func NewPacket(t PacketType, body interface{}) (*Packet, error) {
	p := &Packet{Type: t, ID: uuid.New()}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s body: %w", t, err)
		}
		p.Body = data
	}
	return p, nil
}

// NewResponse builds a response packet answering reqID.
func NewResponse(t PacketType, reqID uuid.UUID, body interface{}) (*Packet, error) {
	if !t.isResponse() {
		return nil, fmt.Errorf("%s is not a response packet type", t)
	}
	p, err := NewPacket(t, body)
	if err != nil {
		return nil, err
	}
	p.ReqID = reqID
	return p, nil
}

// DecodeBody unmarshals the packet body into v.
func (p *Packet) DecodeBody(v interface{}) error {
	if err := json.Unmarshal(p.Body, v); err != nil {
		return fmt.Errorf("%w: bad %s body: %v", ErrMalformedPacket, p.Type, err)
	}
	return nil
}

// WritePacket writes one frame.
func WritePacket(w io.Writer, p *Packet) error {
	length := 1 + 16 + len(p.Body)
	if p.Type.isResponse() {
		length += 16
	}
	if length > maxPacketSize {
		return ErrPacketTooLarge
	}

	buf := make([]byte, 0, 4+length)
	buf = binary.BigEndian.AppendUint32(buf, uint32(length))
	buf = append(buf, byte(p.Type))
	buf = append(buf, p.ID[:]...)
	if p.Type.isResponse() {
		buf = append(buf, p.ReqID[:]...)
	}
	buf = append(buf, p.Body...)

	_, err := w.Write(buf)
	return err
}

// ReadPacket reads one frame.
func ReadPacket(r io.Reader) (*Packet, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > maxPacketSize {
		return nil, ErrPacketTooLarge
	}
	if length < 1+16 {
		return nil, fmt.Errorf("%w: frame too short", ErrMalformedPacket)
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}

	p := &Packet{Type: PacketType(frame[0])}
	if !p.Type.valid() {
		return nil, fmt.Errorf("%w: unknown packet type %d", ErrMalformedPacket, frame[0])
	}
	copy(p.ID[:], frame[1:17])

	offset := 17
	if p.Type.isResponse() {
		if len(frame) < offset+16 {
			return nil, fmt.Errorf("%w: missing request id", ErrMalformedPacket)
		}
		copy(p.ReqID[:], frame[offset:offset+16])
		offset += 16
	}
	p.Body = frame[offset:]
	return p, nil
}

// DisconnectReason explains why a connection is being closed. It is sent in
// a Disconnecting packet before the local side closes.
type DisconnectReason uint8

// Disconnection reason codes.
const (
	ReasonUnknownError DisconnectReason = iota
	ReasonShutdown
	ReasonNotAcceptingConnections
	ReasonIncompatibleProtocolVersion
	ReasonUnexpectedIdentity
	ReasonAlreadyConnected
	ReasonBanned
	ReasonConnectionTimeout
	ReasonResponseStalling
	ReasonMalformedPacket
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonShutdown:
		return "Shutdown"
	case ReasonNotAcceptingConnections:
		return "NotAcceptingConnections"
	case ReasonIncompatibleProtocolVersion:
		return "IncompatibleProtocolVersion"
	case ReasonUnexpectedIdentity:
		return "UnexpectedIdentity"
	case ReasonAlreadyConnected:
		return "AlreadyConnected"
	case ReasonBanned:
		return "Banned"
	case ReasonConnectionTimeout:
		return "ConnectionTimeout"
	case ReasonResponseStalling:
		return "ResponseStalling"
	case ReasonMalformedPacket:
		return "MalformedPacket"
	default:
		return "UnknownError"
	}
}

// HelloBody is exchanged once on every new connection.
type HelloBody struct {
	// NodePubKey is the hex-encoded 33-byte compressed secp256k1 key.
	NodePubKey string `json:"nodePubKey"`

	Version string `json:"version"`

	// Network is the chain network id (mainnet, testnet, simnet).
	Network string `json:"network"`

	// Addresses the node can be reached at, host:port.
	Addresses []string `json:"addresses,omitempty"`

	// Pairs the node trades.
	Pairs []string `json:"pairs,omitempty"`

	// Destinations maps currency symbols to the payment destination peers
	// should pay swap legs to.
	Destinations map[string]string `json:"destinations,omitempty"`
}

// DisconnectingBody carries the reason a peer is closing the connection.
type DisconnectingBody struct {
	Reason  DisconnectReason `json:"reason"`
	Payload string           `json:"payload,omitempty"`
}

// OrderBody announces one order. Quantity is signed: positive buys,
// negative sells.
type OrderBody struct {
	ID       string  `json:"id"`
	PairID   string  `json:"pairId"`
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
}

// OrderInvalidationBody removes or decrements a previously announced order.
// A zero quantity removes the order entirely.
type OrderInvalidationBody struct {
	ID       string `json:"id"`
	PairID   string `json:"pairId"`
	Quantity int64  `json:"quantity,omitempty"`
}

// OrdersBody answers a GetOrders request.
type OrdersBody struct {
	Orders []OrderBody `json:"orders"`
}

// SwapRequestBody proposes a swap for a matched order.
type SwapRequestBody struct {
	RHash          string `json:"rHash"`
	OrderID        string `json:"orderId"`
	PairID         string `json:"pairId"`
	Quantity       int64  `json:"proposedQuantity"`
	TakerCltvDelta uint32 `json:"takerCltvDelta"`
}

// SwapAcceptedBody accepts a proposed swap.
type SwapAcceptedBody struct {
	RHash          string `json:"rHash"`
	Quantity       int64  `json:"quantity"`
	MakerCltvDelta uint32 `json:"makerCltvDelta"`
}

// SwapFailedBody reports a failed swap.
type SwapFailedBody struct {
	RHash        string `json:"rHash"`
	Reason       string `json:"failureReason"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// SwapCompleteBody reports a completed swap.
type SwapCompleteBody struct {
	RHash string `json:"rHash"`
}

// NodeStateUpdateBody refreshes the node state advertised in Hello.
type NodeStateUpdateBody struct {
	Addresses    []string          `json:"addresses,omitempty"`
	Pairs        []string          `json:"pairs,omitempty"`
	Destinations map[string]string `json:"destinations,omitempty"`
}
