// Package orderbook implements the per-pair order books and the
// price/time-priority matching engine.
package orderbook

import (
	"errors"
	"fmt"
	"math"
)

// Order errors
var (
	ErrInvalidSplit        = errors.New("split quantity exceeds parent order quantity")
	ErrPairNotFound        = errors.New("trading pair not found")
	ErrDuplicateLocalID    = errors.New("an order with the same local id already exists")
	ErrOrderNotFound       = errors.New("order not found")
	ErrInvalidQuantity     = errors.New("order quantity must not be zero")
	ErrInvalidPrice        = errors.New("order price must not be negative")
	ErrInsufficientHold    = errors.New("hold exceeds open order quantity")
	ErrQuantityUnavailable = errors.New("requested quantity is not available")
)

// Market order prices. A market buy crosses any sell and a market sell
// crosses any buy.
var (
	MarketBuyPrice  = math.Inf(1)
	MarketSellPrice = 0.0
)

// Order is a single bid or offer in the book. Quantity is signed in base
// currency smallest units: positive buys, negative sells. Own orders carry
// LocalID; peer orders carry PeerPubKey and Destination.
type Order struct {
	// ID is the globally unique order id.
	ID string

	PairID string

	// Price in quote currency per base unit. Market buys use +Inf and
	// market sells use 0.
	Price float64

	// Quantity currently open, excluding held amounts for own orders in
	// the matching queues.
	Quantity int64

	InitialQuantity int64

	// Hold is the quantity reserved by in-flight swaps. Only meaningful on
	// tracked own orders.
	Hold int64

	// CreatedAt is a unix timestamp in milliseconds. It is the tiebreaker
	// between orders at the same price.
	CreatedAt int64

	IsOwn bool

	// LocalID is the caller-assigned id of an own order, unique per node.
	LocalID string

	// ExpiresAt is a unix millisecond timestamp after which an own order
	// is removed from the book, 0 for no expiry.
	ExpiresAt int64

	// PeerPubKey identifies the node a peer order came from.
	PeerPubKey string

	// Destination is the peer-supplied payment destination hint.
	Destination string
}

// IsBuy reports whether the order is on the buy side.
func (o *Order) IsBuy() bool {
	return o.Quantity > 0
}

// IsMarket reports whether the order has no limit price.
func (o *Order) IsMarket() bool {
	return math.IsInf(o.Price, 1) || o.Price == 0
}

// AbsQuantity returns the unsigned open quantity.
func (o *Order) AbsQuantity() int64 {
	if o.Quantity < 0 {
		return -o.Quantity
	}
	return o.Quantity
}

// signedQuantity returns qty with the sign of the order's side.
func (o *Order) signedQuantity(qty int64) int64 {
	if o.Quantity < 0 {
		return -qty
	}
	return qty
}

// split carves a portion of the given quantity off the order, returning the
// portion as a copy with the same id, price, createdAt, and source. The
// receiver keeps the rest.
func (o *Order) split(qty int64) (Order, error) {
	if qty > o.AbsQuantity() {
		return Order{}, fmt.Errorf("%w: %d > %d", ErrInvalidSplit, qty, o.AbsQuantity())
	}
	portion := *o
	portion.Quantity = o.signedQuantity(qty)
	o.Quantity -= portion.Quantity
	return portion, nil
}

// crosses reports whether a taker order crosses a maker order on the
// opposite side: a buy at p_b crosses a sell at p_s iff p_b >= p_s.
func crosses(taker, maker *Order) bool {
	if taker.IsBuy() == maker.IsBuy() {
		return false
	}
	if taker.IsBuy() {
		return taker.Price >= maker.Price
	}
	return maker.Price >= taker.Price
}

// Match is a crossing of a maker and a taker order. Maker and Taker are the
// consumed portions, both sized to Quantity.
type Match struct {
	Maker    Order
	Taker    Order
	Quantity int64
}
