package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opendex-network/opendexd/internal/orderbook"
	"github.com/opendex-network/opendexd/internal/p2p"
	"github.com/opendex-network/opendexd/pkg/logging"
)

// coordinator glues the peer pool, the order book and the swap engine
// together. It is the pool's packet handler, the book's broadcaster and the
// swap engine's peer pool; the components themselves stay decoupled.
type coordinator struct {
	log *logging.Logger

	mu    sync.RWMutex
	pool  *p2p.Pool
	book  *orderbook.Book
	swaps swapEngine
}

// swapEngine is the part of the swap engine the coordinator routes packets
// to.
type swapEngine interface {
	HandlePacket(peerPubKey string, pkt *p2p.Packet)
}

func newCoordinator() *coordinator {
	return &coordinator{log: logging.GetDefault().Component("coord")}
}

func (c *coordinator) bind(pool *p2p.Pool, book *orderbook.Book, swaps swapEngine) {
	c.mu.Lock()
	c.pool = pool
	c.book = book
	c.swaps = swaps
	c.mu.Unlock()
}

func (c *coordinator) components() (*p2p.Pool, *orderbook.Book, swapEngine) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pool, c.book, c.swaps
}

// PeerOpened fetches the peer's standing orders once the handshake is done.
func (c *coordinator) PeerOpened(peer *p2p.Peer) {
	_, book, _ := c.components()
	if book == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		orders, err := peer.GetOrders(ctx)
		if err != nil {
			c.log.Warn("failed to fetch orders from peer", "peer", peer.PubKey, "error", err)
			return
		}
		for _, body := range orders {
			order := bodyToOrder(peer.PubKey, body)
			if err := book.AddPeerOrder(order); err != nil {
				c.log.Debug("skipping peer order", "peer", peer.PubKey, "order", body.ID, "error", err)
			}
		}
		c.log.Debug("imported peer orders", "peer", peer.PubKey, "count", len(orders))
	}()
}

// PeerClosed drops everything the peer had in the book.
func (c *coordinator) PeerClosed(peer *p2p.Peer) {
	_, book, _ := c.components()
	if book == nil {
		return
	}
	removed := book.RemovePeerOrders(peer.PubKey)
	if len(removed) > 0 {
		c.log.Debug("removed orders of disconnected peer", "peer", peer.PubKey, "count", len(removed))
	}
}

// OrderReceived imports a gossiped order. Returning false counts against
// the peer's reputation.
func (c *coordinator) OrderReceived(peer *p2p.Peer, body p2p.OrderBody) bool {
	_, book, _ := c.components()
	if book == nil {
		return true
	}

	order := bodyToOrder(peer.PubKey, body)
	switch err := book.AddPeerOrder(order); {
	case err == nil:
		return true
	case isPairUnknown(err):
		// Not trading that pair is our business, not the peer's fault.
		return true
	default:
		c.log.Debug("rejected peer order", "peer", peer.PubKey, "order", body.ID, "error", err)
		return false
	}
}

// OrderInvalidationReceived removes or decrements a peer's order. Only the
// originating peer's connection is trusted for invalidations.
func (c *coordinator) OrderInvalidationReceived(peer *p2p.Peer, body p2p.OrderInvalidationBody) {
	_, book, _ := c.components()
	if book == nil {
		return
	}
	if _, err := book.RemovePeerOrder(peer.PubKey, body.ID, body.PairID, body.Quantity); err != nil {
		c.log.Debug("ignored order invalidation", "peer", peer.PubKey, "order", body.ID, "error", err)
	}
}

// OrdersRequested answers a peer's request for our standing orders.
func (c *coordinator) OrdersRequested(peer *p2p.Peer) []p2p.OrderBody {
	_, book, _ := c.components()
	if book == nil {
		return nil
	}

	own := book.OwnOrders()
	bodies := make([]p2p.OrderBody, 0, len(own))
	for i := range own {
		bodies = append(bodies, orderToBody(&own[i]))
	}
	return bodies
}

// SwapPacketReceived routes swap protocol packets to the swap engine.
func (c *coordinator) SwapPacketReceived(peer *p2p.Peer, pkt *p2p.Packet) {
	_, _, swaps := c.components()
	if swaps == nil {
		return
	}
	swaps.HandlePacket(peer.PubKey, pkt)
}

// BroadcastOrder announces an own order to peers trading its pair.
func (c *coordinator) BroadcastOrder(o *orderbook.Order) {
	pool, _, _ := c.components()
	if pool == nil {
		return
	}
	pool.BroadcastOrder(orderToBody(o))
}

// BroadcastOrderInvalidation announces an own order removal or decrement.
func (c *coordinator) BroadcastOrderInvalidation(orderID, pairID string, quantity int64) {
	pool, _, _ := c.components()
	if pool == nil {
		return
	}
	pool.BroadcastOrderInvalidation(orderID, pairID, quantity)
}

// SendPacket delivers a packet to a connected peer by node pubkey.
func (c *coordinator) SendPacket(pubKey string, pkt *p2p.Packet) error {
	pool, _, _ := c.components()
	if pool == nil {
		return fmt.Errorf("peer pool not ready")
	}
	peer, err := pool.Peer(pubKey)
	if err != nil {
		return err
	}
	return peer.SendPacket(pkt)
}

// PeerDestination returns the peer's payment destination for a currency as
// announced in its node state.
func (c *coordinator) PeerDestination(pubKey, currency string) (string, error) {
	pool, _, _ := c.components()
	if pool == nil {
		return "", fmt.Errorf("peer pool not ready")
	}
	peer, err := pool.Peer(pubKey)
	if err != nil {
		return "", err
	}
	dest := peer.Destination(currency)
	if dest == "" {
		return "", fmt.Errorf("peer %s has no %s destination", pubKey, currency)
	}
	return dest, nil
}

// AddReputationEvent applies a reputation event to a peer's node record.
func (c *coordinator) AddReputationEvent(pubKey string, event p2p.ReputationEvent) {
	pool, _, _ := c.components()
	if pool == nil {
		return
	}
	pool.AddReputationEvent(pubKey, event)
}

func bodyToOrder(peerPubKey string, body p2p.OrderBody) *orderbook.Order {
	return &orderbook.Order{
		ID:         body.ID,
		PairID:     body.PairID,
		Price:      body.Price,
		Quantity:   body.Quantity,
		PeerPubKey: peerPubKey,
	}
}

func orderToBody(o *orderbook.Order) p2p.OrderBody {
	// Peers see the open quantity only; held quantity is mid-swap.
	quantity := o.Quantity
	if o.Hold > 0 {
		if quantity > 0 {
			quantity -= o.Hold
		} else {
			quantity += o.Hold
		}
	}
	return p2p.OrderBody{
		ID:       o.ID,
		PairID:   o.PairID,
		Price:    o.Price,
		Quantity: quantity,
	}
}

func isPairUnknown(err error) bool {
	return errors.Is(err, orderbook.ErrPairNotFound)
}
