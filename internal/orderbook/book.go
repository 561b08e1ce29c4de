package orderbook

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opendex-network/opendexd/pkg/logging"
)

// SwapExecutor settles matches against peer orders. It is implemented by
// the swap engine; the book initiates, the swap engine reserves and
// releases holds back on the book, so neither owns the other.
type SwapExecutor interface {
	// ExecuteSwap performs the swap for a match of an own taker order
	// against a peer maker order, blocking until the swap completes or
	// fails.
	ExecuteSwap(maker *Order, taker *Order) error
}

// Broadcaster publishes own order activity to connected peers.
type Broadcaster interface {
	BroadcastOrder(o *Order)
	BroadcastOrderInvalidation(orderID, pairID string, quantity int64)
}

// Store persists own orders so they survive a restart.
type Store interface {
	SaveOwnOrder(o *Order) error
	DeleteOwnOrder(id string) error
}

// EventKind tags order book events.
type EventKind int

const (
	EventOrderAdded EventKind = iota
	EventOrderRemoved
)

// Event is emitted on order additions and removals, own and peer alike.
type Event struct {
	Kind  EventKind
	Order Order

	// Quantity is the removed quantity for partial removals, 0 for full.
	Quantity int64
}

// PlaceOrderResult reports the outcome of placing an own order.
type PlaceOrderResult struct {
	// InternalMatches were filled against our own resting orders.
	InternalMatches []Match

	// SwapMatches were settled by swaps against peer orders.
	SwapMatches []Match

	// FailedMatches could not be settled; their peer orders were dropped
	// and the quantity was re-matched where possible.
	FailedMatches []Match

	// Remaining is the residual own order left standing in the book.
	Remaining *Order
}

type bookPair struct {
	mu     sync.Mutex
	engine *MatchingEngine

	// ownOrders tracks own orders by id with their full quantity and
	// hold; the engine queues carry the open, unheld portion.
	ownOrders map[string]*Order
}

// Book holds the per-pair matching engines and the own and peer order
// lifecycle.
type Book struct {
	log   *logging.Logger
	pool  Broadcaster
	store Store

	swapsMu sync.RWMutex
	swaps   SwapExecutor

	mu       sync.Mutex
	pairs    map[string]*bookPair
	localIDs map[string]string

	events chan Event
}

// New creates an empty order book. The swap executor is attached later via
// SetSwapExecutor since the swap engine is constructed after the book.
func New(pool Broadcaster, store Store) *Book {
	return &Book{
		log:      logging.GetDefault().Component("book"),
		pool:     pool,
		store:    store,
		pairs:    make(map[string]*bookPair),
		localIDs: make(map[string]string),
		events:   make(chan Event, 256),
	}
}

// SetSwapExecutor attaches the swap engine.
func (b *Book) SetSwapExecutor(s SwapExecutor) {
	b.swapsMu.Lock()
	defer b.swapsMu.Unlock()
	b.swaps = s
}

// Events returns the order activity stream. Events are dropped when the
// consumer falls behind.
func (b *Book) Events() <-chan Event {
	return b.events
}

// Start runs the own-order expiry sweep until ctx is cancelled.
func (b *Book) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.removeExpiredOrders()
			}
		}
	}()
}

// AddPair registers a trading pair.
func (b *Book) AddPair(pairID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pairs[pairID]; ok {
		return fmt.Errorf("pair %s already exists", pairID)
	}
	b.pairs[pairID] = &bookPair{
		engine:    NewMatchingEngine(pairID),
		ownOrders: make(map[string]*Order),
	}
	return nil
}

// RemovePair drops a trading pair and all its orders. Own orders are
// invalidated to peers.
func (b *Book) RemovePair(pairID string) error {
	b.mu.Lock()
	bp, ok := b.pairs[pairID]
	if !ok {
		b.mu.Unlock()
		return ErrPairNotFound
	}
	delete(b.pairs, pairID)
	b.mu.Unlock()

	bp.mu.Lock()
	defer bp.mu.Unlock()
	for _, tracked := range bp.ownOrders {
		b.store.DeleteOwnOrder(tracked.ID)
		b.pool.BroadcastOrderInvalidation(tracked.ID, pairID, 0)
		b.releaseLocalID(tracked.LocalID)
		b.emit(Event{Kind: EventOrderRemoved, Order: *tracked})
	}
	return nil
}

// Pairs lists the registered pair ids.
func (b *Book) Pairs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.pairs))
	for id := range b.pairs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PlaceLimitOrder places an own limit order, matching it against the book
// and leaving any remainder standing.
func (b *Book) PlaceLimitOrder(o *Order) (*PlaceOrderResult, error) {
	if o.Price <= 0 || o.IsMarket() {
		return nil, fmt.Errorf("%w: limit orders require a positive price", ErrInvalidPrice)
	}
	return b.placeOrder(o, false)
}

// PlaceMarketOrder places an own market order; any unmatched quantity is
// discarded.
func (b *Book) PlaceMarketOrder(o *Order) (*PlaceOrderResult, error) {
	if o.Quantity > 0 {
		o.Price = MarketBuyPrice
	} else {
		o.Price = MarketSellPrice
	}
	return b.placeOrder(o, true)
}

func (b *Book) placeOrder(o *Order, discardRemaining bool) (*PlaceOrderResult, error) {
	if o.Quantity == 0 {
		return nil, ErrInvalidQuantity
	}
	if o.Price < 0 {
		return nil, ErrInvalidPrice
	}

	o.ID = uuid.NewString()
	o.CreatedAt = time.Now().UnixMilli()
	o.InitialQuantity = o.AbsQuantity()
	o.IsOwn = true
	o.Hold = 0

	// Reserve the local id before matching so concurrent placements with
	// the same local id cannot both proceed.
	b.mu.Lock()
	bp, ok := b.pairs[o.PairID]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPairNotFound, o.PairID)
	}
	if o.LocalID == "" {
		o.LocalID = o.ID
	}
	if _, taken := b.localIDs[o.LocalID]; taken {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateLocalID, o.LocalID)
	}
	b.localIDs[o.LocalID] = o.ID
	b.mu.Unlock()

	bp.mu.Lock()
	defer bp.mu.Unlock()

	result := &PlaceOrderResult{}
	toMatch := *o

	for {
		matchRes, err := bp.engine.MatchOrAddOwnOrder(&toMatch, true)
		if err != nil {
			b.releaseLocalID(o.LocalID)
			return nil, err
		}

		var failedQty int64
		for _, m := range matchRes.Matches {
			if m.Maker.IsOwn {
				b.fillOwnMakerLocked(bp, m)
				result.InternalMatches = append(result.InternalMatches, m)
				continue
			}
			if err := b.executeSwap(m); err != nil {
				b.log.Warn("swap failed for match",
					"pair", o.PairID, "order", m.Maker.ID, "err", err)
				// The maker order is stale; drop whatever is left of it.
				if rest := bp.engine.RemovePeerOrder(m.Maker.ID, 0); rest != nil {
					b.emit(Event{Kind: EventOrderRemoved, Order: *rest})
				}
				failedQty += m.Quantity
				result.FailedMatches = append(result.FailedMatches, m)
				continue
			}
			result.SwapMatches = append(result.SwapMatches, m)
		}

		if failedQty == 0 {
			break
		}
		// Re-match the failed quantity against the rest of the book.
		if o.Quantity > 0 {
			toMatch.Quantity += failedQty
		} else {
			toMatch.Quantity -= failedQty
		}
	}

	if toMatch.Quantity != 0 && !discardRemaining {
		tracked := toMatch
		bp.ownOrders[tracked.ID] = &tracked

		queued := toMatch
		bp.engine.addOwnOrder(&queued)

		if err := b.store.SaveOwnOrder(&tracked); err != nil {
			b.log.Error("failed to persist own order", "order", tracked.ID, "err", err)
		}
		b.pool.BroadcastOrder(&tracked)
		b.emit(Event{Kind: EventOrderAdded, Order: tracked})
		result.Remaining = &tracked
	} else {
		b.releaseLocalID(o.LocalID)
	}

	return result, nil
}

// executeSwap dispatches a peer match to the swap engine.
func (b *Book) executeSwap(m Match) error {
	b.swapsMu.RLock()
	swaps := b.swaps
	b.swapsMu.RUnlock()
	if swaps == nil {
		return fmt.Errorf("no swap executor available")
	}
	maker := m.Maker
	taker := m.Taker
	return swaps.ExecuteSwap(&maker, &taker)
}

// fillOwnMakerLocked applies an internal fill to the tracked own maker
// order. The engine has already consumed the matched portion.
func (b *Book) fillOwnMakerLocked(bp *bookPair, m Match) {
	tracked, ok := bp.ownOrders[m.Maker.ID]
	if !ok {
		return
	}
	tracked.Quantity -= tracked.signedQuantity(m.Quantity)
	b.pool.BroadcastOrderInvalidation(tracked.ID, tracked.PairID, m.Quantity)
	if tracked.Quantity == 0 && tracked.Hold == 0 {
		delete(bp.ownOrders, tracked.ID)
		b.store.DeleteOwnOrder(tracked.ID)
		b.releaseLocalID(tracked.LocalID)
		b.emit(Event{Kind: EventOrderRemoved, Order: *tracked})
	} else {
		b.store.SaveOwnOrder(tracked)
		b.emit(Event{Kind: EventOrderRemoved, Order: *tracked, Quantity: m.Quantity})
	}
}

// RemoveOwnOrderByLocalID removes an own order by its caller-assigned id.
// Quantity held by in-flight swaps stays until those swaps resolve.
func (b *Book) RemoveOwnOrderByLocalID(pairID, localID string) (*Order, error) {
	b.mu.Lock()
	orderID, ok := b.localIDs[localID]
	bp := b.pairs[pairID]
	b.mu.Unlock()
	if !ok || bp == nil {
		return nil, ErrOrderNotFound
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()

	tracked, ok := bp.ownOrders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}

	open := tracked.AbsQuantity() - tracked.Hold
	if open > 0 {
		bp.engine.RemoveOwnOrder(orderID)
		b.pool.BroadcastOrderInvalidation(orderID, pairID, open)
	}

	if tracked.Hold == 0 {
		delete(bp.ownOrders, orderID)
		b.store.DeleteOwnOrder(orderID)
		b.releaseLocalID(localID)
		b.emit(Event{Kind: EventOrderRemoved, Order: *tracked})
		return tracked, nil
	}

	// Keep only the held portion; it is consumed or released when the
	// in-flight swaps resolve.
	tracked.Quantity = tracked.signedQuantity(tracked.Hold)
	b.store.SaveOwnOrder(tracked)
	b.emit(Event{Kind: EventOrderRemoved, Order: *tracked, Quantity: open})
	return tracked, nil
}

// AddPeerOrder imports an order received from a peer.
func (b *Book) AddPeerOrder(o *Order) error {
	b.mu.Lock()
	bp, ok := b.pairs[o.PairID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPairNotFound, o.PairID)
	}
	if o.Quantity == 0 {
		return ErrInvalidQuantity
	}
	if o.Price < 0 {
		return ErrInvalidPrice
	}

	o.IsOwn = false
	o.CreatedAt = time.Now().UnixMilli()
	if o.InitialQuantity == 0 {
		o.InitialQuantity = o.AbsQuantity()
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()

	// A re-announced order replaces the previous copy.
	bp.engine.RemovePeerOrder(o.ID, 0)
	bp.engine.AddPeerOrder(o)
	b.emit(Event{Kind: EventOrderAdded, Order: *o})
	return nil
}

// RemovePeerOrder handles an order invalidation from a peer. Invalidations
// are only trusted from the connection of the originating node.
func (b *Book) RemovePeerOrder(peerPubKey, orderID, pairID string, quantity int64) (*Order, error) {
	b.mu.Lock()
	bp, ok := b.pairs[pairID]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPairNotFound, pairID)
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()

	existing := bp.engine.buys.get(orderID)
	if existing == nil {
		existing = bp.engine.sells.get(orderID)
	}
	if existing == nil || existing.IsOwn {
		return nil, ErrOrderNotFound
	}
	if existing.PeerPubKey != peerPubKey {
		return nil, fmt.Errorf("order %s does not belong to peer %s", orderID, peerPubKey)
	}

	removed := bp.engine.RemovePeerOrder(orderID, quantity)
	if removed == nil {
		return nil, ErrOrderNotFound
	}
	b.emit(Event{Kind: EventOrderRemoved, Order: *removed, Quantity: quantity})
	return removed, nil
}

// RemovePeerOrders purges all orders from the given peer across all pairs,
// locking pairs in pair-id order. Used on peer disconnect.
func (b *Book) RemovePeerOrders(peerPubKey string) []*Order {
	var removed []*Order
	for _, pairID := range b.Pairs() {
		b.mu.Lock()
		bp := b.pairs[pairID]
		b.mu.Unlock()
		if bp == nil {
			continue
		}
		bp.mu.Lock()
		orders := bp.engine.RemovePeerOrders(func(o *Order) bool {
			return o.PeerPubKey == peerPubKey
		})
		bp.mu.Unlock()
		for _, o := range orders {
			b.emit(Event{Kind: EventOrderRemoved, Order: *o})
		}
		removed = append(removed, orders...)
	}
	return removed
}

// ReserveHold reserves quantity of an own order against an in-flight swap,
// taking it out of the matching queues.
func (b *Book) ReserveHold(pairID, orderID string, quantity int64) error {
	bp, tracked, err := b.trackedOrder(pairID, orderID)
	if err != nil {
		return err
	}
	defer bp.mu.Unlock()

	if tracked.AbsQuantity()-tracked.Hold < quantity {
		return fmt.Errorf("%w: order %s", ErrQuantityUnavailable, orderID)
	}
	if !bp.engine.reduceOwnOrder(orderID, quantity) {
		return fmt.Errorf("%w: order %s", ErrQuantityUnavailable, orderID)
	}
	tracked.Hold += quantity
	return nil
}

// ReleaseHold returns held quantity to the matching queues after a swap
// failed.
func (b *Book) ReleaseHold(pairID, orderID string, quantity int64) error {
	bp, tracked, err := b.trackedOrder(pairID, orderID)
	if err != nil {
		return err
	}
	defer bp.mu.Unlock()

	if tracked.Hold < quantity {
		return ErrInsufficientHold
	}
	tracked.Hold -= quantity
	bp.engine.restoreOwnOrder(tracked, quantity)
	return nil
}

// SettleOwnOrder permanently consumes held quantity after a swap completed
// and broadcasts the decrement to peers.
func (b *Book) SettleOwnOrder(pairID, orderID string, quantity int64) error {
	bp, tracked, err := b.trackedOrder(pairID, orderID)
	if err != nil {
		return err
	}
	defer bp.mu.Unlock()

	if tracked.Hold < quantity {
		return ErrInsufficientHold
	}
	tracked.Hold -= quantity
	tracked.Quantity -= tracked.signedQuantity(quantity)
	b.pool.BroadcastOrderInvalidation(orderID, pairID, quantity)

	if tracked.Quantity == 0 {
		delete(bp.ownOrders, orderID)
		b.store.DeleteOwnOrder(orderID)
		b.releaseLocalID(tracked.LocalID)
		b.emit(Event{Kind: EventOrderRemoved, Order: *tracked})
	} else {
		b.store.SaveOwnOrder(tracked)
		b.emit(Event{Kind: EventOrderRemoved, Order: *tracked, Quantity: quantity})
	}
	return nil
}

// GetOwnOrder returns a copy of a tracked own order.
func (b *Book) GetOwnOrder(pairID, orderID string) (Order, error) {
	bp, tracked, err := b.trackedOrder(pairID, orderID)
	if err != nil {
		return Order{}, err
	}
	defer bp.mu.Unlock()
	return *tracked, nil
}

// ListOrders returns copies of all queued orders for a pair.
func (b *Book) ListOrders(pairID string) ([]Order, error) {
	b.mu.Lock()
	bp, ok := b.pairs[pairID]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPairNotFound, pairID)
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()
	queued := bp.engine.Orders()
	orders := make([]Order, 0, len(queued))
	for _, o := range queued {
		orders = append(orders, *o)
	}
	return orders, nil
}

// OwnOrders returns copies of all tracked own orders, used to answer a
// peer's order request.
func (b *Book) OwnOrders() []Order {
	var orders []Order
	for _, pairID := range b.Pairs() {
		b.mu.Lock()
		bp := b.pairs[pairID]
		b.mu.Unlock()
		if bp == nil {
			continue
		}
		bp.mu.Lock()
		for _, o := range bp.ownOrders {
			orders = append(orders, *o)
		}
		bp.mu.Unlock()
	}
	return orders
}

// RestoreOwnOrder re-adds a persisted own order on startup without
// broadcasting it; peers learn it through their order requests.
func (b *Book) RestoreOwnOrder(o *Order) error {
	b.mu.Lock()
	bp, ok := b.pairs[o.PairID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPairNotFound, o.PairID)
	}
	if _, taken := b.localIDs[o.LocalID]; taken {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateLocalID, o.LocalID)
	}
	b.localIDs[o.LocalID] = o.ID
	b.mu.Unlock()

	o.IsOwn = true
	o.Hold = 0

	bp.mu.Lock()
	defer bp.mu.Unlock()
	tracked := *o
	bp.ownOrders[tracked.ID] = &tracked
	queued := *o
	bp.engine.addOwnOrder(&queued)
	return nil
}

func (b *Book) trackedOrder(pairID, orderID string) (*bookPair, *Order, error) {
	b.mu.Lock()
	bp, ok := b.pairs[pairID]
	b.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrPairNotFound, pairID)
	}

	bp.mu.Lock()
	tracked, ok := bp.ownOrders[orderID]
	if !ok {
		bp.mu.Unlock()
		return nil, nil, ErrOrderNotFound
	}
	return bp, tracked, nil
}

func (b *Book) removeExpiredOrders() {
	now := time.Now().UnixMilli()
	for _, pairID := range b.Pairs() {
		b.mu.Lock()
		bp := b.pairs[pairID]
		b.mu.Unlock()
		if bp == nil {
			continue
		}

		bp.mu.Lock()
		var expired []*Order
		for _, tracked := range bp.ownOrders {
			if tracked.ExpiresAt != 0 && tracked.ExpiresAt <= now {
				expired = append(expired, tracked)
			}
		}
		for _, tracked := range expired {
			open := tracked.AbsQuantity() - tracked.Hold
			if open > 0 {
				bp.engine.RemoveOwnOrder(tracked.ID)
				tracked.Quantity -= tracked.signedQuantity(open)
				b.pool.BroadcastOrderInvalidation(tracked.ID, pairID, open)
			}
			if tracked.Hold == 0 {
				delete(bp.ownOrders, tracked.ID)
				b.store.DeleteOwnOrder(tracked.ID)
				b.releaseLocalID(tracked.LocalID)
				b.emit(Event{Kind: EventOrderRemoved, Order: *tracked})
				b.log.Debug("own order expired", "pair", pairID, "order", tracked.ID)
			} else {
				// Only the held portion survives until its swaps resolve.
				b.store.SaveOwnOrder(tracked)
			}
		}
		bp.mu.Unlock()
	}
}

func (b *Book) releaseLocalID(localID string) {
	b.mu.Lock()
	delete(b.localIDs, localID)
	b.mu.Unlock()
}

func (b *Book) emit(e Event) {
	select {
	case b.events <- e:
	default:
	}
}
