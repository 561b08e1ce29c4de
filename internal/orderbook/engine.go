package orderbook

// MatchingEngine matches orders for a single trading pair. It holds the buy
// and sell queues and is not safe for concurrent use; the book serializes
// access under a per-pair lock.
type MatchingEngine struct {
	pairID string
	buys   *orderQueue
	sells  *orderQueue
}

// NewMatchingEngine creates a matching engine for the given pair.
func NewMatchingEngine(pairID string) *MatchingEngine {
	return &MatchingEngine{
		pairID: pairID,
		buys:   newOrderQueue(sideBuy),
		sells:  newOrderQueue(sideSell),
	}
}

// MatchResult is the outcome of matching one own order.
type MatchResult struct {
	Matches []Match

	// Remaining is the unmatched residual, enqueued on its side unless
	// matching was called with discardRemaining.
	Remaining *Order
}

// MatchOrAddOwnOrder crosses the given own order against the opposite side
// queue. Each iteration consumes min(|taker|, |maker|) from the queue head,
// splitting whichever side is larger; a split maker keeps its id and stays
// queued with the reduced quantity. Any residual is enqueued on the order's
// own side and returned as Remaining unless discardRemaining is set.
func (e *MatchingEngine) MatchOrAddOwnOrder(taker *Order, discardRemaining bool) (MatchResult, error) {
	var result MatchResult

	queue := e.sells
	if !taker.IsBuy() {
		queue = e.buys
	}

	for taker.Quantity != 0 {
		maker := queue.peek()
		if maker == nil || !crosses(taker, maker) {
			break
		}

		matchQty := taker.AbsQuantity()
		if makerQty := maker.AbsQuantity(); makerQty < matchQty {
			matchQty = makerQty
		}

		makerPortion, err := maker.split(matchQty)
		if err != nil {
			return result, err
		}
		if maker.Quantity == 0 {
			queue.removeHead()
		}

		takerPortion, err := taker.split(matchQty)
		if err != nil {
			return result, err
		}

		result.Matches = append(result.Matches, Match{
			Maker:    makerPortion,
			Taker:    takerPortion,
			Quantity: matchQty,
		})
	}

	if taker.Quantity != 0 && !discardRemaining {
		e.addOwnOrder(taker)
		result.Remaining = taker
	}

	return result, nil
}

// addOwnOrder enqueues an own order without matching.
func (e *MatchingEngine) addOwnOrder(o *Order) {
	e.sideQueue(o).add(o)
}

// AddPeerOrder inserts a peer order into its side queue.
func (e *MatchingEngine) AddPeerOrder(o *Order) {
	e.sideQueue(o).add(o)
}

// RemoveOwnOrder removes an own order by id, returning it or nil.
func (e *MatchingEngine) RemoveOwnOrder(id string) *Order {
	if o := e.buys.remove(id); o != nil {
		return o
	}
	return e.sells.remove(id)
}

// RemovePeerOrder removes or decrements a peer order. A zero decreaseBy, or
// one at or above the open quantity, removes the order entirely. It returns
// the removed portion or nil when no such order is queued.
func (e *MatchingEngine) RemovePeerOrder(id string, decreaseBy int64) *Order {
	for _, queue := range []*orderQueue{e.buys, e.sells} {
		o := queue.get(id)
		if o == nil {
			continue
		}
		if decreaseBy == 0 || decreaseBy >= o.AbsQuantity() {
			return queue.remove(id)
		}
		portion, err := o.split(decreaseBy)
		if err != nil {
			return nil
		}
		return &portion
	}
	return nil
}

// RemovePeerOrders bulk-removes all peer orders matching the predicate,
// used when a peer disconnects.
func (e *MatchingEngine) RemovePeerOrders(pred func(*Order) bool) []*Order {
	peerPred := func(o *Order) bool { return !o.IsOwn && pred(o) }
	removed := e.buys.removeWhere(peerPred)
	return append(removed, e.sells.removeWhere(peerPred)...)
}

// getOwnOrder returns the queued own order with the given id, or nil.
func (e *MatchingEngine) getOwnOrder(id string) *Order {
	if o := e.buys.get(id); o != nil && o.IsOwn {
		return o
	}
	if o := e.sells.get(id); o != nil && o.IsOwn {
		return o
	}
	return nil
}

// reduceOwnOrder removes qty from a queued own order, dequeuing it entirely
// when the open quantity reaches zero. It reports whether the order was
// found with at least qty open.
func (e *MatchingEngine) reduceOwnOrder(id string, qty int64) bool {
	o := e.getOwnOrder(id)
	if o == nil || o.AbsQuantity() < qty {
		return false
	}
	o.Quantity -= o.signedQuantity(qty)
	if o.Quantity == 0 {
		e.RemoveOwnOrder(id)
	}
	return true
}

// restoreOwnOrder returns qty to a queued own order, re-adding the order
// when it was fully dequeued.
func (e *MatchingEngine) restoreOwnOrder(tracked *Order, qty int64) {
	if o := e.getOwnOrder(tracked.ID); o != nil {
		o.Quantity += o.signedQuantity(qty)
		return
	}
	requeued := *tracked
	requeued.Quantity = tracked.signedQuantity(qty)
	requeued.Hold = 0
	e.addOwnOrder(&requeued)
}

// Orders returns all queued orders, buys first.
func (e *MatchingEngine) Orders() []*Order {
	return append(e.buys.orders(), e.sells.orders()...)
}

func (e *MatchingEngine) sideQueue(o *Order) *orderQueue {
	if o.IsBuy() {
		return e.buys
	}
	return e.sells
}
