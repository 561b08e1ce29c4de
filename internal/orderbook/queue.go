package orderbook

import "container/heap"

type queueSide int

const (
	sideBuy queueSide = iota
	sideSell
)

type queueEntry struct {
	order *Order
	index int
}

// orderQueue is a priority queue of one side of a book. Buys order by
// descending price, sells by ascending price, ties broken by earlier
// createdAt. A side map from id to entry allows O(log n) removal.
type orderQueue struct {
	side    queueSide
	entries []*queueEntry
	byID    map[string]*queueEntry
}

func newOrderQueue(side queueSide) *orderQueue {
	return &orderQueue{
		side: side,
		byID: make(map[string]*queueEntry),
	}
}

func (q *orderQueue) Len() int { return len(q.entries) }

func (q *orderQueue) Less(i, j int) bool {
	a, b := q.entries[i].order, q.entries[j].order
	if a.Price != b.Price {
		if q.side == sideBuy {
			return a.Price > b.Price
		}
		return a.Price < b.Price
	}
	return a.CreatedAt < b.CreatedAt
}

func (q *orderQueue) Swap(i, j int) {
	q.entries[i], q.entries[j] = q.entries[j], q.entries[i]
	q.entries[i].index = i
	q.entries[j].index = j
}

func (q *orderQueue) Push(x interface{}) {
	e := x.(*queueEntry)
	e.index = len(q.entries)
	q.entries = append(q.entries, e)
}

func (q *orderQueue) Pop() interface{} {
	old := q.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	q.entries = old[:n-1]
	return e
}

// add inserts an order into the queue.
func (q *orderQueue) add(o *Order) {
	e := &queueEntry{order: o}
	q.byID[o.ID] = e
	heap.Push(q, e)
}

// peek returns the queue head without removing it, or nil when empty.
func (q *orderQueue) peek() *Order {
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0].order
}

// removeHead pops the queue head.
func (q *orderQueue) removeHead() *Order {
	if len(q.entries) == 0 {
		return nil
	}
	e := heap.Pop(q).(*queueEntry)
	delete(q.byID, e.order.ID)
	return e.order
}

// get returns the queued order with the given id, or nil.
func (q *orderQueue) get(id string) *Order {
	e, ok := q.byID[id]
	if !ok {
		return nil
	}
	return e.order
}

// remove removes the order with the given id, returning it or nil.
func (q *orderQueue) remove(id string) *Order {
	e, ok := q.byID[id]
	if !ok {
		return nil
	}
	heap.Remove(q, e.index)
	delete(q.byID, id)
	return e.order
}

// removeWhere removes all orders matching the predicate.
func (q *orderQueue) removeWhere(pred func(*Order) bool) []*Order {
	var removed []*Order
	for _, e := range q.entries {
		if pred(e.order) {
			removed = append(removed, e.order)
		}
	}
	for _, o := range removed {
		q.remove(o.ID)
	}
	return removed
}

// orders returns all queued orders in heap order.
func (q *orderQueue) orders() []*Order {
	result := make([]*Order, 0, len(q.entries))
	for _, e := range q.entries {
		result = append(result, e.order)
	}
	return result
}
