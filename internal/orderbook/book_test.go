package orderbook

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeBroadcaster struct {
	mu            sync.Mutex
	orders        []Order
	invalidations []string
}

func (f *fakeBroadcaster) BroadcastOrder(o *Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, *o)
}

func (f *fakeBroadcaster) BroadcastOrderInvalidation(orderID, pairID string, quantity int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidations = append(f.invalidations, fmt.Sprintf("%s/%d", orderID, quantity))
}

type fakeStore struct {
	mu     sync.Mutex
	orders map[string]Order
}

func newFakeStore() *fakeStore {
	return &fakeStore{orders: make(map[string]Order)}
}

func (f *fakeStore) SaveOwnOrder(o *Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[o.ID] = *o
	return nil
}

func (f *fakeStore) DeleteOwnOrder(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.orders, id)
	return nil
}

type fakeSwaps struct {
	mu       sync.Mutex
	executed []Match
	fail     map[string]bool
}

func (f *fakeSwaps) ExecuteSwap(maker *Order, taker *Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[maker.ID] {
		return errors.New("swap failed")
	}
	f.executed = append(f.executed, Match{Maker: *maker, Taker: *taker, Quantity: maker.AbsQuantity()})
	return nil
}

func newTestBook(t *testing.T) (*Book, *fakeBroadcaster, *fakeSwaps) {
	t.Helper()
	pool := &fakeBroadcaster{}
	swaps := &fakeSwaps{fail: make(map[string]bool)}
	b := New(pool, newFakeStore())
	b.SetSwapExecutor(swaps)
	if err := b.AddPair("LTC/BTC"); err != nil {
		t.Fatalf("AddPair failed: %v", err)
	}
	return b, pool, swaps
}

func TestPlaceLimitOrderMatchesPeerOrders(t *testing.T) {
	b, _, swaps := newTestBook(t)

	if err := b.AddPeerOrder(peerSell("s1", 5, 5, 0)); err != nil {
		t.Fatalf("AddPeerOrder failed: %v", err)
	}
	if err := b.AddPeerOrder(peerSell("s2", 5, 5, 0)); err != nil {
		t.Fatalf("AddPeerOrder failed: %v", err)
	}

	res, err := b.PlaceLimitOrder(&Order{PairID: "LTC/BTC", Price: 5, Quantity: 10, LocalID: "buy-1"})
	if err != nil {
		t.Fatalf("PlaceLimitOrder failed: %v", err)
	}

	if len(res.SwapMatches) != 2 {
		t.Fatalf("got %d swap matches, want 2", len(res.SwapMatches))
	}
	if res.Remaining != nil {
		t.Errorf("remaining = %+v, want nil", res.Remaining)
	}
	if len(swaps.executed) != 2 {
		t.Errorf("executed %d swaps, want 2", len(swaps.executed))
	}
}

func TestPlaceLimitOrderRemainderIsBroadcast(t *testing.T) {
	b, pool, _ := newTestBook(t)

	res, err := b.PlaceLimitOrder(&Order{PairID: "LTC/BTC", Price: 5, Quantity: 10, LocalID: "buy-1"})
	if err != nil {
		t.Fatalf("PlaceLimitOrder failed: %v", err)
	}
	if res.Remaining == nil || res.Remaining.Quantity != 10 {
		t.Fatalf("remaining = %+v, want full order", res.Remaining)
	}
	if len(pool.orders) != 1 || pool.orders[0].ID != res.Remaining.ID {
		t.Errorf("broadcast orders = %+v", pool.orders)
	}
}

func TestPlaceOrderSwapFailureRematches(t *testing.T) {
	b, _, swaps := newTestBook(t)

	// s1 has price priority but its swap fails; the quantity re-matches
	// against s2.
	swaps.fail["s1"] = true
	b.AddPeerOrder(peerSell("s1", 4, 5, 0))
	b.AddPeerOrder(peerSell("s2", 5, 5, 0))

	res, err := b.PlaceLimitOrder(&Order{PairID: "LTC/BTC", Price: 5, Quantity: 5, LocalID: "buy-1"})
	if err != nil {
		t.Fatalf("PlaceLimitOrder failed: %v", err)
	}

	if len(res.FailedMatches) != 1 || res.FailedMatches[0].Maker.ID != "s1" {
		t.Fatalf("failed matches = %+v, want s1", res.FailedMatches)
	}
	if len(res.SwapMatches) != 1 || res.SwapMatches[0].Maker.ID != "s2" {
		t.Fatalf("swap matches = %+v, want s2", res.SwapMatches)
	}
	if res.Remaining != nil {
		t.Errorf("remaining = %+v, want nil", res.Remaining)
	}

	// The stale order must be gone from the book.
	orders, _ := b.ListOrders("LTC/BTC")
	for _, o := range orders {
		if o.ID == "s1" {
			t.Error("s1 should have been dropped after swap failure")
		}
	}
}

func TestInternalMatch(t *testing.T) {
	b, pool, _ := newTestBook(t)

	sellRes, err := b.PlaceLimitOrder(&Order{PairID: "LTC/BTC", Price: 5, Quantity: -5, LocalID: "sell-1"})
	if err != nil {
		t.Fatalf("PlaceLimitOrder failed: %v", err)
	}
	if sellRes.Remaining == nil {
		t.Fatal("sell should rest in the book")
	}

	buyRes, err := b.PlaceLimitOrder(&Order{PairID: "LTC/BTC", Price: 5, Quantity: 3, LocalID: "buy-1"})
	if err != nil {
		t.Fatalf("PlaceLimitOrder failed: %v", err)
	}
	if len(buyRes.InternalMatches) != 1 || buyRes.InternalMatches[0].Quantity != 3 {
		t.Fatalf("internal matches = %+v, want one of qty 3", buyRes.InternalMatches)
	}

	// The own maker's decrement is broadcast to peers.
	found := false
	pool.mu.Lock()
	for _, inv := range pool.invalidations {
		if inv == sellRes.Remaining.ID+"/3" {
			found = true
		}
	}
	pool.mu.Unlock()
	if !found {
		t.Errorf("invalidations = %v, want decrement of 3 for %s", pool.invalidations, sellRes.Remaining.ID)
	}

	remaining, err := b.GetOwnOrder("LTC/BTC", sellRes.Remaining.ID)
	if err != nil {
		t.Fatalf("GetOwnOrder failed: %v", err)
	}
	if remaining.Quantity != -2 {
		t.Errorf("own maker quantity = %d, want -2", remaining.Quantity)
	}
}

func TestDuplicateLocalIDRejected(t *testing.T) {
	b, _, _ := newTestBook(t)

	if _, err := b.PlaceLimitOrder(&Order{PairID: "LTC/BTC", Price: 5, Quantity: 5, LocalID: "dup"}); err != nil {
		t.Fatalf("first placement failed: %v", err)
	}
	if _, err := b.PlaceLimitOrder(&Order{PairID: "LTC/BTC", Price: 5, Quantity: 5, LocalID: "dup"}); !errors.Is(err, ErrDuplicateLocalID) {
		t.Errorf("second placement error = %v, want ErrDuplicateLocalID", err)
	}
}

func TestConcurrentDuplicateLocalID(t *testing.T) {
	b, _, _ := newTestBook(t)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = b.PlaceLimitOrder(&Order{PairID: "LTC/BTC", Price: 5, Quantity: 5, LocalID: "same"})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrDuplicateLocalID) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("%d placements succeeded, want exactly 1", succeeded)
	}
}

func TestLocalIDFreedAfterFullFill(t *testing.T) {
	b, _, _ := newTestBook(t)
	b.AddPeerOrder(peerSell("s1", 5, 5, 0))

	if _, err := b.PlaceLimitOrder(&Order{PairID: "LTC/BTC", Price: 5, Quantity: 5, LocalID: "reuse"}); err != nil {
		t.Fatalf("first placement failed: %v", err)
	}
	// Fully filled, the local id is reusable.
	if _, err := b.PlaceLimitOrder(&Order{PairID: "LTC/BTC", Price: 5, Quantity: 5, LocalID: "reuse"}); err != nil {
		t.Errorf("second placement error = %v, want nil", err)
	}
}

func TestRemoveOwnOrderByLocalID(t *testing.T) {
	b, pool, _ := newTestBook(t)

	res, err := b.PlaceLimitOrder(&Order{PairID: "LTC/BTC", Price: 5, Quantity: 5, LocalID: "mine"})
	if err != nil {
		t.Fatalf("PlaceLimitOrder failed: %v", err)
	}

	removed, err := b.RemoveOwnOrderByLocalID("LTC/BTC", "mine")
	if err != nil {
		t.Fatalf("RemoveOwnOrderByLocalID failed: %v", err)
	}
	if removed.ID != res.Remaining.ID {
		t.Errorf("removed = %s, want %s", removed.ID, res.Remaining.ID)
	}
	if len(pool.invalidations) == 0 {
		t.Error("removal should broadcast an invalidation")
	}
	if _, err := b.RemoveOwnOrderByLocalID("LTC/BTC", "mine"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("second removal error = %v, want ErrOrderNotFound", err)
	}
}

func TestPeerDisconnectPurgesOrders(t *testing.T) {
	b, _, _ := newTestBook(t)
	if err := b.AddPair("BTC/USDT"); err != nil {
		t.Fatalf("AddPair failed: %v", err)
	}

	b.AddPeerOrder(peerSell("s1", 5, 5, 0))
	other := peerSell("s2", 5, 5, 0)
	other.PairID = "BTC/USDT"
	b.AddPeerOrder(other)
	third := peerSell("s3", 6, 5, 0)
	third.PeerPubKey = "03other"
	b.AddPeerOrder(third)

	removed := b.RemovePeerOrders("02peer")
	if len(removed) != 2 {
		t.Fatalf("removed %d orders, want 2", len(removed))
	}

	for _, pairID := range []string{"LTC/BTC", "BTC/USDT"} {
		orders, err := b.ListOrders(pairID)
		if err != nil {
			t.Fatalf("ListOrders failed: %v", err)
		}
		for _, o := range orders {
			if o.PeerPubKey == "02peer" {
				t.Errorf("order %s from disconnected peer still in %s", o.ID, pairID)
			}
		}
	}
}

func TestPeerInvalidationTrust(t *testing.T) {
	b, _, _ := newTestBook(t)
	b.AddPeerOrder(peerSell("s1", 5, 10, 0))

	// An invalidation from a different node than the originator is ignored.
	if _, err := b.RemovePeerOrder("03other", "s1", "LTC/BTC", 0); err == nil {
		t.Error("expected error removing another peer's order")
	}

	portion, err := b.RemovePeerOrder("02peer", "s1", "LTC/BTC", 4)
	if err != nil {
		t.Fatalf("RemovePeerOrder failed: %v", err)
	}
	if portion.AbsQuantity() != 4 {
		t.Errorf("removed portion = %d, want 4", portion.AbsQuantity())
	}

	orders, _ := b.ListOrders("LTC/BTC")
	if len(orders) != 1 || orders[0].Quantity != -6 {
		t.Errorf("orders = %+v, want single sell of -6", orders)
	}
}

func TestHoldLifecycle(t *testing.T) {
	b, pool, _ := newTestBook(t)

	res, err := b.PlaceLimitOrder(&Order{PairID: "LTC/BTC", Price: 5, Quantity: -10, LocalID: "sell-1"})
	if err != nil {
		t.Fatalf("PlaceLimitOrder failed: %v", err)
	}
	id := res.Remaining.ID

	if err := b.ReserveHold("LTC/BTC", id, 4); err != nil {
		t.Fatalf("ReserveHold failed: %v", err)
	}

	// Held quantity is out of the matching queues.
	orders, _ := b.ListOrders("LTC/BTC")
	if len(orders) != 1 || orders[0].Quantity != -6 {
		t.Fatalf("queued orders = %+v, want sell of -6", orders)
	}

	// Reserving more than the open quantity fails.
	if err := b.ReserveHold("LTC/BTC", id, 7); !errors.Is(err, ErrQuantityUnavailable) {
		t.Errorf("over-reserve error = %v, want ErrQuantityUnavailable", err)
	}

	// Failure path: the hold is released back into the queues.
	if err := b.ReleaseHold("LTC/BTC", id, 4); err != nil {
		t.Fatalf("ReleaseHold failed: %v", err)
	}
	orders, _ = b.ListOrders("LTC/BTC")
	if len(orders) != 1 || orders[0].Quantity != -10 {
		t.Fatalf("queued orders after release = %+v, want sell of -10", orders)
	}

	// Success path: the hold is consumed and the decrement broadcast.
	if err := b.ReserveHold("LTC/BTC", id, 10); err != nil {
		t.Fatalf("ReserveHold failed: %v", err)
	}
	if err := b.SettleOwnOrder("LTC/BTC", id, 10); err != nil {
		t.Fatalf("SettleOwnOrder failed: %v", err)
	}
	if _, err := b.GetOwnOrder("LTC/BTC", id); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("fully consumed order error = %v, want ErrOrderNotFound", err)
	}
	found := false
	pool.mu.Lock()
	for _, inv := range pool.invalidations {
		if inv == id+"/10" {
			found = true
		}
	}
	pool.mu.Unlock()
	if !found {
		t.Errorf("invalidations = %v, want %s/10", pool.invalidations, id)
	}
}

func TestExpiredOrderKeepsOnlyHeldQuantity(t *testing.T) {
	b, pool, _ := newTestBook(t)

	res, err := b.PlaceLimitOrder(&Order{
		PairID: "LTC/BTC", Price: 5, Quantity: -10, LocalID: "sell-1",
		ExpiresAt: time.Now().Add(-time.Minute).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("PlaceLimitOrder failed: %v", err)
	}
	id := res.Remaining.ID

	if err := b.ReserveHold("LTC/BTC", id, 4); err != nil {
		t.Fatalf("ReserveHold failed: %v", err)
	}

	// Expiry removes the open portion; the held 4 stay tracked until
	// their swap resolves.
	b.removeExpiredOrders()

	tracked, err := b.GetOwnOrder("LTC/BTC", id)
	if err != nil {
		t.Fatalf("GetOwnOrder failed: %v", err)
	}
	if tracked.AbsQuantity() != 4 || tracked.Hold != 4 {
		t.Fatalf("quantity/hold = %d/%d, want 4/4", tracked.AbsQuantity(), tracked.Hold)
	}

	pool.mu.Lock()
	invalidations := append([]string(nil), pool.invalidations...)
	pool.mu.Unlock()
	if len(invalidations) != 1 || invalidations[0] != id+"/6" {
		t.Fatalf("invalidations = %v, want single %s/6", invalidations, id)
	}

	// Settling the held quantity removes the order without re-announcing
	// the already invalidated open portion.
	if err := b.SettleOwnOrder("LTC/BTC", id, 4); err != nil {
		t.Fatalf("SettleOwnOrder failed: %v", err)
	}
	if _, err := b.GetOwnOrder("LTC/BTC", id); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("settled order error = %v, want ErrOrderNotFound", err)
	}

	pool.mu.Lock()
	invalidations = append([]string(nil), pool.invalidations...)
	pool.mu.Unlock()
	if len(invalidations) != 2 || invalidations[1] != id+"/4" {
		t.Errorf("invalidations = %v, want %s/6 then %s/4", invalidations, id, id)
	}
}

func TestRestoreOwnOrder(t *testing.T) {
	b, _, _ := newTestBook(t)

	restored := &Order{
		ID: "11111111-1111-1111-1111-111111111111", LocalID: "old",
		PairID: "LTC/BTC", Price: 5, Quantity: -5, InitialQuantity: 5, CreatedAt: 100,
	}
	if err := b.RestoreOwnOrder(restored); err != nil {
		t.Fatalf("RestoreOwnOrder failed: %v", err)
	}

	// The restored order matches like any resting order.
	res, err := b.PlaceLimitOrder(&Order{PairID: "LTC/BTC", Price: 5, Quantity: 5, LocalID: "buy-1"})
	if err != nil {
		t.Fatalf("PlaceLimitOrder failed: %v", err)
	}
	if len(res.InternalMatches) != 1 || res.InternalMatches[0].Maker.ID != restored.ID {
		t.Errorf("internal matches = %+v, want restored order", res.InternalMatches)
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	b, _, _ := newTestBook(t)

	if _, err := b.PlaceLimitOrder(&Order{PairID: "XMR/BTC", Price: 5, Quantity: 5}); !errors.Is(err, ErrPairNotFound) {
		t.Errorf("unknown pair error = %v, want ErrPairNotFound", err)
	}
	if _, err := b.PlaceLimitOrder(&Order{PairID: "LTC/BTC", Price: 5, Quantity: 0}); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("zero quantity error = %v, want ErrInvalidQuantity", err)
	}
	if _, err := b.PlaceLimitOrder(&Order{PairID: "LTC/BTC", Price: 0, Quantity: 5}); !errors.Is(err, ErrInvalidPrice) {
		t.Errorf("zero price error = %v, want ErrInvalidPrice", err)
	}
}
