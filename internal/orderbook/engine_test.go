package orderbook

import (
	"errors"
	"testing"
)

func peerSell(id string, price float64, qty int64, createdAt int64) *Order {
	return &Order{
		ID:              id,
		PairID:          "LTC/BTC",
		Price:           price,
		Quantity:        -qty,
		InitialQuantity: qty,
		CreatedAt:       createdAt,
		PeerPubKey:      "02peer",
	}
}

func ownBuy(id string, price float64, qty int64, createdAt int64) *Order {
	return &Order{
		ID:              id,
		PairID:          "LTC/BTC",
		Price:           price,
		Quantity:        qty,
		InitialQuantity: qty,
		CreatedAt:       createdAt,
		IsOwn:           true,
		LocalID:         id,
	}
}

func totalMatched(matches []Match) int64 {
	var total int64
	for _, m := range matches {
		total += m.Quantity
	}
	return total
}

func TestFullCross(t *testing.T) {
	e := NewMatchingEngine("LTC/BTC")
	e.AddPeerOrder(peerSell("s1", 5, 5, 100))
	e.AddPeerOrder(peerSell("s2", 5, 5, 101))

	res, err := e.MatchOrAddOwnOrder(ownBuy("b1", 5, 10, 200), false)
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}

	if len(res.Matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(res.Matches))
	}
	for i, m := range res.Matches {
		if m.Quantity != 5 {
			t.Errorf("match %d quantity = %d, want 5", i, m.Quantity)
		}
	}
	if res.Remaining != nil {
		t.Errorf("remaining = %+v, want nil", res.Remaining)
	}
	if head := e.sells.peek(); head != nil {
		t.Errorf("sell queue head = %+v, want empty", head)
	}
}

func TestTakerSplit(t *testing.T) {
	e := NewMatchingEngine("LTC/BTC")
	e.AddPeerOrder(peerSell("s1", 5, 4, 100))
	e.AddPeerOrder(peerSell("s2", 5, 5, 101))

	res, err := e.MatchOrAddOwnOrder(ownBuy("b1", 5, 10, 200), false)
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}

	if got := totalMatched(res.Matches); got != 9 {
		t.Errorf("total matched = %d, want 9", got)
	}
	if res.Remaining == nil || res.Remaining.Quantity != 1 {
		t.Fatalf("remaining = %+v, want own buy qty 1", res.Remaining)
	}
	if head := e.buys.peek(); head == nil || head.ID != "b1" || head.Quantity != 1 {
		t.Errorf("buy queue head = %+v, want b1 qty 1", head)
	}
}

func TestMakerSplit(t *testing.T) {
	e := NewMatchingEngine("LTC/BTC")
	e.AddPeerOrder(peerSell("s1", 5, 5, 100))
	e.AddPeerOrder(peerSell("s2", 5, 6, 101))

	res, err := e.MatchOrAddOwnOrder(ownBuy("b1", 5, 10, 200), false)
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}

	if len(res.Matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(res.Matches))
	}
	for i, m := range res.Matches {
		if m.Quantity != 5 {
			t.Errorf("match %d quantity = %d, want 5", i, m.Quantity)
		}
	}
	if res.Remaining != nil {
		t.Errorf("remaining = %+v, want nil", res.Remaining)
	}

	head := e.sells.peek()
	if head == nil || head.Quantity != -1 || head.Price != 5 {
		t.Fatalf("sell queue head = %+v, want qty -1 at price 5", head)
	}
	// A split maker keeps its original id.
	if head.ID != "s2" {
		t.Errorf("split maker id = %s, want s2", head.ID)
	}
}

func TestFIFOAtEqualPrice(t *testing.T) {
	e := NewMatchingEngine("LTC/BTC")
	e.AddPeerOrder(peerSell("A", 5, 3, 100))
	e.AddPeerOrder(peerSell("B", 5, 3, 101))

	res, err := e.MatchOrAddOwnOrder(ownBuy("b1", 5, 3, 200), false)
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}

	if len(res.Matches) != 1 {
		t.Fatalf("got %d matches, want 1", len(res.Matches))
	}
	if res.Matches[0].Maker.ID != "A" {
		t.Errorf("matched maker = %s, want A", res.Matches[0].Maker.ID)
	}
	if head := e.sells.peek(); head == nil || head.ID != "B" {
		t.Errorf("sell queue head = %+v, want B", head)
	}
}

func TestMatchedPlusRemainingEqualsInitial(t *testing.T) {
	e := NewMatchingEngine("LTC/BTC")
	e.AddPeerOrder(peerSell("s1", 4, 3, 100))
	e.AddPeerOrder(peerSell("s2", 5, 7, 101))
	e.AddPeerOrder(peerSell("s3", 6, 5, 102))

	taker := ownBuy("b1", 5, 20, 200)
	res, err := e.MatchOrAddOwnOrder(taker, false)
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}

	matched := totalMatched(res.Matches)
	var remaining int64
	if res.Remaining != nil {
		remaining = res.Remaining.AbsQuantity()
	}
	if matched+remaining != 20 {
		t.Errorf("matched %d + remaining %d != initial 20", matched, remaining)
	}
	// s3 at price 6 does not cross a buy at 5.
	if matched != 10 {
		t.Errorf("matched = %d, want 10", matched)
	}
	for _, m := range res.Matches {
		if m.Taker.Price < m.Maker.Price {
			t.Errorf("match crosses %v < %v", m.Taker.Price, m.Maker.Price)
		}
	}
}

func TestMarketOrderCrossesAnyPrice(t *testing.T) {
	e := NewMatchingEngine("LTC/BTC")
	e.AddPeerOrder(peerSell("s1", 9000, 5, 100))

	taker := ownBuy("b1", MarketBuyPrice, 5, 200)
	res, err := e.MatchOrAddOwnOrder(taker, true)
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}
	if got := totalMatched(res.Matches); got != 5 {
		t.Errorf("total matched = %d, want 5", got)
	}
}

func TestNoCrossLeavesBookUntouched(t *testing.T) {
	e := NewMatchingEngine("LTC/BTC")
	e.AddPeerOrder(peerSell("s1", 6, 5, 100))

	res, err := e.MatchOrAddOwnOrder(ownBuy("b1", 5, 5, 200), false)
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}
	if len(res.Matches) != 0 {
		t.Errorf("got %d matches, want 0", len(res.Matches))
	}
	if res.Remaining == nil || res.Remaining.Quantity != 5 {
		t.Errorf("remaining = %+v, want full buy enqueued", res.Remaining)
	}
	if head := e.sells.peek(); head == nil || head.Quantity != -5 {
		t.Errorf("sell head = %+v, want untouched", head)
	}
}

func TestInvalidSplit(t *testing.T) {
	o := peerSell("s1", 5, 5, 100)
	if _, err := o.split(6); !errors.Is(err, ErrInvalidSplit) {
		t.Errorf("split error = %v, want ErrInvalidSplit", err)
	}

	portion, err := o.split(2)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	if portion.Quantity != -2 || o.Quantity != -3 {
		t.Errorf("portion = %d, rest = %d, want -2 and -3", portion.Quantity, o.Quantity)
	}
	if portion.ID != o.ID || portion.Price != o.Price || portion.CreatedAt != o.CreatedAt {
		t.Error("split portion must keep id, price, and createdAt")
	}
}

func TestRemovePeerOrderDecrement(t *testing.T) {
	e := NewMatchingEngine("LTC/BTC")
	e.AddPeerOrder(peerSell("s1", 5, 10, 100))

	portion := e.RemovePeerOrder("s1", 4)
	if portion == nil || portion.AbsQuantity() != 4 {
		t.Fatalf("removed portion = %+v, want qty 4", portion)
	}
	if head := e.sells.peek(); head == nil || head.Quantity != -6 {
		t.Errorf("sell head = %+v, want qty -6", head)
	}

	// Decrementing at or above the open quantity removes the order.
	removed := e.RemovePeerOrder("s1", 6)
	if removed == nil || removed.AbsQuantity() != 6 {
		t.Fatalf("removed = %+v, want qty 6", removed)
	}
	if e.sells.peek() != nil {
		t.Error("sell queue should be empty")
	}

	if e.RemovePeerOrder("s1", 0) != nil {
		t.Error("removing a missing order should return nil")
	}
}

func TestRemovePeerOrdersByPredicate(t *testing.T) {
	e := NewMatchingEngine("LTC/BTC")
	a := peerSell("s1", 5, 5, 100)
	b := peerSell("s2", 6, 5, 101)
	b.PeerPubKey = "03other"
	e.AddPeerOrder(a)
	e.AddPeerOrder(b)
	e.addOwnOrder(ownBuy("b1", 4, 5, 102))

	removed := e.RemovePeerOrders(func(o *Order) bool { return o.PeerPubKey == "02peer" })
	if len(removed) != 1 || removed[0].ID != "s1" {
		t.Fatalf("removed = %+v, want only s1", removed)
	}
	// Own orders and other peers' orders stay.
	if e.sells.get("s2") == nil {
		t.Error("s2 should remain")
	}
	if e.buys.get("b1") == nil {
		t.Error("own order should remain")
	}
}
