package swap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opendex-network/opendexd/internal/config"
	"github.com/opendex-network/opendexd/internal/orderbook"
	"github.com/opendex-network/opendexd/internal/p2p"
	"github.com/opendex-network/opendexd/internal/storage"
)

// mockInvoice is a hold invoice tracked by a mock client.
type mockInvoice struct {
	amount   uint64
	settled  chan string
	canceled chan struct{}
	once     sync.Once
}

// mockClient simulates one currency's payment network between two nodes.
// Payments sent through it land on the linked peer client's invoices.
type mockClient struct {
	currency string
	dest     string
	peer     *mockClient

	mu           sync.Mutex
	invoices     map[string]*mockInvoice
	sent         map[string]PaymentStatus
	sentPreimage map[string]string
	failPayments bool

	accepted chan HtlcAccepted
}

func newMockClient(currency, dest string) *mockClient {
	return &mockClient{
		currency:     currency,
		dest:         dest,
		invoices:     make(map[string]*mockInvoice),
		sent:         make(map[string]PaymentStatus),
		sentPreimage: make(map[string]string),
		accepted:     make(chan HtlcAccepted, 16),
	}
}

func linkClients(a, b *mockClient) {
	a.peer = b
	b.peer = a
}

func (m *mockClient) Start(ctx context.Context) error { return nil }
func (m *mockClient) Close() error                    { return nil }
func (m *mockClient) Status() ClientStatus            { return ClientConnectionVerified }
func (m *mockClient) Currencies() []string            { return []string{m.currency} }

func (m *mockClient) Destination(ctx context.Context, currency string) (string, error) {
	return m.dest, nil
}

func (m *mockClient) AddInvoice(ctx context.Context, rHash, currency string, amount uint64, cltvExpiry uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoices[rHash] = &mockInvoice{
		amount:   amount,
		settled:  make(chan string, 1),
		canceled: make(chan struct{}),
	}
	return nil
}

func (m *mockClient) invoice(rHash string) *mockInvoice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invoices[rHash]
}

func (m *mockClient) SettleInvoice(ctx context.Context, rHash, rPreimage string) error {
	inv := m.invoice(rHash)
	if inv == nil {
		return ErrInvoiceNotFound
	}
	if !verifyPreimage(rPreimage, rHash) {
		return errors.New("preimage does not match hash")
	}
	inv.once.Do(func() { inv.settled <- rPreimage })
	return nil
}

func (m *mockClient) RemoveInvoice(ctx context.Context, rHash string) error {
	inv := m.invoice(rHash)
	if inv == nil {
		return nil
	}
	inv.once.Do(func() { close(inv.canceled) })
	return nil
}

func (m *mockClient) SendPayment(ctx context.Context, req SendPaymentRequest) (string, error) {
	m.mu.Lock()
	fail := m.failPayments
	m.mu.Unlock()
	if fail {
		m.recordPayment(req.RHash, PaymentFailed, "")
		return "", &FinalPaymentError{Err: errors.New("forced payment failure")}
	}
	if m.peer == nil {
		return "", &FinalPaymentError{Err: errors.New("no route")}
	}

	inv := m.peer.invoice(req.RHash)
	if inv == nil || inv.amount != req.Amount {
		m.recordPayment(req.RHash, PaymentFailed, "")
		return "", &FinalPaymentError{Err: errors.New("no invoice for payment")}
	}

	m.recordPayment(req.RHash, PaymentPending, "")
	m.peer.accepted <- HtlcAccepted{RHash: req.RHash, Currency: m.currency, Amount: req.Amount}

	select {
	case preimage := <-inv.settled:
		m.recordPayment(req.RHash, PaymentSucceeded, preimage)
		return preimage, nil
	case <-inv.canceled:
		m.recordPayment(req.RHash, PaymentFailed, "")
		return "", &FinalPaymentError{Err: errors.New("payment canceled")}
	case <-ctx.Done():
		return "", &UnknownPaymentError{Err: ctx.Err()}
	}
}

func (m *mockClient) recordPayment(rHash string, status PaymentStatus, preimage string) {
	m.mu.Lock()
	m.sent[rHash] = status
	m.sentPreimage[rHash] = preimage
	m.mu.Unlock()
}

func (m *mockClient) LookupPayment(ctx context.Context, rHash, currency string) (PaymentStatus, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.sent[rHash]
	if !ok {
		return PaymentNonExistent, "", nil
	}
	return status, m.sentPreimage[rHash], nil
}

func (m *mockClient) ChannelBalance(ctx context.Context, currency string) (ChannelBalance, error) {
	return ChannelBalance{Local: 1_000_000, Remote: 1_000_000}, nil
}

func (m *mockClient) OpenChannel(ctx context.Context, req OpenChannelRequest) error { return nil }

func (m *mockClient) CloseChannel(ctx context.Context, req CloseChannelRequest) error { return nil }

func (m *mockClient) Deposit(ctx context.Context, currency string) (string, error) {
	return "mock-deposit-address", nil
}

func (m *mockClient) HtlcAccepted() <-chan HtlcAccepted { return m.accepted }

// mockBook tracks one own order and its hold.
type mockBook struct {
	mu      sync.Mutex
	orders  map[string]*orderbook.Order
	settled map[string]int64
}

func newMockBook() *mockBook {
	return &mockBook{
		orders:  make(map[string]*orderbook.Order),
		settled: make(map[string]int64),
	}
}

func (b *mockBook) addOrder(o *orderbook.Order) {
	b.mu.Lock()
	b.orders[o.ID] = o
	b.mu.Unlock()
}

func (b *mockBook) GetOwnOrder(pairID, orderID string) (orderbook.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return orderbook.Order{}, orderbook.ErrOrderNotFound
	}
	return *o, nil
}

func (b *mockBook) ReserveHold(pairID, orderID string, quantity int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return orderbook.ErrOrderNotFound
	}
	if o.AbsQuantity()-o.Hold < quantity {
		return orderbook.ErrQuantityUnavailable
	}
	o.Hold += quantity
	return nil
}

func (b *mockBook) ReleaseHold(pairID, orderID string, quantity int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return orderbook.ErrOrderNotFound
	}
	if o.Hold < quantity {
		return orderbook.ErrInsufficientHold
	}
	o.Hold -= quantity
	return nil
}

func (b *mockBook) SettleOwnOrder(pairID, orderID string, quantity int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return orderbook.ErrOrderNotFound
	}
	if o.Hold < quantity {
		return orderbook.ErrInsufficientHold
	}
	o.Hold -= quantity
	b.settled[orderID] += quantity
	return nil
}

func (b *mockBook) hold(orderID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if o, ok := b.orders[orderID]; ok {
		return o.Hold
	}
	return 0
}

func (b *mockBook) settledQuantity(orderID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settled[orderID]
}

// testNode is one side of a two-node swap harness.
type testNode struct {
	pubKey string
	swaps  *Swaps
	book   *mockBook
	store  *storage.Storage
}

// mockPool routes swap packets between two test nodes in-process.
type mockPool struct {
	self  string
	nodes map[string]*testNode
	dests map[string]map[string]string

	mu     sync.Mutex
	events []p2p.ReputationEvent
}

func (p *mockPool) SendPacket(pubKey string, pkt *p2p.Packet) error {
	node, ok := p.nodes[pubKey]
	if !ok {
		return fmt.Errorf("unknown peer %s", pubKey)
	}
	go node.swaps.HandlePacket(p.self, pkt)
	return nil
}

func (p *mockPool) PeerDestination(pubKey, currency string) (string, error) {
	dest, ok := p.dests[pubKey][currency]
	if !ok {
		return "", fmt.Errorf("no destination for %s/%s", pubKey, currency)
	}
	return dest, nil
}

func (p *mockPool) AddReputationEvent(pubKey string, event p2p.ReputationEvent) {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
}

func testSwapsConfig() *config.SwapsConfig {
	return &config.SwapsConfig{
		CompletionTimeout: 5 * time.Second,
		RecoveryInterval:  time.Hour,
	}
}

// newSwapHarness wires a maker and a taker node with linked mock clients
// for the LTC/BTC pair.
func newSwapHarness(t *testing.T, makerCltv, takerCltv uint32) (maker, taker *testNode, clients map[string]map[string]*mockClient) {
	t.Helper()

	nodes := map[string]*testNode{}
	dests := map[string]map[string]string{
		"maker": {"LTC": "maker-ltc", "BTC": "maker-btc"},
		"taker": {"LTC": "taker-ltc", "BTC": "taker-btc"},
	}

	clients = map[string]map[string]*mockClient{
		"maker": {
			"LTC": newMockClient("LTC", "maker-ltc"),
			"BTC": newMockClient("BTC", "maker-btc"),
		},
		"taker": {
			"LTC": newMockClient("LTC", "taker-ltc"),
			"BTC": newMockClient("BTC", "taker-btc"),
		},
	}
	linkClients(clients["maker"]["LTC"], clients["taker"]["LTC"])
	linkClients(clients["maker"]["BTC"], clients["taker"]["BTC"])

	for _, name := range []string{"maker", "taker"} {
		store, err := storage.New(&storage.Config{})
		if err != nil {
			t.Fatalf("storage.New: %v", err)
		}
		t.Cleanup(func() { store.Close() })

		book := newMockBook()
		pool := &mockPool{self: name, nodes: nodes, dests: dests}
		sw := New(testSwapsConfig(), store, book, pool)

		cltv := makerCltv
		if name == "taker" {
			cltv = takerCltv
		}
		sw.RegisterClient(clients[name]["LTC"], cltv)
		sw.RegisterClient(clients[name]["BTC"], cltv)

		if err := sw.Start(context.Background()); err != nil {
			t.Fatalf("swaps.Start: %v", err)
		}
		t.Cleanup(func() { sw.Close() })

		nodes[name] = &testNode{pubKey: name, swaps: sw, book: book, store: store}
	}

	return nodes["maker"], nodes["taker"], clients
}

// makerSellOrder is a resting sell of 1000 LTC units at 0.02 BTC each.
func makerSellOrder() *orderbook.Order {
	return &orderbook.Order{
		ID:       "maker-order",
		PairID:   "LTC/BTC",
		Price:    0.02,
		Quantity: -1000,
		IsOwn:    true,
		LocalID:  "maker-local",
	}
}

func takerMatch(peerPubKey string) (*orderbook.Order, *orderbook.Order) {
	maker := makerSellOrder()
	maker.IsOwn = false
	maker.PeerPubKey = peerPubKey
	taker := &orderbook.Order{
		ID:       "taker-order",
		PairID:   "LTC/BTC",
		Price:    0.02,
		Quantity: 1000,
		IsOwn:    true,
		LocalID:  "taker-local",
	}
	return maker, taker
}

func TestSwapCompletes(t *testing.T) {
	makerNode, takerNode, clients := newSwapHarness(t, 40, 400)
	makerNode.book.addOrder(makerSellOrder())

	makerOrder, takerOrder := takerMatch("maker")
	if err := takerNode.swaps.ExecuteSwap(makerOrder, takerOrder); err != nil {
		t.Fatalf("ExecuteSwap: %v", err)
	}

	// The maker settles asynchronously after its payment completes.
	waitFor(t, func() bool { return makerNode.book.settledQuantity("maker-order") == 1000 },
		"maker order settle")
	if hold := makerNode.book.hold("maker-order"); hold != 0 {
		t.Errorf("maker hold = %d after completion, want 0", hold)
	}

	// Both legs were locked to the same preimage.
	takerDeals, err := takerNode.store.ListDealsByState(uint8(StateCompleted))
	if err != nil || len(takerDeals) != 1 {
		t.Fatalf("taker completed deals = %d (err %v), want 1", len(takerDeals), err)
	}
	var makerDeals []*storage.SwapDeal
	waitFor(t, func() bool {
		makerDeals, _ = makerNode.store.ListDealsByState(uint8(StateCompleted))
		return len(makerDeals) == 1
	}, "maker deal completion")

	preimage := takerDeals[0].RPreimage
	raw, err := hex.DecodeString(preimage)
	if err != nil {
		t.Fatalf("preimage not hex: %v", err)
	}
	hash := sha256.Sum256(raw)
	if hex.EncodeToString(hash[:]) != takerDeals[0].RHash {
		t.Error("preimage does not hash to rHash")
	}
	if makerDeals[0].RHash != takerDeals[0].RHash {
		t.Error("maker and taker deals disagree on rHash")
	}
	if makerDeals[0].RPreimage != preimage {
		t.Error("maker recovered a different preimage")
	}

	// Amounts follow price and quantity: 1000 LTC against 20 BTC units.
	if makerDeals[0].MakerAmount != 1000 || makerDeals[0].MakerCurrency != "LTC" {
		t.Errorf("maker leg = %d %s", makerDeals[0].MakerAmount, makerDeals[0].MakerCurrency)
	}
	if makerDeals[0].TakerAmount != 20 || makerDeals[0].TakerCurrency != "BTC" {
		t.Errorf("taker leg = %d %s", makerDeals[0].TakerAmount, makerDeals[0].TakerCurrency)
	}
	_ = clients
}

func TestSwapRejectedWhenOrderMissing(t *testing.T) {
	_, takerNode, _ := newSwapHarness(t, 40, 400)

	makerOrder, takerOrder := takerMatch("maker")
	makerOrder.ID = "no-such-order"
	err := takerNode.swaps.ExecuteSwap(makerOrder, takerOrder)
	if !errors.Is(err, ErrSwapFailed) {
		t.Fatalf("err = %v, want ErrSwapFailed", err)
	}
}

func TestSwapRejectedOnTightTimelock(t *testing.T) {
	makerNode, takerNode, _ := newSwapHarness(t, 40, 100)
	makerNode.book.addOrder(makerSellOrder())

	// 100 <= 40 + margin, so the maker cannot safely take the deal.
	makerOrder, takerOrder := takerMatch("maker")
	err := takerNode.swaps.ExecuteSwap(makerOrder, takerOrder)
	if !errors.Is(err, ErrSwapFailed) {
		t.Fatalf("err = %v, want ErrSwapFailed", err)
	}
	if hold := makerNode.book.hold("maker-order"); hold != 0 {
		t.Errorf("maker hold = %d after rejection, want 0", hold)
	}
}

func TestSwapPaymentFailureReleasesHold(t *testing.T) {
	makerNode, takerNode, clients := newSwapHarness(t, 40, 400)
	makerNode.book.addOrder(makerSellOrder())
	clients["maker"]["LTC"].failPayments = true

	makerOrder, takerOrder := takerMatch("maker")
	err := takerNode.swaps.ExecuteSwap(makerOrder, takerOrder)
	if !errors.Is(err, ErrSwapFailed) {
		t.Fatalf("err = %v, want ErrSwapFailed", err)
	}

	waitFor(t, func() bool { return makerNode.book.hold("maker-order") == 0 },
		"hold release after payment failure")
	if settled := makerNode.book.settledQuantity("maker-order"); settled != 0 {
		t.Errorf("settled = %d after failure, want 0", settled)
	}
}

func TestSwapRejectedOnExcessiveQuantity(t *testing.T) {
	makerNode, takerNode, _ := newSwapHarness(t, 40, 400)
	makerNode.book.addOrder(makerSellOrder())

	makerOrder, takerOrder := takerMatch("maker")
	takerOrder.Quantity = 5000
	err := takerNode.swaps.ExecuteSwap(makerOrder, takerOrder)
	if !errors.Is(err, ErrSwapFailed) {
		t.Fatalf("err = %v, want ErrSwapFailed", err)
	}
}

func TestSwapAmounts(t *testing.T) {
	tests := []struct {
		name      string
		takerBuys bool
		wantMakerCur, wantTakerCur string
		wantMakerAmt, wantTakerAmt uint64
	}{
		{"taker buys base", true, "LTC", "BTC", 1000, 20},
		{"taker sells base", false, "BTC", "LTC", 20, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			makerCur, takerCur, makerAmt, takerAmt, err := swapAmounts("LTC/BTC", 0.02, 1000, tt.takerBuys)
			if err != nil {
				t.Fatalf("swapAmounts: %v", err)
			}
			if makerCur != tt.wantMakerCur || takerCur != tt.wantTakerCur {
				t.Errorf("currencies = %s/%s, want %s/%s", makerCur, takerCur, tt.wantMakerCur, tt.wantTakerCur)
			}
			if makerAmt != tt.wantMakerAmt || takerAmt != tt.wantTakerAmt {
				t.Errorf("amounts = %d/%d, want %d/%d", makerAmt, takerAmt, tt.wantMakerAmt, tt.wantTakerAmt)
			}
		})
	}

	if _, _, _, _, err := swapAmounts("LTCBTC", 0.02, 1000, true); !errors.Is(err, ErrInvalidPair) {
		t.Errorf("err = %v, want ErrInvalidPair", err)
	}
	if _, _, _, _, err := swapAmounts("LTC/BTC", 0, 1000, true); err == nil {
		t.Error("expected error for zero price")
	}
}

func TestPreimageHelpers(t *testing.T) {
	preimage, rHash, err := newPreimage()
	if err != nil {
		t.Fatalf("newPreimage: %v", err)
	}
	if len(preimage) != 64 || len(rHash) != 64 {
		t.Errorf("lengths = %d/%d, want 64/64", len(preimage), len(rHash))
	}
	if !verifyPreimage(preimage, rHash) {
		t.Error("generated preimage does not verify")
	}
	if verifyPreimage(preimage, rHash[:62]+"ff") {
		t.Error("wrong hash verified")
	}
	if verifyPreimage("zz", rHash) {
		t.Error("non-hex preimage verified")
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
