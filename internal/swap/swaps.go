package swap

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/opendex-network/opendexd/internal/config"
	"github.com/opendex-network/opendexd/internal/orderbook"
	"github.com/opendex-network/opendexd/internal/p2p"
	"github.com/opendex-network/opendexd/internal/storage"
	"github.com/opendex-network/opendexd/pkg/logging"
)

// Swap errors
var (
	ErrDealNotFound   = errors.New("swap deal not found")
	ErrInvalidPair    = errors.New("invalid pair id")
	ErrSwapFailed     = errors.New("swap failed")
	ErrQuantityMismatch = errors.New("accepted quantity does not match proposal")
)

// cltvDeltaMargin is the number of blocks the taker's timelock must exceed
// the maker's by, so the maker has time to claim its incoming leg after the
// preimage is revealed.
const cltvDeltaMargin = 144

// OrderBook is what the swap engine needs from the order book: hold
// management for resting maker orders.
type OrderBook interface {
	GetOwnOrder(pairID, orderID string) (orderbook.Order, error)
	ReserveHold(pairID, orderID string, quantity int64) error
	ReleaseHold(pairID, orderID string, quantity int64) error
	SettleOwnOrder(pairID, orderID string, quantity int64) error
}

// PeerPool is what the swap engine needs from the p2p layer.
type PeerPool interface {
	// SendPacket delivers a packet to a connected peer.
	SendPacket(pubKey string, pkt *p2p.Packet) error

	// PeerDestination returns a peer's advertised payment destination for
	// a currency.
	PeerDestination(pubKey, currency string) (string, error)

	AddReputationEvent(pubKey string, event p2p.ReputationEvent)
}

// Result reports a finished swap.
type Result struct {
	RHash      string
	OrderID    string
	PairID     string
	PeerPubKey string
	Quantity   int64
	Role       Role
	Success    bool
	Failure    FailureReason
}

// Swaps drives atomic swaps for matched orders. It implements the order
// book's swap executor on the taker side and answers peers' swap packets on
// the maker side.
type Swaps struct {
	cfg   *config.SwapsConfig
	store *storage.Storage
	book  OrderBook
	pool  PeerPool
	log   *logging.Logger

	clientMu   sync.RWMutex
	clients    map[string]SwapClient
	cltvDeltas map[string]uint32

	mu    sync.Mutex
	deals map[string]*Deal

	results chan Result

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the swap engine.
func New(cfg *config.SwapsConfig, store *storage.Storage, book OrderBook, pool PeerPool) *Swaps {
	return &Swaps{
		cfg:        cfg,
		store:      store,
		book:       book,
		pool:       pool,
		log:        logging.GetDefault().Component("swaps"),
		clients:    make(map[string]SwapClient),
		cltvDeltas: make(map[string]uint32),
		deals:      make(map[string]*Deal),
		results:    make(chan Result, 64),
	}
}

// RegisterClient adds a swap client for the currencies it serves.
// cltvDelta is the timelock delta we require on incoming payments in those
// currencies.
func (s *Swaps) RegisterClient(client SwapClient, cltvDelta uint32) {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	for _, currency := range client.Currencies() {
		s.clients[currency] = client
		s.cltvDeltas[currency] = cltvDelta
	}
}

// ClientForCurrency returns the swap client serving a currency.
func (s *Swaps) ClientForCurrency(currency string) (SwapClient, error) {
	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	client, ok := s.clients[currency]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClientNotFound, currency)
	}
	return client, nil
}

// ChannelBalance returns the trading balance for a currency.
func (s *Swaps) ChannelBalance(ctx context.Context, currency string) (ChannelBalance, error) {
	client, err := s.ClientForCurrency(currency)
	if err != nil {
		return ChannelBalance{}, err
	}
	return client.ChannelBalance(ctx, currency)
}

// OpenChannel opens a channel for the request's currency.
func (s *Swaps) OpenChannel(ctx context.Context, req OpenChannelRequest) error {
	client, err := s.ClientForCurrency(req.Currency)
	if err != nil {
		return err
	}
	return client.OpenChannel(ctx, req)
}

// CloseChannel closes channels for the request's currency.
func (s *Swaps) CloseChannel(ctx context.Context, req CloseChannelRequest) error {
	client, err := s.ClientForCurrency(req.Currency)
	if err != nil {
		return err
	}
	return client.CloseChannel(ctx, req)
}

// Deposit returns an address for depositing funds toward a currency's
// channels.
func (s *Swaps) Deposit(ctx context.Context, currency string) (string, error) {
	client, err := s.ClientForCurrency(currency)
	if err != nil {
		return "", err
	}
	return client.Deposit(ctx, currency)
}

// CltvDelta returns the timelock delta we require for a currency.
func (s *Swaps) CltvDelta(currency string) uint32 {
	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	return s.cltvDeltas[currency]
}

// Destinations returns our payment destination per currency, for the
// handshake.
func (s *Swaps) Destinations(ctx context.Context) map[string]string {
	s.clientMu.RLock()
	clients := make(map[string]SwapClient, len(s.clients))
	for currency, client := range s.clients {
		clients[currency] = client
	}
	s.clientMu.RUnlock()

	dests := make(map[string]string)
	for currency, client := range clients {
		dest, err := client.Destination(ctx, currency)
		if err != nil {
			continue
		}
		dests[currency] = dest
	}
	return dests
}

// Start launches the htlc consumers and the recovery loop.
func (s *Swaps) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.clientMu.RLock()
	seen := make(map[SwapClient]bool)
	for _, client := range s.clients {
		if seen[client] {
			continue
		}
		seen[client] = true
		s.wg.Add(1)
		go s.consumeHtlcEvents(client)
	}
	s.clientMu.RUnlock()

	s.wg.Add(1)
	go s.recoveryLoop()
	return nil
}

// Close stops the swap engine.
func (s *Swaps) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return nil
}

// Results delivers finished swaps.
func (s *Swaps) Results() <-chan Result {
	return s.results
}

func (s *Swaps) consumeHtlcEvents(client SwapClient) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-client.HtlcAccepted():
			s.onHtlcAccepted(ev)
		}
	}
}

// ExecuteSwap runs a swap for one match as the taker. It blocks until the
// swap completes or fails.
func (s *Swaps) ExecuteSwap(maker, taker *orderbook.Order) error {
	quantity := taker.AbsQuantity()

	makerCurrency, takerCurrency, makerAmount, takerAmount, err := swapAmounts(
		maker.PairID, maker.Price, quantity, taker.IsBuy())
	if err != nil {
		return err
	}
	if _, err := s.ClientForCurrency(makerCurrency); err != nil {
		return err
	}
	if _, err := s.ClientForCurrency(takerCurrency); err != nil {
		return err
	}

	destination, err := s.pool.PeerDestination(maker.PeerPubKey, takerCurrency)
	if err != nil {
		return fmt.Errorf("maker has no %s destination: %w", takerCurrency, err)
	}

	preimage, rHash, err := newPreimage()
	if err != nil {
		return err
	}

	deal := newDeal(rHash, RoleTaker)
	deal.RPreimage = preimage
	deal.OrderID = maker.ID
	deal.LocalOrderID = taker.LocalID
	deal.PairID = maker.PairID
	deal.Quantity = quantity
	deal.MakerCurrency = makerCurrency
	deal.TakerCurrency = takerCurrency
	deal.MakerAmount = makerAmount
	deal.TakerAmount = takerAmount
	deal.TakerCltvDelta = s.CltvDelta(makerCurrency)
	deal.PeerPubKey = maker.PeerPubKey
	deal.Destination = destination

	s.mu.Lock()
	s.deals[rHash] = deal
	s.mu.Unlock()
	if err := s.saveDeal(deal); err != nil {
		return err
	}

	// Our incoming leg must be ready before the maker pays it.
	receiveClient, _ := s.ClientForCurrency(makerCurrency)
	ctx, cancelInvoice := context.WithTimeout(s.ctx, s.cfg.CompletionTimeout)
	err = receiveClient.AddInvoice(ctx, rHash, makerCurrency, makerAmount, deal.TakerCltvDelta)
	cancelInvoice()
	if err != nil {
		s.removeDeal(deal)
		return fmt.Errorf("failed to prepare incoming leg: %w", err)
	}

	pkt, err := p2p.NewPacket(p2p.PacketSwapRequest, &p2p.SwapRequestBody{
		RHash:          rHash,
		OrderID:        maker.ID,
		PairID:         maker.PairID,
		Quantity:       quantity,
		TakerCltvDelta: deal.TakerCltvDelta,
	})
	if err != nil {
		return err
	}
	if err := s.pool.SendPacket(maker.PeerPubKey, pkt); err != nil {
		s.failDeal(deal, FailureRemoteError, err.Error(), false)
		return err
	}
	s.setPhase(deal, PhaseSwapRequested)

	// Wait for the maker's answer, then for the deal to run to a terminal
	// state. The payment legs are driven by htlc events.
	select {
	case accepted := <-deal.accepted:
		if accepted.quantity != quantity {
			s.failDeal(deal, FailureInvalidSwapRequest,
				fmt.Sprintf("accepted quantity %d != proposed %d", accepted.quantity, quantity), true)
			return ErrQuantityMismatch
		}
		deal.MakerCltvDelta = accepted.makerCltvDelta
		s.setPhase(deal, PhaseSwapAccepted)
	case <-deal.done:
		return deal.err
	case <-time.After(s.cfg.CompletionTimeout):
		s.failDeal(deal, FailureDealTimedOut, "peer did not accept in time", true)
		s.pool.AddReputationEvent(deal.PeerPubKey, p2p.ReputationSwapTimeout)
		return fmt.Errorf("%w: %s", ErrSwapFailed, FailureDealTimedOut)
	}

	select {
	case <-deal.done:
		return deal.err
	case <-time.After(s.cfg.CompletionTimeout):
		s.handleDealTimeout(deal)
		<-deal.done
		return deal.err
	}
}

// HandlePacket processes a swap packet received from a peer.
func (s *Swaps) HandlePacket(peerPubKey string, pkt *p2p.Packet) {
	switch pkt.Type {
	case p2p.PacketSwapRequest:
		var body p2p.SwapRequestBody
		if err := pkt.DecodeBody(&body); err != nil {
			s.pool.AddReputationEvent(peerPubKey, p2p.ReputationMalformedPacket)
			return
		}
		s.handleSwapRequest(peerPubKey, &body)
	case p2p.PacketSwapAccepted:
		var body p2p.SwapAcceptedBody
		if err := pkt.DecodeBody(&body); err != nil {
			s.pool.AddReputationEvent(peerPubKey, p2p.ReputationMalformedPacket)
			return
		}
		s.handleSwapAccepted(peerPubKey, &body)
	case p2p.PacketSwapFailed:
		var body p2p.SwapFailedBody
		if err := pkt.DecodeBody(&body); err != nil {
			return
		}
		s.handleSwapFailed(peerPubKey, &body)
	case p2p.PacketSwapComplete:
		var body p2p.SwapCompleteBody
		if err := pkt.DecodeBody(&body); err != nil {
			return
		}
		s.log.Debug("peer reported swap complete", "rHash", body.RHash, "peer", peerPubKey)
	}
}

// handleSwapRequest validates a proposed swap against our resting order
// and, when acceptable, reserves the quantity and starts the first payment
// leg as the maker.
func (s *Swaps) handleSwapRequest(peerPubKey string, body *p2p.SwapRequestBody) {
	fail := func(reason FailureReason, msg string) {
		s.log.Debug("rejecting swap request",
			"rHash", body.RHash, "peer", peerPubKey, "reason", reason, "error", msg)
		s.sendSwapFailed(peerPubKey, body.RHash, reason, msg)
	}

	if body.Quantity <= 0 {
		fail(FailureInvalidSwapRequest, "proposed quantity must be positive")
		s.pool.AddReputationEvent(peerPubKey, p2p.ReputationInvalidOrder)
		return
	}

	order, err := s.book.GetOwnOrder(body.PairID, body.OrderID)
	if err != nil {
		fail(FailureOrderNotFound, err.Error())
		return
	}
	if order.AbsQuantity()-order.Hold < body.Quantity {
		fail(FailureOrderOnHold, "insufficient open quantity")
		return
	}

	// The taker bought whatever our order sells.
	takerBuys := !order.IsBuy()
	makerCurrency, takerCurrency, makerAmount, takerAmount, err := swapAmounts(
		body.PairID, order.Price, body.Quantity, takerBuys)
	if err != nil {
		fail(FailureInvalidSwapRequest, err.Error())
		return
	}

	sendClient, err := s.ClientForCurrency(makerCurrency)
	if err != nil {
		fail(FailureSwapClientNotSetup, err.Error())
		return
	}
	receiveClient, err := s.ClientForCurrency(takerCurrency)
	if err != nil {
		fail(FailureSwapClientNotSetup, err.Error())
		return
	}

	makerCltvDelta := s.CltvDelta(takerCurrency)
	if body.TakerCltvDelta <= makerCltvDelta+cltvDeltaMargin {
		fail(FailureInvalidSwapRequest,
			fmt.Sprintf("taker cltv delta %d leaves no margin over %d", body.TakerCltvDelta, makerCltvDelta))
		return
	}

	destination, err := s.pool.PeerDestination(peerPubKey, makerCurrency)
	if err != nil {
		fail(FailureInvalidSwapRequest, fmt.Sprintf("no %s destination for peer", makerCurrency))
		return
	}

	if err := s.book.ReserveHold(body.PairID, body.OrderID, body.Quantity); err != nil {
		fail(FailureOrderOnHold, err.Error())
		return
	}

	deal := newDeal(body.RHash, RoleMaker)
	deal.OrderID = body.OrderID
	deal.LocalOrderID = order.LocalID
	deal.PairID = body.PairID
	deal.Quantity = body.Quantity
	deal.MakerCurrency = makerCurrency
	deal.TakerCurrency = takerCurrency
	deal.MakerAmount = makerAmount
	deal.TakerAmount = takerAmount
	deal.MakerCltvDelta = makerCltvDelta
	deal.TakerCltvDelta = body.TakerCltvDelta
	deal.PeerPubKey = peerPubKey
	deal.Destination = destination

	s.mu.Lock()
	s.deals[body.RHash] = deal
	s.mu.Unlock()
	if err := s.saveDeal(deal); err != nil {
		s.book.ReleaseHold(deal.PairID, deal.OrderID, deal.Quantity)
		s.removeDeal(deal)
		fail(FailureUnexpectedClientError, err.Error())
		return
	}

	// Our incoming leg. The taker pays it only after it received our
	// payment, so the invoice must exist before we pay.
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.CompletionTimeout)
	err = receiveClient.AddInvoice(ctx, deal.RHash, takerCurrency, takerAmount, makerCltvDelta)
	cancel()
	if err != nil {
		s.failDeal(deal, FailureUnexpectedClientError, err.Error(), true)
		return
	}

	pkt, err := p2p.NewPacket(p2p.PacketSwapAccepted, &p2p.SwapAcceptedBody{
		RHash:          deal.RHash,
		Quantity:       deal.Quantity,
		MakerCltvDelta: makerCltvDelta,
	})
	if err != nil {
		s.failDeal(deal, FailureUnexpectedClientError, err.Error(), true)
		return
	}
	if err := s.pool.SendPacket(peerPubKey, pkt); err != nil {
		s.failDeal(deal, FailureRemoteError, err.Error(), false)
		return
	}
	s.setPhase(deal, PhaseSwapAccepted)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sendMakerPayment(deal, sendClient)
	}()

	time.AfterFunc(s.cfg.CompletionTimeout, func() { s.handleDealTimeout(deal) })
}

// sendMakerPayment pays the first leg to the taker and settles our
// incoming leg with the preimage the completed payment reveals.
func (s *Swaps) sendMakerPayment(deal *Deal, client SwapClient) {
	s.setPhase(deal, PhaseSendingPayment)

	preimage, err := client.SendPayment(s.ctx, SendPaymentRequest{
		RHash:       deal.RHash,
		Destination: deal.Destination,
		Currency:    deal.MakerCurrency,
		Amount:      deal.MakerAmount,
		CltvLimit:   deal.TakerCltvDelta,
	})
	if err != nil {
		var unknownErr *UnknownPaymentError
		if errors.As(err, &unknownErr) {
			// Funds may be in flight. Never retry; recovery resolves
			// the outcome later.
			s.markForRecovery(deal, err.Error())
			return
		}
		s.failDeal(deal, FailureSendPaymentFailure, err.Error(), true)
		return
	}

	if !verifyPreimage(preimage, deal.RHash) {
		s.markForRecovery(deal, "payment returned preimage not matching rHash")
		return
	}
	deal.RPreimage = preimage

	receiveClient, err := s.ClientForCurrency(deal.TakerCurrency)
	if err != nil {
		s.markForRecovery(deal, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.CompletionTimeout)
	err = receiveClient.SettleInvoice(ctx, deal.RHash, preimage)
	cancel()
	if err != nil {
		// The preimage is durable in the deal record; recovery can
		// settle again.
		s.markForRecovery(deal, fmt.Sprintf("failed to settle incoming leg: %v", err))
		return
	}

	s.completeDeal(deal)
}

// handleSwapAccepted routes the maker's acceptance to the waiting taker.
func (s *Swaps) handleSwapAccepted(peerPubKey string, body *p2p.SwapAcceptedBody) {
	deal := s.deal(body.RHash)
	if deal == nil || deal.Role != RoleTaker || deal.PeerPubKey != peerPubKey {
		s.log.Debug("unsolicited swap accepted", "rHash", body.RHash, "peer", peerPubKey)
		return
	}
	select {
	case deal.accepted <- acceptedResult{quantity: body.Quantity, makerCltvDelta: body.MakerCltvDelta}:
	default:
	}
}

// handleSwapFailed fails the local deal for a failure reported by the
// counterparty.
func (s *Swaps) handleSwapFailed(peerPubKey string, body *p2p.SwapFailedBody) {
	deal := s.deal(body.RHash)
	if deal == nil || deal.PeerPubKey != peerPubKey {
		return
	}
	reason := FailureReason(body.Reason)
	if reason == "" {
		reason = FailureRemoteError
	}
	s.failDeal(deal, reason, body.ErrorMessage, false)
}

// onHtlcAccepted advances a deal when its incoming payment arrives.
func (s *Swaps) onHtlcAccepted(ev HtlcAccepted) {
	deal := s.deal(ev.RHash)
	if deal == nil {
		s.log.Debug("htlc accepted for unknown hash", "rHash", ev.RHash)
		return
	}

	currency, amount := deal.receiveCurrency()
	if ev.Currency != currency || ev.Amount < amount {
		s.log.Warn("incoming payment does not match deal",
			"rHash", ev.RHash, "currency", ev.Currency, "amount", ev.Amount)
		return
	}

	switch deal.Role {
	case RoleMaker:
		// The taker paid our leg back; settlement happens once our own
		// payment completes and reveals the preimage.
		s.setPhase(deal, PhasePaymentReceived)
	case RoleTaker:
		if deal.Phase != PhaseSwapAccepted {
			return
		}
		s.setPhase(deal, PhaseSendingPayment)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.sendTakerPayment(deal)
		}()
	}
}

// sendTakerPayment pays the second leg to the maker and settles our
// incoming first leg with the preimage we generated.
func (s *Swaps) sendTakerPayment(deal *Deal) {
	sendClient, err := s.ClientForCurrency(deal.TakerCurrency)
	if err != nil {
		s.failDeal(deal, FailureSwapClientNotSetup, err.Error(), true)
		return
	}
	receiveClient, err := s.ClientForCurrency(deal.MakerCurrency)
	if err != nil {
		s.failDeal(deal, FailureSwapClientNotSetup, err.Error(), true)
		return
	}

	// The outgoing payment completes only after the maker learns the
	// preimage from the leg we are about to settle, so it cannot be
	// awaited before settling.
	paymentDone := make(chan error, 1)
	go func() {
		_, err := sendClient.SendPayment(s.ctx, SendPaymentRequest{
			RHash:       deal.RHash,
			Destination: deal.Destination,
			Currency:    deal.TakerCurrency,
			Amount:      deal.TakerAmount,
			CltvLimit:   deal.MakerCltvDelta,
		})
		paymentDone <- err
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.CompletionTimeout)
	err = receiveClient.SettleInvoice(ctx, deal.RHash, deal.RPreimage)
	cancel()
	if err != nil {
		s.markForRecovery(deal, fmt.Sprintf("failed to settle incoming leg: %v", err))
		return
	}
	s.setPhase(deal, PhasePaymentReceived)

	select {
	case err := <-paymentDone:
		if err != nil {
			var unknownErr *UnknownPaymentError
			if errors.As(err, &unknownErr) {
				s.markForRecovery(deal, err.Error())
				return
			}
			// We already claimed the incoming leg; the deal is not a
			// clean failure either way.
			s.markForRecovery(deal, err.Error())
			return
		}
		s.completeDeal(deal)
	case <-s.ctx.Done():
		s.markForRecovery(deal, "shutdown while payment in flight")
	}
}

// handleDealTimeout fails a deal stuck in a pre-payment phase. Deals with a
// payment in flight are left for recovery.
func (s *Swaps) handleDealTimeout(deal *Deal) {
	select {
	case <-deal.done:
		return
	default:
	}

	switch deal.Phase {
	case PhaseSendingPayment, PhasePaymentReceived:
		s.markForRecovery(deal, "timed out with payment in flight")
	default:
		s.failDeal(deal, FailureDealTimedOut, "deal timed out", true)
		s.pool.AddReputationEvent(deal.PeerPubKey, p2p.ReputationSwapTimeout)
	}
}

// completeDeal finishes a successful swap: settles the maker hold, records
// the deal, and tells the peer.
func (s *Swaps) completeDeal(deal *Deal) {
	select {
	case <-deal.done:
		return
	default:
	}

	deal.Phase = PhaseSwapCompleted
	deal.State = StateCompleted
	now := time.Now()
	deal.CompletedAt = &now
	s.saveDeal(deal)

	if deal.Role == RoleMaker {
		if err := s.book.SettleOwnOrder(deal.PairID, deal.OrderID, deal.Quantity); err != nil {
			s.log.Error("failed to settle own order after swap",
				"rHash", deal.RHash, "orderId", deal.OrderID, "error", err)
		}
	}

	s.pool.AddReputationEvent(deal.PeerPubKey, p2p.ReputationSwapSuccess)

	if pkt, err := p2p.NewPacket(p2p.PacketSwapComplete, &p2p.SwapCompleteBody{RHash: deal.RHash}); err == nil {
		s.pool.SendPacket(deal.PeerPubKey, pkt)
	}

	s.log.Info("swap completed",
		"rHash", deal.RHash, "pair", deal.PairID, "quantity", deal.Quantity, "role", deal.Role)
	s.emitResult(deal, true)
	s.removeDeal(deal)
	deal.finish(nil)
}

// failDeal marks a deal failed, releases maker holds and the incoming
// invoice, and optionally notifies the peer.
func (s *Swaps) failDeal(deal *Deal, reason FailureReason, msg string, notifyPeer bool) {
	select {
	case <-deal.done:
		return
	default:
	}

	deal.State = StateError
	deal.FailureReason = reason
	deal.ErrorMessage = msg
	// The failure is resolved here: holds are released and the invoice
	// removed below. Recording the completion keeps recovery from
	// releasing the same hold again on its next pass.
	now := time.Now()
	deal.CompletedAt = &now
	s.saveDeal(deal)

	if deal.Role == RoleMaker {
		if err := s.book.ReleaseHold(deal.PairID, deal.OrderID, deal.Quantity); err != nil {
			s.log.Warn("failed to release hold",
				"rHash", deal.RHash, "orderId", deal.OrderID, "error", err)
		}
	}

	currency, _ := deal.receiveCurrency()
	if client, err := s.ClientForCurrency(currency); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		client.RemoveInvoice(ctx, deal.RHash)
		cancel()
	}

	if notifyPeer {
		s.sendSwapFailed(deal.PeerPubKey, deal.RHash, reason, msg)
	}

	s.log.Warn("swap failed",
		"rHash", deal.RHash, "pair", deal.PairID, "role", deal.Role, "reason", reason, "error", msg)
	s.emitResult(deal, false)
	s.removeDeal(deal)
	deal.finish(fmt.Errorf("%w: %s", ErrSwapFailed, reason))
}

// markForRecovery records a deal whose outcome is unknown. Nothing is
// released; the recovery loop resolves it from payment lookups.
func (s *Swaps) markForRecovery(deal *Deal, msg string) {
	select {
	case <-deal.done:
		return
	default:
	}

	deal.State = StateError
	deal.FailureReason = FailureUnknownError
	deal.ErrorMessage = msg
	s.saveDeal(deal)

	s.log.Warn("swap outcome unknown, deferred to recovery", "rHash", deal.RHash, "error", msg)
	s.removeDeal(deal)
	deal.finish(fmt.Errorf("%w: outcome unknown", ErrSwapFailed))
}

func (s *Swaps) sendSwapFailed(peerPubKey, rHash string, reason FailureReason, msg string) {
	pkt, err := p2p.NewPacket(p2p.PacketSwapFailed, &p2p.SwapFailedBody{
		RHash:        rHash,
		Reason:       string(reason),
		ErrorMessage: msg,
	})
	if err != nil {
		return
	}
	s.pool.SendPacket(peerPubKey, pkt)
}

func (s *Swaps) deal(rHash string) *Deal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deals[rHash]
}

func (s *Swaps) removeDeal(deal *Deal) {
	s.mu.Lock()
	delete(s.deals, deal.RHash)
	s.mu.Unlock()
}

func (s *Swaps) saveDeal(deal *Deal) error {
	if err := s.store.SaveDeal(deal.toStorage()); err != nil {
		s.log.Error("failed to persist deal", "rHash", deal.RHash, "error", err)
		return err
	}
	return nil
}

func (s *Swaps) setPhase(deal *Deal, phase Phase) {
	deal.Phase = phase
	s.saveDeal(deal)
	s.log.Debug("deal phase changed", "rHash", deal.RHash, "phase", phase, "role", deal.Role)
}

func (s *Swaps) emitResult(deal *Deal, success bool) {
	result := Result{
		RHash:      deal.RHash,
		OrderID:    deal.OrderID,
		PairID:     deal.PairID,
		PeerPubKey: deal.PeerPubKey,
		Quantity:   deal.Quantity,
		Role:       deal.Role,
		Success:    success,
		Failure:    deal.FailureReason,
	}
	select {
	case s.results <- result:
	default:
	}
}

// swapAmounts derives the currencies and amounts of both legs from the
// matched pair, price, and quantity. Quantity is in base currency units;
// price is quote per base. takerBuys means the taker receives the base
// currency.
func swapAmounts(pairID string, price float64, quantity int64, takerBuys bool) (
	makerCurrency, takerCurrency string, makerAmount, takerAmount uint64, err error) {

	base, quote, ok := strings.Cut(pairID, "/")
	if !ok || base == "" || quote == "" {
		return "", "", 0, 0, fmt.Errorf("%w: %q", ErrInvalidPair, pairID)
	}
	if price <= 0 || math.IsInf(price, 0) || math.IsNaN(price) {
		return "", "", 0, 0, fmt.Errorf("invalid execution price %v", price)
	}

	baseAmount := uint64(quantity)
	quoteAmount := uint64(math.Round(float64(quantity) * price))

	if takerBuys {
		// The maker sends base, the taker pays quote.
		return base, quote, baseAmount, quoteAmount, nil
	}
	return quote, base, quoteAmount, baseAmount, nil
}
