package swap

import (
	"context"
	"time"
)

// recoveryLoop periodically re-checks deals whose outcome was never
// resolved, including deals restored from a previous run.
func (s *Swaps) recoveryLoop() {
	defer s.wg.Done()

	// First pass right away so deals interrupted by a restart are picked
	// up without waiting a full interval.
	s.recoverPendingDeals()

	ticker := time.NewTicker(s.cfg.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.recoverPendingDeals()
		}
	}
}

// recoverPendingDeals resolves stored deals that never reached a terminal
// state. Every step is safe to repeat: settles and cancels of already
// resolved invoices are tolerated, and payments are never re-sent.
func (s *Swaps) recoverPendingDeals() {
	stored, err := s.store.ListDealsByState(uint8(StateActive), uint8(StateError))
	if err != nil {
		s.log.Error("failed to load pending deals", "error", err)
		return
	}

	for _, record := range stored {
		if record.CompletedAt != nil {
			continue
		}
		// Deals still driven by live goroutines are not recovery's
		// business.
		if s.deal(record.RHash) != nil {
			continue
		}

		deal := dealFromStorage(record)
		s.recoverDeal(deal)
	}
}

func (s *Swaps) recoverDeal(deal *Deal) {
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	sendCurrency, _ := deal.sendCurrency()
	client, err := s.ClientForCurrency(sendCurrency)
	if err != nil {
		s.log.Warn("cannot recover deal without swap client",
			"rHash", deal.RHash, "currency", sendCurrency)
		return
	}

	status, preimage, err := client.LookupPayment(ctx, deal.RHash, sendCurrency)
	if err != nil {
		s.log.Warn("payment lookup failed during recovery", "rHash", deal.RHash, "error", err)
		return
	}

	s.log.Info("recovering deal",
		"rHash", deal.RHash, "role", deal.Role, "phase", deal.Phase, "payment", status)

	switch status {
	case PaymentPending:
		// Still in flight; check again next interval.
		return
	case PaymentSucceeded:
		s.recoverSucceeded(ctx, deal, preimage)
	case PaymentFailed, PaymentNonExistent:
		s.recoverFailed(ctx, deal, status)
	}
}

// recoverSucceeded finishes a deal whose outgoing payment settled: the
// counterparty took our leg, so we claim ours.
func (s *Swaps) recoverSucceeded(ctx context.Context, deal *Deal, preimage string) {
	if deal.Role == RoleMaker {
		// Our payment revealed the taker's preimage; use it to settle
		// the leg held for us.
		if preimage == "" || !verifyPreimage(preimage, deal.RHash) {
			s.log.Error("recovered payment carries no usable preimage", "rHash", deal.RHash)
			return
		}
		deal.RPreimage = preimage
	}

	receiveCurrency, _ := deal.receiveCurrency()
	client, err := s.ClientForCurrency(receiveCurrency)
	if err != nil {
		return
	}
	if err := client.SettleInvoice(ctx, deal.RHash, deal.RPreimage); err != nil {
		// Possibly settled before the crash; the settle repeats until
		// the client stops reporting the invoice.
		s.log.Debug("settle during recovery", "rHash", deal.RHash, "error", err)
	}

	if deal.Role == RoleMaker {
		if err := s.book.SettleOwnOrder(deal.PairID, deal.OrderID, deal.Quantity); err != nil {
			s.log.Debug("settle own order during recovery", "rHash", deal.RHash, "error", err)
		}
	}

	deal.State = StateRecovered
	deal.Phase = PhaseSwapCompleted
	now := time.Now()
	deal.CompletedAt = &now
	s.saveDeal(deal)
	s.log.Info("deal recovered as completed", "rHash", deal.RHash)
	s.emitResult(deal, true)
}

// recoverFailed closes out a deal whose outgoing payment definitively
// failed or was never sent.
func (s *Swaps) recoverFailed(ctx context.Context, deal *Deal, status PaymentStatus) {
	receiveCurrency, _ := deal.receiveCurrency()
	if client, err := s.ClientForCurrency(receiveCurrency); err == nil {
		if err := client.RemoveInvoice(ctx, deal.RHash); err != nil {
			s.log.Debug("remove invoice during recovery", "rHash", deal.RHash, "error", err)
		}
	}

	if deal.Role == RoleMaker {
		if err := s.book.ReleaseHold(deal.PairID, deal.OrderID, deal.Quantity); err != nil {
			s.log.Debug("release hold during recovery", "rHash", deal.RHash, "error", err)
		}
	}

	deal.State = StateError
	if deal.FailureReason == "" {
		deal.FailureReason = FailureSendPaymentFailure
	}
	now := time.Now()
	deal.CompletedAt = &now
	s.saveDeal(deal)
	s.log.Info("deal recovered as failed", "rHash", deal.RHash, "payment", status)
	s.emitResult(deal, false)
}
