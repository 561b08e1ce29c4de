// Package storage - swap deal persistence.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// Deal errors
var (
	ErrDealNotFound = errors.New("swap deal not found")
)

// SwapDeal is the persisted form of a swap deal. It is written at every
// phase transition so an interrupted swap can be recovered after a restart.
type SwapDeal struct {
	// RHash is the hex-encoded sha256 payment hash and deal identifier.
	RHash string

	// RPreimage is the hex-encoded preimage, empty until known.
	RPreimage string

	OrderID      string
	LocalOrderID string
	PairID       string

	// Role is "maker" or "taker".
	Role string

	Phase uint8
	State uint8

	Quantity    int64
	MakerAmount uint64
	TakerAmount uint64

	MakerCurrency string
	TakerCurrency string

	MakerCltvDelta uint32
	TakerCltvDelta uint32

	PeerPubKey string

	// Destination is the counterparty payment destination for the leg we
	// send on.
	Destination string

	FailureReason string
	ErrorMessage  string

	CreatedAt   int64
	CompletedAt *int64
}

// SaveDeal inserts or updates a swap deal keyed by its payment hash.
func (s *Storage) SaveDeal(d *SwapDeal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO swap_deals (
			r_hash, r_preimage, order_id, local_order_id, pair_id, role,
			phase, state, quantity, maker_amount, taker_amount,
			maker_currency, taker_currency, maker_cltv_delta, taker_cltv_delta,
			peer_pub_key, destination, failure_reason, error_message,
			created_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(r_hash) DO UPDATE SET
			r_preimage = excluded.r_preimage,
			phase = excluded.phase,
			state = excluded.state,
			quantity = excluded.quantity,
			destination = excluded.destination,
			failure_reason = excluded.failure_reason,
			error_message = excluded.error_message,
			completed_at = excluded.completed_at
	`, d.RHash, d.RPreimage, d.OrderID, d.LocalOrderID, d.PairID, d.Role,
		d.Phase, d.State, d.Quantity, d.MakerAmount, d.TakerAmount,
		d.MakerCurrency, d.TakerCurrency, d.MakerCltvDelta, d.TakerCltvDelta,
		d.PeerPubKey, d.Destination, d.FailureReason, d.ErrorMessage,
		d.CreatedAt, d.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to save swap deal: %w", err)
	}

	return nil
}

// GetDeal retrieves a swap deal by payment hash.
func (s *Storage) GetDeal(rHash string) (*SwapDeal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, err := s.scanDeal(s.db.QueryRow(dealSelect+" WHERE r_hash = ?", rHash))
	if err == sql.ErrNoRows {
		return nil, ErrDealNotFound
	}
	return d, err
}

// ListDealsByState returns all deals in any of the given states.
func (s *Storage) ListDealsByState(states ...uint8) ([]*SwapDeal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := dealSelect + " WHERE 1=0"
	args := []interface{}{}
	for _, state := range states {
		query += " OR state = ?"
		args = append(args, state)
	}
	query += " ORDER BY created_at"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list swap deals: %w", err)
	}
	defer rows.Close()

	var deals []*SwapDeal
	for rows.Next() {
		d, err := s.scanDeal(rows)
		if err != nil {
			return nil, err
		}
		deals = append(deals, d)
	}

	return deals, rows.Err()
}

const dealSelect = `
	SELECT r_hash, r_preimage, order_id, local_order_id, pair_id, role,
		phase, state, quantity, maker_amount, taker_amount,
		maker_currency, taker_currency, maker_cltv_delta, taker_cltv_delta,
		peer_pub_key, destination, failure_reason, error_message,
		created_at, completed_at
	FROM swap_deals`

func (s *Storage) scanDeal(row rowScanner) (*SwapDeal, error) {
	var d SwapDeal
	var rPreimage, localOrderID, destination, failureReason, errorMessage sql.NullString
	var completedAt sql.NullInt64

	err := row.Scan(&d.RHash, &rPreimage, &d.OrderID, &localOrderID, &d.PairID, &d.Role,
		&d.Phase, &d.State, &d.Quantity, &d.MakerAmount, &d.TakerAmount,
		&d.MakerCurrency, &d.TakerCurrency, &d.MakerCltvDelta, &d.TakerCltvDelta,
		&d.PeerPubKey, &destination, &failureReason, &errorMessage,
		&d.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan swap deal: %w", err)
	}

	d.RPreimage = rPreimage.String
	d.LocalOrderID = localOrderID.String
	d.Destination = destination.String
	d.FailureReason = failureReason.String
	d.ErrorMessage = errorMessage.String
	if completedAt.Valid {
		d.CompletedAt = &completedAt.Int64
	}

	return &d, nil
}
