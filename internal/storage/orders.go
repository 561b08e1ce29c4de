// Package storage - own order persistence.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// Order errors
var (
	ErrOrderNotFound = errors.New("order not found")
)

// OwnOrder is a persisted own order. Own standing orders are written on
// placement and updates so they can be restored into the book on restart.
type OwnOrder struct {
	ID      string
	LocalID string
	PairID  string

	// Price in quote currency per base unit. Market orders are never
	// persisted.
	Price float64

	// Quantity is signed: positive buys, negative sells.
	Quantity        int64
	InitialQuantity int64

	// CreatedAt is a unix timestamp in milliseconds, the matching
	// tiebreaker.
	CreatedAt int64
}

// SaveOrder inserts or updates an own order.
func (s *Storage) SaveOrder(o *OwnOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO orders (id, local_id, pair_id, price, quantity, initial_quantity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			quantity = excluded.quantity
	`, o.ID, o.LocalID, o.PairID, o.Price, o.Quantity, o.InitialQuantity, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}

	return nil
}

// GetOrder retrieves an own order by id.
func (s *Storage) GetOrder(id string) (*OwnOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var o OwnOrder
	err := s.db.QueryRow(`
		SELECT id, local_id, pair_id, price, quantity, initial_quantity, created_at
		FROM orders WHERE id = ?
	`, id).Scan(&o.ID, &o.LocalID, &o.PairID, &o.Price, &o.Quantity, &o.InitialQuantity, &o.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	return &o, nil
}

// ListOrders returns all persisted own orders, oldest first.
func (s *Storage) ListOrders() ([]*OwnOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, local_id, pair_id, price, quantity, initial_quantity, created_at
		FROM orders ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []*OwnOrder
	for rows.Next() {
		var o OwnOrder
		if err := rows.Scan(&o.ID, &o.LocalID, &o.PairID, &o.Price, &o.Quantity,
			&o.InitialQuantity, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, &o)
	}

	return orders, rows.Err()
}

// DeleteOrder removes an own order.
func (s *Storage) DeleteOrder(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec("DELETE FROM orders WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderNotFound
	}

	return nil
}
