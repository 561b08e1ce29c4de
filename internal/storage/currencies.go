// Package storage - currency and trading pair operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Currency and pair errors
var (
	ErrCurrencyNotFound = errors.New("currency not found")
	ErrCurrencyInUse    = errors.New("currency is in use by a trading pair")
	ErrPairNotFound     = errors.New("trading pair not found")
	ErrPairExists       = errors.New("trading pair already exists")
)

// Currency represents a supported currency.
type Currency struct {
	// ID is the ticker symbol, e.g. "BTC".
	ID string

	// SwapClient names the settlement backend kind ("lnd" or "connext").
	SwapClient string

	// TokenAddress is the ERC-20 contract address for connext currencies.
	TokenAddress string

	// DecimalPlaces is the number of decimal places of the currency's
	// smallest unit.
	DecimalPlaces uint8

	CreatedAt time.Time
}

// Pair represents a trading pair of two currencies.
type Pair struct {
	// ID is "BASE/QUOTE", e.g. "LTC/BTC".
	ID            string
	BaseCurrency  string
	QuoteCurrency string
	CreatedAt     time.Time
}

// AddCurrency adds a currency.
func (s *Storage) AddCurrency(c *Currency) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO currencies (id, swap_client, token_address, decimal_places, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, c.ID, c.SwapClient, c.TokenAddress, c.DecimalPlaces, c.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to add currency: %w", err)
	}

	return nil
}

// GetCurrency retrieves a currency by its ticker symbol.
func (s *Storage) GetCurrency(id string) (*Currency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c Currency
	var createdAt int64
	var tokenAddress sql.NullString

	err := s.db.QueryRow(`
		SELECT id, swap_client, token_address, decimal_places, created_at
		FROM currencies WHERE id = ?
	`, id).Scan(&c.ID, &c.SwapClient, &tokenAddress, &c.DecimalPlaces, &createdAt)

	if err == sql.ErrNoRows {
		return nil, ErrCurrencyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get currency: %w", err)
	}

	c.TokenAddress = tokenAddress.String
	c.CreatedAt = time.Unix(createdAt, 0)
	return &c, nil
}

// ListCurrencies returns all currencies ordered by symbol.
func (s *Storage) ListCurrencies() ([]*Currency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, swap_client, token_address, decimal_places, created_at
		FROM currencies ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list currencies: %w", err)
	}
	defer rows.Close()

	var currencies []*Currency
	for rows.Next() {
		var c Currency
		var createdAt int64
		var tokenAddress sql.NullString
		if err := rows.Scan(&c.ID, &c.SwapClient, &tokenAddress, &c.DecimalPlaces, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan currency: %w", err)
		}
		c.TokenAddress = tokenAddress.String
		c.CreatedAt = time.Unix(createdAt, 0)
		currencies = append(currencies, &c)
	}

	return currencies, rows.Err()
}

// RemoveCurrency removes a currency. It fails if any pair references it.
func (s *Storage) RemoveCurrency(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM pairs WHERE base_currency = ? OR quote_currency = ?
	`, id, id).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check currency usage: %w", err)
	}
	if count > 0 {
		return ErrCurrencyInUse
	}

	result, err := s.db.Exec("DELETE FROM currencies WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to remove currency: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrCurrencyNotFound
	}

	return nil
}

// AddPair adds a trading pair. Both currencies must already exist.
func (s *Storage) AddPair(p *Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, currency := range []string{p.BaseCurrency, p.QuoteCurrency} {
		var exists int
		err := s.db.QueryRow("SELECT COUNT(*) FROM currencies WHERE id = ?", currency).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check currency: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: %s", ErrCurrencyNotFound, currency)
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO pairs (id, base_currency, quote_currency, created_at)
		VALUES (?, ?, ?, ?)
	`, p.ID, p.BaseCurrency, p.QuoteCurrency, p.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to add pair: %w", err)
	}

	return nil
}

// ListPairs returns all trading pairs.
func (s *Storage) ListPairs() ([]*Pair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, base_currency, quote_currency, created_at FROM pairs ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pairs: %w", err)
	}
	defer rows.Close()

	var pairs []*Pair
	for rows.Next() {
		var p Pair
		var createdAt int64
		if err := rows.Scan(&p.ID, &p.BaseCurrency, &p.QuoteCurrency, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan pair: %w", err)
		}
		p.CreatedAt = time.Unix(createdAt, 0)
		pairs = append(pairs, &p)
	}

	return pairs, rows.Err()
}

// RemovePair removes a trading pair.
func (s *Storage) RemovePair(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec("DELETE FROM pairs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to remove pair: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrPairNotFound
	}

	return nil
}
