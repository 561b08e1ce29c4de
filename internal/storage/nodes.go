// Package storage - known network node operations.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Node errors
var (
	ErrNodeNotFound = errors.New("node not found")
)

// Node represents a known network node.
type Node struct {
	// PubKey is the hex-encoded compressed secp256k1 public key.
	PubKey string

	Alias string

	// Addresses are the node's advertised host:port addresses.
	Addresses []string

	// ReputationScore is the accumulated reputation of this node. Nodes at
	// or below the ban threshold are refused connections.
	ReputationScore int

	Banned bool

	// LastAddress is the address we most recently connected to.
	LastAddress string

	FirstSeen time.Time
	LastSeen  *time.Time
}

// SaveNode inserts or updates a node record.
func (s *Storage) SaveNode(n *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	addressesJSON, err := json.Marshal(n.Addresses)
	if err != nil {
		return fmt.Errorf("failed to marshal addresses: %w", err)
	}

	banned := 0
	if n.Banned {
		banned = 1
	}

	var lastSeen *int64
	if n.LastSeen != nil {
		ts := n.LastSeen.Unix()
		lastSeen = &ts
	}

	_, err = s.db.Exec(`
		INSERT INTO nodes (pub_key, alias, addresses, reputation_score, banned, last_address, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pub_key) DO UPDATE SET
			alias = excluded.alias,
			addresses = excluded.addresses,
			reputation_score = excluded.reputation_score,
			banned = excluded.banned,
			last_address = excluded.last_address,
			last_seen = excluded.last_seen
	`, n.PubKey, n.Alias, string(addressesJSON), n.ReputationScore, banned,
		n.LastAddress, n.FirstSeen.Unix(), lastSeen)
	if err != nil {
		return fmt.Errorf("failed to save node: %w", err)
	}

	return nil
}

// GetNode retrieves a node by public key.
func (s *Storage) GetNode(pubKey string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, err := s.scanNode(s.db.QueryRow(`
		SELECT pub_key, alias, addresses, reputation_score, banned, last_address, first_seen, last_seen
		FROM nodes WHERE pub_key = ?
	`, pubKey))
	if err == sql.ErrNoRows {
		return nil, ErrNodeNotFound
	}
	return n, err
}

// ListNodes returns all known nodes.
func (s *Storage) ListNodes() ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT pub_key, alias, addresses, reputation_score, banned, last_address, first_seen, last_seen
		FROM nodes ORDER BY pub_key
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		n, err := s.scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}

	return nodes, rows.Err()
}

// UpdateNodeReputation sets a node's reputation score and ban flag.
func (s *Storage) UpdateNodeReputation(pubKey string, score int, banned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bannedInt := 0
	if banned {
		bannedInt = 1
	}

	result, err := s.db.Exec(`
		UPDATE nodes SET reputation_score = ?, banned = ? WHERE pub_key = ?
	`, score, bannedInt, pubKey)
	if err != nil {
		return fmt.Errorf("failed to update node reputation: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNodeNotFound
	}

	return nil
}

// TouchNode updates a node's last seen time and last connected address.
func (s *Storage) TouchNode(pubKey, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE nodes SET last_seen = ?, last_address = ? WHERE pub_key = ?
	`, time.Now().Unix(), address, pubKey)
	if err != nil {
		return fmt.Errorf("failed to touch node: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNodeNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Storage) scanNode(row rowScanner) (*Node, error) {
	var n Node
	var addressesJSON string
	var banned int
	var lastAddress sql.NullString
	var firstSeen int64
	var lastSeen sql.NullInt64

	err := row.Scan(&n.PubKey, &n.Alias, &addressesJSON, &n.ReputationScore,
		&banned, &lastAddress, &firstSeen, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan node: %w", err)
	}

	if err := json.Unmarshal([]byte(addressesJSON), &n.Addresses); err != nil {
		return nil, fmt.Errorf("failed to parse node addresses: %w", err)
	}

	n.Banned = banned == 1
	n.LastAddress = lastAddress.String
	n.FirstSeen = time.Unix(firstSeen, 0)
	if lastSeen.Valid {
		t := time.Unix(lastSeen.Int64, 0)
		n.LastSeen = &t
	}

	return &n, nil
}
