// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides persistent storage for the opendex daemon.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	// DataDir is the directory holding the database file. An empty DataDir
	// opens an in-memory database.
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	var dbPath string
	if cfg.DataDir == "" {
		dbPath = ":memory:"
	} else {
		dataDir := expandPath(cfg.DataDir)
		if err := os.MkdirAll(dataDir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		dbPath = filepath.Join(dataDir, "opendex.db")
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Supported currencies
	CREATE TABLE IF NOT EXISTS currencies (
		id TEXT PRIMARY KEY,
		swap_client TEXT NOT NULL,
		token_address TEXT,
		decimal_places INTEGER NOT NULL DEFAULT 8,
		created_at INTEGER NOT NULL
	);

	-- Trading pairs over currencies
	CREATE TABLE IF NOT EXISTS pairs (
		id TEXT PRIMARY KEY,
		base_currency TEXT NOT NULL,
		quote_currency TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (base_currency) REFERENCES currencies(id),
		FOREIGN KEY (quote_currency) REFERENCES currencies(id),
		UNIQUE(base_currency, quote_currency)
	);

	-- Known network nodes
	CREATE TABLE IF NOT EXISTS nodes (
		pub_key TEXT PRIMARY KEY,
		alias TEXT,
		addresses TEXT,
		reputation_score INTEGER NOT NULL DEFAULT 0,
		banned INTEGER NOT NULL DEFAULT 0,
		last_address TEXT,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_nodes_banned ON nodes(banned);

	-- Own standing orders, persisted so they survive a restart
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		local_id TEXT NOT NULL UNIQUE,
		pair_id TEXT NOT NULL,
		price REAL NOT NULL,
		quantity INTEGER NOT NULL,
		initial_quantity INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (pair_id) REFERENCES pairs(id)
	);

	CREATE INDEX IF NOT EXISTS idx_orders_pair ON orders(pair_id);

	-- Swap deals, written at every phase transition for crash recovery
	CREATE TABLE IF NOT EXISTS swap_deals (
		r_hash TEXT PRIMARY KEY,
		r_preimage TEXT,
		order_id TEXT NOT NULL,
		local_order_id TEXT,
		pair_id TEXT NOT NULL,
		role TEXT NOT NULL,
		phase INTEGER NOT NULL,
		state INTEGER NOT NULL,
		quantity INTEGER NOT NULL,
		maker_amount INTEGER NOT NULL,
		taker_amount INTEGER NOT NULL,
		maker_currency TEXT NOT NULL,
		taker_currency TEXT NOT NULL,
		maker_cltv_delta INTEGER NOT NULL DEFAULT 0,
		taker_cltv_delta INTEGER NOT NULL DEFAULT 0,
		peer_pub_key TEXT NOT NULL,
		destination TEXT,
		failure_reason TEXT,
		error_message TEXT,
		created_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_swap_deals_state ON swap_deals(state);
	CREATE INDEX IF NOT EXISTS idx_swap_deals_peer ON swap_deals(peer_pub_key);
	`

	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
