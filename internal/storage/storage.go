// Package storage provides persistent snapshot storage using SQLite.
//
// The engine treats storage as a named-blob store: values are staged
// with Put and only reach disk on Write. Values are JSON-serializable.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the durability contract consumed by the engine. Get reads
// the current value for a key into v, a staged value winning over the
// last written one (reporting whether the key exists), Put stages a
// value, and Write flushes all staged values atomically.
type Store interface {
	Get(key string, v interface{}) (bool, error)
	Put(key string, v interface{}) error
	Write() error
	Close() error
}

// =============================================================================
// SQLite Store
// =============================================================================

// SQLiteStore persists snapshot blobs in a single SQLite table.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string

	mu    sync.Mutex
	dirty map[string][]byte // staged puts, flushed on Write
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new SQLiteStore under cfg.DataDir.
func New(cfg *Config) (*SQLiteStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "quasard.db")

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

	s := &SQLiteStore{
		db:     db,
		dbPath: dbPath,
		dirty:  make(map[string][]byte),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get reads the value for key into v. Staged (unwritten) values win
// over the on-disk copy.
func (s *SQLiteStore) Get(key string, v interface{}) (bool, error) {
	s.mu.Lock()
	staged, ok := s.dirty[key]
	s.mu.Unlock()

	if ok {
		return true, json.Unmarshal(staged, v)
	}

	var blob []byte
	err := s.db.QueryRow(`SELECT value FROM snapshots WHERE key = ?`, key).Scan(&blob)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(blob, v)
}

// Put stages a value for key. Nothing reaches disk until Write.
func (s *SQLiteStore) Put(key string, v interface{}) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	s.mu.Lock()
	s.dirty[key] = blob
	s.mu.Unlock()
	return nil
}

// Write flushes all staged values in a single transaction.
func (s *SQLiteStore) Write() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.dirty) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	for key, blob := range s.dirty {
		_, err := tx.Exec(`
			INSERT INTO snapshots (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, key, blob, now)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to write %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.dirty = make(map[string][]byte)
	return nil
}

// Close closes the database. Staged values that were never written
// are discarded.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// In-Memory Store
// =============================================================================

// MemStore is an in-memory Store used in tests and for ephemeral
// wallets. Write moves staged values into the committed map.
type MemStore struct {
	mu        sync.Mutex
	committed map[string][]byte
	dirty     map[string][]byte
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		committed: make(map[string][]byte),
		dirty:     make(map[string][]byte),
	}
}

// Get reads key into v, staged values first.
func (m *MemStore) Get(key string, v interface{}) (bool, error) {
	m.mu.Lock()
	blob, ok := m.dirty[key]
	if !ok {
		blob, ok = m.committed[key]
	}
	m.mu.Unlock()

	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(blob, v)
}

// Put stages a value for key.
func (m *MemStore) Put(key string, v interface{}) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.dirty[key] = blob
	m.mu.Unlock()
	return nil
}

// Write commits staged values.
func (m *MemStore) Write() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.dirty {
		m.committed[k] = v
	}
	m.dirty = make(map[string][]byte)
	return nil
}

// Close is a no-op.
func (m *MemStore) Close() error { return nil }

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemStore)(nil)
)
