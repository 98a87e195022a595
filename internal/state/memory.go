package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/orchd/orchd/internal/common/logger"
)

// MemoryEntry is one stored key/value pair in a profile's namespace.
type MemoryEntry struct {
	ProfileID string `db:"profile_id"`
	Key       string `db:"key"`
	Value     string `db:"value"`
	UpdatedAt int64  `db:"updated_at"`
}

// MemoryStore is a small per-profile key/value store backing the memory op
// tasks. It lives in its own sqlite file next to the snapshot so the
// snapshot database stays read-only from our side.
type MemoryStore struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// OpenMemoryStore opens (creating as needed) the memory database at path.
func OpenMemoryStore(path string, log *logger.Logger) (*MemoryStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	db, err := sqlx.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open memory db: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS memory (
			profile_id TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (profile_id, key)
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init memory schema: %w", err)
	}
	return &MemoryStore{db: db, logger: log.WithComponent("memory-store")}, nil
}

// Set upserts a value in the profile's namespace.
func (s *MemoryStore) Set(profileID, key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO memory (profile_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (profile_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		profileID, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("memory set failed: %w", err)
	}
	return nil
}

// Get returns the value for key, with found=false when absent.
func (s *MemoryStore) Get(profileID, key string) (string, bool, error) {
	var value string
	err := s.db.Get(&value, `SELECT value FROM memory WHERE profile_id = ? AND key = ?`, profileID, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("memory get failed: %w", err)
	}
	return value, true, nil
}

// List returns all entries in the profile's namespace, ordered by key.
func (s *MemoryStore) List(profileID string) ([]MemoryEntry, error) {
	var out []MemoryEntry
	err := s.db.Select(&out, `
		SELECT profile_id, key, value, updated_at
		FROM memory WHERE profile_id = ? ORDER BY key`, profileID)
	if err != nil {
		return nil, fmt.Errorf("memory list failed: %w", err)
	}
	return out, nil
}

// Delete removes a key; deleting an absent key is not an error.
func (s *MemoryStore) Delete(profileID, key string) error {
	_, err := s.db.Exec(`DELETE FROM memory WHERE profile_id = ? AND key = ?`, profileID, key)
	if err != nil {
		return fmt.Errorf("memory delete failed: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *MemoryStore) Close() error {
	return s.db.Close()
}
