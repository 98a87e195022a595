// Package state reads the persisted workstation snapshot.
//
// The snapshot is written by the control panel's persistence layer; the
// orchestrator only reads it, to pre-populate the pool's hydration path with
// previously observed worker metadata.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/orchd/orchd/internal/common/logger"
)

// PersistedWorker is one previously observed worker.
type PersistedWorker struct {
	ProfileID   string `db:"profile_id"`
	LastModel   string `db:"last_model"`
	ModelReason string `db:"model_reason"`
	ServerURL   string `db:"server_url"`
	SessionID   string `db:"session_id"`
	LastSeen    int64  `db:"last_seen"` // unix seconds
}

// LastSeenTime returns LastSeen as a time.Time.
func (w PersistedWorker) LastSeenTime() time.Time {
	return time.Unix(w.LastSeen, 0)
}

// Reader loads worker snapshots from the sqlite state database.
type Reader struct {
	path   string
	logger *logger.Logger
}

// NewReader creates a Reader over the sqlite file at path. The file may not
// exist yet; Load treats that as an empty snapshot.
func NewReader(path string, log *logger.Logger) *Reader {
	return &Reader{path: path, logger: log.WithComponent("state-reader")}
}

// Load returns all persisted workers. A missing or schema-less database
// yields an empty slice, never an error; the snapshot is best-effort input.
func (r *Reader) Load() ([]PersistedWorker, error) {
	if _, err := os.Stat(r.path); os.IsNotExist(err) {
		return nil, nil
	}

	db, err := sqlx.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", r.path))
	if err != nil {
		return nil, fmt.Errorf("failed to open state db: %w", err)
	}
	defer func() { _ = db.Close() }()

	var out []PersistedWorker
	err = db.Select(&out, `
		SELECT profile_id, last_model, model_reason, server_url, session_id, last_seen
		FROM worker_state
		ORDER BY profile_id`)
	if err != nil {
		if isMissingTable(err) {
			r.logger.Debug("state db has no worker_state table, treating as empty")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read worker snapshot: %w", err)
	}
	return out, nil
}

func isMissingTable(err error) bool {
	if errors.Is(err, sql.ErrNoRows) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "no such table")
}
