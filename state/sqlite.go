package state

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entries (
	hash       TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

// SQLiteTracker keeps hashes in a SQLite database. Claims rely on the primary
// key, so concurrent workers and processes agree on a single owner.
type SQLiteTracker struct {
	db *sqlx.DB
}

func NewSQLiteTracker(path string) (*SQLiteTracker, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLiteTracker{db: db}, nil
}

func (s *SQLiteTracker) AlreadyProcessed(hash string) bool {
	if hash == "" {
		return false
	}
	var count int
	if err := s.db.Get(&count, "SELECT COUNT(*) FROM entries WHERE hash = ?", hash); err != nil {
		return false
	}
	return count > 0
}

func (s *SQLiteTracker) MarkProcessed(hash, owner string) error {
	if hash == "" {
		return nil
	}
	if _, err := s.db.Exec("INSERT INTO entries (hash, owner) VALUES (?, ?) ON CONFLICT(hash) DO NOTHING", hash, owner); err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func (s *SQLiteTracker) Claim(hash, owner string) (bool, error) {
	if hash == "" {
		return true, nil
	}
	if err := s.MarkProcessed(hash, owner); err != nil {
		return false, err
	}

	var current string
	err := s.db.Get(&current, "SELECT owner FROM entries WHERE hash = ?", hash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("entry %s vanished after insert", hash)
	}
	if err != nil {
		return false, fmt.Errorf("read owner: %w", err)
	}
	return current == owner, nil
}

func (s *SQLiteTracker) Release(hash, owner string) error {
	if _, err := s.db.Exec("DELETE FROM entries WHERE hash = ? AND owner = ?", hash, owner); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

func (s *SQLiteTracker) Snapshot() Snapshot {
	var count int
	_ = s.db.Get(&count, "SELECT COUNT(*) FROM entries")
	return Snapshot{Processed: count}
}

func (s *SQLiteTracker) Close() error {
	return s.db.Close()
}
