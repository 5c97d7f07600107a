// Package store persists file metadata and engine settings in SQLite. It
// backs the tflib.FileStore and tflib.SettingStore interfaces with a single
// database file, using the pure-Go sqlite driver so the daemon stays cgo-free.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps the shared database handle. Use Files() and Settings() for the
// typed repositories.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dbPath and applies the
// schema.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The sqlite driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent scheduler tasks.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS file_record (
			unique_id         TEXT PRIMARY KEY,
			file_id           INTEGER NOT NULL,
			account_id        INTEGER NOT NULL,
			chat_id           INTEGER NOT NULL,
			message_id        INTEGER NOT NULL,
			date              INTEGER NOT NULL DEFAULT 0,
			size              INTEGER NOT NULL DEFAULT 0,
			type              TEXT NOT NULL,
			file_name         TEXT NOT NULL DEFAULT '',
			local_path        TEXT NOT NULL DEFAULT '',
			download_status   TEXT NOT NULL DEFAULT 'idle',
			transfer_status   TEXT NOT NULL DEFAULT 'idle',
			thread_chat_id    INTEGER NOT NULL DEFAULT 0,
			message_thread_id INTEGER NOT NULL DEFAULT 0,
			completion_date   INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create file_record table: %w", err)
	}
	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_file_record_chat ON file_record(chat_id, download_status, transfer_status)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create file_record index: %w", err)
	}
	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_file_record_thread ON file_record(account_id, thread_chat_id, message_thread_id)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create thread index: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS setting_record (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create setting_record table: %w", err)
	}

	return &Store{db: db}, nil
}

// Files returns the file metadata repository.
func (s *Store) Files() *FileStore {
	return &FileStore{db: s.db}
}

// Settings returns the settings repository.
func (s *Store) Settings() *SettingStore {
	return &SettingStore{db: s.db}
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
