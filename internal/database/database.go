package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrAlreadyProcessed = errors.New("change queue entry already processed")
	ErrNotFailed        = errors.New("change queue entry is not failed")
)

type DB struct {
	*sql.DB
	path   string
	logger *zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	// Создаем директорию для БД, если её нет
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+dsnOptions(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer at a time; a single connection serializes every mutation.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("Database initialized")
	return &DB{DB: db, path: path, logger: logger}, nil
}

func dsnOptions(path string) string {
	if strings.Contains(path, "?") {
		return "&_busy_timeout=5000"
	}
	return "?_busy_timeout=5000"
}

// Path returns the database file the connection was opened with.
func (db *DB) Path() string {
	return db.path
}

func createTables(db *sql.DB) error {
	queries := []string{
		// Очередь изменений из Bitrix24 в QuickBooks
		`CREATE TABLE IF NOT EXISTS change_queue (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            entity_type TEXT NOT NULL,
            remote_id TEXT NOT NULL,
            action TEXT NOT NULL,
            payload TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT 'pending',
            created_at DATETIME NOT NULL,
            processed_at DATETIME,
            error_message TEXT
        )`,
		`CREATE TABLE IF NOT EXISTS id_mappings (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            entity_type TEXT NOT NULL,
            local_key TEXT NOT NULL,
            remote_id TEXT NOT NULL,
            edit_sequence TEXT NOT NULL DEFAULT '',
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL,
            UNIQUE(entity_type, local_key)
        )`,
		`CREATE TABLE IF NOT EXISTS sync_state (
            entity_type TEXT NOT NULL,
            direction TEXT NOT NULL,
            last_synced_at DATETIME NOT NULL,
            PRIMARY KEY (entity_type, direction)
        )`,
		`CREATE TABLE IF NOT EXISTS sync_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            direction TEXT NOT NULL,
            entity_type TEXT NOT NULL,
            qb_id TEXT,
            bitrix_id TEXT,
            action TEXT NOT NULL,
            status TEXT NOT NULL,
            message TEXT,
            created_at DATETIME NOT NULL
        )`,

		`CREATE INDEX IF NOT EXISTS idx_change_queue_status ON change_queue(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_id_mappings_remote ON id_mappings(entity_type, remote_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_log_created ON sync_log(created_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}
