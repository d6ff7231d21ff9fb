package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"
)

// LiteFile is the SQLite file created under the data directory in lite mode.
const LiteFile = "openaudit.db"

// Open connects to Postgres when databaseURL is set. Otherwise it falls back
// to lite mode: a SQLite file in dataDir.
func Open(ctx context.Context, databaseURL, dataDir string) (*sql.DB, Dialect, error) {
	logger := slog.Default().With("component", "store")
	if databaseURL != "" {
		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, "", fmt.Errorf("store: open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, "", fmt.Errorf("store: ping postgres: %w", err)
		}
		logger.Info("postgres connected")
		return db, Postgres, nil
	}

	if dataDir == "" {
		dataDir = "data"
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, "", fmt.Errorf("store: create data dir: %w", err)
	}
	path := filepath.Join(dataDir, LiteFile)
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, "", err
	}
	logger.Info("lite mode", "path", path)
	return db, SQLite, nil
}

// OpenSQLite opens a SQLite database. A single connection serializes writers,
// which SQLite requires anyway; ":memory:" therefore stays one database.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
