package repository

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/clickguard/kestrel/internal/domain"
	_ "modernc.org/sqlite"
)

// Pragmas applied to every SQLite connection. WAL keeps readers off the
// writer's lock; the busy timeout covers worker/API write contention on a
// single file.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"foreign_keys(ON)",
}

// openSQLite opens the Community-tier SQLite database. modernc.org/sqlite
// is pure Go, so no CGO toolchain is required.
func openSQLite(cfg domain.RepositoryConfig) (*sql.DB, error) {
	path := orDefault(cfg.SQLitePath, "./kestrel.db")

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := "file:" + path
	for _, p := range sqlitePragmas {
		sep := "&"
		if !strings.Contains(dsn, "?") {
			sep = "?"
		}
		dsn += sep + "_pragma=" + p
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	return db, nil
}
