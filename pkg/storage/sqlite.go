package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Config holds storage configuration
type Config struct {
	// SQLite database path. Use ":memory:" for an in-memory database.
	Path string

	// BusyTimeout is how long a writer waits on a locked database
	// before giving up.
	BusyTimeout time.Duration

	// Redis stats cache (optional)
	CacheEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Path:        "./data/pulse.db",
		BusyTimeout: 5 * time.Second,
		CacheTTL:    time.Minute,
	}
}

// Open opens the SQLite database and applies the schema migrations.
//
// The connection pool is capped at a single connection: SQLite is a
// single-writer store and one shared connection both serializes writes
// and makes ":memory:" databases behave (each pooled connection would
// otherwise see its own empty in-memory database).
func Open(cfg Config) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d&_foreign_keys=on",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
