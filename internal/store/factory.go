package store

import (
	"fmt"
	"strings"
)

// Config selects and configures a storage backend.
type Config struct {
	Type             string // "sqlite" or "postgres"
	ConnectionString string // file path for SQLite, DSN for Postgres
}

// New creates a Store for the configured backend. SQLite is the default.
func New(cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Type) {
	case "postgres", "postgresql":
		if cfg.ConnectionString == "" {
			return nil, fmt.Errorf("postgres connection string is required")
		}
		return NewPostgresStore(cfg.ConnectionString)
	case "sqlite", "sqlite3", "":
		if cfg.ConnectionString == "" {
			cfg.ConnectionString = "biowatch.db"
		}
		return NewSQLiteStore(cfg.ConnectionString)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}
