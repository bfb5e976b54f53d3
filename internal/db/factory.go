package db

import (
	"fmt"
	"strings"
)

// StoreConfig selects the index database backend.
type StoreConfig struct {
	Type             string // "sqlite" or "postgres"
	ConnectionString string // file path for sqlite, DSN for postgres
}

// NewStore creates a Store for the configured backend. SQLite is the
// default; postgres serves shared multi-runner deployments.
func NewStore(config StoreConfig) (Store, error) {
	switch strings.ToLower(config.Type) {
	case "postgres", "postgresql":
		if config.ConnectionString == "" {
			return nil, fmt.Errorf("postgres connection string is required")
		}
		return NewPostgresStore(config.ConnectionString)
	case "sqlite", "sqlite3", "":
		if config.ConnectionString == "" {
			config.ConnectionString = "index.db"
		}
		return NewSQLiteStore(config.ConnectionString)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// FromURL infers the backend from a connection URL. Empty and plain paths
// mean sqlite.
func FromURL(url string) (Store, error) {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return NewStore(StoreConfig{Type: "postgres", ConnectionString: url})
	}
	return NewStore(StoreConfig{Type: "sqlite", ConnectionString: url})
}
