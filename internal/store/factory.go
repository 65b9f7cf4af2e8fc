package store

import (
	"context"
	"strings"
)

// NewStore creates a postgres-backed store when a database URL is configured,
// a Badger store when a storage path is, and an in-memory store otherwise.
func NewStore(ctx context.Context, databaseURL, storagePath string) (Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL)
	}
	if strings.TrimSpace(storagePath) != "" {
		return NewBadgerStore(storagePath)
	}
	return NewInMemoryStore(), nil
}

// Backend names the concrete store type for logs and readiness output.
func Backend(s Store) string {
	switch s.(type) {
	case *PostgresStore:
		return "postgres"
	case *BadgerStore:
		return "badger"
	case *InMemoryStore:
		return "memory"
	default:
		return "custom"
	}
}
