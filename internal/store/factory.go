package store

import (
	"context"
	"strings"

	"github.com/i474232898/macro-dashboard/internal/indicators"
)

// MemoryURL selects the in-memory store.
const MemoryURL = "memory"

// Open returns the store selected by databaseURL: "memory", a postgres://
// URL, or otherwise a SQLite path.
func Open(ctx context.Context, databaseURL string) (indicators.Store, error) {
	switch {
	case databaseURL == "" || databaseURL == MemoryURL:
		return NewMemoryStore(), nil
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return NewPostgresStore(ctx, databaseURL)
	default:
		return NewSQLiteStore(ctx, strings.TrimPrefix(databaseURL, "sqlite://"))
	}
}
