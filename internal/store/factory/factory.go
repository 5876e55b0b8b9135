// Package factory creates a store.Store from a DSN string.
package factory

import (
	"errors"
	"strings"

	"github.com/renkaru/servisr/internal/store"
	"github.com/renkaru/servisr/internal/store/postgres"
	"github.com/renkaru/servisr/internal/store/sqlite"
)

// NewFromDSN picks a backend by DSN scheme:
//
//	postgres://... or postgresql://...  -> PostgreSQL
//	sqlite:///path/to.db or sqlite:path -> SQLite
//	anything else                       -> treated as a SQLite path
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, errors.New("empty store dsn")
	}
	switch {
	case strings.HasPrefix(d, "postgres://"), strings.HasPrefix(d, "postgresql://"):
		return postgres.New(d)
	case strings.HasPrefix(d, "sqlite://"):
		return sqlite.New(strings.TrimPrefix(d, "sqlite://"))
	case strings.HasPrefix(d, "sqlite:"):
		return sqlite.New(strings.TrimPrefix(d, "sqlite:"))
	default:
		return sqlite.New(d)
	}
}
