package factory

import (
	"path/filepath"
	"testing"

	"github.com/renkaru/servisr/internal/store/postgres"
	"github.com/renkaru/servisr/internal/store/sqlite"
)

func TestNewFromDSNDispatch(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFromDSN(filepath.Join(dir, "bare.db"))
	if err != nil {
		t.Fatalf("bare path: %v", err)
	}
	if _, ok := s.(*sqlite.DB); !ok {
		t.Fatalf("bare path must map to sqlite, got %T", s)
	}
	_ = s.Close()

	s, err = NewFromDSN("sqlite://" + filepath.Join(dir, "scheme.db"))
	if err != nil {
		t.Fatalf("sqlite scheme: %v", err)
	}
	if _, ok := s.(*sqlite.DB); !ok {
		t.Fatalf("sqlite scheme must map to sqlite, got %T", s)
	}
	_ = s.Close()

	// sql.Open does not dial, so constructing the postgres store needs no server.
	s, err = NewFromDSN("postgres://user:pw@localhost:5432/servisr?sslmode=disable")
	if err != nil {
		t.Fatalf("postgres scheme: %v", err)
	}
	if _, ok := s.(*postgres.DB); !ok {
		t.Fatalf("postgres scheme must map to postgres, got %T", s)
	}
	_ = s.Close()

	if _, err := NewFromDSN("   "); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}
