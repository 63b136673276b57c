package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/rangebook/storage"
	"github.com/jmcleod/rangebook/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("RANGEBOOK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RANGEBOOK_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("could not connect to postgres: %v", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("could not ensure schema: %v", err)
	}

	// Clean tables for test isolation.
	pool.Exec(ctx, "DELETE FROM records") //nolint:errcheck
	t.Cleanup(func() {
		pool.Exec(ctx, "DELETE FROM records") //nolint:errcheck
		pool.Close()
	})
	return NewRepository(pool)
}

func TestPostgresStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Repository {
		return newTestStore(t)
	})
}

func TestEnsureSchemaConcurrentStartup(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	errs := make(chan error, 4)
	for range 4 {
		go func() { errs <- EnsureSchema(ctx, s.pool) }()
	}
	for range 4 {
		if err := <-errs; err != nil {
			t.Errorf("EnsureSchema failed: %v", err)
		}
	}
}
