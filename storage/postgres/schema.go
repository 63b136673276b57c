package postgres

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// schemaLockKey identifies the advisory lock held while the schema is
// applied. Concurrent CREATE TABLE IF NOT EXISTS can still collide in
// pg_type, so servers starting together take turns.
const schemaLockKey int64 = 0x72616e6765626b // "rangebk"

// EnsureSchema applies schema.sql. Every statement is idempotent, so it
// runs on each startup.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", schemaLockKey); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, schemaSQL)
		return err
	})
	if err != nil {
		return fmt.Errorf("applying records schema: %w", err)
	}
	return nil
}
