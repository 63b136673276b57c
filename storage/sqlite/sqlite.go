// Package sqlite implements storage.Repository backed by an embedded SQLite
// database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/jmcleod/rangebook/storage"
)

//go:embed schema.sql
var schemaSQL string

// Store implements storage.Repository using SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ storage.Repository = (*Store)(nil)

// NewRepositoryFromFile opens (or creates) the database at dbPath and
// ensures the schema exists.
func NewRepositoryFromFile(dbPath string, logger *zap.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=ON", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// A single connection serializes writers and avoids "database is locked".
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	logger.Info("SQLite storage initialized",
		zap.String("database_path", dbPath),
		zap.String("journal_mode", "WAL"))
	return s, nil
}

func (s *Store) initSchema() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("querying schema version: %w", err)
	}
	if version == 0 {
		s.logger.Info("Initializing database schema (version 1)")
		if _, err := s.db.Exec(schemaSQL); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
		return nil
	}
	s.logger.Debug("Database schema already exists", zap.Int("version", version))
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(ctx context.Context, recordType, recordID string, record *storage.Record) error {
	return upsert(ctx, s.db, recordType, recordID, record)
}

func (s *Store) Get(ctx context.Context, recordType, recordID string) (*storage.Record, error) {
	return get(ctx, s.db, recordType, recordID)
}

func (s *Store) List(ctx context.Context, recordType string) ([]string, error) {
	return list(ctx, s.db, recordType)
}

func (s *Store) Delete(ctx context.Context, recordType, recordID string) error {
	return del(ctx, s.db, recordType, recordID)
}

func (s *Store) PutCAS(ctx context.Context, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	return s.Batch(ctx, func(tx storage.BatchTx) error {
		return tx.PutCAS(recordType, recordID, expectedVersion, record)
	})
}

func (s *Store) Batch(ctx context.Context, fn func(tx storage.BatchTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&sqliteBatchTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

type sqliteBatchTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (btx *sqliteBatchTx) Get(recordType, recordID string) (*storage.Record, error) {
	return get(btx.ctx, btx.tx, recordType, recordID)
}

func (btx *sqliteBatchTx) List(recordType string) ([]string, error) {
	return list(btx.ctx, btx.tx, recordType)
}

func (btx *sqliteBatchTx) Put(recordType, recordID string, record *storage.Record) error {
	return upsert(btx.ctx, btx.tx, recordType, recordID, record)
}

func (btx *sqliteBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	existing, err := get(btx.ctx, btx.tx, recordType, recordID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		_, err := btx.tx.ExecContext(btx.ctx,
			`INSERT INTO records (record_type, record_id, ver, data, version) VALUES (?, ?, ?, ?, ?)`,
			recordType, recordID, record.Ver, record.Data, int64(record.Version))
		if isUniqueConstraintError(err) {
			return storage.ErrCASFailed
		}
		return err
	case err != nil:
		return err
	}
	if expectedVersion == 0 || existing.Version != expectedVersion {
		return storage.ErrCASFailed
	}
	return upsert(btx.ctx, btx.tx, recordType, recordID, record)
}

func (btx *sqliteBatchTx) Delete(recordType, recordID string) error {
	return del(btx.ctx, btx.tx, recordType, recordID)
}

// execQuerier is satisfied by both *sql.DB and *sql.Tx.
type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func upsert(ctx context.Context, q execQuerier, recordType, recordID string, record *storage.Record) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO records (record_type, record_id, ver, data, version)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (record_type, record_id)
		 DO UPDATE SET ver = excluded.ver, data = excluded.data, version = excluded.version,
		               updated_at = CURRENT_TIMESTAMP`,
		recordType, recordID, record.Ver, record.Data, int64(record.Version))
	return err
}

func get(ctx context.Context, q execQuerier, recordType, recordID string) (*storage.Record, error) {
	var rec storage.Record
	var version int64
	err := q.QueryRowContext(ctx,
		`SELECT ver, data, version FROM records WHERE record_type = ? AND record_id = ?`,
		recordType, recordID).Scan(&rec.Ver, &rec.Data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rec.Version = uint64(version)
	return &rec, nil
}

func list(ctx context.Context, q execQuerier, recordType string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT record_id FROM records WHERE record_type = ? ORDER BY record_id`, recordType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func del(ctx context.Context, q execQuerier, recordType, recordID string) error {
	res, err := q.ExecContext(ctx,
		`DELETE FROM records WHERE record_type = ? AND record_id = ?`, recordType, recordID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}
