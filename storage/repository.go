// Package storage provides the storage abstraction layer for attestation records.
//
// Every backend exposes the same flat key space of (recordType, recordID)
// pairs. Records carry a monotonically increasing Version so callers can
// perform optimistic compare-and-swap updates, and Batch groups several
// reads and writes into one atomic transaction.
package storage

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// BatchTx provides reads and writes within an atomic transaction.
// Writes made earlier in the same batch are visible to later reads.
type BatchTx interface {
	Get(recordType string, recordID string) (*Record, error)
	List(recordType string) ([]string, error)
	Put(recordType string, recordID string, record *Record) error
	PutCAS(recordType string, recordID string, expectedVersion uint64, record *Record) error
	Delete(recordType string, recordID string) error
}

// Repository defines the interface for record storage.
//
// PutCAS with expectedVersion 0 is create-only: it fails with ErrCASFailed
// when the record already exists.
type Repository interface {
	Put(ctx context.Context, recordType string, recordID string, record *Record) error
	Get(ctx context.Context, recordType string, recordID string) (*Record, error)
	List(ctx context.Context, recordType string) ([]string, error)
	Delete(ctx context.Context, recordType string, recordID string) error
	PutCAS(ctx context.Context, recordType string, recordID string, expectedVersion uint64, record *Record) error
	Batch(ctx context.Context, fn func(tx BatchTx) error) error
}

var typeEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// KeyPrefix is the prefix shared by every flat key of recordType in
// backends that keep type and ID in one key. The type is escaped so that a
// type containing ':' never shares a prefix with another type.
func KeyPrefix(recordType string) string {
	return typeEscaper.Replace(recordType) + ":"
}

// Key joins recordType and recordID into a flat key.
func Key(recordType, recordID string) string {
	return KeyPrefix(recordType) + recordID
}
