package entry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/jmcleod/rangebook/storage"
)

const (
	recordEntry       = "ENTRY"
	recordOwnerPrefix = "ENTRY_OWNER:"
	recordClubPrefix  = "ENTRY_CLUB:"
)

// Store persists entries with optimistic versioning.
type Store struct {
	repo storage.Repository
}

// NewStore returns a Store backed by repo.
func NewStore(repo storage.Repository) *Store {
	return &Store{repo: repo}
}

// Create inserts a new entry. The entry's Version is set to 1.
func (s *Store) Create(ctx context.Context, e *LogEntry) error {
	e.Version = 1
	rec, err := storage.EncodeRecord(e, e.Version)
	if err != nil {
		return err
	}
	marker := &storage.Record{Ver: 1, Data: []byte("{}")}
	return s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		if err := tx.PutCAS(recordEntry, e.ID, 0, rec); err != nil {
			return fmt.Errorf("creating entry %s: %w", e.ID, err)
		}
		if err := tx.Put(recordOwnerPrefix+e.OwnerUserID, e.ID, marker); err != nil {
			return err
		}
		return tx.Put(recordClubPrefix+e.ClubID, e.ID, marker)
	})
}

// Get loads an entry.
func (s *Store) Get(ctx context.Context, id string) (*LogEntry, error) {
	rec, err := s.repo.Get(ctx, recordEntry, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return decodeEntry(rec)
}

// Update writes e if the stored version still equals e.Version, then bumps
// e.Version. A concurrent modification is reported as
// ErrInvalidStateTransition: the entry left the state the caller observed.
func (s *Store) Update(ctx context.Context, e *LogEntry) error {
	next := e.Version + 1
	rec, err := storage.EncodeRecord(e, next)
	if err != nil {
		return err
	}
	if err := s.repo.PutCAS(ctx, recordEntry, e.ID, e.Version, rec); err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return fmt.Errorf("entry %s changed concurrently: %w", e.ID, ErrInvalidStateTransition)
		}
		return err
	}
	e.Version = next
	return nil
}

// Delete removes an entry that is still open. The stored entry must match
// the version the caller observed.
func (s *Store) Delete(ctx context.Context, e *LogEntry) error {
	return s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		rec, err := tx.Get(recordEntry, e.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("%s: %w", e.ID, ErrNotFound)
			}
			return err
		}
		current, err := decodeEntry(rec)
		if err != nil {
			return err
		}
		if current.Version != e.Version {
			return fmt.Errorf("entry %s changed concurrently: %w", e.ID, ErrInvalidStateTransition)
		}
		if err := current.CheckDeletable(); err != nil {
			return err
		}
		if err := tx.Delete(recordEntry, e.ID); err != nil {
			return err
		}
		for _, index := range []string{recordOwnerPrefix + current.OwnerUserID, recordClubPrefix + current.ClubID} {
			if err := tx.Delete(index, e.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("removing %s from %s: %w", e.ID, index, err)
			}
		}
		return nil
	})
}

// ListByOwner returns the entries of a shooter, newest first.
func (s *Store) ListByOwner(ctx context.Context, userID string) ([]*LogEntry, error) {
	return s.listIndex(ctx, recordOwnerPrefix+userID, nil)
}

// ListByClub returns the entries logged at a club, newest first. When
// statuses are given only entries in one of them are returned.
func (s *Store) ListByClub(ctx context.Context, clubID string, statuses ...Status) ([]*LogEntry, error) {
	return s.listIndex(ctx, recordClubPrefix+clubID, statuses)
}

func (s *Store) listIndex(ctx context.Context, recordType string, statuses []Status) ([]*LogEntry, error) {
	ids, err := s.repo.List(ctx, recordType)
	if err != nil {
		return nil, err
	}
	entries := make([]*LogEntry, 0, len(ids))
	for _, id := range ids {
		e, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(statuses) > 0 && !slices.Contains(statuses, e.Status) {
			continue
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].LoggedAt.After(entries[j].LoggedAt)
	})
	return entries, nil
}

func decodeEntry(rec *storage.Record) (*LogEntry, error) {
	var e LogEntry
	if err := storage.DecodeRecord(rec, &e); err != nil {
		return nil, err
	}
	e.Version = rec.Version
	return &e, nil
}
