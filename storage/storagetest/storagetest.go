// Package storagetest provides a conformance suite shared by every
// storage.Repository backend.
package storagetest

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jmcleod/rangebook/storage"
)

// Run exercises the storage.Repository contract against the repository
// returned by newRepo. newRepo is called once per subtest and must return an
// empty repository.
func Run(t *testing.T, newRepo func(t *testing.T) storage.Repository) {
	t.Helper()
	rec := &storage.Record{Ver: 1, Data: []byte(`{"n":1}`), Version: 1}

	t.Run("PutGet", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		if err := repo.Put(ctx, "ITEM", "i1", rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := repo.Get(ctx, "ITEM", "i1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Ver != rec.Ver || got.Version != rec.Version || string(got.Data) != string(rec.Data) {
			t.Errorf("Get returned wrong record: %+v", got)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Get(t.Context(), "ITEM", "missing")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		for _, k := range []struct{ typ, id string }{{"A", "2"}, {"A", "1"}, {"AB", "x"}, {"B", "1"}} {
			if err := repo.Put(ctx, k.typ, k.id, rec); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
		}
		ids, err := repo.List(ctx, "A")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(ids) != 2 || ids[0] != "1" || ids[1] != "2" {
			t.Errorf("expected [1 2], got %v", ids)
		}
		ids, err = repo.List(ctx, "none")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(ids) != 0 {
			t.Errorf("expected no IDs, got %v", ids)
		}
	})

	t.Run("ListTypeWithSeparator", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		if err := repo.Put(ctx, "OWNER:u1", "s1", rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := repo.Put(ctx, "OWNER:u1:x", "s2", rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		ids, err := repo.List(ctx, "OWNER:u1")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(ids) != 1 || ids[0] != "s1" {
			t.Errorf("expected [s1], got %v", ids)
		}
		ids, err = repo.List(ctx, "OWNER:u1:x")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(ids) != 1 || ids[0] != "s2" {
			t.Errorf("expected [s2], got %v", ids)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		if err := repo.Put(ctx, "ITEM", "d1", rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := repo.Delete(ctx, "ITEM", "d1"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := repo.Get(ctx, "ITEM", "d1"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := repo.Delete(ctx, "ITEM", "d1"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound deleting twice, got %v", err)
		}
	})

	t.Run("PutCAS", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		v1 := &storage.Record{Ver: 1, Data: []byte(`1`), Version: 1}
		v2 := &storage.Record{Ver: 1, Data: []byte(`2`), Version: 2}

		if err := repo.PutCAS(ctx, "ITEM", "c1", 0, v1); err != nil {
			t.Fatalf("PutCAS create failed: %v", err)
		}
		if err := repo.PutCAS(ctx, "ITEM", "c1", 0, v1); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("expected ErrCASFailed on duplicate create, got %v", err)
		}
		if err := repo.PutCAS(ctx, "ITEM", "other", 1, v1); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("expected ErrCASFailed for missing record, got %v", err)
		}
		if err := repo.PutCAS(ctx, "ITEM", "c1", 1, v2); err != nil {
			t.Fatalf("PutCAS update failed: %v", err)
		}
		if err := repo.PutCAS(ctx, "ITEM", "c1", 1, v2); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("expected ErrCASFailed on stale version, got %v", err)
		}
		got, err := repo.Get(ctx, "ITEM", "c1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Version != 2 {
			t.Errorf("expected version 2, got %d", got.Version)
		}
	})

	t.Run("ConcurrentCreateOnly", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		const workers = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r := &storage.Record{Ver: 1, Data: fmt.Appendf(nil, "%d", i), Version: 1}
				if err := repo.PutCAS(ctx, "CLAIM", "one", 0, r); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Errorf("expected exactly one create to win, got %d", wins)
		}
	})

	t.Run("Batch", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()

		err := repo.Batch(ctx, func(tx storage.BatchTx) error {
			if err := tx.Put("T", "id1", rec); err != nil {
				return err
			}
			got, err := tx.Get("T", "id1")
			if err != nil {
				return fmt.Errorf("read-your-writes: %w", err)
			}
			if got.Version != rec.Version {
				return fmt.Errorf("unexpected version %d", got.Version)
			}
			ids, err := tx.List("T")
			if err != nil {
				return err
			}
			if len(ids) != 1 {
				return fmt.Errorf("expected 1 id in batch, got %v", ids)
			}
			return tx.PutCAS("T", "id2", 0, rec)
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}
		if _, err := repo.Get(ctx, "T", "id2"); err != nil {
			t.Errorf("record id2 should exist after batch: %v", err)
		}

		err = repo.Batch(ctx, func(tx storage.BatchTx) error {
			if err := tx.Put("T", "id3", rec); err != nil {
				return err
			}
			if err := tx.Delete("T", "id1"); err != nil {
				return err
			}
			return fmt.Errorf("simulated error")
		})
		if err == nil {
			t.Fatal("expected error from Batch, got nil")
		}
		if _, err := repo.Get(ctx, "T", "id3"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("record id3 should not exist after failed batch, got %v", err)
		}
		if _, err := repo.Get(ctx, "T", "id1"); err != nil {
			t.Errorf("record id1 should survive a failed batch: %v", err)
		}

		err = repo.Batch(ctx, func(tx storage.BatchTx) error {
			return tx.PutCAS("T", "id1", 0, rec)
		})
		if !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("expected ErrCASFailed from batch, got %v", err)
		}
	})
}
