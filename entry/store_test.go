package entry_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/rangebook/entry"
	"github.com/jmcleod/rangebook/storage"
	"github.com/jmcleod/rangebook/storage/memory"
)

func sampleEntry(id string, loggedAt time.Time) *entry.LogEntry {
	return &entry.LogEntry{
		ID:          id,
		OwnerUserID: "shooter-1",
		ClubID:      "club-1",
		RangeID:     "range-1",
		LoggedAt:    loggedAt,
		Discipline:  "KK-Gewehr",
		ShotCount:   30,
		Status:      entry.StatusAwaitingSignature,
	}
}

func TestStoreCreateGet(t *testing.T) {
	s := entry.NewStore(memory.NewRepository())
	ctx := t.Context()
	e := sampleEntry("e1", time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, s.Create(ctx, e))
	assert.Equal(t, uint64(1), e.Version)

	got, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, e.Discipline, got.Discipline)
	assert.Equal(t, uint64(1), got.Version)

	assert.Error(t, s.Create(ctx, sampleEntry("e1", time.Now())), "IDs are unique")

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, entry.ErrNotFound)
}

func TestStoreUpdateIsCompareAndSwap(t *testing.T) {
	s := entry.NewStore(memory.NewRepository())
	ctx := t.Context()
	require.NoError(t, s.Create(ctx, sampleEntry("e1", time.Now())))

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := s.Get(ctx, "e1")
			if err != nil {
				return
			}
			if e.Reject(entry.Rejection{ByUserID: string(rune('a' + i))}) != nil {
				return
			}
			if err := s.Update(ctx, e); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, entry.ErrInvalidStateTransition)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	got, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, entry.StatusRejected, got.Status)
	assert.Equal(t, uint64(2), got.Version)
}

func TestStoreDelete(t *testing.T) {
	s := entry.NewStore(memory.NewRepository())
	ctx := t.Context()
	e := sampleEntry("e1", time.Now())
	require.NoError(t, s.Create(ctx, e))
	require.NoError(t, s.Delete(ctx, e))

	_, err := s.Get(ctx, "e1")
	assert.ErrorIs(t, err, entry.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, e), entry.ErrNotFound)

	signed := sampleEntry("e2", time.Now())
	require.NoError(t, s.Create(ctx, signed))
	require.NoError(t, signed.Sign(entry.Signature{SignerUserID: "sup"}))
	require.NoError(t, s.Update(ctx, signed))
	assert.ErrorIs(t, s.Delete(ctx, signed), entry.ErrInvalidStateTransition)

	owned, err := s.ListByOwner(ctx, "shooter-1")
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, "e2", owned[0].ID)
}

var errDiskFull = errors.New("disk full")

// failingIndexRepo fails index deletes inside batches.
type failingIndexRepo struct {
	storage.Repository
}

func (r failingIndexRepo) Batch(ctx context.Context, fn func(tx storage.BatchTx) error) error {
	return r.Repository.Batch(ctx, func(tx storage.BatchTx) error {
		return fn(failingIndexTx{tx})
	})
}

type failingIndexTx struct {
	storage.BatchTx
}

func (tx failingIndexTx) Delete(recordType, recordID string) error {
	if strings.HasPrefix(recordType, "ENTRY_CLUB:") {
		return errDiskFull
	}
	return tx.BatchTx.Delete(recordType, recordID)
}

func TestStoreDeleteIndexFailureAborts(t *testing.T) {
	repo := memory.NewRepository()
	ctx := t.Context()
	e := sampleEntry("e1", time.Now())
	require.NoError(t, entry.NewStore(repo).Create(ctx, e))

	err := entry.NewStore(failingIndexRepo{repo}).Delete(ctx, e)
	require.ErrorIs(t, err, errDiskFull)

	got, err := entry.NewStore(repo).Get(ctx, "e1")
	require.NoError(t, err, "the batch rolled back")
	assert.Equal(t, e.ID, got.ID)
}

func TestStoreDeleteToleratesMissingIndex(t *testing.T) {
	repo := memory.NewRepository()
	ctx := t.Context()
	s := entry.NewStore(repo)
	e := sampleEntry("e1", time.Now())
	require.NoError(t, s.Create(ctx, e))
	require.NoError(t, repo.Delete(ctx, "ENTRY_OWNER:shooter-1", "e1"))

	require.NoError(t, s.Delete(ctx, e))
	_, err := s.Get(ctx, "e1")
	assert.ErrorIs(t, err, entry.ErrNotFound)
}

func TestStoreListByClub(t *testing.T) {
	s := entry.NewStore(memory.NewRepository())
	ctx := t.Context()
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Create(ctx, sampleEntry(id, base.Add(time.Duration(i)*time.Hour))))
	}
	b, err := s.Get(ctx, "b")
	require.NoError(t, err)
	require.NoError(t, b.Reject(entry.Rejection{ByUserID: "sup"}))
	require.NoError(t, s.Update(ctx, b))

	all, err := s.ListByClub(ctx, "club-1")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID, "newest first")

	pending, err := s.ListByClub(ctx, "club-1", entry.StatusOpen, entry.StatusAwaitingSignature)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}
