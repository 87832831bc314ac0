package notifications

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/staybook/realtime/internal/domain"
	"github.com/staybook/realtime/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func record(id string, created time.Time) *domain.NotificationRecord {
	return &domain.NotificationRecord{
		ID:        id,
		Type:      "booking",
		CreatedAt: created,
		Data:      domain.NotificationData{Title: "Booking " + id},
	}
}

func at(t time.Time) *time.Time {
	return &t
}

func countUnread(records []*domain.NotificationRecord) int {
	n := 0
	for _, r := range records {
		if r.ReadAt == nil {
			n++
		}
	}
	return n
}

func TestStore_MergeInsertAndUpdate(t *testing.T) {
	s := NewStore(DefaultStoreConfig(), nil)

	results := s.Merge(OriginFetch, record("n1", base), record("n2", base.Add(time.Minute)), nil, &domain.NotificationRecord{})
	assert.Equal(t, []MergeResult{MergeInserted, MergeInserted, MergeInvalid, MergeInvalid}, results)
	assert.Equal(t, 2, s.UnreadCount())

	// Newer version wins
	read := record("n1", base)
	read.ReadAt = at(base.Add(time.Hour))
	assert.Equal(t, []MergeResult{MergeUpdated}, s.Merge(OriginPush, read))
	assert.Equal(t, 1, s.UnreadCount())

	// Older version is ignored
	assert.Equal(t, []MergeResult{MergeStale}, s.Merge(OriginFetch, record("n1", base)))
	got, ok := s.Get("n1")
	require.True(t, ok)
	assert.NotNil(t, got.ReadAt)

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "n2", list[0].ID, "newest first")
}

func TestStore_TombstoneBlocksResurrection(t *testing.T) {
	s := NewStore(DefaultStoreConfig(), nil)
	s.now = func() time.Time { return base.Add(time.Hour) }

	s.Merge(OriginFetch, record("n1", base))
	require.NoError(t, s.Delete("n1"))
	assert.Equal(t, 0, s.UnreadCount())
	assert.Equal(t, 0, s.Len())

	// A late push of the original record does not bring it back
	assert.Equal(t, []MergeResult{MergeStale}, s.Merge(OriginPush, record("n1", base)))
	_, ok := s.Get("n1")
	assert.False(t, ok)

	// Deleting again is a no-op
	require.NoError(t, s.Delete("n1"))

	// Unknown ids are tombstoned ahead of their push
	require.NoError(t, s.Delete("n9"))
	assert.Equal(t, []MergeResult{MergeStale}, s.Merge(OriginPush, record("n9", base)))
	assert.Empty(t, s.List())
}

func TestStore_MarkReadIdempotent(t *testing.T) {
	s := NewStore(DefaultStoreConfig(), nil)
	s.Merge(OriginFetch, record("n1", base), record("n2", base), record("n3", base))

	require.NoError(t, s.MarkRead("n1"))
	first, _ := s.Get("n1")
	require.NoError(t, s.MarkRead("n1"))
	second, _ := s.Get("n1")
	assert.Equal(t, first.ReadAt, second.ReadAt)
	assert.Equal(t, 2, s.UnreadCount())

	assert.ErrorIs(t, s.MarkRead("missing"), domain.ErrNotFound)

	assert.Equal(t, 2, s.MarkAllRead())
	assert.Equal(t, 0, s.MarkAllRead())
	assert.Equal(t, 0, s.UnreadCount())
}

func TestStore_ApplyRead(t *testing.T) {
	s := NewStore(DefaultStoreConfig(), nil)
	s.Merge(OriginFetch, record("n1", base))

	assert.True(t, s.ApplyRead("n1", base.Add(time.Minute)))
	assert.False(t, s.ApplyRead("n1", base.Add(2*time.Minute)))
	assert.False(t, s.ApplyRead("unknown", base))
	assert.Equal(t, 0, s.UnreadCount())
}

func TestStore_EqualVersionsMergeFieldwise(t *testing.T) {
	a := record("n1", base)
	a.UpdatedAt = base.Add(time.Hour)

	b := record("n1", base)
	b.UpdatedAt = base.Add(time.Hour)
	b.ReadAt = at(base.Add(time.Hour))

	ab := NewStore(DefaultStoreConfig(), nil)
	ab.Merge(OriginFetch, a)
	ab.Merge(OriginPush, b)

	ba := NewStore(DefaultStoreConfig(), nil)
	ba.Merge(OriginPush, b)
	ba.Merge(OriginFetch, a)

	gotAB, _ := ab.Get("n1")
	gotBA, _ := ba.Get("n1")
	assert.Equal(t, gotAB, gotBA)
	assert.NotNil(t, gotAB.ReadAt, "read wins on equal versions")
	assert.Equal(t, 0, ab.UnreadCount())
}

func TestStore_EqualVersionConflictsIgnoreOrder(t *testing.T) {
	a := record("n1", base)
	a.UpdatedAt = base.Add(time.Hour)
	a.NotifiableID = float64(7)
	a.Data.Extra = map[string]any{"hotel_id": float64(4), "room": "a"}

	b := record("n1", base.Add(time.Minute))
	b.UpdatedAt = base.Add(time.Hour)
	b.NotifiableID = float64(9)
	b.Data.Extra = map[string]any{"hotel_id": float64(5), "nights": float64(2)}

	ab := mergeEqual(a, b)
	ba := mergeEqual(b, a)
	assert.Equal(t, ab, ba)
	assert.Equal(t, base, ab.CreatedAt)
	assert.Equal(t, float64(7), ab.NotifiableID)
	assert.Equal(t, map[string]any{"hotel_id": float64(4), "room": "a", "nights": float64(2)}, ab.Data.Extra)
}

func TestStore_InsertNeverOverwrites(t *testing.T) {
	s := NewStore(DefaultStoreConfig(), nil)

	read := record("n1", base)
	read.ReadAt = at(base.Add(time.Minute))
	s.Merge(OriginFetch, read)
	require.NoError(t, s.Delete("n2"))

	late := record("n1", base.Add(time.Hour))
	assert.Equal(t, MergeExists, s.Insert(OriginPush, late))
	assert.Equal(t, MergeExists, s.Insert(OriginPush, record("n2", base.Add(time.Hour))))
	assert.Equal(t, MergeInserted, s.Insert(OriginPush, record("n3", base)))
	assert.Equal(t, MergeInvalid, s.Insert(OriginPush, &domain.NotificationRecord{}))

	got, ok := s.Get("n1")
	require.True(t, ok)
	assert.NotNil(t, got.ReadAt)
	_, ok = s.Get("n2")
	assert.False(t, ok)
	assert.Equal(t, 1, s.UnreadCount())
}

func TestStore_MergeIsCommutative(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	var updates []*domain.NotificationRecord
	for i := 0; i < 60; i++ {
		rec := record(fmt.Sprintf("n%d", rng.Intn(8)), base)
		rec.UpdatedAt = base.Add(time.Duration(rng.Intn(4)) * time.Minute)
		switch rng.Intn(3) {
		case 0:
			rec.ReadAt = at(rec.UpdatedAt)
		case 1:
			rec.DeletedAt = at(rec.UpdatedAt)
		}
		updates = append(updates, rec)
	}

	reference := NewStore(DefaultStoreConfig(), nil)
	reference.Merge(OriginFetch, updates...)

	for round := 0; round < 10; round++ {
		shuffled := append([]*domain.NotificationRecord(nil), updates...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		s := NewStore(DefaultStoreConfig(), nil)
		for _, rec := range shuffled {
			s.Merge(OriginPush, rec)
		}
		assert.Equal(t, reference.List(), s.List(), "round %d", round)
		assert.Equal(t, reference.UnreadCount(), s.UnreadCount(), "round %d", round)
	}
}

func TestStore_UnreadMatchesRecordsAfterAnySequence(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s := NewStore(DefaultStoreConfig(), nil)
	clock := base
	s.now = func() time.Time { return clock }

	for i := 0; i < 500; i++ {
		clock = clock.Add(time.Second)
		id := fmt.Sprintf("n%d", rng.Intn(20))

		switch rng.Intn(5) {
		case 0, 1:
			rec := record(id, clock.Add(-time.Duration(rng.Intn(120))*time.Second))
			if rng.Intn(3) == 0 {
				rec.ReadAt = at(clock)
			}
			s.Merge([]Origin{OriginFetch, OriginPush}[rng.Intn(2)], rec)
		case 2:
			_ = s.MarkRead(id)
		case 3:
			_ = s.Delete(id)
		case 4:
			if rng.Intn(10) == 0 {
				s.MarkAllRead()
			}
		}

		require.Equal(t, countUnread(s.List()), s.UnreadCount(), "step %d", i)
	}
}

func TestStore_PruneTombstones(t *testing.T) {
	s := NewStore(StoreConfig{TombstoneTTL: time.Hour}, nil)
	s.now = func() time.Time { return base }
	s.Merge(OriginFetch, record("n1", base))
	require.NoError(t, s.Delete("n1"))

	assert.Equal(t, 0, s.PruneTombstones())

	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	assert.Equal(t, 1, s.PruneTombstones())

	// Once forgotten, the id can be inserted again
	assert.Equal(t, []MergeResult{MergeInserted}, s.Merge(OriginPush, record("n1", base)))
}

func TestStore_PersistAndLoad(t *testing.T) {
	backing, err := storage.CreateStorage(storage.FactoryConfig{Type: storage.MemoryStorage})
	require.NoError(t, err)
	defer backing.Close()

	ctx := context.Background()
	cfg := StoreConfig{PersistDelay: 10 * time.Millisecond, TombstoneTTL: time.Hour}

	s := NewStore(cfg, backing)
	s.now = func() time.Time { return base.Add(time.Minute) }
	s.Merge(OriginFetch, record("n1", base), record("n2", base))
	require.NoError(t, s.MarkRead("n1"))
	require.NoError(t, s.Delete("n2"))

	// The debounced write lands on its own
	assert.Eventually(t, func() bool {
		records, err := backing.LoadNotifications(ctx)
		return err == nil && len(records) == 2
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, s.Flush(ctx))

	restored := NewStore(cfg, backing)
	assert.Equal(t, 2, restored.Load(ctx))
	assert.Equal(t, 1, restored.Len())
	assert.Equal(t, 0, restored.UnreadCount())

	// The tombstone survived the restart
	assert.Equal(t, []MergeResult{MergeStale}, restored.Merge(OriginPush, record("n2", base)))
}
