package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/staybook/realtime/internal/domain"
	"github.com/staybook/realtime/internal/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryStorage(t *testing.T) Storage {
	t.Helper()
	s, err := CreateStorage(FactoryConfig{Type: MemoryStorage})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStorage_Tokens(t *testing.T) {
	s := newMemoryStorage(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	older := &domain.PushToken{Value: "token-a", Status: domain.TokenDeleted, CreatedAt: now.Add(-time.Hour)}
	newer := &domain.PushToken{Value: "token-b", Status: domain.TokenActive, UserID: "7", CreatedAt: now}

	require.NoError(t, s.SaveToken(ctx, newer))
	require.NoError(t, s.SaveToken(ctx, older))

	got, err := s.GetToken(ctx, "token-b")
	require.NoError(t, err)
	assert.Equal(t, domain.TokenActive, got.Status)
	assert.Equal(t, "7", got.UserID)

	_, err = s.GetToken(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	tokens, err := s.ListTokens(ctx)
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, "token-a", tokens[0].Value)
	assert.Equal(t, "token-b", tokens[1].Value)
}

func TestStorage_RetryQueue(t *testing.T) {
	s := newMemoryStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()

	late := &domain.RetryTask{ID: uuid.NewString(), Op: domain.OpRegister, Token: "t1", NextAttemptAt: now.Add(time.Hour)}
	due1 := &domain.RetryTask{ID: uuid.NewString(), Op: domain.OpUnregister, Token: "t2", NextAttemptAt: now.Add(-time.Minute)}
	due2 := &domain.RetryTask{ID: uuid.NewString(), Op: domain.OpUnregister, Token: "t3", NextAttemptAt: now.Add(-time.Hour)}

	for _, task := range []*domain.RetryTask{late, due1, due2} {
		require.NoError(t, s.Enqueue(ctx, task))
	}

	due, err := s.Due(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "t3", due[0].Token)
	assert.Equal(t, "t2", due[1].Token)

	limited, err := s.Due(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	due1.Attempts = 3
	due1.NextAttemptAt = now.Add(2 * time.Hour)
	require.NoError(t, s.Update(ctx, due1))

	due, err = s.Due(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "t3", due[0].Token)

	require.NoError(t, s.Remove(ctx, due2.ID))
	require.NoError(t, s.Remove(ctx, due2.ID))

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "t1", pending[0].Token)
	assert.Equal(t, 3, pending[1].Attempts)
}

func TestStorage_NotificationSnapshot(t *testing.T) {
	s := newMemoryStorage(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	first := []*domain.NotificationRecord{
		{ID: "n1", Type: "booking", CreatedAt: now, Data: domain.NotificationData{Title: "Booked"}},
		{ID: "n2", Type: "payment", CreatedAt: now, ReadAt: &now},
	}
	require.NoError(t, s.SaveNotifications(ctx, first))

	loaded, err := s.LoadNotifications(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded, 2)

	// Saving replaces the whole snapshot
	require.NoError(t, s.SaveNotifications(ctx, first[:1]))
	loaded, err = s.LoadNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "n1", loaded[0].ID)
	assert.Equal(t, "Booked", loaded[0].Data.Title)
}

func TestStorage_NotificationSnapshotNeverEmptyDuringSave(t *testing.T) {
	s := newMemoryStorage(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.SaveToken(ctx, &domain.PushToken{Value: "tok", Status: domain.TokenActive}))

	snapshots := [][]*domain.NotificationRecord{
		{{ID: "n1", CreatedAt: now}, {ID: "n2", CreatedAt: now}},
		{{ID: "n2", CreatedAt: now, ReadAt: &now}, {ID: "n3", CreatedAt: now}},
	}
	require.NoError(t, s.SaveNotifications(ctx, snapshots[0]))

	done := make(chan struct{})
	empty := make(chan struct{}, 1)
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			loaded, err := s.LoadNotifications(ctx)
			if err == nil && len(loaded) == 0 {
				empty <- struct{}{}
				return
			}
		}
	}()
	for i := 0; i < 200; i++ {
		require.NoError(t, s.SaveNotifications(ctx, snapshots[i%2]))
	}
	<-done
	assert.Empty(t, empty, "a reader observed an empty snapshot")

	require.NoError(t, s.SaveNotifications(ctx, snapshots[1]))
	loaded, err := s.LoadNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "n2", loaded[0].ID)
	assert.NotNil(t, loaded[0].ReadAt)
	assert.Equal(t, "n3", loaded[1].ID)

	tok, err := s.GetToken(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, domain.TokenActive, tok.Status)
}

func TestStorage_PersistsAcrossReopen(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "realtime-storage-test")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	cfg := FactoryConfig{Type: BadgerStorage, Config: badger.Config{DataDir: tmpDir}}
	ctx := context.Background()

	s, err := CreateStorage(cfg)
	require.NoError(t, err)
	task := &domain.RetryTask{ID: "task-1", Op: domain.OpUnregister, Token: "tok", NextAttemptAt: time.Now()}
	require.NoError(t, s.Enqueue(ctx, task))
	require.NoError(t, s.Close())

	s, err = CreateStorage(cfg)
	require.NoError(t, err)
	defer s.Close()

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "task-1", pending[0].ID)
}

func TestCreateStorage_UnknownType(t *testing.T) {
	_, err := CreateStorage(FactoryConfig{Type: "rocksdb"})
	assert.Error(t, err)
}
