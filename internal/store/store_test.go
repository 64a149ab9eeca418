package store

import (
	"context"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	return db
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := openTestDB(t)
	s := New(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestInsert_SetsQueuedAndZeroAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := &Job{ID: "01JOBID0000000000000000000", Kind: KindEmail, MaxAttempts: 3,
		Priority: 5, Payload: JSONMap{"to": "a@x.com"}}
	require.NoError(t, s.Insert(ctx, j))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, got.Status)
	require.Equal(t, 0, got.Attempts)
	require.Equal(t, "a@x.com", got.Payload["to"])
}

func TestUpdate_SetsStartedAtOnceAndCompletedAtOnTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := &Job{ID: "01JOBID0000000000000000001", Kind: KindEmail, MaxAttempts: 3}
	require.NoError(t, s.Insert(ctx, j))

	processing := StatusProcessing
	first, err := s.Update(ctx, j.ID, Patch{Status: &processing})
	require.NoError(t, err)
	require.NotNil(t, first.StartedAt)
	startedAt := *first.StartedAt

	// Re-entering Processing (as on retry) must not move started_at.
	second, err := s.Update(ctx, j.ID, Patch{Status: &processing})
	require.NoError(t, err)
	require.Equal(t, startedAt, *second.StartedAt)

	completed := StatusCompleted
	done, err := s.Update(ctx, j.ID, Patch{Status: &completed, Result: JSONMap{"ok": true}})
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)
	require.Equal(t, true, done.Result["ok"])
}

func TestUpdate_AttemptsNeverDecreases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := &Job{ID: "01JOBID0000000000000000002", Kind: KindWebhook, MaxAttempts: 3}
	require.NoError(t, s.Insert(ctx, j))

	two := 2
	_, err := s.Update(ctx, j.ID, Patch{Attempts: &two})
	require.NoError(t, err)

	one := 1
	got, err := s.Update(ctx, j.ID, Patch{Attempts: &one})
	require.NoError(t, err)
	require.Equal(t, 2, got.Attempts)
}

func TestCountByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, &Job{ID: "01JOBID0000000000000000003", Kind: KindEmail, MaxAttempts: 3}))
	require.NoError(t, s.Insert(ctx, &Job{ID: "01JOBID0000000000000000004", Kind: KindEmail, MaxAttempts: 3}))

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), counts[StatusQueued])
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
