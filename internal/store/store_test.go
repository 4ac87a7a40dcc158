package store_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/CZERTAINLY/Courier/internal/model"
	"github.com/CZERTAINLY/Courier/internal/store"
	"github.com/CZERTAINLY/Courier/internal/transfer"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func TestStore(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db, err := store.InitDB(ctx, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	size := int64(11)
	ok := store.NewRecord(transfer.Status{
		ID:           7,
		Direction:    model.DirectionPush,
		Path:         "/data/file",
		Remote:       "https://remote.example.org/dst/file",
		Pool:         "pool-a",
		Info:         &model.IoJobInfo{BytesTransferred: 11},
		ExpectedSize: &size,
		SubmittedAt:  t0,
		StartedAt:    t0.Add(time.Second),
		FinishedAt:   t0.Add(time.Minute),
	}, nil)
	failed := store.NewRecord(transfer.Status{
		ID:          8,
		Direction:   model.DirectionPull,
		Path:        "/data/pulled",
		Remote:      "https://remote.example.org/src/file",
		SubmittedAt: t0,
		FinishedAt:  t0.Add(2 * time.Minute),
	}, errors.New("disk full"))

	okID, err := store.Insert(ctx, db, ok)
	require.NoError(t, err)
	failedID, err := store.Insert(ctx, db, failed)
	require.NoError(t, err)

	t.Run("get", func(t *testing.T) {
		row, err := store.Get(ctx, db, okID)
		require.NoError(t, err)
		require.Equal(t, ok, row.Record)
		require.Equal(t, time.Minute, row.Duration())

		_, err = store.Get(ctx, db, 1000)
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("recent", func(t *testing.T) {
		rows, err := store.Recent(ctx, db, 10, false)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		require.Equal(t, failedID, rows[0].ID)
		require.False(t, rows[0].Success)
		require.NotNil(t, rows[0].FailureReason)
		require.Equal(t, "disk full", *rows[0].FailureReason)
		require.Nil(t, rows[0].StartedAt)
		require.Nil(t, rows[0].Expected)
		require.Contains(t, rows[0].String(), `failure_reason: "disk full"`)

		rows, err = store.Recent(ctx, db, 10, true)
		require.NoError(t, err)
		require.Len(t, rows, 1)

		rows, err = store.Recent(ctx, db, 1, false)
		require.NoError(t, err)
		require.Len(t, rows, 1)
	})

	t.Run("prune", func(t *testing.T) {
		n, err := store.Prune(ctx, db, t0.Add(90*time.Second))
		require.NoError(t, err)
		require.Equal(t, int64(1), n)
		_, err = store.Get(ctx, db, okID)
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = store.Get(ctx, db, failedID)
		require.NoError(t, err)
	})
}

func TestHistory(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db, err := store.InitDB(ctx, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := store.NewHistory(db)
	h.TransferFinished(ctx, transfer.Status{ID: 1, Direction: model.DirectionPush, SubmittedAt: t0, FinishedAt: t0}, nil)
	h.TransferFinished(ctx, transfer.Status{ID: 2, Direction: model.DirectionPull, SubmittedAt: t0, FinishedAt: t0.Add(time.Second)}, errors.New("boom"))

	rows, err := store.Recent(ctx, db, 10, false)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, int64(2), rows[0].TransferID)
	require.True(t, rows[1].Success)
}
