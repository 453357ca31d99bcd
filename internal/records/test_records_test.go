package records

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	run1 := uuid.NewString()
	run2 := uuid.NewString()

	require.NoError(t, s.Create(ctx, Record{RunID: run1, Asset: "raw", StartedAt: base}))
	err := s.Create(ctx, Record{RunID: run1, Asset: "raw", StartedAt: base})
	assert.True(t, errors.Is(err, ErrDuplicate), "got %v", err)

	_, err = s.LastSuccess(ctx, "raw", "")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.Update(ctx, Record{
		RunID: run1, Asset: "raw", StorageKey: "assets/raw/default.json",
		Status: StatusSuccess, UpdatedAt: base.Add(time.Second),
	}))
	require.NoError(t, s.Create(ctx, Record{RunID: run1, Asset: "summed", StartedAt: base.Add(time.Second)}))
	require.NoError(t, s.Update(ctx, Record{
		RunID: run1, Asset: "summed", Status: StatusFailed, Error: "boom",
		UpdatedAt: base.Add(2 * time.Second),
	}))

	require.NoError(t, s.Create(ctx, Record{RunID: run2, Asset: "raw", StartedAt: base.Add(time.Minute)}))
	require.NoError(t, s.Update(ctx, Record{
		RunID: run2, Asset: "raw", StorageKey: "assets/raw/default.json",
		Status: StatusSuccess, UpdatedAt: base.Add(time.Minute + time.Second),
	}))

	last, err := s.LastSuccess(ctx, "raw", DefaultPartition)
	require.NoError(t, err)
	assert.Equal(t, run2, last.RunID)

	byRun, err := s.ListByRun(ctx, run1)
	require.NoError(t, err)
	require.Len(t, byRun, 2)
	assert.Equal(t, "raw", byRun[0].Asset)
	assert.Equal(t, StatusSuccess, byRun[0].Status)
	assert.True(t, byRun[0].StartedAt.Equal(base), "start time survives update")
	assert.Equal(t, StatusFailed, byRun[1].Status)
	assert.Equal(t, "boom", byRun[1].Error)

	byAsset, err := s.ListByAsset(ctx, "raw", 1)
	require.NoError(t, err)
	require.Len(t, byAsset, 1)
	assert.Equal(t, run2, byAsset[0].RunID)
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestMemoryStoreRejectsIncompleteRecords(t *testing.T) {
	s := NewMemoryStore()
	assert.Error(t, s.Create(context.Background(), Record{Asset: "raw"}))
	assert.Error(t, s.Create(context.Background(), Record{RunID: "r"}))
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("ASSETFLOW_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ASSETFLOW_TEST_DATABASE_URL not set")
	}
	s, err := OpenPostgres(context.Background(), dsn)
	require.NoError(t, err)
	defer s.Close()
	storeContract(t, s)
}
