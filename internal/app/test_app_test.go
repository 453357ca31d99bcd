package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assetflow/internal/config"
	"assetflow/internal/engine"
	"assetflow/internal/records"
	"assetflow/internal/storage"
)

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.Storage.Backend = "memory"
	cfg.Pipelines = []string{"example", "s3"}
	return cfg
}

func TestNewWiresAllPipelines(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.IsType(t, &records.MemoryStore{}, a.Records)
	names := make([]string, 0)
	for _, j := range a.Jobs.Jobs() {
		names = append(names, j.Name())
	}
	assert.Equal(t, []string{"all_assets_job", "s3_assets_job"}, names)
	assert.Len(t, a.Scheduler.Entries(), 1)
	assert.Equal(t, 7, a.Graph.Plan().Len())
}

func TestRunJobEndToEnd(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	res, err := a.RunJob(ctx, "all_assets_job", "")
	require.NoError(t, err)
	require.True(t, res.Succeeded(), res.Summary())
	assert.Equal(t, 0, res.ExitCode())
	assert.Equal(t, records.DefaultPartition, res.Partition)
	assert.Len(t, res.Assets, 7)

	rec, err := a.Records.LastSuccess(ctx, "summary_asset", records.DefaultPartition)
	require.NoError(t, err)
	assert.Equal(t, a.IO.Key("summary_asset", records.DefaultPartition), rec.StorageKey)

	again, err := a.RunJob(ctx, "s3_assets_job", "2024-06-01")
	require.NoError(t, err)
	require.True(t, again.Succeeded(), again.Summary())
	assert.Equal(t, engine.StatusSuccess, again.Assets["custom_s3_asset"].Status)
}

func TestCacheAndRetryDecorateDiskStorage(t *testing.T) {
	cfg := memoryConfig()
	cfg.Storage.Backend = "local"
	cfg.Storage.Root = t.TempDir()
	cfg.Storage.Cache.Enabled = true
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)

	cached, ok := a.Backend.(*storage.CachedStore)
	require.True(t, ok)
	_, ok = cached.Unwrap().(*storage.RetryStore)
	assert.True(t, ok)

	res, err := a.RunJob(context.Background(), "all_assets_job", "")
	require.NoError(t, err)
	assert.True(t, res.Succeeded(), res.Summary())
}

func TestNewRejectsUnknownPipeline(t *testing.T) {
	cfg := memoryConfig()
	cfg.Pipelines = []string{"nope"}
	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestServeStopsOnCancel(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
