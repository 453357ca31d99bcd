package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assetflow/internal/asset"
	"assetflow/internal/graph"
	"assetflow/internal/iomanager"
	"assetflow/internal/records"
	"assetflow/internal/storage"
)

type fixture struct {
	reg     *asset.Registry
	backend *storage.MemoryStore
	io      *iomanager.Manager
	records *records.MemoryStore
}

func newFixture(defs ...asset.Definition) *fixture {
	reg := asset.NewRegistry()
	reg.MustRegister(defs...)
	backend := storage.NewMemoryStore()
	return &fixture{
		reg:     reg,
		backend: backend,
		io:      iomanager.New(backend),
		records: records.NewMemoryStore(),
	}
}

func (f *fixture) engine(t *testing.T, opts Options) *Engine {
	t.Helper()
	g, err := graph.Build(f.reg)
	require.NoError(t, err)
	return New(f.reg, g, f.io, f.records, opts)
}

func rawSummed(rawCalls *int32, rawErr error) []asset.Definition {
	return []asset.Definition{
		{
			Name:       "raw",
			OutputType: "[]int",
			Compute: func(context.Context, asset.Inputs) (any, error) {
				if rawCalls != nil {
					atomic.AddInt32(rawCalls, 1)
				}
				if rawErr != nil {
					return nil, rawErr
				}
				return []int{1, 2, 3}, nil
			},
		},
		{
			Name:       "summed",
			Deps:       []string{"raw"},
			OutputType: "int",
			Compute: func(_ context.Context, in asset.Inputs) (any, error) {
				xs, err := asset.Input[[]int](in, "raw")
				if err != nil {
					return nil, err
				}
				total := 0
				for _, x := range xs {
					total += x
				}
				return total, nil
			},
		},
	}
}

func constant(name string, v any, deps ...string) asset.Definition {
	return asset.Definition{
		Name: name,
		Deps: deps,
		Compute: func(context.Context, asset.Inputs) (any, error) {
			return v, nil
		},
	}
}

func failing(name string, err error, deps ...string) asset.Definition {
	return asset.Definition{
		Name: name,
		Deps: deps,
		Compute: func(context.Context, asset.Inputs) (any, error) {
			return nil, err
		},
	}
}

func readInt(t *testing.T, io *iomanager.Manager, name string) int {
	t.Helper()
	v, err := io.Read(context.Background(), name, "")
	require.NoError(t, err)
	n, err := asset.Input[int](asset.Inputs{name: v}, name)
	require.NoError(t, err)
	return n
}

func TestRunRawSummed(t *testing.T) {
	f := newFixture(rawSummed(nil, nil)...)
	res, err := f.engine(t, Options{}).Run(context.Background(), Request{})
	require.NoError(t, err)

	assert.Equal(t, []string{"raw", "summed"}, res.Order)
	assert.True(t, res.Succeeded())
	assert.Equal(t, 0, res.ExitCode())
	assert.Equal(t, 6, readInt(t, f.io, "summed"))
	assert.Equal(t, "assets/summed/default.json", res.Assets["summed"].StorageKey)

	recs, err := f.records.ListByRun(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.Equal(t, records.StatusSuccess, r.Status)
		assert.NotEmpty(t, r.StorageKey)
	}
}

func TestRunRawFailureSkipsSummed(t *testing.T) {
	f := newFixture(rawSummed(nil, errors.New("source unavailable"))...)
	res, err := f.engine(t, Options{}).Run(context.Background(), Request{})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Assets["raw"].Status)
	assert.Equal(t, StatusSkipped, res.Assets["summed"].Status)
	assert.NotEqual(t, 0, res.ExitCode())
	assert.Equal(t, []string{"raw"}, res.Failed())

	var ce *ComputeError
	require.True(t, errors.As(res.Assets["raw"].Err, &ce))
	assert.Equal(t, "raw", ce.Asset)
	var up *UpstreamFailedError
	require.True(t, errors.As(res.Assets["summed"].Err, &up))
	assert.Equal(t, "raw", up.Upstream)

	ok, err := f.io.Exists(context.Background(), "summed", "")
	require.NoError(t, err)
	assert.False(t, ok)

	recs, err := f.records.ListByRun(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Len(t, recs, 1, "skipped assets never start")
	assert.Equal(t, records.StatusFailed, recs[0].Status)
	assert.Contains(t, recs[0].Error, "source unavailable")
}

func TestFailureIsolatesIndependentBranches(t *testing.T) {
	f := newFixture(
		constant("a", 1),
		failing("b", errors.New("boom"), "a"),
		constant("c", 3, "a"),
		constant("d", 4, "b"),
	)
	res, err := f.engine(t, Options{Parallelism: 2}).Run(context.Background(), Request{})
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Assets["a"].Status)
	assert.Equal(t, StatusFailed, res.Assets["b"].Status)
	assert.Equal(t, StatusSuccess, res.Assets["c"].Status)
	assert.Equal(t, StatusSkipped, res.Assets["d"].Status)
	assert.Equal(t, 3, readInt(t, f.io, "c"))
	assert.Equal(t, []string{"d"}, res.Skipped())
}

// faultyBackend fails Put or Get for one key and serves the rest from memory.
type faultyBackend struct {
	*storage.MemoryStore
	failPut string
	failGet string
}

func (b *faultyBackend) Put(ctx context.Context, key string, content []byte) error {
	if key == b.failPut {
		return errors.New("disk full")
	}
	return b.MemoryStore.Put(ctx, key, content)
}

func (b *faultyBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if key == b.failGet {
		return nil, errors.New("connection reset")
	}
	return b.MemoryStore.Get(ctx, key)
}

func TestStorageWriteFailureFailsOnlyThatAsset(t *testing.T) {
	reg := asset.NewRegistry()
	reg.MustRegister(constant("a", 1), constant("b", 2, "a"), constant("c", 3))
	g, err := graph.Build(reg)
	require.NoError(t, err)
	io := iomanager.New(&faultyBackend{MemoryStore: storage.NewMemoryStore(), failPut: "assets/a/default.json"})
	rec := records.NewMemoryStore()

	res, err := New(reg, g, io, rec, Options{Parallelism: 2}).Run(context.Background(), Request{})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Assets["a"].Status)
	assert.Equal(t, StatusSkipped, res.Assets["b"].Status)
	assert.Equal(t, StatusSuccess, res.Assets["c"].Status)
	var ce *ComputeError
	require.True(t, errors.As(res.Assets["a"].Err, &ce))
	var se *iomanager.StorageError
	require.True(t, errors.As(res.Assets["a"].Err, &se))
	assert.Equal(t, "put", se.Op)
	assert.Equal(t, "assets/a/default.json", res.Assets["a"].StorageKey)

	recs, err := rec.ListByRun(context.Background(), res.RunID)
	require.NoError(t, err)
	byAsset := map[string]records.Record{}
	for _, r := range recs {
		byAsset[r.Asset] = r
	}
	assert.Equal(t, records.StatusFailed, byAsset["a"].Status)
	assert.Contains(t, byAsset["a"].Error, "disk full")
	assert.Equal(t, records.StatusSuccess, byAsset["c"].Status)
	_, ran := byAsset["b"]
	assert.False(t, ran, "skipped assets never start")
}

func TestStorageReadFailureOfOutsideDependency(t *testing.T) {
	reg := asset.NewRegistry()
	reg.MustRegister(constant("a", 1), constant("b", 2, "a"), constant("c", 3, "b"), constant("d", 4))
	g, err := graph.Build(reg)
	require.NoError(t, err)
	backend := &faultyBackend{MemoryStore: storage.NewMemoryStore()}
	io := iomanager.New(backend)
	e := New(reg, g, io, nil, Options{})

	_, err = e.Run(context.Background(), Request{Selection: []string{"a"}})
	require.NoError(t, err)
	backend.failGet = "assets/a/default.json"

	res, err := e.Run(context.Background(), Request{Selection: []string{"b*", "d"}})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Assets["b"].Status)
	assert.Equal(t, StatusSkipped, res.Assets["c"].Status)
	assert.Equal(t, StatusSuccess, res.Assets["d"].Status)
	var se *iomanager.StorageError
	require.True(t, errors.As(res.Assets["b"].Err, &se))
	assert.Equal(t, "get", se.Op)
	assert.Equal(t, "assets/a/default.json", se.Key)
}

func TestPendingRecordCarriesStorageKey(t *testing.T) {
	var f *fixture
	seen := make(chan records.Record, 1)
	f = newFixture(asset.Definition{
		Name: "a",
		Compute: func(ctx context.Context, _ asset.Inputs) (any, error) {
			recs, err := f.records.ListByRun(ctx, "run-1")
			if err != nil || len(recs) != 1 {
				return nil, errors.New("pending record missing")
			}
			seen <- recs[0]
			return 1, nil
		},
	})
	res, err := f.engine(t, Options{}).Run(context.Background(), Request{RunID: "run-1", Partition: "2024-01-01"})
	require.NoError(t, err)
	require.True(t, res.Succeeded(), res.Summary())

	pending := <-seen
	assert.Equal(t, records.StatusPending, pending.Status)
	assert.Equal(t, "assets/a/2024-01-01.json", pending.StorageKey)
}

func TestRerunReusesStoredUpstream(t *testing.T) {
	var calls int32
	f := newFixture(rawSummed(&calls, nil)...)
	e := f.engine(t, Options{})

	_, err := e.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.EqualValues(t, 1, calls)

	res, err := e.Run(context.Background(), Request{Selection: []string{"summed"}})
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, []string{"summed"}, res.Order)
	assert.EqualValues(t, 1, calls, "raw must not be recomputed")
	assert.Equal(t, 6, readInt(t, f.io, "summed"))
}

func TestColdStartMissingUpstream(t *testing.T) {
	t.Run("fail", func(t *testing.T) {
		f := newFixture(rawSummed(nil, nil)...)
		res, err := f.engine(t, Options{}).Run(context.Background(), Request{Selection: []string{"summed"}})
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, res.Assets["summed"].Status)
		var nf *iomanager.NotFoundError
		assert.True(t, errors.As(res.Assets["summed"].Err, &nf))
		assert.True(t, errors.Is(res.Assets["summed"].Err, storage.ErrNotFound))
	})
	t.Run("materialize", func(t *testing.T) {
		var calls int32
		f := newFixture(rawSummed(&calls, nil)...)
		res, err := f.engine(t, Options{MissingUpstream: MissingUpstreamMaterialize}).
			Run(context.Background(), Request{Selection: []string{"summed"}})
		require.NoError(t, err)
		assert.True(t, res.Succeeded())
		assert.Equal(t, []string{"raw", "summed"}, res.Order)
		assert.EqualValues(t, 1, calls)

		// Once stored, raw is reused instead of recomputed.
		res, err = f.engine(t, Options{MissingUpstream: MissingUpstreamMaterialize}).
			Run(context.Background(), Request{Selection: []string{"summed"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"summed"}, res.Order)
		assert.EqualValues(t, 1, calls)
	})
}

func TestPartitionsAreIndependent(t *testing.T) {
	f := newFixture(rawSummed(nil, nil)...)
	e := f.engine(t, Options{})
	res, err := e.Run(context.Background(), Request{Partition: "2024-01-01"})
	require.NoError(t, err)
	assert.Equal(t, "assets/summed/2024-01-01.json", res.Assets["summed"].StorageKey)

	res, err = e.Run(context.Background(), Request{Selection: []string{"summed"}, Partition: "2024-01-02"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Assets["summed"].Status)
}

func TestPanicBecomesComputeError(t *testing.T) {
	f := newFixture(
		asset.Definition{Name: "boom", Compute: func(context.Context, asset.Inputs) (any, error) {
			panic("exploded")
		}},
		constant("after", 1, "boom"),
	)
	res, err := f.engine(t, Options{}).Run(context.Background(), Request{})
	require.NoError(t, err)
	var pe *PanicError
	require.True(t, errors.As(res.Assets["boom"].Err, &pe))
	assert.Equal(t, "exploded", pe.Value)
	assert.Equal(t, StatusSkipped, res.Assets["after"].Status)
}

func TestUnknownSelectionIsRequestError(t *testing.T) {
	f := newFixture(rawSummed(nil, nil)...)
	_, err := f.engine(t, Options{}).Run(context.Background(), Request{Selection: []string{"nope"}})
	var unk *graph.UnknownAssetError
	assert.True(t, errors.As(err, &unk))
}

func TestIndependentBranchesRunConcurrently(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)
	both := make(chan struct{})
	go func() {
		wg.Wait()
		close(both)
	}()
	rendezvous := func(context.Context, asset.Inputs) (any, error) {
		wg.Done()
		select {
		case <-both:
			return "ok", nil
		case <-time.After(5 * time.Second):
			return nil, errors.New("peer branch never started")
		}
	}
	f := newFixture(
		asset.Definition{Name: "left", Compute: rendezvous},
		asset.Definition{Name: "right", Compute: rendezvous},
	)
	res, err := f.engine(t, Options{Parallelism: 2}).Run(context.Background(), Request{})
	require.NoError(t, err)
	assert.True(t, res.Succeeded(), res.Summary())
}

func TestParallelismBoundsInflight(t *testing.T) {
	var cur, peak int32
	work := func(context.Context, asset.Inputs) (any, error) {
		n := atomic.AddInt32(&cur, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&cur, -1)
		return nil, nil
	}
	var defs []asset.Definition
	for _, n := range []string{"a", "b", "c", "d", "e", "f"} {
		defs = append(defs, asset.Definition{Name: n, Compute: work})
	}
	f := newFixture(defs...)
	res, err := f.engine(t, Options{Parallelism: 2}).Run(context.Background(), Request{})
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestCancelledBeforeStart(t *testing.T) {
	f := newFixture(rawSummed(nil, nil)...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.engine(t, Options{}).Run(ctx, Request{})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Assets["raw"].Status)
	assert.Equal(t, StatusCancelled, res.Assets["summed"].Status)
	assert.Equal(t, 1, res.ExitCode())
}

func TestCancelLetsInflightAssetFinish(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(
		asset.Definition{Name: "slow", Compute: func(ctx context.Context, _ asset.Inputs) (any, error) {
			close(started)
			<-release
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return 42, nil
		}},
		constant("next", 1, "slow"),
	)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	res, err := f.engine(t, Options{}).Run(ctx, Request{})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Assets["slow"].Status)
	assert.Equal(t, StatusCancelled, res.Assets["next"].Status)
	assert.Equal(t, 42, readInt(t, f.io, "slow"))
}

func TestObserverSeesOrderedEvents(t *testing.T) {
	var mu sync.Mutex
	var events []Event
	f := newFixture(rawSummed(nil, nil)...)
	e := f.engine(t, Options{Observer: func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}})
	_, err := e.Run(context.Background(), Request{Job: "j"})
	require.NoError(t, err)

	var types []EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []EventType{
		EventRunStarted,
		EventAssetStarted, EventAssetFinished,
		EventAssetStarted, EventAssetFinished,
		EventRunFinished,
	}, types)
	assert.Equal(t, "raw", events[1].Asset)
	assert.Equal(t, "summed", events[3].Asset)
	assert.Contains(t, events[5].Summary, "success=2")
}

func TestParseMissingUpstreamPolicy(t *testing.T) {
	p, err := ParseMissingUpstreamPolicy("")
	require.NoError(t, err)
	assert.Equal(t, MissingUpstreamFail, p)
	p, err = ParseMissingUpstreamPolicy("Materialize")
	require.NoError(t, err)
	assert.Equal(t, MissingUpstreamMaterialize, p)
	_, err = ParseMissingUpstreamPolicy("maybe")
	assert.Error(t, err)
}
