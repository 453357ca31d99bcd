// Package engine materializes a selection of assets.
//
// The dispatch loop keeps a ready set of assets whose in-run dependencies are
// all terminal and launches them, smallest name first, while fewer than
// Parallelism computes are in flight. Completions come back on a channel; a
// success releases its dependents, a failure marks every descendant in the run
// as skipped. Dependencies outside the run are read from the IO manager.
package engine

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"assetflow/internal/asset"
	"assetflow/internal/graph"
	"assetflow/internal/iomanager"
	"assetflow/internal/logging"
	"assetflow/internal/records"
)

// MissingUpstreamPolicy decides what happens when a dependency outside the
// run has never been materialized for the requested partition.
type MissingUpstreamPolicy string

const (
	// MissingUpstreamFail fails the dependent asset with a NotFoundError.
	MissingUpstreamFail MissingUpstreamPolicy = "fail"
	// MissingUpstreamMaterialize adds the missing dependency, and any of its
	// own missing ancestors, to the run.
	MissingUpstreamMaterialize MissingUpstreamPolicy = "materialize"
)

func ParseMissingUpstreamPolicy(s string) (MissingUpstreamPolicy, error) {
	switch MissingUpstreamPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", MissingUpstreamFail:
		return MissingUpstreamFail, nil
	case MissingUpstreamMaterialize:
		return MissingUpstreamMaterialize, nil
	}
	return "", fmt.Errorf("unknown missing upstream policy %q", s)
}

type Options struct {
	Parallelism     int
	MissingUpstream MissingUpstreamPolicy
	Observer        func(Event)
	Logger          *zap.Logger
	Now             func() time.Time
}

type Engine struct {
	reg     *asset.Registry
	graph   *graph.Graph
	io      *iomanager.Manager
	records records.Store
	opts    Options
}

// New builds an engine over a resolved graph. A nil record store keeps
// records in memory.
func New(reg *asset.Registry, g *graph.Graph, io *iomanager.Manager, rec records.Store, opts Options) *Engine {
	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.NumCPU()
	}
	if opts.MissingUpstream == "" {
		opts.MissingUpstream = MissingUpstreamFail
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if rec == nil {
		rec = records.NewMemoryStore()
	}
	return &Engine{reg: reg, graph: g, io: io, records: rec, opts: opts}
}

func (e *Engine) Graph() *graph.Graph       { return e.graph }
func (e *Engine) Records() records.Store    { return e.records }
func (e *Engine) IO() *iomanager.Manager    { return e.io }
func (e *Engine) Registry() *asset.Registry { return e.reg }
func (e *Engine) Parallelism() int          { return e.opts.Parallelism }

// Request describes one run.
type Request struct {
	RunID     string
	Job       string
	Selection []string
	Partition string
}

// Plan returns the execution order for a selection without running it.
func (e *Engine) Plan(selection []string) (graph.Plan, error) {
	set, err := e.graph.Select(selection)
	if err != nil {
		return graph.Plan{}, err
	}
	return e.graph.Subplan(set), nil
}

type assetState uint8

const (
	statePending assetState = iota
	stateRunning
	stateDone
)

type outcome struct {
	asset    string
	value    any
	key      string
	err      error
	started  time.Time
	finished time.Time
}

type run struct {
	req     Request
	set     map[string]struct{}
	state   map[string]assetState
	results map[string]AssetResult

	mu     sync.RWMutex
	values map[string]any
}

func (r *run) value(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[name]
	return v, ok
}

func (r *run) publish(name string, v any) {
	r.mu.Lock()
	r.values[name] = v
	r.mu.Unlock()
}

// Run materializes the selected assets. The returned error is non-nil only
// when the request itself is invalid; asset failures are reported in the
// result.
func (e *Engine) Run(ctx context.Context, req Request) (RunResult, error) {
	if strings.TrimSpace(req.RunID) == "" {
		req.RunID = uuid.NewString()
	}
	if strings.TrimSpace(req.Partition) == "" {
		req.Partition = iomanager.DefaultPartition
	}
	set, err := e.graph.Select(req.Selection)
	if err != nil {
		return RunResult{}, err
	}
	log := e.opts.Logger.With(zap.String("run_id", req.RunID), zap.String("job", req.Job), zap.String("partition", req.Partition))
	ctx = logging.WithContext(ctx, log)

	if e.opts.MissingUpstream == MissingUpstreamMaterialize {
		added := e.expandMissing(ctx, set, req.Partition)
		if len(added) > 0 {
			log.Info("materializing missing upstream assets", zap.Strings("assets", added))
		}
	}

	plan := e.graph.Subplan(set)
	r := &run{
		req:     req,
		set:     set,
		state:   make(map[string]assetState, len(plan.Order)),
		results: make(map[string]AssetResult, len(plan.Order)),
		values:  make(map[string]any, len(plan.Order)),
	}
	res := RunResult{
		RunID:     req.RunID,
		Job:       req.Job,
		Partition: req.Partition,
		Order:     plan.Order,
		StartedAt: e.opts.Now(),
	}
	e.emit(Event{Type: EventRunStarted, RunID: req.RunID, Job: req.Job, Time: res.StartedAt})
	log.Info("run started", zap.Strings("order", plan.Order), zap.Int("parallelism", e.opts.Parallelism))

	e.dispatch(ctx, r, plan)

	res.Assets = r.results
	res.FinishedAt = e.opts.Now()
	e.emit(Event{Type: EventRunFinished, RunID: req.RunID, Job: req.Job, Time: res.FinishedAt, Summary: res.Summary()})
	if res.Succeeded() {
		log.Info("run finished", zap.String("summary", res.Summary()), zap.Duration("duration", res.Duration()))
	} else {
		log.Warn("run finished with failures", zap.String("summary", res.Summary()), zap.Strings("failed", res.Failed()))
	}
	return res, nil
}

func (e *Engine) dispatch(ctx context.Context, r *run, plan graph.Plan) {
	remaining := make(map[string]int, len(plan.Order))
	ready := make([]string, 0, len(plan.Order))
	for _, n := range plan.Order {
		r.state[n] = statePending
		cnt := 0
		for _, d := range e.graph.Deps(n) {
			if _, ok := r.set[d]; ok {
				cnt++
			}
		}
		remaining[n] = cnt
		if cnt == 0 {
			ready = append(ready, n)
		}
	}
	sort.Strings(ready)

	var eg errgroup.Group
	eg.SetLimit(e.opts.Parallelism)
	done := make(chan outcome, len(plan.Order))
	inflight, finished := 0, 0
	cancelCh := ctx.Done()
	cancelled := false
	// In-flight computes finish even when the run is cancelled.
	workCtx := context.WithoutCancel(ctx)

	for finished < len(plan.Order) {
		if !cancelled && ctx.Err() != nil {
			cancelled = true
			cancelCh = nil
			finished += e.cancelPending(r, plan)
			ready = ready[:0]
			continue
		}
		for !cancelled && len(ready) > 0 && inflight < e.opts.Parallelism {
			name := ready[0]
			ready = ready[1:]
			r.state[name] = stateRunning
			inflight++
			e.emit(Event{Type: EventAssetStarted, RunID: r.req.RunID, Job: r.req.Job, Asset: name, Time: e.opts.Now()})
			eg.Go(func() error {
				done <- e.materialize(workCtx, r, name)
				return nil
			})
		}
		if inflight == 0 {
			// Only reachable once everything left was cancelled.
			break
		}
		select {
		case <-cancelCh:
		case o := <-done:
			inflight--
			finished++
			finished += e.complete(r, o, remaining, &ready)
		}
	}
	_ = eg.Wait()
}

// complete records an outcome and returns how many additional assets reached
// a terminal state (skipped descendants).
func (e *Engine) complete(r *run, o outcome, remaining map[string]int, ready *[]string) int {
	r.state[o.asset] = stateDone
	log := e.opts.Logger.With(zap.String("run_id", r.req.RunID), zap.String("asset", o.asset))
	if o.err == nil {
		r.publish(o.asset, o.value)
		r.results[o.asset] = AssetResult{
			Asset: o.asset, Status: StatusSuccess, StorageKey: o.key,
			StartedAt: o.started, FinishedAt: o.finished,
		}
		e.emit(Event{Type: EventAssetFinished, RunID: r.req.RunID, Job: r.req.Job, Asset: o.asset, Status: StatusSuccess, StorageKey: o.key, Time: o.finished})
		log.Debug("asset materialized", zap.String("key", o.key), zap.Duration("duration", o.finished.Sub(o.started)))
		for _, d := range e.graph.Downstream(o.asset) {
			if _, ok := r.set[d]; !ok || r.state[d] != statePending {
				continue
			}
			remaining[d]--
			if remaining[d] == 0 {
				*ready = insertSorted(*ready, d)
			}
		}
		return 0
	}

	r.results[o.asset] = AssetResult{
		Asset: o.asset, Status: StatusFailed, StorageKey: o.key, Error: o.err.Error(), Err: o.err,
		StartedAt: o.started, FinishedAt: o.finished,
	}
	e.emit(Event{Type: EventAssetFinished, RunID: r.req.RunID, Job: r.req.Job, Asset: o.asset, Status: StatusFailed, Error: o.err.Error(), Time: o.finished})
	log.Error("asset failed", zap.Error(o.err))

	desc := e.graph.Descendants(o.asset)
	names := make([]string, 0, len(desc))
	for d := range desc {
		if _, ok := r.set[d]; ok && r.state[d] == statePending {
			names = append(names, d)
		}
	}
	sort.Strings(names)
	now := e.opts.Now()
	for _, d := range names {
		r.state[d] = stateDone
		err := &UpstreamFailedError{Asset: d, Upstream: o.asset}
		r.results[d] = AssetResult{Asset: d, Status: StatusSkipped, Error: err.Error(), Err: err, FinishedAt: now}
		e.emit(Event{Type: EventAssetFinished, RunID: r.req.RunID, Job: r.req.Job, Asset: d, Status: StatusSkipped, Error: err.Error(), Time: now})
	}
	if len(names) > 0 {
		log.Warn("skipping downstream assets", zap.Strings("assets", names))
	}
	return len(names)
}

func (e *Engine) cancelPending(r *run, plan graph.Plan) int {
	now := e.opts.Now()
	n := 0
	for _, name := range plan.Order {
		if r.state[name] != statePending {
			continue
		}
		r.state[name] = stateDone
		r.results[name] = AssetResult{Asset: name, Status: StatusCancelled, Error: ErrCancelled.Error(), Err: ErrCancelled, FinishedAt: now}
		e.emit(Event{Type: EventAssetFinished, RunID: r.req.RunID, Job: r.req.Job, Asset: name, Status: StatusCancelled, Time: now})
		n++
	}
	if n > 0 {
		e.opts.Logger.Warn("run cancelled", zap.String("run_id", r.req.RunID), zap.Int("cancelled_assets", n))
	}
	return n
}

// materialize loads inputs, computes and persists one asset.
func (e *Engine) materialize(ctx context.Context, r *run, name string) outcome {
	o := outcome{asset: name, started: e.opts.Now()}
	partition := r.req.Partition
	def, ok := e.reg.Get(name)
	if !ok {
		o.err = &ComputeError{Asset: name, Err: fmt.Errorf("asset not registered")}
		o.finished = e.opts.Now()
		return o
	}

	rec := records.Record{
		RunID:      r.req.RunID,
		Asset:      name,
		Partition:  partition,
		StorageKey: e.io.Key(name, partition),
		Status:     records.StatusPending,
		StartedAt:  o.started,
	}
	if err := e.records.Create(ctx, rec); err != nil {
		logging.FromContext(ctx).Warn("create materialization record", zap.String("asset", name), zap.Error(err))
	}

	fail := func(err error) outcome {
		o.err = &ComputeError{Asset: name, Err: err}
		o.finished = e.opts.Now()
		rec.Status = records.StatusFailed
		rec.Error = o.err.Error()
		rec.UpdatedAt = o.finished
		if uerr := e.records.Update(ctx, rec); uerr != nil {
			logging.FromContext(ctx).Warn("update materialization record", zap.String("asset", name), zap.Error(uerr))
		}
		return o
	}

	inputs := make(asset.Inputs, len(def.Deps))
	for _, dep := range def.Deps {
		if _, inRun := r.set[dep]; inRun {
			v, ok := r.value(dep)
			if !ok {
				return fail(fmt.Errorf("input %s was not produced", dep))
			}
			inputs[dep] = v
			continue
		}
		v, err := e.io.Read(ctx, dep, partition)
		if err != nil {
			return fail(fmt.Errorf("load input %s: %w", dep, err))
		}
		inputs[dep] = v
	}

	value, err := invoke(ctx, def, inputs)
	if err != nil {
		return fail(err)
	}

	key, err := e.io.Write(ctx, name, partition, value, def.OutputType)
	if err != nil {
		o.key = e.io.Key(name, partition)
		return fail(err)
	}
	o.key = key
	o.value = value
	o.finished = e.opts.Now()
	rec.Status = records.StatusSuccess
	rec.StorageKey = key
	rec.UpdatedAt = o.finished
	if err := e.records.Update(ctx, rec); err != nil {
		logging.FromContext(ctx).Warn("update materialization record", zap.String("asset", name), zap.Error(err))
	}
	return o
}

func invoke(ctx context.Context, def asset.Definition, in asset.Inputs) (v any, err error) {
	defer func() {
		if p := recover(); p != nil {
			v = nil
			err = &PanicError{Value: p}
		}
	}()
	return def.Compute(ctx, in)
}

// expandMissing adds dependencies outside set that have no stored value for
// partition, walking further upstream from each one added. It returns the
// added names, sorted.
func (e *Engine) expandMissing(ctx context.Context, set map[string]struct{}, partition string) []string {
	queue := make([]string, 0, len(set))
	for n := range set {
		queue = append(queue, n)
	}
	sort.Strings(queue)
	var added []string
	checked := make(map[string]bool)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, dep := range e.graph.Deps(n) {
			if _, ok := set[dep]; ok || checked[dep] {
				continue
			}
			checked[dep] = true
			ok, err := e.io.Exists(ctx, dep, partition)
			if err != nil {
				logging.FromContext(ctx).Warn("check upstream materialization", zap.String("asset", dep), zap.Error(err))
				continue
			}
			if ok {
				continue
			}
			set[dep] = struct{}{}
			added = append(added, dep)
			queue = append(queue, dep)
		}
	}
	sort.Strings(added)
	return added
}

func (e *Engine) emit(ev Event) {
	if e.opts.Observer != nil {
		e.opts.Observer(ev)
	}
}

func insertSorted(s []string, v string) []string {
	i := sort.SearchStrings(s, v)
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
