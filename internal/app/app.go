// Package app wires configuration into a running engine, scheduler and HTTP
// server.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"assetflow/internal/asset"
	"assetflow/internal/config"
	"assetflow/internal/engine"
	"assetflow/internal/graph"
	"assetflow/internal/iomanager"
	"assetflow/internal/job"
	"assetflow/internal/metrics"
	"assetflow/internal/pipelines"
	"assetflow/internal/records"
	"assetflow/internal/scheduler"
	"assetflow/internal/server"
	"assetflow/internal/storage"
)

const shutdownTimeout = 15 * time.Second

type App struct {
	Config      *config.Config
	Logger      *zap.Logger
	Backend     storage.Backend
	IO          *iomanager.Manager
	Records     records.Store
	Definitions pipelines.Definitions
	Graph       *graph.Graph
	Engine      *engine.Engine
	Metrics     *metrics.Metrics
	Hub         *server.Hub
	Jobs        *job.Service
	Scheduler   *scheduler.Scheduler
	Server      *server.Server

	closers []func() error
}

// New builds every component from cfg. A nil logger discards logs.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: log, Metrics: metrics.New(), Hub: server.NewHub()}

	backend, err := a.openStorage()
	if err != nil {
		return nil, err
	}
	a.Backend = backend
	a.IO = iomanager.New(backend, iomanager.WithPrefix(cfg.Storage.Prefix))

	defs, err := pipelines.Load(cfg.Pipelines, pipelines.Env{Backend: backend})
	if err != nil {
		return nil, err
	}
	a.Definitions = defs
	reg := asset.NewRegistry()
	if err := defs.Install(reg); err != nil {
		return nil, err
	}
	if a.Graph, err = graph.Build(reg); err != nil {
		return nil, err
	}
	if err := defs.Validate(a.Graph); err != nil {
		return nil, err
	}

	if err := a.openRecords(ctx); err != nil {
		return nil, err
	}

	policy, err := engine.ParseMissingUpstreamPolicy(cfg.Engine.MissingUpstream)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Engine = engine.New(reg, a.Graph, a.IO, a.Records, engine.Options{
		Parallelism:     cfg.Engine.Parallelism,
		MissingUpstream: policy,
		Observer:        a.Hub.Publish,
		Logger:          log,
	})

	a.Jobs = job.NewService(a.Engine, a.Metrics, log)
	if err := a.Jobs.Register(defs.Jobs...); err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Scheduler = scheduler.New(a.Jobs, scheduler.Options{Logger: log, Metrics: a.Metrics})
	for _, sc := range defs.Schedules {
		if err := a.Scheduler.Register(sc); err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	a.Server = server.New(cfg.HTTPAddr, server.Deps{
		Engine:    a.Engine,
		Jobs:      a.Jobs,
		Scheduler: a.Scheduler,
		Metrics:   a.Metrics,
		Hub:       a.Hub,
		Logger:    log,
	})

	log.Info("assetflow ready",
		zap.Strings("pipelines", cfg.Pipelines),
		zap.Int("assets", reg.Len()),
		zap.Int("jobs", len(defs.Jobs)),
		zap.Int("schedules", len(defs.Schedules)),
		zap.String("storage", cfg.Storage.Backend),
	)
	return a, nil
}

func (a *App) openStorage() (storage.Backend, error) {
	sc := a.Config.Storage
	var (
		backend storage.Backend
		err     error
	)
	switch sc.Backend {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "local":
		backend, err = storage.NewFileStore(sc.Root)
	case "s3":
		backend, err = storage.NewS3Store(storage.S3Config{
			EndpointURL: sc.EndpointURL,
			Region:      sc.Region,
			AccessKey:   sc.AccessKey,
			SecretKey:   sc.SecretKey,
			Bucket:      sc.Bucket,
			UseSSL:      sc.UseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", sc.Backend, err)
	}

	backend = storage.NewRetryStore(backend, storage.RetryConfig{
		MaxRetries:      sc.Retry.MaxRetries,
		InitialInterval: sc.Retry.InitialInterval,
		MaxInterval:     sc.Retry.MaxInterval,
	})
	if sc.Cache.Enabled {
		cached := storage.NewCachedStore(backend, storage.CacheConfig{
			MaxEntries: sc.Cache.MaxEntries,
			TTL:        sc.Cache.TTL,
		})
		a.Metrics.WatchCache(cached)
		backend = cached
	}
	return backend, nil
}

func (a *App) openRecords(ctx context.Context) error {
	if a.Config.DatabaseURL == "" {
		a.Records = records.NewMemoryStore()
		return nil
	}
	pg, err := records.OpenPostgres(ctx, a.Config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open records database: %w", err)
	}
	a.Records = pg
	a.closers = append(a.closers, pg.Close)
	return nil
}

// RunJob submits one run of jobName and waits for it.
func (a *App) RunJob(ctx context.Context, jobName, partition string) (engine.RunResult, error) {
	return a.Jobs.Submit(ctx, jobName, partition)
}

// Serve runs the scheduler and the HTTP server until ctx is done or the
// server fails, then shuts both down.
func (a *App) Serve(ctx context.Context) error {
	a.Scheduler.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.Server.Start)
	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return errors.Join(
			a.Server.Shutdown(shutdownCtx),
			a.Scheduler.Stop(shutdownCtx),
		)
	})
	return g.Wait()
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
