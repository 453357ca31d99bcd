package job

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"assetflow/internal/engine"
	"assetflow/internal/metrics"
)

// Runner executes a run request. *engine.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, req engine.Request) (engine.RunResult, error)
}

// Service submits runs of registered jobs. Runs of one job never overlap;
// runs of different jobs proceed independently.
type Service struct {
	runner  Runner
	metrics *metrics.Metrics
	log     *zap.Logger

	mu    sync.RWMutex
	jobs  map[string]Job
	slots map[string]chan struct{}
}

func NewService(runner Runner, m *metrics.Metrics, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		runner:  runner,
		metrics: m,
		log:     log,
		jobs:    make(map[string]Job),
		slots:   make(map[string]chan struct{}),
	}
}

func (s *Service) Register(jobs ...Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		if j.name == "" {
			return fmt.Errorf("%w: empty name", ErrInvalidJob)
		}
		if _, ok := s.jobs[j.name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, j.name)
		}
		s.jobs[j.name] = j
		s.slots[j.name] = make(chan struct{}, 1)
	}
	return nil
}

func (s *Service) Job(name string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[name]
	return j, ok
}

// Jobs returns the registered jobs sorted by name.
func (s *Service) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].name < out[k].name })
	return out
}

// Submit runs the named job to completion for partition. It waits while
// another run of the same job is in flight and gives up when ctx is done.
func (s *Service) Submit(ctx context.Context, jobName, partition string) (engine.RunResult, error) {
	s.mu.RLock()
	j, ok := s.jobs[jobName]
	slot := s.slots[jobName]
	s.mu.RUnlock()
	if !ok {
		return engine.RunResult{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobName)
	}

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return engine.RunResult{}, fmt.Errorf("job %s: waiting for in-flight run: %w", j.name, ctx.Err())
	}
	defer func() { <-slot }()

	runID := uuid.NewString()
	log := s.log.With(zap.String("job", j.name), zap.String("run_id", runID))
	log.Info("job run submitted", zap.String("partition", partition))
	s.metrics.RunStarted(j.name)
	res, err := s.runner.Run(ctx, engine.Request{
		RunID:     runID,
		Job:       j.name,
		Selection: j.Selection(),
		Partition: partition,
	})
	if err != nil {
		s.metrics.RunRejected(j.name)
		log.Error("job run rejected", zap.Error(err))
		return engine.RunResult{}, fmt.Errorf("job %s: %w", j.name, err)
	}
	s.metrics.RunFinished(j.name, res)
	log.Info("job run finished", zap.Int("exit_code", res.ExitCode()), zap.String("summary", res.Summary()))
	return res, nil
}
