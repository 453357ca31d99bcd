// Package job binds names to asset selections and submits runs for them.
package job

import (
	"errors"
	"fmt"
	"strings"

	"assetflow/internal/graph"
)

var (
	ErrUnknownJob   = errors.New("unknown job")
	ErrDuplicateJob = errors.New("job already defined")
	ErrInvalidJob   = errors.New("invalid job")
)

// Job is an immutable named selection of assets.
type Job struct {
	name      string
	selection []string
}

// New builds a job. With no selection the job covers every asset.
func New(name string, selection ...string) (Job, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Job{}, fmt.Errorf("%w: empty name", ErrInvalidJob)
	}
	sel := make([]string, 0, len(selection))
	for _, s := range selection {
		s = strings.TrimSpace(s)
		if s == "" {
			return Job{}, fmt.Errorf("%w: job %s has an empty selection entry", ErrInvalidJob, name)
		}
		sel = append(sel, s)
	}
	if len(sel) == 0 {
		sel = []string{graph.SelectAll}
	}
	return Job{name: name, selection: sel}, nil
}

func MustNew(name string, selection ...string) Job {
	j, err := New(name, selection...)
	if err != nil {
		panic(err)
	}
	return j
}

func (j Job) Name() string { return j.name }

func (j Job) Selection() []string { return append([]string(nil), j.selection...) }

// Validate checks every selection entry against g.
func (j Job) Validate(g *graph.Graph) error {
	if _, err := g.Select(j.selection); err != nil {
		return fmt.Errorf("job %s: %w", j.name, err)
	}
	return nil
}
