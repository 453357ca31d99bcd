// Package pipelines bundles asset definitions with the jobs and schedules
// that run them.
package pipelines

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"assetflow/internal/asset"
	"assetflow/internal/graph"
	"assetflow/internal/job"
	"assetflow/internal/scheduler"
	"assetflow/internal/storage"
)

// Definitions is a deployable unit: assets plus the jobs and schedules over them.
type Definitions struct {
	Assets    []asset.Definition
	Jobs      []job.Job
	Schedules []scheduler.Schedule
}

// Env carries what pipeline code may touch outside its inputs.
type Env struct {
	// Backend is the store assets may write side objects to.
	Backend storage.Backend
	Now     func() time.Time
}

func (e Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Merge concatenates definitions. Conflicts surface in Install and Validate.
func Merge(defs ...Definitions) Definitions {
	var out Definitions
	for _, d := range defs {
		out.Assets = append(out.Assets, d.Assets...)
		out.Jobs = append(out.Jobs, d.Jobs...)
		out.Schedules = append(out.Schedules, d.Schedules...)
	}
	return out
}

// Install registers every asset in reg.
func (d Definitions) Install(reg *asset.Registry) error {
	for _, a := range d.Assets {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks job selections against g and that every schedule targets a
// defined job.
func (d Definitions) Validate(g *graph.Graph) error {
	jobs := make(map[string]bool, len(d.Jobs))
	for _, j := range d.Jobs {
		if jobs[j.Name()] {
			return fmt.Errorf("%w: %s", job.ErrDuplicateJob, j.Name())
		}
		jobs[j.Name()] = true
		if err := j.Validate(g); err != nil {
			return err
		}
	}
	for _, s := range d.Schedules {
		if !jobs[s.Job()] {
			return fmt.Errorf("schedule %q targets %w: %s", s.Cron(), job.ErrUnknownJob, s.Job())
		}
	}
	return nil
}

type factory func(Env) Definitions

var catalog = map[string]factory{
	"example": Example,
	"s3":      S3Example,
}

// Names lists the built-in pipeline sets.
func Names() []string {
	out := make([]string, 0, len(catalog))
	for n := range catalog {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Load builds and merges the named built-in pipeline sets.
func Load(names []string, env Env) (Definitions, error) {
	parts := make([]Definitions, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, raw := range names {
		n := strings.ToLower(strings.TrimSpace(raw))
		if n == "" || seen[n] {
			continue
		}
		f, ok := catalog[n]
		if !ok {
			return Definitions{}, fmt.Errorf("unknown pipeline %q (known: %s)", raw, strings.Join(Names(), ", "))
		}
		seen[n] = true
		parts = append(parts, f(env))
	}
	return Merge(parts...), nil
}

func mustSchedule(jobName, expr string) scheduler.Schedule {
	s, err := scheduler.NewSchedule(jobName, expr, "")
	if err != nil {
		panic(err)
	}
	return s
}
