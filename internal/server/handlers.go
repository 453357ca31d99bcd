package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"assetflow/internal/engine"
	"assetflow/internal/graph"
	"assetflow/internal/job"
	"assetflow/internal/records"
	"assetflow/internal/scheduler"
)

const defaultRecordLimit = 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type assetView struct {
	Name        string          `json:"name"`
	Deps        []string        `json:"deps"`
	Downstream  []string        `json:"downstream"`
	OutputType  string          `json:"output_type,omitempty"`
	Description string          `json:"description,omitempty"`
	LastSuccess *records.Record `json:"last_success,omitempty"`
}

// handleAssets lists every asset in topological order together with its last
// successful materialization for the partition query parameter.
func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	partition := strings.TrimSpace(r.URL.Query().Get("partition"))
	if partition == "" {
		partition = records.DefaultPartition
	}
	g := s.engine.Graph()
	out := make([]assetView, 0, g.Plan().Len())
	for _, name := range g.Plan().Order {
		def, _ := s.engine.Registry().Get(name)
		v := assetView{
			Name:        name,
			Deps:        nonNil(g.Deps(name)),
			Downstream:  nonNil(g.Downstream(name)),
			OutputType:  def.OutputType,
			Description: def.Description,
		}
		rec, err := s.engine.Records().LastSuccess(r.Context(), name, partition)
		switch {
		case err == nil:
			v.LastSuccess = &rec
		case errors.Is(err, records.ErrNotFound):
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"partition": partition,
		"assets":    out,
	})
}

func (s *Server) handleAssetRecords(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "asset")
	if !s.engine.Graph().Has(name) {
		http.Error(w, "unknown asset "+name, http.StatusNotFound)
		return
	}
	limit := defaultRecordLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.engine.Records().ListByAsset(r.Context(), name, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":   name,
		"records": nonNil(recs),
	})
}

// handlePlan resolves a selection, given as repeated or comma separated select
// parameters, to its execution order.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var selection []string
	for _, raw := range r.URL.Query()["select"] {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				selection = append(selection, p)
			}
		}
	}
	plan, err := s.engine.Plan(selection)
	if err != nil {
		var unknown *graph.UnknownAssetError
		if errors.As(err, &unknown) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"selection": nonNil(selection),
		"order":     nonNil(plan.Order),
	})
}

type jobView struct {
	Name      string   `json:"name"`
	Selection []string `json:"selection"`
	Order     []string `json:"order"`
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := s.jobs.Jobs()
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		plan, err := s.engine.Plan(j.Selection())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out = append(out, jobView{Name: j.Name(), Selection: j.Selection(), Order: nonNil(plan.Order)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

type runView struct {
	engine.RunResult
	ExitCode int    `json:"exit_code"`
	Summary  string `json:"summary"`
}

// handleSubmit runs a job synchronously and answers with its result. The run
// outlives a disconnecting client so records stay consistent.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "job")
	partition := strings.TrimSpace(r.URL.Query().Get("partition"))
	res, err := s.jobs.Submit(context.WithoutCancel(r.Context()), name, partition)
	if err != nil {
		if errors.Is(err, job.ErrUnknownJob) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		s.log.Warn("job submission failed", zap.String("job", name), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, runView{RunResult: res, ExitCode: res.ExitCode(), Summary: res.Summary()})
}

func (s *Server) handleSchedules(w http.ResponseWriter, _ *http.Request) {
	var entries []scheduler.Entry
	if s.scheduler != nil {
		entries = s.scheduler.Entries()
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": nonNil(entries)})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
