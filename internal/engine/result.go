package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type AssetStatus string

const (
	StatusSuccess   AssetStatus = "success"
	StatusFailed    AssetStatus = "failed"
	StatusSkipped   AssetStatus = "skipped_due_to_upstream_failure"
	StatusCancelled AssetStatus = "cancelled"
)

// AssetResult is the terminal state of one asset within a run.
type AssetResult struct {
	Asset      string      `json:"asset"`
	Status     AssetStatus `json:"status"`
	StorageKey string      `json:"storage_key,omitempty"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"started_at,omitempty"`
	FinishedAt time.Time   `json:"finished_at,omitempty"`

	Err error `json:"-"`
}

// RunResult reports every asset of a run's execution set.
type RunResult struct {
	RunID      string                 `json:"run_id"`
	Job        string                 `json:"job,omitempty"`
	Partition  string                 `json:"partition"`
	Order      []string               `json:"order"`
	Assets     map[string]AssetResult `json:"assets"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
}

// Succeeded reports whether every asset in the run succeeded.
func (r RunResult) Succeeded() bool {
	for _, a := range r.Assets {
		if a.Status != StatusSuccess {
			return false
		}
	}
	return true
}

// ExitCode is 0 when the run succeeded and 1 otherwise.
func (r RunResult) ExitCode() int {
	if r.Succeeded() {
		return 0
	}
	return 1
}

// Failed returns the assets whose own compute failed, sorted.
func (r RunResult) Failed() []string {
	return r.withStatus(StatusFailed)
}

func (r RunResult) Skipped() []string {
	return r.withStatus(StatusSkipped)
}

func (r RunResult) withStatus(s AssetStatus) []string {
	var out []string
	for name, a := range r.Assets {
		if a.Status == s {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (r RunResult) Counts() map[AssetStatus]int {
	out := make(map[AssetStatus]int, 4)
	for _, a := range r.Assets {
		out[a.Status]++
	}
	return out
}

func (r RunResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Summary renders a one-line description of the run.
func (r RunResult) Summary() string {
	c := r.Counts()
	var b strings.Builder
	fmt.Fprintf(&b, "run %s", r.RunID)
	if r.Job != "" {
		fmt.Fprintf(&b, " job=%s", r.Job)
	}
	fmt.Fprintf(&b, " partition=%s assets=%d success=%d failed=%d skipped=%d cancelled=%d",
		r.Partition, len(r.Assets), c[StatusSuccess], c[StatusFailed], c[StatusSkipped], c[StatusCancelled])
	if failed := r.Failed(); len(failed) > 0 {
		fmt.Fprintf(&b, " failed_assets=%s", strings.Join(failed, ","))
	}
	return b.String()
}
