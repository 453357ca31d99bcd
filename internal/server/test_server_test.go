package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assetflow/internal/asset"
	"assetflow/internal/engine"
	"assetflow/internal/graph"
	"assetflow/internal/iomanager"
	"assetflow/internal/job"
	"assetflow/internal/metrics"
	"assetflow/internal/records"
	"assetflow/internal/scheduler"
	"assetflow/internal/storage"
)

func newTestServer(t *testing.T, rawErr error) (*httptest.Server, *Hub) {
	t.Helper()
	reg := asset.NewRegistry()
	reg.MustRegister(
		asset.Definition{
			Name:       "raw",
			OutputType: "[]int",
			Compute: func(context.Context, asset.Inputs) (any, error) {
				if rawErr != nil {
					return nil, rawErr
				}
				return []int{1, 2, 3}, nil
			},
		},
		asset.Definition{
			Name: "summed",
			Deps: []string{"raw"},
			Compute: func(_ context.Context, in asset.Inputs) (any, error) {
				xs, err := asset.Input[[]int](in, "raw")
				if err != nil {
					return nil, err
				}
				return xs[0] + xs[1] + xs[2], nil
			},
		},
	)
	g, err := graph.Build(reg)
	require.NoError(t, err)

	hub := NewHub()
	m := metrics.New()
	eng := engine.New(reg, g, iomanager.New(storage.NewMemoryStore()), records.NewMemoryStore(), engine.Options{
		Parallelism: 2,
		Observer:    hub.Publish,
	})
	jobs := job.NewService(eng, m, nil)
	require.NoError(t, jobs.Register(job.MustNew("all"), job.MustNew("raw_only", "raw")))

	sched := scheduler.New(jobs, scheduler.Options{Metrics: m})
	sc, err := scheduler.NewSchedule("all", "0 0 * * *", "")
	require.NoError(t, err)
	require.NoError(t, sched.Register(sc))

	srv := New(":0", Deps{Engine: eng, Jobs: jobs, Scheduler: sched, Metrics: m, Hub: hub})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, hub
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func submit(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	}
	return resp.StatusCode, body
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	var body map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/healthz", &body))
	assert.Equal(t, true, body["ok"])
}

func TestSubmitRunsJobAndRecordsSuccess(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	status, body := submit(t, ts.URL+"/jobs/all/runs?partition=2024-01-01")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, body["exit_code"])
	assert.Equal(t, "2024-01-01", body["partition"])
	assert.Equal(t, []any{"raw", "summed"}, body["order"])
	assert.Contains(t, body["summary"], "success=2")

	var assets struct {
		Partition string      `json:"partition"`
		Assets    []assetView `json:"assets"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/assets?partition=2024-01-01", &assets))
	require.Len(t, assets.Assets, 2)
	assert.Equal(t, "raw", assets.Assets[0].Name)
	assert.Equal(t, []string{"summed"}, assets.Assets[0].Downstream)
	require.NotNil(t, assets.Assets[1].LastSuccess)
	assert.Equal(t, records.StatusSuccess, assets.Assets[1].LastSuccess.Status)

	assets.Assets = nil // decode into fresh elements; omitempty fields would otherwise keep stale values
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/assets", &assets))
	assert.Nil(t, assets.Assets[0].LastSuccess, "other partitions are untouched")

	var recs struct {
		Records []records.Record `json:"records"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/assets/summed/records?limit=5", &recs))
	require.Len(t, recs.Records, 1)
	assert.Equal(t, "2024-01-01", recs.Records[0].Partition)
}

func TestSubmitFailureReportsExitCode(t *testing.T) {
	ts, _ := newTestServer(t, errors.New("boom"))
	status, body := submit(t, ts.URL+"/jobs/all/runs")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["exit_code"])
	assets := body["assets"].(map[string]any)
	assert.Equal(t, "failed", assets["raw"].(map[string]any)["status"])
	assert.Equal(t, "skipped_due_to_upstream_failure", assets["summed"].(map[string]any)["status"])
}

func TestSubmitUnknownJob(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	status, _ := submit(t, ts.URL+"/jobs/nope/runs")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPlanAndJobs(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	var plan struct {
		Order []string `json:"order"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/plan?select=*summed", &plan))
	assert.Equal(t, []string{"raw", "summed"}, plan.Order)
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/plan?select=raw", &plan))
	assert.Equal(t, []string{"raw"}, plan.Order)
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/plan?select=ghost", nil))

	var jobs struct {
		Jobs []jobView `json:"jobs"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/jobs", &jobs))
	require.Len(t, jobs.Jobs, 2)
	assert.Equal(t, "all", jobs.Jobs[0].Name)
	assert.Equal(t, []string{"raw", "summed"}, jobs.Jobs[0].Order)
	assert.Equal(t, []string{"raw"}, jobs.Jobs[1].Order)
}

func TestSchedulesAndRecordsValidation(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	var sched struct {
		Schedules []scheduler.Entry `json:"schedules"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/schedules", &sched))
	require.Len(t, sched.Schedules, 1)
	assert.Equal(t, "all", sched.Schedules[0].Job)
	assert.Equal(t, "0 0 * * *", sched.Schedules[0].Cron)

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/assets/ghost/records", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/assets/raw/records?limit=zero", nil))
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	status, _ := submit(t, ts.URL+"/jobs/all/runs")
	require.Equal(t, http.StatusOK, status)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `assetflow_runs_total{job="all",outcome="success"} 1`)
}

func TestCORSPreflight(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/jobs/all/runs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestEventsStream(t *testing.T) {
	ts, hub := newTestServer(t, nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events?job=all"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first eventsOutbound
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "subscribed", first.Type)
	assert.Equal(t, "all", first.Job)
	assert.Equal(t, 1, hub.Len())

	// Filtered out by job.
	status, _ := submit(t, ts.URL+"/jobs/raw_only/runs")
	require.Equal(t, http.StatusOK, status)
	status, _ = submit(t, ts.URL+"/jobs/all/runs")
	require.Equal(t, http.StatusOK, status)

	var types []engine.EventType
	for {
		var msg eventsOutbound
		require.NoError(t, conn.ReadJSON(&msg))
		require.Equal(t, "event", msg.Type)
		require.NotNil(t, msg.Event)
		assert.Equal(t, "all", msg.Event.Job)
		types = append(types, msg.Event.Type)
		if msg.Event.Type == engine.EventRunFinished {
			break
		}
	}
	assert.Equal(t, engine.EventRunStarted, types[0])
	assert.Len(t, types, 6, "run start, two asset starts, two asset finishes, run finish")
}

func TestHubDropsOldestForSlowSubscriber(t *testing.T) {
	hub := NewHub()
	ch, unsubscribe := hub.Subscribe(2)
	for _, id := range []string{"a", "b", "c"} {
		hub.Publish(engine.Event{RunID: id})
	}
	assert.Equal(t, "b", (<-ch).RunID)
	assert.Equal(t, "c", (<-ch).RunID)
	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, hub.Len())
}
