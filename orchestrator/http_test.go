package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/izavyalov-dev/chunkrun/internal/observability"
	"github.com/izavyalov-dev/chunkrun/state"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	registry := prometheus.NewRegistry()
	ledger := state.NewLedger("ens-http", nil)
	service := newTestService(ledger, &recordingDriver{}, Settings{
		Parameters: exampleParameters,
		Metrics:    observability.NewMetrics(registry),
	})
	_, err := service.Run(context.Background())
	require.NoError(t, err)

	server := httptest.NewServer(NewHTTPHandler(service, observability.HandlerFor(registry), quietLogger()))
	t.Cleanup(server.Close)
	return server
}

func getJSON(t *testing.T, url string, target any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if target != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(target))
	}
	return resp.StatusCode
}

func TestHTTPState(t *testing.T) {
	server := newTestServer(t)

	var view StateView
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/api/v1/state", &view))
	assert.Equal(t, "ens-http", view.EnsembleID)
	assert.Equal(t, PhaseDone, view.Phase)
	assert.Equal(t, 6, view.Counts[state.RunStatusCompleted])
}

func TestHTTPRunsAndLineage(t *testing.T) {
	server := newTestServer(t)

	var runs []state.Run
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/api/v1/runs", &runs))
	assert.Len(t, runs, 6)

	var run state.Run
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/api/v1/runs/4", &run))
	assert.Equal(t, int64(4), run.ID)
	require.NotNil(t, run.Checkpoint)
	assert.Equal(t, "restarts/res0004.tar.gz", run.Checkpoint.Path)

	var lineage []state.Run
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/api/v1/runs/6/lineage", &lineage))
	ids := make([]int64, 0, len(lineage))
	for _, r := range lineage {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []int64{1, 2, 6}, ids)
}

func TestHTTPErrors(t *testing.T) {
	server := newTestServer(t)

	var body map[string]string
	assert.Equal(t, http.StatusNotFound, getJSON(t, server.URL+"/api/v1/runs/99", &body))
	assert.Contains(t, body["error"], "99")

	assert.Equal(t, http.StatusBadRequest, getJSON(t, server.URL+"/api/v1/runs/abc", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, server.URL+"/api/v1/runs/0/lineage", nil))
}

func TestHTTPHealthAndMetrics(t *testing.T) {
	server := newTestServer(t)

	assert.Equal(t, http.StatusOK, getJSON(t, server.URL+"/healthz", nil))

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
