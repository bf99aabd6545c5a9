// internal/viewer/server_test.go
package viewer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/api/schemas"
	"github.com/xkilldash9x/marionette/internal/config"
	"github.com/xkilldash9x/marionette/internal/results"
)

// writeRun persists a run through the real writer and returns its file name,
// which is what the list handler hands out and the data handler accepts.
func writeRun(t *testing.T, dir, name string, started time.Time, eval *schemas.EvalRecord) string {
	t.Helper()
	w := results.NewWriter(config.ResultsConfig{OutputDir: dir}, zap.NewNop())
	path, err := w.Write(&schemas.ResultRecord{
		TaskName:      name,
		Model:         "test-model",
		Status:        schemas.StatusSuccess,
		Iterations:    3,
		StartedAt:     started,
		ExecutionTime: 9.5,
		TaskResult:    "flag{ok}",
		VisualizationData: []schemas.TraceFrame{{
			Iteration: 1,
			Think:     "looking around",
			Actions: []schemas.TraceStep{{
				Observation: "Navigated.",
				Screenshot:  "iVBORw0KGgo=",
			}},
		}},
		Eval: eval,
	})
	require.NoError(t, err)
	return filepath.Base(path)
}

func newTestServer(t *testing.T, resultsDir string) *httptest.Server {
	t.Helper()
	srv := NewServer(config.ViewerConfig{Addr: "127.0.0.1:0"}, resultsDir, zap.NewNop())
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHandleList(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	older := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	newer := older.Add(2 * time.Hour)
	writeRun(t, dir, "older-task", older, nil)
	writeRun(t, dir, "newer-task", newer, &schemas.EvalRecord{TaskName: "newer-task", Passed: true, Score: 1})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.json"), []byte("{not json"), 0o644))

	ts := newTestServer(t, dir)

	var body struct {
		Files []results.RunInfo `json:"files"`
	}
	resp := getJSON(t, ts.URL+"/api/list", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	require.Len(t, body.Files, 2)
	assert.Equal(t, "newer-task", body.Files[0].TaskName, "most recent run comes first")
	assert.Equal(t, "older-task", body.Files[1].TaskName)
	require.NotNil(t, body.Files[0].EvalPassed)
	assert.True(t, *body.Files[0].EvalPassed)
	assert.Nil(t, body.Files[1].EvalPassed)
}

func TestHandleListEmptyDirectory(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, filepath.Join(t.TempDir(), "nowhere"))

	var body struct {
		Files []results.RunInfo `json:"files"`
	}
	resp := getJSON(t, ts.URL+"/api/list", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body.Files)
}

func TestHandleData(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := writeRun(t, dir, "checkout-flow", time.Now().UTC(),
		&schemas.EvalRecord{TaskName: "checkout-flow", Passed: false, Score: 0, Details: "expected flag{42}"})
	ts := newTestServer(t, dir)

	var data struct {
		TaskName          string               `json:"task_name"`
		Status            schemas.RunStatus    `json:"status"`
		TaskResult        string               `json:"task_result"`
		VisualizationData []schemas.TraceFrame `json:"visualization_data"`
		Eval              *schemas.EvalRecord  `json:"eval"`
	}
	resp := getJSON(t, ts.URL+"/api/data?file="+file, &data)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "checkout-flow", data.TaskName)
	assert.Equal(t, schemas.StatusSuccess, data.Status)
	assert.Equal(t, "flag{ok}", data.TaskResult)
	require.Len(t, data.VisualizationData, 1)
	assert.Equal(t, "looking around", data.VisualizationData[0].Think)
	require.Len(t, data.VisualizationData[0].Actions, 1)
	assert.Equal(t, "iVBORw0KGgo=", data.VisualizationData[0].Actions[0].Screenshot)
	require.NotNil(t, data.Eval)
	assert.False(t, data.Eval.Passed)
	assert.Equal(t, "expected flag{42}", data.Eval.Details)
}

func TestHandleDataRejections(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, t.TempDir())

	tests := []struct {
		name     string
		query    string
		wantCode int
	}{
		{"Missing Parameter", "", http.StatusBadRequest},
		{"Path Traversal", "?file=..%2F..%2Fetc%2Fpasswd", http.StatusBadRequest},
		{"Dot Dot", "?file=..", http.StatusBadRequest},
		{"Unknown File", "?file=nope.json", http.StatusNotFound},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var body map[string]string
			resp := getJSON(t, ts.URL+"/api/data"+tc.query, &body)
			assert.Equal(t, tc.wantCode, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestHandleIndex(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, t.TempDir())
	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	buf := make([]byte, 1024)
	n, _ := resp.Body.Read(buf)
	assert.Contains(t, string(buf[:n]), "Marionette Runs")
}

func TestStartStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	srv := NewServer(config.ViewerConfig{Addr: "127.0.0.1:0", ReadTimeout: time.Second}, t.TempDir(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after context cancellation")
	}
}
