package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noteops/internal/clock"
	"noteops/internal/dispatcher"
	"noteops/internal/license"
	"noteops/internal/logcollect"
	"noteops/internal/observability"
	"noteops/internal/paths"
	"noteops/internal/sidecar"
)

type nopRunner struct{ paused bool }

func (r *nopRunner) RunOnce(skipWindowCheck bool) (bool, error) { return true, nil }
func (r *nopRunner) Pause() error                               { r.paused = true; return nil }
func (r *nopRunner) Resume() error                              { r.paused = false; return nil }
func (r *nopRunner) Paused() bool                               { return r.paused }
func (r *nopRunner) Cleanup() error                             { return nil }

type env struct {
	server    *Server
	sched     *dispatcher.Scheduler
	lic       *license.Manager
	collector *logcollect.Collector
	layout    paths.Layout
	clk       *clock.Fake
	verifyURL string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	layout := paths.New(t.TempDir())
	clk := clock.NewFake(time.Now())
	collector := logcollect.New(layout.LogsDir(), observability.NopLogger())

	verify := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			LicenseCode string `json:"license_code"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.LicenseCode == "VALID" {
			json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"config":  map[string]any{"task_num": 3, "end_time": "2099-01-01 00:00:00"},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "unknown code"})
	}))
	t.Cleanup(verify.Close)

	lic := license.NewManager(license.Options{
		ConfigPath: layout.LicenseFile(),
		KeyPath:    layout.LicenseKeyFile(),
		VerifyURL:  verify.URL,
		Logger:     observability.NopLogger(),
	})

	store := dispatcher.NewStore(layout.DispatcherConfigFile(), observability.NopLogger())
	sched, err := dispatcher.NewScheduler(dispatcher.Options{
		Store:  store,
		Clock:  clk,
		Logger: observability.NopLogger(),
		Factory: func(task *dispatcher.TaskInfo) (dispatcher.TaskRunner, error) {
			return &nopRunner{}, nil
		},
		LogPurger: collector,
	})
	require.NoError(t, err)

	srv := New(Deps{
		Scheduler: sched,
		License:   lic,
		Collector: collector,
		Sidecar:   sidecar.NewClient("http://127.0.0.1:1", time.Minute, observability.NopLogger()),
		Layout:    layout,
		Logger:    observability.NopLogger(),
		Metrics:   observability.NewMetrics(),
	})
	return &env{
		server:    srv,
		sched:     sched,
		lic:       lic,
		collector: collector,
		layout:    layout,
		clk:       clk,
		verifyURL: verify.URL,
	}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (e *env) activate(t *testing.T) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/license/activate", map[string]any{"license_code": "VALID"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func createBody(accountID string) map[string]any {
	return map[string]any{
		"sys_type":         "mac_silicon",
		"task_type":        "xhs_type",
		"xhs_account_id":   accountID,
		"xhs_account_name": "Account " + accountID,
		"topic":            "coffee",
		"interval":         900,
	}
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, Version, out["version"])
	assert.NotEmpty(t, out["timestamp"])
}

func TestFreeModeCeilingAndCoercion(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/tasks", createBody("acc-1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	out := decode(t, rec)
	task := out["task"].(map[string]any)
	// The requested 900s cadence is coerced to the free-mode floor.
	assert.EqualValues(t, license.FreeIntervalSeconds, task["interval_seconds"])

	rec = e.do(t, http.MethodPost, "/api/v1/tasks", createBody("acc-2"))
	require.Equal(t, http.StatusForbidden, rec.Code)
	out = decode(t, rec)
	assert.Equal(t, "LICENSE_NOT_ACTIVATED", out["error_code"])

	// Immediate execution is a licensed feature.
	taskID := task["task_id"].(string)
	rec = e.do(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/execute", map[string]any{})
	require.Equal(t, http.StatusForbidden, rec.Code)
	out = decode(t, rec)
	assert.Equal(t, "LICENSE_NOT_ACTIVATED", out["error_code"])
}

func TestActivatedCreateAndLimits(t *testing.T) {
	e := newEnv(t)
	e.activate(t)

	rec := e.do(t, http.MethodPost, "/api/v1/tasks", createBody("acc-1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	task := decode(t, rec)["task"].(map[string]any)
	assert.EqualValues(t, 900, task["interval_seconds"])

	// Out-of-range interval is rejected once activated.
	body := createBody("acc-2")
	body["interval"] = 60
	rec = e.do(t, http.MethodPost, "/api/v1/tasks", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Fill the licensed quota (task_num = 3).
	for _, acc := range []string{"acc-2", "acc-3"} {
		rec = e.do(t, http.MethodPost, "/api/v1/tasks", createBody(acc))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	rec = e.do(t, http.MethodPost, "/api/v1/tasks", createBody("acc-4"))
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "TASK_LIMIT_REACHED", decode(t, rec)["error_code"])
}

func TestCreateValidation(t *testing.T) {
	e := newEnv(t)
	e.activate(t)

	body := createBody("acc-1")
	body["valid_time_range"] = []int{18, 9}
	rec := e.do(t, http.MethodPost, "/api/v1/tasks", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body = createBody("acc-1")
	body["mode"] = "turbo"
	rec = e.do(t, http.MethodPost, "/api/v1/tasks", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body = createBody("acc-1")
	body["task_end_time"] = "not-a-date"
	rec = e.do(t, http.MethodPost, "/api/v1/tasks", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body = createBody("acc-1")
	body["task_end_time"] = "2020-01-01"
	rec = e.do(t, http.MethodPost, "/api/v1/tasks", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body = createBody("acc-1")
	body["interaction_note_count"] = 7
	rec = e.do(t, http.MethodPost, "/api/v1/tasks", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Duplicate account conflicts.
	rec = e.do(t, http.MethodPost, "/api/v1/tasks", createBody("acc-1"))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = e.do(t, http.MethodPost, "/api/v1/tasks", createBody("acc-1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskCRUDAndLifecycle(t *testing.T) {
	e := newEnv(t)
	e.activate(t)

	rec := e.do(t, http.MethodPost, "/api/v1/tasks", createBody("acc-1"))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode(t, rec)["task"].(map[string]any)["task_id"].(string)

	rec = e.do(t, http.MethodGet, "/api/v1/tasks/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/tasks?account_id=acc-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.EqualValues(t, 1, out["total"])

	rec = e.do(t, http.MethodPatch, "/api/v1/tasks/"+id, map[string]any{"topic": "tea", "interval": 1800})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	task := decode(t, rec)["task"].(map[string]any)
	assert.EqualValues(t, 1800, task["interval_seconds"])

	rec = e.do(t, http.MethodPost, "/api/v1/tasks/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodGet, "/api/v1/tasks/"+id, nil)
	assert.Equal(t, "paused", decode(t, rec)["task"].(map[string]any)["status"])

	// Reorder refuses paused tasks.
	rec = e.do(t, http.MethodPost, "/api/v1/tasks/"+id+"/reorder", map[string]any{"priority_offset": 3600})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/tasks/"+id+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/tasks/"+id+"/reorder", map[string]any{"priority_offset": 3600})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodPost, "/api/v1/tasks/"+id+"/execute", map[string]any{"update_next_execution_time": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode(t, rec)["report"].(map[string]any)
	assert.Equal(t, true, report["success"])
	assert.Equal(t, true, report["should_continue"])

	rec = e.do(t, http.MethodDelete, "/api/v1/tasks/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodGet, "/api/v1/tasks/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskNotFound(t *testing.T) {
	e := newEnv(t)
	for _, probe := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/tasks/missing"},
		{http.MethodDelete, "/api/v1/tasks/missing"},
		{http.MethodPost, "/api/v1/tasks/missing/pause"},
		{http.MethodGet, "/api/v1/tasks/missing/logs"},
	} {
		rec := e.do(t, probe.method, probe.path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, probe.path)
	}
}

func TestTaskLogsEndpoint(t *testing.T) {
	e := newEnv(t)
	e.activate(t)

	rec := e.do(t, http.MethodPost, "/api/v1/tasks", createBody("acc-1"))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode(t, rec)["task"].(map[string]any)["task_id"].(string)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		level := "INFO"
		if i%2 == 1 {
			level = "ERROR"
		}
		require.NoError(t, e.collector.Add(logcollect.Entry{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Level:     level,
			Message:   fmt.Sprintf("line-%d", i),
			TaskID:    id,
		}))
	}

	rec = e.do(t, http.MethodGet, "/api/v1/tasks/"+id+"/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 5, decode(t, rec)["count"])

	rec = e.do(t, http.MethodGet, "/api/v1/tasks/"+id+"/logs?level=error&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.EqualValues(t, 1, out["count"])
	logs := out["logs"].([]any)
	assert.Equal(t, "line-3", logs[0].(map[string]any)["message"])

	rec = e.do(t, http.MethodGet, "/api/v1/tasks/"+id+"/logs?since=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLicenseStatusEndpoint(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/api/v1/license/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	lic := decode(t, rec)["license"].(map[string]any)
	assert.Equal(t, false, lic["activated"])
	assert.EqualValues(t, 1, lic["max_tasks"])

	rec = e.do(t, http.MethodPost, "/api/v1/license/activate", map[string]any{"license_code": "WRONG"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/license/activate", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	e.activate(t)
	rec = e.do(t, http.MethodGet, "/api/v1/license/status", nil)
	lic = decode(t, rec)["license"].(map[string]any)
	assert.Equal(t, true, lic["activated"])
	assert.EqualValues(t, 3, lic["max_tasks"])
}

func TestDispatcherEndpoints(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/api/v1/dispatcher/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["running"])

	rec = e.do(t, http.MethodPost, "/api/v1/dispatcher/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodGet, "/api/v1/dispatcher/status", nil)
	assert.Equal(t, true, decode(t, rec)["running"])

	// Starting twice conflicts.
	rec = e.do(t, http.MethodPost, "/api/v1/dispatcher/start", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/dispatcher/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodGet, "/api/v1/dispatcher/status", nil)
	assert.Equal(t, false, decode(t, rec)["running"])
}

func TestSourceResource(t *testing.T) {
	e := newEnv(t)
	e.activate(t)

	rec := e.do(t, http.MethodPost, "/api/v1/tasks", createBody("acc-1"))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode(t, rec)["task"].(map[string]any)["task_id"].(string)

	// Empty before anything is written.
	rec = e.do(t, http.MethodGet, "/api/v1/tasks/"+id+"/resources/source", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "", decode(t, rec)["content"])

	rec = e.do(t, http.MethodPut, "/api/v1/tasks/"+id+"/resources/source", map[string]any{"content": "# notes"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/tasks/"+id+"/resources/source", nil)
	assert.Equal(t, "# notes", decode(t, rec)["content"])

	rec = e.do(t, http.MethodGet, "/api/v1/tasks/"+id+"/resources/source/download", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# notes", rec.Body.String())
}

func TestImagesResource(t *testing.T) {
	e := newEnv(t)
	e.activate(t)

	rec := e.do(t, http.MethodPost, "/api/v1/tasks", createBody("acc-1"))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode(t, rec)["task"].(map[string]any)["task_id"].(string)

	dir, err := e.layout.AccountImagesDir("acc-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "poster.png"), []byte("png-bytes"), 0o644))

	rec = e.do(t, http.MethodGet, "/api/v1/tasks/"+id+"/resources/images", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.EqualValues(t, 1, out["count"])

	rec = e.do(t, http.MethodGet, "/api/v1/tasks/"+id+"/resources/images/poster.png", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "png-bytes", rec.Body.String())

	rec = e.do(t, http.MethodGet, "/api/v1/tasks/"+id+"/resources/images/missing.png", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Dotfiles and traversal-looking names are refused.
	rec = e.do(t, http.MethodGet, "/api/v1/tasks/"+id+"/resources/images/.hidden", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginEndpointsAgainstStubSidecar(t *testing.T) {
	e := newEnv(t)
	e.activate(t)

	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/login/qrcode"):
			json.NewEncoder(w).Encode(map[string]any{"qrcode": "img", "timeout_seconds": 60})
		case strings.HasSuffix(r.URL.Path, "/login/status"):
			json.NewEncoder(w).Encode(map[string]any{"logged_in": true})
		case strings.HasSuffix(r.URL.Path, "/login/confirm"):
			json.NewEncoder(w).Encode(map[string]any{"logged_in": true})
		default:
			http.NotFound(w, r)
		}
	}))
	defer stub.Close()
	e.server.deps.Sidecar = sidecar.NewClient(stub.URL, time.Minute, observability.NopLogger())

	rec := e.do(t, http.MethodPost, "/api/v1/tasks", createBody("acc-1"))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode(t, rec)["task"].(map[string]any)["task_id"].(string)

	rec = e.do(t, http.MethodGet, "/api/v1/tasks/"+id+"/login/qrcode", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "img", decode(t, rec)["qrcode"])

	rec = e.do(t, http.MethodGet, "/api/v1/tasks/"+id+"/login/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode(t, rec)["login_status"].(map[string]any)
	assert.Equal(t, true, st["logged_in"])

	rec = e.do(t, http.MethodPost, "/api/v1/tasks/"+id+"/login/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLogStreamWebsocket(t *testing.T) {
	e := newEnv(t)
	e.activate(t)

	rec := e.do(t, http.MethodPost, "/api/v1/tasks", createBody("acc-1"))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode(t, rec)["task"].(map[string]any)["task_id"].(string)

	srv := httptest.NewServer(e.server.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/tasks/" + id + "/logs/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return e.collector.Add(logcollect.Entry{Level: "INFO", Message: "hello", TaskID: id}) == nil
	}, time.Second, 50*time.Millisecond)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var entry logcollect.Entry
	require.NoError(t, conn.ReadJSON(&entry))
	assert.Equal(t, "hello", entry.Message)
	assert.Equal(t, id, entry.TaskID)
}
