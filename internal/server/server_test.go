package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/surveyforge/internal/manager"
	"github.com/Sumatoshi-tech/surveyforge/internal/resultstore"
	"github.com/Sumatoshi-tech/surveyforge/internal/server"
	"github.com/Sumatoshi-tech/surveyforge/internal/task"
)

// fakeManager returns canned responses for the HTTP surface.
type fakeManager struct {
	submitted map[string]any
	submitID  string
	submitErr error
}

func (f *fakeManager) Submit(_ context.Context, params map[string]any) (*manager.Submission, error) {
	f.submitted = params

	if f.submitErr != nil {
		return nil, f.submitErr
	}

	topic, _ := params["topic"].(string)

	return &manager.Submission{
		TaskID:    f.submitID,
		Topic:     topic,
		ResultKey: "key_" + f.submitID,
	}, nil
}

func (f *fakeManager) PipelineStatus(context.Context) (*manager.Status, error) {
	return &manager.Status{
		Running:     true,
		ActiveTasks: 1,
		Nodes:       []manager.NodeStatus{{Name: "stage", IsRunning: true, WorkerCount: 2}},
	}, nil
}

type fixture struct {
	srv      *server.Server
	mgr      *fakeManager
	registry task.Registry
	results  resultstore.Store
}

func newFixture(t *testing.T, cfg server.Config) *fixture {
	t.Helper()

	registry, err := task.NewSQLiteRegistry(task.SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)

	t.Cleanup(func() { _ = registry.Close() })

	f := &fixture{
		mgr:      &fakeManager{submitID: "task-1"},
		registry: registry,
		results:  resultstore.NewMemoryStore(),
	}

	f.srv, err = server.New(cfg, f.mgr, f.registry, f.results, nil, nil)
	require.NoError(t, err)

	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)

	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	return body
}

func TestSubmitEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, server.Config{})

	rec := f.do(t, http.MethodPost, "/api/task/submit", `{"topic":"llm agents"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "task-1", body["task_id"])
	assert.NotEmpty(t, body["message"])
	assert.Equal(t, "key_task-1.json", body["output_file"])
	assert.Equal(t, "llm agents", body["original_topic"])
	assert.Equal(t, "key_task-1", body["unique_survey_title"])
	assert.Equal(t, map[string]any{"topic": "llm agents"}, f.mgr.submitted)
}

func TestSubmitRejectsBadBody(t *testing.T) {
	t.Parallel()

	f := newFixture(t, server.Config{})

	rec := f.do(t, http.MethodPost, "/api/task/submit", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, false, body["success"])
	assert.NotEmpty(t, body["error"])
}

func TestSubmitAuth(t *testing.T) {
	t.Parallel()

	f := newFixture(t, server.Config{AuthToken: "hunter2"})

	rec := f.do(t, http.MethodPost, "/api/task/submit", `{"topic":"x"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/task/submit", `{"topic":"x"}`,
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/task/submit", `{"topic":"x"}`,
		map[string]string{"Authorization": "Bearer hunter2"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestGetTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t, server.Config{})
	ctx := context.Background()

	require.NoError(t, f.registry.Create(ctx, "t1", map[string]any{"topic": "x"}))

	rec := f.do(t, http.MethodGet, "/api/task/t1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "t1", body["id"])
	assert.Equal(t, string(task.StatusPending), body["status"])

	rec = f.do(t, http.MethodGet, "/api/task/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t, server.Config{})
	ctx := context.Background()

	require.NoError(t, f.registry.Create(ctx, "t1", nil))
	require.NoError(t, f.results.Save(ctx, &resultstore.Record{TaskID: "t1", SurveyData: "{}"}))

	rec := f.do(t, http.MethodDelete, "/api/task/t1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := f.registry.Get(ctx, "t1")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)

	_, err = f.results.Get(ctx, "t1")
	assert.ErrorIs(t, err, resultstore.ErrNotFound)
}

func TestListTasks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, server.Config{})
	ctx := context.Background()

	require.NoError(t, f.registry.Create(ctx, "a", nil))
	require.NoError(t, f.registry.Create(ctx, "b", nil))
	require.NoError(t, f.registry.UpdateStatus(ctx, "b", task.StatusFailed, "boom"))

	rec := f.do(t, http.MethodGet, "/api/tasks", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decodeBody(t, rec)["count"])

	rec = f.do(t, http.MethodGet, "/api/tasks?status=FAILED", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

	rec = f.do(t, http.MethodGet, "/api/tasks?status=bogus", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/tasks?limit=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOutputFromStore(t *testing.T) {
	t.Parallel()

	f := newFixture(t, server.Config{})
	ctx := context.Background()

	require.NoError(t, f.registry.Create(ctx, "t1", nil))

	// Output before completion is a client error.
	rec := f.do(t, http.MethodGet, "/api/output/t1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.NoError(t, f.registry.UpdateStatus(ctx, "t1", task.StatusCompleted, ""))
	require.NoError(t, f.results.Save(ctx, &resultstore.Record{
		TaskID:     "t1",
		SurveyData: `{"title":"Done"}`,
	}))

	rec = f.do(t, http.MethodGet, "/api/output/t1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"title":"Done"}`, rec.Body.String())
}

func TestOutputFileFallback(t *testing.T) {
	t.Parallel()

	outputDir := t.TempDir()
	f := newFixture(t, server.Config{OutputDir: outputDir})
	ctx := context.Background()

	require.NoError(t, f.registry.Create(ctx, "t1", nil))
	require.NoError(t, f.registry.UpdateField(ctx, "t1", task.FieldExpectedResultKey, "topic_t1_123"))
	require.NoError(t, f.registry.UpdateStatus(ctx, "t1", task.StatusCompleted, ""))

	require.NoError(t, os.WriteFile(
		filepath.Join(outputDir, "topic_t1_123.json"),
		[]byte(`{"title":"From File"}`), 0o600))

	rec := f.do(t, http.MethodGet, "/api/output/t1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"title":"From File"}`, rec.Body.String())
}

func TestPipelineStatusEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t, server.Config{})
	ctx := context.Background()

	require.NoError(t, f.registry.Create(ctx, "t1", nil))

	rec := f.do(t, http.MethodGet, "/api/global_pipeline_status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["running"])

	rec = f.do(t, http.MethodGet, "/api/task/t1/pipeline_status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body = decodeBody(t, rec)
	assert.Equal(t, "t1", body["task_id"])
	assert.Equal(t, string(task.StatusPending), body["task_status"])

	rec = f.do(t, http.MethodGet, "/api/task/nope/pipeline_status", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOperationalEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t, server.Config{})

	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	ready := decodeBody(t, rec)
	assert.Equal(t, "ok", ready["status"])
	assert.Equal(t, map[string]any{"registry": "ok", "result_store": "ok"}, ready["checks"])

	rec = f.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["success"])

	rec = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
