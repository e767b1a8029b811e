package observability_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/surveyforge/internal/observability"
)

var errRegistryDown = errors.New("registry ping failed")

// probeReport performs a GET against handler and decodes the JSON body.
func probeReport(t *testing.T, handler http.Handler, path string) (int, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	return rec.Code, body
}

func TestHealthHandler_AlwaysOK(t *testing.T) {
	t.Parallel()

	code, body := probeReport(t, observability.HealthHandler(), "/healthz")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	// Liveness carries no dependency report.
	assert.NotContains(t, body, "checks")
}

func TestReadyHandler_ReportsEachCheck(t *testing.T) {
	t.Parallel()

	handler := observability.ReadyHandler(
		observability.Check{Name: "registry", Probe: func(context.Context) error { return nil }},
		observability.Check{Name: "result_store", Probe: func(context.Context) error { return nil }},
	)

	code, body := probeReport(t, handler, "/readyz")

	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{
		"registry":     "ok",
		"result_store": "ok",
	}, body["checks"])
}

func TestReadyHandler_NamesFailingDependency(t *testing.T) {
	t.Parallel()

	handler := observability.ReadyHandler(
		observability.Check{Name: "registry", Probe: func(context.Context) error { return errRegistryDown }},
		observability.Check{Name: "result_store", Probe: func(context.Context) error { return nil }},
	)

	code, body := probeReport(t, handler, "/readyz")

	require.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unavailable", body["status"])

	checks, ok := body["checks"].(map[string]any)
	require.True(t, ok)
	// The healthy dependency still reports ok alongside the failure.
	assert.Equal(t, "ok", checks["result_store"])
	assert.Contains(t, checks["registry"], "registry ping failed")
}

func TestReadyHandler_NoChecksIsReady(t *testing.T) {
	t.Parallel()

	code, body := probeReport(t, observability.ReadyHandler(), "/readyz")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestReadyHandler_ProbeSeesRequestContext(t *testing.T) {
	t.Parallel()

	var sawDeadline bool

	handler := observability.ReadyHandler(observability.Check{
		Name: "registry",
		Probe: func(ctx context.Context) error {
			_, sawDeadline = ctx.Deadline()

			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/readyz", http.NoBody).WithContext(ctx)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, sawDeadline, "probe should run under the request context")
}
