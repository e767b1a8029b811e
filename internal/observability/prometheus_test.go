package observability_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/surveyforge/internal/observability"
)

// scrape performs a GET /metrics against handler and returns the exposition body.
func scrape(t *testing.T, handler http.Handler) string {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")

	return rec.Body.String()
}

func TestPrometheusExporter_InstrumentsAppearOnScrape(t *testing.T) {
	t.Parallel()

	provider, handler, err := observability.NewPrometheusExporter()
	require.NoError(t, err)

	t.Cleanup(func() { require.NoError(t, provider.Shutdown(context.Background())) })

	counter, err := provider.Meter("test").Int64Counter("submissions_total")
	require.NoError(t, err)

	counter.Add(context.Background(), 3)

	body := scrape(t, handler)
	assert.Contains(t, body, "submissions_total")
	// The OTel exporter adds target_info with SDK metadata.
	assert.Contains(t, body, "target_info")
}

func TestPrometheusExporter_RegistriesAreIndependent(t *testing.T) {
	t.Parallel()

	providerA, handlerA, err := observability.NewPrometheusExporter()
	require.NoError(t, err)

	t.Cleanup(func() { require.NoError(t, providerA.Shutdown(context.Background())) })

	_, handlerB, err := observability.NewPrometheusExporter()
	require.NoError(t, err)

	counter, err := providerA.Meter("test").Int64Counter("only_on_a_total")
	require.NoError(t, err)

	counter.Add(context.Background(), 1)

	assert.Contains(t, scrape(t, handlerA), "only_on_a_total")
	assert.NotContains(t, scrape(t, handlerB), "only_on_a_total")
}

func TestPrometheusHandler_ServesWithoutProvider(t *testing.T) {
	t.Parallel()

	handler, err := observability.PrometheusHandler()
	require.NoError(t, err)

	scrape(t, handler)
}
