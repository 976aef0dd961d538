package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func TestProviderExportsCounters(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	counter, err := p.Meter().Int64Counter("burrow.test.events", metric.WithDescription("test events"))
	require.NoError(t, err)
	counter.Add(context.Background(), 3, metric.WithAttributes(attribute.String("agent", "ec2")))

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "burrow_test_events")
	assert.Contains(t, string(body), `agent="ec2"`)
}

func TestNoopProvider(t *testing.T) {
	p := Noop()
	counter, err := p.Meter().Int64Counter("burrow.test.events")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestProvidersAreIsolated(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	b, err := New()
	require.NoError(t, err)

	_, err = a.Meter().Int64Counter("burrow.shared")
	require.NoError(t, err)
	_, err = b.Meter().Int64Counter("burrow.shared")
	require.NoError(t, err)
}
