package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	require.Equal(t, "example.com", SanitizeSite("https://Example.com/path"))
	require.Equal(t, "example.com", SanitizeSite("example.com/path"))
	require.Equal(t, "unknown", SanitizeSite("http://"))
}

func TestMiddlewareRecordsRequests(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Handle("/metrics", Handler())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)

	ObservePublish("raw", "published")
	ObserveDelivery("rewrite", "ack")

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	require.True(t, strings.Contains(body, `http_requests_total{code="418",method="GET"}`))
	require.True(t, strings.Contains(body, "pipeline_publish_total"))
	require.True(t, strings.Contains(body, "pipeline_queue_deliveries_total"))
}

func TestInitTracerProvider(t *testing.T) {
	t.Parallel()

	tp, err := InitTracerProvider(context.Background(), "story-pipeline", "test")
	require.NoError(t, err)
	require.NoError(t, tp.Shutdown(context.Background()))
}
