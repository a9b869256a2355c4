package tracing

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(t.Context())
	})
	return recorder
}

func attrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := map[attribute.Key]attribute.Value{}
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestGinMiddlewareNamesSpanByRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := withRecorder(t)

	var seen trace.SpanContext
	r := gin.New()
	r.Use(GinMiddleware(nil))
	r.GET("/members/:id", func(c *gin.Context) {
		seen = trace.SpanContextFromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/members/7", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "HTTP GET /members/:id", spans[0].Name())
	require.Equal(t, trace.SpanKindServer, spans[0].SpanKind())
	require.True(t, seen.IsValid())
	require.Equal(t, spans[0].SpanContext().TraceID(), seen.TraceID())
	require.Equal(t, int64(200), attrs(spans[0])["http.status_code"].AsInt64())
}

func TestGinMiddlewareRecordsClassifiedErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := withRecorder(t)

	classify := func(error) (string, string) { return "internal_error", "boom" }
	r := gin.New()
	r.Use(GinMiddleware(classify))
	r.POST("/fail", func(c *gin.Context) {
		_ = c.Error(errors.New("member alice@example.com broke it"))
		c.Status(http.StatusInternalServerError)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/fail", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, codes.Error, spans[0].Status().Code)
	got := attrs(spans[0])
	require.Equal(t, "internal_error", got["error.type"].AsString())
	require.Equal(t, "boom", got["error.code"].AsString())
	require.Empty(t, spans[0].Events())
}
