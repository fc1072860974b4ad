package postgres

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestMiddleware_RecordsQueryTotals(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	ctx, span := tp.Tracer("test").Start(context.Background(), "request")

	var origin string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin = originFromContext(r.Context())
		stats, ok := ReqDBStatsFromContext(r.Context())
		if !ok {
			t.Fatal("no stats on request context")
		}
		stats.AddQuery(30*time.Millisecond, nil)
		stats.AddQuery(20*time.Millisecond, errors.New("boom"))
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequestWithContext(ctx, http.MethodGet, "/api/v1/status", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	span.End()

	if origin != "http" {
		t.Errorf("origin = %q, want http", origin)
	}

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if got := attrs["bulwark.db.queries"].AsInt64(); got != 2 {
		t.Errorf("queries = %d, want 2", got)
	}
	if got := attrs["bulwark.db.errors"].AsInt64(); got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}
	if got := attrs["bulwark.db.duration_seconds"].AsFloat64(); got < 0.049 || got > 0.051 {
		t.Errorf("duration = %v, want 0.05", got)
	}
}

func TestMiddleware_NoQueriesNoAttributes(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	ctx, span := tp.Tracer("test").Start(context.Background(), "request")

	h := Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequestWithContext(ctx, http.MethodGet, "/-/ready", nil))
	span.End()

	if n := len(rec.Ended()[0].Attributes()); n != 0 {
		t.Errorf("attributes = %d, want 0", n)
	}
}
