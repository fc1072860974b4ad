package postgres

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Middleware labels queries issued while serving a request with the "http"
// origin and records the request's query totals on its span.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := NewReqDBStatsContext(WithOrigin(r.Context(), "http"))
		next.ServeHTTP(w, r.WithContext(ctx))

		stats, _ := ReqDBStatsFromContext(ctx)
		queries, total, errs := stats.Snapshot()
		if queries == 0 {
			return
		}
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(
				attribute.Int("bulwark.db.queries", queries),
				attribute.Float64("bulwark.db.duration_seconds", total.Seconds()),
				attribute.Int("bulwark.db.errors", errs),
			)
		}
	})
}
