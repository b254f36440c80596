package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"trackersync/pkg/metrics"
	"trackersync/pkg/trace"
)

// traceMiddleware 读取或生成 trace id，并写回响应头
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(trace.HeaderName())
		if traceID == "" {
			traceID = trace.GenerateTraceID()
		}
		w.Header().Set(trace.HeaderName(), traceID)
		next.ServeHTTP(w, r.WithContext(trace.WithContext(r.Context(), traceID)))
	})
}

// metricsMiddleware records latency per route pattern, not per raw path.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordHTTPRequestDuration(r.Method, route, strconv.Itoa(status), time.Since(start))
	})
}
