package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/newpush/coach-sub004/internal/metrics"
)

// statusRecorder remembers the first status a handler sends
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Instrument counts and times every request mux serves. The route label is
// the pattern the mux matched, so path values such as {provider} do not
// multiply series; requests no pattern matches share RouteUnmatched.
func Instrument(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		mux.ServeHTTP(rec, r)

		// ServeMux sets Pattern on the request it was handed
		route := r.Pattern
		if route == "" {
			route = metrics.RouteUnmatched
		}
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		code := strconv.Itoa(status)
		metrics.HTTPRequestsTotal.WithLabelValues(route, code).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(route, code).Observe(time.Since(start).Seconds())
	})
}
