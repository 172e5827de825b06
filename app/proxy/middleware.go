package proxy

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/mpraski/admission-gateway/app/ratelimit"
)

// loggingWriter persists the response status code.
type loggingWriter struct {
	http.ResponseWriter
	Code int
}

const decimalBase = 10

// WithMetrics counts requests by method, rate limit category and status.
// Categories keep the label set bounded where raw paths would not.
func WithMetrics(
	counter *prometheus.CounterVec,
	histogram prometheus.Histogram,
	c ratelimit.Classifier,
) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lw := newLoggingWriter(w)
			timer := prometheus.NewTimer(histogram)
			defer func() {
				timer.ObserveDuration()
				counter.WithLabelValues(
					r.Method,
					string(c.Classify(r.Method, r.URL.Path)),
					strconv.FormatInt(int64(lw.Code), decimalBase),
				).Inc()
			}()
			next.ServeHTTP(lw, r)
		})
	}
}

func WithLogging() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lw := newLoggingWriter(w)
			defer func() {
				entry := log.WithFields(log.Fields{
					"method":     r.Method,
					"path":       r.URL.Path,
					"code":       lw.Code,
					"address":    r.RemoteAddr,
					"user_agent": r.UserAgent(),
				})

				switch c := lw.Code; {
				case c >= http.StatusInternalServerError:
					entry.Error("upstream failed")
				case c == http.StatusTooManyRequests:
					entry.WithField("retry_after", lw.Header().Get("Retry-After")).Info("request rate limited")
				case c >= http.StatusBadRequest:
					entry.Warn("application failed")
				}
			}()
			next.ServeHTTP(lw, r)
		})
	}
}

func newLoggingWriter(w http.ResponseWriter) *loggingWriter {
	if w, ok := w.(*loggingWriter); ok {
		return w
	}

	return &loggingWriter{w, http.StatusOK}
}

func (w *loggingWriter) WriteHeader(code int) {
	w.Code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the wrapper.
func (w *loggingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
