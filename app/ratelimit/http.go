package ratelimit

import (
	"encoding/json"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"
)

type (
	Middleware func(http.Handler) http.Handler

	rejection struct {
		Detail     string `json:"detail"`
		RetryAfter int    `json:"retry_after"`
	}
)

const (
	headerLimit      = "X-RateLimit-Limit"
	headerRemaining  = "X-RateLimit-Remaining"
	headerReset      = "X-RateLimit-Reset"
	headerRetryAfter = "Retry-After"

	rejectionDetail = "Rate limit exceeded"
	maxPoliciesBody = 1 << 20
)

// NewMiddleware admits or rejects every request before it reaches next.
// A nil classifier puts every request in the default category.
func NewMiddleware(a *Admission, c Classifier) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Handle(w, r, a.Describe(r, c)) {
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Handle writes the rate limit headers and, on denial, the 429 response.
// It reports whether the request may proceed.
func (a *Admission) Handle(w http.ResponseWriter, r *http.Request, d Descriptor) bool {
	o := a.Admit(r.Context(), d)

	h := w.Header()
	for k, v := range o.Headers() {
		h.Set(k, v)
	}

	if o.Admitted {
		return true
	}

	writeRejection(w, o.RetryAfterSeconds())

	return false
}

func writeRejection(w http.ResponseWriter, retryAfter int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	if err := json.NewEncoder(w).Encode(rejection{Detail: rejectionDetail, RetryAfter: retryAfter}); err != nil {
		log.WithError(err).Debug("failed to write rate limit rejection")
	}
}

// NewPoliciesHandler replaces the registry's policies from a YAML document
// carrying a ratelimit section. Invalid documents leave the current policies
// untouched.
func NewPoliciesHandler(registry *Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(describePolicies(registry))
		case http.MethodPut:
			c, err := ParseConfig(io.LimitReader(r.Body, maxPoliciesBody))
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}

			if err = registry.Replace(c.Policies...); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}

			log.WithField("categories", registry.Categories()).Info("rate limit policies replaced")
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		}
	})
}

func describePolicies(registry *Registry) map[Category]map[string]int {
	out := make(map[Category]map[string]int)

	for _, c := range registry.Categories() {
		p := registry.Lookup(c)
		out[c] = map[string]int{
			"quota":           p.Quota,
			"window_seconds":  int(p.Window.Seconds()),
			"lockout_seconds": int(p.Lockout.Seconds()),
		}
	}

	return out
}
