package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"

	log "github.com/sirupsen/logrus"

	"github.com/mpraski/admission-gateway/app/authentication"
	"github.com/mpraski/admission-gateway/app/ratelimit"
)

type (
	Proxy struct {
		routes    *routes
		schemes   authentication.Schemes
		transport *transport
		proxy     *httputil.ReverseProxy
	}

	contextKey uint
)

const matchKey contextKey = 10

var _ ratelimit.Classifier = (*Proxy)(nil)

func New(configDataSource io.Reader, schemes authentication.Schemes) (*Proxy, error) {
	r, err := parseRoutes(configDataSource, schemes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse proxy routes: %w", err)
	}

	t := newTransport()

	return &Proxy{
		routes:    r,
		schemes:   schemes,
		transport: t,
		proxy: &httputil.ReverseProxy{
			Director:     director,
			Transport:    t,
			BufferPool:   newPool(),
			ErrorHandler: upstreamError,
		},
	}, nil
}

// Classify assigns the request to the rate limit category of the longest
// matching route. Unrouted requests fall into the default category.
func (p *Proxy) Classify(method, urlPath string) ratelimit.Category {
	m, ok := p.routes.match(urlPath)
	if !ok {
		return ratelimit.Default
	}

	if c := m.route.rateLimit.Classify(method, urlPath); c != "" {
		return c
	}

	return ratelimit.Default
}

// Handler routes, authenticates, admits and finally proxies the request.
// A nil admission disables rate limiting. Failed authentications still
// count against the caller's address before the 401 is returned. Requests
// carrying an API key are admitted before authentication.
func (p *Proxy) Handler(admission *ratelimit.Admission) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m, ok := p.routes.match(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}

		// an API key identifies the caller on its own, so such requests are
		// admitted before the scheme is consulted
		admitted := admission == nil
		if !admitted {
			if d := admission.Describe(r, m.route.rateLimit); d.APIKey != "" {
				if !admission.Handle(w, r, d) {
					return
				}

				admitted = true
			}
		}

		subject, authErr := p.authenticate(r, m.route)
		if authErr == nil && subject != "" {
			r = r.WithContext(authentication.WithSubject(r.Context(), subject))
		}

		if !admitted && !admission.Handle(w, r, admission.Describe(r, m.route.rateLimit)) {
			return
		}

		if authErr != nil {
			log.WithFields(log.Fields{
				"path":   r.URL.Path,
				"scheme": m.route.authentication,
			}).WithError(authErr).Debug("authentication failed")

			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)

			return
		}

		if subject != "" {
			r.Header.Set("X-Subject", subject)
		}

		r.Header.Set("X-Forwarded-Host", r.Host)

		p.proxy.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), matchKey, m)))
	})
}

func (p *Proxy) Close() {
	p.transport.close()
}

func (p *Proxy) authenticate(r *http.Request, rt *route) (string, error) {
	if rt.authentication == "" {
		authentication.ClearHeaders(r)
		return "", nil
	}

	a, ok := p.schemes[rt.authentication]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownScheme, rt.authentication)
	}

	subject, err := a.Authenticate(r)
	if err != nil {
		authentication.ClearHeaders(r)
		return "", err
	}

	return subject, nil
}

func director(req *http.Request) {
	//nolint:errcheck //always set by Handler
	m := req.Context().Value(matchKey).(match)

	var (
		target       = m.route.target
		targetScheme = target.Scheme
	)

	if targetScheme == "" {
		targetScheme = "http"
	}

	req.URL.Scheme = targetScheme
	req.URL.Host = target.Host
	req.URL.Path = singleJoiningSlash(target.Path, m.path)
	req.URL.RawPath = ""
	req.URL.RawQuery = joinQuery(target.RawQuery, req.URL.RawQuery)

	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header.Set("User-Agent", "")
	}
}

func upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	log.WithFields(log.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"host":   r.URL.Host,
	}).WithError(err).Error("failed to reach upstream")

	w.WriteHeader(http.StatusBadGateway)
}
