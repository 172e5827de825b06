package proxy

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/mpraski/admission-gateway/app/authentication"
	"github.com/mpraski/admission-gateway/app/ratelimit"
)

const testRoutes = `
routes:
  - prefix: /auth
    target: http://identity:8080
    rateLimit:
      category: authentication
    routes:
      - prefix: /login
      - prefix: /logout
        rateLimit:
          category: default
  - prefix: /api
    target: http://backend:8080
    rewrite: /v1
    authentication: jwt
    routes:
      - prefix: /accounts
        rateLimit:
          category: sensitive-write
          methods: [post, put, delete]
      - prefix: /admin
        target: http://admin:8080/internal
        rateLimit:
          category: privileged-api
`

type stubScheme struct {
	subject string
	err     error
}

func (s stubScheme) Authenticate(*http.Request) (string, error) {
	return s.subject, s.err
}

func testSchemes() authentication.Schemes {
	return authentication.Schemes{authentication.JWT: stubScheme{subject: "alice"}}
}

func TestParseRoutes_Match(t *testing.T) {
	r, err := parseRoutes(strings.NewReader(testRoutes), testSchemes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		path   string
		host   string
		want   string
		scheme string
	}{
		{path: "/auth/login", host: "identity:8080", want: "/auth/login"},
		{path: "/api/accounts/7", host: "backend:8080", want: "/v1/7", scheme: "jwt"},
		{path: "/api/orders", host: "backend:8080", want: "/v1/orders", scheme: "jwt"},
		{path: "/api/admin/users", host: "admin:8080", want: "/v1/users", scheme: "jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			m, ok := r.match(tt.path)
			if !ok {
				t.Fatal("expected a match")
			}

			if m.route.target.Host != tt.host {
				t.Fatalf("expected host %q, got %q", tt.host, m.route.target.Host)
			}

			if m.path != tt.want {
				t.Fatalf("expected path %q, got %q", tt.want, m.path)
			}

			if m.route.authentication != tt.scheme {
				t.Fatalf("expected scheme %q, got %q", tt.scheme, m.route.authentication)
			}
		})
	}

	if _, ok := r.match("/unknown"); ok {
		t.Fatal("expected no match")
	}
}

func TestProxy_Classify(t *testing.T) {
	p, err := New(strings.NewReader(testRoutes), testSchemes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer p.Close()

	tests := []struct {
		method string
		path   string
		want   ratelimit.Category
	}{
		{http.MethodPost, "/auth/login", ratelimit.Authentication},
		{http.MethodPost, "/auth", ratelimit.Authentication},
		{http.MethodPost, "/auth/logout", ratelimit.Default},
		{http.MethodPost, "/api/accounts/7", ratelimit.SensitiveWrite},
		{http.MethodGet, "/api/accounts/7", ratelimit.Default},
		{http.MethodGet, "/api/admin/users", ratelimit.PrivilegedAPI},
		{http.MethodGet, "/api/orders", ratelimit.Default},
		{http.MethodGet, "/nowhere", ratelimit.Default},
	}

	for _, tt := range tests {
		if got := p.Classify(tt.method, tt.path); got != tt.want {
			t.Errorf("%s %s: expected %q, got %q", tt.method, tt.path, tt.want, got)
		}
	}
}

func TestParseRoutes_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr error
	}{
		{
			name:    "unknown scheme",
			config:  "routes:\n  - prefix: /a\n    target: http://a\n    authentication: saml\n",
			wantErr: ErrUnknownScheme,
		},
		{
			name:    "missing target",
			config:  "routes:\n  - prefix: /a\n",
			wantErr: ErrNoTarget,
		},
		{
			name:    "empty category",
			config:  "routes:\n  - prefix: /a\n    target: http://a\n    rateLimit:\n      category: \"\"\n",
			wantErr: errCategoryEmpty,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseRoutes(strings.NewReader(tt.config), testSchemes())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if _, err := parseRoutes(strings.NewReader("routes:\n  - prefix: /a\n    target: http://a\n  - prefix: /a\n    target: http://b\n"), nil); err == nil {
		t.Fatal("expected a duplicate prefix to fail")
	}
}

func TestSingleJoiningSlash(t *testing.T) {
	tests := []struct{ a, b, want string }{
		{"/v1", "/users", "/v1/users"},
		{"/v1/", "/users", "/v1/users"},
		{"/v1", "users", "/v1/users"},
		{"/v1", "", "/v1"},
		{"", "/users", "/users"},
		{"", "", "/"},
	}

	for _, tt := range tests {
		if got := singleJoiningSlash(tt.a, tt.b); got != tt.want {
			t.Errorf("singleJoiningSlash(%q, %q): expected %q, got %q", tt.a, tt.b, tt.want, got)
		}
	}
}
