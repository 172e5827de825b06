package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"
)

type (
	// Descriptor is the minimal, transport independent view of a request
	// that admission needs.
	Descriptor struct {
		Method     string
		Path       string
		Action     Category
		RemoteAddr string
		Subject    string
		APIKey     string
	}

	Classifier interface {
		Classify(method, path string) Category
	}

	ClassifierFunc func(method, path string) Category

	SubjectFunc func(context.Context) string

	Resolver struct {
		apiKeyHeader      string
		trustForwardedFor bool
		subject           SubjectFunc
	}

	ResolverOption func(*Resolver)
)

const (
	apiKeyPrefix  = "apikey:"
	subjectPrefix = "user:"
	addressPrefix = "ip:"
	apiKeyDigest  = 16
)

func (f ClassifierFunc) Classify(method, path string) Category {
	return f(method, path)
}

func WithAPIKeyHeader(header string) ResolverOption {
	return func(r *Resolver) { r.apiKeyHeader = header }
}

func WithTrustForwardedFor(trust bool) ResolverOption {
	return func(r *Resolver) { r.trustForwardedFor = trust }
}

func WithSubject(f SubjectFunc) ResolverOption {
	return func(r *Resolver) { r.subject = f }
}

func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{apiKeyHeader: defaultAPIKeyHeader}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Resolve applies the identifier precedence: API key, then authenticated
// subject, then network address. It never returns an empty identifier;
// requests carrying nothing share the "unknown" bucket.
func (r *Resolver) Resolve(d Descriptor) Key {
	k := Key{Category: d.Action}
	if k.Category == "" {
		k.Category = Default
	}

	switch {
	case d.APIKey != "":
		sum := sha256.Sum256([]byte(d.APIKey))
		k.Identifier = apiKeyPrefix + hex.EncodeToString(sum[:apiKeyDigest])
	case d.Subject != "":
		k.Identifier = subjectPrefix + d.Subject
	case d.RemoteAddr != "":
		k.Identifier = addressPrefix + d.RemoteAddr
	default:
		k.Identifier = unknownIdentifier
	}

	return k
}

func (r *Resolver) Describe(req *http.Request, c Classifier) Descriptor {
	d := Descriptor{
		Method:     req.Method,
		Path:       req.URL.Path,
		RemoteAddr: r.remoteAddr(req),
		APIKey:     apiKey(req.Header.Get(r.apiKeyHeader)),
	}

	if c != nil {
		d.Action = c.Classify(d.Method, d.Path)
	}

	if r.subject != nil {
		d.Subject = strings.TrimSpace(r.subject(req.Context()))
	}

	return d
}

func (r *Resolver) remoteAddr(req *http.Request) string {
	if r.trustForwardedFor {
		if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
			if a := normalizeAddr(strings.Split(xff, ",")[0]); a != "" {
				return a
			}
		}
	}

	return normalizeAddr(req.RemoteAddr)
}

func apiKey(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || !httpguts.ValidHeaderFieldValue(v) {
		return ""
	}

	return v
}

func normalizeAddr(addr string) string {
	addr = strings.TrimSpace(addr)

	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}

	if ip := net.ParseIP(strings.Trim(addr, "[]")); ip != nil {
		return ip.String()
	}

	return addr
}
