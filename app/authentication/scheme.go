package authentication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mpraski/admission-gateway/app/secret"
)

type (
	// Scheme authenticates a request and returns the subject it belongs to.
	Scheme interface {
		Authenticate(*http.Request) (string, error)
	}

	Schemes map[string]Scheme
)

const (
	JWT                 = "jwt"
	OAuth2Introspection = "oauth2-introspection"

	tokenLength = 2
)

var (
	ErrTokenMissing   = errors.New("failed to extract token from header")
	ErrSubjectMissing = errors.New("credentials carry no subject")
)

var sensitiveHeaders = []string{
	"X-Subject",
	"X-Issuer",
	"X-Client-ID",
	"X-Scope",
	"X-Audience",
	"Authorization",
}

func MakeSchemes(ctx context.Context, configDataSource io.Reader, secrets secret.Source) (Schemes, error) {
	c, err := parseConfig(configDataSource)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	schemes := make(Schemes)

	if c.JWT != nil {
		key, err := secrets.Get(ctx, c.JWT.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("failed to get jwt public key: %w", err)
		}

		a, err := NewJWTAuthenticator(bytes.NewReader(key), c.JWT.Issuer)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize jwt authenticator: %w", err)
		}

		schemes[JWT] = a
	}

	if c.OAuth2Introspection != nil {
		a, err := NewOAuth2IntrospectionAuthenticator(c.OAuth2Introspection.BaseURL, Requirements{
			Scope:    c.OAuth2Introspection.RequiredScope,
			Audience: c.OAuth2Introspection.RequiredAudience,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize introspection authenticator: %w", err)
		}

		schemes[OAuth2Introspection] = a
	}

	return schemes, nil
}

// ClearHeaders strips identity headers so clients cannot forge them upstream.
func ClearHeaders(r *http.Request) {
	for _, h := range sensitiveHeaders {
		r.Header.Del(h)
	}
}

func extractToken(r *http.Request) (value string, found bool) {
	arr := strings.Fields(r.Header.Get("Authorization"))
	if len(arr) == tokenLength && strings.EqualFold(arr[0], "Bearer") {
		found = true
		value = arr[1]
	}

	return
}
