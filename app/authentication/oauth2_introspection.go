package authentication

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mpraski/admission-gateway/app/cache"
)

type (
	Scope []string

	Audience []string

	Introspection struct {
		Active    bool     `json:"active"`
		Subject   string   `json:"sub,omitempty"`
		Username  string   `json:"username"`
		Audience  Audience `json:"aud,omitempty"`
		TokenType string   `json:"token_type"`
		Issuer    string   `json:"iss"`
		ClientID  string   `json:"client_id,omitempty"`
		Scope     Scope    `json:"scope,omitempty"`
		Expires   int64    `json:"exp"`
		TokenUse  string   `json:"token_use"`
	}

	Requirements struct {
		Scope    []string
		Audience []string
	}

	OAuth2IntrospectionAuthenticator struct {
		client       *http.Client
		tokens       cache.Cache
		baseURL      string
		requirements Requirements
	}
)

const (
	numCounters   = 10000
	maxCost       = 100000000
	expiry        = time.Minute
	clientTimeout = 5 * time.Second
)

var (
	ErrNotAccessToken       = errors.New("token in use is not an access token")
	ErrTokenInactive        = errors.New("token is inactive")
	ErrTokenExpired         = errors.New("token is expired")
	ErrInsufficientScope    = errors.New("scope is insufficient")
	ErrInsufficientAudience = errors.New("audience is insufficient")
	ErrInvalidAudience      = errors.New("invalid audience value")
	ErrInvalidScope         = errors.New("invalid scope value")
	ErrIntrospectionStatus  = errors.New("introspection endpoint returned an error")
)

var _ Scheme = (*OAuth2IntrospectionAuthenticator)(nil)

func (s *Scope) UnmarshalJSON(b []byte) error {
	var scopes string
	if err := json.Unmarshal(b, &scopes); err == nil {
		*s = strings.Fields(scopes)

		return nil
	}

	return ErrInvalidScope
}

func (s Scope) MarshalJSON() ([]byte, error) {
	return json.Marshal(strings.Join(s, " "))
}

func (a *Audience) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*a = Audience{single}

		return nil
	}

	var multiple []string
	if err := json.Unmarshal(b, &multiple); err == nil {
		*a = multiple

		return nil
	}

	return ErrInvalidAudience
}

func (i *Introspection) Validate(req Requirements, now time.Time) error {
	if len(i.TokenUse) > 0 && i.TokenUse != "access_token" {
		return ErrNotAccessToken
	}

	if !i.Active {
		return ErrTokenInactive
	}

	if i.Expires > 0 && time.Unix(i.Expires, 0).Before(now) {
		return ErrTokenExpired
	}

	if !isContained(req.Scope, i.Scope) {
		return ErrInsufficientScope
	}

	if !isContained(req.Audience, i.Audience) {
		return ErrInsufficientAudience
	}

	return nil
}

// Principal is the subject, or the client for client credential tokens.
func (i *Introspection) Principal() string {
	if i.Subject != "" {
		return i.Subject
	}

	return i.ClientID
}

func NewOAuth2IntrospectionAuthenticator(baseURL string, req Requirements) (*OAuth2IntrospectionAuthenticator, error) {
	tokens, err := cache.NewInMemory(numCounters, maxCost)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token cache: %w", err)
	}

	return &OAuth2IntrospectionAuthenticator{
		baseURL:      baseURL,
		tokens:       tokens,
		requirements: req,
		client:       &http.Client{Timeout: clientTimeout},
	}, nil
}

func (a *OAuth2IntrospectionAuthenticator) Authenticate(r *http.Request) (string, error) {
	t, ok := extractToken(r)
	if !ok {
		return "", ErrTokenMissing
	}

	// raw tokens are not kept in memory longer than the request
	sum := sha256.Sum256([]byte(t))
	key := hex.EncodeToString(sum[:])

	var i *Introspection

	if v, f := a.tokens.Get(key); f {
		var cached Introspection
		if err := json.Unmarshal(v, &cached); err == nil {
			i = &cached
		}
	}

	if i == nil {
		var err error

		i, err = a.introspect(r.Context(), t)
		if err != nil {
			return "", fmt.Errorf("failed to introspect token: %w", err)
		}

		if v, err := json.Marshal(i); err == nil {
			a.tokens.Set(key, v, expiry)
		}
	}

	if err := i.Validate(a.requirements, time.Now()); err != nil {
		return "", fmt.Errorf("failed to validate introspection: %w", err)
	}

	p := i.Principal()
	if p == "" {
		return "", ErrSubjectMissing
	}

	ClearHeaders(r)

	r.Header.Set("X-Issuer", i.Issuer)
	r.Header.Set("X-Client-ID", i.ClientID)

	for _, s := range i.Scope {
		r.Header.Add("X-Scope", s)
	}

	for _, a := range i.Audience {
		r.Header.Add("X-Audience", a)
	}

	return p, nil
}

func (a *OAuth2IntrospectionAuthenticator) introspect(ctx context.Context, token string) (*Introspection, error) {
	body := url.Values{"token": {token}}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, strings.NewReader(body.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create introspection request: %w", err)
	}

	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	p, err := a.client.Do(r)
	if err != nil {
		return nil, fmt.Errorf("failed to make introspection request: %w", err)
	}

	defer p.Body.Close()

	if p.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d", ErrIntrospectionStatus, p.StatusCode)
	}

	var i Introspection
	if err := json.NewDecoder(p.Body).Decode(&i); err != nil {
		return nil, fmt.Errorf("failed to decode introspection response: %w", err)
	}

	return &i, nil
}

func isContained(a, b []string) bool {
	for _, i := range a {
		var f bool

		for _, j := range b {
			if f = i == j; f {
				break
			}
		}

		if !f {
			return false
		}
	}

	return true
}
