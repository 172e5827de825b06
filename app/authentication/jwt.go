package authentication

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/golang-jwt/jwt"
)

type JWTAuthenticator struct {
	publicKey *rsa.PublicKey
	issuer    string
}

var (
	ErrTokenInvalid    = errors.New("token is invalid")
	ErrIssuerInvalid   = errors.New("token issuer is not accepted")
	ErrPemDecodeFailed = errors.New("failed to decode pem data")
	ErrPublicKeyNotRSA = errors.New("public key is not RSA")
)

var _ Scheme = (*JWTAuthenticator)(nil)

// NewJWTAuthenticator accepts RS256 family tokens signed by publicKey. An
// empty issuer accepts any issuer.
func NewJWTAuthenticator(publicKey io.Reader, issuer string) (*JWTAuthenticator, error) {
	p, err := parsePublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	return &JWTAuthenticator{publicKey: p, issuer: issuer}, nil
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) (string, error) {
	t, ok := extractToken(r)
	if !ok {
		return "", ErrTokenMissing
	}

	var claims jwt.StandardClaims

	token, err := jwt.ParseWithClaims(t, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		return a.publicKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to parse JWT: %w", err)
	}

	if !token.Valid {
		return "", ErrTokenInvalid
	}

	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return "", ErrIssuerInvalid
	}

	if claims.Subject == "" {
		return "", ErrSubjectMissing
	}

	return claims.Subject, nil
}

func parsePublicKey(source io.Reader) (*rsa.PublicKey, error) {
	data, err := io.ReadAll(source)
	if err != nil {
		return nil, fmt.Errorf("failed to read data from source: %w", err)
	}

	p, _ := pem.Decode(data)
	if p == nil {
		return nil, ErrPemDecodeFailed
	}

	if p.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("unexpected pem block %q: %w", p.Type, ErrPublicKeyNotRSA)
	}

	k, err := x509.ParsePKIXPublicKey(p.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	r, ok := k.(*rsa.PublicKey)
	if !ok {
		return nil, ErrPublicKeyNotRSA
	}

	return r, nil
}
