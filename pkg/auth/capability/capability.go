// Package capability issues and verifies short-lived vault capability
// tokens for remote sandboxes.
//
// A token is an HS256 JWT that pins one tenant and one execution trace.
// A sandbox presents it when it calls back into the vault; the tenant is
// always taken from the verified token, never from the request body.
package capability

import (
	"errors"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/rhuss/toolrunner/pkg/auth"
)

const (
	issuer   = "toolrunner"
	audience = "vault"

	minKeyBytes = 32
)

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("invalid capability token")

// Claims carried by a capability token.
type Claims struct {
	TenantID string `json:"tid"`
	TraceID  string `json:"trc"`
	jwtlib.RegisteredClaims
}

// Issuer signs and verifies capability tokens with a shared key.
type Issuer struct {
	key []byte
	now func() time.Time
}

// NewIssuer creates an Issuer. The key must be at least 32 bytes.
func NewIssuer(key []byte) (*Issuer, error) {
	if len(key) < minKeyBytes {
		return nil, fmt.Errorf("capability key must be at least %d bytes, got %d", minKeyBytes, len(key))
	}
	return &Issuer{key: key, now: time.Now}, nil
}

// Issue returns a token for tenantID and traceID valid until expires.
func (i *Issuer) Issue(tenantID, traceID string, expires time.Time) (string, error) {
	if tenantID == "" {
		return "", errors.New("capability token requires a tenant")
	}
	now := i.now()
	claims := Claims{
		TenantID: tenantID,
		TraceID:  traceID,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwtlib.ClaimStrings{audience},
			Subject:   traceID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(expires),
		},
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("signing capability token: %w", err)
	}
	return token, nil
}

// Verify parses and validates a token with the same expiry, issued-at and
// leeway rules as caller tokens.
func (i *Issuer) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwtlib.ParseWithClaims(token, claims,
		func(*jwtlib.Token) (any, error) { return i.key, nil },
		auth.TokenOptions([]string{jwtlib.SigningMethodHS256.Alg()}, i.now,
			jwtlib.WithIssuer(issuer),
			jwtlib.WithAudience(audience),
		)...,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, auth.ErrNoTenant)
	}
	return claims, nil
}
