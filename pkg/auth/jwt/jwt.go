// Package jwt authenticates callers with OIDC bearer tokens verified
// against a JWKS endpoint.
//
// A token must carry a subject and a tenant claim. Its tier claim selects
// the service tier; the auth chain checks it against the configured tiers
// like for every other authenticator.
package jwt

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/rhuss/toolrunner/pkg/auth"
)

const (
	maxJWKSBytes = 1 << 20
	minRSABits   = 2048
)

// Config holds the JWT authenticator configuration.
type Config struct {
	// Issuer and Audience are validated when set.
	Issuer   string
	Audience string

	// JWKSURL serves the signing keys.
	JWKSURL string

	TenantClaim string // default: "tenant_id"
	TierClaim   string // default: "tier"

	// CacheTTL is how long fetched keys are trusted. Default: 1 hour.
	CacheTTL time.Duration

	// MinRefresh spaces out the fetches that unknown key IDs trigger.
	// Default: 1 minute.
	MinRefresh time.Duration

	HTTPClient *http.Client     // default: http.DefaultClient
	Now        func() time.Time // default: time.Now
}

func (c *Config) applyDefaults() {
	if c.TenantClaim == "" {
		c.TenantClaim = "tenant_id"
	}
	if c.TierClaim == "" {
		c.TierClaim = "tier"
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = time.Hour
	}
	if c.MinRefresh == 0 {
		c.MinRefresh = time.Minute
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Authenticator validates RS256/384/512 bearer tokens.
type Authenticator struct {
	config Config
	keys   *keySet
	opts   []jwtlib.ParserOption
}

// New creates a JWT authenticator.
func New(cfg Config) *Authenticator {
	cfg.applyDefaults()

	var extra []jwtlib.ParserOption
	if cfg.Issuer != "" {
		extra = append(extra, jwtlib.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		extra = append(extra, jwtlib.WithAudience(cfg.Audience))
	}

	return &Authenticator{
		config: cfg,
		keys: &keySet{
			url:        cfg.JWKSURL,
			client:     cfg.HTTPClient,
			ttl:        cfg.CacheTTL,
			minRefresh: cfg.MinRefresh,
			now:        cfg.Now,
		},
		opts: auth.TokenOptions([]string{"RS256", "RS384", "RS512"}, cfg.Now, extra...),
	}
}

// Authenticate abstains without a bearer token and answers No for any
// token that fails verification or names no tenant.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) auth.AuthResult {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return auth.AuthResult{Decision: auth.Abstain}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if raw == "" {
		return reject(errors.New("empty bearer token"))
	}

	claims := jwtlib.MapClaims{}
	_, err := jwtlib.ParseWithClaims(raw, claims, func(t *jwtlib.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid header")
		}
		return a.keys.key(ctx, kid)
	}, a.opts...)
	if err != nil {
		slog.Debug("JWT validation failed", "error", err)
		return reject(fmt.Errorf("invalid JWT: %w", err))
	}

	subject, _ := claims.GetSubject()
	if subject == "" {
		return reject(errors.New("JWT has no sub claim"))
	}
	tenant := stringClaim(claims, a.config.TenantClaim)
	if tenant == "" {
		return reject(fmt.Errorf("%w: JWT has no %q claim", auth.ErrNoTenant, a.config.TenantClaim))
	}

	id := &auth.Identity{Subject: subject, ServiceTier: stringClaim(claims, a.config.TierClaim)}
	id.SetTenantID(tenant)
	return auth.AuthResult{Decision: auth.Yes, Identity: id}
}

func reject(err error) auth.AuthResult {
	return auth.AuthResult{Decision: auth.No, Err: err}
}

func stringClaim(claims jwtlib.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return strings.TrimSpace(s)
}

// keySet caches the RSA signing keys of a JWKS endpoint. Concurrent misses
// share one fetch, and a failed refresh keeps serving the keys it had.
type keySet struct {
	url        string
	client     *http.Client
	ttl        time.Duration
	minRefresh time.Duration
	now        func() time.Time

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time

	group singleflight.Group
}

func (s *keySet) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	s.mu.RLock()
	k, ok := s.keys[kid]
	fetched := !s.fetchedAt.IsZero()
	age := s.now().Sub(s.fetchedAt)
	s.mu.RUnlock()

	switch {
	case ok && age < s.ttl:
		return k, nil
	case !ok && fetched && age < s.minRefresh:
		return nil, fmt.Errorf("key %q not in JWKS", kid)
	}

	_, err, _ := s.group.Do("jwks", func() (any, error) {
		return nil, s.refresh(ctx)
	})
	if err != nil {
		if ok {
			slog.Warn("JWKS refresh failed, using cached key", "kid", kid, "error", err)
			return k, nil
		}
		return nil, err
	}

	s.mu.RLock()
	k, ok = s.keys[kid]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("key %q not in JWKS", kid)
	}
	return k, nil
}

func (s *keySet) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("creating JWKS request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching JWKS: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBytes)).Decode(&doc); err != nil {
		return fmt.Errorf("parsing JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.rsaKey()
		if err != nil {
			slog.Warn("skipping JWKS key", "kid", k.Kid, "error", err)
			continue
		}
		keys[k.Kid] = pub
	}

	s.mu.Lock()
	s.keys = keys
	s.fetchedAt = s.now()
	s.mu.Unlock()

	slog.Debug("JWKS refreshed", "keys", len(keys), "url", s.url)
	return nil
}

// jwk is one entry of a JSON Web Key Set.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k jwk) rsaKey() (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}
	n, e := new(big.Int).SetBytes(nb), new(big.Int).SetBytes(eb)
	if n.BitLen() < minRSABits {
		return nil, fmt.Errorf("RSA modulus of %d bits is below %d", n.BitLen(), minRSABits)
	}
	if !e.IsInt64() || e.Int64() < 3 || e.Int64() > 1<<31-1 {
		return nil, errors.New("RSA exponent out of range")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
