package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
)

// AuthDecision represents the three possible outcomes of authentication.
type AuthDecision int

const (
	// Yes means credentials are valid. The chain stops and the identity is used.
	Yes AuthDecision = iota

	// No means credentials are present but invalid. The chain stops and the
	// request is rejected.
	No

	// Abstain means this authenticator cannot handle the credentials type.
	// The chain continues to the next authenticator.
	Abstain
)

// AuthResult carries the outcome of an authentication attempt.
type AuthResult struct {
	Decision AuthDecision
	Identity *Identity // populated only when Decision == Yes
	Err      error     // populated only when Decision == No
}

// DefaultTier is the service tier of callers whose credentials name none.
const DefaultTier = "default"

// Identity represents an authenticated caller.
type Identity struct {
	// Subject is the unique identifier (required, non-empty).
	Subject string

	// ServiceTier determines rate limits and, for dedicated tiers, the
	// worker pool partition.
	ServiceTier string

	// tenant is billed for the caller's invocations and owns the vault
	// namespace their tools see.
	tenant string
}

// TenantID returns the caller's tenant, or empty string.
func (id *Identity) TenantID() string {
	if id == nil {
		return ""
	}
	return id.tenant
}

// SetTenantID records the caller's tenant.
func (id *Identity) SetTenantID(tenantID string) {
	id.tenant = tenantID
}

// Authenticator examines request credentials and returns a three-outcome vote.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) AuthResult
}

// Sentinel errors.
var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrTooManyRequests = errors.New("rate limit exceeded")

	// ErrNoTenant is returned for credentials that resolve to no tenant.
	// Caller tokens and sandbox capability tokens share it.
	ErrNoTenant = errors.New("credentials name no tenant")

	// ErrUnknownTier is returned for a service tier the server does not
	// configure.
	ErrUnknownTier = errors.New("unknown service tier")
)

// Tiers is the set of service tiers a credential may claim. The zero
// value accepts only DefaultTier.
type Tiers []string

// Check validates the tenant and tier of id. An empty tier is replaced by
// DefaultTier.
func (t Tiers) Check(id *Identity) error {
	if id.TenantID() == "" {
		return ErrNoTenant
	}
	if id.ServiceTier == "" {
		id.ServiceTier = DefaultTier
	}
	if id.ServiceTier != DefaultTier && !slices.Contains(t, id.ServiceTier) {
		return fmt.Errorf("%w %q", ErrUnknownTier, id.ServiceTier)
	}
	return nil
}

// AuthChain evaluates authenticators in order using three-outcome voting.
// A request that every authenticator abstains on is rejected.
type AuthChain struct {
	// Authenticators are evaluated left to right.
	Authenticators []Authenticator

	// Tiers lists the service tiers an identity may carry.
	Tiers Tiers
}

// Authenticate runs the chain. Stops on the first Yes or No. A Yes whose
// identity fails Tiers.Check becomes a No.
func (c *AuthChain) Authenticate(ctx context.Context, r *http.Request) AuthResult {
	for _, authn := range c.Authenticators {
		result := authn.Authenticate(ctx, r)
		switch result.Decision {
		case Abstain:
			continue
		case Yes:
			if result.Identity == nil {
				return AuthResult{Decision: No, Err: ErrUnauthenticated}
			}
			if err := c.Tiers.Check(result.Identity); err != nil {
				return AuthResult{Decision: No, Err: fmt.Errorf("subject %q: %w", result.Identity.Subject, err)}
			}
		}
		return result
	}
	return AuthResult{Decision: No, Err: ErrUnauthenticated}
}
