// Package noop provides a no-op authenticator that accepts all requests.
// Used for development and as a default voter in the auth chain.
package noop

import (
	"context"
	"net/http"
	"strings"

	"github.com/rhuss/toolrunner/pkg/auth"
)

// TenantHeader lets development clients pick a tenant without credentials.
const TenantHeader = "X-Tenant-ID"

// DefaultTenant is used when the request names no tenant.
const DefaultTenant = "default"

// Authenticator always returns Yes with an anonymous identity.
type Authenticator struct{}

func (a *Authenticator) Authenticate(_ context.Context, r *http.Request) auth.AuthResult {
	tenant := strings.TrimSpace(r.Header.Get(TenantHeader))
	if tenant == "" {
		tenant = DefaultTenant
	}
	id := &auth.Identity{
		Subject:     "anonymous",
		ServiceTier: "default",
	}
	id.SetTenantID(tenant)
	return auth.AuthResult{Decision: auth.Yes, Identity: id}
}
