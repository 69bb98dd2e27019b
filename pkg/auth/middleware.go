package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/rhuss/toolrunner/pkg/observability"
	"github.com/rhuss/toolrunner/pkg/storage"
)

// Middleware creates HTTP middleware from an AuthChain and optional RateLimiter.
// It checks the bypass list, runs authentication, injects tenant context,
// and optionally enforces rate limits.
//
// The chain only accepts identities that name a tenant, and that tenant
// scopes the request.
func Middleware(chain *AuthChain, limiter RateLimiter, bypassEndpoints []string) func(http.Handler) http.Handler {
	bypass := make(map[string]bool, len(bypassEndpoints))
	for _, ep := range bypassEndpoints {
		bypass[ep] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bypass[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			result := chain.Authenticate(r.Context(), r)

			if result.Decision != Yes || result.Identity == nil {
				slog.Warn("authentication failed",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"error", result.Err,
				)
				writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required")
				return
			}

			id := result.Identity
			if id.Subject == "" {
				slog.Error("authenticator returned identity with empty subject")
				writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal authentication error")
				return
			}
			slog.Debug("authentication succeeded",
				"subject", id.Subject,
				"tenant_id", id.TenantID(),
				"path", r.URL.Path,
			)

			if limiter != nil {
				if err := limiter.Allow(r.Context(), id); err != nil {
					slog.Warn("rate limit exceeded",
						"subject", id.Subject,
						"tenant_id", id.TenantID(),
						"tier", id.ServiceTier,
					)
					observability.RateLimitRejectedTotal.WithLabelValues(tierLabel(id.ServiceTier)).Inc()
					w.Header().Set("Retry-After", "1")
					writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
					return
				}
			}

			ctx := SetIdentity(r.Context(), id)
			ctx = storage.SetTenant(ctx, id.TenantID())

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// DefaultBypassEndpoints lists endpoints that skip caller authentication.
// The vault callback authenticates sandboxes with a capability token instead.
var DefaultBypassEndpoints = []string{"/healthz", "/readyz", "/metrics", "/v1/vault"}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":      code,
			"message":   message,
			"retryable": status == http.StatusTooManyRequests,
		},
	})
}

func tierLabel(tier string) string {
	if tier = strings.TrimSpace(tier); tier == "" {
		return "default"
	}
	return tier
}
