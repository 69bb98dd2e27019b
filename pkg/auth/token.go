package auth

import (
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// TokenLeeway is the clock skew tolerated on exp, nbf and iat.
const TokenLeeway = 30 * time.Second

// TokenOptions returns the parser options shared by caller tokens and
// sandbox capability tokens: pinned algorithms, a required expiry, an iat
// that is not in the future, the shared leeway and the given clock.
func TokenOptions(methods []string, now func() time.Time, extra ...jwtlib.ParserOption) []jwtlib.ParserOption {
	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods(methods),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithIssuedAt(),
		jwtlib.WithLeeway(TokenLeeway),
	}
	if now != nil {
		opts = append(opts, jwtlib.WithTimeFunc(now))
	}
	return append(opts, extra...)
}
