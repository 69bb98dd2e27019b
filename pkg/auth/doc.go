// Package auth provides pluggable caller authentication for the
// toolrunner API.
//
// Authentication uses a chain-of-responsibility pattern with three-outcome
// voting: each authenticator returns Yes (identity found), No (credentials
// invalid), or Abstain (can't handle). A request every authenticator
// abstains on is rejected, and so is an identity without a tenant or with
// a service tier the server does not configure.
//
// Auth is implemented as HTTP middleware. The middleware resolves the
// tenant of the caller and injects it into the request context; the
// dispatch router bills and scopes every invocation to that tenant.
// Sandbox callbacks use short-lived capability tokens (see the capability
// subpackage) rather than caller credentials.
package auth
