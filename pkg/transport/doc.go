// Package transport defines the invoker interface and middleware chain
// shared by the toolrunner HTTP and MCP surfaces.
//
// Both surfaces decode a request into api.InvokeRequest, pass it through
// the same middleware chain to an Invoker (the dispatch router), and
// encode the resulting api.ExecutionResult for their protocol.
//
// # Middleware
//
// Built-in middleware provides panic recovery, trace ID assignment
// (X-Request-ID), and structured logging via log/slog.
//
// # Errors
//
// Result codes map onto HTTP statuses with HTTPStatusFromCode. Errors are
// serialized as {"error": {"code", "message", "retryable", "detail"}}.
// OVERLOADED responses carry a Retry-After header.
package transport
