// Package api defines the core types shared by every toolrunner component:
// tool definitions, execution requests and results, session windows,
// worker states, caller-facing result codes, and ID generation.
//
// The package performs no I/O. All types serialize to the JSON wire format
// used by the HTTP and MCP transports.
//
// Core types:
//   - [ToolDefinition]: immutable, content-addressed tool version
//   - [ExecutionRequest]: one invocation of a tool on behalf of a tenant
//   - [ExecutionResult]: terminal, normalized outcome of an invocation
//   - [SessionWindow]: per-tenant billing window used by the quota gate
//   - [ExecError]: structured error carrying a caller-facing [Code]
package api
