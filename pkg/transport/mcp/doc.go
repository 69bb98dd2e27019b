// Package mcp serves registered tools over the Model Context Protocol.
//
// It wraps the official MCP Go SDK (github.com/modelcontextprotocol/go-sdk).
// tools/list advertises the latest version of every tool with its input
// schema; tools/call is routed through the same Invoker as the HTTP API,
// so admission, quota, and result codes are identical on both surfaces.
package mcp
