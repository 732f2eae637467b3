// Package mcp exposes the immunity pipeline to agents as MCP tools.
//
// Tools:
//   - immunity_scan runs one step through the pipeline and returns the
//     verdict, failing vectors and any verified patch.
//   - immunity_vectors lists registered vectors as resolved for a scope.
//   - immunity_reload_doctrine re-reads the doctrine file.
//
// The server runs on stdio or behind a streamable HTTP handler.
package mcp
