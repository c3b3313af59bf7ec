// Package mcp serves knowledge retrieval to MCP clients over stdio.
//
// The server acts for a single configured user: every search is resolved
// against that user's grant exactly as an HTTP query with the same
// X-User-ID would be.
package mcp
