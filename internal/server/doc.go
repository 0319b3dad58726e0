// Package server wires the OAuth 2.1 authorization server, the MCP
// transport, and the shared runtime state into HTTP servers.
//
// ServerContext carries the pieces every request handler needs: the OAuth
// handler with its credential store, a per-user cache of Google Calendar
// clients, and the metrics recorder. OAuthHTTPServer mounts the OAuth
// endpoints and the bearer-guarded /mcp transport on one listener, while
// MetricsServer exposes the Prometheus scrape endpoint on another.
package server
