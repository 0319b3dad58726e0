// Package common provides shared helpers for MCP tool handlers: resolving
// the authenticated user from the request context and wrapping handlers
// with invocation metrics.
package common
