// Package calendar_tools provides MCP (Model Context Protocol) tools for Google Calendar operations.
//
// This package exposes Google Calendar functionality through a standardized MCP interface,
// allowing AI assistants to manage calendars, events, and scheduling on behalf of users.
//
// Every tool acts as the OAuth-authenticated user: the bearer middleware
// places the token claims in the request context and the handlers use the
// Google credentials cached for that user during authorization.
package calendar_tools
