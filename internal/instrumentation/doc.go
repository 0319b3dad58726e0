// Package instrumentation provides OpenTelemetry-based metrics for the
// authorization server and the MCP tools it fronts.
//
// Metrics are exported through the Prometheus exporter and served on a
// dedicated metrics port, isolated from application traffic. Recorded
// metrics cover HTTP traffic, OAuth flow outcomes, upstream token
// refreshes, Google API operations and MCP tool invocations.
//
// When instrumentation is disabled the provider hands out a no-op metrics
// recorder, so call sites never need nil checks.
package instrumentation
