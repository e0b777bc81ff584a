// Package observability provides logging and tracing functionality for the
// backend router. It wraps zap for structured logging and OpenTelemetry for
// distributed tracing behind small interfaces so the rest of the code never
// imports the underlying libraries directly.
package observability
