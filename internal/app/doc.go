// Package app assembles the licensing check-in server: configuration,
// structured logging, telemetry, the SQLite-backed license store and
// the chi HTTP router with its verify, admin and health endpoints.
//
// The entry point is NewApplication followed by Run, which serves
// until SIGINT/SIGTERM and then shuts down gracefully.
package app
