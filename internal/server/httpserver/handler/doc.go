// Package handler provides the HTTP request handlers for tablesnap.
//
//   - health.go: liveness and readiness
//   - save.go: save requests and engine status
//   - snapshots.go: stored snapshot listing
//   - config.go: configuration reload
//
// Every JSON response uses the Response envelope. Domain errors are
// mapped to HTTP status codes by their error code.
package handler
