// Package main provides the entry point for tablesnap-server.
//
// The server hosts the entity table and its snapshot engine:
//
//   - Frame loop that advances incremental snapshot collection
//   - Autosave and save-on-shutdown to a file or Badger sink
//   - Admin HTTP/HTTPS API and Prometheus metrics
//   - Optional world simulator for load testing
//
// Usage:
//
//	tablesnap-server [flags]
//	tablesnap-server --config /etc/tablesnap/server.yaml
//
// Save batch size, save logging and log level are re-applied when the
// configuration file changes, on SIGHUP, and on POST /admin/v1/config/reload.
package main
