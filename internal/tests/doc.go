// Package tests holds end-to-end tests that run the storage engine, the
// admin HTTP API and the CLI together in one process.
package tests
