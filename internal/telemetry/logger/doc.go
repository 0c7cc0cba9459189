// Package logger provides structured logging for tablesnap.
//
//   - logger.go: handler construction and the shared dynamic level
//   - context.go: logger and request ID propagation through contexts
//   - redact.go: masking of passphrases and encoded key material
//
// Components receive a *slog.Logger and log with key/value pairs. The
// level can change at runtime through SetLevel, which the config
// watcher calls on log.level updates.
package logger
