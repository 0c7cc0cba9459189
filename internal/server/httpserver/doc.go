// Package httpserver provides the admin HTTP/HTTPS server for tablesnap.
//
// Endpoints:
//
//   - Health: /health, /ready
//   - Metrics: /metrics (Prometheus text format)
//   - Admin: /admin/v1/save, /admin/v1/snapshots, /admin/v1/config/reload
//
// Features:
//
//   - TLS with certificate reload through tlsroots.Reloader
//   - Middleware chain: Recover, RequestID, RateLimit, AccessLog, AdminAuth
//   - Graceful shutdown
package httpserver
