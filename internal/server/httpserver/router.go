package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/yndnr/tablesnap-go/internal/server/httpserver/handler"
	"github.com/yndnr/tablesnap-go/internal/storage"
)

// RouterConfig holds configuration for the HTTP router.
type RouterConfig struct {
	// Saver is the storage engine.
	Saver handler.Saver

	// Catalog lists stored snapshots. Nil disables the snapshot routes.
	Catalog storage.Catalog

	// Reload re-applies the configuration. Nil disables the reload route.
	Reload handler.ReloadFunc

	// Metrics serves /metrics. Nil disables the route.
	Metrics http.Handler

	Logger *slog.Logger

	// AdminToken is the bearer token for /admin routes.
	AdminToken string

	// AdminAllowList is the IP/CIDR allowlist for /admin routes (empty = no restriction).
	AdminAllowList []string

	// RateLimit is the per-IP rate limit (requests/second, 0 = off).
	RateLimit float64
	RateBurst int

	AccessLog bool
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(cfg *RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	opts := []handler.Option{handler.WithLogger(log)}
	if cfg.Catalog != nil {
		opts = append(opts, handler.WithCatalog(cfg.Catalog))
	}
	if cfg.Reload != nil {
		opts = append(opts, handler.WithReload(cfg.Reload))
	}
	h := handler.New(cfg.Saver, opts...)

	// Order: Recover -> RequestID -> RateLimit -> AccessLog -> route.
	common := []Middleware{Recover(log), RequestID()}
	if cfg.RateLimit > 0 {
		common = append(common, RateLimit(cfg.RateLimit, cfg.RateBurst))
	}
	if cfg.AccessLog {
		common = append(common, AccessLog(log))
	}

	mux := http.NewServeMux()

	// Health endpoints - no authentication required
	mux.Handle("GET /health", h)
	mux.Handle("GET /ready", h)

	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	admin := Chain(h,
		NetworkACL(cfg.AdminAllowList, log),
		AdminAuth(cfg.AdminToken),
	)
	mux.Handle("/admin/", admin)

	return Chain(mux, common...)
}
