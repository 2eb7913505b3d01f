package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	corslib "github.com/rs/cors"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/albapepper/matchwatch/internal/api/handler"
	"github.com/albapepper/matchwatch/internal/config"
)

// NewRouter creates and configures the Chi router with all middleware and routes.
func NewRouter(deps handler.Deps, cfg *config.Config) *chi.Mux {
	r := chi.NewRouter()

	// --- Middleware stack ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(TimingMiddleware)
	r.Use(middleware.Compress(5)) // gzip

	// CORS
	c := corslib.New(corslib.Options{
		AllowedOrigins:   cfg.CORSAllowOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "HEAD", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Accept-Encoding", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Process-Time", "X-Request-Id"},
		AllowCredentials: false,
	})
	r.Use(c.Handler)

	// Rate limiting
	if cfg.RateLimitEnabled {
		r.Use(RateLimitMiddleware(RateLimit{
			Requests: cfg.RateLimitRequests,
			Window:   cfg.RateLimitWindow,
			Burst:    cfg.RateLimitBurst,
		}))
	}

	h := handler.New(deps)

	// --- Routes ---

	r.Get("/", h.Root)

	r.Route("/health", func(r chi.Router) {
		r.Get("/", h.HealthCheck)
		r.Get("/db", h.HealthCheckDB)
	})

	r.Get("/docs/*", httpSwagger.Handler(
		httpSwagger.URL("/docs/doc.json"),
	))

	// Provider callbacks authenticate by signature, not bearer token.
	r.Post("/webhooks/email", h.ReceiveEmailWebhook)

	// Operator API
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AdminAuthMiddleware(cfg.AdminToken))

		r.Get("/audit", h.QueryAudit)
		r.Get("/audit/stats", h.AuditStats)

		r.Get("/queue/dead", h.ListDeadLetters)
		r.Post("/queue/{id}/requeue", h.RequeueItem)

		r.Get("/suppressions/{address}", h.GetSuppression)
		r.Delete("/suppressions/{address}", h.DeleteSuppression)
	})

	return r
}
