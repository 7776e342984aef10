package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rahulbk/email-delivery-service/internal/engine"
	"github.com/rahulbk/email-delivery-service/internal/queue"
	"github.com/rahulbk/email-delivery-service/internal/store"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(pgStore *store.PostgresStore, redisStore *store.RedisStore, q *queue.Queue, publisher *engine.Publisher, apiKeySalt string, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(corsMiddleware)

	emailHandler := NewEmailHandler(pgStore, publisher)
	dlqHandler := NewDeadLetterHandler(pgStore, q)
	healthHandler := NewHealthHandler(pgStore, redisStore, q)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{
			"service": "email-delivery-service",
			"status":  "running",
		})
	})

	r.Get("/health", healthHandler.Health)
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	// Authenticated API routes
	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(pgStore, apiKeySalt, logger))

		r.Route("/emails", func(r chi.Router) {
			r.Post("/", emailHandler.Create)
			r.Get("/", emailHandler.List)
			r.Get("/{messageID}", emailHandler.Get)
		})

		r.Route("/dead-letters", func(r chi.Router) {
			r.Get("/", dlqHandler.List)
			r.Get("/{id}", dlqHandler.Get)
			r.Post("/{id}/requeue", dlqHandler.Requeue)
		})
	})

	return r
}

// corsMiddleware adds permissive CORS headers for API clients.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
