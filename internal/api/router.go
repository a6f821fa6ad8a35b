package api

import (
	"net/http"

	"loanflow/internal/api/middleware"

	"github.com/go-chi/chi/v5"
	ChiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// NewRouter builds the producer API. Submissions are idempotent per
// Idempotency-Key when redisClient is not nil.
func NewRouter(h *Handlers, redisClient *redis.Client) http.Handler {
	r := chi.NewRouter()

	r.Use(ChiMiddleware.Logger)
	r.Use(ChiMiddleware.Recoverer)
	r.Use(ChiMiddleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Idempotency-Key"},
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Group(func(r chi.Router) {
		if redisClient != nil {
			r.Use(middleware.Idempotency(redisClient))
		}
		r.Post("/loans", h.SubmitLoan)
		r.Post("/submit", h.SubmitLoan)
	})

	r.Get("/loans/{id}/decision", h.GetDecision)
	r.Get("/events/{id}", h.Events)

	r.Handle("/metrics", promhttp.Handler())

	return r
}
