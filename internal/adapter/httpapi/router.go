package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP API for the transfer dashboard.
// Clients authenticate with a bearer header, so CORS never allows credentials.
func NewRouter(h *Handlers, jwtSecret string, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(JWTAuthMiddleware(jwtSecret))

		r.Post("/transfers", h.CreateTransferHandler)
		r.Get("/transfers/active", h.GetActiveTransferHandler)

		r.Route("/transfers/{transferID}", func(r chi.Router) {
			r.Get("/progress", h.GetProgressHandler)
			r.Post("/start", h.StartTransferHandler)
			r.Post("/challenges/{level}", h.SubmitChallengeCodeHandler)
			r.Post("/challenges/resend", h.ResendChallengeHandler)
			r.Post("/abandon", h.AbandonTransferHandler)
			r.Post("/resume", h.ResumeTransferHandler)
			r.Post("/retry-finalize", h.RetryFinalizeHandler)
		})
	})

	return r
}
