package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/relaymail/dispatch/internal/pkg/httputil"
	"github.com/relaymail/dispatch/internal/secrets"
	"github.com/relaymail/dispatch/internal/webhook"
)

// SetupRoutes builds the router. Webhook endpoints stay outside the
// admin auth guard: providers cannot authenticate, they sign instead.
func SetupRoutes(h *Handlers, wh *webhook.Handler, adminHash string, hasher *secrets.PasswordHasher) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)

	wh.Routes(r)

	r.Route("/api", func(r chi.Router) {
		if adminHash != "" {
			r.Use(basicAuth(adminHash, hasher))
		}

		r.Route("/emails", func(r chi.Router) {
			r.Post("/", h.EnqueueEmail)
			r.Post("/bulk", h.EnqueueBulk)
			r.Get("/{id}", h.GetEmail)
			r.Delete("/{id}", h.CancelEmail)
			r.Get("/{id}/delivery", h.GetDelivery)
		})

		r.Route("/deliveries", func(r chi.Router) {
			r.Get("/{id}/webhooks", h.GetDeliveryWebhooks)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/stats", h.GetQueueStats)
			r.Post("/pause", h.PauseQueue)
			r.Post("/resume", h.ResumeQueue)
			r.Post("/clean", h.CleanQueue)
		})

		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.CreateAccount)
			r.Get("/{id}", h.GetAccount)
			r.Post("/{id}/verify", h.VerifyAccount)
			r.Get("/{id}/quota", h.GetAccountQuota)
			r.Get("/{id}/analytics", h.GetAccountAnalytics)
		})

		r.Route("/templates", func(r chi.Router) {
			r.Post("/", h.CreateTemplate)
			r.Get("/{id}", h.GetTemplate)
			r.Post("/{id}/preview", h.PreviewTemplate)
		})
	})

	return r
}

// basicAuth guards admin endpoints with a single bcrypt-hashed
// password, compared per request.
func basicAuth(hash string, hasher *secrets.PasswordHasher) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, password, ok := r.BasicAuth()
			if !ok || !hasher.Compare(password, hash) {
				w.Header().Set("WWW-Authenticate", `Basic realm="dispatch"`)
				httputil.Error(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
