/**
 * @description
 * HTTP router for the billing-service. Portal and service-to-service routes live under
 * /v1 behind AuthMiddleware; gateway callbacks live under /webhooks behind their shared
 * tokens.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: routing and standard middleware.
 * - github.com/go-chi/cors: CORS for the landlord and tenant portals.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterConfig carries the settings the router needs beyond the handlers.
type RouterConfig struct {
	Auth                AuthConfig
	PaymentWebhookToken string
	PayoutWebhookToken  string
	AllowedOrigins      []string
	MetricsHandler      http.Handler
}

// NewRouter creates a new Chi router and registers the billing routes.
func NewRouter(h *Handlers, cfg RouterConfig, logger *zap.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Route("/webhooks", func(r chi.Router) {
		r.With(WebhookTokenMiddleware(cfg.PaymentWebhookToken, logger)).Post("/payments", h.PaymentWebhookHandler)
		r.With(WebhookTokenMiddleware(cfg.PayoutWebhookToken, logger)).Post("/payouts", h.PayoutWebhookHandler)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Auth, logger))

		r.Get("/properties/{propertyID}/utility-rates", h.UtilityRatesHandler)

		r.Post("/billings/preview", h.PreviewBillingHandler)
		r.Put("/units/{unitID}/billings/{period}", h.UpsertBillingHandler)
		r.Get("/units/{unitID}/billings/{period}", h.GetBillingHandler)
		r.Post("/units/{unitID}/billings/{period}/charges", h.AddChargeHandler)
		r.Delete("/charges/{chargeID}", h.DeleteChargeHandler)

		r.Put("/pdcs/{pdcID}/status", h.UpdatePDCStatusHandler)

		r.Post("/payments/proofs", h.UploadProofHandler)
		r.Post("/payments", h.SubmitPaymentHandler)
		r.Post("/payments/{paymentID}/confirm", h.ConfirmPaymentHandler)
		r.Post("/payments/{paymentID}/reject", h.RejectPaymentHandler)

		r.Post("/payouts", h.DisburseHandler)
		r.Get("/payouts", h.ListPayoutsHandler)
	})

	return r
}
