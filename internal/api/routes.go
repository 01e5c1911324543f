package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/leafsii/leafsii-vault/internal/onchain"
)

// RouteConfig carries the settings Routes needs from configuration.
type RouteConfig struct {
	APIKeys        map[string]onchain.Address
	CORSOrigins    []string
	RateLimitRPM   int
	RequestTimeout time.Duration
	Metrics        http.Handler // served at /metrics when set
}

func (h *Handler) Routes(m *Middleware, cfg RouteConfig) *chi.Mux {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(m.RequestLogger)
	r.Use(m.Recoverer)
	r.Use(m.SecurityHeaders)
	r.Use(m.CORS(cfg.CORSOrigins))
	r.Use(middleware.Heartbeat("/ping"))

	// Health endpoints
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		// The websocket route must not sit behind the timeout or compression
		// writers, which cannot be hijacked.
		r.With(m.Authenticate(cfg.APIKeys, true)).Get("/events/ws", h.HandleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(m.Authenticate(cfg.APIKeys, false))
			r.Use(m.RateLimit(cfg.RateLimitRPM))
			r.Use(m.Timeout(cfg.RequestTimeout))
			r.Use(middleware.Compress(5, "application/json"))

			r.Get("/vault", h.GetVault)

			// Deposits
			r.Route("/deposits", func(r chi.Router) {
				r.Post("/", h.ProposeDeposit)
				r.Post("/batch/confirm", h.BatchConfirmDeposits)
				r.Post("/batch/refund", h.BatchRefundDeposits)
				r.Get("/{id}", h.GetDeposit)
				r.Post("/{id}/confirm", h.ConfirmDeposit)
				r.Post("/{id}/refund", h.RefundDeposit)
				r.Post("/{id}/reclaim", h.ReclaimDeposit)
			})

			r.Route("/holders/{address}", func(r chi.Router) {
				r.Get("/pending", h.GetPending)
				r.Get("/balances", h.GetBalances)
				r.Get("/events", h.GetAccountEvents)
			})

			// Withdrawals
			r.Post("/redemptions", h.Redeem)
			r.Post("/redemptions/batch", h.BatchRedeem)
			r.Post("/force-redemptions", h.ForceRedeem)
			r.Post("/force-redemptions/batch", h.BatchForceRedeem)
			r.Get("/authorizations/{owner}/{number}", h.GetAuthorization)

			r.Post("/transfers", h.Transfer)

			r.Route("/allowances", func(r chi.Router) {
				r.Post("/value", h.ApproveValue)
				r.Post("/shares", h.ApproveShares)
			})

			// Previews
			r.Get("/previews/deposit", h.PreviewDeposit)
			r.Get("/previews/redeem", h.PreviewRedeem)

			r.Get("/gates/{kind}", h.GetGate)

			if h.dev {
				r.Post("/dev/credit", h.Credit)
			}
		})
	})

	return r
}
