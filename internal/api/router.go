package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/atmx/lending-engine/internal/metrics"
)

// NewRouter mounts the service, the hub and the operational endpoints.
// The returned handler is traced with otelhttp.
func NewRouter(svc *Service, hub *Hub, limiter *RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"lending-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket stream of committed ledger events.
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}

		// Reads.
		r.Get("/pools", svc.ListPools)
		r.Get("/pools/{pool}", svc.GetPool)
		r.Get("/pools/{pool}/positions/{user}", svc.GetPosition)
		r.Get("/pools/{pool}/events", svc.GetPoolEvents)
		r.Get("/loans", svc.ListLoans)
		r.Get("/loans/{borrower}", svc.GetLoan)
		r.Get("/accounts/{account}/events", svc.GetAccountEvents)
		r.Get("/prices/{ticker}", svc.GetPrice)
		r.Get("/tokens/{asset}/balances/{holder}", svc.GetBalance)

		// Mutations are rate limited per client.
		r.Group(func(r chi.Router) {
			if limiter != nil {
				r.Use(limiter.Middleware)
			}
			r.Post("/pools", svc.CreatePool)
			r.Post("/pools/{pool}/accrue", svc.AccruePool)
			r.Post("/pools/{pool}/deposit", svc.Deposit)
			r.Post("/pools/{pool}/withdraw", svc.Withdraw)
			r.Post("/pools/{pool}/collateral", svc.DepositCollateral)

			r.Post("/loans", svc.CreateLoan)
			r.Post("/loans/{borrower}/accrue", svc.AccrueLoan)
			r.Post("/loans/{borrower}/repay", svc.Repay)
			r.Post("/loans/{borrower}/close", svc.CloseLoan)
			r.Post("/loans/{borrower}/liquidate", svc.Liquidate)

			r.Put("/prices/{ticker}", svc.SetPrice)
			r.Post("/tokens/{asset}/mint", svc.Mint)
		})
	})

	return otelhttp.NewHandler(r, "lending-engine")
}
