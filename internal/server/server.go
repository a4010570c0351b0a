package server

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/keygate/internal/auth"
	"github.com/dukerupert/keygate/internal/backup"
	billingstripe "github.com/dukerupert/keygate/internal/billing/stripe"
	"github.com/dukerupert/keygate/internal/handler"
	"github.com/dukerupert/keygate/internal/licensing"
	"github.com/dukerupert/keygate/internal/metrics"
	"github.com/dukerupert/keygate/internal/middleware"
	ws "github.com/dukerupert/keygate/internal/websocket"
)

// Services are the long-lived collaborators the routes dispatch to.
// Tokens, Stripe and Backups may be nil, which disables their routes.
type Services struct {
	DB          *sql.DB
	Registry    *licensing.ProductRegistry
	Licenses    *licensing.LicenseService
	Ledger      *licensing.ActivationLedger
	Gate        *licensing.UpdateGate
	Fulfillment *licensing.Fulfillment
	Hub         *ws.Hub
	Tokens      *auth.Tokens
	Stripe      *billingstripe.Client
	Backups     *backup.Manager
	Metrics     *metrics.Metrics
}

type Options struct {
	TrustProxy     bool
	RateLimit      int
	RateWindow     time.Duration
	OriginPatterns []string
}

type Server struct {
	svc         Services
	opts        Options
	licensingH  *handler.LicensingHandler
	adminH      *handler.AdminHandler
	webhookH    *handler.WebhookHandler
	healthH     *handler.HealthHandler
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

func New(svc Services, opts Options, logger *slog.Logger) *Server {
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	s := &Server{
		svc:  svc,
		opts: opts,
		licensingH: handler.NewLicensingHandler(svc.Registry, svc.Licenses, svc.Ledger, svc.Gate, svc.Metrics,
			logger.With("component", "licensing"), opts.TrustProxy),
		healthH:     handler.NewHealthHandler(svc.DB),
		rateLimiter: middleware.NewRateLimiter(),
		logger:      logger,
	}
	adminLogger := logger.With("component", "admin")
	if svc.Backups != nil {
		s.adminH = handler.NewAdminHandler(svc.Registry, svc.Licenses, svc.Ledger, svc.Backups, adminLogger)
	} else {
		s.adminH = handler.NewAdminHandler(svc.Registry, svc.Licenses, svc.Ledger, nil, adminLogger)
	}
	if svc.Stripe != nil && svc.Stripe.Configured() {
		s.webhookH = handler.NewWebhookHandler(svc.Stripe, svc.Fulfillment, logger.With("component", "stripe"))
	}
	return s
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthH.Health)
	mux.Handle("GET /metrics", s.svc.Metrics.Handler())

	secure := middleware.RequireSecure(s.opts.TrustProxy)
	limited := middleware.RateLimit(s.rateLimiter, func(r *http.Request) string {
		return middleware.RealIP(r, s.opts.TrustProxy)
	}, s.opts.RateLimit, s.opts.RateWindow)
	public := func(h http.HandlerFunc) http.Handler {
		return secure(limited(h))
	}

	// Plugin-facing API
	mux.Handle("POST /licensing/v1/validate", public(s.licensingH.Validate))
	mux.Handle("POST /licensing/v1/activate", public(s.licensingH.Activate))
	mux.Handle("POST /licensing/v1/deactivate", public(s.licensingH.Deactivate))
	mux.Handle("POST /licensing/v1/update-check", public(s.licensingH.UpdateCheck))
	mux.Handle("GET /licensing/v1/update-download", public(s.licensingH.UpdateDownload))
	mux.Handle("GET /licensing/v1/stats", secure(s.statsGuard(s.licensingH.Stats)))

	// Admin API
	mux.Handle("GET /admin/products", secure(s.admin(s.adminH.ListProducts)))
	mux.Handle("POST /admin/products", secure(s.admin(s.adminH.CreateProduct)))
	mux.Handle("POST /admin/products/{id}/publish", secure(s.admin(s.adminH.PublishUpdate)))
	mux.Handle("DELETE /admin/products/{id}", secure(s.admin(s.adminH.DeleteProduct)))
	mux.Handle("GET /admin/licenses", secure(s.admin(s.adminH.ListLicenses)))
	mux.Handle("POST /admin/licenses", secure(s.admin(s.adminH.CreateLicense)))
	mux.Handle("GET /admin/licenses/{id}", secure(s.admin(s.adminH.GetLicense)))
	mux.Handle("PATCH /admin/licenses/{id}", secure(s.admin(s.adminH.UpdateLicense)))
	mux.Handle("DELETE /admin/licenses/{id}", secure(s.admin(s.adminH.DeleteLicense)))
	mux.Handle("POST /admin/licenses/{id}/renew", secure(s.admin(s.adminH.RenewLicense)))
	mux.Handle("POST /admin/licenses/{id}/disable", secure(s.admin(s.adminH.DisableLicense)))
	mux.Handle("GET /admin/licenses/{id}/activations", secure(s.admin(s.adminH.ListActivations)))
	mux.Handle("GET /admin/backup", secure(s.admin(s.adminH.BackupStatus)))
	mux.Handle("POST /admin/backup", secure(s.admin(s.adminH.RunBackup)))
	if s.svc.Hub != nil {
		mux.Handle("GET /admin/events", secure(s.admin(s.svc.Hub.HandleWebSocket(s.opts.OriginPatterns))))
	}

	if s.webhookH != nil {
		mux.HandleFunc("POST /webhooks/stripe", s.webhookH.HandleStripeWebhook)
	}

	return middleware.RequestLogger(s.logger.With("component", "http"), s.svc.Metrics, s.opts.TrustProxy)(mux)
}

// admin guards h with the bearer token check, or disables it when no
// signing secret is configured.
func (s *Server) admin(h http.HandlerFunc) http.Handler {
	if s.svc.Tokens == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"success":false,"error":"admin api disabled"}` + "\n"))
		})
	}
	return middleware.RequireAdmin(s.svc.Tokens)(h)
}

// statsGuard protects the licensing stats route, which reports every
// rejection as 403.
func (s *Server) statsGuard(h http.HandlerFunc) http.Handler {
	if s.svc.Tokens == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"success":false,"error":"forbidden"}` + "\n"))
		})
	}
	return middleware.ForbidNonAdmin(s.svc.Tokens)(h)
}
