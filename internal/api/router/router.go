// Package router assembles the HTTP routing table.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/http/handlers"
	httpmiddleware "github.com/CurtisStartsCoding/radscheduler-sub000/internal/http/middleware"
	"github.com/CurtisStartsCoding/radscheduler-sub000/pkg/logging"
)

// Config carries everything the router mounts.
type Config struct {
	Webhooks *handlers.WebhookHandler
	Admin    *handlers.AdminHandler

	AdminJWTSecret string
	AllowedOrigins []string
	Logger         *logging.Logger
}

// New builds the chi router with the standard middleware stack, the public
// webhook surface and the JWT-protected admin API.
func New(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(httpmiddleware.CORS(cfg.AllowedOrigins))
	r.Use(httpmiddleware.RequestLogger(logger))

	// Public surface: health, metrics and the integration-engine webhooks.
	// Webhook authenticity is enforced at the network layer (mTLS / VPN),
	// not here.
	r.Group(func(r chi.Router) {
		r.Get("/health", cfg.Webhooks.HealthCheck)
		r.Handle("/metrics", promhttp.Handler())

		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/orders", cfg.Webhooks.HandleOrderIntake)
			r.Post("/schedule-response", cfg.Webhooks.HandleScheduleResponse)
			r.Post("/appointment-notification", cfg.Webhooks.HandleAppointmentNotification)
			r.Post("/sms", cfg.Webhooks.HandleInboundSMS)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(httpmiddleware.AdminJWT(cfg.AdminJWTSecret))

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", cfg.Admin.ListSessions)
			r.Post("/purge", cfg.Admin.PurgeSessions)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", cfg.Admin.GetSession)
				r.Delete("/", cfg.Admin.DeleteSession)
				r.Post("/state", cfg.Admin.ForceState)
				r.Post("/retry", cfg.Admin.RetryStep)
				r.Post("/sms", cfg.Admin.SendManualSMS)
			})
		})

		r.Route("/analytics", func(r chi.Router) {
			r.Get("/summary", cfg.Admin.AnalyticsSummary)
			r.Get("/timeseries", cfg.Admin.AnalyticsTimeSeries)
			r.Get("/state-durations", cfg.Admin.AnalyticsStateDurations)
		})

		r.Route("/audit", func(r chi.Router) {
			r.Get("/", cfg.Admin.QueryAudit)
			r.Get("/volume", cfg.Admin.AuditVolume)
		})
	})

	return r
}
