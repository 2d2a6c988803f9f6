package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/api/router"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/audit"
	appconfig "github.com/CurtisStartsCoding/radscheduler-sub000/internal/config"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/consent"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/conversation"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/equipment"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/http/handlers"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/messaging"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/messaging/compliance"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/notify"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/observability/metrics"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/orgsettings"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/phone"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/ris"
	schedulingworker "github.com/CurtisStartsCoding/radscheduler-sub000/internal/worker/scheduling"
	"github.com/CurtisStartsCoding/radscheduler-sub000/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting radscheduler API server", "env", cfg.Env, "port", cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create pgx pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// The audit service runs on database/sql; everything else shares the pool.
	auditDB, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open audit db", "error", err)
		os.Exit(1)
	}
	defer func() { _ = auditDB.Close() }()

	identity, err := phone.NewIdentity(cfg.PhoneHashKey, cfg.PhoneEncryptionKey)
	if err != nil {
		logger.Error("failed to build phone identity", "error", err)
		os.Exit(1)
	}

	auditSvc := audit.NewService(auditDB, logger)
	sessionStore := conversation.NewStore(pool)
	consentStore := consent.NewStore(pool, auditSvc)
	registry := equipment.NewRegistry(pool, logger)
	orgStore := orgsettings.NewStore(pool)

	var orgSource orgsettings.Source = orgStore
	if cfg.RedisAddr != "" {
		opts := &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
		if cfg.RedisTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		rdb := redis.NewClient(opts)
		orgSource = orgsettings.NewCachedSource(orgStore, rdb, cfg.SettingsCacheTTL, logger)
		logger.Info("org settings cache enabled", "addr", cfg.RedisAddr, "ttl", cfg.SettingsCacheTTL)
	}

	resolver := messaging.NewOrgSenderResolver(orgSource, logger)
	sender, provider, reason := messaging.BuildMessenger(messaging.ProviderSelectionConfig{
		Preference:       cfg.SMSProvider,
		TelnyxAPIKey:     cfg.TelnyxAPIKey,
		TelnyxProfileID:  cfg.TelnyxMessagingProfileID,
		TelnyxFromNumber: cfg.TelnyxFromNumber,
		TwilioAccountSID: cfg.TwilioAccountSID,
		TwilioAuthToken:  cfg.TwilioAuthToken,
		TwilioFromNumber: cfg.TwilioFromNumber,
	}, resolver, logger)
	if sender == nil {
		logger.Error("no SMS provider available", "reason", reason)
		os.Exit(1)
	}
	logger.Info("sms provider selected", "provider", provider)

	var risClient ris.Client
	if cfg.RISMockMode {
		logger.Warn("RIS mock mode enabled, no live bookings will occur")
		risClient = &ris.MockClient{}
	} else {
		risClient = ris.NewHTTPClient(cfg.RISBaseURL, cfg.RISAPIKey, logger,
			ris.WithTimeout(cfg.RISRequestTimeout),
			ris.WithRetry(cfg.RISRetryAttempts, cfg.RISRetryBaseDelay),
		)
	}

	notifier := buildNotifier(ctx, cfg, orgSource, logger)
	schedMetrics := metrics.NewSchedulingMetrics(prometheus.DefaultRegisterer)

	engine := conversation.NewEngine(
		sessionStore,
		consentStore,
		auditSvc,
		registry,
		risClient,
		identity,
		sender,
		compliance.NewDetector(),
		notifier,
		schedMetrics,
		logger,
		conversation.Options{
			SessionTTL:     cfg.SessionTTL,
			SlotSearchDays: cfg.SlotSearchDays,
			MaxChoices:     cfg.MaxListedChoices,
		},
	)

	webhookHandler := handlers.NewWebhookHandler(engine, pool, schedMetrics, logger)
	adminHandler := handlers.NewAdminHandler(sessionStore, engine, auditSvc, cfg.StuckThreshold, logger)

	r := router.New(router.Config{
		Webhooks:       webhookHandler,
		Admin:          adminHandler,
		AdminJWTSecret: cfg.AdminJWTSecret,
		AllowedOrigins: []string{"*"},
		Logger:         logger,
	})

	monitor := schedulingworker.NewStuckMonitor(sessionStore, engine, schedMetrics, logger).
		WithTimeout(cfg.SlotWebhookTimeout).
		WithMaxRetries(cfg.SlotMaxRetries).
		WithInterval(cfg.MonitorInterval)
	sweeper := schedulingworker.NewExpirySweeper(sessionStore, schedMetrics, logger).
		WithInterval(cfg.ExpirySweepInterval)
	retention := schedulingworker.NewRetentionSweeper(auditSvc, logger).
		WithRetentionDays(cfg.AuditRetentionDays).
		WithInterval(cfg.RetentionSweepInterval)

	go monitor.Run(ctx)
	go sweeper.Run(ctx)
	go retention.Run(ctx)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// buildNotifier assembles coordinator email delivery: SendGrid primary, SES
// fallback when AWS credentials resolve. Missing configuration degrades to a
// log-only stub so escalations are never silently dropped.
func buildNotifier(ctx context.Context, cfg *appconfig.Config, settings orgsettings.Source, logger *logging.Logger) *notify.Service {
	var senders []notify.EmailSender

	if sg := notify.NewSendGridSender(notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.NotifyFromEmail,
		FromName:  cfg.NotifyFromName,
	}, logger); sg != nil {
		senders = append(senders, sg)
	}

	if awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion)); err == nil {
		if ses := notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
			FromEmail: cfg.NotifyFromEmail,
			FromName:  cfg.NotifyFromName,
		}, logger); ses != nil {
			senders = append(senders, ses)
		}
	} else {
		logger.Warn("aws config unavailable, ses sender disabled", "error", err)
	}

	var email notify.EmailSender
	switch len(senders) {
	case 0:
		email = notify.NewStubEmailSender(logger)
	case 1:
		email = senders[0]
	default:
		email = notify.NewFailoverEmailSender(senders[0], senders[1], logger)
	}

	return notify.NewService(email, settings, cfg.CoordinatorEmail, cfg.PublicBaseURL, logger)
}
