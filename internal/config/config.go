package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string
	DatabaseURL   string

	// Phone identity secrets. Both are required outside development.
	PhoneHashKey       string
	PhoneEncryptionKey string

	// SMS provider selection and credentials.
	SMSProvider              string
	TwilioAccountSID         string
	TwilioAuthToken          string
	TwilioFromNumber         string
	TwilioWebhookSecret      string
	TelnyxAPIKey             string
	TelnyxMessagingProfileID string
	TelnyxFromNumber         string

	// Integration engine (IE) endpoint that fronts the RIS.
	RISBaseURL        string
	RISAPIKey         string
	RISRequestTimeout time.Duration
	RISRetryAttempts  int
	RISRetryBaseDelay time.Duration
	RISMockMode       bool

	// Conversation lifecycle tunables.
	SessionTTL          time.Duration
	SlotWebhookTimeout  time.Duration
	SlotMaxRetries      int
	MonitorInterval     time.Duration
	ExpirySweepInterval time.Duration
	SlotSearchDays      int
	MaxListedChoices    int

	// Admin analytics: a session idle past this long counts as stuck. Distinct
	// from SlotWebhookTimeout, which drives the monitor's retry clock.
	StuckThreshold time.Duration

	// Audit retention.
	AuditRetentionDays     int
	RetentionSweepInterval time.Duration

	// Admin surface.
	AdminJWTSecret string

	// Org settings cache.
	RedisAddr        string
	RedisPassword    string
	RedisTLS         bool
	SettingsCacheTTL time.Duration

	// Coordinator notifications.
	SendGridAPIKey   string
	NotifyFromEmail  string
	NotifyFromName   string
	CoordinatorEmail string
	AWSRegion        string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		PhoneHashKey:       getEnv("PHONE_HASH_KEY", ""),
		PhoneEncryptionKey: getEnv("PHONE_ENCRYPTION_KEY", ""),

		SMSProvider:              strings.ToLower(strings.TrimSpace(getEnv("SMS_PROVIDER", "auto"))),
		TwilioAccountSID:         getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:          getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber:         getEnv("TWILIO_FROM_NUMBER", ""),
		TwilioWebhookSecret:      getEnv("TWILIO_WEBHOOK_SECRET", ""),
		TelnyxAPIKey:             getEnv("TELNYX_API_KEY", ""),
		TelnyxMessagingProfileID: getEnv("TELNYX_MESSAGING_PROFILE_ID", ""),
		TelnyxFromNumber:         getEnv("TELNYX_FROM_NUMBER", ""),

		RISBaseURL:        getEnv("RIS_BASE_URL", ""),
		RISAPIKey:         getEnv("RIS_API_KEY", ""),
		RISRequestTimeout: getEnvAsDuration("RIS_REQUEST_TIMEOUT", 5*time.Second),
		RISRetryAttempts:  getEnvAsInt("RIS_RETRY_ATTEMPTS", 3),
		RISRetryBaseDelay: getEnvAsDuration("RIS_RETRY_BASE_DELAY", 2*time.Second),
		RISMockMode:       getEnvAsBool("RIS_MOCK_MODE", false),

		SessionTTL:          getEnvAsDuration("SESSION_TTL", 24*time.Hour),
		SlotWebhookTimeout:  getEnvAsDuration("SLOT_WEBHOOK_TIMEOUT", 5*time.Minute),
		SlotMaxRetries:      getEnvAsInt("SLOT_MAX_RETRIES", 1),
		MonitorInterval:     getEnvAsDuration("MONITOR_INTERVAL", 60*time.Second),
		ExpirySweepInterval: getEnvAsDuration("EXPIRY_SWEEP_INTERVAL", 5*time.Minute),
		SlotSearchDays:      getEnvAsInt("SLOT_SEARCH_DAYS", 14),
		MaxListedChoices:    getEnvAsInt("MAX_LISTED_CHOICES", 5),

		StuckThreshold: getEnvAsDuration("STUCK_THRESHOLD", 4*time.Hour),

		AuditRetentionDays:     getEnvAsInt("AUDIT_RETENTION_DAYS", 2555),
		RetentionSweepInterval: getEnvAsDuration("RETENTION_SWEEP_INTERVAL", 24*time.Hour),

		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),

		RedisAddr:        getEnv("REDIS_ADDR", ""),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisTLS:         getEnvAsBool("REDIS_TLS", false),
		SettingsCacheTTL: getEnvAsDuration("SETTINGS_CACHE_TTL", 60*time.Second),

		SendGridAPIKey:   getEnv("SENDGRID_API_KEY", ""),
		NotifyFromEmail:  getEnv("NOTIFY_FROM_EMAIL", ""),
		NotifyFromName:   getEnv("NOTIFY_FROM_NAME", "RadScheduler"),
		CoordinatorEmail: getEnv("COORDINATOR_EMAIL", ""),
		AWSRegion:        getEnv("AWS_REGION", "us-east-1"),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
