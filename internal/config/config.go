// Package config defines the global configuration structure for the coinbank
// engine. Configuration is loaded once at process initialization and is
// immutable thereafter; components receive only the subsets they require.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup.
package config

import (
	"time"

	"coinbank/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the coinbank engine.
// It is populated once during process initialization and never modified.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"coinbank"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server   ServerConfig
	Database DatabaseConfig
	Economy  EconomyConfig
	Gateway  GatewayConfig
	Email    EmailConfig
	AWS      AWSConfig
	Security SecurityConfig
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// Public dashboard URL for checkout redirects (no trailing slash).
	DashboardURL string `envconfig:"DASHBOARD_URL" validate:"required,url"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// EconomyConfig holds the tunable knobs of the coin economy. The business
// rules themselves (plan table, cost table, pricing tiers) are code, not
// configuration; these values are the ambient parameters around them.
type EconomyConfig struct {
	// WelcomeGrant is the fixed coin grant applied when a balance is created
	// at signup.
	WelcomeGrant int `envconfig:"ECONOMY_WELCOME_GRANT" default:"20"`

	// ResetInterval is how long a balance must go without a reset before the
	// lazy monthly roll applies. Operationally fixed at 30 days; overridable
	// for staging soak tests.
	ResetInterval time.Duration `envconfig:"ECONOMY_RESET_INTERVAL" default:"720h"`

	// SpendMaxRetries bounds the optimistic-retry loop around balance
	// mutations before surfacing a transient conflict error.
	SpendMaxRetries int `envconfig:"ECONOMY_SPEND_MAX_RETRIES" default:"4"`

	// SweepBatchSize limits how many users a single maintenance sweep cycle
	// touches.
	SweepBatchSize int `envconfig:"ECONOMY_SWEEP_BATCH_SIZE" default:"200"`
}

// GatewayConfig holds payment gateway credentials and keys.
type GatewayConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
}

// EmailConfig holds email delivery provider credentials.
type EmailConfig struct {
	SendGridAPIKey SecretString `envconfig:"SENDGRID_API_KEY"`
	FromAddress    string       `envconfig:"EMAIL_FROM_ADDRESS" default:"billing@coinbank.io"`
	FromName       string       `envconfig:"EMAIL_FROM_NAME" default:"CoinBank Billing"`

	// AlertAddress receives operational alerts from the maintenance sweeps.
	// Empty disables alert mail.
	AlertAddress string `envconfig:"EMAIL_ALERT_ADDRESS"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region            string `envconfig:"AWS_REGION" default:"us-east-1"`
	NotificationQueue string `envconfig:"SQS_BILLING_EVENTS" validate:"required,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// SecurityConfig holds admin access configuration.
type SecurityConfig struct {
	AdminAPIKey SecretString `envconfig:"ADMIN_API_KEY" validate:"required"`
}
