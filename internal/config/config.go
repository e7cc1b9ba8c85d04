package config

import "github.com/kelseyhightower/envconfig"

type Config struct {
	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Database
	// ----------------------------
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	// ----------------------------
	// Google APIs
	// ----------------------------
	GoogleClientID     string `envconfig:"GOOGLE_CLIENT_ID" default:""`
	GoogleClientSecret string `envconfig:"GOOGLE_CLIENT_SECRET" default:""`
	DriveRootFolder    string `envconfig:"DRIVE_ROOT_FOLDER" default:"Invoices"`
	MailRateLimit      int    `envconfig:"MAIL_RATE_LIMIT" default:"10"`
	VendorRulesPath    string `envconfig:"VENDOR_RULES_CSV" default:""`

	// ----------------------------
	// OCR engine
	// ----------------------------
	OCRBaseURL string `envconfig:"OCR_BASE_URL" default:""`
	OCRTimeout int    `envconfig:"OCR_TIMEOUT_SECONDS" default:"60"`

	// ----------------------------
	// Jobs
	// ----------------------------
	MaxRetries        int `envconfig:"JOB_MAX_RETRIES" default:"3"`
	JobTimeoutMinutes int `envconfig:"JOB_TIMEOUT_MINUTES" default:"10"`
	StaleJobMinutes   int `envconfig:"STALE_JOB_MINUTES" default:"15"`
	DispatchWorkers   int `envconfig:"DISPATCH_WORKERS" default:"4"`

	// ----------------------------
	// SMTP (failure notifications)
	// ----------------------------
	SMTPHost string `envconfig:"SMTP_HOST" default:""`
	SMTPPort int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser string `envconfig:"SMTP_USER" default:""`
	SMTPPass string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom string `envconfig:"SMTP_FROM" default:"noreply@invoiceflow.local"`
}

func Load() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}
