package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Pricing   PricingConfig   `yaml:"pricing"`
	Quotes    QuotesConfig    `yaml:"quotes"`
	Quota     QuotaConfig     `yaml:"quota"`
	Trial     TrialConfig     `yaml:"trial"`
	Uploads   UploadsConfig   `yaml:"uploads"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Stripe    StripeConfig    `yaml:"stripe"`
	Extractor ExtractorConfig `yaml:"extractor"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`  // Optional prefix for all routes (e.g., "/api")
	AdminAPIKey        string   `yaml:"admin_api_key"` // Protects /metrics and admin endpoints (empty disables protection)
	CookieDomain       string   `yaml:"cookie_domain"`
	CookieSecure       bool     `yaml:"cookie_secure"`
	DeviceCookieMaxAge Duration `yaml:"device_cookie_max_age"` // Durable device cookie lifetime
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`  // debug, info, warn, error
	Format      string `yaml:"format"` // json, console
	Environment string `yaml:"environment"`
}

// StorageConfig holds the relational store configuration.
type StorageConfig struct {
	Backend     string             `yaml:"backend"` // "memory" or "postgres"
	PostgresURL string             `yaml:"postgres_url"`
	Pool        PostgresPoolConfig `yaml:"postgres_pool"`
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `yaml:"conn_max_idle_time"`
}

// ArchiveConfig holds the extraction archive configuration.
// Extracted metadata is document-shaped, so the archive is backed by MongoDB
// with an in-memory fallback for development and tests.
type ArchiveConfig struct {
	Backend         string `yaml:"backend"` // "memory" or "mongodb"
	MongoDBURL      string `yaml:"mongodb_url"`
	MongoDBDatabase string `yaml:"mongodb_database"`
	Collection      string `yaml:"collection"`
}

// PricingConfig is the versioned pricing schedule for extraction quotes.
// A snapshot of the active schedule is persisted inside every quote so a
// replayed quote reproduces its original price after a schedule change.
type PricingConfig struct {
	Version          string            `yaml:"version"`
	BaseCredits      int64             `yaml:"base_credits"`
	EmbeddingCredits int64             `yaml:"embedding_credits"`
	OCRCredits       int64             `yaml:"ocr_credits"`
	ForensicsCredits int64             `yaml:"forensics_credits"`
	MegapixelBuckets []MegapixelBucket `yaml:"megapixel_buckets"`
}

// MegapixelBucket is one step of the stepwise megapixel surcharge table.
// A file falls into the first bucket whose UpToMegapixels covers it; files
// beyond the last bucket pay the last bucket's credits.
type MegapixelBucket struct {
	UpToMegapixels float64 `yaml:"up_to_megapixels"`
	Credits        int64   `yaml:"credits"`
}

// QuotesConfig holds quote lifecycle configuration.
type QuotesConfig struct {
	TTL            Duration `yaml:"ttl"`              // Quote validity window
	SweepInterval  Duration `yaml:"sweep_interval"`   // How often the sweeper runs
	SweepGrace     Duration `yaml:"sweep_grace"`      // Retention past expiry for debuggability
	SweepBatchSize int      `yaml:"sweep_batch_size"` // Max quotes deleted per sweep pass
	SweepStaleMax  Duration `yaml:"sweep_stale_max"`  // Fail closed (503) if the sweeper has not run within this window
}

// QuotaConfig holds device-free quota configuration.
type QuotaConfig struct {
	DeviceFreeLimit int    `yaml:"device_free_limit"` // Free extractions per (device, session)
	TokenSecret     string `yaml:"token_secret"`      // HMAC secret for signed device tokens
}

// TrialConfig holds trial-email quota configuration.
type TrialConfig struct {
	EmailLimit       int  `yaml:"email_limit"`        // Free trial extractions per normalized email
	StripPlusAliases bool `yaml:"strip_plus_aliases"` // Treat a+b@x and a@x as the same trial identity
}

// UploadsConfig bounds the extract and quote payloads.
type UploadsConfig struct {
	MaxFilesPerRequest int      `yaml:"max_files_per_request"`
	MaxFileBytes       int64    `yaml:"max_file_bytes"`
	AllowedMIMETypes   []string `yaml:"allowed_mime_types"`
	TempDir            string   `yaml:"temp_dir"` // Where uploads are buffered before extraction
}

// MIMEAllowed reports whether the uploaded content type is in the closed allow set.
func (u UploadsConfig) MIMEAllowed(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	for _, allowed := range u.AllowedMIMETypes {
		if strings.EqualFold(allowed, mimeType) {
			return true
		}
	}
	return false
}

// WebhookConfig holds payment-provider webhook ingest configuration.
type WebhookConfig struct {
	Secret          string   `yaml:"secret"`           // Shared HMAC secret with the payment provider
	TimestampWindow Duration `yaml:"timestamp_window"` // Reject events outside now +/- window
	Retention       Duration `yaml:"retention"`        // How long processed event ids are kept (>= 24h)
	Timeout         Duration `yaml:"timeout"`          // Per-ingest processing budget
}

// StripeConfig holds the credit-pack checkout configuration.
type StripeConfig struct {
	SecretKey  string                `yaml:"secret_key"`
	SuccessURL string                `yaml:"success_url"`
	CancelURL  string                `yaml:"cancel_url"`
	Mode       string                `yaml:"mode"` // live | test
	Packs      map[string]CreditPack `yaml:"packs"`
}

// CreditPack defines a purchasable credit bundle.
type CreditPack struct {
	Credits         int64  `yaml:"credits"`
	FiatAmountCents int64  `yaml:"fiat_amount_cents"`
	Currency        string `yaml:"currency"`
	Description     string `yaml:"description"`
	StripePriceID   string `yaml:"stripe_price_id"`
}

// ExtractorConfig holds external extractor worker configuration.
type ExtractorConfig struct {
	Workers         int                 `yaml:"workers"`         // Bounded worker pool size
	DefaultTimeout  Duration            `yaml:"default_timeout"` // Hard per-file timeout
	TypeTimeouts    map[string]Duration `yaml:"type_timeouts"`   // Per-MIME-type overrides
	BreakerMaxFails uint32              `yaml:"breaker_max_fails"`
	BreakerCooldown Duration            `yaml:"breaker_cooldown"`
}

// TimeoutFor returns the extractor timeout for a MIME type.
func (e ExtractorConfig) TimeoutFor(mimeType string) time.Duration {
	if d, ok := e.TypeTimeouts[mimeType]; ok && d.Duration > 0 {
		return d.Duration
	}
	return e.DefaultTimeout.Duration
}

// RateLimitConfig holds request rate limiting configuration.
type RateLimitConfig struct {
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	// Per-IP limits on the unauthenticated quote endpoint.
	QuoteLimit       int      `yaml:"quote_limit"`
	QuoteWindow      Duration `yaml:"quote_window"`
	QuoteBurstLimit  int      `yaml:"quote_burst_limit"`
	QuoteBurstWindow Duration `yaml:"quote_burst_window"`

	// Per-device limits on the extract endpoint (per-IP fallback).
	ExtractLimit  int      `yaml:"extract_limit"`
	ExtractWindow Duration `yaml:"extract_window"`
}
