package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use the PROBE_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "PROBE_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "PROBE_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminAPIKey, "PROBE_ADMIN_API_KEY")
	setIfEnv(&c.Server.CookieDomain, "PROBE_COOKIE_DOMAIN")
	setBoolIfEnv(&c.Server.CookieSecure, "PROBE_COOKIE_SECURE")
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Logging config
	setIfEnv(&c.Logging.Level, "PROBE_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "PROBE_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "PROBE_ENVIRONMENT")

	// Storage config
	setIfEnv(&c.Storage.Backend, "PROBE_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "PROBE_POSTGRES_URL")

	// Archive config
	setIfEnv(&c.Archive.Backend, "PROBE_ARCHIVE_BACKEND")
	setIfEnv(&c.Archive.MongoDBURL, "PROBE_ARCHIVE_MONGODB_URL")
	setIfEnv(&c.Archive.MongoDBDatabase, "PROBE_ARCHIVE_MONGODB_DATABASE")
	setIfEnv(&c.Archive.Collection, "PROBE_ARCHIVE_COLLECTION")

	// Quote lifecycle
	setDurationIfEnv(&c.Quotes.TTL, "PROBE_QUOTE_TTL")
	setDurationIfEnv(&c.Quotes.SweepInterval, "PROBE_QUOTE_SWEEP_INTERVAL")
	setDurationIfEnv(&c.Quotes.SweepGrace, "PROBE_QUOTE_SWEEP_GRACE")
	setIntIfEnv(&c.Quotes.SweepBatchSize, "PROBE_QUOTE_SWEEP_BATCH_SIZE")
	setDurationIfEnv(&c.Quotes.SweepStaleMax, "PROBE_QUOTE_SWEEP_STALE_MAX")

	// Quota config
	setIntIfEnv(&c.Quota.DeviceFreeLimit, "PROBE_DEVICE_FREE_LIMIT")
	setIfEnv(&c.Quota.TokenSecret, "PROBE_DEVICE_TOKEN_SECRET")

	// Trial config
	setIntIfEnv(&c.Trial.EmailLimit, "PROBE_TRIAL_EMAIL_LIMIT")
	setBoolIfEnv(&c.Trial.StripPlusAliases, "PROBE_TRIAL_STRIP_PLUS_ALIASES")

	// Uploads config
	setIntIfEnv(&c.Uploads.MaxFilesPerRequest, "PROBE_MAX_FILES_PER_REQUEST")
	setInt64IfEnv(&c.Uploads.MaxFileBytes, "PROBE_MAX_FILE_BYTES")
	setIfEnv(&c.Uploads.TempDir, "PROBE_UPLOAD_TEMP_DIR")
	if v := os.Getenv("PROBE_ALLOWED_MIME_TYPES"); v != "" {
		var types []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
		if len(types) > 0 {
			c.Uploads.AllowedMIMETypes = types
		}
	}

	// Webhook config
	setIfEnv(&c.Webhook.Secret, "PROBE_WEBHOOK_SECRET")
	setDurationIfEnv(&c.Webhook.TimestampWindow, "PROBE_WEBHOOK_TIMESTAMP_WINDOW")
	setDurationIfEnv(&c.Webhook.Retention, "PROBE_WEBHOOK_RETENTION")

	// Stripe config
	setIfEnv(&c.Stripe.SecretKey, "PROBE_STRIPE_SECRET_KEY")
	setIfEnv(&c.Stripe.SuccessURL, "PROBE_STRIPE_SUCCESS_URL")
	setIfEnv(&c.Stripe.CancelURL, "PROBE_STRIPE_CANCEL_URL")
	setIfEnv(&c.Stripe.Mode, "PROBE_STRIPE_MODE")

	// Extractor config
	setIntIfEnv(&c.Extractor.Workers, "PROBE_EXTRACTOR_WORKERS")
	setDurationIfEnv(&c.Extractor.DefaultTimeout, "PROBE_EXTRACTOR_TIMEOUT")
}

// setIfEnv sets target from the named env var when present and non-empty.
func setIfEnv(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*target = parsed
		}
	}
}

func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*target = parsed
		}
	}
}

func setInt64IfEnv(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: parsed}
		}
	}
}

// normalizeRoutePrefix ensures the prefix starts with / and does not end with /.
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" || prefix == "/" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimRight(prefix, "/")
}
