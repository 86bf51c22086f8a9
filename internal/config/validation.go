package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Stripe.Mode == "" {
		c.Stripe.Mode = "test"
	}

	switch c.Storage.Backend {
	case "", "memory":
		c.Storage.Backend = "memory"
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return errors.New("storage.backend=postgres requires storage.postgres_url")
		}
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}

	switch c.Archive.Backend {
	case "", "memory":
		c.Archive.Backend = "memory"
	case "mongodb":
		if c.Archive.MongoDBURL == "" {
			return errors.New("archive.backend=mongodb requires archive.mongodb_url")
		}
		if c.Archive.MongoDBDatabase == "" {
			c.Archive.MongoDBDatabase = "pixelprobe"
		}
	default:
		return fmt.Errorf("unknown archive backend: %s", c.Archive.Backend)
	}

	if err := c.validatePricing(); err != nil {
		return err
	}
	if err := c.validateLifecycle(); err != nil {
		return err
	}

	if c.Quota.DeviceFreeLimit < 0 {
		return errors.New("quota.device_free_limit must be >= 0")
	}
	if c.Trial.EmailLimit < 0 {
		return errors.New("trial.email_limit must be >= 0")
	}
	if c.Uploads.MaxFilesPerRequest <= 0 {
		return errors.New("uploads.max_files_per_request must be > 0")
	}
	if c.Uploads.MaxFileBytes <= 0 {
		return errors.New("uploads.max_file_bytes must be > 0")
	}
	if len(c.Uploads.AllowedMIMETypes) == 0 {
		return errors.New("uploads.allowed_mime_types must not be empty")
	}

	if c.Webhook.TimestampWindow.Duration <= 0 {
		c.Webhook.TimestampWindow = Duration{Duration: 5 * time.Minute}
	}
	if c.Webhook.Retention.Duration < 24*time.Hour {
		// The payment provider retries across restarts; the dedup window must
		// outlive its retry schedule.
		c.Webhook.Retention = Duration{Duration: 24 * time.Hour}
	}

	if c.Extractor.Workers <= 0 {
		c.Extractor.Workers = 4
	}
	if c.Extractor.DefaultTimeout.Duration <= 0 {
		c.Extractor.DefaultTimeout = Duration{Duration: 60 * time.Second}
	}
	if c.Extractor.BreakerMaxFails == 0 {
		c.Extractor.BreakerMaxFails = 5
	}
	if c.Extractor.BreakerCooldown.Duration <= 0 {
		c.Extractor.BreakerCooldown = Duration{Duration: 30 * time.Second}
	}

	for packID, pack := range c.Stripe.Packs {
		if pack.Credits <= 0 {
			return fmt.Errorf("stripe pack %q: credits must be > 0", packID)
		}
		if pack.FiatAmountCents <= 0 && pack.StripePriceID == "" {
			return fmt.Errorf("stripe pack %q: needs fiat_amount_cents or stripe_price_id", packID)
		}
		if pack.Currency == "" {
			pack.Currency = "usd"
			c.Stripe.Packs[packID] = pack
		}
	}

	return nil
}

func (c *Config) validatePricing() error {
	if strings.TrimSpace(c.Pricing.Version) == "" {
		return errors.New("pricing.version is required")
	}
	if c.Pricing.BaseCredits < 0 || c.Pricing.EmbeddingCredits < 0 ||
		c.Pricing.OCRCredits < 0 || c.Pricing.ForensicsCredits < 0 {
		return errors.New("pricing credit values must be >= 0")
	}
	if len(c.Pricing.MegapixelBuckets) == 0 {
		return errors.New("pricing.megapixel_buckets must not be empty")
	}
	buckets := c.Pricing.MegapixelBuckets
	if !sort.SliceIsSorted(buckets, func(i, j int) bool {
		return buckets[i].UpToMegapixels < buckets[j].UpToMegapixels
	}) {
		return errors.New("pricing.megapixel_buckets must be sorted by up_to_megapixels")
	}
	for i, b := range buckets {
		if b.UpToMegapixels <= 0 {
			return fmt.Errorf("pricing.megapixel_buckets[%d]: up_to_megapixels must be > 0", i)
		}
		if b.Credits < 0 {
			return fmt.Errorf("pricing.megapixel_buckets[%d]: credits must be >= 0", i)
		}
	}
	return nil
}

func (c *Config) validateLifecycle() error {
	if c.Quotes.TTL.Duration <= 0 {
		c.Quotes.TTL = Duration{Duration: 15 * time.Minute}
	}
	if c.Quotes.SweepInterval.Duration <= 0 {
		c.Quotes.SweepInterval = Duration{Duration: time.Hour}
	}
	if c.Quotes.SweepGrace.Duration < time.Hour {
		c.Quotes.SweepGrace = Duration{Duration: time.Hour}
	}
	if c.Quotes.SweepBatchSize <= 0 {
		c.Quotes.SweepBatchSize = 500
	}
	if c.Quotes.SweepStaleMax.Duration <= c.Quotes.SweepInterval.Duration {
		// The staleness gate must tolerate at least one missed run.
		c.Quotes.SweepStaleMax = Duration{Duration: 3 * c.Quotes.SweepInterval.Duration}
	}
	return nil
}
