package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	// .env is optional; missing files are not an error.
	_ = godotenv.Load()

	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:            ":8080",
			ReadTimeout:        Duration{Duration: 30 * time.Second},
			WriteTimeout:       Duration{Duration: 90 * time.Second},
			IdleTimeout:        Duration{Duration: 60 * time.Second},
			DeviceCookieMaxAge: Duration{Duration: 365 * 24 * time.Hour},
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		Archive: ArchiveConfig{
			Backend:    "memory",
			Collection: "extractions",
		},
		Pricing: PricingConfig{
			Version:          "2026-01",
			BaseCredits:      1,
			EmbeddingCredits: 2,
			OCRCredits:       3,
			ForensicsCredits: 4,
			MegapixelBuckets: []MegapixelBucket{
				{UpToMegapixels: 12, Credits: 0},
				{UpToMegapixels: 24, Credits: 1},
				{UpToMegapixels: 48, Credits: 2},
				{UpToMegapixels: 100, Credits: 4},
			},
		},
		Quotes: QuotesConfig{
			TTL:            Duration{Duration: 15 * time.Minute},
			SweepInterval:  Duration{Duration: 1 * time.Hour},
			SweepGrace:     Duration{Duration: 1 * time.Hour},
			SweepBatchSize: 500,
			SweepStaleMax:  Duration{Duration: 3 * time.Hour},
		},
		Quota: QuotaConfig{
			DeviceFreeLimit: 2,
		},
		Trial: TrialConfig{
			EmailLimit:       2,
			StripPlusAliases: true,
		},
		Uploads: UploadsConfig{
			MaxFilesPerRequest: 10,
			MaxFileBytes:       100 << 20,
			AllowedMIMETypes: []string{
				"image/jpeg", "image/png", "image/tiff", "image/webp",
				"image/heic", "image/heif", "application/pdf", "video/mp4",
				"video/quicktime",
			},
			TempDir: os.TempDir(),
		},
		Webhook: WebhookConfig{
			TimestampWindow: Duration{Duration: 5 * time.Minute},
			Retention:       Duration{Duration: 48 * time.Hour},
			Timeout:         Duration{Duration: 10 * time.Second},
		},
		Stripe: StripeConfig{
			Mode:       "test",
			SuccessURL: "http://localhost:8080/credits/success?session_id={CHECKOUT_SESSION_ID}",
			CancelURL:  "http://localhost:8080/credits/cancel",
			Packs:      map[string]CreditPack{},
		},
		Extractor: ExtractorConfig{
			Workers:         4,
			DefaultTimeout:  Duration{Duration: 60 * time.Second},
			BreakerMaxFails: 5,
			BreakerCooldown: Duration{Duration: 30 * time.Second},
		},
		RateLimit: RateLimitConfig{
			GlobalEnabled: true,
			GlobalLimit:   1000,
			GlobalWindow:  Duration{Duration: 1 * time.Minute},

			QuoteLimit:       50,
			QuoteWindow:      Duration{Duration: 15 * time.Minute},
			QuoteBurstLimit:  10,
			QuoteBurstWindow: Duration{Duration: 1 * time.Minute},

			ExtractLimit:  30,
			ExtractWindow: Duration{Duration: 1 * time.Minute},
		},
	}
}

// parseFile reads and decodes a YAML config file into the receiver.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}
