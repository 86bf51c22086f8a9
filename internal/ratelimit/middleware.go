// Package ratelimit wraps go-chi/httprate for the three surfaces that need
// throttling: the whole API, the unauthenticated quote endpoint, and the
// extract endpoint keyed by device.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/PixelProbe/server/internal/metrics"
)

// Config holds rate limiting configuration.
type Config struct {
	// Global rate limiting (across all callers).
	GlobalEnabled bool
	GlobalLimit   int
	GlobalWindow  time.Duration

	// Per-IP limits on the quote endpoint: a sustained window plus a short
	// burst window, both enforced.
	QuoteLimit       int
	QuoteWindow      time.Duration
	QuoteBurstLimit  int
	QuoteBurstWindow time.Duration

	// Per-device limits on the extract endpoint (per-IP fallback when no
	// device cookie is present).
	ExtractLimit  int
	ExtractWindow time.Duration

	// Metrics collector (optional).
	Metrics *metrics.Metrics
}

// rateLimitResponse is the JSON error body for a throttled request.
type rateLimitResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// limitHandler builds the 429 responder for one limiter.
func limitHandler(limiter string, windowSeconds int, m *metrics.Metrics) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if m != nil {
			m.RateLimitHitsTotal.WithLabelValues(limiter).Inc()
		}

		response := rateLimitResponse{
			Error:             "rate_limit_exceeded",
			Message:           "Rate limit exceeded. Please try again later.",
			RetryAfterSeconds: windowSeconds,
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", windowSeconds))
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(response)
	}
}

func passthrough(next http.Handler) http.Handler { return next }

// GlobalLimiter creates the API-wide rate limiter middleware.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled {
		return passthrough
	}

	return httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithLimitHandler(
			limitHandler("global", int(cfg.GlobalWindow.Seconds()), cfg.Metrics),
		),
	)
}

// QuoteLimiter creates the per-IP limiter for the quote endpoint. Two
// limiters stack: the burst window stops spikes, the sustained window stops
// slow grinding through quote ids.
func QuoteLimiter(cfg Config) func(http.Handler) http.Handler {
	if cfg.QuoteLimit <= 0 {
		return passthrough
	}

	sustained := httprate.Limit(
		cfg.QuoteLimit,
		cfg.QuoteWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(
			limitHandler("quote", int(cfg.QuoteWindow.Seconds()), cfg.Metrics),
		),
	)
	if cfg.QuoteBurstLimit <= 0 {
		return sustained
	}

	burst := httprate.Limit(
		cfg.QuoteBurstLimit,
		cfg.QuoteBurstWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(
			limitHandler("quote_burst", int(cfg.QuoteBurstWindow.Seconds()), cfg.Metrics),
		),
	)
	return func(next http.Handler) http.Handler {
		return burst(sustained(next))
	}
}

// ExtractLimiter creates the per-device limiter for the extract endpoint.
// deviceCookie names the cookie carrying the signed device token; requests
// without one fall back to per-IP keys.
func ExtractLimiter(cfg Config, deviceCookie string) func(http.Handler) http.Handler {
	if cfg.ExtractLimit <= 0 {
		return passthrough
	}

	keyFunc := func(r *http.Request) (string, error) {
		if c, err := r.Cookie(deviceCookie); err == nil && c.Value != "" {
			return "device:" + c.Value, nil
		}
		return httprate.KeyByIP(r)
	}

	return httprate.Limit(
		cfg.ExtractLimit,
		cfg.ExtractWindow,
		httprate.WithKeyFuncs(keyFunc),
		httprate.WithLimitHandler(
			limitHandler("extract", int(cfg.ExtractWindow.Seconds()), cfg.Metrics),
		),
	)
}
