package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PixelProbe.
type Metrics struct {
	// Quote metrics
	QuotesIssuedTotal  prometheus.Counter
	QuotesUsedTotal    prometheus.Counter
	QuoteRejectsTotal  *prometheus.CounterVec
	QuoteSweepRuns     prometheus.Counter
	QuoteSweepDeleted  prometheus.Counter
	QuoteSweepDuration prometheus.Histogram

	// Extraction metrics
	ExtractionsTotal    *prometheus.CounterVec
	ExtractionDuration  *prometheus.HistogramVec
	ExtractionFilesSize prometheus.Histogram
	ExtractorBreaker    *prometheus.CounterVec

	// Ledger metrics
	CreditsGrantedTotal  prometheus.Counter
	CreditsChargedTotal  prometheus.Counter
	CreditsRefundedTotal prometheus.Counter
	ChargeFailuresTotal  *prometheus.CounterVec

	// Quota metrics
	QuotaDeniedTotal *prometheus.CounterVec

	// Webhook metrics
	WebhooksTotal    *prometheus.CounterVec
	WebhookDuration  prometheus.Histogram
	WebhookPurgeRuns prometheus.Counter

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestDuration *prometheus.HistogramVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		QuotesIssuedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pixelprobe_quotes_issued_total",
			Help: "Total number of quotes issued",
		}),
		QuotesUsedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pixelprobe_quotes_used_total",
			Help: "Total number of quotes consumed by an extraction",
		}),
		QuoteRejectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixelprobe_quote_rejects_total",
				Help: "Quote validation failures at extract time",
			},
			[]string{"reason"},
		),
		QuoteSweepRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "pixelprobe_quote_sweep_runs_total",
			Help: "Total number of expired-quote sweeper runs",
		}),
		QuoteSweepDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "pixelprobe_quote_sweep_deleted_total",
			Help: "Total number of expired quotes deleted by the sweeper",
		}),
		QuoteSweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pixelprobe_quote_sweep_duration_seconds",
			Help:    "Duration of expired-quote sweeper runs",
			Buckets: prometheus.DefBuckets,
		}),

		ExtractionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixelprobe_extractions_total",
				Help: "Total number of extraction requests by access mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		ExtractionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pixelprobe_extraction_duration_seconds",
				Help:    "End-to-end extraction request duration",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"mode"},
		),
		ExtractionFilesSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pixelprobe_extraction_upload_bytes",
			Help:    "Total upload size per extraction request",
			Buckets: prometheus.ExponentialBuckets(64*1024, 4, 10),
		}),
		ExtractorBreaker: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixelprobe_extractor_breaker_events_total",
				Help: "Circuit breaker state transitions for the extraction engine",
			},
			[]string{"name", "to"},
		),

		CreditsGrantedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pixelprobe_credits_granted_total",
			Help: "Total credits granted",
		}),
		CreditsChargedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pixelprobe_credits_charged_total",
			Help: "Total credits charged",
		}),
		CreditsRefundedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pixelprobe_credits_refunded_total",
			Help: "Total credits refunded",
		}),
		ChargeFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixelprobe_charge_failures_total",
				Help: "Failed credit charges by reason",
			},
			[]string{"reason"},
		),

		QuotaDeniedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixelprobe_quota_denied_total",
				Help: "Free-tier quota denials by kind (device, trial)",
			},
			[]string{"kind"},
		),

		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixelprobe_webhooks_total",
				Help: "Payment webhook events by outcome",
			},
			[]string{"outcome"},
		),
		WebhookDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pixelprobe_webhook_duration_seconds",
			Help:    "Webhook ingest duration",
			Buckets: prometheus.DefBuckets,
		}),
		WebhookPurgeRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "pixelprobe_webhook_purge_runs_total",
			Help: "Total number of processed-webhook retention purges",
		}),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixelprobe_rate_limit_hits_total",
				Help: "Requests rejected by rate limiting",
			},
			[]string{"limiter"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pixelprobe_http_request_duration_seconds",
				Help:    "HTTP request duration by route and status",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pixelprobe_db_query_duration_seconds",
				Help:    "Database query duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// ObserveDBQuery records a database query duration.
func (m *Metrics) ObserveDBQuery(operation string, start time.Time) {
	m.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
