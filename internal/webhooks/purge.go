package webhooks

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/PixelProbe/server/internal/metrics"
	"github.com/PixelProbe/server/internal/storage"
)

// Purger trims processed-webhook rows past the retention window. Retention
// must stay comfortably above the provider's redelivery horizon; the ledger's
// payment-id idempotency covers the rare event redelivered after purge.
type Purger struct {
	store     storage.Store
	retention time.Duration
	interval  time.Duration
	metrics   *metrics.Metrics
	log       zerolog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewPurger creates a retention purger that runs every interval.
func NewPurger(store storage.Store, retention, interval time.Duration, m *metrics.Metrics, log zerolog.Logger) *Purger {
	return &Purger{
		store:     store,
		retention: retention,
		interval:  interval,
		metrics:   m,
		log:       log.With().Str("component", "webhook_purger").Logger(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the purge loop.
func (p *Purger) Start() {
	go func() {
		defer close(p.done)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.purge()
			case <-p.stop:
				return
			}
		}
	}()
	p.log.Info().Dur("retention", p.retention).Msg("webhook retention purger started")
}

// Stop terminates the purge loop and waits for the in-flight pass.
func (p *Purger) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Purger) purge() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	removed, err := p.store.PurgeProcessedWebhooks(ctx, time.Now().Add(-p.retention))
	if err != nil {
		p.log.Error().Err(err).Msg("webhook purge failed")
		return
	}
	p.metrics.WebhookPurgeRuns.Inc()
	if removed > 0 {
		p.log.Info().Int64("removed", removed).Msg("processed webhooks purged")
	}
}
