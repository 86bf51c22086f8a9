package quotes

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/PixelProbe/server/internal/config"
	"github.com/PixelProbe/server/internal/metrics"
	"github.com/PixelProbe/server/internal/storage"
)

// Sweeper periodically deletes quotes that expired longer than the grace
// period ago. Deleting only past the grace window keeps recently expired
// quotes readable so extract calls can report "expired" instead of
// "not found".
type Sweeper struct {
	store   storage.Store
	cfg     config.QuotesConfig
	metrics *metrics.Metrics
	log     zerolog.Logger

	lastSweep atomic.Int64 // unix nanos of the last successful pass
	stop      chan struct{}
	done      chan struct{}
}

// NewSweeper creates a sweeper. Start must be called to begin sweeping.
func NewSweeper(store storage.Store, cfg config.QuotesConfig, m *metrics.Metrics, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:   store,
		cfg:     cfg,
		metrics: m,
		log:     log.With().Str("component", "quote_sweeper").Logger(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the sweep loop. An immediate first pass marks the sweeper
// healthy before the first full interval elapses.
func (s *Sweeper) Start() {
	go func() {
		defer close(s.done)

		s.sweep()
		ticker := time.NewTicker(s.cfg.SweepInterval.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.stop:
				return
			}
		}
	}()
	s.log.Info().
		Dur("interval", s.cfg.SweepInterval.Duration).
		Dur("grace", s.cfg.SweepGrace.Duration).
		Msg("quote sweeper started")
}

// Stop terminates the sweep loop and waits for the in-flight pass.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
	s.log.Info().Msg("quote sweeper stopped")
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	start := time.Now()
	cutoff := start.Add(-s.cfg.SweepGrace.Duration)
	removed, err := s.store.SweepExpiredQuotes(ctx, cutoff, s.cfg.SweepBatchSize)
	if err != nil {
		// A failed pass does not advance lastSweep; the health probe turns
		// the persistent failure into a 503 on write endpoints.
		s.log.Error().Err(err).Msg("sweep pass failed")
		return
	}

	s.lastSweep.Store(start.UnixNano())
	s.metrics.QuoteSweepRuns.Inc()
	s.metrics.QuoteSweepDeleted.Add(float64(removed))
	s.metrics.QuoteSweepDuration.Observe(time.Since(start).Seconds())
	if removed > 0 {
		s.log.Info().Int64("removed", removed).Msg("expired quotes swept")
	}
}

// SweepNow runs a single pass synchronously. Used by the admin trigger.
func (s *Sweeper) SweepNow() {
	s.sweep()
}

// LastSweepAt returns the time of the last successful pass, zero if none yet.
func (s *Sweeper) LastSweepAt() time.Time {
	nanos := s.lastSweep.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Healthy reports whether a pass succeeded within the staleness window. The
// caller fails closed: quota- and credit-consuming endpoints return 503 when
// the sweeper is stale rather than serve decisions off rotten quote state.
func (s *Sweeper) Healthy(now time.Time) bool {
	last := s.LastSweepAt()
	if last.IsZero() {
		return false
	}
	return now.Sub(last) <= s.cfg.SweepStaleMax.Duration
}
