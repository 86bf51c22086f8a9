package extractor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/PixelProbe/server/internal/config"
	"github.com/PixelProbe/server/internal/metrics"
)

// Pool invokes the engine through a bounded worker pool behind a circuit
// breaker. The pool caps concurrent engine invocations; the breaker stops
// hammering an engine that is consistently failing or timing out.
type Pool struct {
	engine  Engine
	cfg     config.ExtractorConfig
	slots   chan struct{}
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewPool creates an invocation pool around engine.
func NewPool(engine Engine, cfg config.ExtractorConfig, m *metrics.Metrics, log zerolog.Logger) *Pool {
	p := &Pool{
		engine:  engine,
		cfg:     cfg,
		slots:   make(chan struct{}, cfg.Workers),
		metrics: m,
		log:     log.With().Str("component", "extractor_pool").Logger(),
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "extractor",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown.Duration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFails
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.ExtractorBreaker.WithLabelValues(name, to.String()).Inc()
			p.log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("extractor breaker state change")
		},
	})
	return p
}

// Extract runs one engine invocation under the pool's concurrency cap, the
// per-MIME-type timeout, and the breaker. The engine call itself runs on the
// request's goroutine; the slot channel only bounds parallelism.
func (p *Pool) Extract(ctx context.Context, req Request) (*Metadata, error) {
	select {
	case p.slots <- struct{}{}:
		defer func() { <-p.slots }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	timeout := p.cfg.TimeoutFor(req.MIMEType)
	result, err := p.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		start := time.Now()
		meta, err := p.engine.Extract(callCtx, req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				p.log.Warn().
					Str("file", req.FileName).
					Dur("timeout", timeout).
					Msg("extractor timed out")
				return nil, ErrTimeout
			}
			return nil, err
		}
		meta.Duration = time.Since(start)
		return meta, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrUnavailable
		}
		return nil, err
	}
	return result.(*Metadata), nil
}
