// Package quotes implements the priced, persisted, single-use extraction
// authorization and its expiry lifecycle.
package quotes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/PixelProbe/server/internal/config"
	"github.com/PixelProbe/server/internal/logger"
	"github.com/PixelProbe/server/internal/metrics"
	"github.com/PixelProbe/server/internal/pricing"
	"github.com/PixelProbe/server/internal/storage"
)

// ErrQuoteNotFound is returned when no quote exists for the id. The sweeper
// physically deletes expired quotes, so a long-expired id also lands here.
var ErrQuoteNotFound = errors.New("quotes: not found")

// ErrQuoteExpired is returned when the quote's validity window has passed.
var ErrQuoteExpired = errors.New("quotes: expired")

// ErrQuoteAlreadyUsed is returned when the quote was consumed before.
var ErrQuoteAlreadyUsed = errors.New("quotes: already used")

// ErrOwnerMismatch is returned when a quote is presented by a session other
// than the one it was issued to.
var ErrOwnerMismatch = errors.New("quotes: owner mismatch")

// Service issues and validates quotes.
type Service struct {
	store   storage.Store
	cfg     config.QuotesConfig
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService creates a quote service.
func NewService(store storage.Store, cfg config.QuotesConfig, m *metrics.Metrics) *Service {
	return &Service{store: store, cfg: cfg, metrics: m, now: time.Now}
}

// CreateQuote prices the described files against the schedule snapshot and
// persists an active quote bound to the requesting session.
func (s *Service) CreateQuote(ctx context.Context, sessionID, userID string, files []pricing.FileDescriptor, ops pricing.OpMask, schedule pricing.Schedule) (storage.Quote, error) {
	if sessionID == "" {
		return storage.Quote{}, fmt.Errorf("session id required")
	}
	if len(files) == 0 {
		return storage.Quote{}, fmt.Errorf("at least one file required")
	}

	total, perFile := schedule.TotalCredits(files, ops)
	now := s.now().UTC()
	quote := storage.Quote{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		UserID:         userID,
		Files:          files,
		Ops:            ops,
		CreditsTotal:   total,
		PerFileCredits: perFile,
		Schedule:       schedule,
		Status:         storage.QuoteActive,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.TTL.Duration),
	}
	if err := s.store.SaveQuote(ctx, quote); err != nil {
		return storage.Quote{}, fmt.Errorf("save quote: %w", err)
	}

	s.metrics.QuotesIssuedTotal.Inc()
	logger.FromContext(ctx).Info().
		Str("quote_id", quote.ID).
		Str("session_id", sessionID).
		Int("files", len(files)).
		Int64("credits_total", total).
		Time("expires_at", quote.ExpiresAt).
		Msg("quote issued")
	return quote, nil
}

// LoadActiveQuote fetches a quote and classifies why it cannot be used, if it
// cannot. The expired state is computed from ExpiresAt, not trusted from the
// stored status, so a quote the sweeper has not visited yet still reads as
// expired the instant its window passes.
func (s *Service) LoadActiveQuote(ctx context.Context, quoteID, sessionID string) (storage.Quote, error) {
	quote, err := s.store.GetQuote(ctx, quoteID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.metrics.QuoteRejectsTotal.WithLabelValues("not_found").Inc()
			return storage.Quote{}, ErrQuoteNotFound
		}
		return storage.Quote{}, err
	}

	if quote.SessionID != sessionID {
		s.metrics.QuoteRejectsTotal.WithLabelValues("owner_mismatch").Inc()
		logger.FromContext(ctx).Warn().
			Str("quote_id", quoteID).
			Str("quote_session", quote.SessionID).
			Str("caller_session", sessionID).
			Msg("quote presented by wrong session")
		return storage.Quote{}, ErrOwnerMismatch
	}
	if quote.Status == storage.QuoteUsed {
		s.metrics.QuoteRejectsTotal.WithLabelValues("replayed").Inc()
		return storage.Quote{}, ErrQuoteAlreadyUsed
	}
	if quote.ExpiredAt(s.now()) {
		s.metrics.QuoteRejectsTotal.WithLabelValues("expired").Inc()
		return storage.Quote{}, ErrQuoteExpired
	}
	return quote, nil
}

// MarkUsed consumes the quote. The store's compare-and-set guarantees exactly
// one concurrent caller succeeds; losers get ErrQuoteAlreadyUsed.
func (s *Service) MarkUsed(ctx context.Context, quoteID string) error {
	err := s.store.MarkQuoteUsed(ctx, quoteID, s.now())
	if err != nil {
		if errors.Is(err, storage.ErrQuoteNotActive) {
			s.metrics.QuoteRejectsTotal.WithLabelValues("replayed").Inc()
			return ErrQuoteAlreadyUsed
		}
		return err
	}
	s.metrics.QuotesUsedTotal.Inc()
	return nil
}
