// Package ledger provides credit accounting on top of the store: grants from
// payments or promos, FIFO consumption, and exact-reverse refunds.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/PixelProbe/server/internal/logger"
	"github.com/PixelProbe/server/internal/metrics"
	"github.com/PixelProbe/server/internal/storage"
)

// Service exposes the credit ledger operations.
type Service struct {
	store   storage.Store
	metrics *metrics.Metrics
}

// NewService creates a ledger service.
func NewService(store storage.Store, m *metrics.Metrics) *Service {
	return &Service{store: store, metrics: m}
}

// GrantInput describes a credit grant to create.
type GrantInput struct {
	Key               storage.BalanceKey
	Amount            int64
	Source            storage.GrantSource
	PackID            string
	ExternalPaymentID string
	ExpiresAt         *time.Time
}

// Grant creates a credit grant. Calls with the same ExternalPaymentID are
// idempotent: the second call returns the original grant with created=false.
func (s *Service) Grant(ctx context.Context, in GrantInput) (storage.CreditGrant, bool, error) {
	log := logger.FromContext(ctx)

	grant, created, err := s.store.CreateGrant(ctx, in.Key, in.Amount, in.Source, in.PackID, in.ExternalPaymentID, in.ExpiresAt)
	if err != nil {
		log.Error().Err(err).
			Str("balance", in.Key.String()).
			Int64("amount", in.Amount).
			Msg("credit grant failed")
		return storage.CreditGrant{}, false, err
	}

	if created {
		s.metrics.CreditsGrantedTotal.Add(float64(in.Amount))
		log.Info().
			Str("balance", in.Key.String()).
			Str("grant_id", grant.ID).
			Int64("amount", in.Amount).
			Str("source", string(in.Source)).
			Str("pack_id", in.PackID).
			Msg("credits granted")
	} else {
		log.Info().
			Str("balance", in.Key.String()).
			Str("grant_id", grant.ID).
			Str("external_payment_id", in.ExternalPaymentID).
			Msg("duplicate payment id, returning existing grant")
	}
	return grant, created, nil
}

// Charge debits credits FIFO from the oldest unexpired grants. Returns
// storage.ErrInsufficientCredits without mutating anything when the balance
// cannot cover the amount.
func (s *Service) Charge(ctx context.Context, key storage.BalanceKey, amount int64, description string) (storage.CreditTransaction, error) {
	log := logger.FromContext(ctx)

	tx, err := s.store.ChargeCredits(ctx, key, amount, description)
	if err != nil {
		if errors.Is(err, storage.ErrInsufficientCredits) {
			s.metrics.ChargeFailuresTotal.WithLabelValues("insufficient").Inc()
			log.Info().
				Str("balance", key.String()).
				Int64("amount", amount).
				Msg("charge declined, insufficient credits")
		} else {
			s.metrics.ChargeFailuresTotal.WithLabelValues("error").Inc()
			log.Error().Err(err).
				Str("balance", key.String()).
				Int64("amount", amount).
				Msg("charge failed")
		}
		return storage.CreditTransaction{}, err
	}

	s.metrics.CreditsChargedTotal.Add(float64(amount))
	log.Info().
		Str("balance", key.String()).
		Str("charge_id", tx.ID).
		Int64("amount", amount).
		Int("legs", len(tx.Legs)).
		Msg("credits charged")
	return tx, nil
}

// Refund reverses a charge exactly: every grant the charge debited gets its
// credits back. A second refund of the same charge returns the original
// refund with storage.ErrAlreadyRefunded.
func (s *Service) Refund(ctx context.Context, chargeTransactionID string) (storage.CreditTransaction, error) {
	log := logger.FromContext(ctx)

	refund, err := s.store.RefundCharge(ctx, chargeTransactionID)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyRefunded) {
			log.Info().
				Str("charge_id", chargeTransactionID).
				Str("refund_id", refund.ID).
				Msg("charge already refunded")
			return refund, err
		}
		log.Error().Err(err).Str("charge_id", chargeTransactionID).Msg("refund failed")
		return storage.CreditTransaction{}, err
	}

	s.metrics.CreditsRefundedTotal.Add(float64(refund.Amount))
	log.Info().
		Str("charge_id", chargeTransactionID).
		Str("refund_id", refund.ID).
		Int64("amount", refund.Amount).
		Msg("charge refunded")
	return refund, nil
}

// Balance returns the spendable credit balance for key.
func (s *Service) Balance(ctx context.Context, key storage.BalanceKey) (int64, error) {
	return s.store.GetBalance(ctx, key)
}

// Transactions returns the newest ledger entries for key.
func (s *Service) Transactions(ctx context.Context, key storage.BalanceKey, limit int) ([]storage.CreditTransaction, error) {
	return s.store.ListTransactions(ctx, key, limit)
}

// VerifyBalance compares the cached balance against the sum of grant
// remainders and logs a warning on drift. Used by the health probe.
func (s *Service) VerifyBalance(ctx context.Context, key storage.BalanceKey) (bool, error) {
	cached, err := s.store.GetBalance(ctx, key)
	if err != nil {
		return false, err
	}
	recomputed, err := s.store.RecomputeBalance(ctx, key)
	if err != nil {
		return false, err
	}
	if cached != recomputed {
		logger.FromContext(ctx).Warn().
			Str("balance", key.String()).
			Int64("cached", cached).
			Int64("recomputed", recomputed).
			Msg("balance drift detected")
		return false, nil
	}
	return true, nil
}
