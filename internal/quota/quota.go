// Package quota enforces the free-tier allowances: per-(device, session)
// extraction counts and per-email trial extractions. All limit checks are
// atomic conditional increments in the store, and every decision fails
// closed: a storage error denies free access instead of granting it.
package quota

import (
	"context"
	"errors"

	"github.com/PixelProbe/server/internal/config"
	"github.com/PixelProbe/server/internal/logger"
	"github.com/PixelProbe/server/internal/metrics"
	"github.com/PixelProbe/server/internal/storage"
)

// ErrDeviceQuotaExhausted is returned when the device's free allowance is spent.
var ErrDeviceQuotaExhausted = errors.New("quota: device allowance exhausted")

// ErrTrialExhausted is returned when the email's trial allowance is spent.
var ErrTrialExhausted = errors.New("quota: trial allowance exhausted")

// Enforcer applies the free-tier limits.
type Enforcer struct {
	store   storage.Store
	device  config.QuotaConfig
	trial   config.TrialConfig
	metrics *metrics.Metrics
}

// NewEnforcer creates a quota enforcer.
func NewEnforcer(store storage.Store, device config.QuotaConfig, trial config.TrialConfig, m *metrics.Metrics) *Enforcer {
	return &Enforcer{store: store, device: device, trial: trial, metrics: m}
}

// ReserveDevice consumes one free device slot. The increment and the limit
// check are one atomic store operation, so concurrent requests cannot push
// usage past the limit. On success the caller owns the slot and must call
// ReleaseDevice if the extraction never completes.
func (e *Enforcer) ReserveDevice(ctx context.Context, deviceID, sessionID string) (int, error) {
	used, err := e.store.ReserveDeviceSlot(ctx, deviceID, sessionID, e.device.DeviceFreeLimit)
	if err != nil {
		if errors.Is(err, storage.ErrQuotaExceeded) {
			e.metrics.QuotaDeniedTotal.WithLabelValues("device").Inc()
			return used, ErrDeviceQuotaExhausted
		}
		// Fail closed: an unreadable counter denies the free slot.
		logger.FromContext(ctx).Error().Err(err).
			Str("device_id", deviceID).
			Msg("device quota check failed, denying")
		return 0, err
	}
	return used, nil
}

// ReleaseDevice returns a reserved device slot after a failed extraction.
func (e *Enforcer) ReleaseDevice(ctx context.Context, deviceID, sessionID string) {
	if err := e.store.ReleaseDeviceSlot(ctx, deviceID, sessionID); err != nil {
		// Leaks one free slot; acceptable, the alternative is a retry queue.
		logger.FromContext(ctx).Error().Err(err).
			Str("device_id", deviceID).
			Msg("device quota release failed")
	}
}

// DeviceRemaining reports how many free extractions the device has left.
func (e *Enforcer) DeviceRemaining(ctx context.Context, deviceID, sessionID string) (int, error) {
	used, err := e.store.GetDeviceUsage(ctx, deviceID, sessionID)
	if err != nil {
		return 0, err
	}
	remaining := e.device.DeviceFreeLimit - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// ReserveTrial consumes one trial slot for the given raw email. The email is
// normalized before counting so case and (optionally) plus-aliases cannot
// multiply the allowance.
func (e *Enforcer) ReserveTrial(ctx context.Context, email string) (string, int, error) {
	normalized := storage.NormalizeEmail(email, e.trial.StripPlusAliases)
	used, err := e.store.ReserveTrialSlot(ctx, normalized, e.trial.EmailLimit)
	if err != nil {
		if errors.Is(err, storage.ErrQuotaExceeded) {
			e.metrics.QuotaDeniedTotal.WithLabelValues("trial").Inc()
			return normalized, used, ErrTrialExhausted
		}
		logger.FromContext(ctx).Error().Err(err).
			Str("email", logger.RedactEmail(normalized)).
			Msg("trial quota check failed, denying")
		return normalized, 0, err
	}
	return normalized, used, nil
}

// ReleaseTrial returns a reserved trial slot after a failed extraction.
// Expects the normalized email ReserveTrial returned.
func (e *Enforcer) ReleaseTrial(ctx context.Context, normalizedEmail string) {
	if err := e.store.ReleaseTrialSlot(ctx, normalizedEmail); err != nil {
		logger.FromContext(ctx).Error().Err(err).
			Str("email", logger.RedactEmail(normalizedEmail)).
			Msg("trial quota release failed")
	}
}
