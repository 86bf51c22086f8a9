// Package webhooks turns signed payment-provider events into credit grants
// exactly once. Two idempotency barriers stack: the processed-event table
// keyed by event id, and the ledger grant keyed by external payment id.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/PixelProbe/server/internal/config"
	proberrors "github.com/PixelProbe/server/internal/errors"
	"github.com/PixelProbe/server/internal/ledger"
	"github.com/PixelProbe/server/internal/logger"
	"github.com/PixelProbe/server/internal/metrics"
	"github.com/PixelProbe/server/internal/storage"
)

// Provider header names carrying the event envelope.
const (
	HeaderEventID   = "X-Probe-Event-Id"
	HeaderTimestamp = "X-Probe-Timestamp"
	HeaderSignature = "X-Probe-Signature"
)

// Outcome classifies an ingest result.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// Headers is the provider envelope extracted from the HTTP request.
type Headers struct {
	EventID   string
	Timestamp string
	Signature string
}

// event is the parsed provider payload.
type event struct {
	Type       string `json:"type"`
	PaymentID  string `json:"paymentId"`
	CustomerID string `json:"customerId"`
	SessionID  string `json:"sessionId"`
	PackID     string `json:"packId"`
	Credits    int64  `json:"credits"`
}

// Ingestor verifies and processes payment webhooks.
type Ingestor struct {
	store   storage.Store
	ledger  *ledger.Service
	cfg     config.WebhookConfig
	packs   map[string]config.CreditPack
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewIngestor creates a webhook ingestor. packs maps pack ids to their credit
// amounts for events that omit an explicit credit count.
func NewIngestor(store storage.Store, ledgerSvc *ledger.Service, cfg config.WebhookConfig, packs map[string]config.CreditPack, m *metrics.Metrics) *Ingestor {
	return &Ingestor{
		store:   store,
		ledger:  ledgerSvc,
		cfg:     cfg,
		packs:   packs,
		metrics: m,
		now:     time.Now,
	}
}

// Ingest verifies the envelope and applies the event.
//
// Rejections (bad signature, stale timestamp, malformed payload) carry an
// error code and are never retried by the provider. A nil error with
// OutcomeDuplicate means the event was seen before and must answer 200.
// Transient failures return OutcomeRejected with a retryable error so the
// provider redelivers; redelivery is safe behind both idempotency barriers.
func (i *Ingestor) Ingest(ctx context.Context, rawBody []byte, hdr Headers) (Outcome, error) {
	start := i.now()
	defer func() {
		i.metrics.WebhookDuration.Observe(time.Since(start).Seconds())
	}()

	if i.cfg.Timeout.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.cfg.Timeout.Duration)
		defer cancel()
	}
	log := logger.FromContext(ctx)

	if hdr.EventID == "" || hdr.Timestamp == "" || hdr.Signature == "" {
		i.metrics.WebhooksTotal.WithLabelValues(string(OutcomeRejected)).Inc()
		return OutcomeRejected, proberrors.New(proberrors.ErrCodeWebhookMalformed, "missing event headers")
	}

	if err := i.checkTimestamp(hdr.Timestamp); err != nil {
		i.metrics.WebhooksTotal.WithLabelValues(string(OutcomeRejected)).Inc()
		log.Warn().Str("event_id", hdr.EventID).Err(err).Msg("webhook timestamp outside window")
		return OutcomeRejected, err
	}

	if !i.verifySignature(hdr, rawBody) {
		i.metrics.WebhooksTotal.WithLabelValues(string(OutcomeRejected)).Inc()
		log.Warn().Str("event_id", hdr.EventID).Msg("webhook signature mismatch")
		return OutcomeRejected, proberrors.New(proberrors.ErrCodeWebhookBadSignature, "signature verification failed")
	}

	var ev event
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		i.metrics.WebhooksTotal.WithLabelValues(string(OutcomeRejected)).Inc()
		return OutcomeRejected, proberrors.New(proberrors.ErrCodeWebhookMalformed, "malformed event payload")
	}

	// First barrier: the dedup table. Exactly one concurrent delivery of the
	// same event id observes inserted=true.
	inserted, err := i.store.MarkWebhookProcessed(ctx, storage.ProcessedWebhook{
		EventID:     hdr.EventID,
		Provider:    "stripe",
		Result:      string(OutcomeAccepted),
		ProcessedAt: i.now().UTC(),
	})
	if err != nil {
		i.metrics.WebhooksTotal.WithLabelValues(string(OutcomeRejected)).Inc()
		return OutcomeRejected, fmt.Errorf("record webhook event: %w", err)
	}
	if !inserted {
		i.metrics.WebhooksTotal.WithLabelValues(string(OutcomeDuplicate)).Inc()
		log.Info().Str("event_id", hdr.EventID).Msg("duplicate webhook event")
		return OutcomeDuplicate, nil
	}

	if err := i.apply(ctx, hdr.EventID, ev); err != nil {
		// Free the event id so the provider's redelivery gets a clean
		// attempt. If this delete also fails the ledger's payment-id
		// idempotency still prevents a double grant; the redelivery would
		// just read as a duplicate, which is why the release is logged.
		if relErr := i.store.ReleaseWebhookEvent(ctx, hdr.EventID); relErr != nil {
			log.Error().Err(relErr).Str("event_id", hdr.EventID).Msg("webhook dedup release failed")
		}
		i.metrics.WebhooksTotal.WithLabelValues(string(OutcomeRejected)).Inc()
		return OutcomeRejected, err
	}

	i.metrics.WebhooksTotal.WithLabelValues(string(OutcomeAccepted)).Inc()
	return OutcomeAccepted, nil
}

func (i *Ingestor) checkTimestamp(raw string) error {
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return proberrors.New(proberrors.ErrCodeWebhookMalformed, "unparseable timestamp")
	}
	drift := i.now().Sub(time.Unix(seconds, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > i.cfg.TimestampWindow.Duration {
		return proberrors.New(proberrors.ErrCodeWebhookStaleTimestamp, "timestamp outside replay window")
	}
	return nil
}

// verifySignature computes HMAC-SHA256 over event_id.timestamp.raw_body and
// compares in constant time.
func (i *Ingestor) verifySignature(hdr Headers, rawBody []byte) bool {
	mac := hmac.New(sha256.New, []byte(i.cfg.Secret))
	mac.Write([]byte(hdr.EventID))
	mac.Write([]byte("."))
	mac.Write([]byte(hdr.Timestamp))
	mac.Write([]byte("."))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(hdr.Signature), []byte(expected))
}

// Sign computes the provider signature for an envelope. Exported for tests
// and for the local development event generator.
func Sign(secret, eventID, timestamp string, rawBody []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(eventID))
	mac.Write([]byte("."))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

// apply routes a verified, deduplicated event.
func (i *Ingestor) apply(ctx context.Context, eventID string, ev event) error {
	log := logger.FromContext(ctx)

	switch ev.Type {
	case "payment.succeeded":
		return i.applyPayment(ctx, eventID, ev)
	default:
		// Unknown event types acknowledge without effect so new provider
		// events do not pile up as delivery failures.
		log.Info().Str("event_id", eventID).Str("type", ev.Type).Msg("ignoring unhandled webhook event type")
		return nil
	}
}

func (i *Ingestor) applyPayment(ctx context.Context, eventID string, ev event) error {
	if ev.PaymentID == "" {
		return proberrors.New(proberrors.ErrCodeWebhookMalformed, "payment event missing payment id")
	}

	key, err := i.resolveBalance(ctx, ev)
	if err != nil {
		return err
	}

	credits := ev.Credits
	if credits == 0 {
		pack, ok := i.packs[ev.PackID]
		if !ok {
			return proberrors.New(proberrors.ErrCodeUnknownCreditPack, "unknown credit pack "+ev.PackID)
		}
		credits = pack.Credits
	}
	if credits <= 0 {
		return proberrors.New(proberrors.ErrCodeWebhookMalformed, "payment event grants no credits")
	}

	// Second barrier: the ledger is idempotent on the payment id, so a
	// redelivery that slipped past a purged dedup row still grants once.
	_, _, err = i.ledger.Grant(ctx, ledger.GrantInput{
		Key:               key,
		Amount:            credits,
		Source:            storage.GrantSourcePack,
		PackID:            ev.PackID,
		ExternalPaymentID: ev.PaymentID,
	})
	if err != nil {
		return fmt.Errorf("grant from webhook: %w", err)
	}

	logger.FromContext(ctx).Info().
		Str("event_id", eventID).
		Str("payment_id", ev.PaymentID).
		Str("balance", key.String()).
		Int64("credits", credits).
		Msg("payment webhook applied")
	return nil
}

// resolveBalance maps the event to a balance owner: provider customer id
// first, anonymous checkout session second.
func (i *Ingestor) resolveBalance(ctx context.Context, ev event) (storage.BalanceKey, error) {
	if ev.CustomerID != "" {
		user, err := i.store.GetUserByProviderCustomerID(ctx, ev.CustomerID)
		if err == nil {
			return storage.BalanceKey{UserID: user.ID}, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return storage.BalanceKey{}, fmt.Errorf("resolve customer: %w", err)
		}
		if ev.SessionID == "" {
			return storage.BalanceKey{}, proberrors.New(proberrors.ErrCodeWebhookUnknownAccount, "unknown customer "+ev.CustomerID)
		}
	}
	if ev.SessionID != "" {
		return storage.BalanceKey{SessionID: ev.SessionID}, nil
	}
	return storage.BalanceKey{}, proberrors.New(proberrors.ErrCodeWebhookUnknownAccount, "event carries no balance owner")
}
