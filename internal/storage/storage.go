package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PixelProbe/server/internal/config"
)

// ErrNotFound is returned when a requested entity is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// ErrInsufficientCredits is returned when a charge exceeds the available balance.
// This is a normal business outcome, not a system failure.
var ErrInsufficientCredits = errors.New("storage: insufficient credits")

// ErrAlreadyRefunded is returned when a charge transaction was refunded before.
var ErrAlreadyRefunded = errors.New("storage: charge already refunded")

// ErrQuotaExceeded is returned when a conditional quota increment hits the limit.
var ErrQuotaExceeded = errors.New("storage: quota exceeded")

// ErrQuoteNotActive is returned by MarkQuoteUsed when the quote is already
// used, expired, or missing. The caller lost the replay race.
var ErrQuoteNotActive = errors.New("storage: quote not active")

// Store captures the persistence requirements of the extraction request plane.
//
// # Atomicity contracts
//
//   - ChargeCredits is a single serializable transaction: the balance decreases
//     by exactly the charge amount, the debited grants' remaining sum to the
//     amount, and exactly one charge transaction row is appended. On
//     ErrInsufficientCredits nothing is mutated.
//   - MarkQuoteUsed is a compare-and-set; exactly one concurrent caller wins.
//   - ReserveDeviceSlot / ReserveTrialSlot are atomic conditional increments;
//     the limit is a hard ceiling under any concurrency.
//   - MarkWebhookProcessed relies on a unique event-id constraint; exactly one
//     concurrent caller observes inserted=true.
type Store interface {
	// Users
	UpsertUser(ctx context.Context, user User) error
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByProviderCustomerID(ctx context.Context, customerID string) (User, error)

	// Credit ledger
	// CreateGrant is idempotent on externalPaymentID when provided: a second
	// call with the same id returns the original grant with created=false and
	// appends no transaction.
	CreateGrant(ctx context.Context, key BalanceKey, amount int64, source GrantSource, packID, externalPaymentID string, expiresAt *time.Time) (CreditGrant, bool, error)
	// ChargeCredits consumes grants FIFO by creation time (skipping expired
	// grants) and records the per-grant legs on the charge transaction.
	ChargeCredits(ctx context.Context, key BalanceKey, amount int64, description string) (CreditTransaction, error)
	// RefundCharge restores remaining to the exact grants the charge debited,
	// in the reverse proportions its legs record. Idempotent per charge.
	RefundCharge(ctx context.Context, chargeTransactionID string) (CreditTransaction, error)
	GetBalance(ctx context.Context, key BalanceKey) (int64, error)
	// RecomputeBalance sums grant remainders for consistency checks.
	RecomputeBalance(ctx context.Context, key BalanceKey) (int64, error)
	ListTransactions(ctx context.Context, key BalanceKey, limit int) ([]CreditTransaction, error)

	// Quotes
	SaveQuote(ctx context.Context, quote Quote) error
	GetQuote(ctx context.Context, quoteID string) (Quote, error)
	MarkQuoteUsed(ctx context.Context, quoteID string, now time.Time) error
	// SweepExpiredQuotes physically deletes quotes expired before cutoff,
	// up to limit rows, and returns the count removed.
	SweepExpiredQuotes(ctx context.Context, cutoff time.Time, limit int) (int64, error)

	// Device quota
	ReserveDeviceSlot(ctx context.Context, deviceID, sessionID string, limit int) (int, error)
	ReleaseDeviceSlot(ctx context.Context, deviceID, sessionID string) error
	GetDeviceUsage(ctx context.Context, deviceID, sessionID string) (int, error)

	// Trial-email quota
	ReserveTrialSlot(ctx context.Context, email string, limit int) (int, error)
	ReleaseTrialSlot(ctx context.Context, email string) error
	GetTrialUsage(ctx context.Context, email string) (int, error)

	// Webhook dedup
	MarkWebhookProcessed(ctx context.Context, record ProcessedWebhook) (bool, error)
	// ReleaseWebhookEvent removes a dedup row after event processing failed,
	// so the provider's redelivery gets another attempt.
	ReleaseWebhookEvent(ctx context.Context, eventID string) error
	PurgeProcessedWebhooks(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Backend     string // "memory" or "postgres"
	PostgresURL string
	Pool        config.PostgresPoolConfig
}

// NewStore creates a Store instance based on the provided configuration.
func NewStore(cfg StoreConfig) (Store, error) {
	return NewStoreWithDB(cfg, nil)
}

// NewStoreWithDB creates a Store instance with an optional shared database
// pool. Pass nil to create a new connection pool.
func NewStoreWithDB(cfg StoreConfig, sharedDB *sql.DB) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		// Loses ledger and replay state on restart; development and tests only.
		return NewMemoryStore(), nil
	case "postgres":
		if cfg.PostgresURL == "" && sharedDB == nil {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		if sharedDB != nil {
			return NewPostgresStoreWithDB(sharedDB)
		}
		return NewPostgresStore(cfg.PostgresURL, cfg.Pool)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// queryTimeout bounds individual store operations so a stuck database cannot
// pin request handlers past their budget.
const queryTimeout = 5 * time.Second

func withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, queryTimeout)
}
