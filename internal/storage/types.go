package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/PixelProbe/server/internal/pricing"
)

// BalanceKey identifies the owner of a credit balance. Exactly one of UserID
// or SessionID must be set; authenticated users accrue credits on their
// account, anonymous buyers on their session.
type BalanceKey struct {
	UserID    string
	SessionID string
}

// Validate checks the exactly-one-owner invariant.
func (k BalanceKey) Validate() error {
	if (k.UserID == "") == (k.SessionID == "") {
		return fmt.Errorf("balance key requires exactly one of user id or session id")
	}
	return nil
}

// String renders the key for logs and map indexing.
func (k BalanceKey) String() string {
	if k.UserID != "" {
		return "user:" + k.UserID
	}
	return "session:" + k.SessionID
}

// User is an account record. The Tier field is informational only and never
// gates extraction; all access is quota- or credit-based.
type User struct {
	ID                 string
	Email              string
	ProviderCustomerID string
	Tier               string
	CreatedAt          time.Time
}

// GrantSource describes where a credit grant came from.
type GrantSource string

const (
	GrantSourcePack   GrantSource = "pack"
	GrantSourcePromo  GrantSource = "promo"
	GrantSourceRefund GrantSource = "refund"
)

// CreditGrant is an immutable allocation of credits. Only Remaining mutates:
// it decreases on consumption and increases on refund back to the same grant.
type CreditGrant struct {
	ID                string
	BalanceID         string
	Amount            int64
	Remaining         int64
	Source            GrantSource
	PackID            string
	ExternalPaymentID string
	CreatedAt         time.Time
	ExpiresAt         *time.Time
}

// Expired reports whether the grant can no longer be consumed at now.
func (g CreditGrant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && now.After(*g.ExpiresAt)
}

// TransactionKind classifies ledger transactions.
type TransactionKind string

const (
	TransactionGrant  TransactionKind = "grant"
	TransactionCharge TransactionKind = "charge"
	TransactionRefund TransactionKind = "refund"
)

// ChargeLeg records how much of a charge was taken from one grant. The legs
// on a charge transaction are the exact recipe a refund replays in reverse.
type ChargeLeg struct {
	GrantID string `json:"grantId"`
	Taken   int64  `json:"taken"`
}

// CreditTransaction is one append-only audit log row. Amount is signed:
// positive for grants and refunds, negative for charges.
type CreditTransaction struct {
	ID                string
	BalanceID         string
	GrantID           string
	Kind              TransactionKind
	Amount            int64
	Description       string
	ExternalPaymentID string
	Legs              []ChargeLeg
	RefundOf          string
	CreatedAt         time.Time
}

// QuoteStatus is the quote lifecycle state.
type QuoteStatus string

const (
	QuoteActive  QuoteStatus = "active"
	QuoteUsed    QuoteStatus = "used"
	QuoteExpired QuoteStatus = "expired"
)

// Quote is a priced, persisted, time-limited, single-use authorization that
// binds a pricing calculation to a future extract call.
type Quote struct {
	ID             string
	SessionID      string
	UserID         string
	Files          []pricing.FileDescriptor
	Ops            pricing.OpMask
	CreditsTotal   int64
	PerFileCredits []pricing.FileCharge
	Schedule       pricing.Schedule
	Status         QuoteStatus
	CreatedAt      time.Time
	ExpiresAt      time.Time
	UsedAt         *time.Time
}

// ExpiredAt reports whether the quote's validity window has passed.
// The active->expired transition is time-based and computed lazily on read.
func (q Quote) ExpiredAt(now time.Time) bool {
	return now.After(q.ExpiresAt)
}

// DeviceQuotaRecord tracks free extractions per (device, session). The device
// id is a server-issued opaque token, not a browser fingerprint.
type DeviceQuotaRecord struct {
	DeviceID        string
	SessionID       string
	ExtractionCount int
	LastUsedAt      time.Time
}

// TrialUsageRecord tracks free trial extractions per normalized email.
type TrialUsageRecord struct {
	Email           string
	ExtractionCount int
	LastUsedAt      time.Time
}

// ProcessedWebhook is the idempotency record for one provider event.
type ProcessedWebhook struct {
	EventID     string
	Provider    string
	Result      string
	ProcessedAt time.Time
}

// NormalizeEmail lowercases and trims an email for trial-counter lookup.
// When stripPlus is set, plus-address aliases collapse to the base address
// so a+1@x and a+2@x share one trial allowance.
func NormalizeEmail(email string, stripPlus bool) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if !stripPlus {
		return email
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return email
	}
	local, domain := email[:at], email[at:]
	if plus := strings.Index(local, "+"); plus > 0 {
		local = local[:plus]
	}
	return local + domain
}
