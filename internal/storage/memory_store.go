package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store implementation suitable for tests and
// single-instance development deployments.
type MemoryStore struct {
	mu sync.Mutex

	usersByID         map[string]User
	usersByEmail      map[string]string // normalized email -> user id
	usersByCustomerID map[string]string // provider customer id -> user id

	balances        map[string]*memBalance // balance key string -> balance
	balanceIDIndex  map[string]string      // balance id -> balance key string
	grantsByExtID   map[string]string      // external payment id -> grant id
	transactions    map[string]CreditTransaction
	refundsByCharge map[string]string // charge tx id -> refund tx id

	quotes      map[string]Quote
	deviceQuota map[string]DeviceQuotaRecord // deviceID|sessionID -> record
	trialUsage  map[string]TrialUsageRecord  // normalized email -> record
	webhooks    map[string]ProcessedWebhook  // event id -> record
}

type memBalance struct {
	id      string
	credits int64
	grants  []*CreditGrant // insertion order == creation order
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		usersByID:         make(map[string]User),
		usersByEmail:      make(map[string]string),
		usersByCustomerID: make(map[string]string),
		balances:          make(map[string]*memBalance),
		balanceIDIndex:    make(map[string]string),
		grantsByExtID:     make(map[string]string),
		transactions:      make(map[string]CreditTransaction),
		refundsByCharge:   make(map[string]string),
		quotes:            make(map[string]Quote),
		deviceQuota:       make(map[string]DeviceQuotaRecord),
		trialUsage:        make(map[string]TrialUsageRecord),
		webhooks:          make(map[string]ProcessedWebhook),
	}
}

// Close implements the Store interface.
func (m *MemoryStore) Close() error { return nil }

// UpsertUser stores or updates a user record.
func (m *MemoryStore) UpsertUser(_ context.Context, user User) error {
	if user.ID == "" {
		return fmt.Errorf("user id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.usersByID[user.ID]; ok {
		delete(m.usersByEmail, NormalizeEmail(prev.Email, false))
		delete(m.usersByCustomerID, prev.ProviderCustomerID)
	}
	m.usersByID[user.ID] = user
	if user.Email != "" {
		m.usersByEmail[NormalizeEmail(user.Email, false)] = user.ID
	}
	if user.ProviderCustomerID != "" {
		m.usersByCustomerID[user.ProviderCustomerID] = user.ID
	}
	return nil
}

// GetUserByEmail retrieves a user by unique email.
func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.usersByEmail[NormalizeEmail(email, false)]
	if !ok {
		return User{}, ErrNotFound
	}
	return m.usersByID[id], nil
}

// GetUserByProviderCustomerID retrieves a user by the payment provider's customer id.
func (m *MemoryStore) GetUserByProviderCustomerID(_ context.Context, customerID string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.usersByCustomerID[customerID]
	if !ok {
		return User{}, ErrNotFound
	}
	return m.usersByID[id], nil
}

// balanceLocked returns (creating if needed) the balance for key. Caller holds mu.
func (m *MemoryStore) balanceLocked(key BalanceKey) *memBalance {
	b, ok := m.balances[key.String()]
	if !ok {
		b = &memBalance{id: uuid.NewString()}
		m.balances[key.String()] = b
		m.balanceIDIndex[b.id] = key.String()
	}
	return b
}

// CreateGrant creates a credit grant, idempotent on externalPaymentID.
func (m *MemoryStore) CreateGrant(_ context.Context, key BalanceKey, amount int64, source GrantSource, packID, externalPaymentID string, expiresAt *time.Time) (CreditGrant, bool, error) {
	if err := key.Validate(); err != nil {
		return CreditGrant{}, false, err
	}
	if amount <= 0 {
		return CreditGrant{}, false, fmt.Errorf("grant amount must be > 0")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if externalPaymentID != "" {
		if grantID, ok := m.grantsByExtID[externalPaymentID]; ok {
			for _, b := range m.balances {
				for _, g := range b.grants {
					if g.ID == grantID {
						return *g, false, nil
					}
				}
			}
			return CreditGrant{}, false, ErrNotFound
		}
	}

	b := m.balanceLocked(key)
	now := time.Now().UTC()
	grant := &CreditGrant{
		ID:                uuid.NewString(),
		BalanceID:         b.id,
		Amount:            amount,
		Remaining:         amount,
		Source:            source,
		PackID:            packID,
		ExternalPaymentID: externalPaymentID,
		CreatedAt:         now,
		ExpiresAt:         expiresAt,
	}
	b.grants = append(b.grants, grant)
	b.credits += amount
	if externalPaymentID != "" {
		m.grantsByExtID[externalPaymentID] = grant.ID
	}

	tx := CreditTransaction{
		ID:                uuid.NewString(),
		BalanceID:         b.id,
		GrantID:           grant.ID,
		Kind:              TransactionGrant,
		Amount:            amount,
		Description:       fmt.Sprintf("grant %s", source),
		ExternalPaymentID: externalPaymentID,
		CreatedAt:         now,
	}
	m.transactions[tx.ID] = tx

	return *grant, true, nil
}

// ChargeCredits atomically consumes grants FIFO until amount is covered.
func (m *MemoryStore) ChargeCredits(_ context.Context, key BalanceKey, amount int64, description string) (CreditTransaction, error) {
	if err := key.Validate(); err != nil {
		return CreditTransaction{}, err
	}
	if amount <= 0 {
		return CreditTransaction{}, fmt.Errorf("charge amount must be > 0")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.balances[key.String()]
	if !ok {
		return CreditTransaction{}, ErrInsufficientCredits
	}

	now := time.Now().UTC()

	// Candidate grants: unconsumed and unexpired, oldest first.
	candidates := make([]*CreditGrant, 0, len(b.grants))
	var available int64
	for _, g := range b.grants {
		if g.Remaining > 0 && !g.Expired(now) {
			candidates = append(candidates, g)
			available += g.Remaining
		}
	}
	if available < amount {
		return CreditTransaction{}, ErrInsufficientCredits
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	var legs []ChargeLeg
	left := amount
	for _, g := range candidates {
		if left == 0 {
			break
		}
		take := g.Remaining
		if take > left {
			take = left
		}
		g.Remaining -= take
		left -= take
		legs = append(legs, ChargeLeg{GrantID: g.ID, Taken: take})
	}
	b.credits -= amount

	tx := CreditTransaction{
		ID:          uuid.NewString(),
		BalanceID:   b.id,
		Kind:        TransactionCharge,
		Amount:      -amount,
		Description: description,
		Legs:        legs,
		CreatedAt:   now,
	}
	m.transactions[tx.ID] = tx
	return tx, nil
}

// RefundCharge restores the exact grants the charge debited. Idempotent.
func (m *MemoryStore) RefundCharge(_ context.Context, chargeTransactionID string) (CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	charge, ok := m.transactions[chargeTransactionID]
	if !ok || charge.Kind != TransactionCharge {
		return CreditTransaction{}, ErrNotFound
	}
	if refundID, done := m.refundsByCharge[chargeTransactionID]; done {
		return m.transactions[refundID], ErrAlreadyRefunded
	}

	keyStr, ok := m.balanceIDIndex[charge.BalanceID]
	if !ok {
		return CreditTransaction{}, ErrNotFound
	}
	b := m.balances[keyStr]

	var restored int64
	for _, leg := range charge.Legs {
		for _, g := range b.grants {
			if g.ID == leg.GrantID {
				g.Remaining += leg.Taken
				restored += leg.Taken
				break
			}
		}
	}
	b.credits += restored

	refund := CreditTransaction{
		ID:          uuid.NewString(),
		BalanceID:   charge.BalanceID,
		Kind:        TransactionRefund,
		Amount:      restored,
		Description: "refund of " + charge.Description,
		Legs:        charge.Legs,
		RefundOf:    chargeTransactionID,
		CreatedAt:   time.Now().UTC(),
	}
	m.transactions[refund.ID] = refund
	m.refundsByCharge[chargeTransactionID] = refund.ID
	return refund, nil
}

// GetBalance reads the cached balance; zero for unknown keys.
func (m *MemoryStore) GetBalance(_ context.Context, key BalanceKey) (int64, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.balances[key.String()]; ok {
		return b.credits, nil
	}
	return 0, nil
}

// RecomputeBalance sums grant remainders for consistency checks.
func (m *MemoryStore) RecomputeBalance(_ context.Context, key BalanceKey) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.balances[key.String()]
	if !ok {
		return 0, nil
	}
	var sum int64
	for _, g := range b.grants {
		sum += g.Remaining
	}
	return sum, nil
}

// ListTransactions returns the newest transactions for a balance.
func (m *MemoryStore) ListTransactions(_ context.Context, key BalanceKey, limit int) ([]CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.balances[key.String()]
	if !ok {
		return nil, nil
	}
	var txs []CreditTransaction
	for _, tx := range m.transactions {
		if tx.BalanceID == b.id {
			txs = append(txs, tx)
		}
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].CreatedAt.After(txs[j].CreatedAt) })
	if limit > 0 && len(txs) > limit {
		txs = txs[:limit]
	}
	return txs, nil
}

// SaveQuote persists a quote.
func (m *MemoryStore) SaveQuote(_ context.Context, quote Quote) error {
	if quote.ID == "" {
		return fmt.Errorf("quote id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[quote.ID] = quote
	return nil
}

// GetQuote retrieves a quote by id.
func (m *MemoryStore) GetQuote(_ context.Context, quoteID string) (Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.quotes[quoteID]
	if !ok {
		return Quote{}, ErrNotFound
	}
	return q, nil
}

// MarkQuoteUsed transitions active -> used iff the quote is active and unexpired.
func (m *MemoryStore) MarkQuoteUsed(_ context.Context, quoteID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.quotes[quoteID]
	if !ok {
		return ErrQuoteNotActive
	}
	if q.Status != QuoteActive || q.ExpiredAt(now) {
		return ErrQuoteNotActive
	}
	used := now.UTC()
	q.Status = QuoteUsed
	q.UsedAt = &used
	m.quotes[quoteID] = q
	return nil
}

// SweepExpiredQuotes deletes quotes expired before cutoff, up to limit.
func (m *MemoryStore) SweepExpiredQuotes(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for id, q := range m.quotes {
		if limit > 0 && count >= int64(limit) {
			break
		}
		if q.ExpiresAt.Before(cutoff) {
			delete(m.quotes, id)
			count++
		}
	}
	return count, nil
}

func deviceKey(deviceID, sessionID string) string {
	return deviceID + "|" + sessionID
}

// ReserveDeviceSlot increments the device counter iff below limit.
func (m *MemoryStore) ReserveDeviceSlot(_ context.Context, deviceID, sessionID string, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.deviceQuota[deviceKey(deviceID, sessionID)]
	if !ok {
		rec = DeviceQuotaRecord{DeviceID: deviceID, SessionID: sessionID}
	}
	if rec.ExtractionCount >= limit {
		return rec.ExtractionCount, ErrQuotaExceeded
	}
	rec.ExtractionCount++
	rec.LastUsedAt = time.Now().UTC()
	m.deviceQuota[deviceKey(deviceID, sessionID)] = rec
	return rec.ExtractionCount, nil
}

// ReleaseDeviceSlot decrements the device counter, bounded at zero.
func (m *MemoryStore) ReleaseDeviceSlot(_ context.Context, deviceID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.deviceQuota[deviceKey(deviceID, sessionID)]
	if !ok || rec.ExtractionCount == 0 {
		return nil
	}
	rec.ExtractionCount--
	m.deviceQuota[deviceKey(deviceID, sessionID)] = rec
	return nil
}

// GetDeviceUsage reads the device counter.
func (m *MemoryStore) GetDeviceUsage(_ context.Context, deviceID, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceQuota[deviceKey(deviceID, sessionID)].ExtractionCount, nil
}

// ReserveTrialSlot increments the trial-email counter iff below limit.
// The caller must pass an already-normalized email.
func (m *MemoryStore) ReserveTrialSlot(_ context.Context, email string, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.trialUsage[email]
	if !ok {
		rec = TrialUsageRecord{Email: email}
	}
	if rec.ExtractionCount >= limit {
		return rec.ExtractionCount, ErrQuotaExceeded
	}
	rec.ExtractionCount++
	rec.LastUsedAt = time.Now().UTC()
	m.trialUsage[email] = rec
	return rec.ExtractionCount, nil
}

// ReleaseTrialSlot decrements the trial-email counter, bounded at zero.
func (m *MemoryStore) ReleaseTrialSlot(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.trialUsage[email]
	if !ok || rec.ExtractionCount == 0 {
		return nil
	}
	rec.ExtractionCount--
	m.trialUsage[email] = rec
	return nil
}

// GetTrialUsage reads the trial-email counter.
func (m *MemoryStore) GetTrialUsage(_ context.Context, email string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trialUsage[email].ExtractionCount, nil
}

// MarkWebhookProcessed records the event id; returns false for duplicates.
func (m *MemoryStore) MarkWebhookProcessed(_ context.Context, record ProcessedWebhook) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.webhooks[record.EventID]; exists {
		return false, nil
	}
	if record.ProcessedAt.IsZero() {
		record.ProcessedAt = time.Now().UTC()
	}
	m.webhooks[record.EventID] = record
	return true, nil
}

// ReleaseWebhookEvent drops the dedup record so a redelivery can retry.
func (m *MemoryStore) ReleaseWebhookEvent(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.webhooks, eventID)
	return nil
}

// PurgeProcessedWebhooks removes dedup records older than the retention cutoff.
func (m *MemoryStore) PurgeProcessedWebhooks(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for id, rec := range m.webhooks {
		if rec.ProcessedAt.Before(olderThan) {
			delete(m.webhooks, id)
			count++
		}
	}
	return count, nil
}
