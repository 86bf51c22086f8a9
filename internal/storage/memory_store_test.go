package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func userKey(id string) BalanceKey    { return BalanceKey{UserID: id} }
func sessionKey(id string) BalanceKey { return BalanceKey{SessionID: id} }

func TestBalanceKeyValidate(t *testing.T) {
	tests := []struct {
		name    string
		key     BalanceKey
		wantErr bool
	}{
		{"user only", BalanceKey{UserID: "u1"}, false},
		{"session only", BalanceKey{SessionID: "s1"}, false},
		{"both set", BalanceKey{UserID: "u1", SessionID: "s1"}, true},
		{"neither set", BalanceKey{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.key.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreateGrantIdempotentOnPaymentID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := userKey("u1")

	first, created, err := store.CreateGrant(ctx, key, 100, GrantSourcePack, "pack_small", "pay_123", nil)
	if err != nil {
		t.Fatalf("first grant: %v", err)
	}
	if !created {
		t.Fatal("first grant should report created=true")
	}

	second, created, err := store.CreateGrant(ctx, key, 100, GrantSourcePack, "pack_small", "pay_123", nil)
	if err != nil {
		t.Fatalf("replayed grant: %v", err)
	}
	if created {
		t.Error("replayed grant should report created=false")
	}
	if second.ID != first.ID {
		t.Errorf("replayed grant id = %s, want original %s", second.ID, first.ID)
	}

	balance, err := store.GetBalance(ctx, key)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if balance != 100 {
		t.Errorf("balance after replayed grant = %d, want 100", balance)
	}

	txs, err := store.ListTransactions(ctx, key, 0)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txs) != 1 {
		t.Errorf("transaction count after replayed grant = %d, want 1", len(txs))
	}
}

func TestChargeCreditsFIFOAcrossGrants(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := sessionKey("s1")

	old, _, err := store.CreateGrant(ctx, key, 30, GrantSourcePack, "pack_small", "pay_a", nil)
	if err != nil {
		t.Fatalf("first grant: %v", err)
	}
	newer, _, err := store.CreateGrant(ctx, key, 50, GrantSourcePack, "pack_small", "pay_b", nil)
	if err != nil {
		t.Fatalf("second grant: %v", err)
	}

	charge, err := store.ChargeCredits(ctx, key, 40, "extract 2 files")
	if err != nil {
		t.Fatalf("ChargeCredits: %v", err)
	}
	if charge.Amount != -40 {
		t.Errorf("charge amount = %d, want -40", charge.Amount)
	}
	if len(charge.Legs) != 2 {
		t.Fatalf("charge legs = %d, want 2", len(charge.Legs))
	}
	if charge.Legs[0].GrantID != old.ID || charge.Legs[0].Taken != 30 {
		t.Errorf("first leg = %+v, want 30 from oldest grant %s", charge.Legs[0], old.ID)
	}
	if charge.Legs[1].GrantID != newer.ID || charge.Legs[1].Taken != 10 {
		t.Errorf("second leg = %+v, want 10 from newer grant %s", charge.Legs[1], newer.ID)
	}

	balance, _ := store.GetBalance(ctx, key)
	if balance != 40 {
		t.Errorf("balance after charge = %d, want 40", balance)
	}
	recomputed, _ := store.RecomputeBalance(ctx, key)
	if recomputed != balance {
		t.Errorf("recomputed balance %d != cached balance %d", recomputed, balance)
	}
}

func TestChargeCreditsInsufficient(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := sessionKey("s1")

	if _, _, err := store.CreateGrant(ctx, key, 10, GrantSourcePack, "", "pay_a", nil); err != nil {
		t.Fatalf("grant: %v", err)
	}

	_, err := store.ChargeCredits(ctx, key, 11, "too much")
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("charge over balance error = %v, want ErrInsufficientCredits", err)
	}

	// Failed charge must not mutate anything.
	balance, _ := store.GetBalance(ctx, key)
	if balance != 10 {
		t.Errorf("balance after failed charge = %d, want 10", balance)
	}
	txs, _ := store.ListTransactions(ctx, key, 0)
	if len(txs) != 1 {
		t.Errorf("transaction count after failed charge = %d, want 1 (the grant)", len(txs))
	}
}

func TestChargeCreditsSkipsExpiredGrants(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := userKey("u1")

	past := time.Now().Add(-time.Hour)
	if _, _, err := store.CreateGrant(ctx, key, 100, GrantSourcePromo, "", "", &past); err != nil {
		t.Fatalf("expired grant: %v", err)
	}
	live, _, err := store.CreateGrant(ctx, key, 20, GrantSourcePack, "", "pay_live", nil)
	if err != nil {
		t.Fatalf("live grant: %v", err)
	}

	charge, err := store.ChargeCredits(ctx, key, 15, "extract")
	if err != nil {
		t.Fatalf("ChargeCredits: %v", err)
	}
	if len(charge.Legs) != 1 || charge.Legs[0].GrantID != live.ID {
		t.Errorf("charge took from expired grant: legs = %+v", charge.Legs)
	}

	if _, err := store.ChargeCredits(ctx, key, 10, "over live remainder"); !errors.Is(err, ErrInsufficientCredits) {
		t.Errorf("expired credits counted as spendable: err = %v", err)
	}
}

func TestRefundChargeRestoresExactGrants(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := userKey("u1")

	if _, _, err := store.CreateGrant(ctx, key, 30, GrantSourcePack, "", "pay_a", nil); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, _, err := store.CreateGrant(ctx, key, 50, GrantSourcePack, "", "pay_b", nil); err != nil {
		t.Fatalf("grant: %v", err)
	}

	charge, err := store.ChargeCredits(ctx, key, 40, "extract")
	if err != nil {
		t.Fatalf("ChargeCredits: %v", err)
	}

	refund, err := store.RefundCharge(ctx, charge.ID)
	if err != nil {
		t.Fatalf("RefundCharge: %v", err)
	}
	if refund.Amount != 40 {
		t.Errorf("refund amount = %d, want 40", refund.Amount)
	}
	if refund.RefundOf != charge.ID {
		t.Errorf("refund.RefundOf = %s, want %s", refund.RefundOf, charge.ID)
	}

	balance, _ := store.GetBalance(ctx, key)
	if balance != 80 {
		t.Errorf("balance after refund = %d, want 80", balance)
	}
	recomputed, _ := store.RecomputeBalance(ctx, key)
	if recomputed != 80 {
		t.Errorf("grant remainders after refund sum to %d, want 80", recomputed)
	}

	// Second refund of the same charge must not double-credit.
	again, err := store.RefundCharge(ctx, charge.ID)
	if !errors.Is(err, ErrAlreadyRefunded) {
		t.Fatalf("second refund error = %v, want ErrAlreadyRefunded", err)
	}
	if again.ID != refund.ID {
		t.Errorf("second refund returned %s, want original refund %s", again.ID, refund.ID)
	}
	balance, _ = store.GetBalance(ctx, key)
	if balance != 80 {
		t.Errorf("balance after duplicate refund = %d, want 80", balance)
	}
}

func TestRefundChargeUnknownTransaction(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.RefundCharge(context.Background(), "no-such-tx"); !errors.Is(err, ErrNotFound) {
		t.Errorf("refund of unknown charge error = %v, want ErrNotFound", err)
	}
}

func TestConcurrentChargesNeverOverspend(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := sessionKey("s1")

	if _, _, err := store.CreateGrant(ctx, key, 10, GrantSourcePack, "", "pay_a", nil); err != nil {
		t.Fatalf("grant: %v", err)
	}

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	var succeeded int
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ChargeCredits(ctx, key, 1, "concurrent"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 {
		t.Errorf("successful charges = %d, want exactly 10", succeeded)
	}
	balance, _ := store.GetBalance(ctx, key)
	if balance != 0 {
		t.Errorf("balance after drain = %d, want 0", balance)
	}
}

func TestMarkQuoteUsedSingleWinner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	quote := Quote{
		ID:        "q1",
		SessionID: "s1",
		Status:    QuoteActive,
		CreatedAt: now,
		ExpiresAt: now.Add(15 * time.Minute),
	}
	if err := store.SaveQuote(ctx, quote); err != nil {
		t.Fatalf("SaveQuote: %v", err)
	}

	const callers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins int
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.MarkQuoteUsed(ctx, "q1", now); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("MarkQuoteUsed winners = %d, want exactly 1", wins)
	}

	got, err := store.GetQuote(ctx, "q1")
	if err != nil {
		t.Fatalf("GetQuote: %v", err)
	}
	if got.Status != QuoteUsed || got.UsedAt == nil {
		t.Errorf("quote after mark = %s usedAt=%v, want used with timestamp", got.Status, got.UsedAt)
	}
}

func TestMarkQuoteUsedRejectsExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	quote := Quote{
		ID:        "q1",
		SessionID: "s1",
		Status:    QuoteActive,
		CreatedAt: now.Add(-time.Hour),
		ExpiresAt: now.Add(-45 * time.Minute),
	}
	if err := store.SaveQuote(ctx, quote); err != nil {
		t.Fatalf("SaveQuote: %v", err)
	}
	if err := store.MarkQuoteUsed(ctx, "q1", now); !errors.Is(err, ErrQuoteNotActive) {
		t.Errorf("mark of expired quote error = %v, want ErrQuoteNotActive", err)
	}
	if err := store.MarkQuoteUsed(ctx, "missing", now); !errors.Is(err, ErrQuoteNotActive) {
		t.Errorf("mark of missing quote error = %v, want ErrQuoteNotActive", err)
	}
}

func TestSweepExpiredQuotes(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	quotes := []Quote{
		{ID: "stale1", SessionID: "s", Status: QuoteActive, ExpiresAt: now.Add(-2 * time.Hour)},
		{ID: "stale2", SessionID: "s", Status: QuoteUsed, ExpiresAt: now.Add(-3 * time.Hour)},
		{ID: "recent", SessionID: "s", Status: QuoteActive, ExpiresAt: now.Add(-5 * time.Minute)},
		{ID: "live", SessionID: "s", Status: QuoteActive, ExpiresAt: now.Add(10 * time.Minute)},
	}
	for _, q := range quotes {
		if err := store.SaveQuote(ctx, q); err != nil {
			t.Fatalf("SaveQuote(%s): %v", q.ID, err)
		}
	}

	// Grace period keeps recently expired quotes around for diagnostics.
	removed, err := store.SweepExpiredQuotes(ctx, now.Add(-time.Hour), 100)
	if err != nil {
		t.Fatalf("SweepExpiredQuotes: %v", err)
	}
	if removed != 2 {
		t.Errorf("swept = %d, want 2", removed)
	}
	for _, id := range []string{"recent", "live"} {
		if _, err := store.GetQuote(ctx, id); err != nil {
			t.Errorf("quote %s removed by sweep, want kept", id)
		}
	}
	for _, id := range []string{"stale1", "stale2"} {
		if _, err := store.GetQuote(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("quote %s survived sweep, want removed", id)
		}
	}
}

func TestReserveDeviceSlotCeiling(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const limit = 2
	for i := 1; i <= limit; i++ {
		used, err := store.ReserveDeviceSlot(ctx, "dev1", "sess1", limit)
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if used != i {
			t.Errorf("reserve %d returned count %d", i, used)
		}
	}

	used, err := store.ReserveDeviceSlot(ctx, "dev1", "sess1", limit)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("reserve over limit error = %v, want ErrQuotaExceeded", err)
	}
	if used != limit {
		t.Errorf("usage at ceiling = %d, want %d", used, limit)
	}

	// Distinct session gets its own allowance.
	if _, err := store.ReserveDeviceSlot(ctx, "dev1", "sess2", limit); err != nil {
		t.Errorf("reserve for second session: %v", err)
	}

	// Release frees a slot; a second release at zero is a no-op.
	if err := store.ReleaseDeviceSlot(ctx, "dev1", "sess1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := store.ReserveDeviceSlot(ctx, "dev1", "sess1", limit); err != nil {
		t.Errorf("reserve after release: %v", err)
	}
	if err := store.ReleaseDeviceSlot(ctx, "dev1", "sess1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := store.ReleaseDeviceSlot(ctx, "dev1", "sess1"); err != nil {
		t.Fatalf("release at floor: %v", err)
	}
	if count, _ := store.GetDeviceUsage(ctx, "dev1", "sess1"); count != 0 {
		t.Errorf("usage after paired releases = %d, want 0", count)
	}
}

func TestConcurrentDeviceReservesHonorLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const limit = 2
	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var granted int
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ReserveDeviceSlot(ctx, "dev1", "sess1", limit); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != limit {
		t.Errorf("granted reservations = %d, want exactly %d", granted, limit)
	}
}

func TestReserveTrialSlotCeiling(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	email := NormalizeEmail("User+tag@Example.com", true)

	if _, err := store.ReserveTrialSlot(ctx, email, 2); err != nil {
		t.Fatalf("first trial reserve: %v", err)
	}
	if _, err := store.ReserveTrialSlot(ctx, email, 2); err != nil {
		t.Fatalf("second trial reserve: %v", err)
	}
	if _, err := store.ReserveTrialSlot(ctx, email, 2); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("third trial reserve error = %v, want ErrQuotaExceeded", err)
	}
}

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		in        string
		stripPlus bool
		want      string
	}{
		{"User@Example.com", false, "user@example.com"},
		{"  user@example.com  ", false, "user@example.com"},
		{"user+promo@example.com", false, "user+promo@example.com"},
		{"user+promo@example.com", true, "user@example.com"},
		{"user+a+b@example.com", true, "user@example.com"},
		{"+leading@example.com", true, "+leading@example.com"},
		{"not-an-email", true, "not-an-email"},
	}
	for _, tt := range tests {
		if got := NormalizeEmail(tt.in, tt.stripPlus); got != tt.want {
			t.Errorf("NormalizeEmail(%q, %v) = %q, want %q", tt.in, tt.stripPlus, got, tt.want)
		}
	}
}

func TestMarkWebhookProcessedDedup(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := ProcessedWebhook{EventID: "evt_1", Provider: "stripe", Result: "accepted"}
	inserted, err := store.MarkWebhookProcessed(ctx, rec)
	if err != nil {
		t.Fatalf("first mark: %v", err)
	}
	if !inserted {
		t.Error("first mark should insert")
	}

	inserted, err = store.MarkWebhookProcessed(ctx, rec)
	if err != nil {
		t.Fatalf("duplicate mark: %v", err)
	}
	if inserted {
		t.Error("duplicate event id should not insert")
	}

	// Releasing the event id reopens the dedup slot for a redelivery.
	if err := store.ReleaseWebhookEvent(ctx, "evt_1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if inserted, _ := store.MarkWebhookProcessed(ctx, rec); !inserted {
		t.Error("released event id should insert again")
	}
}

func TestPurgeProcessedWebhooks(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	old := ProcessedWebhook{EventID: "evt_old", Provider: "stripe", ProcessedAt: now.Add(-72 * time.Hour)}
	fresh := ProcessedWebhook{EventID: "evt_fresh", Provider: "stripe", ProcessedAt: now.Add(-time.Hour)}
	for _, r := range []ProcessedWebhook{old, fresh} {
		if _, err := store.MarkWebhookProcessed(ctx, r); err != nil {
			t.Fatalf("mark %s: %v", r.EventID, err)
		}
	}

	purged, err := store.PurgeProcessedWebhooks(ctx, now.Add(-48*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}

	// Fresh record still blocks a replay.
	if inserted, _ := store.MarkWebhookProcessed(ctx, fresh); inserted {
		t.Error("fresh dedup record lost during purge")
	}
	// Purged record no longer blocks (replay window is bounded by retention).
	if inserted, _ := store.MarkWebhookProcessed(ctx, old); !inserted {
		t.Error("purged record still blocking insert")
	}
}

func TestUpsertUserLookup(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	u := User{ID: "u1", Email: "Buyer@Example.com", ProviderCustomerID: "cus_1", CreatedAt: time.Now()}
	if err := store.UpsertUser(ctx, u); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}

	byEmail, err := store.GetUserByEmail(ctx, "buyer@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if byEmail.ID != "u1" {
		t.Errorf("lookup by email got %s", byEmail.ID)
	}

	byCustomer, err := store.GetUserByProviderCustomerID(ctx, "cus_1")
	if err != nil {
		t.Fatalf("GetUserByProviderCustomerID: %v", err)
	}
	if byCustomer.ID != "u1" {
		t.Errorf("lookup by customer id got %s", byCustomer.ID)
	}

	// Re-upsert with changed customer id drops the old index entry.
	u.ProviderCustomerID = "cus_2"
	if err := store.UpsertUser(ctx, u); err != nil {
		t.Fatalf("UpsertUser update: %v", err)
	}
	if _, err := store.GetUserByProviderCustomerID(ctx, "cus_1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("stale customer index still resolves, err = %v", err)
	}
}
