package quotes

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/PixelProbe/server/internal/config"
	"github.com/PixelProbe/server/internal/metrics"
	"github.com/PixelProbe/server/internal/pricing"
	"github.com/PixelProbe/server/internal/storage"
)

func testConfig() config.QuotesConfig {
	return config.QuotesConfig{
		TTL:            config.Duration{Duration: 15 * time.Minute},
		SweepInterval:  config.Duration{Duration: time.Hour},
		SweepGrace:     config.Duration{Duration: time.Hour},
		SweepBatchSize: 100,
		SweepStaleMax:  config.Duration{Duration: 3 * time.Hour},
	}
}

func testSchedule() pricing.Schedule {
	return pricing.Schedule{
		Version:     "2026-01",
		BaseCredits: 1,
		OCRCredits:  3,
		MegapixelBuckets: []pricing.Bucket{
			{UpToMegapixels: 12, Credits: 0},
			{UpToMegapixels: 50, Credits: 1},
		},
	}
}

func newTestService() (*Service, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	m := metrics.New(prometheus.NewRegistry())
	return NewService(store, testConfig(), m), store
}

func testFiles() []pricing.FileDescriptor {
	return []pricing.FileDescriptor{
		{Name: "a.jpg", MIMEType: "image/jpeg", SizeBytes: 1 << 20, Megapixels: 8},
		{Name: "b.tif", MIMEType: "image/tiff", SizeBytes: 40 << 20, Megapixels: 40},
	}
}

func TestCreateQuotePricesAndPersists(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	quote, err := svc.CreateQuote(ctx, "sess1", "", testFiles(), pricing.OpOCR, testSchedule())
	if err != nil {
		t.Fatalf("CreateQuote: %v", err)
	}
	if quote.CreditsTotal != 4+5 {
		t.Errorf("credits total = %d, want 9", quote.CreditsTotal)
	}
	if len(quote.PerFileCredits) != 2 ||
		quote.PerFileCredits[0] != (pricing.FileCharge{Name: "a.jpg", Credits: 4}) ||
		quote.PerFileCredits[1] != (pricing.FileCharge{Name: "b.tif", Credits: 5}) {
		t.Errorf("per-file costs = %v", quote.PerFileCredits)
	}
	if quote.Status != storage.QuoteActive {
		t.Errorf("status = %s, want active", quote.Status)
	}
	if got := quote.ExpiresAt.Sub(quote.CreatedAt); got != 15*time.Minute {
		t.Errorf("validity window = %v, want 15m", got)
	}

	persisted, err := store.GetQuote(ctx, quote.ID)
	if err != nil {
		t.Fatalf("quote not persisted: %v", err)
	}
	if persisted.Schedule.Version != "2026-01" {
		t.Errorf("schedule snapshot not persisted with quote")
	}
}

func TestCreateQuoteValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.CreateQuote(ctx, "", "", testFiles(), 0, testSchedule()); err == nil {
		t.Error("quote without session accepted")
	}
	if _, err := svc.CreateQuote(ctx, "sess1", "", nil, 0, testSchedule()); err == nil {
		t.Error("quote without files accepted")
	}
}

func TestLoadActiveQuoteClassification(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	quote, err := svc.CreateQuote(ctx, "sess1", "", testFiles(), 0, testSchedule())
	if err != nil {
		t.Fatalf("CreateQuote: %v", err)
	}

	t.Run("happy path", func(t *testing.T) {
		got, err := svc.LoadActiveQuote(ctx, quote.ID, "sess1")
		if err != nil {
			t.Fatalf("LoadActiveQuote: %v", err)
		}
		if got.ID != quote.ID {
			t.Errorf("loaded quote id = %s", got.ID)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		if _, err := svc.LoadActiveQuote(ctx, "no-such-quote", "sess1"); !errors.Is(err, ErrQuoteNotFound) {
			t.Errorf("error = %v, want ErrQuoteNotFound", err)
		}
	})

	t.Run("wrong session", func(t *testing.T) {
		if _, err := svc.LoadActiveQuote(ctx, quote.ID, "other-session"); !errors.Is(err, ErrOwnerMismatch) {
			t.Errorf("error = %v, want ErrOwnerMismatch", err)
		}
	})

	t.Run("already used", func(t *testing.T) {
		if err := svc.MarkUsed(ctx, quote.ID); err != nil {
			t.Fatalf("MarkUsed: %v", err)
		}
		if _, err := svc.LoadActiveQuote(ctx, quote.ID, "sess1"); !errors.Is(err, ErrQuoteAlreadyUsed) {
			t.Errorf("error = %v, want ErrQuoteAlreadyUsed", err)
		}
	})
}

func TestLoadActiveQuoteExpiredByClock(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	quote, err := svc.CreateQuote(ctx, "sess1", "", testFiles(), 0, testSchedule())
	if err != nil {
		t.Fatalf("CreateQuote: %v", err)
	}

	// Advance the service clock past the validity window; the stored status
	// is still "active" but the quote must read as expired.
	svc.now = func() time.Time { return quote.ExpiresAt.Add(time.Second) }
	if _, err := svc.LoadActiveQuote(ctx, quote.ID, "sess1"); !errors.Is(err, ErrQuoteExpired) {
		t.Errorf("error = %v, want ErrQuoteExpired", err)
	}
	if err := svc.MarkUsed(ctx, quote.ID); !errors.Is(err, ErrQuoteAlreadyUsed) {
		t.Errorf("mark of expired quote error = %v, want ErrQuoteAlreadyUsed", err)
	}
}

func TestMarkUsedSecondCallLoses(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	quote, err := svc.CreateQuote(ctx, "sess1", "", testFiles(), 0, testSchedule())
	if err != nil {
		t.Fatalf("CreateQuote: %v", err)
	}
	if err := svc.MarkUsed(ctx, quote.ID); err != nil {
		t.Fatalf("first MarkUsed: %v", err)
	}
	if err := svc.MarkUsed(ctx, quote.ID); !errors.Is(err, ErrQuoteAlreadyUsed) {
		t.Errorf("second MarkUsed error = %v, want ErrQuoteAlreadyUsed", err)
	}
}

func TestSweeperRemovesOnlyPastGrace(t *testing.T) {
	store := storage.NewMemoryStore()
	m := metrics.New(prometheus.NewRegistry())
	cfg := testConfig()
	cfg.SweepInterval = config.Duration{Duration: time.Hour} // no ticks during the test
	sweeper := NewSweeper(store, cfg, m, zerolog.Nop())

	ctx := context.Background()
	now := time.Now()
	old := storage.Quote{ID: "old", SessionID: "s", Status: storage.QuoteActive, ExpiresAt: now.Add(-2 * time.Hour)}
	inGrace := storage.Quote{ID: "grace", SessionID: "s", Status: storage.QuoteActive, ExpiresAt: now.Add(-10 * time.Minute)}
	for _, q := range []storage.Quote{old, inGrace} {
		if err := store.SaveQuote(ctx, q); err != nil {
			t.Fatalf("SaveQuote: %v", err)
		}
	}

	sweeper.Start()
	sweeper.Stop()

	if _, err := store.GetQuote(ctx, "old"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("quote past grace survived the sweep")
	}
	if _, err := store.GetQuote(ctx, "grace"); err != nil {
		t.Error("recently expired quote deleted inside grace window")
	}
	if sweeper.LastSweepAt().IsZero() {
		t.Error("successful pass did not record a sweep time")
	}
	if !sweeper.Healthy(time.Now()) {
		t.Error("sweeper unhealthy right after a successful pass")
	}
	if sweeper.Healthy(time.Now().Add(4 * time.Hour)) {
		t.Error("sweeper healthy past the staleness window")
	}
}

func TestSweeperUnhealthyBeforeFirstPass(t *testing.T) {
	store := storage.NewMemoryStore()
	m := metrics.New(prometheus.NewRegistry())
	sweeper := NewSweeper(store, testConfig(), m, zerolog.Nop())
	if sweeper.Healthy(time.Now()) {
		t.Error("sweeper healthy before any pass")
	}
}
