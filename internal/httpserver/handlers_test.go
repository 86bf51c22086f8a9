package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/PixelProbe/server/internal/archive"
	"github.com/PixelProbe/server/internal/config"
	"github.com/PixelProbe/server/internal/devicetoken"
	"github.com/PixelProbe/server/internal/extraction"
	"github.com/PixelProbe/server/internal/extractor"
	"github.com/PixelProbe/server/internal/idempotency"
	"github.com/PixelProbe/server/internal/ledger"
	"github.com/PixelProbe/server/internal/metrics"
	"github.com/PixelProbe/server/internal/pricing"
	"github.com/PixelProbe/server/internal/quota"
	"github.com/PixelProbe/server/internal/quotes"
	"github.com/PixelProbe/server/internal/storage"
	stripesvc "github.com/PixelProbe/server/internal/stripe"
	"github.com/PixelProbe/server/internal/webhooks"
)

const (
	testAdminKey      = "admin-test-key"
	testWebhookSecret = "whsec_test"
)

type testServer struct {
	router  chi.Router
	store   *storage.MemoryStore
	ledger  *ledger.Service
	sweeper *quotes.Sweeper
	minter  *devicetoken.Minter
	cfg     *config.Config
}

func seconds(d time.Duration) config.Duration {
	return config.Duration{Duration: d}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{
			Address:            ":0",
			AdminAPIKey:        testAdminKey,
			DeviceCookieMaxAge: seconds(180 * 24 * time.Hour),
		},
		Pricing: config.PricingConfig{
			Version:     "test-v1",
			BaseCredits: 1,
			OCRCredits:  3,
		},
		Quotes: config.QuotesConfig{
			TTL:            seconds(15 * time.Minute),
			SweepInterval:  seconds(time.Minute),
			SweepGrace:     seconds(time.Minute),
			SweepBatchSize: 100,
			SweepStaleMax:  seconds(time.Hour),
		},
		Quota: config.QuotaConfig{
			DeviceFreeLimit: 2,
			TokenSecret:     "device-secret",
		},
		Trial: config.TrialConfig{
			EmailLimit:       2,
			StripPlusAliases: true,
		},
		Uploads: config.UploadsConfig{
			MaxFilesPerRequest: 4,
			MaxFileBytes:       10 << 20,
			AllowedMIMETypes:   []string{"image/jpeg", "image/png"},
			TempDir:            t.TempDir(),
		},
		Webhook: config.WebhookConfig{
			Secret:          testWebhookSecret,
			TimestampWindow: seconds(5 * time.Minute),
			Retention:       seconds(48 * time.Hour),
		},
		Stripe: config.StripeConfig{
			SecretKey:  "sk_test_x",
			SuccessURL: "https://example.com/ok",
			CancelURL:  "https://example.com/cancel",
			Packs: map[string]config.CreditPack{
				"starter": {Credits: 100, FiatAmountCents: 500, Currency: "usd", Description: "Starter"},
			},
		},
		Extractor: config.ExtractorConfig{
			Workers:         2,
			DefaultTimeout:  seconds(5 * time.Second),
			BreakerMaxFails: 100,
			BreakerCooldown: seconds(time.Minute),
		},
	}

	store := storage.NewMemoryStore()
	m := metrics.New(prometheus.NewRegistry())
	ledgerSvc := ledger.NewService(store, m)
	quoteSvc := quotes.NewService(store, cfg.Quotes, m)
	sweeper := quotes.NewSweeper(store, cfg.Quotes, m, zerolog.Nop())
	quotaEnf := quota.NewEnforcer(store, cfg.Quota, cfg.Trial, m)
	pool := extractor.NewPool(&extractor.StubEngine{}, cfg.Extractor, m, zerolog.Nop())
	schedule := func() pricing.Schedule { return pricing.FromConfig(cfg.Pricing) }
	pipeline := extraction.NewPipeline(
		ledgerSvc, quoteSvc, quotaEnf, pool, archive.NewMemoryArchive(),
		cfg.Uploads, cfg.Quota, cfg.Trial, schedule, m,
	)
	ingestor := webhooks.NewIngestor(store, ledgerSvc, cfg.Webhook, cfg.Stripe.Packs, m)

	minter, err := devicetoken.NewMinter(cfg.Quota.TokenSecret)
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}

	idemStore := idempotency.NewMemoryStore()
	t.Cleanup(idemStore.Stop)

	router := chi.NewRouter()
	ConfigureRouter(router, Deps{
		Cfg:              cfg,
		Pipeline:         pipeline,
		Quotes:           quoteSvc,
		Sweeper:          sweeper,
		Ledger:           ledgerSvc,
		Quota:            quotaEnf,
		Ingestor:         ingestor,
		Stripe:           stripesvc.NewClient(cfg.Stripe),
		Minter:           minter,
		IdempotencyStore: idemStore,
		Metrics:          m,
		Schedule:         schedule,
		Logger:           zerolog.Nop(),
	})

	return &testServer{
		router:  router,
		store:   store,
		ledger:  ledgerSvc,
		sweeper: sweeper,
		minter:  minter,
		cfg:     cfg,
	}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response %q: %v", rec.Body.String(), err)
	}
	return body
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error envelope, got %q", rec.Body.String())
	}
	code, _ := errObj["code"].(string)
	return code
}

func responseCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestIdentityCookiesMinted(t *testing.T) {
	ts := newTestServer(t)
	ts.sweeper.SweepNow()

	req := httptest.NewRequest("GET", "/credits/balance", nil)
	rec := ts.do(req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	device := responseCookie(rec, "pp_device")
	if device == nil {
		t.Fatal("expected a pp_device cookie to be set")
	}
	if !device.HttpOnly {
		t.Error("device cookie must be HttpOnly")
	}
	if device.MaxAge <= 0 {
		t.Errorf("device cookie should be durable, got MaxAge %d", device.MaxAge)
	}
	if _, err := ts.minter.Verify(device.Value); err != nil {
		t.Errorf("minted device cookie failed verification: %v", err)
	}

	session := responseCookie(rec, "pp_session")
	if session == nil {
		t.Fatal("expected a pp_session cookie to be set")
	}
	if session.MaxAge != 0 {
		t.Errorf("session cookie should be browser-session scoped, got MaxAge %d", session.MaxAge)
	}
}

func TestForgedDeviceCookieReissued(t *testing.T) {
	ts := newTestServer(t)
	ts.sweeper.SweepNow()

	req := httptest.NewRequest("GET", "/credits/balance", nil)
	req.AddCookie(&http.Cookie{Name: "pp_device", Value: "forged-id.bogus-tag"})
	rec := ts.do(req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	device := responseCookie(rec, "pp_device")
	if device == nil {
		t.Fatal("expected a fresh pp_device cookie after a forged one")
	}
	if device.Value == "forged-id.bogus-tag" {
		t.Error("forged cookie must not be echoed back")
	}
	if _, err := ts.minter.Verify(device.Value); err != nil {
		t.Errorf("reissued cookie failed verification: %v", err)
	}
}

func TestValidDeviceCookieKept(t *testing.T) {
	ts := newTestServer(t)
	ts.sweeper.SweepNow()

	token, err := ts.minter.Mint()
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	req := httptest.NewRequest("GET", "/credits/balance", nil)
	req.AddCookie(&http.Cookie{Name: "pp_device", Value: token})
	rec := ts.do(req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if c := responseCookie(rec, "pp_device"); c != nil {
		t.Errorf("valid device cookie should not be reissued, got new value %q", c.Value)
	}
}

func TestSweeperGateFailsClosed(t *testing.T) {
	ts := newTestServer(t)

	body := `{"files":[{"name":"a.jpg","mimeType":"image/jpeg","sizeBytes":1024}],"ops":{}}`

	// No sweep pass has completed yet: write endpoints refuse.
	req := httptest.NewRequest("POST", "/quote", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := ts.do(req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before first sweep, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "sweeper_stale" {
		t.Errorf("expected sweeper_stale, got %q", code)
	}

	ts.sweeper.SweepNow()

	req = httptest.NewRequest("POST", "/quote", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec = ts.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after sweep, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateQuote(t *testing.T) {
	ts := newTestServer(t)
	ts.sweeper.SweepNow()

	body := `{"files":[{"name":"a.jpg","mimeType":"image/jpeg","sizeBytes":2048,"megapixels":1}],"ops":{"ocr":true}}`
	req := httptest.NewRequest("POST", "/quote", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := ts.do(req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody(t, rec)

	if resp["quoteId"] == "" || resp["quoteId"] == nil {
		t.Error("expected a quote id")
	}
	// base 1 + ocr 3
	if got := resp["creditsTotal"].(float64); got != 4 {
		t.Errorf("expected creditsTotal 4, got %v", got)
	}
	perFile, ok := resp["perFile"].([]any)
	if !ok || len(perFile) != 1 {
		t.Fatalf("expected one perFile line, got %v", resp["perFile"])
	}
	line := perFile[0].(map[string]any)
	if line["name"] != "a.jpg" || line["credits"].(float64) != 4 {
		t.Errorf("expected perFile line a.jpg=4, got %v", line)
	}
	if resp["expiresAt"] == nil {
		t.Error("expected an expiry timestamp")
	}
}

func TestCreateQuoteValidation(t *testing.T) {
	ts := newTestServer(t)
	ts.sweeper.SweepNow()

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "no_files",
			body:       `{"files":[],"ops":{}}`,
			wantStatus: 400,
			wantCode:   "missing_field",
		},
		{
			name:       "unsupported_type",
			body:       `{"files":[{"name":"a.exe","mimeType":"application/octet-stream","sizeBytes":100}],"ops":{}}`,
			wantStatus: 403,
			wantCode:   "unsupported_file_type",
		},
		{
			name:       "oversize_file",
			body:       fmt.Sprintf(`{"files":[{"name":"big.jpg","mimeType":"image/jpeg","sizeBytes":%d}],"ops":{}}`, int64(11<<20)),
			wantStatus: 400,
			wantCode:   "file_too_large",
		},
		{
			name:       "malformed_json",
			body:       `{"files":`,
			wantStatus: 400,
			wantCode:   "invalid_field",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/quote", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rec := ts.do(req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if code := errorCode(t, rec); code != tt.wantCode {
				t.Errorf("expected code %q, got %q", tt.wantCode, code)
			}
		})
	}
}

// multipartExtract builds an extract request body with one jpeg upload.
func multipartExtract(t *testing.T, quoteID string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if quoteID != "" {
		if err := mw.WriteField("quote_id", quoteID); err != nil {
			t.Fatalf("write quote_id: %v", err)
		}
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write %s: %v", k, err)
		}
	}

	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="files"; filename="a.jpg"`)
	hdr.Set("Content-Type", "image/jpeg")
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatalf("create file part: %v", err)
	}
	if _, err := part.Write([]byte("\xff\xd8\xff\xe0fake-jpeg-bytes")); err != nil {
		t.Fatalf("write file bytes: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestExtractQuoteFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.sweeper.SweepNow()

	// Establish identity and a quote on the same session.
	quoteBody := `{"files":[{"name":"a.jpg","mimeType":"image/jpeg","sizeBytes":2048}],"ops":{}}`
	quoteReq := httptest.NewRequest("POST", "/quote", strings.NewReader(quoteBody))
	quoteReq.Header.Set("Content-Type", "application/json")
	quoteRec := ts.do(quoteReq)
	if quoteRec.Code != http.StatusOK {
		t.Fatalf("quote failed: %d %s", quoteRec.Code, quoteRec.Body.String())
	}
	quoteID := decodeBody(t, quoteRec)["quoteId"].(string)
	cookies := quoteRec.Result().Cookies()

	body, contentType := multipartExtract(t, quoteID, nil)
	req := httptest.NewRequest("POST", "/extract", body)
	req.Header.Set("Content-Type", contentType)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := ts.do(req)

	if rec.Code != http.StatusOK {
		t.Fatalf("extract failed: %d %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody(t, rec)

	access, ok := resp["access"].(map[string]any)
	if !ok {
		t.Fatalf("expected access descriptor, got %v", resp)
	}
	if access["mode"] != "device_free" {
		t.Errorf("expected device_free mode for an anonymous caller, got %v", access["mode"])
	}
	results, ok := resp["metadata"].([]any)
	if !ok || len(results) != 1 {
		t.Fatalf("expected 1 file result, got %v", resp["metadata"])
	}
	first := results[0].(map[string]any)
	if first["name"] != "a.jpg" {
		t.Errorf("expected result for a.jpg, got %v", first["name"])
	}

	// The quote is consumed: replaying it must fail.
	body, contentType = multipartExtract(t, quoteID, nil)
	replay := httptest.NewRequest("POST", "/extract", body)
	replay.Header.Set("Content-Type", contentType)
	for _, c := range cookies {
		replay.AddCookie(c)
	}
	replayRec := ts.do(replay)
	if replayRec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on quote replay, got %d", replayRec.Code)
	}
	if code := errorCode(t, replayRec); code != "quote_replayed" {
		t.Errorf("expected quote_replayed, got %q", code)
	}
}

func TestExtractForeignQuoteRejected(t *testing.T) {
	ts := newTestServer(t)
	ts.sweeper.SweepNow()

	quoteBody := `{"files":[{"name":"a.jpg","mimeType":"image/jpeg","sizeBytes":2048}],"ops":{}}`
	quoteReq := httptest.NewRequest("POST", "/quote", strings.NewReader(quoteBody))
	quoteReq.Header.Set("Content-Type", "application/json")
	quoteRec := ts.do(quoteReq)
	if quoteRec.Code != http.StatusOK {
		t.Fatalf("quote failed: %d", quoteRec.Code)
	}
	quoteID := decodeBody(t, quoteRec)["quoteId"].(string)

	// No cookies carried over: the extract call runs on a fresh session.
	body, contentType := multipartExtract(t, quoteID, nil)
	req := httptest.NewRequest("POST", "/extract", body)
	req.Header.Set("Content-Type", contentType)
	rec := ts.do(req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a foreign quote, got %d: %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != "quote_owner_mismatch" {
		t.Errorf("expected quote_owner_mismatch, got %q", code)
	}
}

func TestExtractRejectsUnsupportedUpload(t *testing.T) {
	ts := newTestServer(t)
	ts.sweeper.SweepNow()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="files"; filename="a.bin"`)
	hdr.Set("Content-Type", "application/x-msdownload")
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	part.Write([]byte("MZ"))
	mw.Close()

	req := httptest.NewRequest("POST", "/extract", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := ts.do(req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != "unsupported_file_type" {
		t.Errorf("expected unsupported_file_type, got %q", code)
	}
}

func TestWebhookIngestEndpoint(t *testing.T) {
	ts := newTestServer(t)

	payload := []byte(`{"type":"payment.succeeded","paymentId":"pay_001","sessionId":"sess-hook","packId":"starter"}`)
	eventID := "evt_001"
	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	signature := webhooks.Sign(testWebhookSecret, eventID, timestamp, payload)

	send := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/webhooks/payment", bytes.NewReader(payload))
		req.Header.Set(webhooks.HeaderEventID, eventID)
		req.Header.Set(webhooks.HeaderTimestamp, timestamp)
		req.Header.Set(webhooks.HeaderSignature, sig)
		return ts.do(req)
	}

	rec := send(signature)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if outcome := decodeBody(t, rec)["outcome"]; outcome != "accepted" {
		t.Errorf("expected accepted, got %v", outcome)
	}

	balance, err := ts.ledger.Balance(context.Background(), storage.BalanceKey{SessionID: "sess-hook"})
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 100 {
		t.Errorf("expected 100 credits granted, got %d", balance)
	}

	// Redelivery answers 200 without a second grant.
	rec = send(signature)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on duplicate, got %d", rec.Code)
	}
	if outcome := decodeBody(t, rec)["outcome"]; outcome != "duplicate" {
		t.Errorf("expected duplicate, got %v", outcome)
	}

	// A tampered signature is rejected.
	rec = send("deadbeef")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad signature, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "webhook_bad_signature" {
		t.Errorf("expected webhook_bad_signature, got %q", code)
	}
}

func TestAdminAuth(t *testing.T) {
	ts := newTestServer(t)
	ts.sweeper.SweepNow()

	req := httptest.NewRequest("POST", "/admin/sweep", nil)
	rec := ts.do(req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a key, got %d", rec.Code)
	}

	req = httptest.NewRequest("POST", "/admin/sweep", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	rec = ts.do(req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with a wrong key, got %d", rec.Code)
	}

	req = httptest.NewRequest("POST", "/admin/sweep", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	rec = ts.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with the admin key, got %d: %s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["last_sweep_at"] == nil {
		t.Error("expected last_sweep_at in the sweep response")
	}
}

func TestMetricsEndpointProtected(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := ts.do(req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a key, got %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	rec = ts.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with the admin key, got %d", rec.Code)
	}
}

func TestHealthReflectsSweeper(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest("GET", "/probe-health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before first sweep, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "degraded" {
		t.Errorf("expected degraded, got %v", body["status"])
	}
	if body["sweeper_ok"] != false {
		t.Errorf("expected sweeper_ok false, got %v", body["sweeper_ok"])
	}

	ts.sweeper.SweepNow()

	rec = ts.do(httptest.NewRequest("GET", "/probe-health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after sweep, got %d", rec.Code)
	}
	body = decodeBody(t, rec)
	if body["status"] != "ok" {
		t.Errorf("expected ok, got %v", body["status"])
	}
	if body["last_sweep_at"] == nil {
		t.Error("expected last_sweep_at once a pass completed")
	}
}

func TestCreditPacksListing(t *testing.T) {
	ts := newTestServer(t)
	ts.sweeper.SweepNow()

	rec := ts.do(httptest.NewRequest("GET", "/credits/packs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	packs, ok := decodeBody(t, rec)["packs"].([]any)
	if !ok || len(packs) != 1 {
		t.Fatalf("expected 1 pack, got %v", rec.Body.String())
	}
	first := packs[0].(map[string]any)
	if first["id"] != "starter" {
		t.Errorf("expected pack id starter, got %v", first["id"])
	}
}

func TestPurchaseUnknownPack(t *testing.T) {
	ts := newTestServer(t)
	ts.sweeper.SweepNow()

	req := httptest.NewRequest("POST", "/credits/purchase", strings.NewReader(`{"pack":"nonexistent"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := ts.do(req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown pack, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "unknown_credit_pack" {
		t.Errorf("expected unknown_credit_pack, got %q", code)
	}
}
