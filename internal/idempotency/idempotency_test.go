package idempotency

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestStoreSetGet(t *testing.T) {
	store := NewMemoryStoreWithSize(10)
	defer store.Stop()
	ctx := context.Background()

	resp := &Response{StatusCode: 200, Body: []byte(`{"ok":true}`), CachedAt: time.Now()}
	if err := store.Set(ctx, "k1", resp, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, found := store.Get(ctx, "k1")
	if !found {
		t.Fatal("Get: cached response not found")
	}
	if got.StatusCode != 200 || string(got.Body) != `{"ok":true}` {
		t.Errorf("Get = %d %s", got.StatusCode, got.Body)
	}

	if _, found := store.Get(ctx, "missing"); found {
		t.Error("Get returned a response for an unknown key")
	}
}

func TestStoreTTLExpiry(t *testing.T) {
	store := NewMemoryStoreWithSize(10)
	defer store.Stop()
	ctx := context.Background()

	store.Set(ctx, "k1", &Response{StatusCode: 200}, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	if _, found := store.Get(ctx, "k1"); found {
		t.Error("expired entry still served")
	}
}

func TestStoreLRUEviction(t *testing.T) {
	store := NewMemoryStoreWithSize(3)
	defer store.Stop()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		store.Set(ctx, fmt.Sprintf("k%d", i), &Response{StatusCode: 200}, time.Minute)
	}
	// Touch k0 so k1 becomes the eviction candidate.
	store.Get(ctx, "k0")
	store.Set(ctx, "k3", &Response{StatusCode: 200}, time.Minute)

	if _, found := store.Get(ctx, "k1"); found {
		t.Error("least recently used entry survived eviction")
	}
	for _, key := range []string{"k0", "k2", "k3"} {
		if _, found := store.Get(ctx, key); !found {
			t.Errorf("entry %s evicted unexpectedly", key)
		}
	}
}

func TestStoreDelete(t *testing.T) {
	store := NewMemoryStoreWithSize(10)
	defer store.Stop()
	ctx := context.Background()

	store.Set(ctx, "k1", &Response{StatusCode: 200}, time.Minute)
	if err := store.Delete(ctx, "k1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, found := store.Get(ctx, "k1"); found {
		t.Error("deleted entry still served")
	}
}

func TestMiddlewareReplaysCachedResponse(t *testing.T) {
	store := NewMemoryStoreWithSize(10)
	defer store.Stop()

	var calls atomic.Int32
	handler := Middleware(store, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"call":%d}`, n)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/credits/purchase", nil)
		req.Header.Set(HeaderKey, "key-123")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := do()
	second := do()

	if calls.Load() != 1 {
		t.Errorf("handler called %d times, want 1", calls.Load())
	}
	if second.Code != first.Code || second.Body.String() != first.Body.String() {
		t.Errorf("replay differs: %d %q vs %d %q", second.Code, second.Body, first.Code, first.Body)
	}
	if second.Header().Get("X-Idempotency-Replay") != "true" {
		t.Error("replay response missing X-Idempotency-Replay header")
	}
	if first.Header().Get("X-Idempotency-Replay") == "true" {
		t.Error("first response marked as replay")
	}
}

func TestMiddlewarePassThroughWithoutKey(t *testing.T) {
	store := NewMemoryStoreWithSize(10)
	defer store.Stop()

	var calls atomic.Int32
	handler := Middleware(store, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/credits/purchase", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}
	if calls.Load() != 2 {
		t.Errorf("handler called %d times, want 2 without a key", calls.Load())
	}
}

func TestMiddlewareDoesNotCacheErrors(t *testing.T) {
	store := NewMemoryStoreWithSize(10)
	defer store.Stop()

	var calls atomic.Int32
	handler := Middleware(store, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/credits/purchase", nil)
		req.Header.Set(HeaderKey, "key-123")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}
	if calls.Load() != 2 {
		t.Errorf("handler called %d times, want 2 for non-2xx responses", calls.Load())
	}
}

func TestMiddlewareScopesKeyByPath(t *testing.T) {
	store := NewMemoryStoreWithSize(10)
	defer store.Stop()

	var calls atomic.Int32
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	handler := Middleware(store, time.Minute)(inner)

	for _, path := range []string{"/credits/purchase", "/other"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set(HeaderKey, "shared-key")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}
	if calls.Load() != 2 {
		t.Errorf("handler called %d times, want 2: same key on different paths must not collide", calls.Load())
	}
}
