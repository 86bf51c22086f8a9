package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Response is a cached response to an idempotent purchase request.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	CachedAt   time.Time
}

// Store manages idempotency keys and cached responses.
type Store interface {
	// Get retrieves a cached response for the given key.
	Get(ctx context.Context, key string) (*Response, bool)

	// Set stores a response for the given key with TTL.
	Set(ctx context.Context, key string, response *Response, ttl time.Duration) error

	// Delete removes a cached response.
	Delete(ctx context.Context, key string) error
}

// entry is one cached response plus its expiry and LRU position.
type entry struct {
	key       string
	response  *Response
	expiresAt time.Time
	element   *list.Element
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// MemoryStore is an in-memory Store with LRU eviction. Purchase initiation is
// the only endpoint behind it, so a bounded cache is enough: reads drop
// expired entries eagerly, a background sweep reclaims the rest, and the
// oldest untouched entry is evicted when the cache is full.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List
	maxSize int
	stop    chan struct{}
	done    chan struct{}
}

// NewMemoryStore creates an in-memory idempotency store holding up to 10,000 entries.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithSize(10000)
}

// NewMemoryStoreWithSize creates an in-memory idempotency store with a custom max size.
func NewMemoryStoreWithSize(maxSize int) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*entry),
		lru:     list.New(),
		maxSize: maxSize,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Get retrieves a cached response for the given key.
func (s *MemoryStore) Get(ctx context.Context, key string) (*Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.entries[key]
	if !found {
		return nil, false
	}
	if e.expired(time.Now()) {
		s.remove(e)
		return nil, false
	}
	s.lru.MoveToFront(e.element)
	return e.response, true
}

// Set stores a response for the given key with TTL.
func (s *MemoryStore) Set(ctx context.Context, key string, response *Response, ttl time.Duration) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, exists := s.entries[key]; exists {
		e.response = response
		e.expiresAt = now.Add(ttl)
		s.lru.MoveToFront(e.element)
		return nil
	}

	// Evict before adding so the cache never exceeds maxSize.
	if len(s.entries) >= s.maxSize {
		if oldest := s.lru.Back(); oldest != nil {
			s.remove(oldest.Value.(*entry))
		}
	}

	e := &entry{key: key, response: response, expiresAt: now.Add(ttl)}
	e.element = s.lru.PushFront(e)
	s.entries[key] = e
	return nil
}

// Delete removes a cached response.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, exists := s.entries[key]; exists {
		s.remove(e)
	}
	return nil
}

// remove unlinks an entry. Caller must hold the lock.
func (s *MemoryStore) remove(e *entry) {
	s.lru.Remove(e.element)
	delete(s.entries, e.key)
}

// sweepLoop periodically reclaims entries whose TTL elapsed without a read.
func (s *MemoryStore) sweepLoop() {
	defer close(s.done)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for _, e := range s.entries {
				if e.expired(now) {
					s.remove(e)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Stop terminates the sweep goroutine.
func (s *MemoryStore) Stop() {
	close(s.stop)
	<-s.done
}
