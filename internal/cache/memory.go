package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/allisson/payauth-gateway/internal/domain"
)

// entry wraps a cached value with the absolute instant it expires at, the
// way the vault client cache wraps a Client with eviction bookkeeping.
type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.After(now)
}

// MemoryCache is an in-process LRU+TTL cache. It backs unit tests and serves
// as the fallback backend when no redis address is configured.
type MemoryCache struct {
	mu    sync.Mutex
	store *lru.Cache[string, entry]

	defaultCredentialTTL time.Duration

	hitCounter  prometheus.Counter
	missCounter prometheus.Counter
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates an in-process cache with a fixed maximum entry
// count. If registry is non-nil, hit/miss counters are registered on it.
func NewMemoryCache(size int, defaultCredentialTTL time.Duration, registry prometheus.Registerer) (*MemoryCache, error) {
	store, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}

	hitCounter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_memory_hits_total",
		Help: "Number of in-process cache hits.",
	})
	missCounter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_memory_misses_total",
		Help: "Number of in-process cache misses.",
	})
	if registry != nil {
		registry.MustRegister(hitCounter, missCounter)
	}

	return &MemoryCache{
		store:                store,
		defaultCredentialTTL: defaultCredentialTTL,
		hitCounter:           hitCounter,
		missCounter:          missCounter,
	}, nil
}

func (m *MemoryCache) set(key string, value []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store.Add(key, entry{value: value, expiresAt: time.Now().Add(ttl)})
}

func (m *MemoryCache) get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.store.Get(key)
	if !ok {
		m.missCounter.Inc()
		return nil, false
	}
	if e.expired(time.Now()) {
		m.store.Remove(key)
		m.missCounter.Inc()
		return nil, false
	}
	m.hitCounter.Inc()
	return e.value, true
}

func (m *MemoryCache) delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store.Remove(key)
}

func (m *MemoryCache) PutToken(ctx context.Context, tok *domain.Token) error {
	data, err := encodeToken(tok)
	if err != nil {
		return err
	}
	ttl := tokenTTL(tok, time.Now())
	m.set(tokenClientKey(tok.ClientID), data, ttl)
	m.set(tokenIDKey(tok.TokenID), data, ttl)
	return nil
}

func (m *MemoryCache) GetTokenByClient(ctx context.Context, clientID string) (*domain.Token, bool) {
	return m.getToken(tokenClientKey(clientID))
}

func (m *MemoryCache) GetTokenByID(ctx context.Context, tokenID string) (*domain.Token, bool) {
	return m.getToken(tokenIDKey(tokenID))
}

func (m *MemoryCache) getToken(key string) (*domain.Token, bool) {
	raw, ok := m.get(key)
	if !ok {
		return nil, false
	}
	tok, err := decodeToken(raw)
	if err != nil {
		m.delete(key)
		return nil, false
	}
	if tok.Expired(time.Now()) {
		m.delete(tokenClientKey(tok.ClientID))
		m.delete(tokenIDKey(tok.TokenID))
		return nil, false
	}
	return tok, true
}

func (m *MemoryCache) InvalidateClient(ctx context.Context, clientID string) error {
	if tok, ok := m.getToken(tokenClientKey(clientID)); ok {
		m.delete(tokenIDKey(tok.TokenID))
	}
	m.delete(tokenClientKey(clientID))
	m.delete(credentialKey(clientID))
	return nil
}

func (m *MemoryCache) InvalidateTokensBatch(ctx context.Context, tokenIDs []string) {
	var wg sync.WaitGroup
	for _, id := range tokenIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.delete(tokenIDKey(id))
		}(id)
	}
	wg.Wait()
}

func (m *MemoryCache) PutCredential(ctx context.Context, cred *domain.Credential) error {
	data, err := encodeCredential(cred)
	if err != nil {
		return err
	}
	m.set(credentialKey(cred.ClientID), data, credentialTTL(cred, m.defaultCredentialTTL, time.Now()))
	return nil
}

func (m *MemoryCache) GetCredential(ctx context.Context, clientID string) (*domain.Credential, bool) {
	raw, ok := m.get(credentialKey(clientID))
	if !ok {
		return nil, false
	}
	cred, err := decodeCredential(raw)
	if err != nil {
		m.delete(credentialKey(clientID))
		return nil, false
	}
	return cred, true
}

func (m *MemoryCache) InvalidateCredential(ctx context.Context, clientID string) error {
	m.delete(credentialKey(clientID))
	return nil
}

func (m *MemoryCache) PutRevoked(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = minTokenTTL
	}
	m.set(revokedKey(tokenID), []byte("1"), ttl)
	return nil
}

func (m *MemoryCache) IsRevoked(ctx context.Context, tokenID string) bool {
	_, ok := m.get(revokedKey(tokenID))
	return ok
}

func (m *MemoryCache) Available(ctx context.Context) bool {
	return true
}
