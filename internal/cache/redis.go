package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/allisson/payauth-gateway/internal/domain"
)

// RedisCache is the production cache backend: SET ... EX for TTL'd writes,
// GET/DEL for reads and invalidation, pipelining for batch operations.
type RedisCache struct {
	client               *redis.Client
	defaultCredentialTTL time.Duration
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache wraps an existing redis client. The caller owns the
// client's lifecycle (creation, Close).
func NewRedisCache(client *redis.Client, defaultCredentialTTL time.Duration) *RedisCache {
	return &RedisCache{client: client, defaultCredentialTTL: defaultCredentialTTL}
}

func (r *RedisCache) PutToken(ctx context.Context, tok *domain.Token) error {
	data, err := encodeToken(tok)
	if err != nil {
		return err
	}
	ttl := tokenTTL(tok, time.Now())

	pipe := r.client.Pipeline()
	pipe.Set(ctx, tokenClientKey(tok.ClientID), data, ttl)
	pipe.Set(ctx, tokenIDKey(tok.TokenID), data, ttl)
	_, err = pipe.Exec(ctx)
	// Both keys are attempted regardless of the first's outcome; a partial
	// failure is reported but not rolled back, per the put_token contract.
	return err
}

func (r *RedisCache) GetTokenByClient(ctx context.Context, clientID string) (*domain.Token, bool) {
	return r.getToken(ctx, tokenClientKey(clientID))
}

func (r *RedisCache) GetTokenByID(ctx context.Context, tokenID string) (*domain.Token, bool) {
	return r.getToken(ctx, tokenIDKey(tokenID))
}

func (r *RedisCache) getToken(ctx context.Context, key string) (*domain.Token, bool) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	tok, err := decodeToken(raw)
	if err != nil {
		r.client.Del(ctx, key)
		return nil, false
	}
	if tok.Expired(time.Now()) {
		r.client.Del(ctx, tokenClientKey(tok.ClientID), tokenIDKey(tok.TokenID))
		return nil, false
	}
	return tok, true
}

func (r *RedisCache) InvalidateClient(ctx context.Context, clientID string) error {
	if tok, ok := r.getToken(ctx, tokenClientKey(clientID)); ok {
		r.client.Del(ctx, tokenIDKey(tok.TokenID))
	}
	return r.client.Del(ctx, tokenClientKey(clientID), credentialKey(clientID)).Err()
}

func (r *RedisCache) InvalidateTokensBatch(ctx context.Context, tokenIDs []string) {
	if len(tokenIDs) == 0 {
		return
	}
	pipe := r.client.Pipeline()
	for _, id := range tokenIDs {
		pipe.Del(ctx, tokenIDKey(id))
	}
	// Best-effort: errors are intentionally swallowed, matching the cache's
	// "never propagate a backend error" guarantee.
	_, _ = pipe.Exec(ctx)
}

func (r *RedisCache) PutCredential(ctx context.Context, cred *domain.Credential) error {
	data, err := encodeCredential(cred)
	if err != nil {
		return err
	}
	ttl := credentialTTL(cred, r.defaultCredentialTTL, time.Now())
	return r.client.Set(ctx, credentialKey(cred.ClientID), data, ttl).Err()
}

func (r *RedisCache) GetCredential(ctx context.Context, clientID string) (*domain.Credential, bool) {
	raw, err := r.client.Get(ctx, credentialKey(clientID)).Bytes()
	if err != nil {
		return nil, false
	}
	cred, err := decodeCredential(raw)
	if err != nil {
		r.client.Del(ctx, credentialKey(clientID))
		return nil, false
	}
	return cred, true
}

func (r *RedisCache) InvalidateCredential(ctx context.Context, clientID string) error {
	return r.client.Del(ctx, credentialKey(clientID)).Err()
}

func (r *RedisCache) PutRevoked(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = minTokenTTL
	}
	return r.client.Set(ctx, revokedKey(tokenID), "1", ttl).Err()
}

func (r *RedisCache) IsRevoked(ctx context.Context, tokenID string) bool {
	n, err := r.client.Exists(ctx, revokedKey(tokenID)).Result()
	return err == nil && n > 0
}

func (r *RedisCache) Available(ctx context.Context) bool {
	return r.client.Ping(ctx).Err() == nil
}
