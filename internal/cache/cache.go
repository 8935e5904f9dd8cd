// Package cache implements the advisory, TTL'd key-value store shared by the
// credential resolver, token engine, and auth service. A cache hit is
// authoritative only while the entry has not locally expired; on any backend
// error implementations return "absent" rather than propagating, since
// callers must tolerate cache unavailability.
package cache

import (
	"context"
	"time"

	"github.com/allisson/payauth-gateway/internal/domain"
)

// minTokenTTL is the floor applied to a token's cache TTL regardless of how
// close to expiry it already is.
const minTokenTTL = 10 * time.Second

// tokenTTLSafetyMargin is subtracted from a token's remaining lifetime before
// it is cached, so a cache hit is never returned for a token that is about to
// expire server-side.
const tokenTTLSafetyMargin = 30 * time.Second

// Cache is the capability set every backend (redis, in-process) implements.
type Cache interface {
	// PutToken stores the token under both its client-id key and its
	// token-id key with TTL = remaining lifetime - 30s (minimum 10s). Both
	// keys are written; if either write fails the operation reports failed,
	// but no rollback is attempted since the stale entry will expire.
	PutToken(ctx context.Context, tok *domain.Token) error

	// GetTokenByClient returns (nil, false) on miss. On a hit with an
	// expired token it deletes both keys and returns (nil, false).
	GetTokenByClient(ctx context.Context, clientID string) (*domain.Token, bool)

	// GetTokenByID is symmetric with GetTokenByClient, keyed by token_id.
	GetTokenByID(ctx context.Context, tokenID string) (*domain.Token, bool)

	// InvalidateClient removes both token key forms and the credential entry
	// for the client.
	InvalidateClient(ctx context.Context, clientID string) error

	// InvalidateTokensBatch is a best-effort, parallel removal of token-id
	// keys. It never returns an error; cache unavailability degrades
	// silently.
	InvalidateTokensBatch(ctx context.Context, tokenIDs []string)

	// PutCredential stores a credential under its client_id key with the
	// default credential TTL, unless the credential carries an earlier
	// ExpiresAt.
	PutCredential(ctx context.Context, cred *domain.Credential) error

	// GetCredential returns (nil, false) on miss or local expiry.
	GetCredential(ctx context.Context, clientID string) (*domain.Credential, bool)

	// InvalidateCredential removes the credential entry for the client.
	InvalidateCredential(ctx context.Context, clientID string) error

	// PutRevoked records a token_id in the revocation set with a TTL equal
	// to the token's remaining lifetime. Duplicate inserts are no-ops.
	PutRevoked(ctx context.Context, tokenID string, ttl time.Duration) error

	// IsRevoked reports whether a token_id is in the revocation set.
	IsRevoked(ctx context.Context, tokenID string) bool

	// Available is a cheap liveness probe used by readiness checks and by
	// components that need to know whether to attempt the cache at all.
	Available(ctx context.Context) bool
}

// tokenTTL computes the cache TTL for a token per the put_token contract.
func tokenTTL(tok *domain.Token, now time.Time) time.Duration {
	remaining := tok.RemainingTTL(now) - tokenTTLSafetyMargin
	if remaining < minTokenTTL {
		return minTokenTTL
	}
	return remaining
}

// credentialTTL computes the cache TTL for a credential, honoring an earlier
// ExpiresAt over the default.
func credentialTTL(cred *domain.Credential, defaultTTL time.Duration, now time.Time) time.Duration {
	if cred.ExpiresAt == nil {
		return defaultTTL
	}
	remaining := cred.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return minTokenTTL
	}
	if remaining < defaultTTL {
		return remaining
	}
	return defaultTTL
}
