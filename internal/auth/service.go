// Package auth composes the credential resolver and token engine into the
// client-facing authentication operations: authenticate, authenticate via
// headers, validate, refresh, and revoke. It owns the per-client_id
// singleflight group that collapses concurrent logins from the same client
// into one credential check and one token issuance.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/allisson/payauth-gateway/internal/cache"
	"github.com/allisson/payauth-gateway/internal/credential"
	"github.com/allisson/payauth-gateway/internal/domain"
	apperrors "github.com/allisson/payauth-gateway/internal/errors"
)

// TokenEngine is the subset of the token engine the auth service depends on.
type TokenEngine interface {
	Issue(ctx context.Context, clientID string, permissions []string) (*domain.Token, error)
	Validate(ctx context.Context, tokenString string) bool
	Parse(ctx context.Context, tokenString string) (*domain.Token, bool)
	Renew(ctx context.Context, tokenString string) (*domain.Token, error)
	Revoke(ctx context.Context, tokenID string) error
}

// CredentialValidator is the subset of the credential resolver the auth
// service depends on. A non-nil error means the backend was unreachable
// with no fallback, not that the secret failed to match.
type CredentialValidator interface {
	ValidateWithFallback(ctx context.Context, clientID, presentedSecret string) (bool, error)
}

// Service implements the authenticate/validate/refresh/revoke surface that
// the outer HTTP handlers are thin adapters over.
type Service struct {
	cache     cache.Cache
	resolver  CredentialValidator
	engine    TokenEngine
	singleflt singleflight.Group
}

// New builds a Service.
func New(c cache.Cache, resolver CredentialValidator, engine TokenEngine) *Service {
	return &Service{cache: c, resolver: resolver, engine: engine}
}

// Authenticate validates client_id/client_secret and returns a cached token
// if one already exists for this client, otherwise validates the secret and
// issues a new one. Concurrent calls for the same client_id are collapsed
// into a single credential check via singleflight, so a thundering herd of
// logins from one client costs one vault round trip, not N.
func (s *Service) Authenticate(ctx context.Context, clientID, secret string) (*domain.Token, error) {
	if !credential.ValidGuard(clientID, secret) {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "client_id and client_secret are required")
	}

	if tok, ok := s.cache.GetTokenByClient(ctx, clientID); ok {
		return tok, nil
	}

	v, err, _ := s.singleflt.Do(clientID, func() (interface{}, error) {
		return s.authenticateLocked(ctx, clientID, secret)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Token), nil
}

func (s *Service) authenticateLocked(ctx context.Context, clientID, secret string) (*domain.Token, error) {
	// Re-check the cache: another goroutine may have already populated it
	// while this one waited to enter the singleflight group.
	if tok, ok := s.cache.GetTokenByClient(ctx, clientID); ok {
		return tok, nil
	}

	ok, err := s.resolver.ValidateWithFallback(ctx, clientID, secret)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.ErrInvalidCredentials
	}

	tok, err := s.engine.Issue(ctx, clientID, nil)
	if err != nil {
		return nil, err
	}
	if err := s.cache.PutToken(ctx, tok); err != nil {
		_ = err // cache population is advisory
	}
	return tok, nil
}

// AuthenticateHeaders is Authenticate, reading client_id/client_secret from
// X-Client-ID/X-Client-Secret request headers instead of a request body.
func (s *Service) AuthenticateHeaders(ctx context.Context, headers http.Header) (*domain.Token, error) {
	clientID := strings.TrimSpace(headers.Get("X-Client-ID"))
	secret := headers.Get("X-Client-Secret")
	if clientID == "" || strings.TrimSpace(secret) == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "missing X-Client-ID/X-Client-Secret headers")
	}
	return s.Authenticate(ctx, clientID, secret)
}

// ValidateToken reports whether tokenString is currently valid.
func (s *Service) ValidateToken(ctx context.Context, tokenString string) bool {
	return s.engine.Validate(ctx, tokenString)
}

// Refresh returns tokenString unchanged if it has not yet expired;
// otherwise it delegates to the token engine's renewal and caches the
// result. A token that fails to parse for any reason other than expiry
// (bad signature, revoked, wrong audience/issuer) fails here too, since
// renewal performs the same checks.
func (s *Service) Refresh(ctx context.Context, tokenString string) (*domain.Token, error) {
	if tok, ok := s.engine.Parse(ctx, tokenString); ok && !tok.Expired(time.Now()) {
		return tok, nil
	}

	renewed, err := s.engine.Renew(ctx, tokenString)
	if err != nil {
		return nil, err
	}
	if err := s.cache.PutToken(ctx, renewed); err != nil {
		_ = err
	}
	return renewed, nil
}

// StatusByID reports whether a previously issued token_id still maps to a
// live, non-expired cached token, and how much of its lifetime remains.
// Tokens are looked up by the cache's token-id index rather than by
// decoding a token string, since the status endpoint takes a bare id.
func (s *Service) StatusByID(ctx context.Context, tokenID string) (valid bool, remaining time.Duration) {
	tok, ok := s.cache.GetTokenByID(ctx, tokenID)
	if !ok {
		return false, 0
	}
	now := time.Now()
	if tok.Expired(now) {
		return false, 0
	}
	return true, tok.RemainingTTL(now)
}

// RevokeClient revokes a client's currently cached token (if any) and
// invalidates its cached credential, so the next authenticate call forces a
// fresh vault read.
func (s *Service) RevokeClient(ctx context.Context, clientID string) error {
	if tok, ok := s.cache.GetTokenByClient(ctx, clientID); ok {
		if err := s.engine.Revoke(ctx, tok.TokenID); err != nil {
			return err
		}
	}
	if err := s.cache.InvalidateClient(ctx, clientID); err != nil {
		return err
	}
	return s.cache.InvalidateCredential(ctx, clientID)
}
