// Package token implements the signed bearer token engine: issuance,
// validation, parsing, renewal, and revocation, plus signing-key rotation
// via an explicit current/previous key pair. Tokens are JWS compact
// strings (HMAC-SHA256 by default) carrying client_id, permissions, and the
// standard registered claims.
package token

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/allisson/payauth-gateway/internal/cache"
	"github.com/allisson/payauth-gateway/internal/domain"
	apperrors "github.com/allisson/payauth-gateway/internal/errors"
	"github.com/allisson/payauth-gateway/internal/metrics"
)

// tokenClaims is the JWS payload: the registered claims plus the
// gateway-specific permissions set.
type tokenClaims struct {
	jwt.RegisteredClaims
	Permissions []string `json:"permissions"`
}

// Config controls claim values and default token lifetime. Algorithm is
// informational here; the engine always signs with HMAC-SHA256 (HS256).
type Config struct {
	TTL       time.Duration
	Issuer    string
	Audience  string
	Algorithm string
}

// Engine issues and validates signed bearer tokens, backed by the shared
// cache for revocation and by a copy-on-write signing key pair for
// zero-downtime key rotation.
type Engine struct {
	cfg     Config
	cache   cache.Cache
	keys    *KeyPair
	metrics metrics.BusinessMetrics
	logger  *slog.Logger
}

// New builds an Engine. metricsRecorder and logger may be nil; a no-op
// recorder and a discard logger are used in that case.
func New(cfg Config, c cache.Cache, keys *KeyPair, metricsRecorder metrics.BusinessMetrics, logger *slog.Logger) *Engine {
	if metricsRecorder == nil {
		metricsRecorder = metrics.NewNoOpBusinessMetrics()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{cfg: cfg, cache: c, keys: keys, metrics: metricsRecorder, logger: logger}
}

// Issue generates a new token for client_id with the given permissions
// (defaults applied when nil/empty), signs it with the current key, and
// records an issuance metric. Issue does not write the token to the cache;
// auth.Service caches the tokens it obtains from Issue and Renew.
func (e *Engine) Issue(ctx context.Context, clientID string, permissions []string) (*domain.Token, error) {
	if len(permissions) == 0 {
		permissions = append([]string(nil), domain.DefaultPermissions...)
	}

	current, _ := e.keys.Snapshot()
	if len(current) == 0 {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "no signing key installed")
	}

	tokenID := uuid.NewString()
	now := time.Now().UTC()
	expiresAt := now.Add(e.ttl())

	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			Issuer:    e.cfg.Issuer,
			Audience:  jwt.ClaimStrings{e.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        tokenID,
		},
		Permissions: permissions,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(current)
	if err != nil {
		e.metrics.RecordOperation(ctx, "token", "issue", "error")
		return nil, apperrors.Wrap(err, "sign token")
	}

	tok := &domain.Token{
		TokenID:     tokenID,
		ClientID:    clientID,
		IssuedAt:    now,
		ExpiresAt:   expiresAt,
		Permissions: permissions,
		Signature:   signaturePart(signed),
		TokenString: signed,
	}

	e.metrics.RecordOperation(ctx, "token", "issue", "success")
	return tok, nil
}

// Validate reports whether tokenString is currently valid: not revoked,
// correctly signed, well-formed, addressed to this audience and issuer, and
// not expired. Pure aside from the metric it emits.
func (e *Engine) Validate(ctx context.Context, tokenString string) bool {
	_, err := e.verify(ctx, tokenString, true)
	status := "success"
	if err != nil {
		status = "error"
	}
	e.metrics.RecordOperation(ctx, "token", "validate", status)
	return err == nil
}

// Parse is Validate, but returns the parsed token on success.
func (e *Engine) Parse(ctx context.Context, tokenString string) (*domain.Token, bool) {
	tok, err := e.verify(ctx, tokenString, true)
	return tok, err == nil
}

// Renew reissues a token with the same client_id and permissions, revoking
// the old token_id. A not-yet-expired token is returned unchanged (a
// no-op). Renewal of a revoked, unsigned, or otherwise invalid token fails.
func (e *Engine) Renew(ctx context.Context, tokenString string) (*domain.Token, error) {
	tok, err := e.verify(ctx, tokenString, false)
	if err != nil {
		return nil, err
	}
	if !tok.Expired(time.Now()) {
		return tok, nil
	}

	if err := e.Revoke(ctx, tok.TokenID); err != nil {
		e.logger.Warn("renew: failed to revoke old token", "token_id", tok.TokenID, "error", err)
	}

	renewed, err := e.Issue(ctx, tok.ClientID, tok.Permissions)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordOperation(ctx, "token", "renew", "success")
	return renewed, nil
}

// Revoke adds token_id to the revocation set with a TTL matching the
// token's remaining lifetime (falling back to the configured TTL when the
// token isn't found in cache), and invalidates its cache entry. Revocation
// is monotonic and at-least-once durable via the cache; a cache write
// failure is logged but never fails the call, since cache unavailability
// must degrade silently.
func (e *Engine) Revoke(ctx context.Context, tokenID string) error {
	ttl := e.ttl()
	if tok, ok := e.cache.GetTokenByID(ctx, tokenID); ok {
		if remaining := tok.RemainingTTL(time.Now()); remaining > 0 {
			ttl = remaining
		}
	}

	if err := e.cache.PutRevoked(ctx, tokenID, ttl); err != nil {
		e.logger.Warn("revoke: cache write failed", "token_id", tokenID, "error", err)
	}
	e.cache.InvalidateTokensBatch(ctx, []string{tokenID})
	e.metrics.RecordOperation(ctx, "token", "revoke", "success")
	return nil
}

// InstallKey demotes the current signing key to previous and installs
// newKey as current. Issuance immediately uses the new key; validation
// continues to accept tokens signed with either key until the next
// rotation.
func (e *Engine) InstallKey(newKey []byte) {
	e.keys.Install(newKey)
}

func (e *Engine) ttl() time.Duration {
	if e.cfg.TTL <= 0 {
		return time.Hour
	}
	return e.cfg.TTL
}

// verify runs the ordered check sequence, short-circuiting
// on the first failure: revocation, signature, payload, audience, issuer,
// and (when checkExpiry) expiry. checkExpiry is false for Renew, which must
// accept an already-expired-but-otherwise-valid token.
func (e *Engine) verify(ctx context.Context, tokenString string, checkExpiry bool) (*domain.Token, error) {
	unverifiedParser := jwt.NewParser(jwt.WithoutClaimsValidation())
	var unverified tokenClaims
	if _, _, err := unverifiedParser.ParseUnverified(tokenString, &unverified); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrUnauthenticated, "malformed token")
	}
	if unverified.ID == "" {
		return nil, apperrors.Wrap(apperrors.ErrUnauthenticated, "missing jti")
	}

	if e.cache.IsRevoked(ctx, unverified.ID) {
		return nil, apperrors.Wrap(apperrors.ErrUnauthenticated, "token revoked")
	}

	claims, err := e.verifySignature(tokenString)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrUnauthenticated, "signature verification failed")
	}

	if !containsString(claims.Audience, e.cfg.Audience) {
		return nil, apperrors.Wrap(apperrors.ErrUnauthenticated, "audience mismatch")
	}
	if claims.Issuer != e.cfg.Issuer {
		return nil, apperrors.Wrap(apperrors.ErrUnauthenticated, "issuer mismatch")
	}

	tok := claimsToToken(claims, tokenString)
	if checkExpiry && tok.Expired(time.Now()) {
		return nil, apperrors.Wrap(apperrors.ErrUnauthenticated, "token expired")
	}
	return tok, nil
}

// verifySignature tries the current signing key, then the previous key (if
// installed), so validation tolerates an in-flight signing-key rotation.
func (e *Engine) verifySignature(tokenString string) (*tokenClaims, error) {
	current, previous := e.keys.Snapshot()
	candidates := make([][]byte, 0, 2)
	if len(current) > 0 {
		candidates = append(candidates, current)
	}
	if len(previous) > 0 {
		candidates = append(candidates, previous)
	}

	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	var lastErr error
	for _, key := range candidates {
		var claims tokenClaims
		_, err := parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err == nil {
			return &claims, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = apperrors.ErrUnauthenticated
	}
	return nil, lastErr
}

func claimsToToken(claims *tokenClaims, tokenString string) *domain.Token {
	var issuedAt, expiresAt time.Time
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return &domain.Token{
		TokenID:     claims.ID,
		ClientID:    claims.Subject,
		IssuedAt:    issuedAt,
		ExpiresAt:   expiresAt,
		Permissions: claims.Permissions,
		Signature:   signaturePart(tokenString),
		TokenString: tokenString,
	}
}

// signaturePart extracts the third, signature segment of a compact JWS.
func signaturePart(tokenString string) string {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return ""
	}
	return parts[2]
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
