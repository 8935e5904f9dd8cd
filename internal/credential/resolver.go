package credential

import (
	"context"
	"strings"
	"time"

	"github.com/allisson/payauth-gateway/internal/cache"
	"github.com/allisson/payauth-gateway/internal/domain"
	apperrors "github.com/allisson/payauth-gateway/internal/errors"
)

// VaultReader is the subset of the vault client the resolver depends on.
type VaultReader interface {
	ReadCredential(ctx context.Context, clientID string) (*domain.Credential, error)
	ReadCredentialVersion(ctx context.Context, clientID, version string) (*domain.Credential, error)
	ReadRotationRecord(ctx context.Context, clientID string) (*domain.RotationRecord, error)
}

// StatsRecorder is notified which credential version authenticated a
// request during a rotation window, so the rotation controller can track
// per-version counters without the resolver owning vault writes to
// rotation metadata.
type StatsRecorder interface {
	RecordMatch(ctx context.Context, clientID, version string, deprecated bool)
}

type noopStatsRecorder struct{}

func (noopStatsRecorder) RecordMatch(context.Context, string, string, bool) {}

// Resolver retrieves and validates client credentials, preferring the cache
// and falling back to it entirely when vault is unavailable.
type Resolver struct {
	vault  VaultReader
	cache  cache.Cache
	hasher SecretHasher
	stats  StatsRecorder
}

// New builds a Resolver over the given vault reader, cache, and hasher.
// stats may be nil; a no-op recorder is used in that case.
func New(vault VaultReader, c cache.Cache, hasher SecretHasher, stats StatsRecorder) *Resolver {
	if stats == nil {
		stats = noopStatsRecorder{}
	}
	return &Resolver{vault: vault, cache: c, hasher: hasher, stats: stats}
}

// Resolve performs a vault read, populating the cache on success.
func (r *Resolver) Resolve(ctx context.Context, clientID string) (*domain.Credential, error) {
	cred, err := r.vault.ReadCredential(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if putErr := r.cache.PutCredential(ctx, cred); putErr != nil {
		// Cache is advisory; a population failure never fails the resolve.
		_ = putErr
	}
	return cred, nil
}

// ResolveWithFallback resolves via vault, falling back to a non-expired
// cached credential when vault is unavailable. When vault is down and the
// cache has nothing either, the vault error is returned so the caller can
// surface the outage instead of a credential mismatch.
func (r *Resolver) ResolveWithFallback(ctx context.Context, clientID string) (*domain.Credential, error) {
	cred, err := r.Resolve(ctx, clientID)
	if err == nil {
		return cred, nil
	}
	if !apperrors.Is(err, apperrors.ErrVaultUnavailable) {
		return nil, err
	}

	if cached, ok := r.cache.GetCredential(ctx, clientID); ok {
		return cached, nil
	}
	return nil, err
}

// Validate resolves the credential via vault only (no fallback) and checks
// the presented secret against it. During rotation, a presented secret is
// checked against both the DUAL_ACTIVE and OLD_DEPRECATED versions stored
// for the client; a match against either increments that version's stat
// counter via the configured StatsRecorder.
func (r *Resolver) Validate(ctx context.Context, clientID, presentedSecret string) bool {
	cred, err := r.Resolve(ctx, clientID)
	if err != nil || cred == nil {
		r.hasher.RunDecoyVerify(presentedSecret)
		return false
	}
	return r.checkSecret(ctx, clientID, cred, presentedSecret)
}

// ValidateWithFallback is Validate, but uses the cache when vault is
// unavailable. The returned error is non-nil only when vault was down AND
// the cache had no stand-in credential: the one failure a caller must
// report as an outage rather than a credential mismatch. Every other miss
// (unknown client, inactive, wrong secret) is (false, nil).
func (r *Resolver) ValidateWithFallback(ctx context.Context, clientID, presentedSecret string) (bool, error) {
	cred, err := r.ResolveWithFallback(ctx, clientID)
	switch {
	case err != nil && apperrors.Is(err, apperrors.ErrVaultUnavailable):
		r.hasher.RunDecoyVerify(presentedSecret)
		return false, err
	case err != nil || cred == nil:
		r.hasher.RunDecoyVerify(presentedSecret)
		return false, nil
	}
	return r.checkSecret(ctx, clientID, cred, presentedSecret), nil
}

// checkSecret applies the active/expired guard before ever touching the
// hasher, then compares against one or two credential versions depending on
// rotation_state.
func (r *Resolver) checkSecret(ctx context.Context, clientID string, cred *domain.Credential, presentedSecret string) bool {
	if !cred.Authenticatable(time.Now()) {
		r.hasher.RunDecoyVerify(presentedSecret)
		return false
	}

	switch cred.RotationState {
	case domain.StateDualActive, domain.StateOldDeprecated:
		return r.checkDualVersion(ctx, clientID, cred, presentedSecret)
	default:
		if r.hasher.CompareSecret(presentedSecret, cred.HashedSecret) {
			return true
		}
		r.hasher.RunDecoyVerify("")
		return false
	}
}

// checkDualVersion compares the presented secret against both the current
// (new) and old credential versions active during a rotation window.
// Both comparisons always run so timing does not reveal which version (if
// either) matched.
func (r *Resolver) checkDualVersion(ctx context.Context, clientID string, newCred *domain.Credential, presentedSecret string) bool {
	rec, err := r.vault.ReadRotationRecord(ctx, clientID)
	if err != nil || rec == nil {
		return r.hasher.CompareSecret(presentedSecret, newCred.HashedSecret)
	}

	oldCred, oldErr := r.vault.ReadCredentialVersion(ctx, clientID, rec.OldVersion)

	newMatch := r.hasher.CompareSecret(presentedSecret, newCred.HashedSecret)
	oldMatch := false
	if oldErr == nil && oldCred != nil {
		oldMatch = r.hasher.CompareSecret(presentedSecret, oldCred.HashedSecret)
	} else {
		r.hasher.RunDecoyVerify(presentedSecret)
	}

	switch {
	case newMatch:
		r.stats.RecordMatch(ctx, clientID, rec.NewVersion, false)
		return true
	case oldMatch:
		r.stats.RecordMatch(ctx, clientID, rec.OldVersion, newCred.RotationState == domain.StateOldDeprecated)
		return true
	default:
		return false
	}
}

// ValidGuard reports whether client_id and secret are well-formed enough to
// even attempt resolution; blank input is an immediate deny with no vault
// call, per the resolver's edge-case contract.
func ValidGuard(clientID, secret string) bool {
	return strings.TrimSpace(clientID) != "" && strings.TrimSpace(secret) != ""
}
