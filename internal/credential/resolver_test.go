package credential

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allisson/payauth-gateway/internal/cache"
	"github.com/allisson/payauth-gateway/internal/domain"
	apperrors "github.com/allisson/payauth-gateway/internal/errors"
)

// fakeHasher treats "correct:<x>" hashes as matching presented secret "<x>",
// and counts decoy invocations so tests can assert the decoy path ran.
type fakeHasher struct {
	decoyCalls int
}

func (f *fakeHasher) HashSecret(plain string) (string, error) { return "correct:" + plain, nil }
func (f *fakeHasher) CompareSecret(plain, hashed string) bool  { return hashed == "correct:"+plain }
func (f *fakeHasher) RunDecoyVerify(string)                   { f.decoyCalls++ }

type fakeVault struct {
	creds     map[string]*domain.Credential
	versions  map[string]*domain.Credential // key: clientID+"/"+version
	rotations map[string]*domain.RotationRecord
	err       error
}

func newFakeVault() *fakeVault {
	return &fakeVault{
		creds:     map[string]*domain.Credential{},
		versions:  map[string]*domain.Credential{},
		rotations: map[string]*domain.RotationRecord{},
	}
}

func (v *fakeVault) ReadCredential(ctx context.Context, clientID string) (*domain.Credential, error) {
	if v.err != nil {
		return nil, v.err
	}
	cred, ok := v.creds[clientID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return cred, nil
}

func (v *fakeVault) ReadCredentialVersion(ctx context.Context, clientID, version string) (*domain.Credential, error) {
	cred, ok := v.versions[clientID+"/"+version]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return cred, nil
}

func (v *fakeVault) ReadRotationRecord(ctx context.Context, clientID string) (*domain.RotationRecord, error) {
	rec, ok := v.rotations[clientID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return rec, nil
}

type recordingStats struct {
	calls []string
}

func (r *recordingStats) RecordMatch(_ context.Context, clientID, version string, deprecated bool) {
	r.calls = append(r.calls, clientID+":"+version)
}

func newTestCache(t *testing.T) cache.Cache {
	t.Helper()
	c, err := cache.NewMemoryCache(64, 15*time.Minute, nil)
	require.NoError(t, err)
	return c
}

func TestResolver_Resolve_PopulatesCache(t *testing.T) {
	ctx := context.Background()
	v := newFakeVault()
	v.creds["acme"] = &domain.Credential{ClientID: "acme", HashedSecret: "correct:s3cret", Active: true}
	c := newTestCache(t)
	r := New(v, c, &fakeHasher{}, nil)

	cred, err := r.Resolve(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", cred.ClientID)

	cached, ok := c.GetCredential(ctx, "acme")
	require.True(t, ok)
	assert.Equal(t, "acme", cached.ClientID)
}

func TestResolver_ResolveWithFallback_UsesCacheOnVaultOutage(t *testing.T) {
	ctx := context.Background()
	v := newFakeVault()
	v.creds["acme"] = &domain.Credential{ClientID: "acme", HashedSecret: "correct:s3cret", Active: true}
	c := newTestCache(t)
	r := New(v, c, &fakeHasher{}, nil)

	_, err := r.Resolve(ctx, "acme")
	require.NoError(t, err)

	v.err = apperrors.ErrVaultUnavailable
	cred, err := r.ResolveWithFallback(ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "acme", cred.ClientID)
}

func TestResolver_ResolveWithFallback_SurfacesOutageWhenNoCacheAndVaultDown(t *testing.T) {
	ctx := context.Background()
	v := newFakeVault()
	v.err = apperrors.ErrVaultUnavailable
	c := newTestCache(t)
	r := New(v, c, &fakeHasher{}, nil)

	cred, err := r.ResolveWithFallback(ctx, "acme")
	assert.ErrorIs(t, err, apperrors.ErrVaultUnavailable)
	assert.Nil(t, cred)
}

func TestResolver_ValidateWithFallback_VaultOutage(t *testing.T) {
	ctx := context.Background()
	v := newFakeVault()
	v.creds["acme"] = &domain.Credential{ClientID: "acme", HashedSecret: "correct:s3cret", Active: true}
	c := newTestCache(t)
	r := New(v, c, &fakeHasher{}, nil)

	// Warm the credential cache, then take vault down.
	ok, err := r.ValidateWithFallback(ctx, "acme", "s3cret")
	require.NoError(t, err)
	require.True(t, ok)

	v.err = apperrors.ErrVaultUnavailable
	ok, err = r.ValidateWithFallback(ctx, "acme", "s3cret")
	require.NoError(t, err)
	assert.True(t, ok, "cached credential must stand in during the outage")

	// A cold cache during the outage reports the outage itself.
	ok, err = r.ValidateWithFallback(ctx, "other", "whatever")
	assert.False(t, ok)
	assert.ErrorIs(t, err, apperrors.ErrVaultUnavailable)
}

func TestResolver_Validate_Success(t *testing.T) {
	ctx := context.Background()
	v := newFakeVault()
	v.creds["acme"] = &domain.Credential{ClientID: "acme", HashedSecret: "correct:s3cret", Active: true}
	r := New(v, newTestCache(t), &fakeHasher{}, nil)

	assert.True(t, r.Validate(ctx, "acme", "s3cret"))
}

func TestResolver_Validate_WrongSecret(t *testing.T) {
	ctx := context.Background()
	v := newFakeVault()
	v.creds["acme"] = &domain.Credential{ClientID: "acme", HashedSecret: "correct:s3cret", Active: true}
	r := New(v, newTestCache(t), &fakeHasher{}, nil)

	assert.False(t, r.Validate(ctx, "acme", "wrong"))
}

func TestResolver_Validate_UnknownClient_RunsDecoy(t *testing.T) {
	ctx := context.Background()
	v := newFakeVault()
	hasher := &fakeHasher{}
	r := New(v, newTestCache(t), hasher, nil)

	assert.False(t, r.Validate(ctx, "nobody", "whatever"))
	assert.Equal(t, 1, hasher.decoyCalls)
}

func TestResolver_Validate_InactiveCredential_Denies(t *testing.T) {
	ctx := context.Background()
	v := newFakeVault()
	v.creds["acme"] = &domain.Credential{ClientID: "acme", HashedSecret: "correct:s3cret", Active: false}
	r := New(v, newTestCache(t), &fakeHasher{}, nil)

	assert.False(t, r.Validate(ctx, "acme", "s3cret"))
}

func TestResolver_Validate_ExpiredCredential_Denies(t *testing.T) {
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	v := newFakeVault()
	v.creds["acme"] = &domain.Credential{ClientID: "acme", HashedSecret: "correct:s3cret", Active: true, ExpiresAt: &past}
	r := New(v, newTestCache(t), &fakeHasher{}, nil)

	assert.False(t, r.Validate(ctx, "acme", "s3cret"))
}

func TestResolver_Validate_DualActive_BothVersionsAuthenticate(t *testing.T) {
	ctx := context.Background()
	v := newFakeVault()
	v.creds["acme"] = &domain.Credential{ClientID: "acme", HashedSecret: "correct:new-secret", Active: true, RotationState: domain.StateDualActive}
	v.versions["acme/v1"] = &domain.Credential{ClientID: "acme", HashedSecret: "correct:old-secret", Active: true, Version: "v1"}
	v.rotations["acme"] = &domain.RotationRecord{ClientID: "acme", State: domain.StateDualActive, OldVersion: "v1", NewVersion: "v2"}
	stats := &recordingStats{}
	r := New(v, newTestCache(t), &fakeHasher{}, stats)

	assert.True(t, r.Validate(ctx, "acme", "new-secret"))
	assert.True(t, r.Validate(ctx, "acme", "old-secret"))
	assert.False(t, r.Validate(ctx, "acme", "garbage"))

	assert.Contains(t, stats.calls, "acme:v2")
	assert.Contains(t, stats.calls, "acme:v1")
}

func TestResolver_Validate_OldDeprecated_OldVersionStillAuthenticates(t *testing.T) {
	ctx := context.Background()
	v := newFakeVault()
	v.creds["acme"] = &domain.Credential{ClientID: "acme", HashedSecret: "correct:new-secret", Active: true, RotationState: domain.StateOldDeprecated}
	v.versions["acme/v1"] = &domain.Credential{ClientID: "acme", HashedSecret: "correct:old-secret", Active: true, Version: "v1"}
	v.rotations["acme"] = &domain.RotationRecord{ClientID: "acme", State: domain.StateOldDeprecated, OldVersion: "v1", NewVersion: "v2"}
	stats := &recordingStats{}
	r := New(v, newTestCache(t), &fakeHasher{}, stats)

	assert.True(t, r.Validate(ctx, "acme", "old-secret"))
	assert.Contains(t, stats.calls, "acme:v1")
}

func TestValidGuard(t *testing.T) {
	assert.True(t, ValidGuard("acme", "s3cret"))
	assert.False(t, ValidGuard("", "s3cret"))
	assert.False(t, ValidGuard("acme", ""))
	assert.False(t, ValidGuard("  ", "s3cret"))
	assert.False(t, ValidGuard("acme", "   "))
}
