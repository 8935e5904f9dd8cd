package credential

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestArgon2Hasher_HashAndCompare(t *testing.T) {
	hasher, err := NewSecretHasher()
	require.NoError(t, err)

	hashed, err := hasher.HashSecret("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", hashed)

	assert.True(t, hasher.CompareSecret("s3cret", hashed))
	assert.False(t, hasher.CompareSecret("wrong", hashed))
}

func TestArgon2Hasher_CompareLegacyBcryptHash(t *testing.T) {
	hasher, err := NewSecretHasher()
	require.NoError(t, err)

	legacy, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	assert.True(t, hasher.CompareSecret("s3cret", string(legacy)))
	assert.False(t, hasher.CompareSecret("wrong", string(legacy)))
}

func TestArgon2Hasher_RunDecoyVerify_NeverPanics(t *testing.T) {
	hasher, err := NewSecretHasher()
	require.NoError(t, err)
	assert.NotPanics(t, func() { hasher.RunDecoyVerify("anything") })
}
