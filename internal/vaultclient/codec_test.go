package vaultclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allisson/payauth-gateway/internal/domain"
)

func TestEncodeDecodeSecret_CredentialRoundTrip(t *testing.T) {
	cred := &domain.Credential{
		ClientID:      "acme",
		HashedSecret:  "hash",
		Version:       "v1",
		Active:        true,
		RotationState: domain.StateNormal,
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
		UpdatedAt:     time.Now().UTC().Truncate(time.Second),
	}

	data, err := encodeSecret(cred)
	require.NoError(t, err)

	var got domain.Credential
	require.NoError(t, decodeSecret(data, &got))
	assert.Equal(t, cred.ClientID, got.ClientID)
	assert.Equal(t, cred.HashedSecret, got.HashedSecret)
	assert.Equal(t, cred.RotationState, got.RotationState)
	assert.True(t, cred.CreatedAt.Equal(got.CreatedAt))
}

func TestDecodeSecret_InvalidShapeErrors(t *testing.T) {
	var got domain.Credential
	err := decodeSecret(map[string]interface{}{"active": "not-a-bool"}, &got)
	assert.Error(t, err)
}
