package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securechat-backend/internal/models"
)

func TestInitializeKeys(t *testing.T) {
	ts := newTestStack(t)
	credential, err := ts.auth.KeyCredential("alice")
	require.NoError(t, err)

	pair, err := ts.keyStore.InitializeKeys("alice", credential)
	require.NoError(t, err)
	assert.Equal(t, "alice", pair.PrincipalID)
	assert.Equal(t, 1, pair.KeyVersion)
	assert.Equal(t, models.KeyAlgorithmX25519, pair.Algorithm)
	assert.True(t, pair.IsActive)
	assert.NotEmpty(t, pair.PublicKey)
}

func TestInitializeKeysTwiceFails(t *testing.T) {
	ts := newTestStack(t)
	credential := ts.initPrincipal(t, "alice")

	_, err := ts.keyStore.InitializeKeys("alice", credential)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestRotateKeys(t *testing.T) {
	ts := newTestStack(t)
	credential := ts.initPrincipal(t, "alice")

	v1, err := ts.keyStore.GetPublicKey("alice", 0)
	require.NoError(t, err)

	rotated, err := ts.keyStore.RotateKeys("alice", credential)
	require.NoError(t, err)
	assert.Equal(t, 2, rotated.KeyVersion)
	assert.True(t, rotated.IsActive)
	assert.NotEqual(t, v1.PublicKey, rotated.PublicKey)

	// The active version is now v2.
	active, err := ts.keyStore.GetPublicKey("alice", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, active.KeyVersion)

	// v1 is still fetchable by explicit version, just no longer active.
	old, err := ts.keyStore.GetPublicKey("alice", 1)
	require.NoError(t, err)
	assert.False(t, old.IsActive)
	assert.Equal(t, v1.PublicKey, old.PublicKey)
}

func TestRotateKeysUnknownPrincipal(t *testing.T) {
	ts := newTestStack(t)
	credential, err := ts.auth.KeyCredential("ghost")
	require.NoError(t, err)

	_, err = ts.keyStore.RotateKeys("ghost", credential)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPrincipalNotFound)
}

func TestGetPublicKeyUnknown(t *testing.T) {
	ts := newTestStack(t)

	_, err := ts.keyStore.GetPublicKey("nobody", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	ts.initPrincipal(t, "alice")
	_, err = ts.keyStore.GetPublicKey("alice", 7)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestPrivateKeyWrongCredential(t *testing.T) {
	ts := newTestStack(t)
	ts.initPrincipal(t, "alice")

	wrongCredential, err := ts.auth.KeyCredential("bob")
	require.NoError(t, err)

	_, err = ts.keyStore.privateKey("alice", 1, wrongCredential)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyUnavailable)
}

func TestPrivateKeyRoundTrip(t *testing.T) {
	ts := newTestStack(t)
	credential := ts.initPrincipal(t, "alice")

	priv, err := ts.keyStore.privateKey("alice", 1, credential)
	require.NoError(t, err)
	assert.Len(t, priv, 32)

	_, err = ts.keyStore.privateKey("alice", 2, credential)
	assert.ErrorIs(t, err, ErrKeyUnavailable)
}
