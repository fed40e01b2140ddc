package services

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestCodecRoundTrip(t *testing.T) {
	codec := NewMessageCodec()
	key := randomKey(t)

	ciphertext, nonce, digest, err := codec.Encode(key, "hello, world")
	require.NoError(t, err)
	assert.NotEmpty(t, ciphertext)
	assert.NotEmpty(t, nonce)
	assert.NotEmpty(t, digest)

	plaintext, err := codec.Decode(key, ciphertext, nonce, digest)
	require.NoError(t, err)
	assert.Equal(t, "hello, world", plaintext)
}

func TestCodecEmptyPlaintext(t *testing.T) {
	codec := NewMessageCodec()
	key := randomKey(t)

	ciphertext, nonce, digest, err := codec.Encode(key, "")
	require.NoError(t, err)

	plaintext, err := codec.Decode(key, ciphertext, nonce, digest)
	require.NoError(t, err)
	assert.Equal(t, "", plaintext)
}

func TestCodecFreshNonces(t *testing.T) {
	codec := NewMessageCodec()
	key := randomKey(t)

	_, nonce1, _, err := codec.Encode(key, "same message")
	require.NoError(t, err)
	_, nonce2, _, err := codec.Encode(key, "same message")
	require.NoError(t, err)

	assert.NotEqual(t, nonce1, nonce2)
}

func TestCodecTamperedCiphertext(t *testing.T) {
	codec := NewMessageCodec()
	key := randomKey(t)

	ciphertext, nonce, digest, err := codec.Encode(key, "original content")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	require.NoError(t, err)
	raw[0] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = codec.Decode(key, tampered, nonce, digest)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIntegrityViolation)
}

func TestCodecTamperedDigest(t *testing.T) {
	codec := NewMessageCodec()
	key := randomKey(t)

	ciphertext, nonce, _, err := codec.Encode(key, "original content")
	require.NoError(t, err)

	_, err = codec.Decode(key, ciphertext, nonce, "0000000000000000000000000000000000000000000000000000000000000000")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIntegrityViolation)
}

func TestCodecWrongKey(t *testing.T) {
	codec := NewMessageCodec()

	ciphertext, nonce, digest, err := codec.Encode(randomKey(t), "secret")
	require.NoError(t, err)

	// Digest still matches (it covers the ciphertext, not the key), but
	// authenticated decryption must fail.
	_, err = codec.Decode(randomKey(t), ciphertext, nonce, digest)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIntegrityViolation)
}

func TestCodecGarbageEncoding(t *testing.T) {
	codec := NewMessageCodec()
	key := randomKey(t)

	_, err := codec.Decode(key, "not-base64!!!", "also-not-base64!!!", "digest")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIntegrityViolation)
}
