package services

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// MessageCodec encrypts and decrypts message payloads with a session key.
// It is stateless and side-effect-free; which key and which version to use
// is always supplied by the caller from the session service.
type MessageCodec struct{}

// NewMessageCodec creates a new message codec
func NewMessageCodec() *MessageCodec {
	return &MessageCodec{}
}

// Encode encrypts plaintext with AES-256-GCM under the session key. The
// nonce is freshly random on every call; 96 random bits make reuse under
// one key negligible over any practical message volume. The digest is
// SHA-256 over ciphertext||nonce and travels with the envelope so tampering
// is detectable before decryption is even attempted.
func (c *MessageCodec) Encode(sessionKey []byte, plaintext string) (ciphertext, nonce, digest string, err error) {
	nonceBytes := make([]byte, 12)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed, err := sealWithNonce(sessionKey, nonceBytes, []byte(plaintext))
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encrypt message: %w", err)
	}

	return base64.StdEncoding.EncodeToString(sealed),
		base64.StdEncoding.EncodeToString(nonceBytes),
		computeDigest(sealed, nonceBytes),
		nil
}

// Decode verifies the digest and decrypts the ciphertext. Any mismatch —
// corrupt encoding, digest mismatch, AEAD failure — comes back as
// ErrIntegrityViolation; the caller must refuse to display the content
// rather than guess.
func (c *MessageCodec) Decode(sessionKey []byte, ciphertext, nonce, digest string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext encoding", ErrIntegrityViolation)
	}
	nonceBytes, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return "", fmt.Errorf("%w: invalid nonce encoding", ErrIntegrityViolation)
	}

	expected := computeDigest(sealed, nonceBytes)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(digest)) != 1 {
		return "", fmt.Errorf("%w: digest mismatch", ErrIntegrityViolation)
	}

	plaintext, err := openWithKey(sessionKey, nonceBytes, sealed)
	if err != nil {
		return "", fmt.Errorf("%w: authenticated decryption failed", ErrIntegrityViolation)
	}

	return string(plaintext), nil
}

// computeDigest hashes ciphertext||nonce to a hex string.
func computeDigest(ciphertext, nonce []byte) string {
	h := sha256.New()
	h.Write(ciphertext)
	h.Write(nonce)
	return hex.EncodeToString(h.Sum(nil))
}
