package services

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/crypto/curve25519"

	"securechat-backend/internal/models"
)

// KeyStoreService owns every principal's asymmetric key pairs. It is the
// only component that ever sees a private key in cleartext; everything else
// works with public keys or wrapped session keys.
type KeyStoreService struct {
	db *sql.DB
}

// NewKeyStoreService creates a new key store service
func NewKeyStoreService(db *sql.DB) *KeyStoreService {
	return &KeyStoreService{db: db}
}

// InitializeKeys generates a fresh X25519 key pair for the principal,
// encrypts the private half under the caller's credential and persists it
// as key version 1. Returns ErrAlreadyInitialized when an active version
// already exists.
func (s *KeyStoreService) InitializeKeys(principalID string, credential []byte) (*models.KeyPair, error) {
	var existing int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM encryption_keys WHERE principal_id = ? AND is_active = 1`,
		principalID,
	).Scan(&existing)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing keys: %w", err)
	}
	if existing > 0 {
		return nil, ErrAlreadyInitialized
	}

	// Make sure the principal row exists before the first key version.
	_, err = s.db.Exec(
		`INSERT OR IGNORE INTO principals (id, created_at) VALUES (?, ?)`,
		principalID, time.Now(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register principal: %w", err)
	}

	return s.storeNewVersion(principalID, 1, credential)
}

// RotateKeys supersedes the active key version with a fresh pair. Prior
// versions stay retrievable so session keys wrapped under them still unwrap;
// sessions created after rotation use the new public key.
func (s *KeyStoreService) RotateKeys(principalID string, credential []byte) (*models.KeyPair, error) {
	var currentVersion int
	err := s.db.QueryRow(
		`SELECT key_version FROM encryption_keys WHERE principal_id = ? AND is_active = 1`,
		principalID,
	).Scan(&currentVersion)
	if err == sql.ErrNoRows {
		return nil, ErrPrincipalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up active key: %w", err)
	}

	_, err = s.db.Exec(
		`UPDATE encryption_keys SET is_active = 0 WHERE principal_id = ? AND is_active = 1`,
		principalID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to deactivate key version %d: %w", currentVersion, err)
	}

	return s.storeNewVersion(principalID, currentVersion+1, credential)
}

// GetPublicKey returns the principal's public key at the given version;
// version 0 means the currently active version.
func (s *KeyStoreService) GetPublicKey(principalID string, version int) (*models.KeyPair, error) {
	query := `
		SELECT principal_id, key_version, algorithm, public_key, is_active, created_at
		FROM encryption_keys
		WHERE principal_id = ? AND key_version = ?
	`
	args := []interface{}{principalID, version}
	if version == 0 {
		query = `
			SELECT principal_id, key_version, algorithm, public_key, is_active, created_at
			FROM encryption_keys
			WHERE principal_id = ? AND is_active = 1
		`
		args = []interface{}{principalID}
	}

	var pair models.KeyPair
	err := s.db.QueryRow(query, args...).Scan(
		&pair.PrincipalID,
		&pair.KeyVersion,
		&pair.Algorithm,
		&pair.PublicKey,
		&pair.IsActive,
		&pair.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}

	return &pair, nil
}

// privateKey decrypts and returns the stored private half for one key
// version. Returns ErrKeyUnavailable when the version no longer exists or
// the credential cannot open it; that condition is fatal for any session
// wrapped under it.
func (s *KeyStoreService) privateKey(principalID string, version int, credential []byte) ([]byte, error) {
	var encB64, nonceB64 string
	err := s.db.QueryRow(
		`SELECT private_key_enc, private_nonce FROM encryption_keys WHERE principal_id = ? AND key_version = ?`,
		principalID, version,
	).Scan(&encB64, &nonceB64)
	if err == sql.ErrNoRows {
		return nil, ErrKeyUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load private key: %w", err)
	}

	enc, err := base64.StdEncoding.DecodeString(encB64)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt private key encoding", ErrKeyUnavailable)
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt private key nonce", ErrKeyUnavailable)
	}

	priv, err := openWithKey(credential, nonce, enc)
	if err != nil {
		return nil, fmt.Errorf("%w: credential cannot open key version %d", ErrKeyUnavailable, version)
	}

	return priv, nil
}

// storeNewVersion generates, seals and persists one key version.
func (s *KeyStoreService) storeNewVersion(principalID string, version int, credential []byte) (*models.KeyPair, error) {
	priv := make([]byte, 32)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	// Clamp per RFC 7748
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, (*[32]byte)(priv))

	nonce, sealed, err := sealWithKey(credential, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt private key: %w", err)
	}

	pair := &models.KeyPair{
		PrincipalID:   principalID,
		KeyVersion:    version,
		Algorithm:     models.KeyAlgorithmX25519,
		PublicKey:     base64.StdEncoding.EncodeToString(pub[:]),
		PrivateKeyEnc: base64.StdEncoding.EncodeToString(sealed),
		PrivateNonce:  base64.StdEncoding.EncodeToString(nonce),
		IsActive:      true,
		CreatedAt:     time.Now(),
	}

	_, err = s.db.Exec(`
		INSERT INTO encryption_keys (
			principal_id, key_version, algorithm, public_key, private_key_enc, private_nonce, is_active, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		pair.PrincipalID,
		pair.KeyVersion,
		pair.Algorithm,
		pair.PublicKey,
		pair.PrivateKeyEnc,
		pair.PrivateNonce,
		pair.IsActive,
		pair.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to store key version %d: %w", version, err)
	}

	return pair, nil
}

// sealWithKey encrypts plaintext with AES-256-GCM under a 32-byte key.
func sealWithKey(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return nonce, gcm.Seal(nil, nonce, plaintext, nil), nil
}

// sealWithNonce encrypts with a caller-supplied nonce. The codec owns
// nonce freshness; nothing else may call this with a reused nonce.
func sealWithNonce(key, nonce, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

// openWithKey decrypts an AES-256-GCM sealed payload.
func openWithKey(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}
