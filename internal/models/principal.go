package models

import (
	"time"
)

// Principal represents an authenticated user identity in the messaging core.
// Account management (signup, profile) lives in the external identity
// provider; a principal row exists here as soon as keys are initialized.
type Principal struct {
	ID          string     `json:"id" db:"id"`
	DisplayName string     `json:"displayName" db:"display_name"`
	LastSeen    *time.Time `json:"lastSeen,omitempty" db:"last_seen"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
}

// KeyAlgorithm identifies the asymmetric algorithm of a key pair.
type KeyAlgorithm string

const (
	KeyAlgorithmX25519 KeyAlgorithm = "x25519"
)

// KeyPair is one version of a principal's asymmetric key pair. The private
// half is stored only in encrypted-at-rest form; at most one version per
// principal is active at a time. Superseded versions are retained so that
// session keys wrapped under them remain recoverable.
type KeyPair struct {
	PrincipalID   string       `json:"principalId" db:"principal_id"`
	KeyVersion    int          `json:"keyVersion" db:"key_version"`
	Algorithm     KeyAlgorithm `json:"algorithm" db:"algorithm"`
	PublicKey     string       `json:"publicKey" db:"public_key"`
	PrivateKeyEnc string       `json:"-" db:"private_key_enc"`
	PrivateNonce  string       `json:"-" db:"private_nonce"`
	IsActive      bool         `json:"isActive" db:"is_active"`
	CreatedAt     time.Time    `json:"createdAt" db:"created_at"`
}
