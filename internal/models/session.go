package models

import (
	"time"
)

// ConversationSession is the encrypted channel between exactly two
// principals. The session id is derived deterministically from the sorted
// participant pair, so concurrent create-or-get calls collapse onto one row.
type ConversationSession struct {
	ID           string    `json:"id" db:"id"`
	ParticipantA string    `json:"participantA" db:"participant_a"`
	ParticipantB string    `json:"participantB" db:"participant_b"`
	IsActive     bool      `json:"isActive" db:"is_active"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
	LastUsed     time.Time `json:"lastUsed" db:"last_used"`

	// One wrapped copy of the session key per participant.
	WrappedKeys []WrappedKey `json:"wrappedKeys,omitempty"`
}

// WrappedKey is the session's symmetric key encrypted for one participant:
// an ephemeral X25519 exchange against the participant's public key at the
// recorded version, sealed with AES-256-GCM.
type WrappedKey struct {
	SessionID    string `json:"sessionId" db:"session_id"`
	PrincipalID  string `json:"principalId" db:"principal_id"`
	KeyVersion   int    `json:"keyVersion" db:"key_version"`
	EphemeralPub string `json:"ephemeralPub" db:"ephemeral_pub"`
	Nonce        string `json:"nonce" db:"nonce"`
	WrappedKey   string `json:"wrappedKey" db:"wrapped_key"`
}

// HasParticipant reports whether the principal belongs to this session.
func (s *ConversationSession) HasParticipant(principalID string) bool {
	return principalID == s.ParticipantA || principalID == s.ParticipantB
}

// PeerOf returns the other participant of the pair, or "" for outsiders.
func (s *ConversationSession) PeerOf(principalID string) string {
	switch principalID {
	case s.ParticipantA:
		return s.ParticipantB
	case s.ParticipantB:
		return s.ParticipantA
	}
	return ""
}
