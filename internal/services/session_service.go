package services

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"securechat-backend/database"
	"securechat-backend/internal/models"
)

// SessionService manages conversation sessions: one active symmetric key
// per unordered participant pair, wrapped once per participant so each side
// can recover it with their own private key. It is the only writer of
// conversation_sessions rows.
type SessionService struct {
	db       *sql.DB
	keyStore *KeyStoreService
}

// NewSessionService creates a new session service
func NewSessionService(db *sql.DB, keyStore *KeyStoreService) *SessionService {
	return &SessionService{db: db, keyStore: keyStore}
}

// ConversationID derives the deterministic conversation id for a pair of
// principals: SHA-256 over the lexicographically sorted ids, shaped into a
// v4 UUID. Both initiators compute the same id, which lets the primary key
// collapse concurrent create calls onto one row.
func ConversationID(principalA, principalB string) string {
	smaller, larger := principalA, principalB
	if larger < smaller {
		smaller, larger = larger, smaller
	}

	h := sha256.New()
	h.Write([]byte(smaller))
	h.Write([]byte(larger))
	sum := h.Sum(nil)

	var id uuid.UUID
	copy(id[:], sum[:16])
	id[6] = (id[6] & 0x0f) | 0x40 // Version 4
	id[8] = (id[8] & 0x3f) | 0x80 // Variant 1

	return id.String()
}

// CreateOrGetSession returns the active session for the pair, creating it
// if needed. The insert races under the deterministic primary key: the
// loser of a concurrent create observes the uniqueness conflict and
// re-reads the winner's row instead of erroring.
func (s *SessionService) CreateOrGetSession(principalA, principalB string) (*models.ConversationSession, error) {
	if principalA == principalB {
		return nil, fmt.Errorf("cannot create a conversation with yourself")
	}

	conversationID := ConversationID(principalA, principalB)

	session, err := s.GetSession(conversationID)
	if err == nil {
		if !session.IsActive {
			return nil, fmt.Errorf("%w: %s", ErrSessionInactive, conversationID)
		}
		if err := s.touchSession(conversationID); err != nil {
			return nil, err
		}
		return session, nil
	}
	if err != ErrConversationNotFound {
		return nil, err
	}

	// Both participants must have initialized keys before a session can
	// wrap its key for them.
	keyA, err := s.keyStore.GetPublicKey(principalA, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPrincipalNotFound, principalA)
	}
	keyB, err := s.keyStore.GetPublicKey(principalB, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPrincipalNotFound, principalB)
	}

	// Fresh random 256-bit session key, wrapped once per participant.
	sessionKey := make([]byte, 32)
	if _, err := rand.Read(sessionKey); err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}

	wrapA, err := wrapSessionKey(sessionKey, keyA)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap session key for %s: %w", principalA, err)
	}
	wrapB, err := wrapSessionKey(sessionKey, keyB)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap session key for %s: %w", principalB, err)
	}
	wrapA.SessionID = conversationID
	wrapB.SessionID = conversationID

	now := time.Now()
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO conversation_sessions (id, participant_a, participant_b, is_active, created_at, last_used)
		VALUES (?, ?, ?, 1, ?, ?)`,
		conversationID, principalA, principalB, now, now,
	)
	if err != nil {
		if database.IsUniqueConstraintError(err) {
			// Lost the create race; the winner's row is the session.
			tx.Rollback()
			return s.GetSession(conversationID)
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	for _, wrap := range []*models.WrappedKey{wrapA, wrapB} {
		_, err = tx.Exec(`
			INSERT INTO session_participant_keys (session_id, principal_id, key_version, ephemeral_pub, nonce, wrapped_key)
			VALUES (?, ?, ?, ?, ?, ?)`,
			wrap.SessionID, wrap.PrincipalID, wrap.KeyVersion, wrap.EphemeralPub, wrap.Nonce, wrap.WrappedKey,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to store wrapped key: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session: %w", err)
	}

	return &models.ConversationSession{
		ID:           conversationID,
		ParticipantA: principalA,
		ParticipantB: principalB,
		IsActive:     true,
		CreatedAt:    now,
		LastUsed:     now,
		WrappedKeys:  []models.WrappedKey{*wrapA, *wrapB},
	}, nil
}

// GetSession loads a session and its wrapped keys by conversation id.
func (s *SessionService) GetSession(conversationID string) (*models.ConversationSession, error) {
	var session models.ConversationSession
	err := s.db.QueryRow(`
		SELECT id, participant_a, participant_b, is_active, created_at, last_used
		FROM conversation_sessions WHERE id = ?`,
		conversationID,
	).Scan(
		&session.ID,
		&session.ParticipantA,
		&session.ParticipantB,
		&session.IsActive,
		&session.CreatedAt,
		&session.LastUsed,
	)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT session_id, principal_id, key_version, ephemeral_pub, nonce, wrapped_key
		FROM session_participant_keys WHERE session_id = ?`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load wrapped keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var wrap models.WrappedKey
		if err := rows.Scan(&wrap.SessionID, &wrap.PrincipalID, &wrap.KeyVersion, &wrap.EphemeralPub, &wrap.Nonce, &wrap.WrappedKey); err != nil {
			return nil, fmt.Errorf("failed to scan wrapped key: %w", err)
		}
		session.WrappedKeys = append(session.WrappedKeys, wrap)
	}

	return &session, nil
}

// SessionsFor returns the active sessions a principal participates in. The
// delivery coordinator uses this to find the peers to notify on presence
// changes.
func (s *SessionService) SessionsFor(principalID string) ([]*models.ConversationSession, error) {
	rows, err := s.db.Query(`
		SELECT id, participant_a, participant_b, is_active, created_at, last_used
		FROM conversation_sessions
		WHERE (participant_a = ? OR participant_b = ?) AND is_active = 1`,
		principalID, principalID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.ConversationSession
	for rows.Next() {
		var session models.ConversationSession
		if err := rows.Scan(&session.ID, &session.ParticipantA, &session.ParticipantB, &session.IsActive, &session.CreatedAt, &session.LastUsed); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, &session)
	}

	return sessions, nil
}

// UnwrapSessionKey recovers the session's symmetric key for one
// participant using their private key at the version recorded on the wrap.
// ErrUnauthorized for non-participants; ErrKeyUnavailable when the wrap
// references key material the key store no longer holds — fatal for this
// session, never silently retried.
func (s *SessionService) UnwrapSessionKey(session *models.ConversationSession, principalID string, credential []byte) ([]byte, error) {
	if !session.HasParticipant(principalID) {
		return nil, fmt.Errorf("%w: %s is not a participant of %s", ErrUnauthorized, principalID, session.ID)
	}

	var wrap *models.WrappedKey
	for i := range session.WrappedKeys {
		if session.WrappedKeys[i].PrincipalID == principalID {
			wrap = &session.WrappedKeys[i]
			break
		}
	}
	if wrap == nil {
		return nil, fmt.Errorf("%w: no wrapped key for %s", ErrKeyUnavailable, principalID)
	}

	priv, err := s.keyStore.privateKey(principalID, wrap.KeyVersion, credential)
	if err != nil {
		return nil, err
	}

	return unwrapSessionKey(wrap, priv)
}

// wrapSessionKey seals the session key for one recipient: an ephemeral
// X25519 exchange against the recipient's active public key, HKDF-SHA256 to
// a wrapping key, AES-256-GCM to seal.
func wrapSessionKey(sessionKey []byte, recipient *models.KeyPair) (*models.WrappedKey, error) {
	recipientPub, err := base64.StdEncoding.DecodeString(recipient.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient public key: %w", err)
	}

	ephPriv := make([]byte, 32)
	if _, err := rand.Read(ephPriv); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	ephPriv[0] &= 248
	ephPriv[31] &= 127
	ephPriv[31] |= 64

	var ephPub [32]byte
	curve25519.ScalarBaseMult(&ephPub, (*[32]byte)(ephPriv))

	shared, err := curve25519.X25519(ephPriv, recipientPub)
	if err != nil {
		return nil, fmt.Errorf("key exchange failed: %w", err)
	}

	wrappingKey, err := deriveWrappingKey(shared)
	if err != nil {
		return nil, err
	}

	nonce, sealed, err := sealWithKey(wrappingKey, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to seal session key: %w", err)
	}

	return &models.WrappedKey{
		PrincipalID:  recipient.PrincipalID,
		KeyVersion:   recipient.KeyVersion,
		EphemeralPub: base64.StdEncoding.EncodeToString(ephPub[:]),
		Nonce:        base64.StdEncoding.EncodeToString(nonce),
		WrappedKey:   base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// unwrapSessionKey reverses wrapSessionKey with the participant's private
// key.
func unwrapSessionKey(wrap *models.WrappedKey, priv []byte) ([]byte, error) {
	ephPub, err := base64.StdEncoding.DecodeString(wrap.EphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt ephemeral key", ErrKeyUnavailable)
	}
	nonce, err := base64.StdEncoding.DecodeString(wrap.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt wrap nonce", ErrKeyUnavailable)
	}
	sealed, err := base64.StdEncoding.DecodeString(wrap.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt wrapped key", ErrKeyUnavailable)
	}

	shared, err := curve25519.X25519(priv, ephPub)
	if err != nil {
		return nil, fmt.Errorf("%w: key exchange failed", ErrKeyUnavailable)
	}

	wrappingKey, err := deriveWrappingKey(shared)
	if err != nil {
		return nil, err
	}

	sessionKey, err := openWithKey(wrappingKey, nonce, sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open session key wrap", ErrKeyUnavailable)
	}

	return sessionKey, nil
}

// deriveWrappingKey stretches an X25519 shared secret into an AES-256 key.
func deriveWrappingKey(shared []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, shared, nil, []byte("securechat-session-wrap-v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive wrapping key: %w", err)
	}
	return key, nil
}

// touchSession bumps last_used on every create-or-get hit.
func (s *SessionService) touchSession(conversationID string) error {
	_, err := s.db.Exec(
		`UPDATE conversation_sessions SET last_used = ? WHERE id = ?`,
		time.Now(), conversationID,
	)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}
