package services

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"securechat-backend/database"
	"securechat-backend/internal/models"
)

// LedgerService is the append-only store of message envelopes. It is the
// sole arbiter of sequence positions and the only writer of the read flag.
// It does not authorize; the access guard runs before any call lands here.
type LedgerService struct {
	db *sql.DB
}

// NewLedgerService creates a new ledger service
func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{db: db}
}

// appendRetries bounds the seq-conflict retry loop under write contention.
const appendRetries = 5

// Append atomically assigns the next sequence position in the envelope's
// conversation and persists it. Two writers racing for the same position
// collide on UNIQUE(conversation_id, seq); the loser recomputes and
// retries. A caller-supplied idempotency key makes a retried append after
// an ambiguous timeout return the original envelope instead of a
// duplicate.
func (s *LedgerService) Append(envelope *models.MessageEnvelope) (int64, error) {
	if err := envelope.Validate(); err != nil {
		return 0, fmt.Errorf("invalid envelope: %w", err)
	}

	if envelope.ID == "" {
		envelope.ID = uuid.New().String()
	}
	envelope.CreatedAt = time.Now()

	var lastErr error
	for attempt := 0; attempt < appendRetries; attempt++ {
		seq, err := s.tryAppend(envelope)
		if err == nil {
			envelope.Seq = seq
			return seq, nil
		}
		if !database.IsUniqueConstraintError(err) {
			return 0, err
		}

		// An idempotency-key conflict means this append already happened;
		// hand back the original write, original timestamp included.
		if envelope.IdempotencyKey != nil {
			if existing, lookupErr := s.findByIdempotencyKey(envelope.ConversationID, *envelope.IdempotencyKey); lookupErr == nil {
				envelope.ID = existing.ID
				envelope.Seq = existing.Seq
				envelope.CreatedAt = existing.CreatedAt
				return existing.Seq, nil
			}
		}

		// Otherwise it was a seq race; recompute and retry.
		lastErr = err
	}

	return 0, fmt.Errorf("append contention exhausted retries: %w", lastErr)
}

func (s *LedgerService) tryAppend(envelope *models.MessageEnvelope) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM message_envelopes WHERE conversation_id = ?`,
		envelope.ConversationID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to compute sequence position: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO message_envelopes (
			id, conversation_id, seq, sender_id, receiver_id,
			ciphertext, nonce, digest, key_version, kind, is_read, idempotency_key, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		envelope.ID,
		envelope.ConversationID,
		seq,
		envelope.SenderID,
		envelope.ReceiverID,
		envelope.Ciphertext,
		envelope.Nonce,
		envelope.Digest,
		envelope.KeyVersion,
		envelope.Kind,
		envelope.IdempotencyKey,
		envelope.CreatedAt,
	)
	if err != nil {
		return 0, err
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit append: %w", err)
	}

	return seq, nil
}

// ReadSince returns envelopes with seq > afterSeq in ascending order, up to
// limit. The same arguments always yield the same prefix regardless of
// appends racing past the read; an envelope visible to an earlier read is
// never skipped.
func (s *LedgerService) ReadSince(conversationID string, afterSeq int64, limit int) ([]*models.MessageEnvelope, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT id, conversation_id, seq, sender_id, receiver_id,
		       ciphertext, nonce, digest, key_version, kind, is_read, idempotency_key, created_at
		FROM message_envelopes
		WHERE conversation_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`,
		conversationID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read envelopes: %w", err)
	}
	defer rows.Close()

	var envelopes []*models.MessageEnvelope
	for rows.Next() {
		var envelope models.MessageEnvelope
		err := rows.Scan(
			&envelope.ID,
			&envelope.ConversationID,
			&envelope.Seq,
			&envelope.SenderID,
			&envelope.ReceiverID,
			&envelope.Ciphertext,
			&envelope.Nonce,
			&envelope.Digest,
			&envelope.KeyVersion,
			&envelope.Kind,
			&envelope.IsRead,
			&envelope.IdempotencyKey,
			&envelope.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan envelope: %w", err)
		}
		envelopes = append(envelopes, &envelope)
	}

	return envelopes, rows.Err()
}

// MarkRead flips the read flag on all envelopes addressed to the principal
// in the conversation and returns the number flipped. Idempotent: a second
// call with nothing new to mark returns 0.
func (s *LedgerService) MarkRead(conversationID, principalID string) (int64, error) {
	result, err := s.db.Exec(`
		UPDATE message_envelopes SET is_read = 1
		WHERE conversation_id = ? AND receiver_id = ? AND is_read = 0`,
		conversationID, principalID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count marked messages: %w", err)
	}

	return count, nil
}

// UnreadCount returns how many envelopes addressed to the principal are
// still unread in the conversation.
func (s *LedgerService) UnreadCount(conversationID, principalID string) (int64, error) {
	var count int64
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM message_envelopes
		WHERE conversation_id = ? AND receiver_id = ? AND is_read = 0`,
		conversationID, principalID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}

	return count, nil
}

func (s *LedgerService) findByIdempotencyKey(conversationID, key string) (*models.MessageEnvelope, error) {
	var envelope models.MessageEnvelope
	err := s.db.QueryRow(`
		SELECT id, seq, created_at FROM message_envelopes
		WHERE conversation_id = ? AND idempotency_key = ?`,
		conversationID, key,
	).Scan(&envelope.ID, &envelope.Seq, &envelope.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("idempotency key lookup failed: %w", err)
	}

	return &envelope, nil
}
