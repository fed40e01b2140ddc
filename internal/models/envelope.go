package models

import (
	"fmt"
	"time"
)

// MessageKind is the declared content kind of an envelope. The case list is
// closed; adding a kind is a deliberate schema change.
type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindImage  MessageKind = "image"
	MessageKindFile   MessageKind = "file"
	MessageKindSystem MessageKind = "system"
)

// ValidMessageKind reports whether k is one of the known kinds.
func ValidMessageKind(k MessageKind) bool {
	switch k {
	case MessageKindText, MessageKindImage, MessageKindFile, MessageKindSystem:
		return true
	}
	return false
}

// MessageEnvelope is one persisted, encrypted message unit. Envelopes are
// immutable once appended except for the read flag, which only the ledger
// flips.
type MessageEnvelope struct {
	ID             string      `json:"id" db:"id"`
	ConversationID string      `json:"conversationId" db:"conversation_id"`
	Seq            int64       `json:"seq" db:"seq"`
	SenderID       string      `json:"senderId" db:"sender_id"`
	ReceiverID     string      `json:"receiverId" db:"receiver_id"`
	Ciphertext     string      `json:"ciphertext" db:"ciphertext"`
	Nonce          string      `json:"nonce" db:"nonce"`
	Digest         string      `json:"digest" db:"digest"`
	KeyVersion     int         `json:"keyVersion" db:"key_version"`
	Kind           MessageKind `json:"kind" db:"kind"`
	IsRead         bool        `json:"isRead" db:"is_read"`
	IdempotencyKey *string     `json:"idempotencyKey,omitempty" db:"idempotency_key"`
	CreatedAt      time.Time   `json:"createdAt" db:"created_at"`
}

// Validate checks the structural fields an envelope must carry before it is
// eligible for append.
func (e *MessageEnvelope) Validate() error {
	if e.ConversationID == "" {
		return fmt.Errorf("envelope missing conversation id")
	}
	if e.SenderID == "" || e.ReceiverID == "" {
		return fmt.Errorf("envelope missing sender or receiver id")
	}
	if e.Ciphertext == "" || e.Nonce == "" || e.Digest == "" {
		return fmt.Errorf("envelope missing cryptographic components")
	}
	if !ValidMessageKind(e.Kind) {
		return fmt.Errorf("unknown message kind: %s", e.Kind)
	}
	return nil
}

// DecryptedMessage is the view handed back to an authorized caller after the
// codec has verified and opened an envelope. Content stays empty and Failed
// is set when integrity or key checks did not pass.
type DecryptedMessage struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	Seq            int64       `json:"seq"`
	SenderID       string      `json:"senderId"`
	ReceiverID     string      `json:"receiverId"`
	Content        string      `json:"content"`
	Kind           MessageKind `json:"kind"`
	IsRead         bool        `json:"isRead"`
	Failed         bool        `json:"failed,omitempty"`
	FailReason     string      `json:"failReason,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}
