package services

import (
	"errors"
	"fmt"
)

// Operation names the guarded entry points of the core.
type Operation string

const (
	OpSendMessage   Operation = "send_message"
	OpGetMessages   Operation = "get_messages"
	OpMarkRead      Operation = "mark_read"
	OpUnreadCount   Operation = "unread_count"
	OpSetTyping     Operation = "set_typing"
	OpUnwrapSession Operation = "unwrap_session"
)

// DenialReason classifies why an operation was refused.
type DenialReason string

const (
	DenialUnauthenticated DenialReason = "unauthenticated"
	DenialNotAParticipant DenialReason = "not_a_participant"
	DenialSessionInactive DenialReason = "session_inactive"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  DenialReason
}

// Err maps a denial onto the error taxonomy; nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	switch d.Reason {
	case DenialUnauthenticated:
		return ErrUnauthenticated
	case DenialSessionInactive:
		return ErrSessionInactive
	default:
		return ErrNotAParticipant
	}
}

// AccessGuard is the single home of membership rules. Every ledger,
// session and delivery entry point not already scoped to self data passes
// through Authorize first, so adding an operation never re-derives the
// authorization logic elsewhere.
type AccessGuard struct {
	sessions *SessionService
}

// NewAccessGuard creates a new access guard
func NewAccessGuard(sessions *SessionService) *AccessGuard {
	return &AccessGuard{sessions: sessions}
}

// Authorize checks that the principal may perform the operation on the
// conversation. Denials short-circuit before any mutation and are never
// retried.
func (g *AccessGuard) Authorize(principalID, conversationID string, op Operation) (Decision, error) {
	if principalID == "" {
		return Decision{Allowed: false, Reason: DenialUnauthenticated}, nil
	}

	session, err := g.sessions.GetSession(conversationID)
	if errors.Is(err, ErrConversationNotFound) {
		// An outsider probing an unknown conversation id gets the same
		// answer as one probing an existing conversation: not a
		// participant, never "no data".
		return Decision{Allowed: false, Reason: DenialNotAParticipant}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("authorization lookup failed: %w", err)
	}

	if !session.HasParticipant(principalID) {
		return Decision{Allowed: false, Reason: DenialNotAParticipant}, nil
	}

	if !session.IsActive {
		return Decision{Allowed: false, Reason: DenialSessionInactive}, nil
	}

	return Decision{Allowed: true}, nil
}
