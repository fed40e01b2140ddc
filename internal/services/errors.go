package services

import (
	"errors"
)

// Named failure modes of the messaging core. Callers branch on these with
// errors.Is; everything wrapping them is context only.
var (
	// Authorization errors. Never retried; a denial is permanent for that
	// operation.
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNotAParticipant = errors.New("not a participant")
	ErrSessionInactive = errors.New("session inactive")
	ErrUnauthorized    = errors.New("unauthorized")

	// Key lifecycle errors. Fatal for the affected session until key
	// material is re-established; retrying without new material cannot
	// succeed.
	ErrAlreadyInitialized = errors.New("keys already initialized")
	ErrKeyNotFound        = errors.New("key not found")
	ErrKeyUnavailable     = errors.New("key material unavailable")
	ErrPrincipalNotFound  = errors.New("principal has no initialized keys")

	// Integrity errors. Fatal for the specific envelope only; content must
	// not be shown.
	ErrIntegrityViolation = errors.New("integrity violation")

	// Ledger errors.
	ErrConversationNotFound = errors.New("conversation not found")
)
