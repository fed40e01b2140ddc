package models

import (
	"time"
)

// ConnState is the delivery coordinator's per-principal connection state.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnReconnecting ConnState = "reconnecting"
)

// PresenceState is ephemeral and in-memory only. It is rebuilt from scratch
// on process restart and is never the source of truth for persisted data.
type PresenceState struct {
	PrincipalID   string    `json:"principalId"`
	State         ConnState `json:"state"`
	Online        bool      `json:"online"`
	TypingIn      string    `json:"typingIn,omitempty"`
	TypingSince   time.Time `json:"-"`
	LastHeartbeat time.Time `json:"-"`
}
