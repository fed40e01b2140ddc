package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorizeParticipant(t *testing.T) {
	ts := newTestStack(t)
	ts.initPrincipal(t, "alice")
	ts.initPrincipal(t, "bob")

	session, err := ts.sessions.CreateOrGetSession("alice", "bob")
	require.NoError(t, err)

	for _, op := range []Operation{OpSendMessage, OpGetMessages, OpMarkRead, OpUnreadCount, OpSetTyping, OpUnwrapSession} {
		decision, err := ts.guard.Authorize("alice", session.ID, op)
		require.NoError(t, err)
		assert.True(t, decision.Allowed, "op %s", op)
		assert.NoError(t, decision.Err())
	}
}

func TestAuthorizeUnauthenticated(t *testing.T) {
	ts := newTestStack(t)

	decision, err := ts.guard.Authorize("", "anything", OpSendMessage)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, DenialUnauthenticated, decision.Reason)
	assert.ErrorIs(t, decision.Err(), ErrUnauthenticated)
}

func TestAuthorizeOutsider(t *testing.T) {
	ts := newTestStack(t)
	ts.initPrincipal(t, "alice")
	ts.initPrincipal(t, "bob")
	ts.initPrincipal(t, "eve")

	session, err := ts.sessions.CreateOrGetSession("alice", "bob")
	require.NoError(t, err)

	decision, err := ts.guard.Authorize("eve", session.ID, OpGetMessages)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, DenialNotAParticipant, decision.Reason)
	assert.ErrorIs(t, decision.Err(), ErrNotAParticipant)
}

func TestAuthorizeUnknownConversation(t *testing.T) {
	ts := newTestStack(t)
	ts.initPrincipal(t, "alice")

	// A probe against a nonexistent conversation reads the same as an
	// existing one the caller is not in.
	decision, err := ts.guard.Authorize("alice", ConversationID("x", "y"), OpGetMessages)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, DenialNotAParticipant, decision.Reason)
}

func TestAuthorizeInactiveSession(t *testing.T) {
	ts := newTestStack(t)
	ts.initPrincipal(t, "alice")
	ts.initPrincipal(t, "bob")

	session, err := ts.sessions.CreateOrGetSession("alice", "bob")
	require.NoError(t, err)

	_, err = ts.db.Exec(`UPDATE conversation_sessions SET is_active = 0 WHERE id = ?`, session.ID)
	require.NoError(t, err)

	decision, err := ts.guard.Authorize("alice", session.ID, OpSendMessage)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, DenialSessionInactive, decision.Reason)
	assert.ErrorIs(t, decision.Err(), ErrSessionInactive)
}
