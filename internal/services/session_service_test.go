package services

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationIDDeterministic(t *testing.T) {
	id1 := ConversationID("alice", "bob")
	id2 := ConversationID("bob", "alice")
	assert.Equal(t, id1, id2)

	other := ConversationID("alice", "carol")
	assert.NotEqual(t, id1, other)

	// Well-formed v4 UUID
	parsed, err := uuid.Parse(id1)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), parsed.Version())
}

func TestCreateOrGetSession(t *testing.T) {
	ts := newTestStack(t)
	ts.initPrincipal(t, "alice")
	ts.initPrincipal(t, "bob")

	session, err := ts.sessions.CreateOrGetSession("alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, ConversationID("alice", "bob"), session.ID)
	assert.True(t, session.IsActive)
	require.Len(t, session.WrappedKeys, 2)

	// The same pair, from either side, lands on the same session.
	again, err := ts.sessions.CreateOrGetSession("bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, session.ID, again.ID)
	require.Len(t, again.WrappedKeys, 2)
}

func TestCreateSessionWithSelf(t *testing.T) {
	ts := newTestStack(t)
	ts.initPrincipal(t, "alice")

	_, err := ts.sessions.CreateOrGetSession("alice", "alice")
	require.Error(t, err)
}

func TestCreateSessionUninitializedPeer(t *testing.T) {
	ts := newTestStack(t)
	ts.initPrincipal(t, "alice")

	_, err := ts.sessions.CreateOrGetSession("alice", "bob")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPrincipalNotFound)
}

func TestCreateSessionConcurrent(t *testing.T) {
	ts := newTestStack(t)
	ts.initPrincipal(t, "alice")
	ts.initPrincipal(t, "bob")

	const racers = 8
	ids := make([]string, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if n%2 == 1 {
				a, b = b, a
			}
			session, err := ts.sessions.CreateOrGetSession(a, b)
			if err == nil {
				ids[n] = session.ID
			}
		}(i)
	}
	wg.Wait()

	// Every racer that succeeded saw the same session.
	expected := ConversationID("alice", "bob")
	for n, id := range ids {
		if id != "" {
			assert.Equal(t, expected, id, "racer %d", n)
		}
	}

	// Exactly one row exists.
	var count int
	require.NoError(t, ts.db.QueryRow(`SELECT COUNT(*) FROM conversation_sessions`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestUnwrapSessionKeyBothSides(t *testing.T) {
	ts := newTestStack(t)
	aliceCred := ts.initPrincipal(t, "alice")
	bobCred := ts.initPrincipal(t, "bob")

	session, err := ts.sessions.CreateOrGetSession("alice", "bob")
	require.NoError(t, err)

	aliceKey, err := ts.sessions.UnwrapSessionKey(session, "alice", aliceCred)
	require.NoError(t, err)
	bobKey, err := ts.sessions.UnwrapSessionKey(session, "bob", bobCred)
	require.NoError(t, err)

	assert.Len(t, aliceKey, 32)
	assert.Equal(t, aliceKey, bobKey)
}

func TestUnwrapSessionKeyOutsider(t *testing.T) {
	ts := newTestStack(t)
	ts.initPrincipal(t, "alice")
	ts.initPrincipal(t, "bob")
	eveCred := ts.initPrincipal(t, "eve")

	session, err := ts.sessions.CreateOrGetSession("alice", "bob")
	require.NoError(t, err)

	_, err = ts.sessions.UnwrapSessionKey(session, "eve", eveCred)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestUnwrapSurvivesRotation(t *testing.T) {
	ts := newTestStack(t)
	aliceCred := ts.initPrincipal(t, "alice")
	ts.initPrincipal(t, "bob")

	session, err := ts.sessions.CreateOrGetSession("alice", "bob")
	require.NoError(t, err)

	before, err := ts.sessions.UnwrapSessionKey(session, "alice", aliceCred)
	require.NoError(t, err)

	// Rotation supersedes the active key pair but the wrap pins version 1.
	_, err = ts.keyStore.RotateKeys("alice", aliceCred)
	require.NoError(t, err)

	reloaded, err := ts.sessions.GetSession(session.ID)
	require.NoError(t, err)
	after, err := ts.sessions.UnwrapSessionKey(reloaded, "alice", aliceCred)
	require.NoError(t, err)

	assert.Equal(t, before, after)
}

func TestSessionsFor(t *testing.T) {
	ts := newTestStack(t)
	ts.initPrincipal(t, "alice")
	ts.initPrincipal(t, "bob")
	ts.initPrincipal(t, "carol")

	_, err := ts.sessions.CreateOrGetSession("alice", "bob")
	require.NoError(t, err)
	_, err = ts.sessions.CreateOrGetSession("alice", "carol")
	require.NoError(t, err)

	list, err := ts.sessions.SessionsFor("alice")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = ts.sessions.SessionsFor("bob")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = ts.sessions.SessionsFor("nobody")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestGetSessionUnknown(t *testing.T) {
	ts := newTestStack(t)

	_, err := ts.sessions.GetSession(ConversationID("x", "y"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}
