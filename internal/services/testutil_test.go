package services

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"securechat-backend/database"
)

// newTestDB opens an in-memory SQLite database with the schema applied.
// It goes through database.Initialize so foreign keys are enforced exactly
// as in production. MaxOpenConns is pinned to 1 because every :memory:
// connection is its own database.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.Initialize(":memory:?_foreign_keys=1&_busy_timeout=30000")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	require.NoError(t, database.Migrate(db))

	t.Cleanup(func() { db.Close() })
	return db
}

// testStack bundles the services most tests need wired together.
type testStack struct {
	db       *sql.DB
	auth     *AuthService
	keyStore *KeyStoreService
	sessions *SessionService
	codec    *MessageCodec
	ledger   *LedgerService
	guard    *AccessGuard
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	db := newTestDB(t)
	keyStore := NewKeyStoreService(db)
	sessions := NewSessionService(db, keyStore)

	return &testStack{
		db:       db,
		auth:     NewAuthService("test-secret", 3600),
		keyStore: keyStore,
		sessions: sessions,
		codec:    NewMessageCodec(),
		ledger:   NewLedgerService(db),
		guard:    NewAccessGuard(sessions),
	}
}

// newConversation makes sure both principals have keys and returns their
// session id, so envelope fixtures satisfy the conversation foreign key.
func (ts *testStack) newConversation(t *testing.T, a, b string) string {
	t.Helper()

	for _, id := range []string{a, b} {
		if _, err := ts.keyStore.GetPublicKey(id, 0); err != nil {
			ts.initPrincipal(t, id)
		}
	}

	session, err := ts.sessions.CreateOrGetSession(a, b)
	require.NoError(t, err)
	return session.ID
}

// initPrincipal initializes keys for a principal and returns the
// credential used.
func (ts *testStack) initPrincipal(t *testing.T, principalID string) []byte {
	t.Helper()

	credential, err := ts.auth.KeyCredential(principalID)
	require.NoError(t, err)

	_, err = ts.keyStore.InitializeKeys(principalID, credential)
	require.NoError(t, err)

	return credential
}
