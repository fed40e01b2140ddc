package database

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeAndMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := Initialize(path)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(db))

	// Migrations are safe to re-run.
	require.NoError(t, Migrate(db))

	// The schema is in place.
	for _, table := range []string{"principals", "encryption_keys", "conversation_sessions", "session_participant_keys", "message_envelopes"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, "table %s missing", table)
	}
}

func TestIsUniqueConstraintError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := Initialize(path)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, Migrate(db))

	_, err = db.Exec(`INSERT INTO conversation_sessions (id, participant_a, participant_b) VALUES ('c1', 'a', 'b')`)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO conversation_sessions (id, participant_a, participant_b) VALUES ('c1', 'a', 'b')`)
	require.Error(t, err)
	assert.True(t, IsUniqueConstraintError(err))

	assert.False(t, IsUniqueConstraintError(nil))
	assert.False(t, IsUniqueConstraintError(errors.New("something else")))
}

func TestActiveKeyVersionUniqueness(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := Initialize(path)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, Migrate(db))

	insert := `INSERT INTO encryption_keys (principal_id, key_version, public_key, private_key_enc, private_nonce, is_active)
		VALUES (?, ?, 'pub', 'enc', 'nonce', ?)`

	_, err = db.Exec(insert, "alice", 1, 1)
	require.NoError(t, err)

	// A second active version violates the partial unique index.
	_, err = db.Exec(insert, "alice", 2, 1)
	require.Error(t, err)
	assert.True(t, IsUniqueConstraintError(err))

	// Inactive versions may coexist.
	_, err = db.Exec(insert, "alice", 2, 0)
	require.NoError(t, err)
}
