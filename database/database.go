package database

import (
	"database/sql"
	"fmt"
	"log"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Initialize creates and returns a database connection
func Initialize(databaseURL string) (*sql.DB, error) {
	// Add SQLite-specific parameters for better concurrent access
	if !strings.Contains(databaseURL, "?") && databaseURL != ":memory:" {
		databaseURL = databaseURL + "?_busy_timeout=30000&_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=1"
	}

	db, err := sql.Open("sqlite3", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(0) // No limit

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set SQLite pragmas for better concurrent access
	pragmas := []string{
		"PRAGMA busy_timeout = 30000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = memory",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			log.Printf("Warning: failed to set pragma %s: %v", pragma, err)
		}
	}

	log.Println("Database connection established successfully")
	return db, nil
}

// Migrate runs database migrations
func Migrate(db *sql.DB) error {
	migrations := []string{
		createPrincipalsTable,
		createEncryptionKeysTable,
		createConversationSessionsTable,
		createSessionParticipantKeysTable,
		createMessageEnvelopesTable,
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}

	return nil
}

const createPrincipalsTable = `
CREATE TABLE IF NOT EXISTS principals (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	last_seen DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// encryption_keys holds every key version a principal has ever had. The
// partial unique index keeps at most one active version per principal; old
// versions stay around so historical session-key wraps remain decryptable.
const createEncryptionKeysTable = `
CREATE TABLE IF NOT EXISTS encryption_keys (
	principal_id TEXT NOT NULL,
	key_version INTEGER NOT NULL,
	algorithm TEXT NOT NULL DEFAULT 'x25519',
	public_key TEXT NOT NULL,
	private_key_enc TEXT NOT NULL,
	private_nonce TEXT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (principal_id, key_version)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_encryption_keys_active
	ON encryption_keys(principal_id) WHERE is_active = 1;
`

// conversation_sessions: the primary key IS the uniqueness constraint that
// collapses concurrent create-or-get races, because the id is derived
// deterministically from the sorted participant pair.
const createConversationSessionsTable = `
CREATE TABLE IF NOT EXISTS conversation_sessions (
	id TEXT PRIMARY KEY,
	participant_a TEXT NOT NULL,
	participant_b TEXT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_used DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sessions_participant_a ON conversation_sessions(participant_a);
CREATE INDEX IF NOT EXISTS idx_sessions_participant_b ON conversation_sessions(participant_b);
`

const createSessionParticipantKeysTable = `
CREATE TABLE IF NOT EXISTS session_participant_keys (
	session_id TEXT NOT NULL,
	principal_id TEXT NOT NULL,
	key_version INTEGER NOT NULL,
	ephemeral_pub TEXT NOT NULL,
	nonce TEXT NOT NULL,
	wrapped_key TEXT NOT NULL,
	PRIMARY KEY (session_id, principal_id),
	FOREIGN KEY (session_id) REFERENCES conversation_sessions(id)
);
`

// message_envelopes: UNIQUE(conversation_id, seq) makes sequence assignment
// a total-order point per conversation; UNIQUE(conversation_id,
// idempotency_key) lets a retried append be recognized as the same write.
const createMessageEnvelopesTable = `
CREATE TABLE IF NOT EXISTS message_envelopes (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	sender_id TEXT NOT NULL,
	receiver_id TEXT NOT NULL,
	ciphertext TEXT NOT NULL,
	nonce TEXT NOT NULL,
	digest TEXT NOT NULL,
	key_version INTEGER NOT NULL DEFAULT 1,
	kind TEXT NOT NULL DEFAULT 'text',
	is_read BOOLEAN NOT NULL DEFAULT 0,
	idempotency_key TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (conversation_id, seq),
	UNIQUE (conversation_id, idempotency_key),
	FOREIGN KEY (conversation_id) REFERENCES conversation_sessions(id)
);
CREATE INDEX IF NOT EXISTS idx_envelopes_conversation_seq
	ON message_envelopes(conversation_id, seq);
CREATE INDEX IF NOT EXISTS idx_envelopes_receiver_unread
	ON message_envelopes(conversation_id, receiver_id, is_read);
`

// IsUniqueConstraintError reports whether err is a SQLite uniqueness
// violation. The session manager and the ledger both rely on this to turn
// insert races into re-reads instead of failures.
func IsUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
