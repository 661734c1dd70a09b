// Package store provides transactional SQLite persistence for every
// entity in the chat orchestration engine's data model: characters,
// personas, conversations, messages (the branching DAG), lorebooks,
// downloads, settings, and generation checkpoints.
//
// Store wraps a *sql.DB opened by the caller so that production code
// can use the cgo mattn/go-sqlite3 driver while tests use the pure-Go
// modernc.org/sqlite driver against the same schema and query surface.
package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite-backed persistence layer for all entities.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) a SQLite database at path using the
// cgo driver, with WAL mode and a busy timeout so concurrent readers
// don't collide with the Chat Engine's writes.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already-open *sql.DB and runs migrations. Used directly
// by tests against the modernc.org/sqlite driver.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// migrate creates the schema if absent and applies additive column
// migrations. Each ALTER TABLE is tolerant of already having run;
// only "duplicate column name" is swallowed, everything else surfaces.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS characters (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		personality TEXT,
		scenario TEXT,
		backstory TEXT,
		system_prompt TEXT,
		first_message TEXT,
		alternate_greetings_json TEXT,
		example_dialogues TEXT,
		physical_traits TEXT,
		speech_patterns TEXT,
		likes_json TEXT,
		dislikes_json TEXT,
		tags_json TEXT,
		avatar_ref TEXT,
		rating TEXT NOT NULL DEFAULT 'sfw',
		pov_type TEXT NOT NULL DEFAULT 'any',
		is_bundled BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS personas (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		is_default BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT,
		character_ids_json TEXT NOT NULL,
		persona_id TEXT,
		active_message_id TEXT,
		attached_lorebook_ids_json TEXT,
		speaker_cursor INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		parent_id TEXT,
		author_type TEXT NOT NULL,
		author_id TEXT,
		content TEXT NOT NULL DEFAULT '',
		branch_index INTEGER NOT NULL DEFAULT 0,
		is_active_branch BOOLEAN NOT NULL DEFAULT 0,
		token_count INTEGER NOT NULL DEFAULT 0,
		generation_params_json TEXT,
		stopped_by_user BOOLEAN NOT NULL DEFAULT 0,
		error TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation_parent
		ON messages(conversation_id, parent_id);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation_active
		ON messages(conversation_id, is_active_branch);

	CREATE TABLE IF NOT EXISTS lorebooks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		is_global BOOLEAN NOT NULL DEFAULT 0,
		is_enabled BOOLEAN NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS lorebook_entries (
		id TEXT PRIMARY KEY,
		lorebook_id TEXT NOT NULL,
		name TEXT,
		keywords_json TEXT NOT NULL,
		content TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		is_enabled BOOLEAN NOT NULL DEFAULT 1,
		case_sensitive BOOLEAN NOT NULL DEFAULT 0,
		match_whole_word BOOLEAN NOT NULL DEFAULT 0,
		insertion_position TEXT NOT NULL DEFAULT 'before_history',
		token_budget INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_lorebook_entries_lorebook
		ON lorebook_entries(lorebook_id);

	CREATE TABLE IF NOT EXISTS downloads (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		destination_path TEXT NOT NULL,
		kind TEXT NOT NULL,
		expected_size INTEGER NOT NULL DEFAULT 0,
		downloaded_bytes INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		checksum TEXT,
		error TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS summaries (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		content TEXT NOT NULL,
		covers_through_message_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_summaries_conversation
		ON summaries(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS checkpoints (
		conversation_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		content TEXT NOT NULL,
		token_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (conversation_id, message_id)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Additive migrations for columns introduced after the initial
	// schema above. Safe to run every startup.
	for _, stmt := range []string{
		`ALTER TABLE messages ADD COLUMN stopped_by_user BOOLEAN NOT NULL DEFAULT 0`,
		`ALTER TABLE messages ADD COLUMN error TEXT`,
		`ALTER TABLE conversations ADD COLUMN speaker_cursor INTEGER NOT NULL DEFAULT 0`,
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			if !strings.Contains(err.Error(), "duplicate column name") {
				return fmt.Errorf("migrate: %s: %w", stmt, err)
			}
		}
	}

	return nil
}

// withTx runs fn inside a transaction, committing on nil return and
// rolling back otherwise. Multi-statement writes (default persona,
// settings, lorebook and conversation deletion) use this so readers
// never observe a half-applied change; branch mutations use BeginTx.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
