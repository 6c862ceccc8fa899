// Package store persists conversations, turns, and assistant replies in
// SQLite. Replies carry a full pipeline snapshot as a JSON blob that is
// replaced wholesale on every status transition, so pollers always read a
// consistent view without joining across tables.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"concierge/internal/logging"
)

// ErrNotFound is returned when a conversation, turn, or reply id does not
// exist.
var ErrNotFound = errors.New("store: not found")

// Conversation groups the turns of one user session.
type Conversation struct {
	ID                   string
	UserID               string
	AllowSecondAssistant bool
	CreatedAt            time.Time
}

// Turn is one user message within a conversation. Turns are append-only;
// PreferredReply records which assistant slot the user picked (0 means
// no explicit choice, slot 1 is assumed).
type Turn struct {
	ID             string
	ConversationID string
	Content        string
	PreferredReply int
	CreatedAt      time.Time
}

// Reply is one assistant answer for a turn. Slot 1 always exists; slot 2
// appears only in dual-assistant conversations. Snapshot holds the
// pipeline state blob; CriticScore stays nil until the critic has run.
type Reply struct {
	ID          string
	TurnID      string
	Slot        int
	Content     string
	Status      string
	Snapshot    json.RawMessage
	CriticScore *float64
	IsUpdating  bool
	CreatedAt   time.Time
}

// Store is the SQLite-backed persistence layer. A single writer owns each
// in-flight reply; the mutex serializes schema-level operations and the
// sqlite3 driver handles row-level concurrency with a busy timeout.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// New opens (or creates) the database at path and initializes the schema.
// Pass ":memory:" for an ephemeral store in tests.
func New(path string) (*Store, error) {
	logging.Store("Opening store at %s", path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable sqlite foreign_keys: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logging.StoreDebug("Store schema ready")
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		allow_second_assistant INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id);

	CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		content TEXT NOT NULL,
		preferred_reply INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id);

	CREATE TABLE IF NOT EXISTS replies (
		id TEXT PRIMARY KEY,
		turn_id TEXT NOT NULL REFERENCES turns(id),
		slot INTEGER NOT NULL CHECK (slot IN (1, 2)),
		content TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'created',
		snapshot TEXT NOT NULL DEFAULT '{}',
		critic_score REAL,
		is_updating INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(turn_id, slot)
	);
	CREATE INDEX IF NOT EXISTS idx_replies_turn ON replies(turn_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
