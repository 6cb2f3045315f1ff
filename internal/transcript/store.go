// Package transcript persists conversation transcripts in SQLite so the
// conversation ID and its history survive bridge restarts. The gateway
// delivers events at least once, so inserts are deduplicated by a content
// digest.
package transcript

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	_ "github.com/mattn/go-sqlite3"
)

// Utterance roles.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// Store handles SQLite operations for conversation transcripts.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the transcript database at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_key TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS utterances (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		run_id TEXT,
		digest TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(conversation_id, digest)
	);
	CREATE INDEX IF NOT EXISTS idx_utterances_conversation
		ON utterances(conversation_id, created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Utterance is one line of a conversation transcript.
type Utterance struct {
	Role      string
	Text      string
	RunID     string
	CreatedAt time.Time
}

// EnsureConversation returns the row ID for a conversation key, creating
// the conversation if needed.
func (s *Store) EnsureConversation(key string) (int64, error) {
	if key == "" {
		return 0, fmt.Errorf("conversation key is required")
	}
	if _, err := s.db.Exec(
		"INSERT OR IGNORE INTO conversations (conversation_key) VALUES (?)", key); err != nil {
		return 0, fmt.Errorf("failed to create conversation: %w", err)
	}
	var id int64
	err := s.db.QueryRow(
		"SELECT id FROM conversations WHERE conversation_key = ?", key).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to look up conversation: %w", err)
	}
	return id, nil
}

// Append records one utterance. Appending the same (role, text, run ID)
// to a conversation twice is a no-op, which makes redelivered finals
// idempotent.
func (s *Store) Append(conversationKey string, u Utterance) error {
	convID, err := s.EnsureConversation(conversationKey)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT OR IGNORE INTO utterances (conversation_id, role, text, run_id, digest)
		 VALUES (?, ?, ?, ?, ?)`,
		convID, u.Role, u.Text, u.RunID, digest(u))
	if err != nil {
		return fmt.Errorf("failed to append utterance: %w", err)
	}
	return nil
}

// History returns up to limit utterances of a conversation, oldest first.
func (s *Store) History(conversationKey string, limit int) ([]Utterance, error) {
	convID, err := s.EnsureConversation(conversationKey)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT role, text, COALESCE(run_id, ''), created_at
		 FROM utterances WHERE conversation_id = ?
		 ORDER BY created_at ASC, id ASC LIMIT ?`, convID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var history []Utterance
	for rows.Next() {
		var u Utterance
		if err := rows.Scan(&u.Role, &u.Text, &u.RunID, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan utterance: %w", err)
		}
		history = append(history, u)
	}
	return history, rows.Err()
}

// LatestConversation returns the most recently created conversation key,
// or "" when the store is empty.
func (s *Store) LatestConversation() (string, error) {
	var key string
	err := s.db.QueryRow(
		"SELECT conversation_key FROM conversations ORDER BY id DESC LIMIT 1").Scan(&key)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query latest conversation: %w", err)
	}
	return key, nil
}

// digest computes a stable content hash for dedupe of redelivered lines.
func digest(u Utterance) string {
	h := xxhash.New()
	_, _ = h.WriteString(u.Role)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(u.Text)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(u.RunID)
	return strconv.FormatUint(h.Sum64(), 16)
}
