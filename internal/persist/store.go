// Package persist mirrors session bookkeeping into SQLite for
// analytics and history. Real-time correctness never depends on these
// writes: failures are logged and swallowed.
package persist

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/atriumhq/atrium/internal/domain"
)

// Store is the document-store bridge for session mirrors.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the database at path. Use ":memory:"
// for throwaway stores.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			endpoint   TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS participants (
			session_id   TEXT NOT NULL,
			user_id      TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			joined_at    DATETIME NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (session_id, user_id),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE TABLE IF NOT EXISTS chat_messages (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			sender_id  TEXT NOT NULL,
			body       TEXT NOT NULL,
			scope      TEXT NOT NULL,
			zone       TEXT NOT NULL DEFAULT '',
			sent_at    DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);
	`)
	return err
}

// CreateSession records the start of a room session.
func (s *Store) CreateSession(id, endpoint string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO sessions (id, endpoint) VALUES (?, ?)`,
		id, endpoint,
	)
	return err
}

// AddParticipant records a user seen in the session.
func (s *Store) AddParticipant(sessionID string, userID domain.UserID, displayName string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO participants (session_id, user_id, display_name) VALUES (?, ?, ?)`,
		sessionID, string(userID), displayName,
	)
	return err
}

// RecordChatMessage appends one chat message to the history mirror.
func (s *Store) RecordChatMessage(sessionID string, msg domain.ChatMessage) error {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO chat_messages (id, session_id, sender_id, body, scope, zone, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, string(msg.SenderID), msg.Body, string(msg.Scope), string(msg.Zone), ts,
	)
	return err
}

// ChatHistory returns the mirrored messages for a session, oldest
// first.
func (s *Store) ChatHistory(sessionID string) ([]domain.ChatMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, sender_id, body, scope, zone, sent_at FROM chat_messages
		 WHERE session_id = ? ORDER BY sent_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ChatMessage
	for rows.Next() {
		var msg domain.ChatMessage
		var sender, scope, zone string
		if err := rows.Scan(&msg.ID, &sender, &msg.Body, &scope, &zone, &msg.Timestamp); err != nil {
			return nil, err
		}
		msg.SenderID = domain.UserID(sender)
		msg.Scope = domain.ChatScope(scope)
		msg.Zone = domain.ZoneID(zone)
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Mirror wraps a Store with the fire-and-forget discipline the
// real-time path requires: every write error is logged and dropped. A
// nil Mirror is valid and does nothing.
type Mirror struct {
	store     *Store
	sessionID string
}

func NewMirror(store *Store, sessionID string) *Mirror {
	return &Mirror{store: store, sessionID: sessionID}
}

func (m *Mirror) SessionStarted(endpoint string) {
	if m == nil || m.store == nil {
		return
	}
	if err := m.store.CreateSession(m.sessionID, endpoint); err != nil {
		log.Error().Err(err).Str("module", "persist").Msg("create session mirror")
	}
}

func (m *Mirror) ParticipantSeen(userID domain.UserID, displayName string) {
	if m == nil || m.store == nil {
		return
	}
	if err := m.store.AddParticipant(m.sessionID, userID, displayName); err != nil {
		log.Error().Err(err).Str("module", "persist").Msg("add participant mirror")
	}
}

func (m *Mirror) ChatMessage(msg domain.ChatMessage) {
	if m == nil || m.store == nil {
		return
	}
	if err := m.store.RecordChatMessage(m.sessionID, msg); err != nil {
		log.Error().Err(err).Str("module", "persist").Msg("record chat mirror")
	}
}
