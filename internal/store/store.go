// Package store persists user credentials and room message history in a
// single sqlite database shared by all connection handlers.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/bcrypt"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	username   TEXT PRIMARY KEY,
	password   TEXT NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	room       TEXT NOT NULL,
	author     TEXT NOT NULL,
	body       TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room, id);
`

// Store wraps the shared database handle. database/sql serializes access, so
// one handle serves every goroutine.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the sqlite database at path and ensures the schema
// exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RegisterUser creates a new account with a bcrypt-hashed password. It returns
// false without error when the username is already taken; the existing
// account is left untouched.
func (s *Store) RegisterUser(username, password string) (bool, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return false, fmt.Errorf("failed to hash password: %w", err)
	}

	_, err = s.db.Exec("INSERT INTO users (username, password) VALUES (?, ?)", username, string(hash))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return false, nil
		}
		return false, fmt.Errorf("failed to register user %q: %w", username, err)
	}
	return true, nil
}

// Authenticate reports whether the username/password pair matches a stored
// account.
func (s *Store) Authenticate(username, password string) (bool, error) {
	var hash string
	err := s.db.QueryRow("SELECT password FROM users WHERE username = ?", username).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up user %q: %w", username, err)
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil, nil
}

// AppendMessage records one chat message. The ULID primary key is generated
// from the message timestamp so lexicographic id order matches arrival order.
func (s *Store) AppendMessage(room, author, body string, ts time.Time) error {
	id := ulid.MustNew(ulid.Timestamp(ts), ulid.DefaultEntropy()).String()
	_, err := s.db.Exec(
		"INSERT INTO messages (id, room, author, body, created_at) VALUES (?, ?, ?, ?, ?)",
		id, room, author, body, ts,
	)
	if err != nil {
		return fmt.Errorf("failed to store message in %q: %w", room, err)
	}
	return nil
}

// RecentMessages returns up to limit formatted history lines for a room,
// oldest first.
func (s *Store) RecentMessages(room string, limit int) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT author, body, created_at
		FROM messages
		WHERE room = ?
		ORDER BY id DESC
		LIMIT ?
	`, room, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history for %q: %w", room, err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var author, body string
		var createdAt time.Time
		if err := rows.Scan(&author, &body, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", createdAt.Format("2006-01-02 15:04:05"), author, body))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history for %q: %w", room, err)
	}

	// Query returned newest first; present oldest first.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}
