// Package history persists recent broadcast envelopes per topic so joining
// peers can catch up on what they missed.
package history

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultRetention is how many envelopes are kept per topic.
const DefaultRetention = 100

// Store records broadcast frames in sqlite. Direct (peer-addressed)
// envelopes are never recorded.
type Store struct {
	mu        sync.Mutex
	db        *sql.DB
	retention int
}

// Open creates or opens the history database at dsn. Use ":memory:" for an
// ephemeral store.
func Open(dsn string, retention int) (*Store, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection: sqlite serializes writers anyway, and a pool would give
	// ":memory:" databases a separate empty store per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	s := &Store{db: db, retention: retention}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		topic TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_topic ON messages(topic, id)`)
	if err != nil {
		return fmt.Errorf("create messages table: %w", err)
	}
	return nil
}

// Append records one broadcast frame and prunes the topic back to the
// retention limit.
func (s *Store) Append(topic string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT INTO messages (topic, payload, created_at) VALUES (?, ?, ?)",
		topic, payload, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	_, err = s.db.Exec(`DELETE FROM messages WHERE topic = ? AND id NOT IN (
		SELECT id FROM messages WHERE topic = ? ORDER BY id DESC LIMIT ?
	)`, topic, topic, s.retention)
	if err != nil {
		return fmt.Errorf("prune topic %s: %w", topic, err)
	}
	return nil
}

// Recent returns up to n frames for a topic, oldest first.
func (s *Store) Recent(topic string, n int) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT payload FROM (
		SELECT id, payload FROM messages WHERE topic = ? ORDER BY id DESC LIMIT ?
	) ORDER BY id ASC`, topic, n)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var result [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		result = append(result, payload)
	}
	return result, rows.Err()
}

// Count reports how many frames a topic currently holds.
func (s *Store) Count(topic string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM messages WHERE topic = ?", topic).Scan(&n)
	return n, err
}
