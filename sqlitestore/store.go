// Package sqlitestore provides a SQLite implementation of
// readmarker.MessageStore for clients that keep their message history on
// the device.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	readmarker "github.com/rbaliyan/event-readmarker"
)

// ErrDBRequired is returned by New when db is nil.
var ErrDBRequired = errors.New("sqlite database is required")

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	account    TEXT NOT NULL,
	user       TEXT NOT NULL,
	stanza_id  TEXT NOT NULL DEFAULT '',
	timestamp  INTEGER NOT NULL,
	read       INTEGER NOT NULL DEFAULT 0,
	read_at    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_messages_unread
	ON messages (account, user, read, timestamp);
`

// Open opens sqlite with sensible defaults.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // sqlite
	db.SetConnMaxLifetime(0)
	return db, nil
}

// Store implements readmarker.MessageStore on a SQLite messages table.
// Timestamps are stored as Unix nanoseconds.
type Store struct {
	db *sql.DB
}

// New creates a store on db. Call Migrate once before use.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	return &Store{db: db}, nil
}

// Migrate creates the messages table and its index.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Append stores an unread message.
func (s *Store) Append(ctx context.Context, msg readmarker.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, account, user, stanza_id, timestamp) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.Account, msg.User, msg.StanzaID, msg.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// UnreadUpTo returns the ids of unread messages of the conversation with a
// timestamp at or before upTo, oldest first.
func (s *Store) UnreadUpTo(ctx context.Context, key readmarker.Key, upTo time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM messages
		 WHERE account = ? AND user = ? AND read = 0 AND timestamp <= ?
		 ORDER BY timestamp, id`,
		key.Account, key.User, upTo.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("find unread messages: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unread messages: %w", err)
	}
	return ids, nil
}

// markReadBatch bounds the ids bound per UPDATE, well below SQLite's
// host parameter limit.
const markReadBatch = 500

// MarkRead marks the given messages of the conversation as read in one
// transaction, updating at most markReadBatch ids per statement.
func (s *Store) MarkRead(ctx context.Context, key readmarker.Key, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	readAt := time.Now().UnixNano()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for start := 0; start < len(ids); start += markReadBatch {
			end := min(start+markReadBatch, len(ids))
			batch := ids[start:end]

			placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")
			query := `UPDATE messages SET read = 1, read_at = ?
				WHERE account = ? AND user = ? AND read = 0 AND id IN (` + placeholders + `)`

			args := make([]any, 0, len(batch)+3)
			args = append(args, readAt, key.Account, key.User)
			for _, id := range batch {
				args = append(args, id)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("mark read: %w", err)
			}
		}
		return nil
	})
}

// UnreadCount returns the number of unread messages of the conversation.
func (s *Store) UnreadCount(ctx context.Context, key readmarker.Key) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE account = ? AND user = ? AND read = 0`,
		key.Account, key.User,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Compile-time check
var _ readmarker.MessageStore = (*Store)(nil)
