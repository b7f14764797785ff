// Package chatlog implements the durable message log collaborator. It only
// exposes an append-and-read surface: the broadcast core never reasons about
// SQL or disk, just about assigned ids, timestamps, and a retention cutoff.
package chatlog

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const messagesSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	author_id  TEXT NOT NULL,
	body       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages (created_at);
`

// Message is one appended record. ID is assigned by the log and increases
// monotonically; records are immutable once created.
type Message struct {
	ID        int64
	AuthorID  string
	Body      string
	CreatedAt time.Time
}

// Log persists messages in a single SQLite file.
type Log struct {
	db *sql.DB
}

// Open opens the message log at path and creates the schema when missing.
func Open(path string) (*Log, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if _, err := db.Exec(messagesSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create messages schema: %w", err)
	}

	return &Log{db: db}, nil
}

// Close releases the underlying SQLite database.
func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Append stores a new message and returns it with its assigned id and
// timestamp.
func (l *Log) Append(ctx context.Context, authorID, body string) (Message, error) {
	return l.appendAt(ctx, authorID, body, time.Now().UTC())
}

func (l *Log) appendAt(ctx context.Context, authorID, body string, at time.Time) (Message, error) {
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO messages (author_id, body, created_at) VALUES (?, ?, ?)`,
		authorID, body, at.UTC().UnixMilli())
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	return Message{
		ID:        id,
		AuthorID:  authorID,
		Body:      body,
		CreatedAt: at.UTC(),
	}, nil
}

// RecentSince returns every message created at or after cutoff, oldest first.
func (l *Log) RecentSince(ctx context.Context, cutoff time.Time) ([]Message, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, author_id, body, created_at FROM messages WHERE created_at >= ? ORDER BY id`,
		cutoff.UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("select recent messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []Message
	for rows.Next() {
		var (
			msg       Message
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.AuthorID, &msg.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.CreatedAt = time.UnixMilli(createdAt).UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}

// PurgeBefore deletes every message created before cutoff and reports how
// many were removed. Messages already handed to the broadcast path are
// unaffected: purge only narrows what future reads return.
func (l *Log) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM messages WHERE created_at < ?`, cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	return removed, nil
}
