package identity

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/caucusnet/caucus/internal/partition"
)

const identitiesSchema = `
CREATE TABLE IF NOT EXISTS identities (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	tier         INTEGER NOT NULL,
	channel_key  TEXT NOT NULL DEFAULT '',
	online       INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL
);
`

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store persists identities in a single SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens the identity store at path and creates the schema when missing.
func Open(path string) (*Store, error) {
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

	if _, err := db.Exec(identitiesSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create identities schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create registers a new identity. The very first identity created in the
// store receives the elevated tier; everyone after it is an ordinary member.
func (s *Store) Create(ctx context.Context, displayName, channelKey string) (Identity, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return Identity{}, fmt.Errorf("display name is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("begin create identity: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM identities`).Scan(&existing); err != nil {
		return Identity{}, fmt.Errorf("count identities: %w", err)
	}

	tier := partition.MemberTier
	if existing == 0 {
		tier = partition.ElevatedTier
	}

	ident := Identity{
		ID:          newID(),
		DisplayName: displayName,
		Tier:        tier,
		ChannelKey:  strings.TrimSpace(channelKey),
		CreatedAt:   time.Now().UTC(),
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO identities (id, display_name, tier, channel_key, online, created_at) VALUES (?, ?, ?, ?, 0, ?)`,
		ident.ID, ident.DisplayName, ident.Tier, ident.ChannelKey, toMillis(ident.CreatedAt))
	if err != nil {
		return Identity{}, fmt.Errorf("insert identity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Identity{}, fmt.Errorf("commit create identity: %w", err)
	}

	return ident, nil
}

// GetByID resolves one identity. Returns ErrNotFound when the id is unknown.
func (s *Store) GetByID(ctx context.Context, id string) (Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, tier, channel_key, online, created_at FROM identities WHERE id = ?`, id)

	var (
		ident     Identity
		online    int
		createdAt int64
	)
	if err := row.Scan(&ident.ID, &ident.DisplayName, &ident.Tier, &ident.ChannelKey, &online, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return Identity{}, ErrNotFound
		}
		return Identity{}, fmt.Errorf("select identity: %w", err)
	}

	ident.Online = online != 0
	ident.CreatedAt = fromMillis(createdAt)
	return ident, nil
}

// SetOnline flips the durable online flag for the identity.
func (s *Store) SetOnline(ctx context.Context, id string, online bool) error {
	flag := 0
	if online {
		flag = 1
	}

	res, err := s.db.ExecContext(ctx, `UPDATE identities SET online = ? WHERE id = ?`, flag, id)
	if err != nil {
		return fmt.Errorf("update online flag: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update online flag: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetChannelKey moves the identity into a channel, or clears its membership
// when key is empty. Visibility changes take effect on the next delivery
// decision.
func (s *Store) SetChannelKey(ctx context.Context, id, key string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE identities SET channel_key = ? WHERE id = ?`, strings.TrimSpace(key), id)
	if err != nil {
		return fmt.Errorf("update channel key: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update channel key: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Count reports the number of identities ever created.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM identities`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count identities: %w", err)
	}
	return n, nil
}

func newID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// rand.Read never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(buf)
}
