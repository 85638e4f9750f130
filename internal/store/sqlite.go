package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/CalebKiragu/coinmeadow-agent/internal/domain"
	"github.com/CalebKiragu/coinmeadow-agent/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS conversation_cache (
		peer_address TEXT PRIMARY KEY,
		messages_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetConversation retrieves the cached message list for a peer address.
// A corrupt cache entry is cleared and treated as empty rather than failing.
func (s *SQLiteStore) GetConversation(ctx context.Context, peer string) ([]domain.Message, error) {
	query := `SELECT messages_json FROM conversation_cache WHERE peer_address = ?`

	var raw string
	err := s.db.QueryRowContext(ctx, query, peer).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}

	var messages []domain.Message
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		slog.Warn("Corrupt conversation cache, clearing", "peer", peer, "error", err)
		if delErr := s.DeleteConversation(ctx, peer); delErr != nil {
			slog.Warn("Failed to clear corrupt cache", "peer", peer, "error", delErr)
		}
		return nil, nil
	}

	return messages, nil
}

// SaveConversation overwrites the cache slot for a peer wholesale.
func (s *SQLiteStore) SaveConversation(ctx context.Context, peer string, messages []domain.Message) error {
	raw, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}

	query := `
	INSERT INTO conversation_cache (peer_address, messages_json, created_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(peer_address) DO UPDATE SET
		messages_json = excluded.messages_json,
		updated_at = excluded.updated_at`

	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx, query, peer, string(raw), now, now)
	if shared.IsSQLiteConflictError(err) {
		// One retry on lock contention; WAL keeps this rare.
		time.Sleep(50 * time.Millisecond)
		_, err = s.db.ExecContext(ctx, query, peer, string(raw), now, now)
	}
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

// DeleteConversation removes the cache slot for a peer.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, peer string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversation_cache WHERE peer_address = ?`, peer); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
