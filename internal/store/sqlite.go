// Package store provides storage backends for WhaleFlow sessions.
//
// This file implements the SQLite-backed session store.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/whaleflow/whaleflow/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists sessions in a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// GetSession returns the session for the identity, or nil if none exists.
func (s *SQLiteStore) GetSession(phone string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT phone, current_node_id, variables, paused, created_at, last_activity FROM sessions WHERE phone = ?`, phone)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to load session for %s: %w", phone, err)
	}
	return session, nil
}

// SaveSession writes the full session record, replacing any existing one.
func (s *SQLiteStore) SaveSession(session models.Session) error {
	variables, err := json.Marshal(session.Variables)
	if err != nil {
		return fmt.Errorf("failed to encode session variables: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO sessions (phone, current_node_id, variables, paused, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(phone) DO UPDATE SET
			current_node_id = excluded.current_node_id,
			variables = excluded.variables,
			paused = excluded.paused,
			last_activity = excluded.last_activity`,
		session.Phone, session.CurrentNodeID, string(variables), session.Paused, session.CreatedAt, session.LastActivity)
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "phone", session.Phone)
		return fmt.Errorf("failed to save session for %s: %w", session.Phone, err)
	}
	slog.Debug("SQLiteStore SaveSession succeeded", "phone", session.Phone, "node", session.CurrentNodeID)
	return nil
}

// DeleteSession removes the identity's session.
func (s *SQLiteStore) DeleteSession(phone string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE phone = ?`, phone)
	if err != nil {
		slog.Error("SQLiteStore DeleteSession failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to delete session for %s: %w", phone, err)
	}
	return nil
}

// CountSessions returns the number of persisted sessions.
func (s *SQLiteStore) CountSessions() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&count); err != nil {
		slog.Error("SQLiteStore CountSessions failed", "error", err)
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

// DeleteIdleSessions removes sessions idle since before the cutoff.
func (s *SQLiteStore) DeleteIdleSessions(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(`DELETE FROM sessions WHERE last_activity < ?`, cutoff)
	if err != nil {
		slog.Error("SQLiteStore DeleteIdleSessions failed", "error", err)
		return 0, fmt.Errorf("failed to delete idle sessions: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(removed), nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

// rowScanner covers both sql.Row and sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanSession scans one session row; the caller maps sql.ErrNoRows.
func scanSession(row rowScanner) (*models.Session, error) {
	var session models.Session
	var variablesJSON string
	var createdAt, lastActivity time.Time
	if err := row.Scan(&session.Phone, &session.CurrentNodeID, &variablesJSON, &session.Paused, &createdAt, &lastActivity); err != nil {
		return nil, err
	}
	session.CreatedAt = createdAt
	session.LastActivity = lastActivity
	if err := json.Unmarshal([]byte(variablesJSON), &session.Variables); err != nil {
		return nil, fmt.Errorf("failed to decode session variables: %w", err)
	}
	return &session, nil
}
