// Package store provides storage backends for WhaleFlow sessions.
//
// This file implements the PostgreSQL-backed session store.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/whaleflow/whaleflow/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists sessions in a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// GetSession returns the session for the identity, or nil if none exists.
func (s *PostgresStore) GetSession(phone string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT phone, current_node_id, variables, paused, created_at, last_activity FROM sessions WHERE phone = $1`, phone)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to load session for %s: %w", phone, err)
	}
	return session, nil
}

// SaveSession writes the full session record, replacing any existing one.
func (s *PostgresStore) SaveSession(session models.Session) error {
	variables, err := json.Marshal(session.Variables)
	if err != nil {
		return fmt.Errorf("failed to encode session variables: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO sessions (phone, current_node_id, variables, paused, created_at, last_activity)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (phone) DO UPDATE SET
			current_node_id = EXCLUDED.current_node_id,
			variables = EXCLUDED.variables,
			paused = EXCLUDED.paused,
			last_activity = EXCLUDED.last_activity`,
		session.Phone, session.CurrentNodeID, string(variables), session.Paused, session.CreatedAt, session.LastActivity)
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "phone", session.Phone)
		return fmt.Errorf("failed to save session for %s: %w", session.Phone, err)
	}
	slog.Debug("PostgresStore SaveSession succeeded", "phone", session.Phone, "node", session.CurrentNodeID)
	return nil
}

// DeleteSession removes the identity's session.
func (s *PostgresStore) DeleteSession(phone string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE phone = $1`, phone)
	if err != nil {
		slog.Error("PostgresStore DeleteSession failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to delete session for %s: %w", phone, err)
	}
	return nil
}

// CountSessions returns the number of persisted sessions.
func (s *PostgresStore) CountSessions() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&count); err != nil {
		slog.Error("PostgresStore CountSessions failed", "error", err)
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

// DeleteIdleSessions removes sessions idle since before the cutoff.
func (s *PostgresStore) DeleteIdleSessions(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(`DELETE FROM sessions WHERE last_activity < $1`, cutoff)
	if err != nil {
		slog.Error("PostgresStore DeleteIdleSessions failed", "error", err)
		return 0, fmt.Errorf("failed to delete idle sessions: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(removed), nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
