package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ashureev/deskmate/internal/domain"
	"github.com/ashureev/deskmate/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	saveRetryAttempts = 3
	saveRetryDelay    = 50 * time.Millisecond
)

// SQLite keeps the snapshot in a SQLite database, one row per session.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (and if needed creates) the database at dbPath.
func NewSQLite(dbPath string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single writer avoids most SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS index_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_activity INTEGER NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		file_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Load reads the snapshot. A database without a version row counts as empty.
func (s *SQLite) Load(ctx context.Context) (*Snapshot, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM index_meta WHERE key = 'version'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read index version: %w", err)
	}
	version, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("parse index version %q: %w", raw, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, display_name, state, created_at, last_activity, message_count, file_count
		FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	snap := &Snapshot{Version: version, Sessions: make(map[string]domain.SessionSummary)}
	for rows.Next() {
		var (
			sum                 domain.SessionSummary
			state               string
			createdAt, activity int64
		)
		if err := rows.Scan(&sum.SessionID, &sum.DisplayName, &state, &createdAt, &activity,
			&sum.MessageCount, &sum.FileCount); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sum.State = domain.SessionState(state)
		sum.CreatedAt = time.UnixMilli(createdAt).UTC()
		sum.LastActivity = time.UnixMilli(activity).UTC()
		snap.Sessions[sum.SessionID] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return snap, nil
}

// Save replaces all rows inside one transaction, retrying on SQLITE_BUSY.
func (s *SQLite) Save(ctx context.Context, snap *Snapshot) error {
	return shared.RetryOnConflict(ctx, saveRetryAttempts, saveRetryDelay, func() error {
		return s.save(ctx, snap)
	})
}

func (s *SQLite) save(ctx context.Context, snap *Snapshot) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sessions (session_id, display_name, state, created_at, last_activity, message_count, file_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for id, sum := range snap.Sessions {
		if _, err = stmt.ExecContext(ctx, id, sum.DisplayName, string(sum.State),
			sum.CreatedAt.UnixMilli(), sum.LastActivity.UnixMilli(),
			sum.MessageCount, sum.FileCount); err != nil {
			return fmt.Errorf("insert session %s: %w", id, err)
		}
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO index_meta (key, value) VALUES ('version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, strconv.Itoa(snap.Version)); err != nil {
		return fmt.Errorf("write index version: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
