package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ashureev/taskdesk/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a single key/value table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (and creates if needed) the database at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS client_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
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

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM client_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) put(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO client_state (key, value, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`

	return withRetry(ctx, "write "+key, func() error {
		_, err := s.db.ExecContext(ctx, query, key, value, time.Now().Unix())
		return err
	})
}

func (s *SQLiteStore) delete(ctx context.Context, key string) error {
	return withRetry(ctx, "delete "+key, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM client_state WHERE key = ?`, key)
		return err
	})
}

// SaveActive records taskID as the active session. An empty id clears it.
func (s *SQLiteStore) SaveActive(ctx context.Context, taskID string) error {
	if taskID == "" {
		return s.ClearActive(ctx)
	}
	return s.put(ctx, keyActiveSession, taskID)
}

// LoadActive returns the active session pointer.
func (s *SQLiteStore) LoadActive(ctx context.Context) (string, error) {
	value, _, err := s.get(ctx, keyActiveSession)
	return value, err
}

// ClearActive removes the active session pointer.
func (s *SQLiteStore) ClearActive(ctx context.Context) error {
	return s.delete(ctx, keyActiveSession)
}

// SaveTools stores tools as a JSON array under the scope's key.
func (s *SQLiteStore) SaveTools(ctx context.Context, scope domain.Scope, tools []string) error {
	if tools == nil {
		tools = []string{}
	}
	raw, err := json.Marshal(tools)
	if err != nil {
		return fmt.Errorf("encode tools: %w", err)
	}
	return s.put(ctx, toolsKey(scope), string(raw))
}

// LoadTools returns the scope's tool selection. Corrupt values read as unset.
func (s *SQLiteStore) LoadTools(ctx context.Context, scope domain.Scope) ([]string, error) {
	value, ok, err := s.get(ctx, toolsKey(scope))
	if err != nil || !ok {
		return nil, err
	}
	var tools []string
	if err := json.Unmarshal([]byte(value), &tools); err != nil {
		return nil, nil
	}
	return tools, nil
}

// SavePanelWidth stores the clamped width.
func (s *SQLiteStore) SavePanelWidth(ctx context.Context, width int) error {
	return s.put(ctx, keyLeftPanelWidth, strconv.Itoa(ClampPanelWidth(width)))
}

// LoadPanelWidth returns the stored width, DefaultPanelWidth when unset or
// unreadable.
func (s *SQLiteStore) LoadPanelWidth(ctx context.Context) (int, error) {
	value, ok, err := s.get(ctx, keyLeftPanelWidth)
	if err != nil {
		return DefaultPanelWidth, err
	}
	if !ok {
		return DefaultPanelWidth, nil
	}
	width, convErr := strconv.Atoi(value)
	if convErr != nil {
		return DefaultPanelWidth, nil
	}
	return ClampPanelWidth(width), nil
}
