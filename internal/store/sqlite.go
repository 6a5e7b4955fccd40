// This file implements an SQLite-backed store for corpus rules.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/CorpusPipe/internal/models"
	"github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

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
	// A single writer keeps the conditional insert race-free.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) FindActive(ctx context.Context, keyword string) (*models.Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM corpus WHERE keyword = ? AND deleted_at IS NULL`, keyword)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore FindActive failed", "error", err)
		return nil, fmt.Errorf("failed to find rule: %w", err)
	}
	return &r, nil
}

func (s *SQLiteStore) FindAllActive(ctx context.Context) ([]models.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM corpus WHERE deleted_at IS NULL ORDER BY id`)
	if err != nil {
		slog.Error("SQLiteStore FindAllActive query failed", "error", err)
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	rules, err := scanRules(rows)
	if err != nil {
		slog.Error("SQLiteStore FindAllActive scan failed", "error", err)
		return nil, err
	}
	slog.Debug("SQLiteStore FindAllActive succeeded", "count", len(rules))
	return rules, nil
}

func (s *SQLiteStore) Create(ctx context.Context, rule models.Rule) (models.Rule, error) {
	keyword, reply, err := serializeRule(rule)
	if err != nil {
		return models.Rule{}, err
	}
	rule = ruleDefaults(rule)
	now := time.Now().UTC()

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO corpus (user_id, keyword, reply, mode, scene, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (keyword) WHERE deleted_at IS NULL DO NOTHING`,
		rule.UserID, keyword, reply, string(rule.Mode), string(rule.Scene), now, now)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return models.Rule{}, models.ErrDuplicateKeyword
		}
		slog.Error("SQLiteStore Create failed", "error", err, "userID", rule.UserID)
		return models.Rule{}, fmt.Errorf("failed to insert rule: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return models.Rule{}, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		slog.Debug("SQLiteStore Create: keyword already taken", "userID", rule.UserID)
		return models.Rule{}, models.ErrDuplicateKeyword
	}
	id, err := result.LastInsertId()
	if err != nil {
		return models.Rule{}, fmt.Errorf("failed to read inserted id: %w", err)
	}

	rule.ID = id
	rule.CreatedAt, rule.UpdatedAt, rule.DeletedAt = now, now, nil
	slog.Debug("SQLiteStore Create succeeded", "id", id, "userID", rule.UserID)
	return rule, nil
}

func (s *SQLiteStore) SoftDelete(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE corpus SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`, now, now, id)
	if err != nil {
		slog.Error("SQLiteStore SoftDelete failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete rule %d: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return models.ErrRuleNotFound
	}
	slog.Debug("SQLiteStore SoftDelete succeeded", "id", id)
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (*models.Rule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM corpus WHERE id = ?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %d: %w", id, err)
	}
	return &r, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
