// This file implements a PostgreSQL-backed store for corpus rules.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/CorpusPipe/internal/models"
	"github.com/lib/pq"
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

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
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

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) FindActive(ctx context.Context, keyword string) (*models.Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM corpus WHERE keyword = $1 AND deleted_at IS NULL`, keyword)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore FindActive failed", "error", err)
		return nil, fmt.Errorf("failed to find rule: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) FindAllActive(ctx context.Context) ([]models.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM corpus WHERE deleted_at IS NULL ORDER BY id`)
	if err != nil {
		slog.Error("PostgresStore FindAllActive query failed", "error", err)
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	rules, err := scanRules(rows)
	if err != nil {
		slog.Error("PostgresStore FindAllActive scan failed", "error", err)
		return nil, err
	}
	slog.Debug("PostgresStore FindAllActive succeeded", "count", len(rules))
	return rules, nil
}

// Create inserts the rule unless an active rule already holds its keyword. The
// partial unique index makes the check and the insert a single statement, so
// two users confirming the same keyword at once cannot both succeed.
func (s *PostgresStore) Create(ctx context.Context, rule models.Rule) (models.Rule, error) {
	keyword, reply, err := serializeRule(rule)
	if err != nil {
		return models.Rule{}, err
	}
	rule = ruleDefaults(rule)
	now := time.Now()

	var id int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO corpus (user_id, keyword, reply, mode, scene, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)
		 ON CONFLICT (keyword) WHERE deleted_at IS NULL DO NOTHING
		 RETURNING id`,
		rule.UserID, keyword, reply, string(rule.Mode), string(rule.Scene), now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("PostgresStore Create: keyword already taken", "userID", rule.UserID)
		return models.Rule{}, models.ErrDuplicateKeyword
	}
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return models.Rule{}, models.ErrDuplicateKeyword
		}
		slog.Error("PostgresStore Create failed", "error", err, "userID", rule.UserID)
		return models.Rule{}, fmt.Errorf("failed to insert rule: %w", err)
	}

	rule.ID = id
	rule.CreatedAt, rule.UpdatedAt, rule.DeletedAt = now, now, nil
	slog.Debug("PostgresStore Create succeeded", "id", id, "userID", rule.UserID)
	return rule, nil
}

func (s *PostgresStore) SoftDelete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE corpus SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		slog.Error("PostgresStore SoftDelete failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete rule %d: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return models.ErrRuleNotFound
	}
	slog.Debug("PostgresStore SoftDelete succeeded", "id", id)
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*models.Rule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM corpus WHERE id = $1`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %d: %w", id, err)
	}
	return &r, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	return s.db.Close()
}
