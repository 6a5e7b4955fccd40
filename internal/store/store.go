// Package store provides storage backends for CorpusPipe.
//
// It includes an in-memory store for tests and local runs, and persistent
// SQLite and PostgreSQL stores for learned corpus rules.
package store

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/CorpusPipe/internal/models"
)

// RuleRepo is the persistence contract for corpus rules. Soft-deleted rows
// stay readable through Get but are excluded from every "active" read.
type RuleRepo interface {
	// FindActive returns the non-deleted rule whose serialized keyword equals
	// keyword, or nil if there is none.
	FindActive(ctx context.Context, keyword string) (*models.Rule, error)

	// FindAllActive returns every non-deleted rule ordered by id.
	FindAllActive(ctx context.Context) ([]models.Rule, error)

	// Create inserts rule only if no active rule has the same keyword.
	// It returns models.ErrDuplicateKeyword when the keyword is taken.
	Create(ctx context.Context, rule models.Rule) (models.Rule, error)

	// SoftDelete marks the rule as deleted. Deleting an already deleted or
	// unknown rule returns models.ErrRuleNotFound.
	SoftDelete(ctx context.Context, id int64) error

	// Get returns a rule by id regardless of its deletion state.
	Get(ctx context.Context, id int64) (*models.Rule, error)

	Close() error
}

// Store is what a persistent backend provides: learned rules plus inbound
// event deduplication.
type Store interface {
	RuleRepo
	DedupRepo
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for everything else (file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	// libpq key=value form
	for _, key := range []string{"host=", "dbname=", "user="} {
		if strings.Contains(dsn, key) {
			return "postgres"
		}
	}
	return "sqlite3"
}

// Open returns the backend matching the configured DSN: PostgreSQL, SQLite,
// or an in-memory store when no DSN is given.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.DSN == "":
		slog.Warn("store.Open: no DSN configured, rules will not survive a restart")
		return NewInMemoryStore(), nil
	case DetectDSNType(cfg.DSN) == "postgres":
		return NewPostgresStore(opts...)
	default:
		return NewSQLiteStore(opts...)
	}
}

// InMemoryStore is a Store kept entirely in memory.
type InMemoryStore struct {
	mu      sync.RWMutex
	rules   []models.Rule
	nextID  int64
	inbound map[eventKey]*InboundEvent
	now     func() time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{inbound: make(map[eventKey]*InboundEvent), now: time.Now}
}

func (s *InMemoryStore) FindActive(ctx context.Context, keyword string) (*models.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules {
		if r.Active() && r.Keyword.MustSerialize() == keyword {
			r := r
			return &r, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) FindAllActive(ctx context.Context) ([]models.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.Active() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *InMemoryStore) Create(ctx context.Context, rule models.Rule) (models.Rule, error) {
	keyword, _, err := serializeRule(rule)
	if err != nil {
		return models.Rule{}, err
	}
	rule = ruleDefaults(rule)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rules {
		if r.Active() && r.Keyword.MustSerialize() == keyword {
			return models.Rule{}, models.ErrDuplicateKeyword
		}
	}
	s.nextID++
	now := s.now()
	rule.ID = s.nextID
	rule.CreatedAt, rule.UpdatedAt, rule.DeletedAt = now, now, nil
	rule.Keyword = rule.Keyword.Clone()
	rule.Reply = rule.Reply.Clone()
	s.rules = append(s.rules, rule)
	slog.Debug("InMemoryStore Create succeeded", "id", rule.ID, "userID", rule.UserID)
	return rule, nil
}

func (s *InMemoryStore) SoftDelete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rules {
		if s.rules[i].ID == id && s.rules[i].Active() {
			now := s.now()
			s.rules[i].DeletedAt = &now
			s.rules[i].UpdatedAt = now
			return nil
		}
	}
	return models.ErrRuleNotFound
}

func (s *InMemoryStore) Get(ctx context.Context, id int64) (*models.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules {
		if r.ID == id {
			r := r
			return &r, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
