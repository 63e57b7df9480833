// Package store persists users, categories, transactions, and the
// TTL-scoped sync-state records behind a single interface with Postgres
// and SQLite implementations.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/budgetly/mailsync/internal/config"
	"github.com/budgetly/mailsync/internal/model"
)

// ErrDuplicateTransaction is returned by InsertTransaction when a row for
// the same (user, email) already exists. Callers treat it as "already
// synced", not as a failure.
var ErrDuplicateTransaction = eris.New("store: duplicate transaction")

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = eris.New("store: not found")

// Store defines the persistence interface for the receipt-sync pipeline.
type Store interface {
	// Users
	GetUser(ctx context.Context, userID string) (*model.User, error)
	ListActiveUsers(ctx context.Context) ([]model.User, error)
	UpsertUser(ctx context.Context, user *model.User) error
	SetLastSyncAt(ctx context.Context, userID string, at time.Time) error

	// Categories
	ListCategories(ctx context.Context, userID string) ([]model.Category, error)
	CreateCategory(ctx context.Context, category *model.Category) error

	// Transactions
	InsertTransaction(ctx context.Context, tx *model.Transaction) error
	ExistingEmailIDs(ctx context.Context, userID string, emailIDs []string) (map[string]bool, error)
	ListTransactions(ctx context.Context, userID string, filter model.TransactionFilter) ([]model.Transaction, error)

	// Sync state (progress records and cancellation flags, TTL-scoped)
	GetSyncState(ctx context.Context, key string) (string, error)
	SetSyncState(ctx context.Context, key, value string, ttl time.Duration) error
	DeleteSyncState(ctx context.Context, key string) error
	DeleteExpiredSyncState(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// New opens the store selected by cfg.Driver.
func New(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return NewSQLite(cfg.DatabaseURL)
	case "", "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{
			MaxConns: cfg.MaxConns,
			MinConns: cfg.MinConns,
		})
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
