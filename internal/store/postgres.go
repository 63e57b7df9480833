package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/budgetly/mailsync/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses; pgxmock implements it
// for tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool (used by tests).
func NewPostgresFromPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS users (
	id                   TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	email                TEXT NOT NULL UNIQUE,
	timezone             TEXT NOT NULL DEFAULT 'UTC',
	google_access_token  TEXT NOT NULL DEFAULT '',
	google_refresh_token TEXT NOT NULL DEFAULT '',
	api_keys             JSONB NOT NULL DEFAULT '{}',
	last_sync_at         TIMESTAMPTZ,
	is_active            BOOLEAN NOT NULL DEFAULT true,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS categories (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name       TEXT NOT NULL,
	icon       TEXT NOT NULL DEFAULT '',
	color      TEXT NOT NULL DEFAULT '',
	is_default BOOLEAN NOT NULL DEFAULT false,
	user_id    TEXT NOT NULL DEFAULT '',
	UNIQUE (name, user_id)
);

CREATE TABLE IF NOT EXISTS transactions (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL REFERENCES users(id),
	merchant           TEXT NOT NULL,
	amount             DOUBLE PRECISION NOT NULL,
	currency           TEXT NOT NULL,
	date               TIMESTAMPTZ NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	category_id        TEXT,
	email_id           TEXT NOT NULL,
	email_subject      TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT 'processed',
	confidence         DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	raw_data           JSONB,
	duplicate_group_id TEXT,
	is_primary         BOOLEAN NOT NULL DEFAULT true,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, email_id)
);

CREATE TABLE IF NOT EXISTS sync_state (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_user_id ON transactions(user_id);
CREATE INDEX IF NOT EXISTS idx_transactions_user_date ON transactions(user_id, date DESC);
CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);
CREATE INDEX IF NOT EXISTS idx_sync_state_expires_at ON sync_state(expires_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	for _, name := range model.DefaultCategoryNames {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO categories (id, name, is_default) VALUES ($1, $2, true)
			 ON CONFLICT (name, user_id) DO NOTHING`,
			uuid.New().String(), name,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: seed category %s", name)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (*model.User, error) {
	var u model.User
	var apiKeysJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, email, timezone, google_access_token, google_refresh_token, api_keys, last_sync_at, is_active
		 FROM users WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.Email, &u.Timezone, &u.GoogleAccessToken, &u.GoogleRefreshToken,
		&apiKeysJSON, &u.LastSyncAt, &u.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get user %s", userID)
	}

	if err := json.Unmarshal(apiKeysJSON, &u.APIKeys); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal api keys")
	}
	return &u, nil
}

func (s *PostgresStore) ListActiveUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, email, timezone, google_access_token, google_refresh_token, api_keys, last_sync_at, is_active
		 FROM users WHERE is_active ORDER BY id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list active users")
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		var apiKeysJSON []byte
		if err := rows.Scan(&u.ID, &u.Email, &u.Timezone, &u.GoogleAccessToken,
			&u.GoogleRefreshToken, &apiKeysJSON, &u.LastSyncAt, &u.IsActive); err != nil {
			return nil, eris.Wrap(err, "postgres: scan user")
		}
		if err := json.Unmarshal(apiKeysJSON, &u.APIKeys); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal api keys")
		}
		users = append(users, u)
	}
	return users, eris.Wrap(rows.Err(), "postgres: list active users iterate")
}

func (s *PostgresStore) UpsertUser(ctx context.Context, user *model.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.Timezone == "" {
		user.Timezone = "UTC"
	}
	apiKeysJSON, err := json.Marshal(user.APIKeys)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal api keys")
	}
	if user.APIKeys == nil {
		apiKeysJSON = []byte("{}")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO users (id, email, timezone, google_access_token, google_refresh_token, api_keys, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   email = $2, timezone = $3, google_access_token = $4,
		   google_refresh_token = $5, api_keys = $6, is_active = $7`,
		user.ID, user.Email, user.Timezone, user.GoogleAccessToken,
		user.GoogleRefreshToken, apiKeysJSON, user.IsActive,
	)
	return eris.Wrapf(err, "postgres: upsert user %s", user.ID)
}

func (s *PostgresStore) SetLastSyncAt(ctx context.Context, userID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET last_sync_at = $1 WHERE id = $2`,
		at.UTC(), userID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set last sync at %s", userID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListCategories(ctx context.Context, userID string) ([]model.Category, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, icon, color, is_default, user_id FROM categories
		 WHERE is_default OR user_id = $1 ORDER BY is_default DESC, name`,
		userID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list categories")
	}
	defer rows.Close()

	var cats []model.Category
	for rows.Next() {
		var c model.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Icon, &c.Color, &c.IsDefault, &c.UserID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan category")
		}
		cats = append(cats, c)
	}
	return cats, eris.Wrap(rows.Err(), "postgres: list categories iterate")
}

func (s *PostgresStore) CreateCategory(ctx context.Context, category *model.Category) error {
	if category.ID == "" {
		category.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO categories (id, name, icon, color, is_default, user_id) VALUES ($1, $2, $3, $4, $5, $6)`,
		category.ID, category.Name, category.Icon, category.Color, category.IsDefault, category.UserID,
	)
	return eris.Wrapf(err, "postgres: create category %s", category.Name)
}

func (s *PostgresStore) InsertTransaction(ctx context.Context, tx *model.Transaction) error {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	var rawJSON []byte
	if tx.RawData != nil {
		var err error
		rawJSON, err = json.Marshal(tx.RawData)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal raw data")
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO transactions
		 (id, user_id, merchant, amount, currency, date, description, category_id,
		  email_id, email_subject, status, confidence, raw_data, duplicate_group_id, is_primary, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		tx.ID, tx.UserID, tx.Merchant, tx.Amount, tx.Currency, tx.Date, tx.Description,
		tx.CategoryID, tx.EmailID, tx.EmailSubject, string(tx.Status), tx.Confidence,
		rawJSON, tx.DuplicateGroupID, tx.IsPrimary, tx.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateTransaction
		}
		return eris.Wrapf(err, "postgres: insert transaction %s", tx.EmailID)
	}
	return nil
}

func (s *PostgresStore) ExistingEmailIDs(ctx context.Context, userID string, emailIDs []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	if len(emailIDs) == 0 {
		return existing, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT email_id FROM transactions WHERE user_id = $1 AND email_id = ANY($2)`,
		userID, emailIDs,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: existing email ids")
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan email id")
		}
		existing[id] = true
	}
	return existing, eris.Wrap(rows.Err(), "postgres: existing email ids iterate")
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string, filter model.TransactionFilter) ([]model.Transaction, error) {
	query := `SELECT id, user_id, merchant, amount, currency, date, description, category_id,
	          email_id, email_subject, status, confidence, raw_data, duplicate_group_id, is_primary, created_at
	          FROM transactions WHERE user_id = $1`
	args := []any{userID}
	argIdx := 2

	if filter.CategoryID != "" {
		query += fmt.Sprintf(` AND category_id = $%d`, argIdx)
		args = append(args, filter.CategoryID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.StartDate != nil {
		query += fmt.Sprintf(` AND date >= $%d`, argIdx)
		args = append(args, *filter.StartDate)
		argIdx++
	}
	if filter.EndDate != nil {
		query += fmt.Sprintf(` AND date <= $%d`, argIdx)
		args = append(args, *filter.EndDate)
		argIdx++
	}
	query += ` ORDER BY date DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list transactions")
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var rawJSON []byte
		if err := rows.Scan(&t.ID, &t.UserID, &t.Merchant, &t.Amount, &t.Currency, &t.Date,
			&t.Description, &t.CategoryID, &t.EmailID, &t.EmailSubject, &t.Status,
			&t.Confidence, &rawJSON, &t.DuplicateGroupID, &t.IsPrimary, &t.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan transaction")
		}
		if len(rawJSON) > 0 {
			if err := json.Unmarshal(rawJSON, &t.RawData); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal raw data")
			}
		}
		txs = append(txs, t)
	}
	return txs, eris.Wrap(rows.Err(), "postgres: list transactions iterate")
}

func (s *PostgresStore) GetSyncState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM sync_state WHERE key = $1 AND expires_at > now()`,
		key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", eris.Wrapf(err, "postgres: get sync state %s", key)
	}
	return value, nil
}

func (s *PostgresStore) SetSyncState(ctx context.Context, key, value string, ttl time.Duration) error {
	expiresAt := time.Now().UTC().Add(ttl)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_state (key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = $2, expires_at = $3`,
		key, value, expiresAt,
	)
	return eris.Wrapf(err, "postgres: set sync state %s", key)
}

func (s *PostgresStore) DeleteSyncState(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sync_state WHERE key = $1`, key)
	return eris.Wrapf(err, "postgres: delete sync state %s", key)
}

// DeleteExpiredSyncState clears expired progress and cancellation records.
func (s *PostgresStore) DeleteExpiredSyncState(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sync_state WHERE expires_at <= now()`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired sync state")
	}
	return int(tag.RowsAffected()), nil
}
