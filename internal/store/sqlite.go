package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/budgetly/mailsync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS users (
	id                   TEXT PRIMARY KEY,
	email                TEXT NOT NULL UNIQUE,
	timezone             TEXT NOT NULL DEFAULT 'UTC',
	google_access_token  TEXT NOT NULL DEFAULT '',
	google_refresh_token TEXT NOT NULL DEFAULT '',
	api_keys             TEXT NOT NULL DEFAULT '{}',
	last_sync_at         DATETIME,
	is_active            INTEGER NOT NULL DEFAULT 1,
	created_at           DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS categories (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	icon       TEXT NOT NULL DEFAULT '',
	color      TEXT NOT NULL DEFAULT '',
	is_default INTEGER NOT NULL DEFAULT 0,
	user_id    TEXT NOT NULL DEFAULT '',
	UNIQUE (name, user_id)
);

CREATE TABLE IF NOT EXISTS transactions (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL REFERENCES users(id),
	merchant           TEXT NOT NULL,
	amount             REAL NOT NULL,
	currency           TEXT NOT NULL,
	date               DATETIME NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	category_id        TEXT,
	email_id           TEXT NOT NULL,
	email_subject      TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT 'processed',
	confidence         REAL NOT NULL DEFAULT 0.5,
	raw_data           TEXT,
	duplicate_group_id TEXT,
	is_primary         INTEGER NOT NULL DEFAULT 1,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (user_id, email_id)
);

CREATE TABLE IF NOT EXISTS sync_state (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_user_id ON transactions(user_id);
CREATE INDEX IF NOT EXISTS idx_transactions_user_date ON transactions(user_id, date DESC);
CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);
CREATE INDEX IF NOT EXISTS idx_sync_state_expires_at ON sync_state(expires_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}
	for _, name := range model.DefaultCategoryNames {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO categories (id, name, is_default) VALUES (?, ?, 1)
			 ON CONFLICT (name, user_id) DO NOTHING`,
			uuid.New().String(), name,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: seed category %s", name)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, timezone, google_access_token, google_refresh_token, api_keys, last_sync_at, is_active
		 FROM users WHERE id = ?`,
		userID,
	)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return u, err
}

func (s *SQLiteStore) ListActiveUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, timezone, google_access_token, google_refresh_token, api_keys, last_sync_at, is_active
		 FROM users WHERE is_active = 1 ORDER BY id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list active users")
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, eris.Wrap(rows.Err(), "sqlite: list active users iterate")
}

func (s *SQLiteStore) UpsertUser(ctx context.Context, user *model.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.Timezone == "" {
		user.Timezone = "UTC"
	}
	apiKeysJSON := []byte("{}")
	if user.APIKeys != nil {
		var err error
		apiKeysJSON, err = json.Marshal(user.APIKeys)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal api keys")
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, timezone, google_access_token, google_refresh_token, api_keys, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   email = excluded.email, timezone = excluded.timezone,
		   google_access_token = excluded.google_access_token,
		   google_refresh_token = excluded.google_refresh_token,
		   api_keys = excluded.api_keys, is_active = excluded.is_active`,
		user.ID, user.Email, user.Timezone, user.GoogleAccessToken,
		user.GoogleRefreshToken, string(apiKeysJSON), boolToInt(user.IsActive),
	)
	return eris.Wrapf(err, "sqlite: upsert user %s", user.ID)
}

func (s *SQLiteStore) SetLastSyncAt(ctx context.Context, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_sync_at = ? WHERE id = ?`,
		at.UTC(), userID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set last sync at %s", userID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListCategories(ctx context.Context, userID string) ([]model.Category, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, icon, color, is_default, user_id FROM categories
		 WHERE is_default = 1 OR user_id = ? ORDER BY is_default DESC, name`,
		userID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list categories")
	}
	defer rows.Close()

	var cats []model.Category
	for rows.Next() {
		var c model.Category
		var isDefault int
		if err := rows.Scan(&c.ID, &c.Name, &c.Icon, &c.Color, &isDefault, &c.UserID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan category")
		}
		c.IsDefault = isDefault != 0
		cats = append(cats, c)
	}
	return cats, eris.Wrap(rows.Err(), "sqlite: list categories iterate")
}

func (s *SQLiteStore) CreateCategory(ctx context.Context, category *model.Category) error {
	if category.ID == "" {
		category.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO categories (id, name, icon, color, is_default, user_id) VALUES (?, ?, ?, ?, ?, ?)`,
		category.ID, category.Name, category.Icon, category.Color, boolToInt(category.IsDefault), category.UserID,
	)
	return eris.Wrapf(err, "sqlite: create category %s", category.Name)
}

func (s *SQLiteStore) InsertTransaction(ctx context.Context, tx *model.Transaction) error {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	var rawJSON sql.NullString
	if tx.RawData != nil {
		b, err := json.Marshal(tx.RawData)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal raw data")
		}
		rawJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions
		 (id, user_id, merchant, amount, currency, date, description, category_id,
		  email_id, email_subject, status, confidence, raw_data, duplicate_group_id, is_primary, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.UserID, tx.Merchant, tx.Amount, tx.Currency, tx.Date, tx.Description,
		nullableString(tx.CategoryID), tx.EmailID, tx.EmailSubject, string(tx.Status), tx.Confidence,
		rawJSON, nullableString(tx.DuplicateGroupID), boolToInt(tx.IsPrimary), tx.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateTransaction
		}
		return eris.Wrapf(err, "sqlite: insert transaction %s", tx.EmailID)
	}
	return nil
}

func (s *SQLiteStore) ExistingEmailIDs(ctx context.Context, userID string, emailIDs []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	if len(emailIDs) == 0 {
		return existing, nil
	}

	placeholders := strings.Repeat("?,", len(emailIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(emailIDs)+1)
	args = append(args, userID)
	for _, id := range emailIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT email_id FROM transactions WHERE user_id = ? AND email_id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: existing email ids")
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan email id")
		}
		existing[id] = true
	}
	return existing, eris.Wrap(rows.Err(), "sqlite: existing email ids iterate")
}

func (s *SQLiteStore) ListTransactions(ctx context.Context, userID string, filter model.TransactionFilter) ([]model.Transaction, error) {
	query := `SELECT id, user_id, merchant, amount, currency, date, description, category_id,
	          email_id, email_subject, status, confidence, raw_data, duplicate_group_id, is_primary, created_at
	          FROM transactions WHERE user_id = ?`
	args := []any{userID}

	if filter.CategoryID != "" {
		query += ` AND category_id = ?`
		args = append(args, filter.CategoryID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.StartDate != nil {
		query += ` AND date >= ?`
		args = append(args, *filter.StartDate)
	}
	if filter.EndDate != nil {
		query += ` AND date <= ?`
		args = append(args, *filter.EndDate)
	}
	query += ` ORDER BY date DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list transactions")
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var categoryID, rawJSON, groupID sql.NullString
		var isPrimary int
		if err := rows.Scan(&t.ID, &t.UserID, &t.Merchant, &t.Amount, &t.Currency, &t.Date,
			&t.Description, &categoryID, &t.EmailID, &t.EmailSubject, &t.Status,
			&t.Confidence, &rawJSON, &groupID, &isPrimary, &t.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan transaction")
		}
		if categoryID.Valid {
			t.CategoryID = &categoryID.String
		}
		if groupID.Valid {
			t.DuplicateGroupID = &groupID.String
		}
		if rawJSON.Valid {
			if err := json.Unmarshal([]byte(rawJSON.String), &t.RawData); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal raw data")
			}
		}
		t.IsPrimary = isPrimary != 0
		txs = append(txs, t)
	}
	return txs, eris.Wrap(rows.Err(), "sqlite: list transactions iterate")
}

func (s *SQLiteStore) GetSyncState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM sync_state WHERE key = ? AND expires_at > ?`,
		key, time.Now().UTC(),
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: get sync state %s", key)
	}
	return value, nil
}

func (s *SQLiteStore) SetSyncState(ctx context.Context, key, value string, ttl time.Duration) error {
	expiresAt := time.Now().UTC().Add(ttl)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_state (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt,
	)
	return eris.Wrapf(err, "sqlite: set sync state %s", key)
}

func (s *SQLiteStore) DeleteSyncState(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_state WHERE key = ?`, key)
	return eris.Wrapf(err, "sqlite: delete sync state %s", key)
}

func (s *SQLiteStore) DeleteExpiredSyncState(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_state WHERE expires_at <= ?`,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired sync state")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanUser(row scannable) (*model.User, error) {
	var u model.User
	var apiKeysJSON string
	var lastSync sql.NullTime
	var isActive int

	err := row.Scan(&u.ID, &u.Email, &u.Timezone, &u.GoogleAccessToken,
		&u.GoogleRefreshToken, &apiKeysJSON, &lastSync, &isActive)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan user")
	}

	if err := json.Unmarshal([]byte(apiKeysJSON), &u.APIKeys); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal api keys")
	}
	if lastSync.Valid {
		t := lastSync.Time
		u.LastSyncAt = &t
	}
	u.IsActive = isActive != 0
	return &u, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
