package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/budgetly/mailsync/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresFromPool(mock), mock
}

func TestPostgresStore_GetUser(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, email, timezone, google_access_token, google_refresh_token, api_keys, last_sync_at, is_active`).
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "email", "timezone", "google_access_token", "google_refresh_token", "api_keys", "last_sync_at", "is_active",
		}).AddRow("u1", "u1@example.com", "Asia/Kuala_Lumpur", "tok", "ref", []byte(`{"groq":"enc"}`), (*time.Time)(nil), true))

	u, err := s.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1@example.com", u.Email)
	assert.Equal(t, map[string]string{"groq": "enc"}, u.APIKeys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetUser_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, email, timezone`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetUser(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertTransaction_UniqueViolation(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO transactions`).
		WithArgs(pgxmock.AnyArg(), "u1", "", float64(0), "", pgxmock.AnyArg(), "", pgxmock.AnyArg(),
			"m1", "", "processed", float64(0), pgxmock.AnyArg(), pgxmock.AnyArg(), false, pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "transactions_user_id_email_id_key"})

	err := s.InsertTransaction(context.Background(), &model.Transaction{
		UserID:  "u1",
		EmailID: "m1",
		Date:    time.Now(),
		Status:  model.StatusProcessed,
	})
	assert.ErrorIs(t, err, ErrDuplicateTransaction)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertTransaction_AssignsID(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO transactions`).
		WithArgs(pgxmock.AnyArg(), "u1", "", float64(0), "", pgxmock.AnyArg(), "", pgxmock.AnyArg(),
			"m1", "", "processed", float64(0), pgxmock.AnyArg(), pgxmock.AnyArg(), false, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	tx := &model.Transaction{UserID: "u1", EmailID: "m1", Date: time.Now(), Status: model.StatusProcessed}
	require.NoError(t, s.InsertTransaction(context.Background(), tx))
	assert.NotEmpty(t, tx.ID)
	assert.False(t, tx.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ExistingEmailIDs(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT email_id FROM transactions WHERE user_id = \$1 AND email_id = ANY\(\$2\)`).
		WithArgs("u1", []string{"m1", "m2"}).
		WillReturnRows(pgxmock.NewRows([]string{"email_id"}).AddRow("m2"))

	existing, err := s.ExistingEmailIDs(context.Background(), "u1", []string{"m1", "m2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"m2": true}, existing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ExistingEmailIDs_EmptyInput(t *testing.T) {
	s, _ := newMockPostgresStore(t)

	existing, err := s.ExistingEmailIDs(context.Background(), "u1", nil)
	require.NoError(t, err)
	assert.Empty(t, existing)
}

func TestPostgresStore_SetLastSyncAt_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE users SET last_sync_at`).
		WithArgs(pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SetLastSyncAt(context.Background(), "missing", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SyncState(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO sync_state`).
		WithArgs("progress:u1", `{"status":"running"}`, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.SetSyncState(context.Background(), "progress:u1", `{"status":"running"}`, time.Hour))

	mock.ExpectQuery(`SELECT value FROM sync_state WHERE key = \$1 AND expires_at > now\(\)`).
		WithArgs("progress:u1").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow(`{"status":"running"}`))
	v, err := s.GetSyncState(context.Background(), "progress:u1")
	require.NoError(t, err)
	assert.Equal(t, `{"status":"running"}`, v)

	mock.ExpectQuery(`SELECT value FROM sync_state`).
		WithArgs("cancel:u1").
		WillReturnError(pgx.ErrNoRows)
	_, err = s.GetSyncState(context.Background(), "cancel:u1")
	assert.ErrorIs(t, err, ErrNotFound)

	mock.ExpectExec(`DELETE FROM sync_state WHERE key = \$1`).
		WithArgs("progress:u1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, s.DeleteSyncState(context.Background(), "progress:u1"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate_SeedsCategories(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS users`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	for _, name := range model.DefaultCategoryNames {
		mock.ExpectExec(`INSERT INTO categories`).
			WithArgs(pgxmock.AnyArg(), name).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
