package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/budgetly/mailsync/internal/config"
	"github.com/budgetly/mailsync/internal/model"
	"github.com/budgetly/mailsync/internal/pipeline"
	"github.com/budgetly/mailsync/internal/store"
)

type fakeStarter struct {
	started []string
	err     error
}

func (f *fakeStarter) Start(ctx context.Context, req pipeline.StartRequest) error {
	f.started = append(f.started, req.UserID)
	return f.err
}

func TestDueAt(t *testing.T) {
	// 00:30 UTC is 08:30 in Kuala Lumpur (UTC+8).
	now := time.Date(2026, 8, 30, 0, 30, 0, 0, time.UTC)

	assert.True(t, DueAt("Asia/Kuala_Lumpur", 8, now))
	assert.False(t, DueAt("Asia/Kuala_Lumpur", 9, now))
	assert.False(t, DueAt("UTC", 8, now))
	assert.True(t, DueAt("UTC", 0, now))

	// Unknown zones fall back to UTC.
	assert.True(t, DueAt("Not/AZone", 0, now))
	assert.True(t, DueAt("", 0, now))
}

func newSweepStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSweepStartsDueUsers(t *testing.T) {
	ctx := context.Background()
	st := newSweepStore(t)

	require.NoError(t, st.UpsertUser(ctx, &model.User{
		ID: "due", Email: "due@example.com", Timezone: "Asia/Kuala_Lumpur",
		GoogleAccessToken: "tok", IsActive: true,
	}))
	require.NoError(t, st.UpsertUser(ctx, &model.User{
		ID: "wrong-hour", Email: "wrong@example.com", Timezone: "UTC",
		GoogleAccessToken: "tok", IsActive: true,
	}))
	require.NoError(t, st.UpsertUser(ctx, &model.User{
		ID: "disconnected", Email: "disc@example.com", Timezone: "Asia/Kuala_Lumpur",
		IsActive: true,
	}))
	require.NoError(t, st.UpsertUser(ctx, &model.User{
		ID: "inactive", Email: "inactive@example.com", Timezone: "Asia/Kuala_Lumpur",
		GoogleAccessToken: "tok", IsActive: false,
	}))

	starter := &fakeStarter{}
	s := New(config.SchedulerConfig{Enabled: true, SyncHour: 8}, st, starter)
	s.now = func() time.Time {
		return time.Date(2026, 8, 30, 0, 30, 0, 0, time.UTC) // 08:30 in KL
	}

	s.Sweep(ctx)
	assert.Equal(t, []string{"due"}, starter.started)
}

func TestSweepToleratesAlreadyRunning(t *testing.T) {
	ctx := context.Background()
	st := newSweepStore(t)

	require.NoError(t, st.UpsertUser(ctx, &model.User{
		ID: "u1", Email: "u1@example.com", Timezone: "UTC",
		GoogleAccessToken: "tok", IsActive: true,
	}))

	starter := &fakeStarter{err: pipeline.ErrAlreadyRunning}
	s := New(config.SchedulerConfig{SyncHour: 0}, st, starter)
	s.now = func() time.Time {
		return time.Date(2026, 8, 30, 0, 30, 0, 0, time.UTC)
	}

	// Must not panic or stop; the start attempt is simply logged away.
	s.Sweep(ctx)
	assert.Equal(t, []string{"u1"}, starter.started)
}

func TestSweepCleansExpiredSyncState(t *testing.T) {
	ctx := context.Background()
	st := newSweepStore(t)

	require.NoError(t, st.SetSyncState(ctx, "progress:old", "{}", -time.Second))
	require.NoError(t, st.SetSyncState(ctx, "progress:live", "{}", time.Hour))

	s := New(config.SchedulerConfig{SyncHour: 8}, st, &fakeStarter{})
	s.Sweep(ctx)

	_, err := st.GetSyncState(ctx, "progress:old")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetSyncState(ctx, "progress:live")
	assert.NoError(t, err)
}
