package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/budgetly/mailsync/internal/config"
	"github.com/budgetly/mailsync/internal/model"
	"github.com/budgetly/mailsync/internal/pipeline"
	"github.com/budgetly/mailsync/internal/progress"
	"github.com/budgetly/mailsync/internal/store"
)

func newTestEnv(t *testing.T) *appEnv {
	t.Helper()
	ctx := context.Background()

	cfg = &config.Config{
		Sync: config.SyncConfig{
			MaxHeaders:      200,
			MaxReceipts:     100,
			ProgressTTLSecs: 3600,
			StaleAfterSecs:  600,
		},
		AI: config.AIConfig{
			DefaultProvider: "groq",
			Providers: map[string]config.ProviderConfig{
				"groq": {Label: "Groq (Free)", Kind: "openai", Model: "llama-3.3-70b-versatile"},
			},
		},
	}

	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(ctx))

	tracker := progress.NewTracker(st, cfg.Sync.ProgressTTL())
	return &appEnv{
		Store:    st,
		Tracker:  tracker,
		Pipeline: pipeline.New(cfg, st, nil, tracker, nil),
	}
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	h := newRouter(newTestEnv(t))
	w := doRequest(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestSyncStartValidation(t *testing.T) {
	h := newRouter(newTestEnv(t))

	w := doRequest(t, h, http.MethodPost, "/api/sync/start", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, h, http.MethodPost, "/api/sync/start", `{"user_id":"u1","start_date":"yesterday"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSyncStartUnknownUser(t *testing.T) {
	h := newRouter(newTestEnv(t))
	w := doRequest(t, h, http.MethodPost, "/api/sync/start", `{"user_id":"nobody"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSyncStartMailboxNotConnected(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.Store.UpsertUser(context.Background(), &model.User{
		ID: "u1", Email: "u1@example.com", IsActive: true,
	}))

	h := newRouter(env)
	w := doRequest(t, h, http.MethodPost, "/api/sync/start", `{"user_id":"u1"}`)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.Contains(t, w.Body.String(), "gmail not connected")
}

func TestSyncStartNoProviderKey(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.Store.UpsertUser(context.Background(), &model.User{
		ID: "u1", Email: "u1@example.com", GoogleAccessToken: "tok", IsActive: true,
	}))

	// No server key and no user key configured.
	h := newRouter(env)
	w := doRequest(t, h, http.MethodPost, "/api/sync/start", `{"user_id":"u1"}`)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.Contains(t, w.Body.String(), "no usable AI provider key")
}

func TestSyncStartConflict(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.Store.UpsertUser(context.Background(), &model.User{
		ID: "u1", Email: "u1@example.com", GoogleAccessToken: "tok", IsActive: true,
	}))
	_, err := env.Tracker.Init(context.Background(), "u1")
	require.NoError(t, err)

	h := newRouter(env)
	w := doRequest(t, h, http.MethodPost, "/api/sync/start", `{"user_id":"u1"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSyncProgressIdleFallback(t *testing.T) {
	h := newRouter(newTestEnv(t))

	w := doRequest(t, h, http.MethodGet, "/api/sync/progress?user_id=u1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var job model.SyncJob
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, model.SyncIdle, job.Status)

	w = doRequest(t, h, http.MethodGet, "/api/sync/progress", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSyncProgressRunningJob(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Tracker.Init(context.Background(), "u1")
	require.NoError(t, err)

	h := newRouter(env)
	w := doRequest(t, h, http.MethodGet, "/api/sync/progress?user_id=u1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var job model.SyncJob
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, model.SyncRunning, job.Status)
	assert.Equal(t, "starting", job.Step)
}

func TestSyncCancelAlwaysAccepted(t *testing.T) {
	env := newTestEnv(t)
	h := newRouter(env)

	w := doRequest(t, h, http.MethodPost, "/api/sync/cancel", `{"user_id":"u1"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, env.Tracker.IsCancelled(context.Background(), "u1"))

	w = doRequest(t, h, http.MethodPost, "/api/sync/cancel", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSyncStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.Store.UpsertUser(ctx, &model.User{
		ID: "u1", Email: "u1@example.com", GoogleAccessToken: "tok", IsActive: true,
	}))
	require.NoError(t, env.Store.SetLastSyncAt(ctx, "u1", time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)))

	h := newRouter(env)
	w := doRequest(t, h, http.MethodGet, "/api/sync/status?user_id=u1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		LastSyncAt     *time.Time `json:"last_sync_at"`
		GmailConnected bool       `json:"gmail_connected"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.GmailConnected)
	require.NotNil(t, body.LastSyncAt)

	w = doRequest(t, h, http.MethodGet, "/api/sync/status?user_id=nobody", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProvidersEndpoint(t *testing.T) {
	h := newRouter(newTestEnv(t))

	w := doRequest(t, h, http.MethodGet, "/api/providers", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Providers []struct {
			ID        string `json:"id"`
			Label     string `json:"label"`
			IsDefault bool   `json:"is_default"`
		} `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Providers, 1)
	assert.Equal(t, "groq", body.Providers[0].ID)
	assert.True(t, body.Providers[0].IsDefault)
}

func TestCategorizeEndpoint(t *testing.T) {
	env := newTestEnv(t)

	// Stub chat-completion backend.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "Food Delivery"}},
			},
		})
	}))
	defer srv.Close()

	cfg.AI.Providers["groq"] = config.ProviderConfig{
		Label: "Groq (Free)", Kind: "openai", BaseURL: srv.URL, APIKey: "server-key", Model: "m",
	}
	cfg.Retry = config.RetryConfig{MaxAttempts: 1, InitialBackoffMs: 1}

	h := newRouter(env)
	w := doRequest(t, h, http.MethodPost, "/api/categorize", `{"merchant":"GrabFood"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"category":"Food Delivery"}`, w.Body.String())

	w = doRequest(t, h, http.MethodPost, "/api/categorize", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
