package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/budgetly/mailsync/internal/pipeline"
	"github.com/budgetly/mailsync/internal/progress"
	"github.com/budgetly/mailsync/internal/secrets"
	"github.com/budgetly/mailsync/internal/store"
	"github.com/budgetly/mailsync/pkg/gmail"
)

// appEnv holds the initialized store, clients, and pipeline shared by the
// serve/sync commands.
type appEnv struct {
	Store    store.Store
	Tracker  *progress.Tracker
	Cipher   *secrets.Cipher
	Mailbox  gmail.Client
	Pipeline *pipeline.Pipeline
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initApp sets up the store, Gmail client, progress tracker, and pipeline.
// Callers should defer env.Close().
func initApp(ctx context.Context) (*appEnv, error) {
	st, err := store.New(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	// Without an encryption key, user-supplied API keys are ignored and
	// only server keys are usable.
	var cipher *secrets.Cipher
	if cfg.Encryption.Key != "" {
		cipher, err = secrets.NewCipher(cfg.Encryption.Key)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	} else {
		zap.L().Warn("no encryption key configured, user api keys disabled")
	}

	mailbox := gmail.NewClient(cfg.Gmail.ClientID, cfg.Gmail.ClientSecret,
		gmail.WithBaseURL(cfg.Gmail.BaseURL),
		gmail.WithRateLimit(cfg.Gmail.RequestsPerSec),
		gmail.WithPageSize(cfg.Gmail.MaxPageSize),
		gmail.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Gmail.TimeoutSecs) * time.Second}),
	)

	tracker := progress.NewTracker(st, cfg.Sync.ProgressTTL())
	p := pipeline.New(cfg, st, mailbox, tracker, cipher)

	return &appEnv{
		Store:    st,
		Tracker:  tracker,
		Cipher:   cipher,
		Mailbox:  mailbox,
		Pipeline: p,
	}, nil
}
