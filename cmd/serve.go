package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/budgetly/mailsync/internal/ai"
	"github.com/budgetly/mailsync/internal/model"
	"github.com/budgetly/mailsync/internal/pipeline"
	"github.com/budgetly/mailsync/internal/resilience"
	"github.com/budgetly/mailsync/internal/scheduler"
	"github.com/budgetly/mailsync/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if cfg.Scheduler.Enabled {
			go scheduler.New(cfg.Scheduler, env.Store, env.Pipeline).Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(env),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func newRouter(env *appEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/sync/start", handleSyncStart(env))
		r.Get("/sync/progress", handleSyncProgress(env))
		r.Post("/sync/cancel", handleSyncCancel(env))
		r.Get("/sync/status", handleSyncStatus(env))
		r.Get("/providers", handleProviders(env))
		r.Post("/categorize", handleCategorize(env))
	})

	return r
}

type syncStartRequest struct {
	UserID    string `json:"user_id"`
	StartDate string `json:"start_date,omitempty"` // YYYY-MM-DD
	EndDate   string `json:"end_date,omitempty"`   // YYYY-MM-DD
	Provider  string `json:"provider,omitempty"`
}

func handleSyncStart(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body syncStartRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}

		req := pipeline.StartRequest{UserID: body.UserID, Provider: body.Provider}
		if body.StartDate != "" {
			t, err := time.Parse("2006-01-02", body.StartDate)
			if err != nil {
				writeError(w, http.StatusBadRequest, "start_date must be YYYY-MM-DD")
				return
			}
			req.StartDate = t
		}
		if body.EndDate != "" {
			t, err := time.Parse("2006-01-02", body.EndDate)
			if err != nil {
				writeError(w, http.StatusBadRequest, "end_date must be YYYY-MM-DD")
				return
			}
			req.EndDate = t
		}

		switch err := env.Pipeline.Start(r.Context(), req); {
		case err == nil:
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
		case eris.Is(err, pipeline.ErrAlreadyRunning):
			writeError(w, http.StatusConflict, "sync already running")
		case eris.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "user not found")
		case eris.Is(err, pipeline.ErrMailboxNotConnected):
			writeError(w, http.StatusPreconditionFailed, "gmail not connected")
		case eris.Is(err, ai.ErrNoCredentials):
			writeError(w, http.StatusPreconditionFailed, "no usable AI provider key")
		default:
			zap.L().Error("sync start failed", zap.String("user_id", body.UserID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "sync start failed")
		}
	}
}

func handleSyncProgress(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}

		job, err := env.Tracker.Get(r.Context(), userID)
		if err != nil {
			zap.L().Error("progress read failed", zap.String("user_id", userID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "progress read failed")
			return
		}
		if job == nil {
			job = &model.SyncJob{Status: model.SyncIdle}
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func handleSyncCancel(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID string `json:"user_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}

		// Always accepted: the flag is harmless without a running job, and
		// the run observes it at its next checkpoint.
		if err := env.Tracker.RequestCancel(r.Context(), body.UserID); err != nil {
			zap.L().Error("cancel request failed", zap.String("user_id", body.UserID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "cancel request failed")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
	}
}

func handleSyncStatus(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}

		user, err := env.Store.GetUser(r.Context(), userID)
		if err != nil {
			if eris.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "user not found")
				return
			}
			zap.L().Error("user lookup failed", zap.String("user_id", userID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "user lookup failed")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"last_sync_at":    user.LastSyncAt,
			"gmail_connected": user.MailboxConnected(),
		})
	}
}

func handleProviders(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var user *model.User
		if userID := r.URL.Query().Get("user_id"); userID != "" {
			u, err := env.Store.GetUser(r.Context(), userID)
			if err != nil && !eris.Is(err, store.ErrNotFound) {
				zap.L().Error("user lookup failed", zap.String("user_id", userID), zap.Error(err))
				writeError(w, http.StatusInternalServerError, "user lookup failed")
				return
			}
			user = u
		}
		writeJSON(w, http.StatusOK, map[string]any{"providers": ai.ListProviders(cfg.AI, user)})
	}
}

func handleCategorize(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID      string `json:"user_id,omitempty"`
			Merchant    string `json:"merchant"`
			Description string `json:"description,omitempty"`
			Provider    string `json:"provider,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Merchant == "" {
			writeError(w, http.StatusBadRequest, "merchant is required")
			return
		}

		var user *model.User
		if body.UserID != "" {
			u, err := env.Store.GetUser(r.Context(), body.UserID)
			if err != nil && !eris.Is(err, store.ErrNotFound) {
				zap.L().Error("user lookup failed", zap.String("user_id", body.UserID), zap.Error(err))
				writeError(w, http.StatusInternalServerError, "user lookup failed")
				return
			}
			user = u
		}

		creds, err := ai.ResolveCredentials(cfg.AI, user, env.Cipher, body.Provider)
		if err != nil {
			writeError(w, http.StatusPreconditionFailed, "no usable AI provider key")
			return
		}
		gw := ai.NewGateway(ai.NewClient(creds), creds.Config, cfg.Sync, resilience.FromConfig(cfg.Retry))

		category, err := gw.Categorize(r.Context(), body.Merchant, body.Description)
		if err != nil {
			zap.L().Error("categorize failed", zap.String("merchant", body.Merchant), zap.Error(err))
			writeError(w, http.StatusBadGateway, "categorization failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"category": category})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
