// Package scheduler triggers automatic daily syncs. Once an hour it scans
// the active users and starts a sync for everyone whose local clock has
// reached the configured sync hour.
package scheduler

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/budgetly/mailsync/internal/config"
	"github.com/budgetly/mailsync/internal/pipeline"
	"github.com/budgetly/mailsync/internal/store"
)

// Starter is the slice of the pipeline the scheduler drives.
type Starter interface {
	Start(ctx context.Context, req pipeline.StartRequest) error
}

// Scheduler runs the hourly auto-sync sweep.
type Scheduler struct {
	cfg      config.SchedulerConfig
	store    store.Store
	pipeline Starter

	interval time.Duration
	now      func() time.Time
}

// New builds a Scheduler that sweeps once an hour.
func New(cfg config.SchedulerConfig, st store.Store, p Starter) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		store:    st,
		pipeline: p,
		interval: time.Hour,
		now:      time.Now,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	zap.L().Info("scheduler started", zap.Int("sync_hour", s.cfg.SyncHour))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep expires stale sync-state records, then starts a sync for every
// active connected user whose local hour matches the sync hour. Individual
// failures are logged and never stop the sweep.
func (s *Scheduler) Sweep(ctx context.Context) {
	log := zap.L()

	if n, err := s.store.DeleteExpiredSyncState(ctx); err != nil {
		log.Warn("sync state cleanup failed", zap.Error(err))
	} else if n > 0 {
		log.Info("expired sync state cleaned up", zap.Int("deleted", n))
	}

	users, err := s.store.ListActiveUsers(ctx)
	if err != nil {
		log.Error("active user listing failed", zap.Error(err))
		return
	}

	now := s.now()
	for _, u := range users {
		if !u.MailboxConnected() {
			continue
		}
		if !DueAt(u.Timezone, s.cfg.SyncHour, now) {
			continue
		}

		err := s.pipeline.Start(ctx, pipeline.StartRequest{UserID: u.ID})
		switch {
		case err == nil:
			log.Info("scheduled sync started", zap.String("user_id", u.ID))
		case eris.Is(err, pipeline.ErrAlreadyRunning):
			// A manual run beat us to it.
		default:
			log.Warn("scheduled sync failed to start", zap.String("user_id", u.ID), zap.Error(err))
		}
	}
}

// DueAt reports whether now falls in the sync hour of the given IANA
// timezone. An unknown or empty timezone is evaluated as UTC.
func DueAt(timezone string, syncHour int, now time.Time) bool {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	return now.In(loc).Hour() == syncHour
}
