// Package progress maintains the per-user sync progress record and
// cancellation flag on top of the TTL-scoped sync-state store. Records
// expire on their own, so a crashed worker can never wedge a user: once
// the TTL passes the user simply reads as idle again.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/budgetly/mailsync/internal/model"
	"github.com/budgetly/mailsync/internal/store"
)

// KV is the slice of the store the tracker needs.
type KV interface {
	GetSyncState(ctx context.Context, key string) (string, error)
	SetSyncState(ctx context.Context, key, value string, ttl time.Duration) error
	DeleteSyncState(ctx context.Context, key string) error
}

// Tracker reads and writes SyncJob records and cancellation flags. Every
// write refreshes the record's TTL.
type Tracker struct {
	kv  KV
	ttl time.Duration
}

// NewTracker builds a Tracker with the given record lifetime.
func NewTracker(kv KV, ttl time.Duration) *Tracker {
	return &Tracker{kv: kv, ttl: ttl}
}

func progressKey(userID string) string { return "progress:" + userID }
func cancelKey(userID string) string   { return "cancel:" + userID }

// Get returns the current job for the user, or nil if none exists (never
// started, expired, or already cleaned up).
func (t *Tracker) Get(ctx context.Context, userID string) (*model.SyncJob, error) {
	raw, err := t.kv.GetSyncState(ctx, progressKey(userID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "progress: get")
	}

	var job model.SyncJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, eris.Wrap(err, "progress: decode job")
	}
	return &job, nil
}

// Init overwrites the user's record with a fresh running job and returns it.
func (t *Tracker) Init(ctx context.Context, userID string) (*model.SyncJob, error) {
	job := &model.SyncJob{
		Status:    model.SyncRunning,
		Step:      "starting",
		Message:   "Starting sync",
		StartedAt: time.Now().UTC(),
	}
	if err := t.put(ctx, userID, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Update applies mutate to the current job and writes it back, refreshing
// the TTL. A missing record is an error: only a live run updates progress.
func (t *Tracker) Update(ctx context.Context, userID string, mutate func(*model.SyncJob)) (*model.SyncJob, error) {
	job, err := t.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, eris.Errorf("progress: no job for user %s", userID)
	}
	mutate(job)
	if err := t.put(ctx, userID, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Finalize marks the job terminal with the given status and message and
// stamps the completion time.
func (t *Tracker) Finalize(ctx context.Context, userID string, status model.SyncStatus, message string) (*model.SyncJob, error) {
	return t.Update(ctx, userID, func(job *model.SyncJob) {
		now := time.Now().UTC()
		job.Status = status
		job.Step = "done"
		job.Message = message
		job.CompletedAt = &now
	})
}

func (t *Tracker) put(ctx context.Context, userID string, job *model.SyncJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "progress: encode job")
	}
	return eris.Wrap(t.kv.SetSyncState(ctx, progressKey(userID), string(raw), t.ttl), "progress: put")
}

// RequestCancel raises the user's cancellation flag. Raising it for a user
// with no running job is harmless.
func (t *Tracker) RequestCancel(ctx context.Context, userID string) error {
	return eris.Wrap(t.kv.SetSyncState(ctx, cancelKey(userID), "1", t.ttl), "progress: request cancel")
}

// IsCancelled reports whether the user's cancellation flag is raised.
// Store errors read as "not cancelled": the run proceeds rather than
// aborting on a flaky progress store.
func (t *Tracker) IsCancelled(ctx context.Context, userID string) bool {
	_, err := t.kv.GetSyncState(ctx, cancelKey(userID))
	return err == nil
}

// ClearCancel lowers the user's cancellation flag.
func (t *Tracker) ClearCancel(ctx context.Context, userID string) error {
	return eris.Wrap(t.kv.DeleteSyncState(ctx, cancelKey(userID)), "progress: clear cancel")
}
